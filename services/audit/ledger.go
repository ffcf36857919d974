package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"otad/pkg/db"
)

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 500
)

// Ledger stores audit entries in Postgres.
type Ledger struct {
	pool *pgxpool.Pool
	orm  *gorm.DB
}

// NewLedger returns a Ledger writing through orm and reading through pool.
func NewLedger(pool *pgxpool.Pool, orm *gorm.DB) (*Ledger, error) {
	if pool == nil {
		return nil, errors.New("database pool is required")
	}
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &Ledger{pool: pool, orm: orm}, nil
}

// Record inserts e. Entries whose event id was already recorded are skipped.
func (l *Ledger) Record(ctx context.Context, e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	model := auditModel{
		EventID: e.EventID,
		Actor:   e.Actor,
		Action:  e.Action,
		Obj:     e.Obj,
		Details: toJSONMap(e.Details),
		At:      e.At,
	}

	ctx, cancel := context.WithTimeout(ctx, db.DefaultTimeout)
	defer cancel()

	return l.orm.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(&model).Error
}

// Recent returns up to limit entries, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]Entry, error) {
	var rows []auditRow
	err := db.Select(ctx, l.pool, &rows, `
SELECT id, COALESCE(event_id, '') AS event_id, actor, action, COALESCE(obj, '') AS obj, details, at
FROM audit
ORDER BY at DESC, id DESC
LIMIT $1
`, clampLimit(limit))
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		e, err := entryFromRow(row)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

type auditRow struct {
	ID      int64     `db:"id"`
	EventID string    `db:"event_id"`
	Actor   string    `db:"actor"`
	Action  string    `db:"action"`
	Obj     string    `db:"obj"`
	Details []byte    `db:"details"`
	At      time.Time `db:"at"`
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultRecentLimit
	}
	return min(limit, maxRecentLimit)
}

func entryFromRow(row auditRow) (Entry, error) {
	details := map[string]any{}
	if len(row.Details) > 0 {
		if err := json.Unmarshal(row.Details, &details); err != nil {
			return Entry{}, fmt.Errorf("decode audit %d details: %w", row.ID, err)
		}
	}
	return Entry{
		ID:      row.ID,
		EventID: row.EventID,
		Actor:   row.Actor,
		Action:  row.Action,
		Obj:     row.Obj,
		Details: details,
		At:      row.At,
	}, nil
}
