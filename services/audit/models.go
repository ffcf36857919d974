package audit

import (
	"time"

	"gorm.io/datatypes"
)

// Entry is one recorded firmware operation.
type Entry struct {
	ID      int64          `json:"id" db:"id"`
	EventID string         `json:"event_id" db:"event_id"`
	Actor   string         `json:"actor" db:"actor"`
	Action  string         `json:"action" db:"action"`
	Obj     string         `json:"obj" db:"obj"`
	Details map[string]any `json:"details" db:"-"`
	At      time.Time      `json:"at" db:"at"`
}

type auditModel struct {
	ID      int64             `gorm:"type:bigserial;primaryKey"`
	EventID string            `gorm:"type:text;uniqueIndex"`
	Actor   string            `gorm:"type:text;not null"`
	Action  string            `gorm:"type:text;not null;index"`
	Obj     string            `gorm:"type:text"`
	Details datatypes.JSONMap `gorm:"type:jsonb"`
	At      time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime;index"`
}

func (auditModel) TableName() string { return "audit" }

func toJSONMap(src map[string]any) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for k, v := range src {
		out[k] = v
	}
	return out
}
