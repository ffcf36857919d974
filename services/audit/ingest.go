package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"otad/pkg/bus"
	"otad/pkg/firmware"
)

const (
	durableName = "ota-audit"
	eventActor  = "otad"
)

// Recorder persists audit entries.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// Ingestor records firmware events from the bus in the audit ledger.
type Ingestor struct {
	recorder Recorder
	bus      *bus.Bus
	logger   zerolog.Logger

	subMu sync.Mutex
	sub   io.Closer
}

// NewIngestor constructs an Ingestor for the provided dependencies.
func NewIngestor(recorder Recorder, b *bus.Bus, logger zerolog.Logger) (*Ingestor, error) {
	if recorder == nil {
		return nil, errors.New("recorder is required")
	}
	if b == nil {
		return nil, errors.New("bus is required")
	}
	return &Ingestor{recorder: recorder, bus: b, logger: logger}, nil
}

// Start subscribes to firmware events and processes them until ctx is cancelled.
func (i *Ingestor) Start(ctx context.Context) error {
	if i == nil {
		return errors.New("nil ingestor")
	}

	sub, err := i.bus.Subscribe(ctx, firmware.SubjectAll, durableName, i.handleEvent)
	if err != nil {
		return err
	}

	i.subMu.Lock()
	i.sub = sub
	i.subMu.Unlock()

	return nil
}

// Close stops the underlying subscription if it was created.
func (i *Ingestor) Close() error {
	if i == nil {
		return nil
	}

	i.subMu.Lock()
	defer i.subMu.Unlock()

	if i.sub == nil {
		return nil
	}
	err := i.sub.Close()
	i.sub = nil
	return err
}

func (i *Ingestor) handleEvent(ctx context.Context, subject string, data []byte) error {
	entry, err := entryFromEvent(subject, data)
	if err != nil {
		i.logger.Warn().Err(err).Str("subject", subject).Msg("drop malformed firmware event")
		return nil
	}
	if err := i.recorder.Record(ctx, entry); err != nil {
		i.logger.Error().Err(err).Str("event_id", entry.EventID).Msg("record audit entry")
		return err
	}
	return nil
}

func entryFromEvent(subject string, data []byte) (Entry, error) {
	var evt firmware.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return Entry{}, fmt.Errorf("decode event: %w", err)
	}
	if evt.Type == "" {
		evt.Type = subject
	}
	if evt.Type != subject {
		return Entry{}, fmt.Errorf("event type %q does not match subject %q", evt.Type, subject)
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}

	action := strings.TrimPrefix(subject, "ota.")
	details := map[string]any{}
	obj := evt.Name

	switch subject {
	case firmware.SubjectDescriptorPublished:
		if evt.Version == "" {
			return Entry{}, errors.New("version missing from descriptor event")
		}
		obj = firmware.DescriptorFileName
		details["version"] = evt.Version
		details["url"] = evt.URL
	case firmware.SubjectFirmwareUploaded:
		if evt.Name == "" {
			return Entry{}, errors.New("name missing from upload event")
		}
		details["size"] = evt.Size
		details["sha256"] = evt.SHA256
	case firmware.SubjectFirmwareDeleted:
		if evt.Name == "" {
			return Entry{}, errors.New("name missing from delete event")
		}
	default:
		return Entry{}, fmt.Errorf("unknown subject %q", subject)
	}

	return Entry{
		EventID: evt.ID,
		Actor:   eventActor,
		Action:  action,
		Obj:     obj,
		Details: details,
		At:      evt.At,
	}, nil
}
