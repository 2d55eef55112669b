package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"example.com/tracker/internal/events"
	"example.com/tracker/internal/observability"
)

// MirrorStore is the backup copy of every device's Session Store.
type MirrorStore interface {
	UpsertRecord(ctx context.Context, event events.ActivityRecorded) error
	DeleteRecord(ctx context.Context, event events.ActivityDeleted) error
}

// PersistenceHandler applies activity_records events to the mirror.
type PersistenceHandler struct {
	store  MirrorStore
	logger *log.Logger
}

// NewPersistenceHandler constructs a handler backed by the provided store.
func NewPersistenceHandler(store MirrorStore, logger *log.Logger) *PersistenceHandler {
	if logger == nil {
		logger = log.New(log.Writer(), "[sync] ", log.LstdFlags|log.Lshortfile)
	}
	return &PersistenceHandler{store: store, logger: logger}
}

// Handle decodes msg by event type. Unknown event types are skipped so they are committed.
func (h *PersistenceHandler) Handle(ctx context.Context, msg Message) error {
	switch msg.EventType {
	case events.TypeActivityRecorded:
		var event events.ActivityRecorded
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			h.logger.Printf("skipping undecodable %s at offset %d: %v", msg.EventType, msg.Offset, err)
			return nil
		}
		if event.DeviceID == "" {
			event.DeviceID = msg.DeviceID
		}
		if err := h.store.UpsertRecord(ctx, event); err != nil {
			return fmt.Errorf("mirror record %s/%d: %w", event.DeviceID, event.RecordID, err)
		}
		observability.RecordActivitySynced(event.EndTime)
		return nil
	case events.TypeActivityDeleted:
		var event events.ActivityDeleted
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			h.logger.Printf("skipping undecodable %s at offset %d: %v", msg.EventType, msg.Offset, err)
			return nil
		}
		if event.DeviceID == "" {
			event.DeviceID = msg.DeviceID
		}
		if err := h.store.DeleteRecord(ctx, event); err != nil {
			return fmt.Errorf("mirror delete %s/%d: %w", event.DeviceID, event.RecordID, err)
		}
		return nil
	default:
		h.logger.Printf("skipping unknown event type %q at offset %d", msg.EventType, msg.Offset)
		return nil
	}
}
