package audit

import (
	"context"
	"log/slog"

	"github.com/dataflow-works/config-registry/pkg/events"
)

// Subscriber is the domain-event feed the recorder consumes.
type Subscriber interface {
	Subscribe(ctx context.Context) <-chan events.Event
}

// Recorder turns domain events into audit records.
type Recorder struct {
	store  *Store
	source Subscriber
	logger *slog.Logger
}

// NewRecorder creates a Recorder over the audit store and an event feed.
func NewRecorder(store *Store, source Subscriber, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, source: source, logger: logger}
}

// Run consumes events until ctx is cancelled. It blocks.
func (r *Recorder) Run(ctx context.Context) {
	ch := r.source.Subscribe(ctx)
	r.logger.Info("audit recorder started")

	for event := range ch {
		record := &EventRecord{
			ID:           event.ID,
			EntityType:   string(event.EntityType),
			EntityID:     event.EntityID,
			CompositeKey: event.CompositeKey,
			Action:       string(event.Action),
			Actor:        event.Actor,
			Payload:      string(event.Entity),
			OccurredAt:   event.OccurredAt,
		}
		// Best-effort write: the mutation already committed.
		if err := r.store.Append(ctx, record); err != nil {
			r.logger.Error("failed to write audit event",
				"error", err, "entityType", event.EntityType, "entityId", event.EntityID)
		}
	}

	r.logger.Info("audit recorder stopped")
}
