package audit

import (
	"context"
	"log/slog"
)

// Worker consumes audit events from a channel and persists them, keeping
// background processing off the request path.
type Worker struct {
	store  Store
	inbox  <-chan Event
	logger *slog.Logger
}

// NewWorker constructs a worker over a store and inbox.
func NewWorker(store Store, inbox <-chan Event, logger *slog.Logger) *Worker {
	return &Worker{store: store, inbox: inbox, logger: logger}
}

// Run drains the inbox until the context is cancelled. Persistence failures
// are logged and skipped; one bad event must not stall the stream.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-w.inbox:
			if err := w.store.Append(ctx, event); err != nil {
				w.logger.ErrorContext(ctx, "failed to persist audit event",
					"kind", event.Kind,
					"error", err,
				)
			}
		}
	}
}
