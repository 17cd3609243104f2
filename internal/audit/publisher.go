package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Publisher hands events to the background worker without blocking request
// handling. A full inbox drops the event and logs; audit is best-effort by
// contract, requests never wait on it.
type Publisher struct {
	inbox  chan<- Event
	logger *slog.Logger
}

// NewPublisher constructs a publisher over the worker's inbox channel.
func NewPublisher(inbox chan<- Event, logger *slog.Logger) *Publisher {
	return &Publisher{inbox: inbox, logger: logger}
}

// Emit records an event. Never blocks.
func (p *Publisher) Emit(ctx context.Context, kind Kind, tagID string, detail map[string]string) {
	if p == nil {
		return
	}
	event := Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		TagID:     tagID,
		Detail:    detail,
		Timestamp: time.Now(),
	}
	select {
	case p.inbox <- event:
	default:
		p.logger.WarnContext(ctx, "audit inbox full, event dropped",
			"kind", kind,
			"tag_id", tagID,
		)
	}
}
