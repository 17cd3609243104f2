// Package notify is the boundary to the external messaging dispatch
// (SMS/WhatsApp). Delivery failures are logged by callers, never surfaced to
// the anonymous caller's response.
package notify

import (
	"context"
	"log/slog"
	"sync"
)

// Notifier sends a message to a destination phone number.
type Notifier interface {
	Send(ctx context.Context, destination, message string) error
}

// LogNotifier writes outbound messages to the process log. The development
// stand-in for the real dispatch service.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLog constructs a log-backed notifier.
func NewLog(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(ctx context.Context, destination, message string) error {
	n.logger.InfoContext(ctx, "outbound message",
		"destination", destination,
		"message", message,
	)
	return nil
}

// Recorder captures outbound messages for tests.
type Recorder struct {
	mu   sync.Mutex
	sent []Message
	// Err, when set, is returned by every Send to simulate delivery failure.
	Err error
}

// Message is one captured send.
type Message struct {
	Destination string
	Body        string
}

// NewRecorder constructs an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Send(_ context.Context, destination, message string) error {
	if r.Err != nil {
		return r.Err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Message{Destination: destination, Body: message})
	return nil
}

// Sent returns a copy of the captured messages.
func (r *Recorder) Sent() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.sent))
	copy(out, r.sent)
	return out
}
