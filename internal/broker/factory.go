package broker

import (
	"context"
	"log/slog"
	"time"
)

// MessageSender is the send side of a broker endpoint
type MessageSender interface {
	Send(ctx context.Context, msg OutgoingMessage) (string, error)
	Close() error
}

// MessageReceiver is the peek-lock receive side of a broker endpoint
type MessageReceiver interface {
	Receive(ctx context.Context, maxCount int, wait time.Duration) ([]*Message, error)
	Complete(ctx context.Context, m *Message) error
	Abandon(ctx context.Context, m *Message) error
	DeadLetter(ctx context.Context, m *Message, reason, description string) error
	Close() error
}

// Factory opens AMQP senders and receivers. Each one owns its own connection
type Factory struct {
	// Timeout bounds publisher confirms
	Timeout time.Duration
	Logger  *slog.Logger
}

func NewFactory(timeout time.Duration, l *slog.Logger) *Factory {
	return &Factory{Timeout: timeout, Logger: l}
}

func (f *Factory) OpenSender(ctx context.Context, e Endpoint, cred TokenCredential) (MessageSender, error) {
	return NewSender(ctx, e, cred, f.Timeout, f.Logger)
}

func (f *Factory) OpenReceiver(ctx context.Context, e Endpoint, cred TokenCredential) (MessageReceiver, error) {
	return NewReceiver(ctx, e, cred, f.Timeout, f.Logger)
}
