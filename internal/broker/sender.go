package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Application property names carried in message headers
const (
	PropEntityName     = "EntityName"
	PropMessageName    = "MessageName"
	PropOrganizationID = "OrganizationId"
)

const defaultContentType = "application/json"

// OutgoingMessage is one message for the sender's queue. An empty MessageID is generated
type OutgoingMessage struct {
	Body                  []byte
	ContentType           string
	MessageID             string
	CorrelationID         string
	ApplicationProperties map[string]any
}

// Sender publishes to one queue with publisher confirms
type Sender struct {
	link    *link
	queue   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewSender connects to the endpoint and enables publisher confirms
func NewSender(ctx context.Context, e Endpoint, cred TokenCredential, timeout time.Duration, l *slog.Logger) (*Sender, error) {
	lk, err := openLink(ctx, e, cred, l, e.Queue)
	if err != nil {
		return nil, err
	}

	if err := lk.channel.Confirm(false); err != nil {
		lk.Close()
		return nil, fmt.Errorf("failed to activate publisher confirms: %w", err)
	}

	return &Sender{link: lk, queue: e.Queue, timeout: timeout, logger: l.With("queue", e.Queue)}, nil
}

// Send publishes msg and blocks until the broker confirms it. It returns the message id
func (s *Sender) Send(ctx context.Context, msg OutgoingMessage) (string, error) {
	if !s.link.IsHealthy() {
		return "", errors.New("broker connection is closed")
	}

	pub := publishing(msg)
	l := s.logger.With("message_id", pub.MessageId, "correlation_id", pub.CorrelationId)

	deferred, err := s.link.channel.PublishWithDeferredConfirmWithContext(ctx, "", s.queue, false, false, pub)
	if err != nil {
		l.Error("Failed to publish message", "error", err)
		return "", fmt.Errorf("publish call failed: %w", err)
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-deferred.Done():
		if !deferred.Acked() {
			return "", errors.New("broker NACK received: message not persisted")
		}
		l.Debug("Message confirmed by broker")
		return pub.MessageId, nil
	case <-timer.C:
		return "", errors.New("publisher confirm timeout")
	}
}

func (s *Sender) Close() error {
	return s.link.Close()
}

// publishing maps msg onto an AMQP publishing, filling defaults
func publishing(msg OutgoingMessage) amqp.Publishing {
	id := msg.MessageID
	if id == "" {
		id = uuid.NewString()
	}
	contentType := msg.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}

	headers := amqp.Table{}
	for k, v := range msg.ApplicationProperties {
		headers[k] = v
	}

	return amqp.Publishing{
		Headers:       headers,
		ContentType:   contentType,
		DeliveryMode:  amqp.Persistent,
		MessageId:     id,
		CorrelationId: msg.CorrelationID,
		Timestamp:     time.Now().UTC(),
		Body:          msg.Body,
	}
}
