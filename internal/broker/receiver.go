package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Dead-letter header names
const (
	HeaderDeadLetterReason      = "DeadLetterReason"
	HeaderDeadLetterDescription = "DeadLetterErrorDescription"
)

// lingerGap bounds how long Receive waits for more messages once the first one arrived
const lingerGap = 250 * time.Millisecond

var (
	ErrReceiverClosed = errors.New("broker receiver is closed")
	ErrAlreadySettled = errors.New("message already settled")
)

// Message is a locked delivery. It stays on the queue until settled
type Message struct {
	MessageID             string
	CorrelationID         string
	ContentType           string
	Body                  []byte
	ApplicationProperties map[string]any
	Redelivered           bool
	EnqueuedAt            time.Time

	delivery amqp.Delivery
	settled  bool
}

func newMessage(d amqp.Delivery) *Message {
	props := make(map[string]any, len(d.Headers))
	for k, v := range d.Headers {
		props[k] = v
	}
	return &Message{
		MessageID:             d.MessageId,
		CorrelationID:         d.CorrelationId,
		ContentType:           d.ContentType,
		Body:                  d.Body,
		ApplicationProperties: props,
		Redelivered:           d.Redelivered,
		EnqueuedAt:            d.Timestamp,
		delivery:              d,
	}
}

// consumerChannel is the part of *amqp.Channel a Receiver pulls deliveries through
type consumerChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
}

// Receiver pulls bounded batches from one queue with manual acknowledgement
type Receiver struct {
	link     *link
	channel  consumerChannel
	healthy  func() bool
	endpoint Endpoint
	timeout  time.Duration
	logger   *slog.Logger
	closed   atomic.Bool

	publishDeadLetter func(ctx context.Context, p amqp.Publishing) error
}

// NewReceiver connects to the endpoint and declares the queue and its dead-letter queue
func NewReceiver(ctx context.Context, e Endpoint, cred TokenCredential, timeout time.Duration, l *slog.Logger) (*Receiver, error) {
	lk, err := openLink(ctx, e, cred, l, e.Queue, e.DeadLetterQueue())
	if err != nil {
		return nil, err
	}

	if err := lk.channel.Confirm(false); err != nil {
		lk.Close()
		return nil, fmt.Errorf("failed to activate publisher confirms: %w", err)
	}

	r := &Receiver{
		link:     lk,
		channel:  lk.channel,
		healthy:  lk.IsHealthy,
		endpoint: e,
		timeout:  timeout,
		logger:   l.With("queue", e.Queue),
	}
	r.publishDeadLetter = r.confirmedPublish
	return r, nil
}

// Receive waits up to wait for the first message, then collects what else is
// already available, up to maxCount. An empty result is not an error
func (r *Receiver) Receive(ctx context.Context, maxCount int, wait time.Duration) ([]*Message, error) {
	if r.closed.Load() || !r.healthy() {
		return nil, ErrReceiverClosed
	}
	if maxCount < 1 {
		maxCount = 1
	}

	ch := r.channel
	// Prefetch bounds the broker to maxCount unsettled deliveries
	if err := ch.Qos(maxCount, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	tag := "outbox-receiver-" + uuid.NewString()
	deliveries, err := ch.Consume(r.endpoint.Queue, tag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register consumer: %w", err)
	}
	defer r.stopConsuming(tag, deliveries)

	deadline := time.Now().Add(wait)
	timer := time.NewTimer(wait)
	defer timer.Stop()

	msgs := make([]*Message, 0, maxCount)
	for len(msgs) < maxCount {
		select {
		case <-ctx.Done():
			return msgs, ctx.Err()
		case <-timer.C:
			return msgs, nil
		case d, ok := <-deliveries:
			if !ok {
				return msgs, fmt.Errorf("delivery stream ended: %w", ErrReceiverClosed)
			}
			msgs = append(msgs, newMessage(d))
			if len(msgs) == 1 {
				if gap := time.Until(deadline); gap > lingerGap {
					timer.Reset(lingerGap)
				}
			}
		}
	}

	r.logger.Debug("Batch received", "count", len(msgs))
	return msgs, nil
}

// stopConsuming cancels the consumer and requeues deliveries that arrived after the batch closed
func (r *Receiver) stopConsuming(tag string, deliveries <-chan amqp.Delivery) {
	if err := r.channel.Cancel(tag, false); err != nil {
		r.logger.Warn("Failed to cancel consumer", "error", err)
		return
	}
	for d := range deliveries {
		if err := d.Nack(false, true); err != nil {
			r.logger.Warn("Failed to release late delivery", "message_id", d.MessageId, "error", err)
		}
	}
}

// Complete removes the message from the queue
func (r *Receiver) Complete(_ context.Context, m *Message) error {
	return r.settle(m, func(d amqp.Delivery) error { return d.Ack(false) })
}

// Abandon releases the lock so the message is delivered again
func (r *Receiver) Abandon(_ context.Context, m *Message) error {
	return r.settle(m, func(d amqp.Delivery) error { return d.Nack(false, true) })
}

// DeadLetter moves the message to the dead-letter queue with the reason in its headers.
// The original is only acknowledged once the broker confirmed the copy; otherwise it
// stays locked and unsettled so the caller can abandon it
func (r *Receiver) DeadLetter(ctx context.Context, m *Message, reason, description string) error {
	return r.settle(m, func(d amqp.Delivery) error {
		pub := deadLetterPublishing(d, reason, description)
		if err := r.publishDeadLetter(ctx, pub); err != nil {
			return fmt.Errorf("failed to dead-letter message %s: %w", d.MessageId, err)
		}
		return d.Ack(false)
	})
}

// Close releases the link. Unsettled messages return to the queue
func (r *Receiver) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	if r.link == nil {
		return nil
	}
	return r.link.Close()
}

func (r *Receiver) settle(m *Message, fn func(d amqp.Delivery) error) error {
	if m == nil {
		return errors.New("nil message")
	}
	if r.closed.Load() {
		return ErrReceiverClosed
	}
	if m.settled {
		return fmt.Errorf("message %s: %w", m.MessageID, ErrAlreadySettled)
	}
	if err := fn(m.delivery); err != nil {
		return err
	}
	m.settled = true
	return nil
}

func (r *Receiver) confirmedPublish(ctx context.Context, p amqp.Publishing) error {
	deferred, err := r.link.channel.PublishWithDeferredConfirmWithContext(ctx, "", r.endpoint.DeadLetterQueue(), false, false, p)
	if err != nil {
		return fmt.Errorf("dead-letter publish failed: %w", err)
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-deferred.Done():
		if !deferred.Acked() {
			return errors.New("broker NACK received for dead-letter copy")
		}
		return nil
	case <-timer.C:
		return errors.New("dead-letter confirm timeout")
	}
}

func deadLetterPublishing(d amqp.Delivery, reason, description string) amqp.Publishing {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[HeaderDeadLetterReason] = reason
	headers[HeaderDeadLetterDescription] = description

	return amqp.Publishing{
		Headers:       headers,
		ContentType:   d.ContentType,
		DeliveryMode:  amqp.Persistent,
		MessageId:     d.MessageId,
		CorrelationId: d.CorrelationId,
		Timestamp:     time.Now().UTC(),
		Body:          d.Body,
	}
}
