package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Guizzs26/go-outbox-relay/internal/broker"
	"github.com/Guizzs26/go-outbox-relay/internal/config"
	"github.com/Guizzs26/go-outbox-relay/internal/models"
	"github.com/Guizzs26/go-outbox-relay/pkg/encoding"
	"github.com/Guizzs26/go-outbox-relay/pkg/metrics"

	"github.com/google/uuid"
)

const (
	// DefaultReceiveWait bounds how long a batch waits for its first message
	DefaultReceiveWait = 10 * time.Second

	ReasonInvalidMessageFormat      = "InvalidMessageFormat"
	DescriptionInvalidMessageFormat = "Message does not contain valid PrimaryEntityId"
)

// ReceiverOpener opens a receiver scoped to one batch
type ReceiverOpener interface {
	OpenReceiver(ctx context.Context, e broker.Endpoint, cred broker.TokenCredential) (broker.MessageReceiver, error)
}

// BatchResult counts how the messages of one batch were settled
type BatchResult struct {
	Received     int
	Processed    int
	DeadLettered int
	Abandoned    int
	// Errors counts every message that was not processed
	Errors int
}

type outcome string

const (
	outcomeProcessed    outcome = "processed"
	outcomeDeadLettered outcome = "dead_lettered"
	outcomeAbandoned    outcome = "abandoned"
	// outcomeError is a message whose abandon also failed; the broker redelivers it once the lock is gone
	outcomeError outcome = "error"
)

// QueueConsumer pulls messages, correlates them to Sent entries and settles them
type QueueConsumer struct {
	store       OutboxStore
	brokers     ReceiverOpener
	settings    ConfigProvider
	credentials CredentialSource
	wait        time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

func NewQueueConsumer(store OutboxStore, brokers ReceiverOpener, settings ConfigProvider, credentials CredentialSource, wait time.Duration, l *slog.Logger) *QueueConsumer {
	if wait <= 0 {
		wait = DefaultReceiveWait
	}
	return &QueueConsumer{
		store:       store,
		brokers:     brokers,
		settings:    settings,
		credentials: credentials,
		wait:        wait,
		logger:      l,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// ProcessMessages handles one batch of up to batchSize messages (default 10).
// Only setup failures are returned; per-message failures are settled and counted
func (c *QueueConsumer) ProcessMessages(ctx context.Context, batchSize int) (BatchResult, error) {
	var result BatchResult
	if batchSize <= 0 {
		batchSize = config.DefaultBatchSize
	}
	batchSize = config.ClampBatchSize(batchSize)

	cfg, err := ResolveBrokerConfig(c.settings)
	if err != nil {
		return result, err
	}
	cred, err := AcquireToken(c.credentials)
	if err != nil {
		return result, err
	}

	l := c.logger.With("queue", cfg.Queue, "batch_size", batchSize)

	receiver, err := c.brokers.OpenReceiver(ctx, cfg.Endpoint(), cred)
	if err != nil {
		return result, fmt.Errorf("%w: failed to open receiver on %s/%s: %w", ErrTransport, cfg.Namespace, cfg.Queue, err)
	}
	defer func() {
		if err := receiver.Close(); err != nil {
			l.Warn("Failed to close receiver", "error", err)
		}
	}()

	start := time.Now()
	messages, err := receiver.Receive(ctx, batchSize, c.wait)
	if err != nil {
		return result, fmt.Errorf("%w: failed to receive messages: %w", ErrTransport, err)
	}
	result.Received = len(messages)
	metrics.ConsumerBatchSize.Observe(float64(len(messages)))

	defer func() {
		metrics.ConsumerBatchDuration.Observe(time.Since(start).Seconds())
		l.Info("Batch cycle telemetry",
			"received", result.Received,
			"processed", result.Processed,
			"errors", result.Errors,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}()

	for i, m := range messages {
		if ctx.Err() != nil {
			// Unsettled messages go back to the queue when the receiver closes
			l.Warn("Shutdown signal received, leaving remaining messages locked", "remaining", len(messages)-i)
			return result, ctx.Err()
		}

		out := c.handle(ctx, receiver, m)
		metrics.ConsumerMessages.WithLabelValues(string(out)).Inc()
		switch out {
		case outcomeProcessed:
			result.Processed++
		case outcomeDeadLettered:
			result.DeadLettered++
			result.Errors++
		case outcomeAbandoned:
			result.Abandoned++
			result.Errors++
		default:
			result.Errors++
		}
	}

	return result, nil
}

func (c *QueueConsumer) handle(ctx context.Context, receiver broker.MessageReceiver, m *broker.Message) outcome {
	l := c.logger.With("message_id", m.MessageID, "correlation_id", m.CorrelationID)

	header, err := ParseMessageBody(m.Body)
	if err != nil {
		l.Warn("Invalid message format, dead-lettering", "error", err)
		if err := receiver.DeadLetter(ctx, m, ReasonInvalidMessageFormat, DescriptionInvalidMessageFormat); err != nil {
			l.Error("Failed to dead-letter message", "error", err)
			return c.abandon(ctx, receiver, m, l)
		}
		return outcomeDeadLettered
	}

	l = l.With("record_id", header.PrimaryEntityID, "entity", header.PrimaryEntityName)

	// Store first, settle second: a crash in between leaves the message redeliverable
	if err := c.markProcessed(ctx, header.PrimaryEntityID, m.MessageID, l); err != nil {
		l.Error("Failed to update outbox entries", "error", err)
		return c.abandon(ctx, receiver, m, l)
	}

	if err := receiver.Complete(ctx, m); err != nil {
		l.Error("Failed to complete message", "error", err)
		return c.abandon(ctx, receiver, m, l)
	}

	l.Debug("Message processed")
	return outcomeProcessed
}

// abandon makes the message visible again. A failed abandon is logged and dropped
// so the rest of the batch keeps going
func (c *QueueConsumer) abandon(ctx context.Context, receiver broker.MessageReceiver, m *broker.Message, l *slog.Logger) outcome {
	if err := receiver.Abandon(ctx, m); err != nil {
		l.Warn("Failed to abandon message", "error", err)
		return outcomeError
	}
	return outcomeAbandoned
}

// markProcessed moves every Sent entry of the record to Processed.
// Correlation is by record, so concurrent mutations of one record are all marked
// by whichever message arrives first
func (c *QueueConsumer) markProcessed(ctx context.Context, recordID, messageID string, l *slog.Logger) error {
	entries, err := c.store.Query(ctx, models.Filter{RecordID: recordID, Status: models.StatusSent})
	if err != nil {
		return fmt.Errorf("failed to query sent entries: %w", err)
	}

	if len(entries) == 0 {
		l.Info("No sent outbox entries for record")
		return nil
	}
	if len(entries) > 1 {
		l.Warn("Several sent entries share the record, marking all processed", "count", len(entries))
	}

	now := c.now()
	for _, e := range entries {
		if err := c.store.Update(ctx, e.ID, models.ProcessedPatch(messageID, now)); err != nil {
			return fmt.Errorf("failed to mark outbox entry %s as processed: %w", e.ID, err)
		}
	}
	return nil
}

// ParseMessageBody reads the correlation header of a message body. PrimaryEntityId
// must be a non-nil UUID
func ParseMessageBody(body []byte) (models.ContextHeader, error) {
	var header models.ContextHeader

	text := encoding.ToUTF8(body)
	if text == "" {
		return header, fmt.Errorf("%w: empty message body", ErrValidation)
	}
	if err := json.Unmarshal([]byte(text), &header); err != nil {
		return header, fmt.Errorf("%w: message body is not a JSON object: %w", ErrValidation, err)
	}

	raw := strings.TrimSpace(header.PrimaryEntityID)
	if raw == "" {
		return header, fmt.Errorf("%w: PrimaryEntityId not found in message", ErrValidation)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return header, fmt.Errorf("%w: invalid PrimaryEntityId %q", ErrValidation, raw)
	}
	if id == uuid.Nil {
		return header, fmt.Errorf("%w: PrimaryEntityId is empty", ErrValidation)
	}

	header.PrimaryEntityID = id.String()
	return header, nil
}
