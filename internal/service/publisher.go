package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Guizzs26/go-outbox-relay/internal/broker"
	"github.com/Guizzs26/go-outbox-relay/internal/models"
	"github.com/Guizzs26/go-outbox-relay/pkg/metrics"
)

const (
	// OutboxMessageName is the MessageName application property on every published message
	OutboxMessageName = "MessageOutbox"

	// MaxResendBatch caps how many entries one Resend call may publish
	MaxResendBatch = 50
)

// OutboxStore is the slice of the outbox store the relay services use
type OutboxStore interface {
	Retrieve(ctx context.Context, id string, cols ...models.Column) (*models.Entry, error)
	Update(ctx context.Context, id string, patch models.Patch) error
	Query(ctx context.Context, f models.Filter) ([]models.Entry, error)
}

// SenderOpener opens a sender scoped to one call
type SenderOpener interface {
	OpenSender(ctx context.Context, e broker.Endpoint, cred broker.TokenCredential) (broker.MessageSender, error)
}

// PublishTrigger is what the host hands over after an outbox entry was created or updated
type PublishTrigger struct {
	// PrimaryEntityName is the entity the trigger fired for. Empty means the outbox entity
	PrimaryEntityName string
	CorrelationID     string
	OrganizationID    string
	// Target is the entry as carried by the trigger. Its body may be missing
	Target *models.Entry
	// PostImage is used when the trigger carries no target
	PostImage *models.Entry
}

// ResendResult is the outcome of republishing one entry
type ResendResult struct {
	ID        string
	MessageID string
	Err       error
}

// Publisher moves entries from Created to Sent
type Publisher struct {
	store       OutboxStore
	brokers     SenderOpener
	settings    ConfigProvider
	credentials CredentialSource
	logger      *slog.Logger
	now         func() time.Time
}

func NewPublisher(store OutboxStore, brokers SenderOpener, settings ConfigProvider, credentials CredentialSource, l *slog.Logger) *Publisher {
	return &Publisher{
		store:       store,
		brokers:     brokers,
		settings:    settings,
		credentials: credentials,
		logger:      l,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Publish sends the triggering entry to the broker and marks it Sent.
// Triggers for other entities, or without an entry, are ignored
func (p *Publisher) Publish(ctx context.Context, trig PublishTrigger) error {
	if trig.PrimaryEntityName != "" && trig.PrimaryEntityName != models.EntityName {
		p.logger.Warn("Publish triggered for a different entity, ignoring", "entity", trig.PrimaryEntityName)
		return nil
	}

	entry, err := p.resolveEntry(ctx, trig)
	if err != nil {
		return err
	}
	if entry == nil {
		p.logger.Warn("Outbox entry not found in trigger, nothing to publish")
		return nil
	}

	sender, err := p.openSender(ctx)
	if err != nil {
		return err
	}
	defer p.closeSender(sender)

	_, err = p.send(ctx, sender, entry, trig.CorrelationID, trig.OrganizationID)
	return err
}

// Resend republishes the given entries over one sender. Per-entry failures are
// reported in the results; only setup failures are returned as error
func (p *Publisher) Resend(ctx context.Context, ids []string) ([]ResendResult, error) {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > MaxResendBatch {
		return nil, fmt.Errorf("%w: %d entries requested, at most %d per call", ErrValidation, len(ids), MaxResendBatch)
	}

	sender, err := p.openSender(ctx)
	if err != nil {
		return nil, err
	}
	defer p.closeSender(sender)

	results := make([]ResendResult, 0, len(ids))
	for _, id := range ids {
		res := ResendResult{ID: id}

		entry, err := p.store.Retrieve(ctx, id, models.PublishColumns...)
		if err != nil {
			res.Err = fmt.Errorf("failed to load outbox entry: %w", err)
		} else {
			res.MessageID, res.Err = p.send(ctx, sender, entry, "", "")
		}

		if res.Err != nil {
			p.logger.Warn("Resend failed", "outbox_id", id, "error", res.Err)
		}
		results = append(results, res)
	}
	return results, nil
}

// resolveEntry prefers the trigger's target, re-fetching it when the body is missing
func (p *Publisher) resolveEntry(ctx context.Context, trig PublishTrigger) (*models.Entry, error) {
	var entry *models.Entry
	switch {
	case trig.Target != nil:
		entry = trig.Target
		if strings.TrimSpace(entry.SerializedContext) == "" {
			p.logger.Debug("Message body not in trigger, retrieving full entry", "outbox_id", entry.ID)
			fetched, err := p.store.Retrieve(ctx, entry.ID, models.PublishColumns...)
			if err != nil {
				return nil, fmt.Errorf("failed to retrieve outbox entry %s: %w", entry.ID, err)
			}
			entry = fetched
		}
	case trig.PostImage != nil:
		p.logger.Debug("Reading outbox entry from post image", "outbox_id", trig.PostImage.ID)
		entry = trig.PostImage
	default:
		return nil, nil
	}

	if strings.TrimSpace(entry.SerializedContext) == "" {
		return nil, fmt.Errorf("%w: outbox entry %s has no message body", ErrValidation, entry.ID)
	}
	return entry, nil
}

func (p *Publisher) openSender(ctx context.Context) (broker.MessageSender, error) {
	cfg, err := ResolveBrokerConfig(p.settings)
	if err != nil {
		return nil, err
	}
	cred, err := AcquireToken(p.credentials)
	if err != nil {
		return nil, err
	}

	sender, err := p.brokers.OpenSender(ctx, cfg.Endpoint(), cred)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open sender on %s/%s: %w", ErrTransport, cfg.Namespace, cfg.Queue, err)
	}
	return sender, nil
}

func (p *Publisher) closeSender(sender broker.MessageSender) {
	if err := sender.Close(); err != nil {
		p.logger.Warn("Failed to close sender", "error", err)
	}
}

// send publishes one entry and records the outcome on it. Correlation and
// organization ids fall back to the ones captured in the entry's context
func (p *Publisher) send(ctx context.Context, sender broker.MessageSender, entry *models.Entry, correlationID, organizationID string) (string, error) {
	header := entry.ContextHeader()
	if correlationID == "" {
		correlationID = header.CorrelationID
	}
	if organizationID == "" {
		organizationID = header.OrganizationID
	}

	l := p.logger.With("outbox_id", entry.ID, "record_id", entry.RecordID, "correlation_id", correlationID)

	messageID, err := sender.Send(ctx, broker.OutgoingMessage{
		Body:          []byte(entry.SerializedContext),
		ContentType:   "application/json",
		CorrelationID: correlationID,
		ApplicationProperties: map[string]any{
			broker.PropEntityName:     entry.EntityName,
			broker.PropMessageName:    OutboxMessageName,
			broker.PropOrganizationID: organizationID,
		},
	})
	if err != nil {
		metrics.MessagesSent.WithLabelValues("error").Inc()
		l.Error("Failed to send outbox entry", "error", err)
		return "", fmt.Errorf("%w: failed to send outbox entry %s: %w", ErrTransport, entry.ID, err)
	}
	metrics.MessagesSent.WithLabelValues("sent").Inc()

	// The message already left; a failed update leaves the entry stale but must not fail the call
	if err := p.markSent(ctx, entry.ID, messageID); err != nil {
		metrics.BookkeepingFailures.WithLabelValues("sent").Inc()
		l.Warn("Message sent but outbox entry not updated", "message_id", messageID, "error", err)
	} else {
		l.Info("Outbox entry sent", "message_id", messageID)
	}
	return messageID, nil
}

func (p *Publisher) markSent(ctx context.Context, id, messageID string) error {
	if err := p.store.Update(ctx, id, models.SentPatch(messageID, p.now())); err != nil {
		return fmt.Errorf("failed to mark outbox entry %s as sent: %w", id, err)
	}
	return nil
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// IsFatal reports whether err must abort the invoking host operation
func IsFatal(err error) bool {
	return errors.Is(err, ErrConfiguration) || errors.Is(err, ErrTransport)
}
