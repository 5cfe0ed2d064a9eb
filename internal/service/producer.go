package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Guizzs26/go-outbox-relay/internal/models"
	"github.com/Guizzs26/go-outbox-relay/pkg/metrics"
)

// UnknownRecordLabel names entries whose record has no recognizable name attribute
const UnknownRecordLabel = "Unknown"

// TransactionalWriteContext creates entries inside the host's open write
// transaction, so an entry commits or rolls back with the mutation it describes
type TransactionalWriteContext interface {
	CreateEntry(ctx context.Context, e *models.Entry) (string, error)
}

// nameAccessors are tried in order against a record; the first non-empty value wins
var nameAccessors = []func(r *models.Record) string{
	func(r *models.Record) string { return r.String("name") },
	func(r *models.Record) string { return r.String("fullname") },
	func(r *models.Record) string { return r.String("subject") },
	func(r *models.Record) string { return r.String("title") },
}

// Producer records one outbox entry per host mutation
type Producer struct {
	serializer *ContextSerializer
	logger     *slog.Logger
}

func NewProducer(l *slog.Logger) *Producer {
	return &Producer{serializer: NewContextSerializer(l), logger: l}
}

// Produce serializes op and writes its entry through tx. Any error must abort the
// host transaction
func (p *Producer) Produce(ctx context.Context, tx TransactionalWriteContext, op models.OperationContext) (string, error) {
	if tx == nil {
		return "", fmt.Errorf("%w: no transactional write context", ErrConfiguration)
	}

	recordID := strings.TrimSpace(op.TargetID())
	if recordID == "" {
		return "", fmt.Errorf("%w: operation has no target record identity", ErrValidation)
	}
	if strings.TrimSpace(op.MessageName) == "" {
		return "", fmt.Errorf("%w: operation name is empty", ErrValidation)
	}

	entityName := op.TargetLogicalName()
	l := p.logger.With("record_id", recordID, "entity", entityName, "operation", op.MessageName)

	label := RecordLabel(op)
	body, err := p.serializer.Serialize(op)
	if err != nil {
		l.Error("Failed to capture operation context", "error", err)
		return "", err
	}

	entry := &models.Entry{
		RecordID:          CanonicalRecordID(recordID),
		EntityName:        entityName,
		Name:              fmt.Sprintf("%s - %s", label, op.MessageName),
		SerializedContext: body,
	}

	id, err := tx.CreateEntry(ctx, entry)
	if err != nil {
		l.Error("Failed to create outbox entry", "error", err)
		return "", fmt.Errorf("failed to create outbox entry for %s: %w", recordID, err)
	}

	metrics.EntriesCreated.WithLabelValues(entityName).Inc()
	l.Info("Outbox entry created", "outbox_id", id, "name", entry.Name)
	return id, nil
}

// RecordLabel probes the target, then the pre-image, for a human readable name
func RecordLabel(op models.OperationContext) string {
	for _, rec := range []*models.Record{op.Target, op.PreImage()} {
		if rec == nil {
			continue
		}
		for _, name := range nameAccessors {
			if v := name(rec); v != "" {
				return v
			}
		}
	}
	return UnknownRecordLabel
}
