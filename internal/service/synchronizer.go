package service

import (
	"context"
	"fmt"
	"time"

	"github.com/Guizzs26/go-outbox-relay/internal/models"
)

const MaxBatchMemoryThresholdMB = 20

// PendingResult summarizes one catch-up pass
type PendingResult struct {
	Found  int
	Sent   int
	Failed int
}

// PublishPending sends entries still in Created, oldest first. It recovers entries
// whose post-commit publish never ran or failed. A send failure stops the pass since
// the broker is likely unreachable for the rest of it
func (p *Publisher) PublishPending(ctx context.Context, limit int) (PendingResult, error) {
	var res PendingResult
	start := time.Now()

	entries, err := p.store.Query(ctx, models.Filter{Status: models.StatusCreated, Limit: limit})
	if err != nil {
		return res, fmt.Errorf("fetch failure: %w", err)
	}
	res.Found = len(entries)
	if len(entries) == 0 {
		return res, nil
	}

	defer func() {
		p.logger.Info("Catch-up cycle telemetry",
			"found", res.Found,
			"sent", res.Sent,
			"failed", res.Failed,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}()

	var batchBytes int
	for _, e := range entries {
		batchBytes += e.EstimateBytes()
	}
	if batchMB := batchBytes / (1024 * 1024); batchMB > MaxBatchMemoryThresholdMB {
		p.logger.Warn("Heavy batch detected: memory pressure risk",
			"size_mb", batchMB,
			"threshold_mb", MaxBatchMemoryThresholdMB,
			"count", len(entries),
		)
	}

	sender, err := p.openSender(ctx)
	if err != nil {
		return res, err
	}
	defer p.closeSender(sender)

	for i := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		e := &entries[i]
		if e.SerializedContext == "" {
			res.Failed++
			p.logger.Error("Stalled outbox entry has no message body", "outbox_id", e.ID)
			continue
		}

		if _, err := p.send(ctx, sender, e, "", ""); err != nil {
			res.Failed++
			return res, err
		}
		res.Sent++
	}
	return res, nil
}
