package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Guizzs26/go-outbox-relay/internal/models"
	"github.com/Guizzs26/go-outbox-relay/pkg/metrics"
)

// BatchTarget applies many state changes in one request. Each change succeeds or
// fails on its own; results point back at request positions
type BatchTarget interface {
	ExecuteStateChanges(ctx context.Context, changes []models.StateChange) ([]models.ItemResult, error)
}

// ExecutionReport summarizes an Apply run
type ExecutionReport struct {
	Attempts   int
	Succeeded  int
	Unresolved []models.StateChange
	// Err is the transport failure that ended the run early, if any
	Err error
}

// StateExecutor applies state changes, retrying only the failed subset until an
// attempt makes no progress
type StateExecutor struct {
	target BatchTarget
	logger *slog.Logger
}

func NewStateExecutor(target BatchTarget, l *slog.Logger) *StateExecutor {
	return &StateExecutor{target: target, logger: l}
}

// Apply never fails as a whole; what could not be applied is in the report
func (x *StateExecutor) Apply(ctx context.Context, changes []models.StateChange) ExecutionReport {
	var report ExecutionReport
	pending := changes

	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			report.Err = err
			break
		}

		report.Attempts++
		metrics.StateExecutorAttempts.Inc()

		results, err := x.target.ExecuteStateChanges(ctx, pending)
		if err != nil {
			report.Err = fmt.Errorf("%w: state change batch failed: %w", ErrTransport, err)
			x.logger.Error("Batch request failed, stopping", "attempt", report.Attempts, "pending", len(pending), "error", err)
			break
		}

		failed, succeeded := partition(pending, results)
		report.Succeeded += succeeded
		x.logger.Info("State change attempt finished",
			"attempt", report.Attempts,
			"succeeded", succeeded,
			"failed", len(failed),
		)

		if succeeded == 0 {
			x.logger.Warn("No progress in attempt, stopping", "attempt", report.Attempts, "pending", len(pending))
			break
		}
		pending = failed
	}

	report.Unresolved = pending
	metrics.StateExecutorUnresolved.Set(float64(len(pending)))
	for _, c := range pending {
		x.logger.Warn("State change not applied", "target_id", c.TargetID, "name", c.Name, "active", c.Active)
	}
	return report
}

// partition splits pending by result position. Positions with no result count as failed
func partition(pending []models.StateChange, results []models.ItemResult) ([]models.StateChange, int) {
	ok := make([]bool, len(pending))
	for _, r := range results {
		if r.Index < 0 || r.Index >= len(pending) {
			continue
		}
		ok[r.Index] = r.Err == nil
	}

	var failed []models.StateChange
	succeeded := 0
	for i, c := range pending {
		if ok[i] {
			succeeded++
			continue
		}
		failed = append(failed, c)
	}
	return failed, succeeded
}
