package core

import (
	"context"
	"errors"
	"time"
)

type SweepResult struct {
	Expired     int
	Stale       int
	QuotasReset int64
}

// SweepExpired persists expiry for bridge pairings past their deadline and
// resets quotas whose window has closed. Reads already report expiry without
// it; the sweep keeps stored status in step.
func (s *Service) SweepExpired(ctx context.Context, limit int) (result SweepResult, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{}
	defer func() {
		fields["expired"] = result.Expired
		fields["stale"] = result.Stale
		fields["quotas_reset"] = result.QuotasReset
		s.observeOperation(ctx, startedAt, "sweep_expired", err, fields)
	}()

	if limit <= 0 {
		limit = s.config.Health.SweepBatchSize
	}
	if limit <= 0 {
		limit = DefaultSweepBatchSize
	}
	now := s.now()
	overdue, err := s.repository.ListOverduePairings(ctx, now, limit)
	if err != nil {
		return SweepResult{}, s.mapError(err)
	}
	for _, conn := range overdue {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		observed := conn.Status
		if err := conn.MarkExpired(now); err != nil {
			result.Stale++
			continue
		}
		if _, saveErr := s.save(ctx, conn, observed); saveErr != nil {
			if errors.Is(saveErr, ErrStaleWrite) {
				result.Stale++
				continue
			}
			return result, saveErr
		}
		result.Expired++
		s.recordEvent(ctx, conn.ID, "pairing.expired", WebhookEventWarning, map[string]any{
			"instance_name": conn.InstanceName(),
			"source":        "sweep",
		})
	}

	reset, err := s.repository.ResetExpiredQuotas(ctx, now)
	if err != nil {
		return result, s.mapError(err)
	}
	result.QuotasReset = reset
	return result, nil
}
