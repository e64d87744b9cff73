package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ojapay/ojapay/internal/metrics"
)

const (
	// DefaultSweepLimit is the batch size when the caller gives none.
	DefaultSweepLimit = 50
	// MaxSweepLimit caps one sweep batch.
	MaxSweepLimit = 500
)

// SweepResult summarizes one auto-release batch.
type SweepResult struct {
	Processed []string `json:"processed"`
	Skipped   int      `json:"skipped"`
	Errors    []string `json:"errors"`
}

// Sweep releases up to limit delivered-but-unreleased orders. Each order is
// handled in isolation: a disputed order is skipped, a failing order adds
// one error string, and the batch always runs to the end. Sweep itself
// never returns an error.
func (s *Service) Sweep(ctx context.Context, limit int) *SweepResult {
	if limit <= 0 {
		limit = DefaultSweepLimit
	}
	if limit > MaxSweepLimit {
		limit = MaxSweepLimit
	}

	start := time.Now()
	metrics.SweepRunsTotal.Inc()
	defer func() {
		metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	result := &SweepResult{
		Processed: []string{},
		Errors:    []string{},
	}

	orders, err := s.store.ListEligibleForRelease(ctx, limit)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list eligible orders: %v", err))
		return result
	}

	for _, order := range orders {
		res, err := s.ReleaseFunds(ctx, order.ID, 0)
		switch {
		case errors.Is(err, ErrOrderDisputed):
			// Raised between the eligibility query and the release attempt.
			result.Skipped++
		case err != nil:
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", order.ID, err))
		case !res.Released:
			result.Skipped++
		default:
			result.Processed = append(result.Processed, order.ID)
			s.emit("swept", order)
		}
	}

	s.logger.Info("auto-release sweep finished",
		"processed", len(result.Processed),
		"skipped", result.Skipped,
		"errors", len(result.Errors),
		"duration", time.Since(start),
	)
	return result
}
