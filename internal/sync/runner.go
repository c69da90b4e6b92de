package sync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/casevault/casesync/internal/remote"
)

// RunReport summarizes one acquisition run.
type RunReport struct {
	Success      bool          `json:"success"`
	Tier         TierName      `json:"tier,omitempty"` // the tier that yielded data
	TotalRecords int           `json:"totalRecords"`
	TotalTables  int           `json:"totalTables"`
	Duration     time.Duration `json:"duration"`
}

// Runner orchestrates an ordered list of acquisition tiers, stopping at the
// first tier that yields records. An authentication-class failure from any
// tier aborts the entire run immediately; any other tier failure is logged
// and the runner proceeds to the next tier.
type Runner struct {
	tiers  []Tier
	logger *slog.Logger
}

// NewRunner creates a runner over the given tier order.
func NewRunner(tiers []Tier, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{tiers: tiers, logger: logger}
}

// Run executes tiers in order. Tiers are not cancellable mid-execution —
// each completes or errors — but callers must not retry after an
// authentication failure.
func (r *Runner) Run(ctx context.Context) (*RunReport, error) {
	start := time.Now()

	for _, tier := range r.tiers {
		r.logger.Info("acquisition tier starting", slog.String("tier", string(tier.Name())))

		stats, err := tier.Run(ctx)
		if err != nil {
			if isAuthError(err) {
				r.logger.Error("authentication failure, aborting run",
					slog.String("tier", string(tier.Name())),
					slog.String("error", err.Error()),
				)

				return nil, err
			}

			r.logger.Warn("tier failed, falling through",
				slog.String("tier", string(tier.Name())),
				slog.String("error", err.Error()),
			)

			continue
		}

		if stats.Records > 0 {
			report := &RunReport{
				Success:      true,
				Tier:         tier.Name(),
				TotalRecords: stats.Records,
				TotalTables:  stats.Tables,
				Duration:     time.Since(start),
			}

			r.logger.Info("acquisition run complete",
				slog.String("tier", string(report.Tier)),
				slog.Int("records", report.TotalRecords),
				slog.Int("tables", report.TotalTables),
				slog.Duration("duration", report.Duration),
			)

			return report, nil
		}

		r.logger.Info("tier yielded no records, falling through",
			slog.String("tier", string(tier.Name())),
		)
	}

	return &RunReport{Duration: time.Since(start)}, nil
}

// isAuthError reports whether err is an authentication-class failure, which
// is fatal for the active run and must never be retried.
func isAuthError(err error) bool {
	return errors.Is(err, remote.ErrUnauthorized)
}
