package worker

import (
	"context"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"TicketMail/internal/errs"
	"TicketMail/internal/metrics"
	"TicketMail/internal/models"
)

const (
	DefaultSweepBatch = 10
	DefaultSweepLimit = 20
)

// Sweeper re-drives pending, failed-but-retryable and abandoned jobs that
// the creation signal missed.
type Sweeper struct {
	jobs JobStore
	proc JobProcessor
	log  *zap.Logger
	now  func() time.Time

	// Batch caps each status query, Limit the merged batch.
	Batch      int
	Limit      int
	StaleAfter time.Duration
}

func NewSweeper(jobs JobStore, proc JobProcessor, log *zap.Logger) *Sweeper {
	return &Sweeper{
		jobs:  jobs,
		proc:  proc,
		log:   log,
		now:   time.Now,
		Batch: DefaultSweepBatch,
		Limit: DefaultSweepLimit,
	}
}

type SweepResult struct {
	Found   int `json:"found"`
	Sent    int `json:"sent"`
	Retry   int `json:"retry"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

// Run processes one sweep batch sequentially. Individual job failures are
// counted and logged; an error is returned only when no query succeeded.
func (s *Sweeper) Run(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	batch, err := s.collect(ctx)
	if err != nil {
		return res, err
	}
	res.Found = len(batch)
	metrics.SweepJobs.Add(float64(len(batch)))

	for _, q := range batch {
		if ctx.Err() != nil {
			break
		}
		out, err := s.proc.Process(ctx, q.Ref, q.Ref.AssociationID)
		if err != nil {
			res.Errors++
			s.log.Error("sweep job failed",
				zap.String("job", q.Ref.String()),
				zap.Error(err),
			)
		}
		switch out {
		case OutcomeSent:
			res.Sent++
		case OutcomeRetry:
			res.Retry++
		case OutcomeFailed:
			res.Failed++
		default:
			res.Skipped++
		}
	}

	metrics.SweepRuns.Inc()
	s.log.Info("sweep finished",
		zap.Int("found", res.Found),
		zap.Int("sent", res.Sent),
		zap.Int("retry", res.Retry),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped),
	)
	return res, ctx.Err()
}

// collect unions the per-status queries, oldest first, capped at Limit.
func (s *Sweeper) collect(ctx context.Context) ([]models.QueuedJob, error) {
	type query struct {
		name string
		run  func() ([]models.QueuedJob, error)
	}
	queries := []query{
		{string(models.StatusPending), func() ([]models.QueuedJob, error) {
			return s.jobs.ListQueued(ctx, models.StatusPending, s.Batch)
		}},
		{string(models.StatusError), func() ([]models.QueuedJob, error) {
			return s.jobs.ListQueued(ctx, models.StatusError, s.Batch)
		}},
	}
	if s.StaleAfter > 0 {
		cutoff := s.now().Add(-s.StaleAfter)
		queries = append(queries, query{"stale", func() ([]models.QueuedJob, error) {
			return s.jobs.ListStale(ctx, cutoff, s.Batch)
		}})
	}

	seen := make(map[string]bool)
	var (
		merged  []models.QueuedJob
		lastErr error
		failed  int
	)
	for _, q := range queries {
		hits, err := q.run()
		if err != nil {
			failed++
			lastErr = err
			s.log.Error("sweep query failed", zap.String("query", q.name), zap.Error(err))
			continue
		}
		for _, h := range hits {
			k := h.Ref.String()
			if seen[k] {
				continue
			}
			seen[k] = true
			merged = append(merged, h)
		}
	}
	if failed == len(queries) {
		return nil, errs.Wrap(lastErr, "sweep queries")
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt.Before(merged[j].CreatedAt)
	})
	if s.Limit > 0 && len(merged) > s.Limit {
		merged = merged[:s.Limit]
	}
	return merged, nil
}

// Schedule registers the sweep on c. Runs use ctx and stop with it.
func (s *Sweeper) Schedule(ctx context.Context, c *cron.Cron, schedule string) (cron.EntryID, error) {
	return c.AddFunc(schedule, func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.Run(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("scheduled sweep failed", zap.Error(err))
		}
	})
}
