package worker

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"TicketMail/internal/models"
)

// StartPool starts workers draining signals until ctx is done or the channel
// is closed.
func StartPool(
	ctx context.Context,
	wg *sync.WaitGroup,
	workers int,
	signals <-chan models.JobSignal,
	proc JobProcessor,
	limiter *rate.Limiter,
	logger *zap.Logger,
) {

	for i := 0; i < workers; i++ {
		wg.Add(1)

		go func(id int) {
			defer wg.Done()

			logger.Info("worker started", zap.Int("worker_id", id))

			for {
				select {

				case <-ctx.Done():
					logger.Info("worker shutting down", zap.Int("worker_id", id))
					return

				case sig, ok := <-signals:
					if !ok {
						logger.Info("signal channel closed", zap.Int("worker_id", id))
						return
					}

					// ----------------------------
					// Rate Limit
					// ----------------------------
					if err := limiter.Wait(ctx); err != nil {
						logger.Warn("rate limiter stopped by context",
							zap.Int("worker_id", id),
							zap.Error(err),
						)
						return
					}

					// ----------------------------
					// Claim + Deliver
					// ----------------------------
					outcome, err := proc.Process(ctx, sig.Ref, sig.Hint)
					if err != nil {
						logger.Error("job processing failed",
							zap.Int("worker_id", id),
							zap.String("job", sig.Ref.String()),
							zap.Error(err),
						)
						continue
					}

					logger.Debug("job processed",
						zap.Int("worker_id", id),
						zap.String("job", sig.Ref.String()),
						zap.String("outcome", string(outcome)),
					)
				}
			}
		}(i)
	}
}
