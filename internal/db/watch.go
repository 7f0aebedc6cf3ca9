package db

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"TicketMail/internal/errs"
	"TicketMail/internal/models"
)

const notifyChannel = "email_jobs_created"

// Watch listens for insert notifications and forwards them as job signals
// until ctx is done.
func (s *Store) Watch(ctx context.Context, out chan<- models.JobSignal) error {
	conn, err := s.Pool.Acquire(ctx)
	if err != nil {
		return errs.Wrap(err, "acquire listen connection")
	}
	defer func() {
		_, _ = conn.Exec(context.Background(), "UNLISTEN *")
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return errs.Wrap(err, "listen")
	}
	s.log.Info("listening for new email jobs", zap.String("channel", notifyChannel))

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errs.Wrap(err, "wait for notification")
		}

		sig, ok := parseNotification(n.Payload)
		if !ok {
			s.log.Warn("ignoring malformed job notification", zap.String("payload", n.Payload))
			continue
		}

		select {
		case out <- sig:
		case <-ctx.Done():
			return nil
		}
	}
}

// parseNotification reads an "associationID/jobID" payload.
func parseNotification(payload string) (models.JobSignal, bool) {
	aid, id, ok := strings.Cut(payload, "/")
	if !ok || aid == "" || id == "" {
		return models.JobSignal{}, false
	}
	return models.JobSignal{Ref: models.NewJobRef(aid, id), Hint: aid}, true
}
