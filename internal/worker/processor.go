// Package worker drives queued email jobs from pending to a terminal state.
package worker

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"TicketMail/internal/email"
	"TicketMail/internal/errs"
	"TicketMail/internal/metrics"
	"TicketMail/internal/models"
)

const DefaultMaxAttempts = 5

type Outcome string

const (
	OutcomeSkipped Outcome = "skipped"
	OutcomeSent    Outcome = "sent"
	OutcomeRetry   Outcome = "retry"
	OutcomeFailed  Outcome = "failed"
)

type Processor struct {
	jobs        JobStore
	settings    SettingsStore
	mailer      Mailer
	attachments AttachmentBuilder
	log         *zap.Logger

	MaxAttempts int
	// StaleAfter lets a processing job be claimed again once its lock is
	// older than this. Zero disables reclaiming.
	StaleAfter time.Duration
}

// NewProcessor wires the state machine. attachments may be nil, in which case
// ticket jobs are sent without PDFs.
func NewProcessor(jobs JobStore, settings SettingsStore, mailer Mailer, attachments AttachmentBuilder, log *zap.Logger) *Processor {
	return &Processor{
		jobs:        jobs,
		settings:    settings,
		mailer:      mailer,
		attachments: attachments,
		log:         log,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// Process claims the job behind ref and attempts delivery once. Delivery
// failures are recorded on the job; the returned error only reports store
// failures.
func (p *Processor) Process(ctx context.Context, ref models.JobRef, hint string) (Outcome, error) {
	log := p.log.With(zap.String("job", ref.String()))

	job, ok, err := p.jobs.Claim(ctx, ref, p.StaleAfter)
	if err != nil {
		return OutcomeSkipped, errs.Wrapf(err, "claim %s", ref)
	}
	if !ok {
		metrics.ClaimsSkipped.Inc()
		log.Debug("job not claimable, skipping")
		return OutcomeSkipped, nil
	}

	log = log.With(
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempts),
	)
	log.Info("job claimed")

	// Terminal writes must land even when shutdown cancels ctx mid-attempt,
	// otherwise the job keeps its lock until it goes stale.
	writeCtx := context.WithoutCancel(ctx)

	deliverErr := p.deliver(ctx, ref, hint, job, log)
	if deliverErr == nil {
		if err := p.jobs.MarkSent(writeCtx, ref, job.Attempts); err != nil {
			if errs.Is(err, models.ErrLockLost) {
				return p.lockLost(log), nil
			}
			log.Error("failed to record sent status", zap.Error(err))
			return OutcomeSent, errs.Wrapf(err, "mark sent %s", ref)
		}
		metrics.EmailsSent.Inc()
		log.Info("email sent", zap.String("to", job.To))
		return OutcomeSent, nil
	}

	next := p.nextStatus(job, deliverErr)
	metrics.EmailFailures.WithLabelValues(string(next)).Inc()
	log.Error("email delivery failed",
		zap.String("status", string(next)),
		zap.Bool("permanent", errs.IsPermanent(deliverErr)),
		zap.Error(deliverErr),
	)

	if err := p.jobs.MarkFailure(writeCtx, ref, job.Attempts, next, deliverErr.Error()); err != nil {
		if errs.Is(err, models.ErrLockLost) {
			return p.lockLost(log), nil
		}
		log.Error("failed to record failure status", zap.Error(err))
		return outcomeFor(next), errs.Wrapf(err, "mark %s %s", next, ref)
	}
	return outcomeFor(next), nil
}

// lockLost handles a terminal write rejected because the job was reclaimed
// while this attempt was in flight. The newer claim owns the outcome.
func (p *Processor) lockLost(log *zap.Logger) Outcome {
	metrics.ClaimsSkipped.Inc()
	log.Warn("job was reclaimed during delivery, dropping result")
	return OutcomeSkipped
}

func (p *Processor) deliver(ctx context.Context, ref models.JobRef, hint string, job *models.EmailJob, log *zap.Logger) error {
	aid := ResolveAssociation(job, hint, ref)
	if aid == "" {
		return errs.Permanent(errs.Newf("no association id for job %s", ref))
	}
	log = log.With(zap.String("association_id", aid))

	settings, err := p.settings.EmailSettings(ctx, aid)
	if err != nil {
		if errs.Is(err, models.ErrSettingsNotFound) {
			return errs.Permanent(errs.Wrapf(err, "association %s", aid))
		}
		return errs.Wrap(err, "load email settings")
	}
	if err := settings.Validate(); err != nil {
		return errs.Permanent(errs.Wrapf(err, "association %s", aid))
	}

	var attachments []models.Attachment
	if job.Type == models.TypeTicket && p.attachments != nil {
		attachments, err = p.attachments.Build(ctx, aid, job)
		if err != nil {
			log.Warn("ticket attachments incomplete, sending anyway",
				zap.Int("attachments", len(attachments)),
				zap.Error(err),
			)
		}
	}

	if err := validateJob(job); err != nil {
		return errs.Permanent(err)
	}

	return p.mailer.Send(ctx, settings, email.Message{
		To:          job.To,
		Subject:     job.Subject,
		Body:        job.Body,
		ReplyTo:     job.ReplyTo,
		Attachments: attachments,
	})
}

// nextStatus is failed for permanent errors and once the attempt budget is
// spent, error otherwise.
func (p *Processor) nextStatus(job *models.EmailJob, err error) models.EmailStatus {
	if errs.IsPermanent(err) || job.Attempts >= p.MaxAttempts {
		return models.StatusFailed
	}
	return models.StatusError
}

func outcomeFor(status models.EmailStatus) Outcome {
	if status == models.StatusFailed {
		return OutcomeFailed
	}
	return OutcomeRetry
}

// ResolveAssociation picks the owning association from the job field, the
// trigger's hint, or the document path, in that order.
func ResolveAssociation(job *models.EmailJob, hint string, ref models.JobRef) string {
	if aid := strings.TrimSpace(job.AssociationID); aid != "" {
		return aid
	}
	if aid := strings.TrimSpace(hint); aid != "" {
		return aid
	}
	return ref.Association()
}

func validateJob(job *models.EmailJob) error {
	var missing []string
	if strings.TrimSpace(job.To) == "" {
		missing = append(missing, "to")
	}
	if strings.TrimSpace(job.Subject) == "" {
		missing = append(missing, "subject")
	}
	if strings.TrimSpace(job.Body) == "" {
		missing = append(missing, "body")
	}
	if len(missing) > 0 {
		return errs.Newf("job is missing %s", strings.Join(missing, ", "))
	}
	return nil
}
