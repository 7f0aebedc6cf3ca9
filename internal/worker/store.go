package worker

import (
	"context"
	"time"

	"TicketMail/internal/email"
	"TicketMail/internal/models"
)

// JobStore is the durable queue. Claim must be an atomic read, branch on
// status, write: of any number of concurrent calls for one claimable job,
// exactly one returns true.
//
// MarkSent and MarkFailure are fenced on the claim: they apply only while the
// job is still processing with the attempt count the claim returned, and
// report models.ErrLockLost otherwise.
type JobStore interface {
	Claim(ctx context.Context, ref models.JobRef, staleAfter time.Duration) (*models.EmailJob, bool, error)
	MarkSent(ctx context.Context, ref models.JobRef, attempt int) error
	MarkFailure(ctx context.Context, ref models.JobRef, attempt int, status models.EmailStatus, msg string) error
	ListQueued(ctx context.Context, status models.EmailStatus, limit int) ([]models.QueuedJob, error)
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]models.QueuedJob, error)
}

type SettingsStore interface {
	EmailSettings(ctx context.Context, associationID string) (*models.EmailSettings, error)
}

type Mailer interface {
	Send(ctx context.Context, settings *models.EmailSettings, msg email.Message) error
}

type AttachmentBuilder interface {
	Build(ctx context.Context, associationID string, job *models.EmailJob) ([]models.Attachment, error)
}

// JobProcessor handles one job signal.
type JobProcessor interface {
	Process(ctx context.Context, ref models.JobRef, hint string) (Outcome, error)
}
