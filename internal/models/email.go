package models

import (
	"time"

	"TicketMail/internal/errs"
)

type EmailStatus string

const (
	StatusPending    EmailStatus = "pending"
	StatusProcessing EmailStatus = "processing"
	StatusSent       EmailStatus = "sent"
	StatusError      EmailStatus = "error"
	StatusFailed     EmailStatus = "failed"
)

const (
	TypeTicket = "ticket"
	TypeTest   = "test"
)

var ErrJobNotFound = errs.New("email job not found")

// ErrLockLost is returned by a terminal write whose claim was taken over by
// another worker after the lock went stale.
var ErrLockLost = errs.New("job lock lost to a newer claim")

// EmailJob is one queued email document owned by an association.
type EmailJob struct {
	ID            string         `json:"id" firestore:"-"`
	AssociationID string         `json:"associationId" firestore:"associationId"`
	Type          string         `json:"type" firestore:"type"`
	To            string         `json:"to" firestore:"to"`
	Subject       string         `json:"subject" firestore:"subject"`
	Body          string         `json:"body" firestore:"body"`
	ReplyTo       string         `json:"replyTo,omitempty" firestore:"replyTo,omitempty"`
	Context       *TicketContext `json:"context,omitempty" firestore:"context,omitempty"`

	Status    EmailStatus `json:"status" firestore:"status"`
	Attempts  int         `json:"attempts" firestore:"attempts"`
	LastError string      `json:"lastError,omitempty" firestore:"lastError,omitempty"`

	CreatedAt time.Time  `json:"createdAt" firestore:"createdAt"`
	LockedAt  *time.Time `json:"lockedAt,omitempty" firestore:"lockedAt,omitempty"`
	SentAt    *time.Time `json:"sentAt,omitempty" firestore:"sentAt,omitempty"`
}

// Claimable reports whether a worker may move the job into processing.
// Sent and failed are terminal. A processing job is only claimable once its
// lock is older than staleAfter; staleAfter <= 0 disables reclaiming.
func (j *EmailJob) Claimable(now time.Time, staleAfter time.Duration) bool {
	switch j.Status {
	case StatusSent, StatusFailed:
		return false
	case StatusProcessing:
		if staleAfter <= 0 || j.LockedAt == nil {
			return false
		}
		return now.Sub(*j.LockedAt) > staleAfter
	default:
		return true
	}
}

// IsTicket reports whether the job carries enough context to render tickets.
func (j *EmailJob) IsTicket() bool {
	return j.Type == TypeTicket && j.Context != nil &&
		j.Context.OrderID != "" && j.Context.TicketName != ""
}

// QueuedJob is a sweep query hit.
type QueuedJob struct {
	Ref       JobRef
	Status    EmailStatus
	CreatedAt time.Time
}
