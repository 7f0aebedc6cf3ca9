package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"TicketMail/internal/errs"
	"TicketMail/internal/models"
)

const jobColumns = `id, association_id, type, to_email, subject, body, reply_to, context,
	status, attempts, COALESCE(last_error, ''), created_at, locked_at, sent_at`

func scanJob(row pgx.Row) (*models.EmailJob, error) {
	var (
		j      models.EmailJob
		rawCtx []byte
		status string
	)
	err := row.Scan(
		&j.ID, &j.AssociationID, &j.Type, &j.To, &j.Subject, &j.Body, &j.ReplyTo, &rawCtx,
		&status, &j.Attempts, &j.LastError, &j.CreatedAt, &j.LockedAt, &j.SentAt,
	)
	if err != nil {
		return nil, err
	}
	j.Status = models.EmailStatus(status)

	if j.Context, err = fromJSON[models.TicketContext](rawCtx); err != nil {
		return nil, errs.Wrapf(err, "decode context of job %s", j.ID)
	}
	return &j, nil
}

// InsertEmail stores a new pending job. The insert trigger notifies listeners.
func (s *Store) InsertEmail(ctx context.Context, job *models.EmailJob) (models.JobRef, error) {
	if job.AssociationID == "" {
		return models.JobRef{}, errs.New("insert job: association id is required")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Status = models.StatusPending

	rawCtx, err := jsonOrNil(job.Context)
	if err != nil {
		return models.JobRef{}, errs.Wrap(err, "encode ticket context")
	}

	err = s.Pool.QueryRow(ctx,
		`INSERT INTO email_jobs
		 (id, association_id, type, to_email, subject, body, reply_to, context, status, attempts, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,0,NOW())
		 RETURNING created_at`,
		job.ID,
		job.AssociationID,
		job.Type,
		job.To,
		job.Subject,
		job.Body,
		job.ReplyTo,
		rawCtx,
		models.StatusPending,
	).Scan(&job.CreatedAt)
	if err != nil {
		return models.JobRef{}, errs.Wrap(err, "insert job")
	}

	return models.NewJobRef(job.AssociationID, job.ID), nil
}

// Insert satisfies the enqueue API.
func (s *Store) Insert(ctx context.Context, job *models.EmailJob) (models.JobRef, error) {
	return s.InsertEmail(ctx, job)
}

func (s *Store) Get(ctx context.Context, ref models.JobRef) (*models.EmailJob, error) {
	j, err := scanJob(s.Pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM email_jobs WHERE id=$1`, ref.JobID))
	if errs.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrJobNotFound
	}
	if err != nil {
		return nil, errs.Wrap(err, "get job")
	}
	return j, nil
}

type claimResult struct {
	job *models.EmailJob
	ok  bool
}

// Claim locks the row, checks the status and moves it into processing in
// one transaction.
func (s *Store) Claim(ctx context.Context, ref models.JobRef, staleAfter time.Duration) (*models.EmailJob, bool, error) {
	res, err := runInTx(ctx, s.Pool, s.log, func(tx pgx.Tx) (claimResult, error) {
		job, err := scanJob(tx.QueryRow(ctx,
			`SELECT `+jobColumns+` FROM email_jobs WHERE id=$1 FOR UPDATE`, ref.JobID))
		if errs.Is(err, pgx.ErrNoRows) {
			return claimResult{}, nil
		}
		if err != nil {
			return claimResult{}, err
		}

		now := time.Now().UTC()
		if !job.Claimable(now, staleAfter) {
			return claimResult{}, nil
		}

		claimed, err := scanJob(tx.QueryRow(ctx,
			`UPDATE email_jobs
			 SET status=$2,
			     attempts = attempts + 1,
			     locked_at=$3,
			     last_error=NULL
			 WHERE id=$1
			 RETURNING `+jobColumns,
			ref.JobID,
			models.StatusProcessing,
			now,
		))
		if err != nil {
			return claimResult{}, err
		}
		return claimResult{job: claimed, ok: true}, nil
	})
	if err != nil {
		return nil, false, errs.Wrapf(err, "claim job %s", ref.JobID)
	}
	return res.job, res.ok, nil
}

// MarkSent and MarkFailure only apply while the row is still held by the
// claim that produced attempt. A stale lock reclaimed by another worker bumps
// attempts, so the late write matches no row.
func (s *Store) MarkSent(ctx context.Context, ref models.JobRef, attempt int) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE email_jobs
		 SET status=$1,
		     sent_at=NOW(),
		     locked_at=NULL,
		     last_error=NULL
		 WHERE id=$2 AND status=$3 AND attempts=$4`,
		models.StatusSent,
		ref.JobID,
		models.StatusProcessing,
		attempt,
	)
	if err != nil {
		return errs.Wrap(err, "mark sent")
	}
	return s.fenced(ctx, ref, tag.RowsAffected())
}

func (s *Store) MarkFailure(
	ctx context.Context,
	ref models.JobRef,
	attempt int,
	status models.EmailStatus,
	errorMsg string,
) error {

	tag, err := s.Pool.Exec(ctx,
		`UPDATE email_jobs
		 SET status=$1,
		     last_error=$2,
		     locked_at=NULL,
		     sent_at=NULL
		 WHERE id=$3 AND status=$4 AND attempts=$5`,
		status,
		errorMsg,
		ref.JobID,
		models.StatusProcessing,
		attempt,
	)
	if err != nil {
		return errs.Wrapf(err, "mark %s", status)
	}
	return s.fenced(ctx, ref, tag.RowsAffected())
}

// fenced tells a missing row apart from one that moved on to another claim.
func (s *Store) fenced(ctx context.Context, ref models.JobRef, affected int64) error {
	if affected > 0 {
		return nil
	}
	var exists bool
	if err := s.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM email_jobs WHERE id=$1)`, ref.JobID,
	).Scan(&exists); err != nil {
		return errs.Wrap(err, "check job")
	}
	if !exists {
		return models.ErrJobNotFound
	}
	return models.ErrLockLost
}

func (s *Store) ListQueued(ctx context.Context, status models.EmailStatus, limit int) ([]models.QueuedJob, error) {
	return s.listRefs(ctx,
		`SELECT id, association_id, status, created_at FROM email_jobs
		 WHERE status=$1 ORDER BY created_at ASC LIMIT $2`,
		status, limit)
}

func (s *Store) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]models.QueuedJob, error) {
	return s.listRefs(ctx,
		`SELECT id, association_id, status, created_at FROM email_jobs
		 WHERE status=$1 AND locked_at < $2 ORDER BY created_at ASC LIMIT $3`,
		models.StatusProcessing, cutoff, limit)
}

func (s *Store) listRefs(ctx context.Context, sql string, args ...any) ([]models.QueuedJob, error) {
	rows, err := s.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, errs.Wrap(err, "list jobs")
	}
	defer rows.Close()

	var out []models.QueuedJob
	for rows.Next() {
		var (
			id, aid, status string
			createdAt       time.Time
		)
		if err := rows.Scan(&id, &aid, &status, &createdAt); err != nil {
			return nil, errs.Wrap(err, "scan job ref")
		}
		out = append(out, models.QueuedJob{
			Ref:       models.NewJobRef(aid, id),
			Status:    models.EmailStatus(status),
			CreatedAt: createdAt,
		})
	}
	return out, rows.Err()
}
