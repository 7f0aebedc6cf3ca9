// Package firestore stores the email queue in Cloud Firestore under
// associations/{associationID}/emailQueue/{jobID}.
package firestore

import (
	"context"
	"strings"
	"time"

	cloudfs "cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"TicketMail/internal/errs"
	"TicketMail/internal/models"
)

const (
	settingsCollection = "settings"
	settingsDoc        = "email"
	modulesCollection  = "modules"
	ticketingDoc       = "ticketing"
)

type Store struct {
	Client *cloudfs.Client
	log    *zap.Logger
}

func New(ctx context.Context, projectID string, log *zap.Logger) (*Store, error) {
	client, err := cloudfs.NewClient(ctx, projectID)
	if err != nil {
		return nil, errs.Wrap(err, "connect firestore")
	}
	return &Store{Client: client, log: log}, nil
}

func (s *Store) Close() error {
	return s.Client.Close()
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// docPath turns a ref into a path relative to the database root. Fully
// qualified resource names are cut after /documents/.
func docPath(ref models.JobRef) string {
	p := ref.Path
	if i := strings.Index(p, "/documents/"); i >= 0 {
		p = p[i+len("/documents/"):]
	}
	if p == "" {
		p = models.JobPath(ref.AssociationID, ref.JobID)
	}
	return p
}

func refFromDoc(d *cloudfs.DocumentRef) models.JobRef {
	ref := models.JobRef{JobID: d.ID, Path: d.Path}
	if d.Parent != nil && d.Parent.Parent != nil {
		ref.AssociationID = d.Parent.Parent.ID
	} else {
		ref.AssociationID = models.AssociationFromPath(d.Path)
	}
	return ref
}

func (s *Store) jobDoc(ref models.JobRef) *cloudfs.DocumentRef {
	return s.Client.Doc(docPath(ref))
}

func jobFromSnapshot(snap *cloudfs.DocumentSnapshot) (*models.EmailJob, error) {
	var j models.EmailJob
	if err := snap.DataTo(&j); err != nil {
		return nil, errs.Wrapf(err, "decode job %s", snap.Ref.ID)
	}
	j.ID = snap.Ref.ID
	if j.AssociationID == "" {
		j.AssociationID = refFromDoc(snap.Ref).AssociationID
	}
	return &j, nil
}

func (s *Store) Insert(ctx context.Context, job *models.EmailJob) (models.JobRef, error) {
	if job.AssociationID == "" {
		return models.JobRef{}, errs.New("insert job: association id is required")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Status = models.StatusPending
	job.Attempts = 0
	job.CreatedAt = time.Now().UTC()

	ref := models.NewJobRef(job.AssociationID, job.ID)
	if _, err := s.jobDoc(ref).Create(ctx, job); err != nil {
		return models.JobRef{}, errs.Wrap(err, "insert job")
	}
	return ref, nil
}

func (s *Store) Get(ctx context.Context, ref models.JobRef) (*models.EmailJob, error) {
	snap, err := s.jobDoc(ref).Get(ctx)
	if isNotFound(err) {
		return nil, models.ErrJobNotFound
	}
	if err != nil {
		return nil, errs.Wrap(err, "get job")
	}
	return jobFromSnapshot(snap)
}

// Claim runs the read, status check and processing write in one Firestore
// transaction. Contended transactions are retried by the client, so the
// result is reset on every run.
func (s *Store) Claim(ctx context.Context, ref models.JobRef, staleAfter time.Duration) (*models.EmailJob, bool, error) {
	doc := s.jobDoc(ref)

	var (
		claimed *models.EmailJob
		ok      bool
	)
	err := s.Client.RunTransaction(ctx, func(ctx context.Context, tx *cloudfs.Transaction) error {
		claimed, ok = nil, false

		snap, err := tx.Get(doc)
		if isNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		job, err := jobFromSnapshot(snap)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		if !job.Claimable(now, staleAfter) {
			return nil
		}

		if err := tx.Update(doc, []cloudfs.Update{
			{Path: "status", Value: string(models.StatusProcessing)},
			{Path: "attempts", Value: cloudfs.Increment(1)},
			{Path: "lockedAt", Value: cloudfs.ServerTimestamp},
			{Path: "lastError", Value: cloudfs.Delete},
		}); err != nil {
			return err
		}

		job.Status = models.StatusProcessing
		job.Attempts++
		job.LockedAt = &now
		job.LastError = ""
		claimed, ok = job, true
		return nil
	})
	if err != nil {
		return nil, false, errs.Wrapf(err, "claim job %s", doc.Path)
	}
	return claimed, ok, nil
}

func (s *Store) MarkSent(ctx context.Context, ref models.JobRef, attempt int) error {
	err := s.finish(ctx, ref, attempt, []cloudfs.Update{
		{Path: "status", Value: string(models.StatusSent)},
		{Path: "sentAt", Value: cloudfs.ServerTimestamp},
		{Path: "lockedAt", Value: cloudfs.Delete},
		{Path: "lastError", Value: cloudfs.Delete},
	})
	return errs.Wrap(err, "mark sent")
}

func (s *Store) MarkFailure(ctx context.Context, ref models.JobRef, attempt int, st models.EmailStatus, msg string) error {
	err := s.finish(ctx, ref, attempt, []cloudfs.Update{
		{Path: "status", Value: string(st)},
		{Path: "lastError", Value: msg},
		{Path: "lockedAt", Value: cloudfs.Delete},
		{Path: "sentAt", Value: cloudfs.Delete},
	})
	return errs.Wrapf(err, "mark %s", st)
}

// finish applies a terminal write only while the document is still held by
// the claim that produced attempt.
func (s *Store) finish(ctx context.Context, ref models.JobRef, attempt int, updates []cloudfs.Update) error {
	doc := s.jobDoc(ref)
	return s.Client.RunTransaction(ctx, func(ctx context.Context, tx *cloudfs.Transaction) error {
		snap, err := tx.Get(doc)
		if isNotFound(err) {
			return models.ErrJobNotFound
		}
		if err != nil {
			return err
		}
		job, err := jobFromSnapshot(snap)
		if err != nil {
			return err
		}
		if job.Status != models.StatusProcessing || job.Attempts != attempt {
			return models.ErrLockLost
		}
		return tx.Update(doc, updates)
	})
}

func (s *Store) queue() *cloudfs.CollectionGroupRef {
	return s.Client.CollectionGroup(models.QueueCollection)
}

// ListQueued runs one equality query per status; pending and error are
// queried separately and merged by the caller.
func (s *Store) ListQueued(ctx context.Context, st models.EmailStatus, limit int) ([]models.QueuedJob, error) {
	q := s.queue().
		Where("status", "==", string(st)).
		OrderBy("createdAt", cloudfs.Asc).
		Limit(limit)
	return s.collect(ctx, q)
}

// ListStale returns processing jobs locked before cutoff. Results are ordered
// by lock time, the only orderable field of a range filter.
func (s *Store) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]models.QueuedJob, error) {
	q := s.queue().
		Where("status", "==", string(models.StatusProcessing)).
		Where("lockedAt", "<", cutoff).
		OrderBy("lockedAt", cloudfs.Asc).
		Limit(limit)
	return s.collect(ctx, q)
}

func (s *Store) collect(ctx context.Context, q cloudfs.Query) ([]models.QueuedJob, error) {
	snaps, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, errs.Wrap(err, "query email queue")
	}

	out := make([]models.QueuedJob, 0, len(snaps))
	for _, snap := range snaps {
		job, err := jobFromSnapshot(snap)
		if err != nil {
			s.log.Warn("skipping undecodable job", zap.String("path", snap.Ref.Path), zap.Error(err))
			continue
		}
		out = append(out, models.QueuedJob{
			Ref:       refFromDoc(snap.Ref),
			Status:    job.Status,
			CreatedAt: job.CreatedAt,
		})
	}
	return out, nil
}

func (s *Store) association(associationID string) *cloudfs.DocumentRef {
	return s.Client.Collection(models.AssociationsCollection).Doc(associationID)
}

func (s *Store) EmailSettings(ctx context.Context, associationID string) (*models.EmailSettings, error) {
	snap, err := s.association(associationID).Collection(settingsCollection).Doc(settingsDoc).Get(ctx)
	if isNotFound(err) {
		return nil, models.ErrSettingsNotFound
	}
	if err != nil {
		return nil, errs.Wrap(err, "load email settings")
	}

	var st models.EmailSettings
	if err := snap.DataTo(&st); err != nil {
		return nil, errs.Wrap(err, "decode email settings")
	}
	return &st, nil
}

func (s *Store) SaveEmailSettings(ctx context.Context, associationID string, st models.EmailSettings) error {
	_, err := s.association(associationID).Collection(settingsCollection).Doc(settingsDoc).Set(ctx, st)
	return errs.Wrap(err, "save email settings")
}

type ticketingModule struct {
	Design *models.TicketDesign `firestore:"design"`
}

func (s *Store) TicketDesign(ctx context.Context, associationID string) (*models.TicketDesign, error) {
	snap, err := s.association(associationID).Collection(modulesCollection).Doc(ticketingDoc).Get(ctx)
	if isNotFound(err) {
		return nil, models.ErrDesignNotFound
	}
	if err != nil {
		return nil, errs.Wrap(err, "load ticketing module")
	}

	var m ticketingModule
	if err := snap.DataTo(&m); err != nil {
		return nil, errs.Wrap(err, "decode ticket design")
	}
	if m.Design == nil {
		return nil, models.ErrDesignNotFound
	}
	return m.Design, nil
}

// SaveTicketDesign replaces only the design field; the rest of the module
// document belongs to the ticketing admin.
func (s *Store) SaveTicketDesign(ctx context.Context, associationID string, d models.TicketDesign) error {
	_, err := s.association(associationID).Collection(modulesCollection).Doc(ticketingDoc).
		Set(ctx, ticketingModule{Design: &d}, cloudfs.Merge(cloudfs.FieldPath{"design"}))
	return errs.Wrap(err, "save ticket design")
}
