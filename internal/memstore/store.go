// Package memstore keeps the email queue in process memory. It backs local
// development and the state machine tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"TicketMail/internal/errs"
	"TicketMail/internal/models"
)

const watchBuffer = 64

type Store struct {
	mu       sync.Mutex
	jobs     map[string]*models.EmailJob
	settings map[string]models.EmailSettings
	designs  map[string]models.TicketDesign

	watchers map[int]chan models.JobSignal
	nextID   int

	now func() time.Time
}

func New() *Store {
	return &Store{
		jobs:     make(map[string]*models.EmailJob),
		settings: make(map[string]models.EmailSettings),
		designs:  make(map[string]models.TicketDesign),
		watchers: make(map[int]chan models.JobSignal),
		now:      time.Now,
	}
}

// SetClock replaces the time source used for timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func key(ref models.JobRef) string {
	if aid := ref.Association(); aid != "" && ref.JobID != "" {
		return models.JobPath(aid, ref.JobID)
	}
	return ref.Path
}

func clone(j *models.EmailJob) *models.EmailJob {
	c := *j
	if j.LockedAt != nil {
		t := *j.LockedAt
		c.LockedAt = &t
	}
	if j.SentAt != nil {
		t := *j.SentAt
		c.SentAt = &t
	}
	return &c
}

// Insert stores a new pending job and notifies watchers.
func (s *Store) Insert(_ context.Context, job *models.EmailJob) (models.JobRef, error) {
	if job.AssociationID == "" {
		return models.JobRef{}, errs.New("insert job: association id is required")
	}

	s.mu.Lock()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = models.StatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now().UTC()
	}
	ref := models.NewJobRef(job.AssociationID, job.ID)
	s.jobs[key(ref)] = clone(job)

	sig := models.JobSignal{Ref: ref, Hint: job.AssociationID}
	for _, w := range s.watchers {
		// A full watcher misses the signal; the sweep picks the job up later.
		select {
		case w <- sig:
		default:
		}
	}
	s.mu.Unlock()

	return ref, nil
}

func (s *Store) Get(_ context.Context, ref models.JobRef) (*models.EmailJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[key(ref)]
	if !ok {
		return nil, models.ErrJobNotFound
	}
	return clone(j), nil
}

// Claim moves a claimable job into processing. It returns false when the job
// is gone, finished, or locked by another worker.
func (s *Store) Claim(_ context.Context, ref models.JobRef, staleAfter time.Duration) (*models.EmailJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[key(ref)]
	if !ok {
		return nil, false, nil
	}
	now := s.now().UTC()
	if !j.Claimable(now, staleAfter) {
		return nil, false, nil
	}

	j.Status = models.StatusProcessing
	j.Attempts++
	j.LockedAt = &now
	j.LastError = ""
	return clone(j), true, nil
}

// owned returns the job if it is still held by the claim that produced
// attempt.
func (s *Store) owned(ref models.JobRef, attempt int) (*models.EmailJob, error) {
	j, ok := s.jobs[key(ref)]
	if !ok {
		return nil, models.ErrJobNotFound
	}
	if j.Status != models.StatusProcessing || j.Attempts != attempt {
		return nil, models.ErrLockLost
	}
	return j, nil
}

func (s *Store) MarkSent(_ context.Context, ref models.JobRef, attempt int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.owned(ref, attempt)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	j.Status = models.StatusSent
	j.SentAt = &now
	j.LockedAt = nil
	j.LastError = ""
	return nil
}

func (s *Store) MarkFailure(_ context.Context, ref models.JobRef, attempt int, status models.EmailStatus, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.owned(ref, attempt)
	if err != nil {
		return err
	}
	j.Status = status
	j.LastError = msg
	j.LockedAt = nil
	j.SentAt = nil
	return nil
}

// ListQueued returns up to limit jobs in status, oldest first.
func (s *Store) ListQueued(_ context.Context, status models.EmailStatus, limit int) ([]models.QueuedJob, error) {
	return s.list(limit, func(j *models.EmailJob) bool {
		return j.Status == status
	}), nil
}

// ListStale returns processing jobs locked before cutoff, oldest first.
func (s *Store) ListStale(_ context.Context, cutoff time.Time, limit int) ([]models.QueuedJob, error) {
	return s.list(limit, func(j *models.EmailJob) bool {
		return j.Status == models.StatusProcessing && j.LockedAt != nil && j.LockedAt.Before(cutoff)
	}), nil
}

func (s *Store) list(limit int, match func(*models.EmailJob) bool) []models.QueuedJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.QueuedJob
	for _, j := range s.jobs {
		if match(j) {
			out = append(out, models.QueuedJob{
				Ref:       models.NewJobRef(j.AssociationID, j.ID),
				Status:    j.Status,
				CreatedAt: j.CreatedAt,
			})
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].Ref.JobID < out[b].Ref.JobID
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Store) PutSettings(associationID string, settings models.EmailSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[associationID] = settings
}

func (s *Store) SaveEmailSettings(_ context.Context, associationID string, settings models.EmailSettings) error {
	s.PutSettings(associationID, settings)
	return nil
}

func (s *Store) EmailSettings(_ context.Context, associationID string) (*models.EmailSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.settings[associationID]
	if !ok {
		return nil, models.ErrSettingsNotFound
	}
	return &st, nil
}

func (s *Store) PutDesign(associationID string, design models.TicketDesign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.designs[associationID] = design
}

func (s *Store) SaveTicketDesign(_ context.Context, associationID string, design models.TicketDesign) error {
	s.PutDesign(associationID, design)
	return nil
}

func (s *Store) TicketDesign(_ context.Context, associationID string) (*models.TicketDesign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.designs[associationID]
	if !ok {
		return nil, models.ErrDesignNotFound
	}
	return &d, nil
}

// Watch forwards a signal for every inserted job until ctx is done.
func (s *Store) Watch(ctx context.Context, out chan<- models.JobSignal) error {
	ch := make(chan models.JobSignal, watchBuffer)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-ch:
			select {
			case out <- sig:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
