package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"TicketMail/internal/memstore"
	"TicketMail/internal/models"
)

type recordingProcessor struct {
	mu   sync.Mutex
	refs []models.JobRef
	out  Outcome
	err  error
}

func (r *recordingProcessor) Process(_ context.Context, ref models.JobRef, _ string) (Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs = append(r.refs, ref)
	return r.out, r.err
}

func (r *recordingProcessor) seen() []models.JobRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.JobRef(nil), r.refs...)
}

var sweepBase = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

func seed(t *testing.T, store *memstore.Store, status models.EmailStatus, n int, offset time.Duration) map[string]time.Time {
	t.Helper()
	created := make(map[string]time.Time)
	for i := 0; i < n; i++ {
		at := sweepBase.Add(offset + time.Duration(i)*2*time.Minute)
		ref, err := store.Insert(context.Background(), &models.EmailJob{
			AssociationID: fmt.Sprintf("assoc-%d", i%3),
			Status:        status,
			CreatedAt:     at,
		})
		require.NoError(t, err)
		created[ref.JobID] = at
	}
	return created
}

func TestSweep_MergesOldestFirstAndCaps(t *testing.T) {
	store := memstore.New()
	created := seed(t, store, models.StatusPending, 12, 0)
	for id, at := range seed(t, store, models.StatusError, 12, time.Minute) {
		created[id] = at
	}
	seed(t, store, models.StatusSent, 3, -time.Hour)

	proc := &recordingProcessor{out: OutcomeSent}
	s := NewSweeper(store, proc, zap.NewNop())

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, res.Found)
	assert.Equal(t, 20, res.Sent)

	refs := proc.seen()
	require.Len(t, refs, 20)
	for i := 1; i < len(refs); i++ {
		assert.False(t, created[refs[i].JobID].Before(created[refs[i-1].JobID]), "out of order at %d", i)
	}

	var pending, errored int
	for _, r := range refs {
		j, _ := store.Get(context.Background(), r)
		switch j.Status {
		case models.StatusPending:
			pending++
		case models.StatusError:
			errored++
		}
	}
	assert.Equal(t, 10, pending)
	assert.Equal(t, 10, errored)
}

func TestSweep_IncludesStaleLocks(t *testing.T) {
	store := memstore.New()
	now := sweepBase.Add(2 * time.Hour)
	store.SetClock(func() time.Time { return now })

	oldLock := now.Add(-time.Hour)
	freshLock := now.Add(-time.Minute)
	stale, _ := store.Insert(context.Background(), &models.EmailJob{
		AssociationID: "assoc-1", Status: models.StatusProcessing, LockedAt: &oldLock, CreatedAt: sweepBase,
	})
	_, _ = store.Insert(context.Background(), &models.EmailJob{
		AssociationID: "assoc-1", Status: models.StatusProcessing, LockedAt: &freshLock, CreatedAt: sweepBase,
	})
	pending, _ := store.Insert(context.Background(), &models.EmailJob{
		AssociationID: "assoc-1", CreatedAt: sweepBase.Add(time.Minute),
	})

	proc := &recordingProcessor{out: OutcomeSent}
	s := NewSweeper(store, proc, zap.NewNop())
	s.now = func() time.Time { return now }

	_, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []models.JobRef{pending}, proc.seen(), "stale reclaim disabled")

	proc.refs = nil
	s.StaleAfter = 15 * time.Minute
	_, err = s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []models.JobRef{stale, pending}, proc.seen())
}

func TestSweep_JobErrorsDoNotHaltTheBatch(t *testing.T) {
	store := memstore.New()
	seed(t, store, models.StatusPending, 3, 0)

	proc := &recordingProcessor{out: OutcomeRetry, err: errors.New("store write failed")}
	s := NewSweeper(store, proc, zap.NewNop())

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, proc.seen(), 3)
	assert.Equal(t, 3, res.Errors)
	assert.Equal(t, 3, res.Retry)
}

type failingLister struct {
	JobStore
}

func (failingLister) ListQueued(context.Context, models.EmailStatus, int) ([]models.QueuedJob, error) {
	return nil, errors.New("index missing")
}

func TestSweep_AllQueriesFailing(t *testing.T) {
	s := NewSweeper(failingLister{}, &recordingProcessor{}, zap.NewNop())
	_, err := s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index missing")
}

func TestSweep_Schedule(t *testing.T) {
	s := NewSweeper(memstore.New(), &recordingProcessor{}, zap.NewNop())
	c := cron.New()

	id, err := s.Schedule(context.Background(), c, "@every 5m")
	require.NoError(t, err)
	assert.NotZero(t, id)
	assert.Len(t, c.Entries(), 1)

	_, err = s.Schedule(context.Background(), c, "every five minutes")
	assert.Error(t, err)
}

func TestSweep_EndToEndWithProcessor(t *testing.T) {
	mailer := new(mockMailer)
	mailer.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	store := memstore.New()
	store.PutSettings("assoc-1", validSettings())
	ref, _ := store.Insert(context.Background(), &models.EmailJob{
		AssociationID: "assoc-1", To: "a@example.org", Subject: "s", Body: "b",
	})

	p := NewProcessor(store, store, mailer, nil, zap.NewNop())
	res, err := NewSweeper(store, p, zap.NewNop()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, models.StatusSent, getJob(t, store, ref).Status)
}
