package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"TicketMail/internal/email"
	"TicketMail/internal/memstore"
	"TicketMail/internal/models"
)

type mockMailer struct {
	mock.Mock
}

func (m *mockMailer) Send(ctx context.Context, settings *models.EmailSettings, msg email.Message) error {
	return m.Called(ctx, settings, msg).Error(0)
}

type stubBuilder struct {
	attachments []models.Attachment
	err         error
	calls       int
}

func (b *stubBuilder) Build(context.Context, string, *models.EmailJob) ([]models.Attachment, error) {
	b.calls++
	return b.attachments, b.err
}

func validSettings() models.EmailSettings {
	return models.EmailSettings{
		Host:        "smtp.example.org",
		Port:        587,
		User:        "mailer",
		Password:    "secret",
		SenderEmail: "tickets@example.org",
	}
}

func setup(t *testing.T, mailer Mailer, builder AttachmentBuilder) (*memstore.Store, *Processor, models.JobRef) {
	t.Helper()
	store := memstore.New()
	store.PutSettings("assoc-1", validSettings())

	ref, err := store.Insert(context.Background(), &models.EmailJob{
		AssociationID: "assoc-1",
		Type:          models.TypeTest,
		To:            "gast@example.org",
		Subject:       "Hallo",
		Body:          "Testnachricht",
	})
	require.NoError(t, err)

	return store, NewProcessor(store, store, mailer, builder, zap.NewNop()), ref
}

func getJob(t *testing.T, store *memstore.Store, ref models.JobRef) *models.EmailJob {
	t.Helper()
	j, err := store.Get(context.Background(), ref)
	require.NoError(t, err)
	return j
}

func TestProcess_FailsTwiceThenSends(t *testing.T) {
	mailer := new(mockMailer)
	mailer.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("connection reset")).Twice()
	mailer.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()

	store, p, ref := setup(t, mailer, nil)
	ctx := context.Background()

	for i, want := range []Outcome{OutcomeRetry, OutcomeRetry, OutcomeSent} {
		out, err := p.Process(ctx, ref, "")
		require.NoError(t, err)
		assert.Equal(t, want, out, "attempt %d", i+1)
	}

	job := getJob(t, store, ref)
	assert.Equal(t, models.StatusSent, job.Status)
	assert.Equal(t, 3, job.Attempts)
	assert.NotNil(t, job.SentAt)
	assert.Nil(t, job.LockedAt)
	assert.Empty(t, job.LastError)
	mailer.AssertExpectations(t)
}

func TestProcess_RetryCeiling(t *testing.T) {
	t.Run("five failures end failed", func(t *testing.T) {
		mailer := new(mockMailer)
		mailer.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("451 busy"))

		store, p, ref := setup(t, mailer, nil)
		for i := 1; i <= 5; i++ {
			out, err := p.Process(context.Background(), ref, "")
			require.NoError(t, err)
			if i < 5 {
				assert.Equal(t, OutcomeRetry, out)
				assert.Equal(t, models.StatusError, getJob(t, store, ref).Status)
			} else {
				assert.Equal(t, OutcomeFailed, out)
			}
		}

		job := getJob(t, store, ref)
		assert.Equal(t, models.StatusFailed, job.Status)
		assert.Equal(t, 5, job.Attempts)
		assert.Contains(t, job.LastError, "451 busy")

		out, err := p.Process(context.Background(), ref, "")
		require.NoError(t, err)
		assert.Equal(t, OutcomeSkipped, out)
		mailer.AssertNumberOfCalls(t, "Send", 5)
	})

	t.Run("four failures then success", func(t *testing.T) {
		mailer := new(mockMailer)
		mailer.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("451 busy")).Times(4)
		mailer.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()

		store, p, ref := setup(t, mailer, nil)
		for i := 0; i < 5; i++ {
			_, err := p.Process(context.Background(), ref, "")
			require.NoError(t, err)
		}

		job := getJob(t, store, ref)
		assert.Equal(t, models.StatusSent, job.Status)
		assert.Equal(t, 5, job.Attempts)
	})
}

func TestProcess_SentIsTerminal(t *testing.T) {
	mailer := new(mockMailer)
	mailer.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	store, p, ref := setup(t, mailer, nil)
	_, err := p.Process(context.Background(), ref, "")
	require.NoError(t, err)
	before := getJob(t, store, ref)

	for i := 0; i < 3; i++ {
		out, err := p.Process(context.Background(), ref, "")
		require.NoError(t, err)
		assert.Equal(t, OutcomeSkipped, out)
	}

	assert.Equal(t, before, getJob(t, store, ref))
	mailer.AssertNumberOfCalls(t, "Send", 1)
}

type slowMailer struct {
	calls atomic.Int32
}

func (m *slowMailer) Send(context.Context, *models.EmailSettings, email.Message) error {
	m.calls.Add(1)
	time.Sleep(20 * time.Millisecond)
	return nil
}

func TestProcess_ConcurrentTriggersSendOnce(t *testing.T) {
	mailer := &slowMailer{}
	store, p, ref := setup(t, mailer, nil)

	var wg sync.WaitGroup
	var sent atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := p.Process(context.Background(), ref, "assoc-1")
			if err == nil && out == OutcomeSent {
				sent.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), mailer.calls.Load())
	assert.Equal(t, int32(1), sent.Load())
	assert.Equal(t, 1, getJob(t, store, ref).Attempts)
}

func TestProcess_PermanentErrorsFailImmediately(t *testing.T) {
	t.Run("missing settings", func(t *testing.T) {
		mailer := new(mockMailer)
		store := memstore.New()
		ref, _ := store.Insert(context.Background(), &models.EmailJob{
			AssociationID: "assoc-2", To: "a@example.org", Subject: "s", Body: "b",
		})
		p := NewProcessor(store, store, mailer, nil, zap.NewNop())

		out, err := p.Process(context.Background(), ref, "")
		require.NoError(t, err)
		assert.Equal(t, OutcomeFailed, out)

		job := getJob(t, store, ref)
		assert.Equal(t, models.StatusFailed, job.Status)
		assert.Equal(t, 1, job.Attempts)
		assert.Contains(t, job.LastError, "assoc-2")
		mailer.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("incomplete settings", func(t *testing.T) {
		mailer := new(mockMailer)
		store, p, ref := setup(t, mailer, nil)
		broken := validSettings()
		broken.Host = ""
		store.PutSettings("assoc-1", broken)

		out, _ := p.Process(context.Background(), ref, "")
		assert.Equal(t, OutcomeFailed, out)
		assert.Contains(t, getJob(t, store, ref).LastError, "smtpHost")
	})

	t.Run("missing body", func(t *testing.T) {
		mailer := new(mockMailer)
		store := memstore.New()
		store.PutSettings("assoc-1", validSettings())
		ref, _ := store.Insert(context.Background(), &models.EmailJob{
			AssociationID: "assoc-1", To: "a@example.org", Subject: "s",
		})
		p := NewProcessor(store, store, mailer, nil, zap.NewNop())

		out, _ := p.Process(context.Background(), ref, "")
		assert.Equal(t, OutcomeFailed, out)
		assert.Contains(t, getJob(t, store, ref).LastError, "body")
		mailer.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestProcess_TicketAttachments(t *testing.T) {
	pdf := models.Attachment{Filename: "Ticket_Gala_1.pdf", ContentType: "application/pdf", Content: []byte("%PDF")}

	t.Run("attached", func(t *testing.T) {
		mailer := new(mockMailer)
		mailer.On("Send", mock.Anything, mock.Anything, mock.MatchedBy(func(m email.Message) bool {
			return len(m.Attachments) == 1 && m.Attachments[0].Filename == "Ticket_Gala_1.pdf"
		})).Return(nil).Once()

		builder := &stubBuilder{attachments: []models.Attachment{pdf}}
		store := memstore.New()
		store.PutSettings("assoc-1", validSettings())
		ref, _ := store.Insert(context.Background(), &models.EmailJob{
			AssociationID: "assoc-1", Type: models.TypeTicket,
			To: "a@example.org", Subject: "Tickets", Body: "Anbei",
			Context: &models.TicketContext{OrderID: "A-1", TicketName: "Gala"},
		})
		p := NewProcessor(store, store, mailer, builder, zap.NewNop())

		out, err := p.Process(context.Background(), ref, "")
		require.NoError(t, err)
		assert.Equal(t, OutcomeSent, out)
		assert.Equal(t, 1, builder.calls)
		mailer.AssertExpectations(t)
	})

	t.Run("builder failure still sends", func(t *testing.T) {
		mailer := new(mockMailer)
		mailer.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()

		builder := &stubBuilder{err: errors.New("design store down")}
		store := memstore.New()
		store.PutSettings("assoc-1", validSettings())
		ref, _ := store.Insert(context.Background(), &models.EmailJob{
			AssociationID: "assoc-1", Type: models.TypeTicket,
			To: "a@example.org", Subject: "Tickets", Body: "Anbei",
		})
		p := NewProcessor(store, store, mailer, builder, zap.NewNop())

		out, err := p.Process(context.Background(), ref, "")
		require.NoError(t, err)
		assert.Equal(t, OutcomeSent, out)
		assert.Equal(t, models.StatusSent, getJob(t, store, ref).Status)
	})

	t.Run("non ticket jobs skip the builder", func(t *testing.T) {
		mailer := new(mockMailer)
		mailer.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
		builder := &stubBuilder{}
		_, p, ref := setup(t, mailer, builder)

		_, err := p.Process(context.Background(), ref, "")
		require.NoError(t, err)
		assert.Zero(t, builder.calls)
	})
}

func TestProcess_StaleLockReclaim(t *testing.T) {
	mailer := new(mockMailer)
	mailer.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	store, p, ref := setup(t, mailer, nil)
	p.StaleAfter = 15 * time.Minute

	now := time.Now()
	store.SetClock(func() time.Time { return now })
	_, ok, err := store.Claim(context.Background(), ref, p.StaleAfter)
	require.NoError(t, err)
	require.True(t, ok)

	out, _ := p.Process(context.Background(), ref, "")
	assert.Equal(t, OutcomeSkipped, out)

	now = now.Add(20 * time.Minute)
	out, err = p.Process(context.Background(), ref, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, out)
	assert.Equal(t, 2, getJob(t, store, ref).Attempts)
}

// gateMailer holds its first send until release is closed and then fails
// it; later sends succeed immediately.
type gateMailer struct {
	mu      sync.Mutex
	calls   int
	started chan struct{}
	release chan struct{}
}

func newGateMailer() *gateMailer {
	return &gateMailer{started: make(chan struct{}), release: make(chan struct{})}
}

func (m *gateMailer) Send(context.Context, *models.EmailSettings, email.Message) error {
	m.mu.Lock()
	m.calls++
	n := m.calls
	m.mu.Unlock()

	if n == 1 {
		close(m.started)
		<-m.release
		return errors.New("smtp timeout")
	}
	return nil
}

func TestProcess_LateResultAfterReclaimIsDropped(t *testing.T) {
	mailer := newGateMailer()
	store, p, ref := setup(t, mailer, nil)
	p.StaleAfter = 15 * time.Minute

	var clockMu sync.Mutex
	now := time.Now()
	store.SetClock(func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	})

	type result struct {
		out Outcome
		err error
	}
	first := make(chan result, 1)
	go func() {
		out, err := p.Process(context.Background(), ref, "")
		first <- result{out, err}
	}()
	<-mailer.started

	clockMu.Lock()
	now = now.Add(20 * time.Minute)
	clockMu.Unlock()

	out, err := p.Process(context.Background(), ref, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, out)

	close(mailer.release)
	late := <-first
	require.NoError(t, late.err)
	assert.Equal(t, OutcomeSkipped, late.out)

	job := getJob(t, store, ref)
	assert.Equal(t, models.StatusSent, job.Status)
	assert.Equal(t, 2, job.Attempts)
	assert.NotNil(t, job.SentAt)
	assert.Nil(t, job.LockedAt)
	assert.Empty(t, job.LastError)
}

func TestProcess_MissingJobIsSkipped(t *testing.T) {
	mailer := new(mockMailer)
	_, p, _ := setup(t, mailer, nil)

	out, err := p.Process(context.Background(), models.NewJobRef("assoc-1", "gone"), "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, out)
}

func TestResolveAssociation(t *testing.T) {
	ref := models.JobRef{Path: "projects/p/databases/(default)/documents/associations/from-path/emailQueue/j1", JobID: "j1"}

	assert.Equal(t, "from-job", ResolveAssociation(&models.EmailJob{AssociationID: "from-job"}, "from-hint", ref))
	assert.Equal(t, "from-hint", ResolveAssociation(&models.EmailJob{}, " from-hint ", ref))
	assert.Equal(t, "from-path", ResolveAssociation(&models.EmailJob{}, "", ref))
	assert.Empty(t, ResolveAssociation(&models.EmailJob{}, "", models.JobRef{JobID: "j1"}))
}
