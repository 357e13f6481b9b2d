package worker

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcfax/faxpipe/internal/gateway"
	"github.com/mcfax/faxpipe/internal/payload"
	"github.com/mcfax/faxpipe/internal/worker/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

// fakeStore is an in-memory JobStore
type fakeStore struct {
	mu    sync.Mutex
	jobs  map[string]*domain.JobRecord
	onGet func(jobID string)
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: make(map[string]*domain.JobRecord)}
}

func (s *fakeStore) Create(_ context.Context, job *domain.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *job
	s.jobs[job.JobID] = &clone
	return nil
}

func (s *fakeStore) Get(_ context.Context, jobID string) (*domain.JobRecord, error) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return nil, domain.ErrJobNotFound
	}
	clone := *job
	hook := s.onGet
	s.mu.Unlock()

	if hook != nil {
		hook(jobID)
	}
	return &clone, nil
}

func (s *fakeStore) Claim(_ context.Context, jobID string) (*domain.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.Status != domain.StatusQueued {
		return nil, domain.ErrJobNotClaimable
	}
	job.Status = domain.StatusEncoding
	clone := *job
	return &clone, nil
}

func (s *fakeStore) MarkSubmitting(_ context.Context, job *domain.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[job.JobID]
	if !ok || (cur.Status != domain.StatusEncoding && cur.Status != domain.StatusRetrying) {
		return domain.ErrJobConflict
	}
	clone := *job
	s.jobs[job.JobID] = &clone
	return nil
}

func (s *fakeStore) Update(_ context.Context, job *domain.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.JobID]; !ok {
		return domain.ErrJobNotFound
	}
	clone := *job
	s.jobs[job.JobID] = &clone
	return nil
}

func (s *fakeStore) ListByStatus(_ context.Context, status string, _ int) ([]domain.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.JobRecord
	for _, job := range s.jobs {
		if job.Status == status {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (s *fakeStore) RequeueStale(_ context.Context) (int64, error) {
	return 0, nil
}

// setStatus mutates a job's status out-of-band, as cancellation from the API
// process would
func (s *fakeStore) setStatus(jobID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[jobID].Status = status
}

// fakeGateway replays a scripted sequence of results and records every
// submission payload
type fakeGateway struct {
	mu       sync.Mutex
	script   []gateway.SubmissionResult
	payloads [][]byte
	inFlight int
	maxSeen  int
	delay    time.Duration
	onSubmit func()
}

func (g *fakeGateway) Submit(_ context.Context, transmissionXML []byte) gateway.SubmissionResult {
	g.mu.Lock()
	g.inFlight++
	if g.inFlight > g.maxSeen {
		g.maxSeen = g.inFlight
	}
	payloadCopy := append([]byte(nil), transmissionXML...)
	g.payloads = append(g.payloads, payloadCopy)
	idx := len(g.payloads) - 1
	hook := g.onSubmit
	g.mu.Unlock()

	if hook != nil {
		hook()
	}
	if g.delay > 0 {
		time.Sleep(g.delay)
	}

	g.mu.Lock()
	g.inFlight--
	var result gateway.SubmissionResult
	if idx < len(g.script) {
		result = g.script[idx]
	} else if len(g.script) > 0 {
		result = g.script[len(g.script)-1]
	}
	g.mu.Unlock()
	return result
}

func (g *fakeGateway) submissions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.payloads)
}

func accepted(trackingID string) gateway.SubmissionResult {
	return gateway.SubmissionResult{Outcome: gateway.OutcomeAccepted, TrackingID: trackingID, StatusCode: 201}
}

func transient(reason string) gateway.SubmissionResult {
	return gateway.SubmissionResult{Outcome: gateway.OutcomeTransient, StatusCode: 503, Reason: reason}
}

func fatal(reason string) gateway.SubmissionResult {
	return gateway.SubmissionResult{Outcome: gateway.OutcomeFatal, StatusCode: 400, Reason: reason}
}

type pipelineFixture struct {
	worker  *Worker
	store   *fakeStore
	gateway *fakeGateway
	spool   string
	archive string
}

func newFixture(t *testing.T, gw *fakeGateway) *pipelineFixture {
	t.Helper()

	store := newFakeStore()
	spool := t.TempDir()
	archive := t.TempDir()

	w := NewWorker(&Config{
		Logger:      testLogger(),
		Store:       store,
		Gateway:     gw,
		Encoder:     payload.NewEncoder(testLogger()),
		Concurrency: 2,
		SpoolDir:    spool,
		ArchiveDir:  archive,
	})
	t.Cleanup(w.Stop)

	return &pipelineFixture{worker: w, store: store, gateway: gw, spool: spool, archive: archive}
}

// seedJob writes a source PDF and persists a QUEUED job pointing at it
func (f *pipelineFixture) seedJob(t *testing.T, maxAttempts int) *domain.JobRecord {
	t.Helper()

	docPath := filepath.Join(t.TempDir(), "invoice.pdf")
	pdf := []byte("%PDF-1.4\n1 0 obj << /Type /Page >> endobj\n2 0 obj << /Type /Page >> endobj\ntrailer")
	require.NoError(t, os.WriteFile(docPath, pdf, 0o644))

	job := domain.NewJobRecord(&domain.DocumentBundle{
		Path:               docPath,
		SenderName:         "Front Desk",
		RecipientFaxNumber: "5551234567",
		MaxAttempts:        maxAttempts,
	}, time.Now().UTC())
	require.NoError(t, f.store.Create(context.Background(), job))
	return job
}

func TestProcessNewAcceptedSubmission(t *testing.T) {
	gw := &fakeGateway{script: []gateway.SubmissionResult{accepted("FF-9981")}}
	f := newFixture(t, gw)
	job := f.seedJob(t, 3)

	err := f.worker.processMessage(context.Background(), &domain.JobMessage{JobID: job.JobID})
	require.NoError(t, err)

	got, err := f.store.Get(context.Background(), job.JobID)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusSubmitted, got.Status)
	assert.Equal(t, "FF-9981", got.RemoteTrackingID)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, 2, got.PageCount)
	assert.Greater(t, got.SizeBytes, int64(0))
	require.NotNil(t, got.CompletedAt, "SUBMITTED is quasi-terminal without delivery confirmation")

	// archival XML written once, no document content inside
	archivePath := filepath.Join(f.archive, job.JobID+".xml")
	archival, err := os.ReadFile(archivePath)
	require.NoError(t, err)
	assert.Contains(t, string(archival), "<fax_job>")
	assert.NotContains(t, string(archival), "<content>")

	// snapshot kept in the spool
	_, err = os.Stat(filepath.Join(f.spool, job.JobID+".pdf"))
	assert.NoError(t, err)
}

func TestDeliveryConfirmationModeLeavesSubmittedOpen(t *testing.T) {
	gw := &fakeGateway{script: []gateway.SubmissionResult{accepted("FF-1")}}
	f := newFixture(t, gw)
	f.worker.confirmMode = true
	job := f.seedJob(t, 3)

	require.NoError(t, f.worker.processMessage(context.Background(), &domain.JobMessage{JobID: job.JobID}))

	got, err := f.store.Get(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSubmitted, got.Status)
	assert.Nil(t, got.CompletedAt, "delivery poller owns completion in confirmation mode")
}

func TestEncodingFailureIsFatalWithoutRetry(t *testing.T) {
	gw := &fakeGateway{}
	f := newFixture(t, gw)

	docPath := filepath.Join(t.TempDir(), "garbage.pdf")
	require.NoError(t, os.WriteFile(docPath, []byte("this is not a pdf at all"), 0o644))

	job := domain.NewJobRecord(&domain.DocumentBundle{
		Path:               docPath,
		RecipientFaxNumber: "5551234567",
	}, time.Now().UTC())
	require.NoError(t, f.store.Create(context.Background(), job))

	err := f.worker.processMessage(context.Background(), &domain.JobMessage{JobID: job.JobID})
	require.NoError(t, err)

	got, err := f.store.Get(context.Background(), job.JobID)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, 0, got.Attempts, "encoding failures must not consume submission attempts")
	assert.Contains(t, got.ErrorMessage, "not a valid PDF")
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, 0, gw.submissions(), "no gateway call for an unencodable document")
}

func TestTransientFailuresExhaustAttempts(t *testing.T) {
	gw := &fakeGateway{script: []gateway.SubmissionResult{
		transient("internal error"),
		transient("internal error"),
		transient("connection reset"),
	}}
	f := newFixture(t, gw)
	job := f.seedJob(t, 3)
	ctx := context.Background()

	// first attempt parks the job in RETRYING
	require.NoError(t, f.worker.processMessage(ctx, &domain.JobMessage{JobID: job.JobID}))
	got, _ := f.store.Get(ctx, job.JobID)
	assert.Equal(t, domain.StatusRetrying, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "internal error", got.ErrorMessage)
	assert.True(t, f.worker.sched.Pending(job.JobID))

	// drive the remaining releases directly instead of waiting out the backoff
	f.worker.sched.Cancel(job.JobID)
	require.NoError(t, f.worker.processMessage(ctx, &domain.JobMessage{JobID: job.JobID, Retry: true}))
	got, _ = f.store.Get(ctx, job.JobID)
	assert.Equal(t, domain.StatusRetrying, got.Status)
	assert.Equal(t, 2, got.Attempts)

	f.worker.sched.Cancel(job.JobID)
	require.NoError(t, f.worker.processMessage(ctx, &domain.JobMessage{JobID: job.JobID, Retry: true}))
	got, _ = f.store.Get(ctx, job.JobID)

	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.LessOrEqual(t, got.Attempts, got.MaxAttempts)
	assert.Contains(t, got.ErrorMessage, "max submission attempts exhausted")
	assert.Contains(t, got.ErrorMessage, "connection reset", "last transient reason is preserved")
	require.NotNil(t, got.CompletedAt)

	// a stray fourth release must not submit again
	require.NoError(t, f.worker.processMessage(ctx, &domain.JobMessage{JobID: job.JobID, Retry: true}))
	assert.Equal(t, 3, gw.submissions(), "no fourth submission attempt")
}

func TestFatalGatewayFailureFailsImmediately(t *testing.T) {
	gw := &fakeGateway{script: []gateway.SubmissionResult{fatal("invalid recipient fax number")}}
	f := newFixture(t, gw)
	job := f.seedJob(t, 3)

	require.NoError(t, f.worker.processMessage(context.Background(), &domain.JobMessage{JobID: job.JobID}))

	got, err := f.store.Get(context.Background(), job.JobID)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempts, "fatal failure ends the job with attempts remaining")
	assert.Contains(t, got.ErrorMessage, "invalid recipient fax number")
	assert.Equal(t, 1, gw.submissions())
}

func TestCancelWhileRetryingPreventsSubmission(t *testing.T) {
	gw := &fakeGateway{script: []gateway.SubmissionResult{transient("timeout")}}
	f := newFixture(t, gw)
	job := f.seedJob(t, 3)
	ctx := context.Background()

	require.NoError(t, f.worker.processMessage(ctx, &domain.JobMessage{JobID: job.JobID}))
	got, _ := f.store.Get(ctx, job.JobID)
	require.Equal(t, domain.StatusRetrying, got.Status)

	// external cancellation while parked
	f.store.setStatus(job.JobID, domain.StatusCanceled)
	f.worker.sched.Cancel(job.JobID)

	require.NoError(t, f.worker.processMessage(ctx, &domain.JobMessage{JobID: job.JobID, Retry: true}))
	assert.Equal(t, 1, gw.submissions(), "no gateway call after cancellation")
}

func TestCancelAfterRetryLoadPreventsSubmission(t *testing.T) {
	gw := &fakeGateway{script: []gateway.SubmissionResult{transient("timeout")}}
	f := newFixture(t, gw)
	job := f.seedJob(t, 3)
	ctx := context.Background()

	require.NoError(t, f.worker.processMessage(ctx, &domain.JobMessage{JobID: job.JobID}))
	got, _ := f.store.Get(ctx, job.JobID)
	require.Equal(t, domain.StatusRetrying, got.Status)
	f.worker.sched.Cancel(job.JobID)

	// cancel lands right after the worker has loaded the RETRYING row, inside
	// the window where the snapshot is read and encoded
	f.store.onGet = func(jobID string) {
		f.store.setStatus(jobID, domain.StatusCanceled)
		f.store.onGet = nil
	}

	require.NoError(t, f.worker.processMessage(ctx, &domain.JobMessage{JobID: job.JobID, Retry: true}))

	final, err := f.store.Get(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, final.Status, "cancellation must not be overwritten")
	assert.Equal(t, 1, gw.submissions(), "no gateway call once the cancel has won")
}

func TestReleaseWithFullInboxReArmsInsteadOfBlocking(t *testing.T) {
	gw := &fakeGateway{}
	f := newFixture(t, gw)

	// fill the pool inbox; nothing is consuming it
	for i := 0; i < cap(f.worker.jobsChan); i++ {
		f.worker.jobsChan <- &domain.JobMessage{JobID: "filler"}
	}

	done := make(chan struct{})
	go func() {
		f.worker.releaseForRetry("parked-job")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("release blocked on a full inbox")
	}

	assert.True(t, f.worker.sched.Pending("parked-job"), "release re-armed as a scheduler timer")
}

func TestCancelDuringGatewayCallDiscardsResult(t *testing.T) {
	gw := &fakeGateway{script: []gateway.SubmissionResult{accepted("FF-LATE")}}
	f := newFixture(t, gw)
	job := f.seedJob(t, 3)

	// cancel while the gateway call is in flight
	gw.onSubmit = func() {
		f.store.setStatus(job.JobID, domain.StatusCanceled)
	}

	require.NoError(t, f.worker.processMessage(context.Background(), &domain.JobMessage{JobID: job.JobID}))

	got, _ := f.store.Get(context.Background(), job.JobID)
	assert.Equal(t, domain.StatusCanceled, got.Status)
	assert.Empty(t, got.RemoteTrackingID, "result of the in-flight call is discarded")
}

func TestLeaseExclusivity(t *testing.T) {
	gw := &fakeGateway{script: []gateway.SubmissionResult{accepted("FF-1")}, delay: 50 * time.Millisecond}
	f := newFixture(t, gw)
	job := f.seedJob(t, 3)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// racing workers either get the lease or bounce off it; either
			// way only one drives the job
			_ = f.worker.processMessage(ctx, &domain.JobMessage{JobID: job.JobID})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, gw.submissions(), "exactly one submission despite racing workers")
	assert.LessOrEqual(t, gw.maxSeen, 1, "no two concurrent gateway calls for one job id")
}

func TestManualRetryNowCollapsesIntoScheduler(t *testing.T) {
	gw := &fakeGateway{script: []gateway.SubmissionResult{transient("glitch")}}
	f := newFixture(t, gw)
	job := f.seedJob(t, 3)
	ctx := context.Background()

	require.NoError(t, f.worker.processMessage(ctx, &domain.JobMessage{JobID: job.JobID}))
	require.True(t, f.worker.sched.Pending(job.JobID))

	// a retry-now request arrives as a plain queue message for a RETRYING job
	require.NoError(t, f.worker.processMessage(ctx, &domain.JobMessage{JobID: job.JobID}))

	assert.False(t, f.worker.sched.Pending(job.JobID), "pending timer consumed by the manual release")

	// the release landed in the pool inbox as a retry message
	select {
	case msg := <-f.worker.jobsChan:
		assert.Equal(t, job.JobID, msg.JobID)
		assert.True(t, msg.Retry)
	case <-time.After(time.Second):
		t.Fatal("expected a retry dispatch from the manual release")
	}
}

func TestSnapshotIsImmutableAcrossAttempts(t *testing.T) {
	gw := &fakeGateway{script: []gateway.SubmissionResult{
		transient("glitch"),
		accepted("FF-2"),
	}}
	f := newFixture(t, gw)
	job := f.seedJob(t, 3)
	ctx := context.Background()

	require.NoError(t, f.worker.processMessage(ctx, &domain.JobMessage{JobID: job.JobID}))

	// mutate the original source document between attempts
	require.NoError(t, os.WriteFile(job.DocumentPath, []byte("%PDF-1.4\ncompletely different bytes"), 0o644))

	f.worker.sched.Cancel(job.JobID)
	require.NoError(t, f.worker.processMessage(ctx, &domain.JobMessage{JobID: job.JobID, Retry: true}))

	require.Equal(t, 2, gw.submissions())
	assert.Equal(t, string(gw.payloads[0]), string(gw.payloads[1]),
		"retried payload comes from the immutable snapshot, not the edited source")
}

func TestIngestCreatesQueuedJobAndDispatches(t *testing.T) {
	gw := &fakeGateway{}
	f := newFixture(t, gw)

	docPath := filepath.Join(t.TempDir(), "scan.pdf")
	require.NoError(t, os.WriteFile(docPath, []byte("%PDF-1.4\n<< /Type /Page >>"), 0o644))

	job, err := f.worker.Ingest(context.Background(), &domain.DocumentBundle{
		Path:               docPath,
		RecipientFaxNumber: "5550001111",
	})
	require.NoError(t, err)

	got, err := f.store.Get(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, got.Status)

	select {
	case msg := <-f.worker.jobsChan:
		assert.Equal(t, job.JobID, msg.JobID)
		assert.False(t, msg.Retry)
	case <-time.After(time.Second):
		t.Fatal("ingest did not dispatch the job")
	}
}

func TestProcessUnknownJob(t *testing.T) {
	gw := &fakeGateway{}
	f := newFixture(t, gw)

	err := f.worker.processMessage(context.Background(), &domain.JobMessage{JobID: "00000000-0000-0000-0000-000000000000"})
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
	assert.False(t, shouldRequeue(err), "unknown jobs are dropped, not redelivered")
}

func TestRecoverRequeuesPersistedWork(t *testing.T) {
	gw := &fakeGateway{}
	f := newFixture(t, gw)
	ctx := context.Background()

	queued := f.seedJob(t, 3)
	parked := f.seedJob(t, 3)
	f.store.setStatus(parked.JobID, domain.StatusRetrying)
	f.store.jobs[parked.JobID].Attempts = 1

	require.NoError(t, f.worker.recover(ctx))

	select {
	case msg := <-f.worker.jobsChan:
		assert.Equal(t, queued.JobID, msg.JobID)
	case <-time.After(time.Second):
		t.Fatal("queued job was not redispatched")
	}

	assert.True(t, f.worker.sched.Pending(parked.JobID), "parked job gets its backoff timer re-armed")
}

func TestShouldRequeueClassification(t *testing.T) {
	assert.False(t, shouldRequeue(domain.ErrJobLeased))
	assert.False(t, shouldRequeue(domain.ErrJobNotFound))
	assert.False(t, shouldRequeue(fmt.Errorf("some job-level outcome")))
	assert.True(t, shouldRequeue(domain.NewRetryableError(fmt.Errorf("db down"))))
}
