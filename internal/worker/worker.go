// Package worker drives fax jobs through the submission pipeline: claim,
// encode, submit, and retry until a terminal state. Jobs arrive from the
// RabbitMQ queue (api-service), the folder watcher, or startup recovery, and
// are processed by a bounded pool with a per-job exclusive lease.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mcfax/faxpipe/internal/gateway"
	"github.com/mcfax/faxpipe/internal/payload"
	"github.com/mcfax/faxpipe/internal/scheduler"
	"github.com/mcfax/faxpipe/internal/worker/domain"
	"github.com/mcfax/faxpipe/shared/rabbitmq"
)

// JobStore is the pipeline's view of the fax job store
type JobStore interface {
	Create(ctx context.Context, job *domain.JobRecord) error
	Get(ctx context.Context, jobID string) (*domain.JobRecord, error)
	Claim(ctx context.Context, jobID string) (*domain.JobRecord, error)
	MarkSubmitting(ctx context.Context, job *domain.JobRecord) error
	Update(ctx context.Context, job *domain.JobRecord) error
	ListByStatus(ctx context.Context, status string, limit int) ([]domain.JobRecord, error)
	RequeueStale(ctx context.Context) (int64, error)
}

// GatewayClient submits transmission payloads to the remote fax gateway
type GatewayClient interface {
	Submit(ctx context.Context, transmissionXML []byte) gateway.SubmissionResult
}

// PayloadEncoder builds the archival and transmission representations of a job
type PayloadEncoder interface {
	Encode(job *domain.JobRecord, document []byte) (*payload.Artifact, error)
}

// Config holds worker configuration
type Config struct {
	Logger        *slog.Logger
	Store         JobStore
	Gateway       GatewayClient
	Encoder       PayloadEncoder
	RabbitClient  *rabbitmq.Client
	Concurrency   int
	PrefetchCount int
	SpoolDir      string
	ArchiveDir    string

	// DeliveryConfirmation selects the deployment mode: when true the gateway
	// offers status polling and SUBMITTED jobs later become DELIVERED; when
	// false SUBMITTED is quasi-terminal and gets a completion timestamp.
	DeliveryConfirmation bool
}

// Worker is the fax pipeline daemon core
type Worker struct {
	logger        *slog.Logger
	store         JobStore
	gateway       GatewayClient
	encoder       PayloadEncoder
	rabbitClient  *rabbitmq.Client
	concurrency   int
	prefetchCount int
	spoolDir      string
	archiveDir    string
	confirmMode   bool

	leases   *leaseRegistry
	sched    *scheduler.Scheduler
	jobsChan chan *domain.JobMessage
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWorker creates a worker instance
func NewWorker(cfg *Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	w := &Worker{
		logger:        cfg.Logger,
		store:         cfg.Store,
		gateway:       cfg.Gateway,
		encoder:       cfg.Encoder,
		rabbitClient:  cfg.RabbitClient,
		concurrency:   concurrency,
		prefetchCount: cfg.PrefetchCount,
		spoolDir:      cfg.SpoolDir,
		archiveDir:    cfg.ArchiveDir,
		confirmMode:   cfg.DeliveryConfirmation,
		leases:        newLeaseRegistry(),
		jobsChan:      make(chan *domain.JobMessage, concurrency*2),
		stopChan:      make(chan struct{}),
	}
	w.sched = scheduler.New(w.releaseForRetry, cfg.Logger)
	return w
}

// Start recovers persisted work, spawns the pool, and (when a queue client is
// configured) begins consuming job messages. Blocks until ctx is canceled.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting fax pipeline worker",
		slog.Int("concurrency", w.concurrency),
		slog.Bool("delivery_confirmation", w.confirmMode),
	)

	w.spawnPool(ctx)

	if err := w.recover(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	if w.rabbitClient != nil {
		deliveries, err := w.setupConsumer()
		if err != nil {
			return fmt.Errorf("setup consumer: %w", err)
		}
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.dispatchDeliveries(ctx, deliveries)
		}()
	}

	<-ctx.Done()
	w.logger.Info("Fax pipeline worker context canceled, stopping")
	return nil
}

// Stop drains the pool and cancels pending retries
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("Stopping fax pipeline worker")
		close(w.stopChan)
		w.sched.Stop()
		w.wg.Wait()
		w.logger.Info("Fax pipeline worker stopped")
	})
}

// Ingest is the pipeline entry point for in-process producers (the folder
// watcher). It persists a QUEUED job from the bundle and dispatches it.
func (w *Worker) Ingest(ctx context.Context, bundle *domain.DocumentBundle) (*domain.JobRecord, error) {
	job := domain.NewJobRecord(bundle, time.Now().UTC())

	if err := w.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("persist ingested job: %w", err)
	}

	w.logger.Info("Document ingested",
		slog.String("job_id", job.JobID),
		slog.String("document", bundle.Path),
		slog.String("recipient", bundle.RecipientFaxNumber),
	)

	w.dispatch(&domain.JobMessage{JobID: job.JobID})
	return job, nil
}

// dispatch hands a message to the pool, giving up on shutdown
func (w *Worker) dispatch(msg *domain.JobMessage) {
	select {
	case w.jobsChan <- msg:
	case <-w.stopChan:
		w.logger.Warn("Dropping dispatch during shutdown; job will be recovered on restart",
			slog.String("job_id", msg.JobID),
		)
	}
}

// releaseRetryDelay re-arms a release that found the pool inbox full
const releaseRetryDelay = time.Second

// releaseForRetry is the scheduler's release callback: the parked job goes
// back into the pool as a retry message. It must never block: a pool worker
// can trigger a release synchronously (manual retry-now), and a blocking send
// into a full inbox from inside the pool would wedge consumption. A release
// that finds the inbox full is re-armed on a short timer instead.
func (w *Worker) releaseForRetry(jobID string) {
	select {
	case w.jobsChan <- &domain.JobMessage{JobID: jobID, Retry: true}:
	case <-w.stopChan:
		w.logger.Warn("Dropping retry release during shutdown; job will be recovered on restart",
			slog.String("job_id", jobID),
		)
	default:
		w.logger.Warn("Pool inbox full, re-arming retry release",
			slog.String("job_id", jobID),
		)
		w.sched.Schedule(jobID, releaseRetryDelay)
	}
}

// recover re-drives persisted work after a restart: stale mid-flight statuses
// are reset to QUEUED (an accepted at-least-once window), queued jobs are
// redispatched, and parked RETRYING jobs get their backoff timers re-armed.
func (w *Worker) recover(ctx context.Context) error {
	if _, err := w.store.RequeueStale(ctx); err != nil {
		return err
	}

	queued, err := w.store.ListByStatus(ctx, domain.StatusQueued, 0)
	if err != nil {
		return err
	}
	for i := range queued {
		w.dispatch(&domain.JobMessage{JobID: queued[i].JobID})
	}

	retrying, err := w.store.ListByStatus(ctx, domain.StatusRetrying, 0)
	if err != nil {
		return err
	}
	for i := range retrying {
		w.sched.Schedule(retrying[i].JobID, retrying[i].RetryDelay())
	}

	if len(queued) > 0 || len(retrying) > 0 {
		w.logger.Info("Recovered persisted fax jobs",
			slog.Int("queued", len(queued)),
			slog.Int("retrying", len(retrying)),
		)
	}
	return nil
}
