// Package poller confirms delivery of submitted faxes. Deployments whose
// gateway reports per-fax state enable it to move SUBMITTED jobs to DELIVERED
// or FAILED; without it SUBMITTED is the pipeline's success terminal.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/mcfax/faxpipe/internal/gateway"
	"github.com/mcfax/faxpipe/internal/worker/domain"
)

// JobStore is the slice of the job store the poller needs
type JobStore interface {
	ListByStatus(ctx context.Context, status string, limit int) ([]domain.JobRecord, error)
	ConfirmDelivery(ctx context.Context, jobID, status, errorMessage string) error
}

// StatusClient reports the remote state of a submitted fax
type StatusClient interface {
	Status(ctx context.Context, trackingID string) (*gateway.StatusInfo, error)
}

const defaultBatchSize = 100

// Poller periodically sweeps SUBMITTED jobs and records their final state
type Poller struct {
	store    JobStore
	client   StatusClient
	logger   *slog.Logger
	schedule string
	cron     *cron.Cron
}

// New creates a poller on the given cron schedule (e.g. "@every 1m")
func New(store JobStore, client StatusClient, schedule string, logger *slog.Logger) *Poller {
	if schedule == "" {
		schedule = "@every 1m"
	}
	return &Poller{
		store:    store,
		client:   client,
		logger:   logger,
		schedule: schedule,
	}
}

// Start registers the sweep job and begins the schedule
func (p *Poller) Start(ctx context.Context) error {
	p.cron = cron.New()

	_, err := p.cron.AddFunc(p.schedule, func() {
		p.Sweep(ctx)
	})
	if err != nil {
		return fmt.Errorf("invalid poll schedule %q: %w", p.schedule, err)
	}

	p.cron.Start()
	p.logger.Info("Delivery poller started",
		slog.String("schedule", p.schedule),
	)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish
func (p *Poller) Stop() {
	if p.cron == nil {
		return
	}
	<-p.cron.Stop().Done()
	p.logger.Info("Delivery poller stopped")
}

// Sweep checks every SUBMITTED job against the gateway once. Jobs the gateway
// still reports in progress are left for the next sweep.
func (p *Poller) Sweep(ctx context.Context) {
	jobs, err := p.store.ListByStatus(ctx, domain.StatusSubmitted, defaultBatchSize)
	if err != nil {
		p.logger.Error("Failed to list submitted jobs",
			slog.Any("error", err),
		)
		return
	}

	for i := range jobs {
		job := &jobs[i]

		if job.RemoteTrackingID == "" {
			// accepted without an id; there is nothing to poll for
			continue
		}

		info, err := p.client.Status(ctx, job.RemoteTrackingID)
		if err != nil {
			p.logger.Warn("Failed to fetch remote fax state",
				slog.String("job_id", job.JobID),
				slog.String("remote_tracking_id", job.RemoteTrackingID),
				slog.Any("error", err),
			)
			continue
		}

		status, errorMessage, final := resolveRemoteState(info.State)
		if !final {
			p.logger.Debug("Fax still in progress at gateway",
				slog.String("job_id", job.JobID),
				slog.String("remote_state", info.State),
			)
			continue
		}

		if err := p.store.ConfirmDelivery(ctx, job.JobID, status, errorMessage); err != nil {
			p.logger.Error("Failed to record delivery state",
				slog.String("job_id", job.JobID),
				slog.String("status", status),
				slog.Any("error", err),
			)
			continue
		}

		p.logger.Info("Delivery state confirmed",
			slog.String("job_id", job.JobID),
			slog.String("status", status),
			slog.Int("pages", info.Pages),
		)
	}
}

// resolveRemoteState maps a gateway-reported state onto a terminal job status.
// Unknown states are treated as still in progress.
func resolveRemoteState(state string) (status, errorMessage string, final bool) {
	switch strings.ToLower(state) {
	case "complete", "completed", "done", "sent", "success":
		return domain.StatusDelivered, "", true
	case "failed", "failure", "error", "aborted":
		return domain.StatusFailed, fmt.Sprintf("gateway reported terminal state %q", state), true
	default:
		return "", "", false
	}
}
