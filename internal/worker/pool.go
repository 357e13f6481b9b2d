package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mcfax/faxpipe/internal/worker/domain"
)

// leasedRetryDelay is how long a retry release waits for a lease still held
// by the worker that parked the job
const leasedRetryDelay = time.Second

// spawnPool starts the bounded worker goroutines
func (w *Worker) spawnPool(ctx context.Context) {
	w.logger.Info("Spawning fax worker pool",
		slog.Int("concurrency", w.concurrency),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop is the processing loop for one pool goroutine
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("fax-worker-%d", workerNum)

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Worker goroutine stopping",
				slog.String("worker", workerName),
			)
			return

		case <-ctx.Done():
			w.logger.Info("Worker goroutine stopping - context canceled",
				slog.String("worker", workerName),
			)
			return

		case msg, ok := <-w.jobsChan:
			if !ok {
				return
			}

			err := w.processMessage(ctx, msg)

			if msg.Retry && errors.Is(err, domain.ErrJobLeased) {
				// the parking worker has not let go yet; re-arm a short timer
				// through the scheduler so the single-release guarantee holds
				w.sched.Schedule(msg.JobID, leasedRetryDelay)
				continue
			}

			if msg.FromQueue {
				w.settleDelivery(workerName, msg, err)
			} else if err != nil {
				w.logger.Error("Job processing failed",
					slog.String("worker", workerName),
					slog.String("job_id", msg.JobID),
					slog.Any("error", err),
				)
			}
		}
	}
}

// settleDelivery acks or nacks the RabbitMQ delivery behind msg
func (w *Worker) settleDelivery(workerName string, msg *domain.JobMessage, procErr error) {
	channel := w.rabbitClient.GetChannel()
	if channel == nil {
		w.logger.Error("No RabbitMQ channel available for ack/nack",
			slog.String("worker", workerName),
			slog.String("job_id", msg.JobID),
		)
		return
	}

	if procErr == nil {
		if err := channel.Ack(msg.DeliveryTag, false); err != nil {
			w.logger.Error("Failed to ACK message",
				slog.String("worker", workerName),
				slog.String("job_id", msg.JobID),
				slog.Any("error", err),
			)
		}
		return
	}

	requeue := shouldRequeue(procErr)
	w.logger.Error("Job processing failed",
		slog.String("worker", workerName),
		slog.String("job_id", msg.JobID),
		slog.Bool("requeue", requeue),
		slog.Any("error", procErr),
	)

	if err := channel.Nack(msg.DeliveryTag, false, requeue); err != nil {
		w.logger.Error("Failed to NACK message",
			slog.String("worker", workerName),
			slog.String("job_id", msg.JobID),
			slog.Any("error", err),
		)
	}
}

// shouldRequeue decides whether a failed message goes back on the queue.
// Only infrastructure failures are requeued; job-level outcomes are settled
// in the store and re-delivering them would not change anything.
func shouldRequeue(err error) bool {
	if errors.Is(err, domain.ErrJobLeased) {
		return false
	}
	if errors.Is(err, domain.ErrJobNotFound) {
		return false
	}

	var retryable *domain.RetryableError
	return errors.As(err, &retryable)
}
