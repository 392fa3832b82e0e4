// Package scheduler owns the pending -> assigned transition. It repeatedly
// claims the oldest pending job that some online worker can run, using the
// repository's atomic assignment primitive, and notifies the chosen worker
// and the submitter through the transport manager.
//
// Assignment flow, per claimed job:
//  1. AssignOne picks the oldest viable (job, worker) pair and flips the job
//     to assigned in one conditional transaction.
//  2. Inside that transaction, notifications bound for http_polling
//     recipients are persisted, so a crash cannot lose them.
//  3. After commit, all notifications are handed to their transports and the
//     worker's parked long-polls are woken.
//
// A pass runs until no viable pair remains. Passes are driven by a timer
// and by Kick, which API handlers call when a job is submitted, a worker
// comes online, or a job completes. Kicks coalesce: at most one extra pass
// is queued, and passes never overlap because Run executes them serially.
// Concurrent replicas are safe regardless; the claim is conditional on
// state = pending, so a lost race just moves on to the next job.
package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/dffmpeg-io/coordinator/internal/config"
	"github.com/dffmpeg-io/coordinator/internal/db"
	"github.com/dffmpeg-io/coordinator/internal/metrics"
	"github.com/dffmpeg-io/coordinator/internal/repositories"
	"github.com/dffmpeg-io/coordinator/internal/transport"
)

// Scheduler assigns pending jobs to eligible workers.
// The zero value is not usable — create instances with New.
type Scheduler struct {
	jobs         repositories.JobRepository
	transports   *transport.Manager
	tick         time.Duration
	maxPerWorker int
	logger       *zap.Logger

	kick chan struct{}

	// now is stubbed in tests.
	now func() time.Time
}

// New creates a Scheduler. Call Run to begin processing.
func New(cfg config.SchedulerConfig, jobs repositories.JobRepository, transports *transport.Manager, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		jobs:         jobs,
		transports:   transports,
		tick:         cfg.Tick,
		maxPerWorker: cfg.MaxJobsPerWorker,
		logger:       logger.Named("scheduler"),
		kick:         make(chan struct{}, 1),
		now:          time.Now,
	}
}

// Kick requests an extra pass as soon as the current one (if any) finishes.
// Kicks while one is already queued are absorbed. Never blocks; safe from
// any goroutine.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run drives assignment passes until ctx is cancelled. It should be called
// once, from the server's run group.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.logger.Info("scheduler started", zap.Duration("tick", s.tick))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		case <-s.kick:
		}
		s.pass(ctx)
	}
}

// pass assigns jobs until nothing is viable. Errors end the pass; the next
// tick retries, so a transient storage failure costs at most one tick of
// latency.
func (s *Scheduler) pass(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.SchedulerPassDuration.Observe(time.Since(start).Seconds())
	}()

	for ctx.Err() == nil {
		job, worker, err := s.assignOne(ctx)
		if err != nil {
			if !errors.Is(err, repositories.ErrNoneEligible) {
				s.logger.Error("assignment pass aborted", zap.Error(err))
			}
			return
		}

		metrics.JobsAssigned.Inc()
		s.logger.Info("job assigned",
			zap.String("job_id", job.JobID),
			zap.String("worker_id", worker.WorkerID),
			zap.String("binary", job.Binary),
		)
	}
}

// assignOne claims one job and delivers its notifications. The job_assigned
// message goes to the worker over its negotiated transport, the
// job_state_changed message to the submitter over the job's; whichever of
// those resolve to http_polling are persisted inside the claim transaction.
func (s *Scheduler) assignOne(ctx context.Context) (*db.Job, *db.Worker, error) {
	var planned []transport.Planned

	job, worker, err := s.jobs.AssignOne(ctx, repositories.AssignRequest{
		Now:          s.now().UTC(),
		MaxPerWorker: s.maxPerWorker,
		OnAssigned: func(job db.Job, worker db.Worker) ([]db.DownlinkMessage, error) {
			assigned, err := transport.NewJobAssigned(job, s.now().UTC())
			if err != nil {
				return nil, err
			}
			changed, err := transport.NewJobStateChanged(job, s.now().UTC())
			if err != nil {
				return nil, err
			}
			planned = append(planned,
				s.transports.Plan(worker.TransportChoice, transport.WorkerRoute(worker.WorkerID), assigned),
				s.transports.Plan(job.TransportChoice, transport.JobRoute(job), changed),
			)
			return transport.ToPersist(planned...), nil
		},
	})
	if err != nil {
		return nil, nil, err
	}

	s.transports.Deliver(ctx, planned...)
	return job, worker, nil
}
