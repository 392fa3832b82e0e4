// Package janitor enforces the liveness rules of the job lifecycle. Nothing
// in the request path waits on a timeout: workers that stop registering,
// jobs that stop heartbeating, and clients that walk away are all reaped by
// periodic sweeps over the database.
//
// A sweep runs the reapers in a fixed order:
//  1. Online workers that missed their registration window go offline; their
//     running jobs fail (worker_lost) and their assigned jobs return to the
//     queue.
//  2. Jobs stuck in assigned past the assignment timeout return to the queue
//     and the unresponsive worker is told to drop them.
//  3. Running jobs whose heartbeat went silent fail (heartbeat_lost).
//  4. Pending jobs past the pending timeout fail (no_eligible_worker) when
//     no registered worker, online or not, could ever serve them.
//  5. Jobs stuck in canceling past the assignment timeout are forced to
//     canceled.
//  6. Active-mode jobs whose client stopped heartbeating follow the cancel
//     flow (client_disconnected).
//
// Every reap is one conditional transaction guarded on the current state, so
// sweeps are re-entrant and safe to run on several replicas at once: the
// loser of a race sees a conflict and moves on. A failure on one row never
// aborts the rest of the sweep.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/dffmpeg-io/coordinator/internal/config"
	"github.com/dffmpeg-io/coordinator/internal/db"
	"github.com/dffmpeg-io/coordinator/internal/metrics"
	"github.com/dffmpeg-io/coordinator/internal/repositories"
	"github.com/dffmpeg-io/coordinator/internal/transport"
)

// sweepTimeout bounds one sweep or purge run.
const sweepTimeout = 30 * time.Second

// purgeInterval is how often the retention purge runs. Purges are cheap but
// there is no point running them on every sweep tick.
const purgeInterval = time.Minute

// Retention bundles the purge windows the janitor enforces.
type Retention struct {
	// DeliveredMessages is how long drained downlink rows stick around.
	DeliveredMessages time.Duration

	// UndeliveredMessages is the TTL for rows nobody ever drained, for
	// example messages queued for a worker that vanished.
	UndeliveredMessages time.Duration

	// JobLogs is how long log chunks outlive their job's terminal state.
	JobLogs time.Duration
}

// Janitor owns the sweep and purge schedules.
// The zero value is not usable — create instances with New.
type Janitor struct {
	cron       gocron.Scheduler
	cfg        config.JanitorConfig
	retention  Retention
	jobs       repositories.JobRepository
	workers    repositories.WorkerRepository
	downlinks  repositories.DownlinkRepository
	transports *transport.Manager
	kick       func()
	logger     *zap.Logger

	// now is stubbed in tests.
	now func() time.Time
}

// New creates a Janitor. Call Start to begin sweeping. kick is invoked after
// a sweep returns jobs to the queue so the scheduler retries them right
// away; pass nil to opt out.
func New(
	cfg config.JanitorConfig,
	retention Retention,
	jobs repositories.JobRepository,
	workers repositories.WorkerRepository,
	downlinks repositories.DownlinkRepository,
	transports *transport.Manager,
	kick func(),
	logger *zap.Logger,
) (*Janitor, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("janitor: create scheduler: %w", err)
	}

	return &Janitor{
		cron:       cron,
		cfg:        cfg,
		retention:  retention,
		jobs:       jobs,
		workers:    workers,
		downlinks:  downlinks,
		transports: transports,
		kick:       kick,
		logger:     logger.Named("janitor"),
		now:        time.Now,
	}, nil
}

// Start registers the sweep and purge jobs and begins ticking. Runs never
// overlap themselves: a sweep that outlasts the tick delays the next one.
func (j *Janitor) Start() error {
	_, err := j.cron.NewJob(
		gocron.DurationJob(j.cfg.Tick),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
			defer cancel()
			j.Sweep(ctx, j.now().UTC())
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("janitor: schedule sweep: %w", err)
	}

	_, err = j.cron.NewJob(
		gocron.DurationJob(purgeInterval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
			defer cancel()
			j.Purge(ctx, j.now().UTC())
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("janitor: schedule purge: %w", err)
	}

	j.cron.Start()
	j.logger.Info("janitor started", zap.Duration("tick", j.cfg.Tick))
	return nil
}

// Stop shuts the schedule down, waiting for a run in flight to finish.
func (j *Janitor) Stop() error {
	if err := j.cron.Shutdown(); err != nil {
		return fmt.Errorf("janitor: shutdown: %w", err)
	}
	j.logger.Info("janitor stopped")
	return nil
}

// Sweep applies every liveness rule once against the state at now. This is
// the unit the schedule drives; tests call it directly.
func (j *Janitor) Sweep(ctx context.Context, now time.Time) {
	requeued := j.reapLostWorkers(ctx, now)
	requeued += j.requeueStaleAssignments(ctx, now)
	j.reapSilentJobs(ctx, now)
	j.failStrandedPending(ctx, now)
	j.forceStuckCancels(ctx, now)
	j.reapAbandonedClients(ctx, now)
	j.refreshGauges(ctx)

	if requeued > 0 && j.kick != nil {
		j.kick()
	}
}

// reapLostWorkers flips online workers that missed their registration window
// to offline and cleans up the jobs they held: running jobs have lost their
// process and fail, assigned jobs were never picked up and return to the
// queue. Canceling jobs are left alone here; forceStuckCancels resolves them
// to canceled, preserving the client's intent. The lost worker gets no
// notice — when it re-registers it finds its jobs gone.
func (j *Janitor) reapLostWorkers(ctx context.Context, now time.Time) int {
	online, err := j.workers.ListOnline(ctx)
	if err != nil {
		j.logger.Error("sweep: list online workers", zap.Error(err))
		return 0
	}

	requeued := 0
	for _, w := range online {
		window := scale(time.Duration(w.RegistrationIntervalS)*time.Second, j.cfg.WorkerThresholdFactor)
		if now.Sub(w.LastSeenAt) <= window {
			continue
		}

		if err := j.workers.MarkOffline(ctx, w.WorkerID, now); err != nil {
			j.logger.Error("sweep: mark worker offline",
				zap.String("worker_id", w.WorkerID), zap.Error(err))
			continue
		}
		metrics.JanitorActions.WithLabelValues("worker_offlined").Inc()
		j.logger.Warn("worker lost",
			zap.String("worker_id", w.WorkerID),
			zap.Time("last_seen_at", w.LastSeenAt),
		)

		held, _, err := j.jobs.List(ctx, repositories.JobFilter{
			States:     []string{db.JobRunning, db.JobAssigned},
			AssigneeID: w.WorkerID,
		})
		if err != nil {
			j.logger.Error("sweep: list jobs of lost worker",
				zap.String("worker_id", w.WorkerID), zap.Error(err))
			continue
		}

		for _, job := range held {
			switch job.State {
			case db.JobRunning:
				j.failJob(ctx, job, db.FailureWorkerLost, now)
			case db.JobAssigned:
				if j.requeueJob(ctx, job, now, false) {
					requeued++
				}
			}
		}
	}
	return requeued
}

// requeueStaleAssignments returns jobs to the queue when their worker sat on
// the assignment too long without accepting. The worker is still registering
// (or reapLostWorkers would have claimed it first), so it also gets a cancel
// notice for the job it ignored. The requeue count per job is observable in
// the logs; it is not persisted.
func (j *Janitor) requeueStaleAssignments(ctx context.Context, now time.Time) int {
	assigned, err := j.jobs.ListByStates(ctx, db.JobAssigned)
	if err != nil {
		j.logger.Error("sweep: list assigned jobs", zap.Error(err))
		return 0
	}

	requeued := 0
	for _, job := range assigned {
		basis := job.StateEnteredAt
		if job.AssignedAt != nil {
			basis = *job.AssignedAt
		}
		if now.Sub(basis) <= j.cfg.AssignmentTimeout {
			continue
		}
		if j.requeueJob(ctx, job, now, true) {
			requeued++
		}
	}
	return requeued
}

// reapSilentJobs fails running jobs whose heartbeat went silent even though
// the worker still registers. The grace window scales with the heartbeat
// interval the job was submitted with. Canceling jobs are exempt: once
// cancellation is requested the job resolves to canceled no matter what the
// worker does.
func (j *Janitor) reapSilentJobs(ctx context.Context, now time.Time) {
	running, err := j.jobs.ListByStates(ctx, db.JobRunning)
	if err != nil {
		j.logger.Error("sweep: list running jobs", zap.Error(err))
		return
	}

	for _, job := range running {
		window := scale(time.Duration(job.HeartbeatIntervalS)*time.Second, j.cfg.HeartbeatThresholdFactor)
		if now.Sub(heartbeatBasis(job)) <= window {
			continue
		}
		j.failJob(ctx, job, db.FailureHeartbeatLost, now)
	}
}

// failStrandedPending fails pending jobs that waited past the pending
// timeout and that no registered worker, whatever its current status, could
// ever serve. A capable worker that is merely offline keeps the job waiting:
// it may come back.
func (j *Janitor) failStrandedPending(ctx context.Context, now time.Time) {
	pending, err := j.jobs.ListByStates(ctx, db.JobPending)
	if err != nil {
		j.logger.Error("sweep: list pending jobs", zap.Error(err))
		return
	}

	for _, job := range pending {
		if now.Sub(job.CreatedAt) <= j.cfg.PendingTimeout {
			continue
		}
		covered, err := j.workers.AnyCovering(ctx, job.Binary, job.RequiredVariables)
		if err != nil {
			j.logger.Error("sweep: capability probe",
				zap.String("job_id", job.JobID), zap.Error(err))
			continue
		}
		if covered {
			continue
		}
		j.failJob(ctx, job, db.FailureNoEligibleWorker, now)
	}
}

// forceStuckCancels resolves canceling jobs whose worker never confirmed
// within the assignment timeout. This is the only reaper that terminates
// canceling jobs, so a cancel always lands in canceled even when the worker
// vanished mid-flight.
func (j *Janitor) forceStuckCancels(ctx context.Context, now time.Time) {
	canceling, err := j.jobs.ListByStates(ctx, db.JobCanceling)
	if err != nil {
		j.logger.Error("sweep: list canceling jobs", zap.Error(err))
		return
	}

	for _, job := range canceling {
		if now.Sub(job.StateEnteredAt) <= j.cfg.AssignmentTimeout {
			continue
		}

		next := job
		next.State = db.JobCanceled
		planned, err := j.planForSubmitter(next, now)
		if err != nil {
			j.logger.Error("sweep: build notification",
				zap.String("job_id", job.JobID), zap.Error(err))
			continue
		}

		ok := j.reap(ctx, repositories.TransitionRequest{
			JobID: job.JobID,
			From:  []string{db.JobCanceling},
			To:    db.JobCanceled,
			Now:   now,
			Set:   map[string]interface{}{"ended_at": now},
		}, planned)
		if ok {
			metrics.JanitorActions.WithLabelValues("cancel_forced").Inc()
			j.logger.Warn("cancel forced",
				zap.String("job_id", job.JobID),
				zap.String("worker_id", job.AssigneeID),
			)
		}
	}
}

// reapAbandonedClients cancels active-mode jobs whose submitter stopped
// heartbeating. Queued jobs cancel directly; jobs on a worker go through
// canceling so the worker can stop the process first. Detached jobs never
// expire this way, and neither do jobs with no client signal on record.
func (j *Janitor) reapAbandonedClients(ctx context.Context, now time.Time) {
	candidates, err := j.jobs.ListByStates(ctx, db.JobPending, db.JobAssigned, db.JobRunning)
	if err != nil {
		j.logger.Error("sweep: list watched jobs", zap.Error(err))
		return
	}

	for _, job := range candidates {
		if job.Mode != db.ModeActive || job.ClientLastSeenAt == nil {
			continue
		}
		window := scale(time.Duration(job.HeartbeatIntervalS)*time.Second, j.cfg.ClientLivenessFactor)
		if now.Sub(*job.ClientLastSeenAt) <= window {
			continue
		}

		if j.startClientCancel(ctx, job, now) {
			metrics.JanitorActions.WithLabelValues("client_disconnected").Inc()
			j.logger.Warn("client gone, canceling job",
				zap.String("job_id", job.JobID),
				zap.String("submitter_id", job.SubmitterID),
				zap.Timep("client_last_seen_at", job.ClientLastSeenAt),
			)
		}
	}
}

// startClientCancel runs the cancel flow for one abandoned job: pending rows
// terminate immediately, assigned and running rows move to canceling and the
// worker is notified.
func (j *Janitor) startClientCancel(ctx context.Context, job db.Job, now time.Time) bool {
	if job.State == db.JobPending {
		next := job
		next.State = db.JobCanceled
		next.FailureKind = db.FailureClientDisconnected
		planned, err := j.planForSubmitter(next, now)
		if err != nil {
			j.logger.Error("sweep: build notification",
				zap.String("job_id", job.JobID), zap.Error(err))
			return false
		}
		return j.reap(ctx, repositories.TransitionRequest{
			JobID: job.JobID,
			From:  []string{db.JobPending},
			To:    db.JobCanceled,
			Now:   now,
			Set: map[string]interface{}{
				"failure_kind": db.FailureClientDisconnected,
				"ended_at":     now,
			},
		}, planned)
	}

	next := job
	next.State = db.JobCanceling
	next.FailureKind = db.FailureClientDisconnected

	canceled, err := transport.NewJobCanceled(next, now)
	if err != nil {
		j.logger.Error("sweep: build notification",
			zap.String("job_id", job.JobID), zap.Error(err))
		return false
	}
	changed, err := transport.NewJobStateChanged(next, now)
	if err != nil {
		j.logger.Error("sweep: build notification",
			zap.String("job_id", job.JobID), zap.Error(err))
		return false
	}
	planned := []transport.Planned{
		j.transports.Plan(j.workerChoice(ctx, job.AssigneeID), transport.WorkerRoute(job.AssigneeID), canceled),
		j.transports.Plan(job.TransportChoice, transport.JobRoute(job), changed),
	}

	return j.reap(ctx, repositories.TransitionRequest{
		JobID: job.JobID,
		From:  []string{db.JobAssigned, db.JobRunning},
		To:    db.JobCanceling,
		Now:   now,
		Set:   map[string]interface{}{"failure_kind": db.FailureClientDisconnected},
	}, planned)
}

// failJob moves a live job to failed with the given kind and tells the
// submitter.
func (j *Janitor) failJob(ctx context.Context, job db.Job, kind string, now time.Time) {
	next := job
	next.State = db.JobFailed
	next.FailureKind = kind

	planned, err := j.planForSubmitter(next, now)
	if err != nil {
		j.logger.Error("sweep: build notification",
			zap.String("job_id", job.JobID), zap.Error(err))
		return
	}

	ok := j.reap(ctx, repositories.TransitionRequest{
		JobID: job.JobID,
		From:  []string{job.State},
		To:    db.JobFailed,
		Now:   now,
		Set: map[string]interface{}{
			"failure_kind": kind,
			"ended_at":     now,
		},
	}, planned)
	if ok {
		metrics.JanitorActions.WithLabelValues(kind).Inc()
		j.logger.Warn("job failed by sweep",
			zap.String("job_id", job.JobID),
			zap.String("failure_kind", kind),
			zap.String("worker_id", job.AssigneeID),
		)
	}
}

// requeueJob returns an assigned job to the queue. When notifyWorker is set
// the worker is told to drop the job it sat on; requeues caused by a lost
// worker skip the notice.
func (j *Janitor) requeueJob(ctx context.Context, job db.Job, now time.Time, notifyWorker bool) bool {
	next := job
	next.State = db.JobPending
	next.AssigneeID = ""
	next.AssignedAt = nil

	var planned []transport.Planned
	if notifyWorker {
		canceled, err := transport.NewJobCanceled(job, now)
		if err != nil {
			j.logger.Error("sweep: build notification",
				zap.String("job_id", job.JobID), zap.Error(err))
			return false
		}
		planned = append(planned,
			j.transports.Plan(j.workerChoice(ctx, job.AssigneeID), transport.WorkerRoute(job.AssigneeID), canceled))
	}

	changed, err := transport.NewJobStateChanged(next, now)
	if err != nil {
		j.logger.Error("sweep: build notification",
			zap.String("job_id", job.JobID), zap.Error(err))
		return false
	}
	planned = append(planned, j.transports.Plan(job.TransportChoice, transport.JobRoute(job), changed))

	ok := j.reap(ctx, repositories.TransitionRequest{
		JobID: job.JobID,
		From:  []string{db.JobAssigned},
		To:    db.JobPending,
		Now:   now,
		Set: map[string]interface{}{
			"assignee_id": "",
			"assigned_at": nil,
		},
	}, planned)
	if ok {
		metrics.JanitorActions.WithLabelValues("assignment_requeued").Inc()
		j.logger.Warn("assignment requeued",
			zap.String("job_id", job.JobID),
			zap.String("worker_id", job.AssigneeID),
		)
	}
	return ok
}

// reap applies one guarded transition with its persisted notifications and,
// on success, delivers them. A conflict means another sweep or handler got
// there first; that is the re-entrancy working, not an error.
func (j *Janitor) reap(ctx context.Context, req repositories.TransitionRequest, planned []transport.Planned) bool {
	req.Messages = transport.ToPersist(planned...)
	if _, err := j.jobs.Transition(ctx, req); err != nil {
		if !errors.Is(err, repositories.ErrConflict) && !errors.Is(err, repositories.ErrNotFound) {
			j.logger.Error("sweep: transition",
				zap.String("job_id", req.JobID),
				zap.String("to", req.To),
				zap.Error(err))
		}
		return false
	}
	j.transports.Deliver(ctx, planned...)
	return true
}

// planForSubmitter plans the job_state_changed notice for the submitter.
// next carries the post-transition snapshot.
func (j *Janitor) planForSubmitter(next db.Job, now time.Time) ([]transport.Planned, error) {
	changed, err := transport.NewJobStateChanged(next, now)
	if err != nil {
		return nil, err
	}
	return []transport.Planned{
		j.transports.Plan(next.TransportChoice, transport.JobRoute(next), changed),
	}, nil
}

// workerChoice looks up the worker's negotiated transport. An unknown worker
// yields "", which Plan resolves to the http_polling fallback.
func (j *Janitor) workerChoice(ctx context.Context, workerID string) string {
	worker, err := j.workers.Get(ctx, workerID)
	if err != nil {
		return ""
	}
	return worker.TransportChoice
}

// jobStates and workerStatuses enumerate the gauge label values so a state
// that empties out drops back to zero instead of holding its last reading.
var jobStates = []string{
	db.JobPending, db.JobAssigned, db.JobRunning, db.JobCanceling,
	db.JobCompleted, db.JobFailed, db.JobCanceled,
}

var workerStatuses = []string{db.WorkerOnline, db.WorkerOffline}

// refreshGauges republishes the fleet gauges from the authoritative counts.
func (j *Janitor) refreshGauges(ctx context.Context) {
	jobCounts, err := j.jobs.CountsByState(ctx)
	if err != nil {
		j.logger.Error("sweep: job counts", zap.Error(err))
	} else {
		for _, state := range jobStates {
			metrics.JobsByState.WithLabelValues(state).Set(float64(jobCounts[state]))
		}
	}

	workerCounts, err := j.workers.CountsByStatus(ctx)
	if err != nil {
		j.logger.Error("sweep: worker counts", zap.Error(err))
		return
	}
	for _, status := range workerStatuses {
		metrics.WorkersByStatus.WithLabelValues(status).Set(float64(workerCounts[status]))
	}
}

// Purge deletes rows that aged out of their retention windows: drained
// downlink messages, messages nobody ever picked up, and log chunks of jobs
// that have been terminal for a while.
func (j *Janitor) Purge(ctx context.Context, now time.Time) {
	if n, err := j.downlinks.PurgeDelivered(ctx, now.Add(-j.retention.DeliveredMessages)); err != nil {
		j.logger.Error("purge delivered messages", zap.Error(err))
	} else if n > 0 {
		j.logger.Info("purged delivered messages", zap.Int64("rows", n))
	}

	if n, err := j.downlinks.PurgeUndelivered(ctx, now.Add(-j.retention.UndeliveredMessages)); err != nil {
		j.logger.Error("purge undelivered messages", zap.Error(err))
	} else if n > 0 {
		j.logger.Info("purged undelivered messages", zap.Int64("rows", n))
	}

	if n, err := j.jobs.PurgeLogs(ctx, now.Add(-j.retention.JobLogs)); err != nil {
		j.logger.Error("purge job logs", zap.Error(err))
	} else if n > 0 {
		j.logger.Info("purged job logs", zap.Int64("chunks", n))
	}
}

// scale stretches an interval by a configured factor.
func scale(d time.Duration, factor float64) time.Duration {
	return time.Duration(float64(d) * factor)
}

// heartbeatBasis is the newest liveness signal on record for a running job.
func heartbeatBasis(job db.Job) time.Time {
	switch {
	case job.LastHeartbeatAt != nil:
		return *job.LastHeartbeatAt
	case job.StartedAt != nil:
		return *job.StartedAt
	default:
		return job.StateEnteredAt
	}
}
