package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dffmpeg-io/coordinator/internal/db"
)

// gormJobRepository is the GORM implementation of JobRepository.
type gormJobRepository struct {
	db *gorm.DB
}

// NewJobRepository returns a JobRepository backed by the provided *gorm.DB.
func NewJobRepository(db *gorm.DB) JobRepository {
	return &gormJobRepository{db: db}
}

// Create inserts a new job record into the database.
func (r *gormJobRepository) Create(ctx context.Context, job *db.Job) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("jobs: create: %w", err)
	}
	return nil
}

// Get retrieves a job by its ULID.
// Returns ErrNotFound if no record exists.
func (r *gormJobRepository) Get(ctx context.Context, jobID string) (*db.Job, error) {
	var job db.Job
	err := r.db.WithContext(ctx).First(&job, "job_id = ?", jobID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get: %w", err)
	}
	return &job, nil
}

// List returns jobs matching the filter and the total count of matches.
// Results are ordered by job_id ascending, which for ULIDs is submission
// order, so SinceID pages forward chronologically.
func (r *gormJobRepository) List(ctx context.Context, filter JobFilter) ([]db.Job, int64, error) {
	var jobs []db.Job
	var total int64

	apply := func(q *gorm.DB) *gorm.DB {
		if len(filter.States) > 0 {
			q = q.Where("state IN ?", filter.States)
		}
		if filter.SubmitterID != "" {
			q = q.Where("submitter_id = ?", filter.SubmitterID)
		}
		if filter.AssigneeID != "" {
			q = q.Where("assignee_id = ?", filter.AssigneeID)
		}
		if filter.SinceID != "" {
			q = q.Where("job_id > ?", filter.SinceID)
		}
		if filter.ActiveSince != nil {
			q = q.Where("updated_at >= ?", *filter.ActiveSince)
		}
		return q
	}

	if err := apply(r.db.WithContext(ctx).Model(&db.Job{})).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list count: %w", err)
	}

	q := apply(r.db.WithContext(ctx)).Order("job_id ASC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if err := q.Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list: %w", err)
	}

	return jobs, total, nil
}

// ListByStates returns all jobs in any of the given states, oldest first.
func (r *gormJobRepository) ListByStates(ctx context.Context, states ...string) ([]db.Job, error) {
	var jobs []db.Job
	if err := r.db.WithContext(ctx).
		Where("state IN ?", states).
		Order("job_id ASC").
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("jobs: list by states: %w", err)
	}
	return jobs, nil
}

// Transition performs a guarded state change in one transaction. The UPDATE
// is conditional on the current state being in req.From; a transition that
// loses a race sees zero rows affected and reports ErrConflict, so terminal
// states stay absorbing no matter how requests interleave.
func (r *gormJobRepository) Transition(ctx context.Context, req TransitionRequest) (*db.Job, error) {
	var out db.Job

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"state":            req.To,
			"state_entered_at": req.Now,
			"updated_at":       req.Now,
		}
		for column, value := range req.Set {
			updates[column] = value
		}

		result := tx.Model(&db.Job{}).
			Where("job_id = ? AND state IN ?", req.JobID, req.From).
			UpdateColumns(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&db.Job{}).
				Where("job_id = ?", req.JobID).
				Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return ErrNotFound
			}
			return ErrConflict
		}

		for i := range req.Messages {
			if err := tx.Create(&req.Messages[i]).Error; err != nil {
				return err
			}
		}

		return tx.First(&out, "job_id = ?", req.JobID).Error
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("jobs: transition to %s: %w", req.To, err)
	}

	return &out, nil
}

// AssignOne atomically claims the oldest assignable pending job for the
// least busy eligible worker. On PostgreSQL the pending rows are read with
// FOR UPDATE SKIP LOCKED so concurrent replicas claim disjoint jobs; on
// SQLite the conditional UPDATE guard alone is enough because writers are
// serialized. Eligibility (binary advertised, variables covered, slot free)
// is evaluated in Go since the capability columns are JSON arrays.
func (r *gormJobRepository) AssignOne(ctx context.Context, req AssignRequest) (*db.Job, *db.Worker, error) {
	var (
		outJob    db.Job
		outWorker db.Worker
	)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var workers []db.Worker
		if err := tx.Where("status = ?", db.WorkerOnline).
			Order("worker_id ASC").
			Find(&workers).Error; err != nil {
			return err
		}
		if len(workers) == 0 {
			return ErrNoneEligible
		}

		load, err := activeCounts(tx)
		if err != nil {
			return err
		}

		pendingQuery := tx.Where("state = ?", db.JobPending).Order("job_id ASC")
		if db.SupportsRowLocking(tx) {
			pendingQuery = pendingQuery.Clauses(clause.Locking{
				Strength: "UPDATE",
				Options:  "SKIP LOCKED",
			})
		}
		var pending []db.Job
		if err := pendingQuery.Find(&pending).Error; err != nil {
			return err
		}

		for _, job := range pending {
			worker := pickWorker(workers, load, job, req.MaxPerWorker)
			if worker == nil {
				continue
			}

			result := tx.Model(&db.Job{}).
				Where("job_id = ? AND state = ?", job.JobID, db.JobPending).
				UpdateColumns(map[string]interface{}{
					"state":            db.JobAssigned,
					"assignee_id":      worker.WorkerID,
					"assigned_at":      req.Now,
					"state_entered_at": req.Now,
					"updated_at":       req.Now,
				})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				// Claimed by a concurrent pass between our read and update.
				continue
			}

			job.State = db.JobAssigned
			job.AssigneeID = worker.WorkerID
			now := req.Now
			job.AssignedAt = &now
			job.StateEnteredAt = req.Now
			job.UpdatedAt = req.Now

			if req.OnAssigned != nil {
				messages, err := req.OnAssigned(job, *worker)
				if err != nil {
					return err
				}
				if len(messages) > 0 {
					if err := tx.Create(&messages).Error; err != nil {
						return err
					}
				}
			}

			outJob = job
			outWorker = *worker
			return nil
		}

		return ErrNoneEligible
	})
	if err != nil {
		if errors.Is(err, ErrNoneEligible) {
			return nil, nil, ErrNoneEligible
		}
		return nil, nil, fmt.Errorf("jobs: assign one: %w", err)
	}

	return &outJob, &outWorker, nil
}

// pickWorker returns the eligible worker with the fewest active jobs,
// breaking ties by worker_id (workers arrive sorted). Returns nil when no
// worker can take the job.
func pickWorker(workers []db.Worker, load map[string]int, job db.Job, maxPerWorker int) *db.Worker {
	var best *db.Worker
	bestLoad := 0

	for i := range workers {
		w := &workers[i]
		if !w.AdvertisedBinaries.Contains(job.Binary) {
			continue
		}
		if !w.AdvertisedVariables.ContainsAll(job.RequiredVariables) {
			continue
		}
		n := load[w.WorkerID]
		if maxPerWorker > 0 && n >= maxPerWorker {
			continue
		}
		if best == nil || n < bestLoad {
			best = w
			bestLoad = n
		}
	}

	return best
}

// activeCounts returns the number of slot-occupying jobs per worker using
// the given handle (callers pass their transaction).
func activeCounts(tx *gorm.DB) (map[string]int, error) {
	var rows []struct {
		AssigneeID string
		N          int
	}
	if err := tx.Model(&db.Job{}).
		Select("assignee_id, COUNT(*) AS n").
		Where("state IN ? AND assignee_id <> ''", db.ActiveJobStates).
		Group("assignee_id").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	load := make(map[string]int, len(rows))
	for _, row := range rows {
		load[row.AssigneeID] = row.N
	}
	return load, nil
}

// RunningCounts returns the number of active jobs (assigned, running,
// canceling) per worker.
func (r *gormJobRepository) RunningCounts(ctx context.Context) (map[string]int, error) {
	load, err := activeCounts(r.db.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("jobs: running counts: %w", err)
	}
	return load, nil
}

// CountsByState returns the number of jobs per state.
func (r *gormJobRepository) CountsByState(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		State string
		N     int64
	}
	if err := r.db.WithContext(ctx).Model(&db.Job{}).
		Select("state, COUNT(*) AS n").
		Group("state").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("jobs: counts by state: %w", err)
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.State] = row.N
	}
	return counts, nil
}

// Heartbeat refreshes last_heartbeat_at for a running or canceling job held
// by workerID. The guard keeps the timestamp monotonic: a delayed signal
// carrying an older time never rewinds it. The current row is returned
// regardless of whether the update applied so the worker observes state
// changes (in particular canceling) piggybacked on its own heartbeat.
func (r *gormJobRepository) Heartbeat(ctx context.Context, jobID, workerID string, seenAt time.Time) (*db.Job, error) {
	result := r.db.WithContext(ctx).Model(&db.Job{}).
		Where("job_id = ? AND assignee_id = ? AND state IN ?", jobID, workerID, []string{db.JobRunning, db.JobCanceling}).
		Where("last_heartbeat_at IS NULL OR last_heartbeat_at <= ?", seenAt).
		UpdateColumns(map[string]interface{}{
			"last_heartbeat_at": seenAt,
			"updated_at":        seenAt,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("jobs: heartbeat: %w", result.Error)
	}

	return r.Get(ctx, jobID)
}

// TouchClient refreshes client_last_seen_at. Client reads do not count as
// job activity, so updated_at is left alone.
func (r *gormJobRepository) TouchClient(ctx context.Context, jobID string, seenAt time.Time) error {
	result := r.db.WithContext(ctx).Model(&db.Job{}).
		Where("job_id = ?", jobID).
		Where("client_last_seen_at IS NULL OR client_last_seen_at <= ?", seenAt).
		UpdateColumn("client_last_seen_at", seenAt)
	if result.Error != nil {
		return fmt.Errorf("jobs: touch client: %w", result.Error)
	}
	return nil
}

// AppendLogs appends entries with densely increasing sequence numbers. The
// next seq is MAX(seq)+1 read inside the transaction; on PostgreSQL the job
// row is locked first so two replicas cannot mint the same number. Appends
// from the assigned worker double as a liveness signal.
//
// Returns ErrConflict when the job is not in a state that accepts logs
// (running or canceling).
func (r *gormJobRepository) AppendLogs(ctx context.Context, jobID, workerID string, entries []LogEntry, now time.Time) (int64, int64, error) {
	if len(entries) == 0 {
		return 0, 0, fmt.Errorf("jobs: append logs: no entries")
	}

	var firstSeq, lastSeq int64

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		jobQuery := tx
		if db.SupportsRowLocking(tx) {
			jobQuery = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var job db.Job
		if err := jobQuery.First(&job, "job_id = ?", jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if job.State != db.JobRunning && job.State != db.JobCanceling {
			return ErrConflict
		}

		var maxSeq int64
		if err := tx.Model(&db.LogChunk{}).
			Where("job_id = ?", jobID).
			Select("COALESCE(MAX(seq), -1)").
			Scan(&maxSeq).Error; err != nil {
			return err
		}

		chunks := make([]db.LogChunk, len(entries))
		for i, entry := range entries {
			chunks[i] = db.LogChunk{
				JobID:     jobID,
				Seq:       maxSeq + 1 + int64(i),
				Stream:    entry.Stream,
				Text:      entry.Text,
				EmittedAt: entry.EmittedAt,
				CreatedAt: now,
			}
		}
		if err := tx.Create(&chunks).Error; err != nil {
			return err
		}

		if err := tx.Model(&db.Job{}).
			Where("job_id = ? AND assignee_id = ?", jobID, workerID).
			Where("last_heartbeat_at IS NULL OR last_heartbeat_at <= ?", now).
			UpdateColumns(map[string]interface{}{
				"last_heartbeat_at": now,
				"updated_at":        now,
			}).Error; err != nil {
			return err
		}

		firstSeq = maxSeq + 1
		lastSeq = maxSeq + int64(len(entries))
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
			return 0, 0, err
		}
		return 0, 0, fmt.Errorf("jobs: append logs: %w", err)
	}

	return firstSeq, lastSeq, nil
}

// GetLogs returns up to limit chunks with seq >= sinceSeq in sequence order.
func (r *gormJobRepository) GetLogs(ctx context.Context, jobID string, sinceSeq int64, limit int) ([]db.LogChunk, error) {
	query := r.db.WithContext(ctx).
		Where("job_id = ? AND seq >= ?", jobID, sinceSeq).
		Order("seq ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var chunks []db.LogChunk
	if err := query.Find(&chunks).Error; err != nil {
		return nil, fmt.Errorf("jobs: get logs: %w", err)
	}
	return chunks, nil
}

// PurgeLogs deletes log chunks of jobs that reached a terminal state before
// the cutoff. Chunks of live jobs are never touched.
func (r *gormJobRepository) PurgeLogs(ctx context.Context, endedBefore time.Time) (int64, error) {
	ended := r.db.Model(&db.Job{}).
		Select("job_id").
		Where("state IN ? AND ended_at IS NOT NULL AND ended_at < ?", db.TerminalJobStates, endedBefore)

	result := r.db.WithContext(ctx).
		Where("job_id IN (?)", ended).
		Delete(&db.LogChunk{})
	if result.Error != nil {
		return 0, fmt.Errorf("jobs: purge logs: %w", result.Error)
	}
	return result.RowsAffected, nil
}
