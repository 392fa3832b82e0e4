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

// gormWorkerRepository is the GORM implementation of WorkerRepository.
type gormWorkerRepository struct {
	db *gorm.DB
}

// NewWorkerRepository returns a WorkerRepository backed by the provided *gorm.DB.
func NewWorkerRepository(db *gorm.DB) WorkerRepository {
	return &gormWorkerRepository{db: db}
}

// Upsert inserts the worker row or refreshes an existing one. Registration
// doubles as the worker heartbeat, so this runs on every interval; the
// capability columns are rewritten each time because workers may gain or
// lose binaries between registrations.
func (r *gormWorkerRepository) Upsert(ctx context.Context, worker *db.Worker) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "worker_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status",
			"last_seen_at",
			"registration_interval_s",
			"version",
			"advertised_binaries",
			"advertised_variables",
			"transport_choice",
			"updated_at",
		}),
	}).Create(worker).Error
	if err != nil {
		return fmt.Errorf("workers: upsert: %w", err)
	}
	return nil
}

// Get retrieves a worker by its ID.
// Returns ErrNotFound if no record exists.
func (r *gormWorkerRepository) Get(ctx context.Context, workerID string) (*db.Worker, error) {
	var worker db.Worker
	err := r.db.WithContext(ctx).First(&worker, "worker_id = ?", workerID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("workers: get: %w", err)
	}
	return &worker, nil
}

// MarkOffline transitions the worker to offline. The update is conditional
// on the current status so concurrent sweeps and explicit deregistrations
// do not trample each other; flipping an already-offline worker is a no-op.
func (r *gormWorkerRepository) MarkOffline(ctx context.Context, workerID string, now time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Worker{}).
		Where("worker_id = ? AND status = ?", workerID, db.WorkerOnline).
		Updates(map[string]interface{}{
			"status":     db.WorkerOffline,
			"updated_at": now,
		})
	if result.Error != nil {
		return fmt.Errorf("workers: mark offline: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := r.db.WithContext(ctx).Model(&db.Worker{}).
			Where("worker_id = ?", workerID).
			Count(&count).Error; err != nil {
			return fmt.Errorf("workers: mark offline: %w", err)
		}
		if count == 0 {
			return ErrNotFound
		}
	}
	return nil
}

// List returns a paginated list of workers and the total count, most
// recently seen first. Pass status "" to list all workers.
func (r *gormWorkerRepository) List(ctx context.Context, status string, opts ListOptions) ([]db.Worker, int64, error) {
	var workers []db.Worker
	var total int64

	query := r.db.WithContext(ctx).Model(&db.Worker{})
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("workers: list count: %w", err)
	}

	query = r.db.WithContext(ctx)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("last_seen_at DESC").
		Find(&workers).Error; err != nil {
		return nil, 0, fmt.Errorf("workers: list: %w", err)
	}

	return workers, total, nil
}

// ListOnline returns all online workers ordered by worker_id. The scheduler
// calls this to build its candidate set on every pass.
func (r *gormWorkerRepository) ListOnline(ctx context.Context) ([]db.Worker, error) {
	var workers []db.Worker
	if err := r.db.WithContext(ctx).
		Where("status = ?", db.WorkerOnline).
		Order("worker_id ASC").
		Find(&workers).Error; err != nil {
		return nil, fmt.Errorf("workers: list online: %w", err)
	}
	return workers, nil
}

// AnyCovering reports whether any registered worker advertises the binary
// and every required variable. The capability columns are JSON arrays, so
// the check runs in Go over all rows; worker fleets are small.
func (r *gormWorkerRepository) AnyCovering(ctx context.Context, binary string, required db.StringSet) (bool, error) {
	var workers []db.Worker
	if err := r.db.WithContext(ctx).Find(&workers).Error; err != nil {
		return false, fmt.Errorf("workers: any covering: %w", err)
	}
	for _, w := range workers {
		if w.AdvertisedBinaries.Contains(binary) && w.AdvertisedVariables.ContainsAll(required) {
			return true, nil
		}
	}
	return false, nil
}

// CountsByStatus returns the number of workers per status.
func (r *gormWorkerRepository) CountsByStatus(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string
		N      int64
	}
	if err := r.db.WithContext(ctx).Model(&db.Worker{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("workers: counts by status: %w", err)
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.N
	}
	return counts, nil
}
