package repositories

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/dffmpeg-io/coordinator/internal/db"
	"github.com/dffmpeg-io/coordinator/internal/ulid"
)

// newTestDB opens a fresh in-memory SQLite database with all migrations
// applied. Each test gets its own database, named after the test so shared
// cache handles do not leak between tests.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)

	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      dsn,
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	return database
}

// seedWorker inserts an online worker with the given capabilities.
func seedWorker(t *testing.T, database *gorm.DB, workerID string, binaries, variables []string) *db.Worker {
	t.Helper()

	now := time.Now().UTC()
	worker := &db.Worker{
		WorkerID:              workerID,
		Status:                db.WorkerOnline,
		RegisteredAt:          now,
		LastSeenAt:            now,
		RegistrationIntervalS: 15,
		AdvertisedBinaries:    db.NewStringSet(binaries...),
		AdvertisedVariables:   db.NewStringSet(variables...),
		TransportChoice:       "http_polling",
		UpdatedAt:             now,
	}
	require.NoError(t, database.Create(worker).Error)
	return worker
}

// seedJob inserts a pending job for the given binary and returns it. Job IDs
// are fresh ULIDs, so seeding order is submission order.
func seedJob(t *testing.T, database *gorm.DB, submitterID, binary string, required []string) *db.Job {
	t.Helper()

	now := time.Now().UTC()
	job := &db.Job{
		JobID:              ulid.New(),
		SubmitterID:        submitterID,
		State:              db.JobPending,
		Binary:             binary,
		RequiredVariables:  db.NewStringSet(required...),
		Mode:               db.ModeActive,
		TransportChoice:    "http_polling",
		CreatedAt:          now,
		UpdatedAt:          now,
		StateEnteredAt:     now,
		HeartbeatIntervalS: 15,
	}
	require.NoError(t, database.Create(job).Error)
	return job
}

// mustAssign drives a job through pending -> assigned -> running for tests
// that need a live job.
func mustAssign(t *testing.T, repo JobRepository, workerID string) *db.Job {
	t.Helper()

	job, worker, err := repo.AssignOne(context.Background(), AssignRequest{Now: time.Now().UTC()})
	require.NoError(t, err)
	require.Equal(t, workerID, worker.WorkerID)

	running, err := repo.Transition(context.Background(), TransitionRequest{
		JobID: job.JobID,
		From:  []string{db.JobAssigned},
		To:    db.JobRunning,
		Now:   time.Now().UTC(),
		Set:   map[string]interface{}{"started_at": time.Now().UTC()},
	})
	require.NoError(t, err)
	return running
}
