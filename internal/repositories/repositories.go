// Package repositories contains the persistence layer of the coordinator.
// All coordinator state lives in the database; replicas coordinate through
// these operations alone, so every multi-step mutation here runs inside a
// single transaction with conditional guards on the current row state.
package repositories

import (
	"context"
	"time"

	"github.com/dffmpeg-io/coordinator/internal/db"
)

// -----------------------------------------------------------------------------
// Common
// -----------------------------------------------------------------------------

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// IdentityRepository
// -----------------------------------------------------------------------------

// IdentityRepository manages the credentials and network restrictions of
// clients, workers, and admins. HMAC keys are held as plaintext in memory on
// both sides of every method; encryption at rest (when a key ring is
// configured) happens inside the implementation and is invisible to callers.
type IdentityRepository interface {
	Create(ctx context.Context, identity *db.Identity) error
	Get(ctx context.Context, clientID string) (*db.Identity, error)
	Update(ctx context.Context, identity *db.Identity) error
	Delete(ctx context.Context, clientID string) error
	List(ctx context.Context, opts ListOptions) ([]db.Identity, int64, error)

	// ListForRotation returns up to limit identities whose stored key is not
	// encrypted under targetKeyID. Passing targetKeyID "" selects every
	// encrypted row (used when downgrading back to plaintext storage).
	ListForRotation(ctx context.Context, targetKeyID string, limit int) ([]db.Identity, error)
}

// -----------------------------------------------------------------------------
// WorkerRepository
// -----------------------------------------------------------------------------

type WorkerRepository interface {
	// Upsert inserts the worker row or refreshes an existing one. Called on
	// every registration heartbeat, so it also bumps last_seen_at and flips
	// the status to online.
	Upsert(ctx context.Context, worker *db.Worker) error

	Get(ctx context.Context, workerID string) (*db.Worker, error)

	// MarkOffline transitions the worker to offline if it is currently
	// online. Returns ErrNotFound when the worker does not exist; marking an
	// already-offline worker is a no-op.
	MarkOffline(ctx context.Context, workerID string, now time.Time) error

	// List returns workers filtered by status ("" means all), most recently
	// seen first.
	List(ctx context.Context, status string, opts ListOptions) ([]db.Worker, int64, error)

	ListOnline(ctx context.Context) ([]db.Worker, error)

	// AnyCovering reports whether any registered worker, regardless of
	// status, advertises the binary and every required variable. The janitor
	// uses this to tell "no worker could ever run this" apart from "the
	// capable worker is temporarily offline".
	AnyCovering(ctx context.Context, binary string, required db.StringSet) (bool, error)

	// CountsByStatus returns the number of workers per status. Statuses with
	// no workers are absent from the map.
	CountsByStatus(ctx context.Context) (map[string]int64, error)
}

// -----------------------------------------------------------------------------
// JobRepository
// -----------------------------------------------------------------------------

// JobFilter narrows List queries. Zero values mean "no constraint".
type JobFilter struct {
	States      []string
	SubmitterID string
	AssigneeID  string

	// SinceID is an exclusive ULID cursor: only jobs with job_id > SinceID
	// are returned. Job IDs sort by creation time, so this pages forward
	// chronologically.
	SinceID string

	// ActiveSince keeps only jobs updated at or after the given instant.
	ActiveSince *time.Time

	Limit int
}

// TransitionRequest describes a conditional job state transition. The update
// applies only when the job is currently in one of the From states; Messages
// are persisted in the same transaction so a committed transition is never
// observed without its queued notifications.
type TransitionRequest struct {
	JobID string
	From  []string
	To    string
	Now   time.Time

	// Set holds extra column updates applied together with the state change,
	// keyed by column name.
	Set map[string]interface{}

	Messages []db.DownlinkMessage
}

// AssignRequest parameterizes a single assignment attempt.
type AssignRequest struct {
	Now time.Time

	// MaxPerWorker caps how many active jobs (assigned, running, canceling)
	// a worker may hold. Zero means unlimited.
	MaxPerWorker int

	// OnAssigned builds the notifications persisted in the assignment
	// transaction. Returning none skips persistence (the caller delivers
	// through a broker instead). An error aborts the transaction and leaves
	// the job pending.
	OnAssigned func(job db.Job, worker db.Worker) ([]db.DownlinkMessage, error)
}

// LogEntry is one chunk of process output to append to a job's log.
type LogEntry struct {
	Stream    string
	Text      string
	EmittedAt time.Time
}

type JobRepository interface {
	Create(ctx context.Context, job *db.Job) error
	Get(ctx context.Context, jobID string) (*db.Job, error)
	List(ctx context.Context, filter JobFilter) ([]db.Job, int64, error)

	// ListByStates returns all jobs currently in any of the given states,
	// oldest first. Used by the janitor to fetch sweep candidates; the
	// per-row staleness checks happen in Go.
	ListByStates(ctx context.Context, states ...string) ([]db.Job, error)

	// Transition performs a guarded state change. Returns the job as it is
	// after the transition, ErrNotFound when the job does not exist, or
	// ErrConflict when its current state is outside req.From.
	Transition(ctx context.Context, req TransitionRequest) (*db.Job, error)

	// AssignOne atomically matches the oldest assignable pending job to the
	// least busy eligible online worker and transitions it to assigned.
	// Returns ErrNoneEligible when nothing can be assigned right now.
	AssignOne(ctx context.Context, req AssignRequest) (*db.Job, *db.Worker, error)

	// Heartbeat refreshes last_heartbeat_at for a running or canceling job
	// held by workerID. Signals that arrive out of order are ignored: the
	// stored timestamp never moves backwards. Returns the current job row so
	// the worker observes cancellation requests.
	Heartbeat(ctx context.Context, jobID, workerID string, seenAt time.Time) (*db.Job, error)

	// TouchClient refreshes client_last_seen_at, recording that the
	// submitter is still following the job.
	TouchClient(ctx context.Context, jobID string, seenAt time.Time) error

	// AppendLogs appends entries to the job's log with densely increasing
	// sequence numbers and returns the range assigned. Only running and
	// canceling jobs accept logs; appends double as a liveness signal.
	AppendLogs(ctx context.Context, jobID, workerID string, entries []LogEntry, now time.Time) (firstSeq, lastSeq int64, err error)

	// GetLogs returns up to limit chunks with seq >= sinceSeq in sequence
	// order.
	GetLogs(ctx context.Context, jobID string, sinceSeq int64, limit int) ([]db.LogChunk, error)

	// RunningCounts returns the number of active jobs (assigned, running,
	// canceling) per worker. Workers with no active jobs are absent.
	RunningCounts(ctx context.Context) (map[string]int, error)

	// CountsByState returns the number of jobs per state. States with no
	// jobs are absent from the map.
	CountsByState(ctx context.Context) (map[string]int64, error)

	// PurgeLogs deletes log chunks belonging to jobs that reached a terminal
	// state before the cutoff. Returns the number of chunks removed.
	PurgeLogs(ctx context.Context, endedBefore time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// DownlinkRepository
// -----------------------------------------------------------------------------

// DownlinkRepository stores queued downlink messages for recipients that use
// the http_polling transport. Messages persist until drained once, then age
// out; the other transports deliver through their broker and never touch
// this table.
type DownlinkRepository interface {
	Enqueue(ctx context.Context, messages ...db.DownlinkMessage) error

	// Drain returns up to max undelivered messages for the recipient in
	// enqueue order and marks them delivered. A drained message is never
	// returned again.
	Drain(ctx context.Context, recipientID string, max int, now time.Time) ([]db.DownlinkMessage, error)

	// PendingCount reports how many undelivered messages wait for the
	// recipient.
	PendingCount(ctx context.Context, recipientID string) (int64, error)

	PurgeDelivered(ctx context.Context, deliveredBefore time.Time) (int64, error)
	PurgeUndelivered(ctx context.Context, createdBefore time.Time) (int64, error)
}
