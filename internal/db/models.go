package db

import (
	"time"

	"github.com/dffmpeg-io/coordinator/internal/argv"
)

// All tables carry the dffmpeg_ prefix so the Coordinator can share a
// database with other tenants. The names are pinned here and in the
// migration DDL; GORM's pluralized defaults are never relied on.

// -----------------------------------------------------------------------------
// Identities
// -----------------------------------------------------------------------------

// Identity roles.
const (
	RoleClient = "client"
	RoleWorker = "worker"
	RoleAdmin  = "admin"
)

// Identity is an authentication principal: one row per client_id. Identities
// are created and mutated only by the admin CLI — the API path never writes
// them.
//
// HMACKey holds the shared secret. When KeyID is non-empty the column value
// is a key ring ciphertext (base64 nonce+sealed) and KeyAlgorithm records the
// AEAD that produced it; when KeyID is empty the key is stored in plaintext.
// Encryption and decryption happen in the repository layer, which owns the
// KeyID bookkeeping that rotation depends on.
type Identity struct {
	ClientID     string    `gorm:"primaryKey"`
	Role         string    `gorm:"not null"` // "client", "worker", "admin"
	HMACKey      string    `gorm:"column:hmac_key;type:text;not null"`
	KeyID        string    `gorm:"not null;default:''"` // key ring id; empty = plaintext
	KeyAlgorithm string    `gorm:"not null;default:''"`
	AllowedCIDRs StringSet `gorm:"column:allowed_cidrs;type:text;not null"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

// TableName pins the physical table name.
func (Identity) TableName() string { return "dffmpeg_identities" }

// -----------------------------------------------------------------------------
// Workers
// -----------------------------------------------------------------------------

// Worker statuses.
const (
	WorkerOnline  = "online"
	WorkerOffline = "offline"
)

// Worker is the registration record of one worker host. The row is upserted
// on every register call; the janitor flips Status to offline when
// last_seen_at falls behind the advertised registration interval.
//
// The set of jobs currently held by a worker is not stored here — it is
// derived from the jobs table (assignee_id + non-terminal state), keeping a
// single source of truth for assignment.
type Worker struct {
	WorkerID              string    `gorm:"primaryKey"`
	Status                string    `gorm:"not null;default:'offline';index"`
	RegisteredAt          time.Time `gorm:"not null"`
	LastSeenAt            time.Time `gorm:"not null;index"`
	RegistrationIntervalS int       `gorm:"not null;default:15"`
	Version               string    `gorm:"not null;default:''"`
	AdvertisedBinaries    StringSet `gorm:"type:text;not null"`
	AdvertisedVariables   StringSet `gorm:"type:text;not null"`
	TransportChoice       string    `gorm:"not null;default:''"`
	UpdatedAt             time.Time `gorm:"not null"`
}

// TableName pins the physical table name.
func (Worker) TableName() string { return "dffmpeg_workers" }

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

// Job states.
const (
	JobPending   = "pending"
	JobAssigned  = "assigned"
	JobRunning   = "running"
	JobCanceling = "canceling"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCanceled  = "canceled"
)

// Job modes. Active jobs have a client watching (and heartbeating); detached
// jobs outlive their submitter.
const (
	ModeActive   = "active"
	ModeDetached = "detached"
)

// Failure kinds recorded in Job.FailureKind when the Coordinator, rather
// than the worker's exit code, decides the outcome.
const (
	FailureWorkerLost         = "worker_lost"
	FailureHeartbeatLost      = "heartbeat_lost"
	FailureNoEligibleWorker   = "no_eligible_worker"
	FailureClientDisconnected = "client_disconnected"
)

// TerminalJobStates are absorbing: no transition ever leaves them.
var TerminalJobStates = []string{JobCompleted, JobFailed, JobCanceled}

// ActiveJobStates occupy a slot on their assigned worker and count against
// its scheduling capacity.
var ActiveJobStates = []string{JobAssigned, JobRunning, JobCanceling}

// JobStateTerminal reports whether state is absorbing.
func JobStateTerminal(state string) bool {
	return state == JobCompleted || state == JobFailed || state == JobCanceled
}

// Job is one submitted encode job. JobID is a ULID, so ordering by primary
// key is submission order. AssigneeID is empty while the job is pending.
//
// StateEnteredAt advances on every state transition and totally orders the
// transitions of one job; conditional updates on State keep concurrent
// writers from interleaving (the loser sees zero rows affected).
type Job struct {
	JobID             string      `gorm:"primaryKey"`
	SubmitterID       string      `gorm:"not null;index"`
	AssigneeID        string      `gorm:"not null;default:'';index"`
	State             string      `gorm:"not null;default:'pending';index"`
	Binary            string      `gorm:"not null"`
	Argv              argv.Tokens `gorm:"type:text;not null"`
	RequiredVariables StringSet   `gorm:"type:text;not null"`
	Mode              string      `gorm:"not null;default:'active'"`
	TransportChoice   string      `gorm:"not null;default:''"`

	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
	StateEnteredAt time.Time `gorm:"not null"`
	AssignedAt     *time.Time
	StartedAt      *time.Time
	EndedAt        *time.Time

	HeartbeatIntervalS int `gorm:"not null;default:15"`
	LastHeartbeatAt    *time.Time
	ClientLastSeenAt   *time.Time

	ExitCode    *int
	FailureKind string `gorm:"not null;default:''"`
}

// TableName pins the physical table name.
func (Job) TableName() string { return "dffmpeg_jobs" }

// -----------------------------------------------------------------------------
// Log chunks
// -----------------------------------------------------------------------------

// Log streams.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// LogChunk is one captured output line of a job. Seq is dense per job
// starting at 0; the repository assigns it under a per-job lock so batches
// from a worker serialize. Chunks are purged once the job has been terminal
// for the configured retention window.
type LogChunk struct {
	JobID     string    `gorm:"primaryKey"`
	Seq       int64     `gorm:"primaryKey;autoIncrement:false"`
	Stream    string    `gorm:"not null;default:'stdout'"`
	Text      string    `gorm:"type:text;not null"`
	EmittedAt time.Time `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

// TableName pins the physical table name.
func (LogChunk) TableName() string { return "dffmpeg_log_chunks" }

// -----------------------------------------------------------------------------
// Downlink messages
// -----------------------------------------------------------------------------

// Downlink message kinds.
const (
	DownlinkJobAssigned     = "job_assigned"
	DownlinkJobCanceled     = "job_canceled"
	DownlinkJobStateChanged = "job_state_changed"
	DownlinkLogAppend       = "log_append"
	DownlinkPing            = "ping"
)

// DownlinkSchema versions the payload shapes carried in the envelope.
const DownlinkSchema = "v1"

// DownlinkMessage is a queued notification for one peer. Rows exist only for
// the http_polling transport: drained messages are stamped DeliveredAt and
// purged shortly after; undelivered rows expire after a TTL. Broker
// transports never persist.
type DownlinkMessage struct {
	MessageID   string    `gorm:"primaryKey"`
	RecipientID string    `gorm:"not null;index:idx_dffmpeg_downlink_recipient"`
	JobID       string    `gorm:"not null;default:''"`
	Kind        string    `gorm:"not null"`
	Payload     string    `gorm:"type:text;not null;default:'{}'"`
	Schema      string    `gorm:"column:schema_version;not null;default:'v1'"`
	CreatedAt   time.Time `gorm:"not null"`
	DeliveredAt *time.Time
}

// TableName pins the physical table name.
func (DownlinkMessage) TableName() string { return "dffmpeg_downlink_messages" }
