package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dffmpeg-io/coordinator/internal/db"
	"github.com/dffmpeg-io/coordinator/internal/ulid"
)

// timeFormat is the timestamp encoding used in downlink payloads.
const timeFormat = time.RFC3339Nano

// jobEvent is the payload carried by job_assigned, job_canceled and
// job_state_changed messages. It is a snapshot for display only; receipt
// must trigger an authoritative read of the job over the API.
type jobEvent struct {
	JobID       string `json:"job_id"`
	State       string `json:"state"`
	Binary      string `json:"binary"`
	SubmitterID string `json:"submitter_id"`
	AssigneeID  string `json:"assignee_id,omitempty"`
	ExitCode    *int   `json:"exit_code,omitempty"`
	FailureKind string `json:"failure_kind,omitempty"`
}

func newJobMessage(kind, recipientID string, job db.Job, now time.Time) (db.DownlinkMessage, error) {
	payload, err := json.Marshal(jobEvent{
		JobID:       job.JobID,
		State:       job.State,
		Binary:      job.Binary,
		SubmitterID: job.SubmitterID,
		AssigneeID:  job.AssigneeID,
		ExitCode:    job.ExitCode,
		FailureKind: job.FailureKind,
	})
	if err != nil {
		return db.DownlinkMessage{}, fmt.Errorf("transport: marshal %s payload: %w", kind, err)
	}
	return db.DownlinkMessage{
		MessageID:   ulid.New(),
		RecipientID: recipientID,
		JobID:       job.JobID,
		Kind:        kind,
		Payload:     string(payload),
		Schema:      db.DownlinkSchema,
		CreatedAt:   now.UTC(),
	}, nil
}

// NewJobAssigned notifies a worker that a job was assigned to it.
func NewJobAssigned(job db.Job, now time.Time) (db.DownlinkMessage, error) {
	return newJobMessage(db.DownlinkJobAssigned, job.AssigneeID, job, now)
}

// NewJobCanceled tells the assigned worker to stop a job.
func NewJobCanceled(job db.Job, now time.Time) (db.DownlinkMessage, error) {
	return newJobMessage(db.DownlinkJobCanceled, job.AssigneeID, job, now)
}

// NewJobStateChanged notifies the submitter that its job changed state.
func NewJobStateChanged(job db.Job, now time.Time) (db.DownlinkMessage, error) {
	return newJobMessage(db.DownlinkJobStateChanged, job.SubmitterID, job, now)
}

// NewLogAppend notifies the submitter that log chunks [firstSeq, lastSeq]
// were appended to its job.
func NewLogAppend(job db.Job, firstSeq, lastSeq int64, now time.Time) (db.DownlinkMessage, error) {
	payload, err := json.Marshal(struct {
		JobID    string `json:"job_id"`
		FirstSeq int64  `json:"first_seq"`
		LastSeq  int64  `json:"last_seq"`
	}{JobID: job.JobID, FirstSeq: firstSeq, LastSeq: lastSeq})
	if err != nil {
		return db.DownlinkMessage{}, fmt.Errorf("transport: marshal log_append payload: %w", err)
	}
	return db.DownlinkMessage{
		MessageID:   ulid.New(),
		RecipientID: job.SubmitterID,
		JobID:       job.JobID,
		Kind:        db.DownlinkLogAppend,
		Payload:     string(payload),
		Schema:      db.DownlinkSchema,
		CreatedAt:   now.UTC(),
	}, nil
}

// NewPing is the transport smoke-test message, echoed back to the caller of
// POST /api/v1/ping.
func NewPing(recipientID string, now time.Time) (db.DownlinkMessage, error) {
	payload, err := json.Marshal(struct {
		SentAt string `json:"sent_at"`
	}{SentAt: now.UTC().Format(timeFormat)})
	if err != nil {
		return db.DownlinkMessage{}, fmt.Errorf("transport: marshal ping payload: %w", err)
	}
	return db.DownlinkMessage{
		MessageID:   ulid.New(),
		RecipientID: recipientID,
		Kind:        db.DownlinkPing,
		Payload:     string(payload),
		Schema:      db.DownlinkSchema,
		CreatedAt:   now.UTC(),
	}, nil
}
