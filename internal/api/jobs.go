package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/dffmpeg-io/coordinator/internal/argv"
	"github.com/dffmpeg-io/coordinator/internal/config"
	"github.com/dffmpeg-io/coordinator/internal/db"
	"github.com/dffmpeg-io/coordinator/internal/repositories"
	"github.com/dffmpeg-io/coordinator/internal/transport"
	"github.com/dffmpeg-io/coordinator/internal/ulid"
)

// JobHandler groups all job-related HTTP handlers: submission, queries and
// cancellation by clients, and the accept/log/progress/complete lifecycle
// driven by the assigned worker. State changes go through the repository's
// conditional transition, with the downlink notifications persisted in the
// same transaction and delivered after it commits.
type JobHandler struct {
	jobs       repositories.JobRepository
	workers    repositories.WorkerRepository
	downlinks  repositories.DownlinkRepository
	transports *transport.Manager
	policy     config.JobsConfig
	kick       func()
	validate   *validator.Validate
	logger     *zap.Logger

	// now is stubbed in tests.
	now func() time.Time
}

// NewJobHandler creates a new JobHandler.
func NewJobHandler(
	jobs repositories.JobRepository,
	workers repositories.WorkerRepository,
	downlinks repositories.DownlinkRepository,
	transports *transport.Manager,
	policy config.JobsConfig,
	kick func(),
	logger *zap.Logger,
) *JobHandler {
	return &JobHandler{
		jobs:       jobs,
		workers:    workers,
		downlinks:  downlinks,
		transports: transports,
		policy:     policy,
		kick:       kick,
		validate:   validator.New(),
		logger:     logger.Named("job_handler"),
		now:        time.Now,
	}
}

// -----------------------------------------------------------------------------
// Request and response types
// -----------------------------------------------------------------------------

// negotiationRequest is the transport-preference list a peer sends on
// register and submit, ordered by its own preference.
type negotiationRequest struct {
	Enabled []string `json:"enabled"`
}

// negotiationResponse reports the transport the Coordinator selected.
type negotiationResponse struct {
	Chosen string `json:"chosen"`
}

// submitJobRequest is the body of POST /api/v1/jobs.
type submitJobRequest struct {
	Binary             string              `json:"binary" validate:"required"`
	Argv               argv.Tokens         `json:"argv" validate:"required"`
	Mode               string              `json:"mode" validate:"omitempty,oneof=active detached"`
	HeartbeatIntervalS int                 `json:"heartbeat_interval_s" validate:"omitempty,min=1,max=3600"`
	Transports         *negotiationRequest `json:"transports"`
}

// jobResponse is the wire representation of a job. Timestamps are RFC 3339
// in UTC; optional ones are omitted while unset.
type jobResponse struct {
	JobID              string      `json:"job_id"`
	SubmitterID        string      `json:"submitter_id"`
	AssigneeID         string      `json:"assignee_id,omitempty"`
	State              string      `json:"state"`
	Binary             string      `json:"binary"`
	Argv               argv.Tokens `json:"argv"`
	RequiredVariables  []string    `json:"required_variables"`
	Mode               string      `json:"mode"`
	Transport          string      `json:"transport,omitempty"`
	HeartbeatIntervalS int         `json:"heartbeat_interval_s"`
	CreatedAt          string      `json:"created_at"`
	AssignedAt         *string     `json:"assigned_at,omitempty"`
	StartedAt          *string     `json:"started_at,omitempty"`
	EndedAt            *string     `json:"ended_at,omitempty"`
	LastHeartbeatAt    *string     `json:"last_heartbeat_at,omitempty"`
	ExitCode           *int        `json:"exit_code,omitempty"`
	FailureKind        string      `json:"failure_kind,omitempty"`
}

// jobToResponse converts a storage row to its wire shape.
func jobToResponse(j *db.Job) jobResponse {
	return jobResponse{
		JobID:              j.JobID,
		SubmitterID:        j.SubmitterID,
		AssigneeID:         j.AssigneeID,
		State:              j.State,
		Binary:             j.Binary,
		Argv:               j.Argv,
		RequiredVariables:  j.RequiredVariables,
		Mode:               j.Mode,
		Transport:          j.TransportChoice,
		HeartbeatIntervalS: j.HeartbeatIntervalS,
		CreatedAt:          fmtTime(j.CreatedAt),
		AssignedAt:         fmtTimePtr(j.AssignedAt),
		StartedAt:          fmtTimePtr(j.StartedAt),
		EndedAt:            fmtTimePtr(j.EndedAt),
		LastHeartbeatAt:    fmtTimePtr(j.LastHeartbeatAt),
		ExitCode:           j.ExitCode,
		FailureKind:        j.FailureKind,
	}
}

// listJobsResponse wraps a job listing.
type listJobsResponse struct {
	Items []jobResponse `json:"items"`
	Total int64         `json:"total"`
}

// logChunkResponse is one persisted log line.
type logChunkResponse struct {
	Seq       int64  `json:"seq"`
	Stream    string `json:"stream"`
	Text      string `json:"text"`
	EmittedAt string `json:"emitted_at"`
}

// listLogsResponse wraps a log page. NextSeq is the cursor for the follow-up
// request.
type listLogsResponse struct {
	JobID   string             `json:"job_id"`
	Items   []logChunkResponse `json:"items"`
	NextSeq int64              `json:"next_seq"`
}

// appendLogsRequest is the body of POST /api/v1/jobs/{id}/logs.
type appendLogsRequest struct {
	Entries []logEntryRequest `json:"entries" validate:"required,min=1,dive"`
}

// logEntryRequest is one log line in an append batch. EmittedAt defaults to
// the server clock when absent.
type logEntryRequest struct {
	Stream    string     `json:"stream" validate:"omitempty,oneof=stdout stderr"`
	Text      string     `json:"text"`
	EmittedAt *time.Time `json:"emitted_at"`
}

// appendLogsResponse reports the sequence range the batch received.
type appendLogsResponse struct {
	JobID    string `json:"job_id"`
	FirstSeq int64  `json:"first_seq"`
	LastSeq  int64  `json:"last_seq"`
}

// progressRequest is the optional body of POST /api/v1/jobs/{id}/progress.
// The progress payload is accepted for forward compatibility and logged; the
// call's effect is the heartbeat.
type progressRequest struct {
	Progress json.RawMessage `json:"progress"`
}

// completeJobRequest is the body of POST /api/v1/jobs/{id}/complete.
// ExitCode is a pointer so an explicit 0 survives decoding.
type completeJobRequest struct {
	ExitCode *int `json:"exit_code" validate:"required"`
}

// -----------------------------------------------------------------------------
// Client handlers
// -----------------------------------------------------------------------------

// Submit handles POST /api/v1/jobs. The argv is validated token by token,
// the binary checked against the global whitelist, and the transport for
// job notifications negotiated from the peer's preference list. The job is
// created pending; the scheduler is kicked rather than invoked inline.
func (h *JobHandler) Submit(w http.ResponseWriter, r *http.Request) {
	identity := identityFromCtx(r.Context())
	if identity.Role != db.RoleClient && identity.Role != db.RoleAdmin {
		ErrForbidden(w)
		return
	}

	var req submitJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		ErrValidation(w, err.Error())
		return
	}
	if !h.policy.BinaryAllowed(req.Binary) {
		ErrValidation(w, "binary "+strconv.Quote(req.Binary)+" is not in allowed_binaries")
		return
	}
	if err := req.Argv.Validate(); err != nil {
		ErrValidation(w, err.Error())
		return
	}

	var preference []string
	if req.Transports != nil {
		preference = req.Transports.Enabled
	}
	choice, err := h.transports.Negotiate(preference)
	if err != nil {
		ErrValidation(w, err.Error())
		return
	}

	now := h.now().UTC()
	interval := req.HeartbeatIntervalS
	if interval == 0 {
		interval = h.policy.DefaultHeartbeatIntervalS
	}
	mode := req.Mode
	if mode == "" {
		mode = db.ModeActive
	}

	job := &db.Job{
		JobID:              ulid.New(),
		SubmitterID:        identity.ClientID,
		State:              db.JobPending,
		Binary:             req.Binary,
		Argv:               req.Argv,
		RequiredVariables:  db.NewStringSet(req.Argv.RequiredVariables()...),
		Mode:               mode,
		TransportChoice:    choice,
		CreatedAt:          now,
		UpdatedAt:          now,
		StateEnteredAt:     now,
		HeartbeatIntervalS: interval,
	}
	if mode == db.ModeActive {
		job.ClientLastSeenAt = &now
	}

	if err := h.jobs.Create(r.Context(), job); err != nil {
		h.storageError(w, "create job", err)
		return
	}

	h.logger.Info("job submitted",
		zap.String("job_id", job.JobID),
		zap.String("submitter_id", job.SubmitterID),
		zap.String("binary", job.Binary),
		zap.String("mode", job.Mode),
		zap.String("transport", job.TransportChoice),
	)
	h.kick()

	Created(w, jobToResponse(job))
}

// List handles GET /api/v1/jobs. Clients see their own submissions; admins
// see everything and may additionally filter by assignee. Supported query
// parameters: state (repeatable), worker, since_id, active_within_s, limit.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	identity := identityFromCtx(r.Context())
	query := r.URL.Query()

	filter := repositories.JobFilter{Limit: 20}
	if identity.Role != db.RoleAdmin {
		filter.SubmitterID = identity.ClientID
	}

	for _, state := range query["state"] {
		switch state {
		case db.JobPending, db.JobAssigned, db.JobRunning, db.JobCanceling,
			db.JobCompleted, db.JobFailed, db.JobCanceled:
			filter.States = append(filter.States, state)
		default:
			ErrValidation(w, "unknown state "+strconv.Quote(state))
			return
		}
	}
	if worker := query.Get("worker"); worker != "" {
		filter.AssigneeID = worker
	}
	if sinceID := query.Get("since_id"); sinceID != "" {
		if !ulid.IsValid(sinceID) {
			ErrValidation(w, "since_id is not a ULID")
			return
		}
		filter.SinceID = sinceID
	}
	if within := query.Get("active_within_s"); within != "" {
		seconds, err := strconv.Atoi(within)
		if err != nil || seconds < 0 {
			ErrValidation(w, "active_within_s must be a non-negative integer")
			return
		}
		since := h.now().UTC().Add(-time.Duration(seconds) * time.Second)
		filter.ActiveSince = &since
	}
	if limit := query.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 {
			ErrValidation(w, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}

	jobs, total, err := h.jobs.List(r.Context(), filter)
	if err != nil {
		h.storageError(w, "list jobs", err)
		return
	}

	items := make([]jobResponse, len(jobs))
	for i := range jobs {
		items[i] = jobToResponse(&jobs[i])
	}
	Ok(w, listJobsResponse{Items: items, Total: total})
}

// Get handles GET /api/v1/jobs/{id}. Visible to the submitter, the assigned
// worker, and admins.
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	job, ok := h.fetchJob(w, r)
	if !ok {
		return
	}
	if !canReadJob(identityFromCtx(r.Context()), job) {
		ErrForbidden(w)
		return
	}
	Ok(w, jobToResponse(job))
}

// Cancel handles POST /api/v1/jobs/{id}/cancel. A pending job is canceled
// outright; an assigned or running job moves to canceling and the assigned
// worker is told to stop; a job already terminal (or already canceling) is
// a no-op that returns the current snapshot.
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	identity := identityFromCtx(r.Context())
	job, ok := h.fetchJob(w, r)
	if !ok {
		return
	}
	if job.SubmitterID != identity.ClientID && identity.Role != db.RoleAdmin {
		ErrForbidden(w)
		return
	}
	if db.JobStateTerminal(job.State) || job.State == db.JobCanceling {
		Ok(w, jobToResponse(job))
		return
	}

	now := h.now().UTC()
	var (
		planned []transport.Planned
		req     repositories.TransitionRequest
	)

	switch job.State {
	case db.JobPending:
		next := *job
		next.State = db.JobCanceled
		next.EndedAt = &now

		changed, err := transport.NewJobStateChanged(next, now)
		if err != nil {
			h.logger.Error("build cancel notification", zap.Error(err))
			ErrInternal(w)
			return
		}
		planned = append(planned, h.transports.Plan(next.TransportChoice, transport.JobRoute(next), changed))

		req = repositories.TransitionRequest{
			JobID: job.JobID,
			From:  []string{db.JobPending},
			To:    db.JobCanceled,
			Now:   now,
			Set:   map[string]interface{}{"ended_at": now},
		}

	default: // assigned, running
		next := *job
		next.State = db.JobCanceling

		canceled, err := transport.NewJobCanceled(next, now)
		if err != nil {
			h.logger.Error("build cancel notification", zap.Error(err))
			ErrInternal(w)
			return
		}
		changed, err := transport.NewJobStateChanged(next, now)
		if err != nil {
			h.logger.Error("build cancel notification", zap.Error(err))
			ErrInternal(w)
			return
		}
		planned = append(planned,
			h.transports.Plan(h.workerChoice(r, job.AssigneeID), transport.WorkerRoute(job.AssigneeID), canceled),
			h.transports.Plan(next.TransportChoice, transport.JobRoute(next), changed),
		)

		req = repositories.TransitionRequest{
			JobID: job.JobID,
			From:  []string{db.JobAssigned, db.JobRunning},
			To:    db.JobCanceling,
			Now:   now,
		}
	}

	req.Messages = transport.ToPersist(planned...)
	updated, err := h.jobs.Transition(r.Context(), req)
	if err != nil {
		h.transitionError(w, "cancel job", job.JobID, err)
		return
	}
	h.transports.Deliver(r.Context(), planned...)

	h.logger.Info("job cancel requested",
		zap.String("job_id", job.JobID),
		zap.String("by", identity.ClientID),
		zap.String("state", updated.State),
	)
	Ok(w, jobToResponse(updated))
}

// ClientHeartbeat handles POST /api/v1/jobs/{id}/heartbeat: the submitting
// client signals it is still watching an active-mode job. Heartbeats against
// terminal jobs are accepted and ignored so a client draining its queue
// never sees an error.
func (h *JobHandler) ClientHeartbeat(w http.ResponseWriter, r *http.Request) {
	identity := identityFromCtx(r.Context())
	job, ok := h.fetchJob(w, r)
	if !ok {
		return
	}
	if job.SubmitterID != identity.ClientID && identity.Role != db.RoleAdmin {
		ErrForbidden(w)
		return
	}
	if db.JobStateTerminal(job.State) {
		Ok(w, jobToResponse(job))
		return
	}

	now := h.now().UTC()
	if err := h.jobs.TouchClient(r.Context(), job.JobID, now); err != nil {
		h.storageError(w, "client heartbeat", err)
		return
	}
	job.ClientLastSeenAt = &now
	Ok(w, jobToResponse(job))
}

// GetLogs handles GET /api/v1/jobs/{id}/logs. Query parameters: since_seq
// (default 0) and limit (default unbounded). Visible to the submitter, the
// assigned worker, and admins.
func (h *JobHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	job, ok := h.fetchJob(w, r)
	if !ok {
		return
	}
	if !canReadJob(identityFromCtx(r.Context()), job) {
		ErrForbidden(w)
		return
	}

	var (
		sinceSeq int64
		limit    int
		query    = r.URL.Query()
	)
	if raw := query.Get("since_seq"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			ErrValidation(w, "since_seq must be a non-negative integer")
			return
		}
		sinceSeq = n
	}
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			ErrValidation(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	chunks, err := h.jobs.GetLogs(r.Context(), job.JobID, sinceSeq, limit)
	if err != nil {
		h.storageError(w, "get logs", err)
		return
	}

	resp := listLogsResponse{JobID: job.JobID, Items: make([]logChunkResponse, len(chunks)), NextSeq: sinceSeq}
	for i, c := range chunks {
		resp.Items[i] = logChunkResponse{
			Seq:       c.Seq,
			Stream:    c.Stream,
			Text:      c.Text,
			EmittedAt: fmtTime(c.EmittedAt),
		}
		resp.NextSeq = c.Seq + 1
	}
	Ok(w, resp)
}

// -----------------------------------------------------------------------------
// Worker handlers
// -----------------------------------------------------------------------------

// Accept handles POST /api/v1/jobs/{id}/accept: the assigned worker takes
// the job, moving it to running. Accepting a job that is already running
// under the same worker is a no-op, so a retried accept after a lost
// response does not fail.
func (h *JobHandler) Accept(w http.ResponseWriter, r *http.Request) {
	identity := identityFromCtx(r.Context())
	job, ok := h.fetchJob(w, r)
	if !ok {
		return
	}
	if identity.Role != db.RoleWorker || job.AssigneeID != identity.ClientID {
		ErrForbidden(w)
		return
	}
	if job.State == db.JobRunning {
		Ok(w, jobToResponse(job))
		return
	}

	now := h.now().UTC()
	next := *job
	next.State = db.JobRunning
	next.StartedAt = &now

	changed, err := transport.NewJobStateChanged(next, now)
	if err != nil {
		h.logger.Error("build accept notification", zap.Error(err))
		ErrInternal(w)
		return
	}
	planned := []transport.Planned{
		h.transports.Plan(next.TransportChoice, transport.JobRoute(next), changed),
	}

	updated, err := h.jobs.Transition(r.Context(), repositories.TransitionRequest{
		JobID: job.JobID,
		From:  []string{db.JobAssigned},
		To:    db.JobRunning,
		Now:   now,
		Set: map[string]interface{}{
			"started_at":        now,
			"last_heartbeat_at": now,
		},
		Messages: transport.ToPersist(planned...),
	})
	if err != nil {
		h.transitionError(w, "accept job", job.JobID, err)
		return
	}
	h.transports.Deliver(r.Context(), planned...)

	h.logger.Info("job accepted",
		zap.String("job_id", job.JobID),
		zap.String("worker_id", identity.ClientID),
	)
	Ok(w, jobToResponse(updated))
}

// AppendLogs handles POST /api/v1/jobs/{id}/logs: the assigned worker
// appends a batch of output lines. The batch gets a dense sequence range and
// doubles as a worker heartbeat; a log_append notification nudges the
// submitter to fetch.
func (h *JobHandler) AppendLogs(w http.ResponseWriter, r *http.Request) {
	identity := identityFromCtx(r.Context())
	job, ok := h.fetchJob(w, r)
	if !ok {
		return
	}
	if identity.Role != db.RoleWorker || job.AssigneeID != identity.ClientID {
		ErrForbidden(w)
		return
	}

	var req appendLogsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		ErrValidation(w, err.Error())
		return
	}
	if h.policy.MaxLogBatch > 0 && len(req.Entries) > h.policy.MaxLogBatch {
		ErrValidation(w, "log batch exceeds "+strconv.Itoa(h.policy.MaxLogBatch)+" entries")
		return
	}

	now := h.now().UTC()
	entries := make([]repositories.LogEntry, len(req.Entries))
	for i, e := range req.Entries {
		stream := e.Stream
		if stream == "" {
			stream = db.StreamStdout
		}
		emitted := now
		if e.EmittedAt != nil {
			emitted = e.EmittedAt.UTC()
		}
		entries[i] = repositories.LogEntry{Stream: stream, Text: e.Text, EmittedAt: emitted}
	}

	var firstSeq, lastSeq int64
	err := retryTransient(r.Context(), func() error {
		var err error
		firstSeq, lastSeq, err = h.jobs.AppendLogs(r.Context(), job.JobID, identity.ClientID, entries, now)
		return err
	})
	if err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			ErrConflict(w, "job is not accepting logs")
			return
		}
		h.transitionError(w, "append logs", job.JobID, err)
		return
	}

	if msg, err := transport.NewLogAppend(*job, firstSeq, lastSeq, now); err != nil {
		h.logger.Error("build log notification", zap.String("job_id", job.JobID), zap.Error(err))
	} else {
		planned := h.transports.Plan(job.TransportChoice, transport.JobRoute(*job), msg)
		if err := dispatch(r.Context(), h.downlinks, h.transports, planned); err != nil {
			h.logger.Warn("queue log notification", zap.String("job_id", job.JobID), zap.Error(err))
		}
	}

	Ok(w, appendLogsResponse{JobID: job.JobID, FirstSeq: firstSeq, LastSeq: lastSeq})
}

// Progress handles POST /api/v1/jobs/{id}/progress: a worker heartbeat with
// an optional structured payload. The response carries the current job
// snapshot so the worker observes a cancellation request on its own
// heartbeat instead of needing a downlink round-trip.
func (h *JobHandler) Progress(w http.ResponseWriter, r *http.Request) {
	identity := identityFromCtx(r.Context())
	job, ok := h.fetchJob(w, r)
	if !ok {
		return
	}
	if identity.Role != db.RoleWorker || job.AssigneeID != identity.ClientID {
		ErrForbidden(w)
		return
	}

	if r.ContentLength > 0 {
		var req progressRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if len(req.Progress) > 0 {
			h.logger.Debug("job progress",
				zap.String("job_id", job.JobID),
				zap.String("worker_id", identity.ClientID),
				zap.ByteString("progress", req.Progress),
			)
		}
	}

	var updated *db.Job
	err := retryTransient(r.Context(), func() error {
		var err error
		updated, err = h.jobs.Heartbeat(r.Context(), job.JobID, identity.ClientID, h.now().UTC())
		return err
	})
	if err != nil {
		h.transitionError(w, "job heartbeat", job.JobID, err)
		return
	}
	Ok(w, jobToResponse(updated))
}

// Complete handles POST /api/v1/jobs/{id}/complete: the worker reports the
// final exit code. A running job completes (exit 0) or fails; a canceling
// job lands in canceled regardless of the code, which is how a cancel
// request terminates once the worker killed the process. Completing an
// already terminal job returns the snapshot unchanged.
func (h *JobHandler) Complete(w http.ResponseWriter, r *http.Request) {
	identity := identityFromCtx(r.Context())
	job, ok := h.fetchJob(w, r)
	if !ok {
		return
	}
	if identity.Role != db.RoleWorker || job.AssigneeID != identity.ClientID {
		ErrForbidden(w)
		return
	}

	var req completeJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		ErrValidation(w, err.Error())
		return
	}

	// The target state depends on the state we observed, so a transition lost
	// to a concurrent cancel is re-read once and re-decided rather than
	// surfaced.
	for attempt := 0; ; attempt++ {
		if db.JobStateTerminal(job.State) {
			Ok(w, jobToResponse(job))
			return
		}

		target := db.JobCompleted
		switch {
		case job.State == db.JobCanceling:
			target = db.JobCanceled
		case *req.ExitCode != 0:
			target = db.JobFailed
		}

		now := h.now().UTC()
		next := *job
		next.State = target
		next.ExitCode = req.ExitCode
		next.EndedAt = &now

		changed, err := transport.NewJobStateChanged(next, now)
		if err != nil {
			h.logger.Error("build completion notification", zap.Error(err))
			ErrInternal(w)
			return
		}
		planned := []transport.Planned{
			h.transports.Plan(next.TransportChoice, transport.JobRoute(next), changed),
		}

		updated, err := h.jobs.Transition(r.Context(), repositories.TransitionRequest{
			JobID: job.JobID,
			From:  []string{job.State},
			To:    target,
			Now:   now,
			Set: map[string]interface{}{
				"exit_code": *req.ExitCode,
				"ended_at":  now,
			},
			Messages: transport.ToPersist(planned...),
		})
		if errors.Is(err, repositories.ErrConflict) && attempt == 0 {
			if job, err = h.jobs.Get(r.Context(), job.JobID); err != nil {
				h.transitionError(w, "complete job", job.JobID, err)
				return
			}
			continue
		}
		if err != nil {
			h.transitionError(w, "complete job", job.JobID, err)
			return
		}
		h.transports.Deliver(r.Context(), planned...)

		h.logger.Info("job completed",
			zap.String("job_id", updated.JobID),
			zap.String("worker_id", identity.ClientID),
			zap.String("state", updated.State),
			zap.Int("exit_code", *req.ExitCode),
		)
		h.kick()

		Ok(w, jobToResponse(updated))
		return
	}
}

// -----------------------------------------------------------------------------
// Internal helpers
// -----------------------------------------------------------------------------

// fetchJob loads the job named by the {id} path parameter, writing the error
// response on failure.
func (h *JobHandler) fetchJob(w http.ResponseWriter, r *http.Request) (*db.Job, bool) {
	id := chi.URLParam(r, "id")
	if !ulid.IsValid(id) {
		ErrValidation(w, "job id is not a ULID")
		return nil, false
	}
	job, err := h.jobs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return nil, false
		}
		h.storageError(w, "get job", err)
		return nil, false
	}
	return job, true
}

// workerChoice resolves a worker's negotiated transport; unknown workers map
// to the empty choice, which Plan resolves to http_polling.
func (h *JobHandler) workerChoice(r *http.Request, workerID string) string {
	worker, err := h.workers.Get(r.Context(), workerID)
	if err != nil {
		return ""
	}
	return worker.TransportChoice
}

// storageError maps a repository failure to 503 or 500 and logs it.
func (h *JobHandler) storageError(w http.ResponseWriter, op string, err error) {
	if isTransientStorage(err) {
		h.logger.Warn(op, zap.Error(err))
		ErrTransientStorage(w)
		return
	}
	h.logger.Error(op, zap.Error(err))
	ErrInternal(w)
}

// transitionError maps the errors of a guarded transition onto the wire.
func (h *JobHandler) transitionError(w http.ResponseWriter, op, jobID string, err error) {
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		ErrNotFound(w)
	case errors.Is(err, repositories.ErrConflict):
		ErrConflict(w, "job changed state concurrently")
	default:
		h.logger.Error(op, zap.String("job_id", jobID), zap.Error(err))
		if isTransientStorage(err) {
			ErrTransientStorage(w)
			return
		}
		ErrInternal(w)
	}
}

// canReadJob reports whether the identity may read the job and its logs.
func canReadJob(identity *db.Identity, job *db.Job) bool {
	return identity.Role == db.RoleAdmin ||
		job.SubmitterID == identity.ClientID ||
		(job.AssigneeID != "" && job.AssigneeID == identity.ClientID)
}

// fmtTime renders a timestamp for the wire.
func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// fmtTimePtr renders an optional timestamp, keeping nil as absent.
func fmtTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := fmtTime(*t)
	return &s
}
