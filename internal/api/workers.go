package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/dffmpeg-io/coordinator/internal/config"
	"github.com/dffmpeg-io/coordinator/internal/db"
	"github.com/dffmpeg-io/coordinator/internal/repositories"
	"github.com/dffmpeg-io/coordinator/internal/transport"
)

// WorkerHandler groups the worker fleet endpoints: registration renewals,
// explicit deregistration, the assignment long-poll, and the admin listing.
type WorkerHandler struct {
	workers    repositories.WorkerRepository
	jobs       repositories.JobRepository
	transports *transport.Manager
	pollWait   time.Duration
	kick       func()
	validate   *validator.Validate
	logger     *zap.Logger
	now        func() time.Time
}

// NewWorkerHandler creates a new WorkerHandler.
func NewWorkerHandler(
	workers repositories.WorkerRepository,
	jobs repositories.JobRepository,
	transports *transport.Manager,
	poll config.HTTPPollingConfig,
	kick func(),
	logger *zap.Logger,
) *WorkerHandler {
	return &WorkerHandler{
		workers:    workers,
		jobs:       jobs,
		transports: transports,
		pollWait:   poll.LongPollTimeout,
		kick:       kick,
		validate:   validator.New(),
		logger:     logger.Named("worker_handler"),
		now:        time.Now,
	}
}

// registerWorkerRequest is the body of POST /api/v1/workers/register. The
// same call serves initial registration and periodic renewal; a renewal
// simply re-sends the current capability set.
type registerWorkerRequest struct {
	WorkerID              string              `json:"worker_id" validate:"required"`
	Binaries              []string            `json:"binaries" validate:"required,min=1"`
	Variables             []string            `json:"variables"`
	RegistrationIntervalS int                 `json:"registration_interval_s" validate:"omitempty,min=1,max=3600"`
	Version               string              `json:"version"`
	Transports            *negotiationRequest `json:"transports"`
}

// registerWorkerResponse is the registration acknowledgement.
type registerWorkerResponse struct {
	WorkerID              string              `json:"worker_id"`
	Transport             negotiationResponse `json:"transport"`
	RegistrationIntervalS int                 `json:"registration_interval_s"`
}

// workerResponse is the wire representation of a worker row.
type workerResponse struct {
	WorkerID              string   `json:"worker_id"`
	Status                string   `json:"status"`
	RegisteredAt          string   `json:"registered_at"`
	LastSeenAt            string   `json:"last_seen_at"`
	RegistrationIntervalS int      `json:"registration_interval_s"`
	Version               string   `json:"version,omitempty"`
	Binaries              []string `json:"binaries"`
	Variables             []string `json:"variables"`
	Transport             string   `json:"transport,omitempty"`
}

func workerToResponse(wk *db.Worker) workerResponse {
	return workerResponse{
		WorkerID:              wk.WorkerID,
		Status:                wk.Status,
		RegisteredAt:          fmtTime(wk.RegisteredAt),
		LastSeenAt:            fmtTime(wk.LastSeenAt),
		RegistrationIntervalS: wk.RegistrationIntervalS,
		Version:               wk.Version,
		Binaries:              wk.AdvertisedBinaries,
		Variables:             wk.AdvertisedVariables,
		Transport:             wk.TransportChoice,
	}
}

// listWorkersResponse wraps a worker listing.
type listWorkersResponse struct {
	Items []workerResponse `json:"items"`
	Total int64            `json:"total"`
}

// workResponse is the payload of the assignment poll: the jobs currently
// assigned to the calling worker and not yet accepted.
type workResponse struct {
	Items []jobResponse `json:"items"`
}

// Register handles POST /api/v1/workers/register. The worker_id in the body
// must match the authenticated identity so a worker cannot advertise
// capabilities under another name. Registration negotiates the downlink
// transport and upserts the capability row, then kicks the scheduler since
// new capabilities may unblock pending jobs.
func (h *WorkerHandler) Register(w http.ResponseWriter, r *http.Request) {
	identity := identityFromCtx(r.Context())
	if identity.Role != db.RoleWorker {
		ErrForbidden(w)
		return
	}

	var req registerWorkerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		ErrValidation(w, err.Error())
		return
	}
	if req.WorkerID != identity.ClientID {
		ErrForbidden(w)
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

	interval := req.RegistrationIntervalS
	if interval == 0 {
		interval = 15
	}

	now := h.now().UTC()
	worker := &db.Worker{
		WorkerID:              req.WorkerID,
		Status:                db.WorkerOnline,
		RegisteredAt:          now,
		LastSeenAt:            now,
		RegistrationIntervalS: interval,
		Version:               req.Version,
		AdvertisedBinaries:    db.NewStringSet(req.Binaries...),
		AdvertisedVariables:   db.NewStringSet(req.Variables...),
		TransportChoice:       choice,
		UpdatedAt:             now,
	}
	if err := h.workers.Upsert(r.Context(), worker); err != nil {
		h.storageFailure(w, "register worker", err)
		return
	}

	h.logger.Info("worker registered",
		zap.String("worker_id", worker.WorkerID),
		zap.Strings("binaries", worker.AdvertisedBinaries),
		zap.String("transport", worker.TransportChoice),
		zap.Int("registration_interval_s", interval),
	)
	h.kick()

	Ok(w, registerWorkerResponse{
		WorkerID:              worker.WorkerID,
		Transport:             negotiationResponse{Chosen: choice},
		RegistrationIntervalS: interval,
	})
}

// Deregister handles POST /api/v1/workers/deregister: a graceful shutdown
// marks the calling worker offline immediately instead of waiting for the
// janitor to time the registration out.
func (h *WorkerHandler) Deregister(w http.ResponseWriter, r *http.Request) {
	identity := identityFromCtx(r.Context())
	if identity.Role != db.RoleWorker {
		ErrForbidden(w)
		return
	}

	if err := h.workers.MarkOffline(r.Context(), identity.ClientID, h.now().UTC()); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.storageFailure(w, "deregister worker", err)
		return
	}

	h.logger.Info("worker deregistered", zap.String("worker_id", identity.ClientID))
	NoContent(w)
}

// List handles GET /api/v1/workers (admin only). Query parameters: status
// (online|offline), limit, offset.
func (h *WorkerHandler) List(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	status := query.Get("status")
	switch status {
	case "", db.WorkerOnline, db.WorkerOffline:
	default:
		ErrValidation(w, "unknown status "+strconv.Quote(status))
		return
	}

	opts := repositories.ListOptions{Limit: 50}
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			ErrValidation(w, "limit must be a positive integer")
			return
		}
		opts.Limit = n
	}
	if raw := query.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			ErrValidation(w, "offset must be a non-negative integer")
			return
		}
		opts.Offset = n
	}

	workers, total, err := h.workers.List(r.Context(), status, opts)
	if err != nil {
		h.storageFailure(w, "list workers", err)
		return
	}

	items := make([]workerResponse, len(workers))
	for i := range workers {
		items[i] = workerToResponse(&workers[i])
	}
	Ok(w, listWorkersResponse{Items: items, Total: total})
}

// Work handles GET /api/v1/workers/{id}/work: the worker polls for jobs
// assigned to it. With wait enabled (the default) the handler parks on the
// long-poll waiter set until the scheduler assigns something, the poll
// window elapses, or the peer goes away; ?wait=false turns it into a plain
// read for workers that drive their own poll loop.
func (h *WorkerHandler) Work(w http.ResponseWriter, r *http.Request) {
	identity := identityFromCtx(r.Context())
	workerID := chi.URLParam(r, "id")
	if identity.Role != db.RoleWorker || workerID != identity.ClientID {
		ErrForbidden(w)
		return
	}

	wait := r.URL.Query().Get("wait") != "false"
	filter := repositories.JobFilter{
		States:     []string{db.JobAssigned},
		AssigneeID: workerID,
	}

	jobs, _, err := h.jobs.List(r.Context(), filter)
	if err != nil {
		h.storageFailure(w, "poll work", err)
		return
	}

	if len(jobs) == 0 && wait {
		deadline := time.NewTimer(h.pollWait)
		defer deadline.Stop()

		for len(jobs) == 0 {
			wake, cancel := h.transports.Waiters().Wait(workerID)
			select {
			case <-wake:
				cancel()
			case <-deadline.C:
				cancel()
				Ok(w, workResponse{Items: []jobResponse{}})
				return
			case <-r.Context().Done():
				cancel()
				return
			}

			if jobs, _, err = h.jobs.List(r.Context(), filter); err != nil {
				h.storageFailure(w, "poll work", err)
				return
			}
		}
	}

	items := make([]jobResponse, len(jobs))
	for i := range jobs {
		items[i] = jobToResponse(&jobs[i])
	}
	Ok(w, workResponse{Items: items})
}

// storageFailure mirrors JobHandler.storageError for the worker endpoints.
func (h *WorkerHandler) storageFailure(w http.ResponseWriter, op string, err error) {
	if isTransientStorage(err) {
		h.logger.Warn(op, zap.Error(err))
		ErrTransientStorage(w)
		return
	}
	h.logger.Error(op, zap.Error(err))
	ErrInternal(w)
}
