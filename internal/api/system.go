package api

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/dffmpeg-io/coordinator/internal/repositories"
	"github.com/dffmpeg-io/coordinator/internal/transport"
)

// SystemHandler serves the liveness and connectivity endpoints.
type SystemHandler struct {
	ping       func(context.Context) error
	downlinks  repositories.DownlinkRepository
	transports *transport.Manager
	workers    repositories.WorkerRepository
	logger     *zap.Logger
	now        func() time.Time
}

// NewSystemHandler creates a new SystemHandler. ping checks storage
// connectivity, typically db.Ping bound to the live handle.
func NewSystemHandler(
	ping func(context.Context) error,
	downlinks repositories.DownlinkRepository,
	transports *transport.Manager,
	workers repositories.WorkerRepository,
	logger *zap.Logger,
) *SystemHandler {
	return &SystemHandler{
		ping:       ping,
		downlinks:  downlinks,
		transports: transports,
		workers:    workers,
		logger:     logger.Named("system_handler"),
		now:        time.Now,
	}
}

// pingRequest is the optional body of POST /api/v1/ping.
type pingRequest struct {
	Message string `json:"message"`
}

// pingResponse echoes the request and names the downlink message the ping
// produced, so a peer can verify its drain path end to end.
type pingResponse struct {
	Status    string `json:"status"`
	Echo      string `json:"echo,omitempty"`
	MessageID string `json:"message_id"`
}

// Health handles GET /health: unauthenticated liveness with a storage ping.
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.ping(r.Context()); err != nil {
		h.logger.Error("health check", zap.Error(err))
		errJSON(w, http.StatusServiceUnavailable, "database unreachable", "transient_storage")
		return
	}
	JSON(w, http.StatusOK, envelope{"status": "ok"})
}

// Ping handles POST /api/v1/ping: an authenticated echo that also pushes a
// ping message down the caller's negotiated transport. Callers that never
// registered as workers have no negotiated choice and fall back to
// http_polling.
func (h *SystemHandler) Ping(w http.ResponseWriter, r *http.Request) {
	identity := identityFromCtx(r.Context())

	var req pingRequest
	if r.ContentLength > 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}

	msg, err := transport.NewPing(identity.ClientID, h.now().UTC())
	if err != nil {
		h.logger.Error("build ping message", zap.Error(err))
		ErrInternal(w)
		return
	}

	choice := ""
	if worker, err := h.workers.Get(r.Context(), identity.ClientID); err == nil {
		choice = worker.TransportChoice
	}
	planned := h.transports.Plan(choice, transport.Route{RecipientID: identity.ClientID}, msg)
	if err := dispatch(r.Context(), h.downlinks, h.transports, planned); err != nil {
		h.logger.Error("queue ping message", zap.Error(err))
		if isTransientStorage(err) {
			ErrTransientStorage(w)
			return
		}
		ErrInternal(w)
		return
	}

	Ok(w, pingResponse{Status: "received", Echo: req.Message, MessageID: msg.MessageID})
}
