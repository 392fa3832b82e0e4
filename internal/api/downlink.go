package api

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/dffmpeg-io/coordinator/internal/repositories"
	"github.com/dffmpeg-io/coordinator/internal/transport"
)

// DownlinkHandler serves the HTTP-polling downlink drain. Peers on mqtt or
// amqp receive pushes and never call this; peers on http_polling park here
// until a message lands in their queue.
type DownlinkHandler struct {
	polling *transport.HTTPPolling
	logger  *zap.Logger
}

// NewDownlinkHandler creates a new DownlinkHandler.
func NewDownlinkHandler(polling *transport.HTTPPolling, logger *zap.Logger) *DownlinkHandler {
	return &DownlinkHandler{
		polling: polling,
		logger:  logger.Named("downlink_handler"),
	}
}

// downlinkMessageResponse is one drained envelope. The payload is passed
// through verbatim so the schema owner stays the message builder.
type downlinkMessageResponse struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Schema    string          `json:"schema"`
	CreatedAt string          `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
}

// drainResponse wraps a drain batch.
type drainResponse struct {
	Items []downlinkMessageResponse `json:"items"`
}

// Drain handles GET /api/v1/downlink. Messages are marked delivered as they
// are handed out; ?wait=false disables the long-poll park and returns the
// current queue immediately.
func (h *DownlinkHandler) Drain(w http.ResponseWriter, r *http.Request) {
	identity := identityFromCtx(r.Context())
	wait := r.URL.Query().Get("wait") != "false"

	messages, err := h.polling.Drain(r.Context(), identity.ClientID, wait)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		h.logger.Error("drain downlink", zap.String("recipient_id", identity.ClientID), zap.Error(err))
		if isTransientStorage(err) {
			ErrTransientStorage(w)
			return
		}
		ErrInternal(w)
		return
	}

	items := make([]downlinkMessageResponse, len(messages))
	for i, m := range messages {
		items[i] = downlinkMessageResponse{
			ID:        m.MessageID,
			Kind:      m.Kind,
			Schema:    m.Schema,
			CreatedAt: fmtTime(m.CreatedAt),
			Payload:   json.RawMessage(m.Payload),
		}
	}
	Ok(w, drainResponse{Items: items})
}

// dispatch persists planned downlink messages and then attempts delivery.
// It is the non-transactional twin of TransitionRequest.Messages, used by
// paths that have no job-state transition to ride on: the enqueue is the
// durable step, the delivery attempt best effort.
func dispatch(ctx context.Context, downlinks repositories.DownlinkRepository, transports *transport.Manager, planned ...transport.Planned) error {
	persist := transport.ToPersist(planned...)
	if len(persist) == 0 {
		return nil
	}
	if err := downlinks.Enqueue(ctx, persist...); err != nil {
		return err
	}
	transports.Deliver(ctx, planned...)
	return nil
}
