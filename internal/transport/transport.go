// Package transport implements the downlink delivery layer: pluggable
// backends that push notifications to workers and clients. The authoritative
// job state always lives in the repository; a downlink message is a nudge
// telling the peer to read it, never a command carrying state of its own.
//
// Three transports are built in. http_polling persists messages and hands
// them out when the peer drains its queue; it is always available and is the
// universal negotiation fallback. mqtt and amqp publish fire-and-forget to a
// broker and never persist; peers that miss a publish reconcile by polling.
//
// Transports are registered at construction time. The set is fixed at
// compile time; enabling one is a matter of configuration, not discovery.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dffmpeg-io/coordinator/internal/db"
)

// Built-in transport names, as they appear in negotiation payloads and in
// transports.enabled.
const (
	NameHTTPPolling = "http_polling"
	NameMQTT        = "mqtt"
	NameAMQP        = "amqp"
)

// Sentinel errors. Callers should use errors.Is for comparison.
var (
	// ErrUnavailable is returned by Send when the transport cannot currently
	// reach its backend (broker disconnected, publish timed out). Delivery is
	// best-effort: the caller logs and moves on, it never surfaces this to
	// peers.
	ErrUnavailable = errors.New("transport: unavailable")

	// ErrNoCommonTransport is returned by negotiation when the peer's
	// preference list shares no name with the enabled set.
	ErrNoCommonTransport = errors.New("transport: no mutually supported transport")
)

// Route addresses one downlink send. A route with an empty JobID targets the
// recipient's worker command channel; a route with JobID set targets the
// per-job update channel watched by the submitting client. Broker transports
// derive topics and routing keys from it; http_polling only needs the
// recipient.
type Route struct {
	RecipientID string
	JobID       string
}

// WorkerRoute addresses a worker's command channel.
func WorkerRoute(workerID string) Route {
	return Route{RecipientID: workerID}
}

// JobRoute addresses the submitter's update channel for one job.
func JobRoute(job db.Job) Route {
	return Route{RecipientID: job.SubmitterID, JobID: job.JobID}
}

// Transport is one downlink backend.
type Transport interface {
	// Name returns the transport's negotiation name.
	Name() string

	// Start brings the transport up. Broker transports establish their
	// connection here and keep retrying in the background; Start only fails
	// on misconfiguration, not on an unreachable broker.
	Start(ctx context.Context) error

	// Stop tears the transport down and releases its connections.
	Stop(ctx context.Context) error

	// CanSend reports whether the transport can deliver to recipientID right
	// now. http_polling always can; brokers can while connected.
	CanSend(recipientID string) bool

	// Send delivers msg along route. Persistence, if any, happened before
	// this call; Send is pure delivery and its errors are suppressible.
	Send(ctx context.Context, route Route, msg db.DownlinkMessage) error
}

// -----------------------------------------------------------------------------
// Registry
// -----------------------------------------------------------------------------

// Registry holds the enabled transports in the Coordinator's preference
// order (the order of transports.enabled).
type Registry struct {
	order  []string
	byName map[string]Transport
}

// NewRegistry builds a registry from the enabled transports. The registry
// must contain http_polling; negotiation and delivery fall back to it.
func NewRegistry(transports ...Transport) (*Registry, error) {
	r := &Registry{byName: make(map[string]Transport, len(transports))}
	for _, t := range transports {
		if _, dup := r.byName[t.Name()]; dup {
			return nil, fmt.Errorf("transport: duplicate transport %q", t.Name())
		}
		r.byName[t.Name()] = t
		r.order = append(r.order, t.Name())
	}
	if _, ok := r.byName[NameHTTPPolling]; !ok {
		return nil, fmt.Errorf("transport: %s must be enabled", NameHTTPPolling)
	}
	return r, nil
}

// Get returns the transport registered under name.
func (r *Registry) Get(name string) (Transport, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// Names returns the enabled transport names in preference order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Negotiate selects the transport for a peer: the first entry of the peer's
// preference list that this Coordinator enables. Peer order wins; the
// Coordinator's own order never tie-breaks. An empty peer list means the
// peer predates negotiation and gets http_polling.
func (r *Registry) Negotiate(peerPreference []string) (string, error) {
	if len(peerPreference) == 0 {
		return NameHTTPPolling, nil
	}
	for _, name := range peerPreference {
		if _, ok := r.byName[name]; ok {
			return name, nil
		}
	}
	return "", ErrNoCommonTransport
}

// StartAll starts every registered transport. The first failure aborts; the
// caller is expected to exit rather than run with a partial set.
func (r *Registry) StartAll(ctx context.Context) error {
	for _, name := range r.order {
		if err := r.byName[name].Start(ctx); err != nil {
			return fmt.Errorf("transport: start %s: %w", name, err)
		}
	}
	return nil
}

// StopAll stops every registered transport in reverse start order and
// returns the errors joined.
func (r *Registry) StopAll(ctx context.Context) error {
	var errs []error
	for i := len(r.order) - 1; i >= 0; i-- {
		name := r.order[i]
		if err := r.byName[name].Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("transport: stop %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// -----------------------------------------------------------------------------
// Wire envelope
// -----------------------------------------------------------------------------

// envelope is the JSON shape every transport puts on the wire, and the shape
// the downlink drain endpoint returns. Payload shapes per kind are versioned
// by the schema field.
type envelope struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Schema    string          `json:"schema"`
	CreatedAt string          `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
}

// Encode serializes msg into the downlink wire envelope.
func Encode(msg db.DownlinkMessage) ([]byte, error) {
	data, err := json.Marshal(envelope{
		ID:        msg.MessageID,
		Kind:      msg.Kind,
		Schema:    msg.Schema,
		CreatedAt: msg.CreatedAt.UTC().Format(timeFormat),
		Payload:   json.RawMessage(msg.Payload),
	})
	if err != nil {
		return nil, fmt.Errorf("transport: encode %s: %w", msg.MessageID, err)
	}
	return data, nil
}
