package transport

import (
	"context"

	"go.uber.org/zap"

	"github.com/dffmpeg-io/coordinator/internal/db"
	"github.com/dffmpeg-io/coordinator/internal/metrics"
)

// Manager routes downlink messages to the transport each recipient
// negotiated. Sending is a two-phase affair shaped by the delivery
// semantics: messages bound for http_polling must be written in the same
// transaction as the state change they announce (Plan tells the caller
// which), and every message is handed to its transport only after that
// transaction commits (Deliver).
//
// Send failures are logged and counted, never surfaced: the repository
// holds the authoritative state and peers reconcile by polling.
type Manager struct {
	registry *Registry
	waiters  *Waiters
	logger   *zap.Logger
}

// NewManager creates a Manager over the enabled transports.
func NewManager(registry *Registry, waiters *Waiters, logger *zap.Logger) *Manager {
	return &Manager{
		registry: registry,
		waiters:  waiters,
		logger:   logger.Named("transport"),
	}
}

// Negotiate selects the transport for a peer's preference list.
func (m *Manager) Negotiate(peerPreference []string) (string, error) {
	return m.registry.Negotiate(peerPreference)
}

// Names returns the enabled transport names in preference order.
func (m *Manager) Names() []string { return m.registry.Names() }

// Waiters exposes the long-poll waiter table for handlers that block on
// conditions other than the downlink queue (the worker work poll).
func (m *Manager) Waiters() *Waiters { return m.waiters }

// Planned is one message bound to the transport and route it goes out on.
type Planned struct {
	Transport Transport
	Route     Route
	Message   db.DownlinkMessage
}

// Persist reports whether the message must be written in the state-change
// transaction. Only http_polling persists; brokers are fire-and-forget.
func (p Planned) Persist() bool {
	return p.Transport != nil && p.Transport.Name() == NameHTTPPolling
}

// Plan resolves the recipient's negotiated choice to a usable transport. An
// unknown or disabled choice, or a broker that cannot currently send, falls
// back to http_polling, which then persists the message so the peer finds
// it on its next poll.
func (m *Manager) Plan(choice string, route Route, msg db.DownlinkMessage) Planned {
	tr, ok := m.registry.Get(choice)
	if !ok || !tr.CanSend(route.RecipientID) {
		tr, _ = m.registry.Get(NameHTTPPolling)
	}
	return Planned{Transport: tr, Route: route, Message: msg}
}

// ToPersist filters the messages that ride in the state-change transaction.
func ToPersist(planned ...Planned) []db.DownlinkMessage {
	var out []db.DownlinkMessage
	for _, p := range planned {
		if p.Persist() {
			out = append(out, p.Message)
		}
	}
	return out
}

// Deliver hands each planned message to its transport and wakes the
// recipient's parked long-polls. Call it after the state change committed.
// The wake is unconditional: a broker-negotiated worker that happens to be
// long-polling the API still gets nudged.
func (m *Manager) Deliver(ctx context.Context, planned ...Planned) {
	for _, p := range planned {
		if p.Transport == nil {
			continue
		}
		if err := p.Transport.Send(ctx, p.Route, p.Message); err != nil {
			metrics.DownlinkSends.WithLabelValues(p.Transport.Name(), "error").Inc()
			m.logger.Warn("downlink send failed",
				zap.String("transport", p.Transport.Name()),
				zap.String("recipient_id", p.Route.RecipientID),
				zap.String("kind", p.Message.Kind),
				zap.String("message_id", p.Message.MessageID),
				zap.Error(err))
		} else {
			metrics.DownlinkSends.WithLabelValues(p.Transport.Name(), "ok").Inc()
		}
		m.waiters.Wake(p.Route.RecipientID)
	}
}
