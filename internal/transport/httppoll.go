package transport

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dffmpeg-io/coordinator/internal/config"
	"github.com/dffmpeg-io/coordinator/internal/db"
	"github.com/dffmpeg-io/coordinator/internal/repositories"
)

// HTTPPolling is the database-backed transport. Messages for its recipients
// are written in the same transaction as the state change they announce, so
// delivery survives a Coordinator restart; the peer collects them by
// draining GET /api/v1/downlink, long-polling up to the configured cap.
//
// Send does not move bytes. The message row already exists by the time Send
// runs; all that remains is waking any poll parked for the recipient.
type HTTPPolling struct {
	downlinks repositories.DownlinkRepository
	waiters   *Waiters
	timeout   time.Duration
	maxBatch  int
	logger    *zap.Logger

	// now is stubbed in tests.
	now func() time.Time
}

// NewHTTPPolling creates the http_polling transport.
func NewHTTPPolling(cfg config.HTTPPollingConfig, downlinks repositories.DownlinkRepository, waiters *Waiters, logger *zap.Logger) *HTTPPolling {
	return &HTTPPolling{
		downlinks: downlinks,
		waiters:   waiters,
		timeout:   cfg.LongPollTimeout,
		maxBatch:  cfg.MaxBatch,
		logger:    logger.Named("transport.http_polling"),
		now:       time.Now,
	}
}

// Name implements Transport.
func (t *HTTPPolling) Name() string { return NameHTTPPolling }

// Start implements Transport. There is no connection to open.
func (t *HTTPPolling) Start(ctx context.Context) error { return nil }

// Stop implements Transport.
func (t *HTTPPolling) Stop(ctx context.Context) error { return nil }

// CanSend implements Transport. Polling is always available.
func (t *HTTPPolling) CanSend(recipientID string) bool { return true }

// Send implements Transport by waking any poll parked for the recipient.
func (t *HTTPPolling) Send(ctx context.Context, route Route, msg db.DownlinkMessage) error {
	t.waiters.Wake(route.RecipientID)
	return nil
}

// Drain collects the pending messages for recipientID, oldest first, marking
// them delivered. With wait set and nothing pending, it parks until a
// message arrives or the long-poll cap expires, then returns whatever is
// there (possibly nothing). A closed connection (ctx cancelled) releases the
// wait without consuming anything.
func (t *HTTPPolling) Drain(ctx context.Context, recipientID string, wait bool) ([]db.DownlinkMessage, error) {
	msgs, err := t.downlinks.Drain(ctx, recipientID, t.maxBatch, t.now())
	if err != nil || len(msgs) > 0 || !wait {
		return msgs, err
	}

	deadline := time.NewTimer(t.timeout)
	defer deadline.Stop()

	for {
		wake, release := t.waiters.Wait(recipientID)

		// A message enqueued between the last drain and the Wait registration
		// would wake nobody, so look again before parking.
		msgs, err = t.downlinks.Drain(ctx, recipientID, t.maxBatch, t.now())
		if err != nil || len(msgs) > 0 {
			release()
			return msgs, err
		}

		select {
		case <-wake:
			// Woken: loop re-registers and drains. An empty drain here means
			// a concurrent poll got the message; park again.
			release()
		case <-deadline.C:
			release()
			return nil, nil
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}
}
