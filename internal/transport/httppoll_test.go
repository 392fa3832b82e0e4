package transport

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/dffmpeg-io/coordinator/internal/config"
	"github.com/dffmpeg-io/coordinator/internal/db"
	"github.com/dffmpeg-io/coordinator/internal/repositories"
)

func newPollTransport(t *testing.T, timeout time.Duration) (*HTTPPolling, repositories.DownlinkRepository) {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      fmt.Sprintf("file:%s?mode=memory&cache=shared", name),
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)

	downlinks := repositories.NewDownlinkRepository(database)
	poll := NewHTTPPolling(config.HTTPPollingConfig{
		LongPollTimeout: timeout,
		MaxBatch:        10,
	}, downlinks, NewWaiters(), zap.NewNop())
	return poll, downlinks
}

func TestHTTPPollingDrainReturnsPendingImmediately(t *testing.T) {
	poll, downlinks := newPollTransport(t, 5*time.Second)
	ctx := context.Background()

	require.NoError(t, downlinks.Enqueue(ctx, testMessage("w1")))

	start := time.Now()
	msgs, err := poll.Drain(ctx, "w1", true)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Less(t, time.Since(start), time.Second, "pending message must not wait out the poll")

	// Drained messages are gone.
	msgs, err = poll.Drain(ctx, "w1", false)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestHTTPPollingDrainWakesOnSend(t *testing.T) {
	poll, downlinks := newPollTransport(t, 10*time.Second)
	ctx := context.Background()

	msg := testMessage("w1")
	go func() {
		time.Sleep(50 * time.Millisecond)
		if err := downlinks.Enqueue(ctx, msg); err != nil {
			return
		}
		_ = poll.Send(ctx, WorkerRoute("w1"), msg)
	}()

	start := time.Now()
	msgs, err := poll.Drain(ctx, "w1", true)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, msg.MessageID, msgs[0].MessageID)
	assert.Less(t, time.Since(start), 5*time.Second, "wake must beat the poll cap")
}

func TestHTTPPollingDrainTimesOutEmpty(t *testing.T) {
	poll, _ := newPollTransport(t, 50*time.Millisecond)

	msgs, err := poll.Drain(context.Background(), "w1", true)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestHTTPPollingDrainReleasedOnDisconnect(t *testing.T) {
	poll, downlinks := newPollTransport(t, 10*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := poll.Drain(ctx, "w1", true)
	assert.ErrorIs(t, err, context.Canceled)

	// Nothing was consumed on behalf of the vanished peer.
	require.NoError(t, downlinks.Enqueue(context.Background(), testMessage("w1")))
	msgs, err := poll.Drain(context.Background(), "w1", false)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestHTTPPollingSendIsAlwaysAvailable(t *testing.T) {
	poll, _ := newPollTransport(t, time.Second)

	assert.True(t, poll.CanSend("anyone"))
	assert.NoError(t, poll.Send(context.Background(), WorkerRoute("w1"), testMessage("w1")))
}
