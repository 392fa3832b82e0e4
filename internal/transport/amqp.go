package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/dffmpeg-io/coordinator/internal/config"
	"github.com/dffmpeg-io/coordinator/internal/db"
)

// AMQP publishes downlink messages to a RabbitMQ broker: worker commands to
// the workers exchange with the worker_id as routing key, per-job client
// updates to the jobs exchange with {client_id}.{job_id}. Both exchanges are
// durable topic exchanges and publishes are persistent, but the Coordinator
// itself keeps no broker state; missed messages are reconciled by polling.
type AMQP struct {
	cfg    config.AMQPConfig
	logger *zap.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel

	stop     chan struct{}
	stopOnce sync.Once
}

// NewAMQP creates the amqp transport. The broker connection is established
// by Start.
func NewAMQP(cfg config.AMQPConfig, logger *zap.Logger) *AMQP {
	return &AMQP{
		cfg:    cfg,
		logger: logger.Named("transport.amqp"),
		stop:   make(chan struct{}),
	}
}

// Name implements Transport.
func (t *AMQP) Name() string { return NameAMQP }

// Start implements Transport. The connection is maintained by a background
// loop that redials on failure; an unreachable broker does not fail startup.
func (t *AMQP) Start(ctx context.Context) error {
	go t.maintain(ctx)
	return nil
}

// maintain dials, then blocks until the connection drops or the transport
// shuts down, redialing after a short pause.
func (t *AMQP) maintain(ctx context.Context) {
	for {
		if err := t.connect(); err != nil {
			t.logger.Warn("broker connect failed, retrying", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-t.stop:
				return
			case <-time.After(5 * time.Second):
				continue
			}
		}

		t.mu.Lock()
		closed := t.conn.NotifyClose(make(chan *amqp.Error, 1))
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			t.teardown()
			return
		case <-t.stop:
			t.teardown()
			return
		case err := <-closed:
			if err != nil {
				t.logger.Warn("broker connection lost", zap.Error(err))
			}
			t.clear()
		}
	}
}

func (t *AMQP) connect() error {
	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName("dffmpeg-coordinator-" + uuid.NewString())

	conn, err := amqp.DialConfig(t.cfg.URL, amqp.Config{Properties: props})
	if err != nil {
		return fmt.Errorf("amqp: dial: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp: open channel: %w", err)
	}

	for _, exchange := range []string{t.cfg.WorkerExchange, t.cfg.JobExchange} {
		if err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
			conn.Close()
			return fmt.Errorf("amqp: declare exchange %s: %w", exchange, err)
		}
	}

	t.mu.Lock()
	t.conn, t.channel = conn, channel
	t.mu.Unlock()

	t.logger.Info("connected to broker",
		zap.String("worker_exchange", t.cfg.WorkerExchange),
		zap.String("job_exchange", t.cfg.JobExchange))
	return nil
}

func (t *AMQP) clear() {
	t.mu.Lock()
	t.conn, t.channel = nil, nil
	t.mu.Unlock()
}

func (t *AMQP) teardown() {
	t.mu.Lock()
	conn := t.conn
	t.conn, t.channel = nil, nil
	t.mu.Unlock()

	if conn != nil && !conn.IsClosed() {
		conn.Close()
	}
}

// Stop implements Transport.
func (t *AMQP) Stop(ctx context.Context) error {
	t.stopOnce.Do(func() { close(t.stop) })
	t.teardown()
	return nil
}

// CanSend implements Transport.
func (t *AMQP) CanSend(recipientID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil && !t.conn.IsClosed() && t.channel != nil
}

// Send implements Transport by publishing the envelope as a persistent
// message.
func (t *AMQP) Send(ctx context.Context, route Route, msg db.DownlinkMessage) error {
	t.mu.Lock()
	channel := t.channel
	t.mu.Unlock()
	if channel == nil {
		return fmt.Errorf("amqp: not connected: %w", ErrUnavailable)
	}

	body, err := Encode(msg)
	if err != nil {
		return err
	}

	exchange, key := t.route(route)
	ctx, cancel := context.WithTimeout(ctx, t.cfg.PublishTimeout)
	defer cancel()

	err = channel.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.MessageID,
		Timestamp:    msg.CreatedAt,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("amqp: publish to %s key %s: %w", exchange, key, err)
	}
	return nil
}

func (t *AMQP) route(route Route) (exchange, key string) {
	if route.JobID != "" {
		return t.cfg.JobExchange, route.RecipientID + "." + route.JobID
	}
	return t.cfg.WorkerExchange, route.RecipientID
}
