package transport

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dffmpeg-io/coordinator/internal/config"
	"github.com/dffmpeg-io/coordinator/internal/db"
)

// MQTT publishes downlink messages to a broker. Worker command channels map
// to {prefix}/workers/{worker_id}; per-job client channels map to
// {prefix}/jobs/{client_id}/{job_id}. Nothing is persisted: a peer that
// misses a publish reconciles by polling the API.
type MQTT struct {
	cfg    config.MQTTConfig
	client mqtt.Client
	logger *zap.Logger
}

// NewMQTT creates the mqtt transport. The broker connection is established
// by Start.
func NewMQTT(cfg config.MQTTConfig, logger *zap.Logger) *MQTT {
	return &MQTT{cfg: cfg, logger: logger.Named("transport.mqtt")}
}

// Name implements Transport.
func (t *MQTT) Name() string { return NameMQTT }

// Start implements Transport. It connects to the broker, waiting up to the
// configured connect timeout. An unreachable broker does not fail startup:
// the client keeps retrying in the background and CanSend stays false until
// it gets through.
func (t *MQTT) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(t.cfg.BrokerURL).
		SetClientID("dffmpeg-coordinator-" + uuid.NewString()).
		SetUsername(t.cfg.Username).
		SetPassword(t.cfg.Password).
		SetConnectTimeout(t.cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false)
	opts.OnConnect = func(mqtt.Client) {
		t.logger.Info("connected to broker", zap.String("broker", t.cfg.BrokerURL))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		t.logger.Warn("broker connection lost", zap.Error(err))
	}

	t.client = mqtt.NewClient(opts)

	token := t.client.Connect()
	if !token.WaitTimeout(t.cfg.ConnectTimeout) {
		t.logger.Warn("broker not reachable yet, retrying in the background",
			zap.String("broker", t.cfg.BrokerURL))
		return nil
	}
	if err := token.Error(); err != nil {
		// The retry loop owns recovery from here.
		t.logger.Warn("broker connect failed, retrying in the background",
			zap.String("broker", t.cfg.BrokerURL), zap.Error(err))
	}
	return nil
}

// Stop implements Transport.
func (t *MQTT) Stop(ctx context.Context) error {
	if t.client != nil {
		t.client.Disconnect(250)
	}
	return nil
}

// CanSend implements Transport.
func (t *MQTT) CanSend(recipientID string) bool {
	return t.client != nil && t.client.IsConnectionOpen()
}

// Send implements Transport by publishing the envelope at the configured
// QoS. Publishes that do not complete within the publish timeout count as
// unavailable.
func (t *MQTT) Send(ctx context.Context, route Route, msg db.DownlinkMessage) error {
	if !t.CanSend(route.RecipientID) {
		return fmt.Errorf("mqtt: not connected: %w", ErrUnavailable)
	}

	body, err := Encode(msg)
	if err != nil {
		return err
	}

	topic := t.topic(route)
	token := t.client.Publish(topic, byte(t.cfg.QoS), false, body)
	if !token.WaitTimeout(t.cfg.PublishTimeout) {
		return fmt.Errorf("mqtt: publish to %s timed out: %w", topic, ErrUnavailable)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: publish to %s: %w", topic, err)
	}
	return nil
}

func (t *MQTT) topic(route Route) string {
	if route.JobID != "" {
		return fmt.Sprintf("%s/jobs/%s/%s", t.cfg.TopicPrefix, route.RecipientID, route.JobID)
	}
	return fmt.Sprintf("%s/workers/%s", t.cfg.TopicPrefix, route.RecipientID)
}
