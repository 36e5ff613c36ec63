// Package notify publishes occupancy transitions to other systems.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/kozaktomas/occupancy-tracker/internal/config"
	"github.com/kozaktomas/occupancy-tracker/internal/occupancy"
)

const publishTimeout = 2 * time.Second

// PublishFunc sends one message.
type PublishFunc func(ctx context.Context, topic string, qos byte, payload []byte) error

// Event is the JSON payload of a transition.
type Event struct {
	Kind      string    `json:"kind"`
	UserID    int64     `json:"user_id"`
	Source    string    `json:"source"`
	CameraID  *int64    `json:"camera_id,omitempty"`
	Distance  *float64  `json:"distance,omitempty"`
	SessionID int64     `json:"session_id"`
	At        time.Time `json:"at"`
}

// NewEvent converts a transition to its wire form.
func NewEvent(t occupancy.Transition) Event {
	return Event{
		Kind:      string(t.Kind),
		UserID:    t.UserID,
		Source:    string(t.Source),
		CameraID:  t.CameraID,
		Distance:  t.Distance,
		SessionID: t.Session.ID,
		At:        t.At.UTC(),
	}
}

// MQTTNotifier publishes transitions to <topic>/<kind>.
type MQTTNotifier struct {
	topic   string
	qos     byte
	publish PublishFunc
	client  mqtt.Client
	logger  *slog.Logger
}

// NewMQTTNotifier creates a notifier around publish. Use Connect for a
// notifier backed by a real broker connection.
func NewMQTTNotifier(topic string, qos byte, publish PublishFunc, logger *slog.Logger) *MQTTNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTNotifier{
		topic:   strings.TrimSuffix(topic, "/"),
		qos:     qos,
		publish: publish,
		logger:  logger,
	}
}

// Connect dials the broker from cfg. The client reconnects on its own after
// the first successful connection.
func Connect(cfg config.MQTTConfig, logger *slog.Logger) (*MQTTNotifier, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker not configured")
	}
	if logger == nil {
		logger = slog.Default()
	}

	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "occupancy-" + uuid.NewString()[:8]
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		logger.Info("mqtt connection established", "broker", broker, "client_id", clientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost, will auto-reconnect", "broker", broker, "error", err)
	}

	client := mqtt.NewClient(opts)
	logger.Info("connecting to mqtt broker", "broker", broker)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}

	n := NewMQTTNotifier(cfg.Topic, byte(cfg.QoS), clientPublisher(client), logger)
	n.client = client
	return n, nil
}

func clientPublisher(client mqtt.Client) PublishFunc {
	return func(ctx context.Context, topic string, qos byte, payload []byte) error {
		if !client.IsConnectionOpen() {
			return errors.New("mqtt not connected")
		}
		token := client.Publish(topic, qos, false, payload)
		select {
		case <-token.Done():
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(publishTimeout):
			return errors.New("publish timeout")
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish failed: %w", err)
		}
		return nil
	}
}

// Notify publishes t.
func (n *MQTTNotifier) Notify(ctx context.Context, t occupancy.Transition) error {
	payload, err := json.Marshal(NewEvent(t))
	if err != nil {
		return fmt.Errorf("failed to marshal transition: %w", err)
	}
	topic := n.topic + "/" + string(t.Kind)
	if err := n.publish(ctx, topic, n.qos, payload); err != nil {
		return err
	}
	n.logger.Debug("transition published", "topic", topic, "user_id", t.UserID, "size", len(payload))
	return nil
}

// Close disconnects from the broker.
func (n *MQTTNotifier) Close() {
	if n.client != nil {
		n.client.Disconnect(250)
	}
}
