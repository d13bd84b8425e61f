package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/AnythingTechPro/Syndicate/internal/config"
	"github.com/AnythingTechPro/Syndicate/internal/events"
	"github.com/AnythingTechPro/Syndicate/internal/logging"
	"github.com/AnythingTechPro/Syndicate/internal/session"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
	watchBuffer    = 512

	// SnapshotTopic is published retained so late MQTT subscribers see the full set.
	SnapshotTopic = "snapshot"
)

// ErrNotConnected is returned when publishing before the broker accepted us.
var ErrNotConnected = errors.New("mqtt not connected")

// Publisher is the slice of mqtt.Client the emitter needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Source hands out a snapshot together with a subscription that continues it.
type Source interface {
	Watch(buffer int) ([]session.AvatarState, *events.Subscription, error)
}

// Stats contains emitter statistics.
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// MQTTEmitter mirrors presence events to an MQTT broker.
type MQTTEmitter struct {
	cfg    config.MQTTConfig
	logger *logging.Logger
	client mqtt.Client
	pub    Publisher

	mu        sync.RWMutex
	published map[string]uint64
	errors    uint64
	connected bool
}

// NewMQTTEmitter creates an emitter. An empty client id gets a random one.
func NewMQTTEmitter(cfg config.MQTTConfig, logger *logging.Logger) *MQTTEmitter {
	if logger == nil {
		logger = logging.L()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "syndicate-" + uuid.NewString()
	}
	cfg.TopicPrefix = strings.TrimSuffix(cfg.TopicPrefix, "/")
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = config.DefaultMQTTTopicPrefix
	}
	return &MQTTEmitter{
		cfg:       cfg,
		logger:    logger.With(logging.String("component", "mqtt"), logging.String("broker", cfg.Broker)),
		published: make(map[string]uint64),
	}
}

// Connect establishes the broker connection with automatic reconnects.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	broker := e.cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		e.setConnected(true)
		e.logger.Info("mqtt connection established", logging.String("client_id", e.cfg.ClientID))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		e.setConnected(false)
		e.logger.Warn("mqtt connection lost, will auto-reconnect", logging.Error(err))
	}

	client := mqtt.NewClient(opts)
	e.logger.Info("connecting to mqtt broker")
	token := client.Connect()

	timer := time.NewTimer(connectTimeout)
	defer timer.Stop()
	select {
	case <-token.Done():
	case <-timer.C:
		//1.- Stop the background retry loop; the caller decides whether to try again.
		client.Disconnect(0)
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		client.Disconnect(0)
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		client.Disconnect(0)
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	e.client = client
	e.pub = client
	e.setConnected(true)
	return nil
}

// UsePublisher injects an already connected publisher.
func (e *MQTTEmitter) UsePublisher(pub Publisher) {
	e.pub = pub
	e.setConnected(pub != nil)
}

// Run mirrors the source until ctx is cancelled or the hub shuts down. Each
// (re)subscription republishes the retained snapshot first.
func (e *MQTTEmitter) Run(ctx context.Context, source Source) error {
	for {
		snapshot, sub, err := source.Watch(watchBuffer)
		if err != nil {
			if errors.Is(err, events.ErrHubClosed) {
				return nil
			}
			return err
		}
		if err := e.PublishSnapshot(snapshot); err != nil {
			e.logger.Warn("mqtt snapshot publish failed", logging.Error(err))
		}
		dropped := e.forward(ctx, sub)
		sub.Close()
		if !dropped {
			return nil
		}
		e.logger.Warn("mqtt emitter fell behind, resubscribing")
	}
}

func (e *MQTTEmitter) forward(ctx context.Context, sub *events.Subscription) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case evt, ok := <-sub.Events():
			if !ok {
				return true
			}
			if err := e.PublishEvent(evt); err != nil {
				e.logger.Debug("mqtt event publish failed", logging.Error(err), logging.String("kind", string(evt.Kind)))
			}
		}
	}
}

// PublishEvent sends one event to <prefix>/<kind> at QoS 0.
func (e *MQTTEmitter) PublishEvent(evt events.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		e.countError()
		return err
	}
	return e.publish(e.Topic(string(evt.Kind)), false, payload)
}

// PublishSnapshot sends the avatar set retained to <prefix>/snapshot.
func (e *MQTTEmitter) PublishSnapshot(avatars []session.AvatarState) error {
	if avatars == nil {
		avatars = []session.AvatarState{}
	}
	payload, err := json.Marshal(avatars)
	if err != nil {
		e.countError()
		return err
	}
	return e.publish(e.Topic(SnapshotTopic), true, payload)
}

// Topic joins the configured prefix with name.
func (e *MQTTEmitter) Topic(name string) string {
	return e.cfg.TopicPrefix + "/" + name
}

func (e *MQTTEmitter) publish(topic string, retained bool, payload []byte) error {
	if !e.isConnected() || e.pub == nil {
		e.countError()
		return ErrNotConnected
	}
	token := e.pub.Publish(topic, 0, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}
	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()
	return nil
}

// Disconnect closes the broker connection.
func (e *MQTTEmitter) Disconnect() {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
		e.logger.Info("mqtt disconnected")
	}
	e.setConnected(false)
}

// Stats returns emitter statistics.
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{Connected: e.connected, Published: published, Errors: e.errors}
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
