// Package bridge mirrors the device cache onto an MQTT broker and forwards
// setting writes received over MQTT to the service.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/bilbercode/lykyn-sync/internal/config"
	"github.com/bilbercode/lykyn-sync/internal/devices"
	"github.com/bilbercode/lykyn-sync/internal/presets"
)

const (
	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 1000
	keepAlive         = 60 * time.Second
)

var (
	ErrConnectionFailed = errors.New("mqtt connection failed")
	ErrSubscribeFailed  = errors.New("mqtt subscribe failed")
)

var messages = promauto.NewCounterVec(prometheus.CounterOpts{
	Name:      "mqtt_messages_total",
	Namespace: "lykyn_sync",
	Help:      "number of MQTT messages handled by the bridge, by direction",
}, []string{"direction"})

// Broker is the part of a paho client the bridge uses.
type Broker interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Unsubscribe(topics ...string) pahomqtt.Token
	Disconnect(quiesce uint)
}

// Source is the lykyn client as seen by the bridge.
type Source interface {
	Subscribe(h devices.Handler) func()
	Devices() map[string]devices.Device
	Device(id string) (devices.Device, bool)
	IsOnline(id string) bool
	UpdateDeviceSetting(ctx context.Context, id string, partial devices.Info) error
}

// Dial connects a bridge for source to the broker described by cfg. The
// bridge status topic is set as the last will so subscribers see the bridge
// go offline on a crash. Every reconnect restores the set subscription and
// the retained topics once the bridge is started.
func Dial(source Source, cfg config.MQTTConfig) (*Bridge, error) {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "lykyn-sync-" + uuid.NewString()[:8]
	}
	b := New(nil, source, cfg)

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(keepAlive)
	opts.SetWill(b.topics.Status(), payloadOffline, b.qos, true)
	opts.SetOnConnectHandler(b.handleConnect)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		log.WithError(err).Warn("mqtt connection lost")
	})

	client := pahomqtt.NewClient(opts)
	b.broker = client
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return b, nil
}

// Bridge keeps retained state and availability topics in step with the
// cache.
type Bridge struct {
	broker Broker
	source Source
	topics Topics
	qos    byte

	mu        sync.Mutex
	published map[string]bool

	// ctx and running are set while Start runs
	ctx     context.Context
	running bool
}

func New(broker Broker, source Source, cfg config.MQTTConfig) *Bridge {
	return &Bridge{
		broker:    broker,
		source:    source,
		topics:    Topics{Prefix: cfg.TopicPrefix},
		qos:       byte(cfg.QoS),
		published: make(map[string]bool),
	}
}

// Start publishes every cached device, then follows cache changes and set
// requests until ctx is done. The broker is disconnected on return.
func (b *Bridge) Start(ctx context.Context) error {
	defer b.broker.Disconnect(disconnectQuiesce)

	if err := b.subscribeSet(ctx); err != nil {
		return err
	}
	unsubscribe := b.source.Subscribe(b.handleChange)
	defer unsubscribe()

	b.mu.Lock()
	b.ctx, b.running = ctx, true
	b.mu.Unlock()

	b.publishAll()
	if err := b.publish(b.topics.Status(), payloadOnline); err != nil {
		log.WithError(err).Warn("failed to publish bridge status")
	}
	log.WithField("prefix", b.topics.Prefix).Info("mqtt bridge started")

	<-ctx.Done()

	b.mu.Lock()
	b.running = false
	b.mu.Unlock()
	b.broker.Unsubscribe(b.topics.SetFilter()).WaitTimeout(publishTimeout)
	if err := b.publish(b.topics.Status(), payloadOffline); err != nil {
		log.WithError(err).Warn("failed to publish bridge status")
	}
	return nil
}

// handleConnect runs on every (re)connect of the broker client. A clean
// session drops subscriptions and the last will may have marked the bridge
// offline, so both are restored along with the device topics.
func (b *Bridge) handleConnect(_ pahomqtt.Client) {
	b.mu.Lock()
	ctx, running := b.ctx, b.running
	b.mu.Unlock()
	if !running {
		return
	}

	log.Info("mqtt reconnected, restoring bridge state")
	if err := b.subscribeSet(ctx); err != nil {
		log.WithError(err).Error("failed to restore set subscription")
	}
	b.publishAll()
	if err := b.publish(b.topics.Status(), payloadOnline); err != nil {
		log.WithError(err).Warn("failed to publish bridge status")
	}
}

func (b *Bridge) subscribeSet(ctx context.Context) error {
	token := b.broker.Subscribe(b.topics.SetFilter(), b.qos, b.wrapHandler(func(topic string, payload []byte) error {
		return b.handleSet(ctx, topic, payload)
	}))
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrSubscribeFailed, publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}
	return nil
}

func (b *Bridge) wrapHandler(handler func(topic string, payload []byte) error) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				log.WithField("topic", msg.Topic()).Errorf("mqtt handler panic: %v", r)
			}
		}()
		messages.WithLabelValues("in").Inc()
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			log.WithError(err).WithField("topic", msg.Topic()).Warn("failed to handle mqtt message")
		}
	}
}

// handleSet forwards a JSON settings object to the device named in topic.
func (b *Bridge) handleSet(ctx context.Context, topic string, payload []byte) error {
	id, ok := b.topics.DeviceFromSet(topic)
	if !ok {
		return fmt.Errorf("unexpected topic %s", topic)
	}
	if _, ok := b.source.Device(id); !ok {
		return fmt.Errorf("unknown device %s", id)
	}
	var partial devices.Info
	if err := json.Unmarshal(payload, &partial); err != nil {
		return fmt.Errorf("failed to decode settings: %w", err)
	}
	if err := presets.Validate(partial); err != nil {
		return err
	}
	return b.source.UpdateDeviceSetting(ctx, id, partial)
}

// handleChange is the notifier subscription. An empty id means the online
// set or the whole device list changed.
func (b *Bridge) handleChange(id string) error {
	if id == "" {
		b.publishAll()
		return nil
	}
	d, ok := b.source.Device(id)
	if !ok {
		return b.clear(id)
	}
	return b.publishDevice(d)
}

func (b *Bridge) publishAll() {
	cached := b.source.Devices()
	for _, d := range cached {
		if err := b.publishDevice(d); err != nil {
			log.WithError(err).WithField("device", d.ID).Warn("failed to publish device")
		}
	}

	b.mu.Lock()
	var gone []string
	for id := range b.published {
		if _, ok := cached[id]; !ok {
			gone = append(gone, id)
		}
	}
	b.mu.Unlock()
	for _, id := range gone {
		if err := b.clear(id); err != nil {
			log.WithError(err).WithField("device", id).Warn("failed to clear device")
		}
	}
}

func (b *Bridge) publishDevice(d devices.Device) error {
	state, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode device %s: %w", d.ID, err)
	}
	if err := b.publish(b.topics.State(d.ID), state); err != nil {
		return err
	}
	availability := payloadOffline
	if b.source.IsOnline(d.ID) {
		availability = payloadOnline
	}
	if err := b.publish(b.topics.Availability(d.ID), availability); err != nil {
		return err
	}

	b.mu.Lock()
	b.published[d.ID] = true
	b.mu.Unlock()
	return nil
}

// clear removes the retained topics of a deleted device.
func (b *Bridge) clear(id string) error {
	b.mu.Lock()
	delete(b.published, id)
	b.mu.Unlock()

	if err := b.publish(b.topics.State(id), ""); err != nil {
		return err
	}
	return b.publish(b.topics.Availability(id), "")
}

func (b *Bridge) publish(topic string, payload interface{}) error {
	token := b.broker.Publish(topic, b.qos, true, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	messages.WithLabelValues("out").Inc()
	return nil
}
