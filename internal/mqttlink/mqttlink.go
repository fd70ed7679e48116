// Package mqttlink is a thin, generic MQTT client used by
// internal/bridge/mqttbridge. It is adapted from the teacher's
// internal/mqtt.Publisher: the same autopaho.ConnectionManager
// connect/reconnect/LWT shape, stripped of Home Assistant discovery
// and sensor-state publishing (CLASP addresses are not HA entities)
// down to what a generic foreign-protocol bridge needs — publish,
// subscribe, and a reconnect-triggered resubscribe.
package mqttlink

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// Options configures a Client connection.
type Options struct {
	Broker   string // e.g. "mqtt://localhost:1883" or "mqtts://broker:8883"
	ClientID string
	Username string
	Password string
	KeepAliveSec uint16
}

// MessageHandler receives an inbound message on a subscribed topic.
type MessageHandler func(topic string, payload []byte)

// Client manages one MQTT broker connection: (re)connect via autopaho,
// publish, and topic subscription that is automatically reinstated on
// every reconnect (autopaho does not do this itself — see
// OnConnectionUp below, same pattern as the teacher's Publisher.subscribe).
type Client struct {
	opts   Options
	logger *slog.Logger

	cm *autopaho.ConnectionManager

	handlerMu sync.Mutex
	handler   MessageHandler

	subMu sync.Mutex
	topics []string
}

// New creates a Client but does not connect. Call Connect to begin.
func New(opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.KeepAliveSec == 0 {
		opts.KeepAliveSec = 30
	}
	return &Client{opts: opts, logger: logger}
}

// SetMessageHandler registers the callback invoked for every inbound
// message on a subscribed topic. Must be called before Subscribe.
func (c *Client) SetMessageHandler(h MessageHandler) {
	c.handlerMu.Lock()
	c.handler = h
	c.handlerMu.Unlock()
}

// Connect dials the broker and blocks until ctx is cancelled,
// reconnecting in the background on transient failures (autopaho's own
// responsibility — this mirrors the teacher's Publisher.Start almost
// verbatim, minus HA discovery/availability/sensor-state publishing).
func (c *Client) Connect(ctx context.Context) error {
	brokerURL, err := url.Parse(c.opts.Broker)
	if err != nil {
		return fmt.Errorf("mqttlink: parse broker url: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       c.opts.KeepAliveSec,
		ConnectUsername: c.opts.Username,
		ConnectPassword: []byte(c.opts.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.logger.Info("mqttlink: connected", "broker", c.opts.Broker)
			c.resubscribe(cm)
		},
		OnConnectError: func(err error) {
			c.logger.Warn("mqttlink: connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: c.opts.ClientID,
			OnPublishReceived: []func(autopaho.PublishReceived) (bool, error){
				c.onPublishReceived,
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqttlink: connect: %w", err)
	}
	c.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		c.logger.Warn("mqttlink: initial connection timed out, retrying in background", "error", err)
	}

	<-ctx.Done()
	return ctx.Err()
}

func (c *Client) onPublishReceived(pr autopaho.PublishReceived) (bool, error) {
	c.handlerMu.Lock()
	h := c.handler
	c.handlerMu.Unlock()
	if h == nil {
		return true, nil
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("mqttlink: message handler panicked", "topic", pr.Packet.Topic, "panic", r)
			}
		}()
		h(pr.Packet.Topic, pr.Packet.Payload)
	}()
	return true, nil
}

// Publish sends payload to topic with the given QoS (0/1/2) and
// retain flag.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	if c.cm == nil {
		return fmt.Errorf("mqttlink: not connected")
	}
	_, err := c.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	})
	return err
}

// Subscribe adds topic to the subscription set and sends a SUBSCRIBE
// packet immediately if already connected. The subscription set is
// replayed on every future reconnect.
func (c *Client) Subscribe(ctx context.Context, topic string) error {
	c.subMu.Lock()
	c.topics = append(c.topics, topic)
	c.subMu.Unlock()

	if c.cm == nil {
		return nil
	}
	_, err := c.cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 0}},
	})
	return err
}

func (c *Client) resubscribe(cm *autopaho.ConnectionManager) {
	c.subMu.Lock()
	topics := append([]string(nil), c.topics...)
	c.subMu.Unlock()
	if len(topics) == 0 {
		return
	}

	opts := make([]paho.SubscribeOptions, 0, len(topics))
	for _, t := range topics {
		opts = append(opts, paho.SubscribeOptions{Topic: t, QoS: 0})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: opts}); err != nil {
		c.logger.Error("mqttlink: resubscribe failed", "error", err, "topics", topics)
	}
}

// Disconnect closes the broker connection.
func (c *Client) Disconnect(ctx context.Context) error {
	if c.cm == nil {
		return nil
	}
	return c.cm.Disconnect(ctx)
}
