package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/autopeer-io/flashota/pkg/log"
)

var errNotStarted = errors.New("mqtt client not started")

type pahoClient struct {
	cfg *ClientConfig
	cm  *autopaho.ConnectionManager

	connected atomic.Bool
	routes    routeTable
}

// NewClient validates cfg and returns a client that is not yet connected.
func NewClient(cfg *ClientConfig) (Client, error) {
	if cfg == nil {
		return nil, errors.New("mqtt config is required")
	}

	setDefaultConfig(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mqtt config: %w", err)
	}

	return &pahoClient{cfg: cfg}, nil
}

func (c *pahoClient) Start(ctx context.Context) error {
	brokerURL, _ := url.Parse(c.cfg.BrokerURL)

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     c.cfg.KeepAlive,
		CleanStartOnInitialConnection: c.cfg.CleanStart,
		SessionExpiryInterval:         c.cfg.SessionExpiry,
		ReconnectBackoff:              autopaho.NewConstantBackoff(c.cfg.ReconnectDelay),
		ConnectTimeout:                c.cfg.ConnectTimeout,
		ConnectUsername:               c.cfg.Username,
		ConnectPassword:               []byte(c.cfg.Password),
		TlsCfg:                        &tls.Config{InsecureSkipVerify: c.cfg.InsecureSkipVerify},
		WillMessage:                   c.willMessage(),
		OnConnectionUp:                c.onConnectionUp,
		OnConnectError: func(err error) {
			log.Error(err, "MQTT connection failed, retrying", "broker", c.cfg.BrokerURL)
		},
		OnConnectionDown: func() bool {
			c.connected.Store(false)
			log.Warn("MQTT connection lost")
			return true
		},
		ClientConfig: paho.ClientConfig{
			ClientID: c.cfg.ClientID,
			OnClientError: func(err error) {
				log.Error(err, "MQTT client error")
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				log.Warn("MQTT broker closed the connection", "reasonCode", d.ReasonCode)
			},
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){c.dispatch},
		},
	}

	log.Info("Starting MQTT client", "broker", c.cfg.BrokerURL, "clientID", c.cfg.ClientID)

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return err
	}
	c.cm = cm
	return nil
}

func (c *pahoClient) Disconnect(ctx context.Context) {
	if c.cm == nil {
		return
	}
	if err := c.cm.Disconnect(ctx); err != nil {
		log.Debug("MQTT disconnect", "error", err)
	}
	c.connected.Store(false)
	log.Info("MQTT client disconnected")
}

func (c *pahoClient) Publish(ctx context.Context, topic string, qos int, retain bool, payload []byte) error {
	if c.cm == nil {
		return errNotStarted
	}
	_, err := c.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     byte(qos),
		Retain:  retain,
		Payload: payload,
	})
	return err
}

func (c *pahoClient) Subscribe(ctx context.Context, filter string, qos int, handler MessageHandler) error {
	if c.cm == nil {
		return errNotStarted
	}

	// Registered before the packet is sent, so a reconnect replays it even
	// when this attempt fails.
	c.routes.add(route{filter: filter, qos: byte(qos), handler: handler})

	if err := subscribe(ctx, c.cm, filter, byte(qos)); err != nil {
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}
	log.Info("Subscribed", "topic", filter)
	return nil
}

func (c *pahoClient) Unsubscribe(ctx context.Context, filter string) error {
	if c.cm == nil {
		return errNotStarted
	}
	c.routes.remove(filter)
	_, err := c.cm.Unsubscribe(ctx, &paho.Unsubscribe{Topics: []string{filter}})
	return err
}

func (c *pahoClient) AwaitConnection(ctx context.Context) error {
	if c.cm == nil {
		return errNotStarted
	}
	return c.cm.AwaitConnection(ctx)
}

func (c *pahoClient) IsConnected() bool {
	return c.connected.Load()
}

func (c *pahoClient) onConnectionUp(cm *autopaho.ConnectionManager, _ *paho.Connack) {
	c.connected.Store(true)
	log.Info("MQTT connection established", "broker", c.cfg.BrokerURL)

	for _, r := range c.routes.snapshot() {
		if err := subscribe(context.Background(), cm, r.filter, r.qos); err != nil {
			log.Error(err, "Failed to restore subscription", "topic", r.filter)
		}
	}
}

// dispatch hands a received message to every matching route. Reception is
// always acknowledged; a handler failure is the handler's business.
func (c *pahoClient) dispatch(p paho.PublishReceived) (bool, error) {
	topic, payload := p.Packet.Topic, p.Packet.Payload
	handlers := c.routes.match(topic)
	if len(handlers) == 0 {
		log.Debug("Message on a topic nobody subscribed to", "topic", topic)
	}
	for _, h := range handlers {
		go h(context.Background(), topic, payload)
	}
	return true, nil
}

func (c *pahoClient) willMessage() *paho.WillMessage {
	if c.cfg.WillTopic == "" {
		return nil
	}
	return &paho.WillMessage{
		Topic:   c.cfg.WillTopic,
		Payload: c.cfg.WillPayload,
		QoS:     c.cfg.WillQoS,
		Retain:  c.cfg.WillRetain,
	}
}

func subscribe(ctx context.Context, cm *autopaho.ConnectionManager, filter string, qos byte) error {
	_, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: qos}},
	})
	return err
}

type route struct {
	filter  string
	qos     byte
	handler MessageHandler
}

// routeTable maps topic filters to handlers. Filters may carry wildcards, so
// lookups scan the table; a device holds only a few subscriptions.
type routeTable struct {
	mu     sync.RWMutex
	routes map[string]route
}

func (t *routeTable) add(r route) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.routes == nil {
		t.routes = make(map[string]route)
	}
	t.routes[r.filter] = r
}

func (t *routeTable) remove(filter string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.routes, filter)
}

func (t *routeTable) snapshot() []route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]route, 0, len(t.routes))
	for _, r := range t.routes {
		out = append(out, r)
	}
	return out
}

func (t *routeTable) match(topic string) []MessageHandler {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []MessageHandler
	for _, r := range t.routes {
		if topicsMatch(topicFilter(r.filter), topic) {
			out = append(out, r.handler)
		}
	}
	return out
}

// topicsMatch reports whether topic matches filter, honouring the + and #
// wildcards.
func topicsMatch(filter, topic string) bool {
	if filter == topic {
		return true
	}
	if !strings.ContainsAny(filter, "+#") {
		return false
	}

	want := strings.Split(filter, "/")
	got := strings.Split(topic, "/")
	for i, level := range want {
		if level == "#" {
			return true
		}
		if i >= len(got) || (level != "+" && level != got[i]) {
			return false
		}
	}
	return len(want) == len(got)
}

// topicFilter strips the $share/<group>/ prefix of shared subscriptions.
func topicFilter(filter string) string {
	if rest, ok := strings.CutPrefix(filter, "$share/"); ok {
		if _, f, ok := strings.Cut(rest, "/"); ok {
			return f
		}
	}
	return filter
}
