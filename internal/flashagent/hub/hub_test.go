package hub

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/autopeer-io/flashota/internal/flashagent/ota"
	"github.com/autopeer-io/flashota/pkg/mqtt"
	mqtttopic "github.com/autopeer-io/flashota/pkg/mqtt/topic"
)

type message struct {
	topic   string
	retain  bool
	payload []byte
}

type fakeClient struct {
	mu        sync.Mutex
	handlers  map[string]mqtt.MessageHandler
	published chan message
}

func newFakeClient() *fakeClient {
	return &fakeClient{handlers: map[string]mqtt.MessageHandler{}, published: make(chan message, 16)}
}

func (c *fakeClient) Start(context.Context) error           { return nil }
func (c *fakeClient) Disconnect(context.Context)            {}
func (c *fakeClient) AwaitConnection(context.Context) error { return nil }
func (c *fakeClient) IsConnected() bool                     { return true }

func (c *fakeClient) Publish(_ context.Context, topic string, _ int, retain bool, payload []byte) error {
	c.published <- message{topic: topic, retain: retain, payload: payload}
	return nil
}

func (c *fakeClient) Subscribe(_ context.Context, topic string, _ int, h mqtt.MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = h
	return nil
}

func (c *fakeClient) Unsubscribe(_ context.Context, topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, topic)
	return nil
}

func (c *fakeClient) handler(topic string) mqtt.MessageHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers[topic]
}

type fakeUpdater struct {
	requests chan ota.Request
}

func (u *fakeUpdater) RequestUpdate(_ context.Context, req ota.Request) (string, error) {
	u.requests <- req
	return "session-1", nil
}

func (c *fakeClient) next(t *testing.T) message {
	t.Helper()
	select {
	case m := <-c.published:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("nothing published")
		return message{}
	}
}

func TestHub(t *testing.T) {
	client := newFakeClient()
	updater := &fakeUpdater{requests: make(chan ota.Request, 1)}
	topics := mqtttopic.NewBuilder("flashota/v1")
	h := New("esp-01", "rom0", client, topics, updater)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	online := client.next(t)
	if online.topic != "flashota/v1/online/esp-01" || !online.retain {
		t.Fatalf("online message = %+v", online)
	}
	var presence OnlineStatus
	if err := json.Unmarshal(online.payload, &presence); err != nil || !presence.Online || presence.Running != "rom0" {
		t.Errorf("presence = %+v, %v", presence, err)
	}

	handle := client.handler("flashota/v1/ota/command/esp-01")
	if handle == nil {
		t.Fatal("command topic not subscribed")
	}
	handle(ctx, "flashota/v1/ota/command/esp-01", []byte(`{"romUrl":"http://10.0.0.1/rom0.bin"}`))
	if req := <-updater.requests; req.ApplicationURL != "http://10.0.0.1/rom0.bin" || req.FilesystemURL != "" {
		t.Errorf("request = %+v", req)
	}

	// Malformed commands are dropped.
	handle(ctx, "flashota/v1/ota/command/esp-01", []byte(`{`))
	select {
	case req := <-updater.requests:
		t.Errorf("unexpected request %+v", req)
	default:
	}

	h.OnStatus(ota.Status{SessionID: "session-1", State: ota.StateInProgress})
	st := client.next(t)
	if st.topic != "flashota/v1/ota/status/esp-01" || !st.retain {
		t.Fatalf("status message = %+v", st)
	}
	var status ota.Status
	if err := json.Unmarshal(st.payload, &status); err != nil || status.State != ota.StateInProgress {
		t.Errorf("status = %+v, %v", status, err)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
	offline := client.next(t)
	if err := json.Unmarshal(offline.payload, &presence); err != nil || presence.Online {
		t.Errorf("offline presence = %+v, %v", presence, err)
	}
}

func TestOnStatusKeepsLatest(t *testing.T) {
	h := New("esp-01", "rom0", newFakeClient(), mqtttopic.NewBuilder("flashota/v1"), &fakeUpdater{})
	h.OnStatus(ota.Status{State: ota.StatePreparing})
	h.OnStatus(ota.Status{State: ota.StateInProgress})

	if st := <-h.statuses; st.State != ota.StateInProgress {
		t.Errorf("queued status = %s, want in_progress", st.State)
	}
}
