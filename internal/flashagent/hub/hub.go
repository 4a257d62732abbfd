// Package hub connects the orchestrator to an MQTT broker: update requests
// arrive on the device's command topic and status snapshots leave on its
// status topic.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/autopeer-io/flashota/internal/flashagent/core"
	"github.com/autopeer-io/flashota/internal/flashagent/ota"
	"github.com/autopeer-io/flashota/pkg/log"
	"github.com/autopeer-io/flashota/pkg/mqtt"
	mqtttopic "github.com/autopeer-io/flashota/pkg/mqtt/topic"
)

// Updater accepts update requests.
type Updater interface {
	RequestUpdate(ctx context.Context, req ota.Request) (string, error)
}

type Hub struct {
	deviceID string
	running  string

	mc      mqtt.Client
	topics  *mqtttopic.Builder
	updater Updater
	logger  log.Logger

	// statuses holds the latest snapshot not yet published.
	statuses chan ota.Status
}

func New(deviceID, running string, client mqtt.Client, builder *mqtttopic.Builder, updater Updater) *Hub {
	return &Hub{
		deviceID: deviceID,
		running:  running,
		mc:       client,
		topics:   builder,
		updater:  updater,
		logger:   log.WithName("hub"),
		statuses: make(chan ota.Status, 1),
	}
}

func (h *Hub) topic(event core.EventType) (string, bool) {
	switch event {
	case core.EventOTACommand:
		return h.topics.Command(h.deviceID), true
	case core.EventOTAStatus:
		return h.topics.Status(h.deviceID), true
	case core.EventOnline:
		return h.topics.Online(h.deviceID), true
	}
	return "", false
}

// Send publishes payload on the topic of event. Status and presence
// messages are retained.
func (h *Hub) Send(ctx context.Context, event core.EventType, payload []byte) error {
	topic, ok := h.topic(event)
	if !ok {
		return fmt.Errorf("unmapped event: %s", event)
	}
	return h.mc.Publish(ctx, topic, 1, event != core.EventOTACommand, payload)
}

// SendJSON marshals v and publishes it like Send.
func (h *Hub) SendJSON(ctx context.Context, event core.EventType, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return h.Send(ctx, event, payload)
}

// OnStatus queues st for publishing, replacing a snapshot that has not been
// sent yet. It never blocks, so it can be used as an orchestrator listener.
func (h *Hub) OnStatus(st ota.Status) {
	for {
		select {
		case h.statuses <- st:
			return
		default:
		}
		select {
		case <-h.statuses:
		default:
		}
	}
}

func (h *Hub) IsConnected() bool {
	return h.mc.IsConnected()
}

// Run connects, subscribes to the command topic and publishes status
// snapshots until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	if err := h.mc.Start(ctx); err != nil {
		return err
	}
	defer h.stop()

	if err := h.mc.AwaitConnection(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	command, _ := h.topic(core.EventOTACommand)
	err := h.mc.Subscribe(ctx, command, 1, func(c context.Context, topic string, p []byte) {
		if handleErr := h.handleCommand(c, p); handleErr != nil {
			h.logger.Error(handleErr, "Handler execution failed", "topic", topic)
		}
	})
	if err != nil {
		return err
	}

	online := OnlineStatus{DeviceID: h.deviceID, Online: true, Running: h.running}
	if err := h.SendJSON(ctx, core.EventOnline, online); err != nil {
		h.logger.Error(err, "Failed to publish online status")
	}
	h.logger.Info("Hub ready", "command", command)

	for {
		select {
		case <-ctx.Done():
			return nil
		case st := <-h.statuses:
			if err := h.SendJSON(ctx, core.EventOTAStatus, st); err != nil {
				h.logger.Error(err, "Failed to publish status", "session", st.SessionID)
			}
		}
	}
}

func (h *Hub) handleCommand(ctx context.Context, payload []byte) error {
	var req ota.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("invalid update request: %w", err)
	}

	id, err := h.updater.RequestUpdate(ctx, req)
	if err != nil {
		return err
	}
	h.logger.Info("Update requested over MQTT", "session", id)
	return nil
}

func (h *Hub) stop() {
	h.logger.Info("Disconnecting MQTT client...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	offline := OnlineStatus{DeviceID: h.deviceID, Online: false, Reason: "Shutdown"}
	if err := h.SendJSON(ctx, core.EventOnline, offline); err != nil {
		h.logger.Error(err, "Failed to publish offline status")
	}
	h.mc.Disconnect(ctx)
}
