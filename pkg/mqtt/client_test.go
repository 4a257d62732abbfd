package mqtt

import (
	"context"
	"slices"
	"sort"
	"testing"
	"time"
)

func TestTopicsMatch(t *testing.T) {
	tests := []struct {
		filter string
		topic  string
		want   bool
	}{
		{"flashota/v1/ota/command/dev-1", "flashota/v1/ota/command/dev-1", true},
		{"flashota/v1/ota/command/+", "flashota/v1/ota/command/dev-1", true},
		{"flashota/v1/ota/command/+", "flashota/v1/ota/command/dev-1/extra", false},
		{"flashota/v1/#", "flashota/v1/ota/status/dev-1", true},
		{"flashota/v1/ota/+/dev-1", "flashota/v1/ota/status/dev-1", true},
		{"flashota/v1/ota/command/dev-1", "flashota/v1/ota/command/dev-2", false},
		{"flashota/v1/ota/command/+/x", "flashota/v1/ota/command/dev-1", false},
	}

	for _, tt := range tests {
		if got := topicsMatch(tt.filter, tt.topic); got != tt.want {
			t.Errorf("topicsMatch(%q, %q) = %v, want %v", tt.filter, tt.topic, got, tt.want)
		}
	}
}

func TestTopicFilterStripsSharedPrefix(t *testing.T) {
	if got := topicFilter("$share/agents/flashota/v1/ota/command/+"); got != "flashota/v1/ota/command/+" {
		t.Errorf("topicFilter() = %q", got)
	}
	if got := topicFilter("flashota/v1/online/dev-1"); got != "flashota/v1/online/dev-1" {
		t.Errorf("topicFilter() = %q", got)
	}
}

func TestNewClientValidatesConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *ClientConfig
		wantErr bool
	}{
		{"nil", nil, true},
		{"missing broker", &ClientConfig{}, true},
		{"no scheme", &ClientConfig{BrokerURL: "localhost:1883"}, true},
		{"bad will qos", &ClientConfig{BrokerURL: "tcp://localhost:1883", WillQoS: 3}, true},
		{"ok", &ClientConfig{BrokerURL: "tcp://localhost:1883"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewClient(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewClient() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && c.IsConnected() {
				t.Error("a client that was never started reports connected")
			}
		})
	}
}

func TestRouteTable(t *testing.T) {
	var table routeTable
	var got []string
	record := func(name string) MessageHandler {
		return func(_ context.Context, topic string, _ []byte) { got = append(got, name+":"+topic) }
	}

	table.add(route{filter: "flashota/v1/ota/command/esp-01", handler: record("exact")})
	table.add(route{filter: "flashota/v1/ota/status/+", handler: record("status")})
	table.add(route{filter: "$share/ops/flashota/v1/#", handler: record("all")})

	for _, h := range table.match("flashota/v1/ota/status/esp-01") {
		h(context.Background(), "flashota/v1/ota/status/esp-01", nil)
	}
	sort.Strings(got)
	want := []string{"all:flashota/v1/ota/status/esp-01", "status:flashota/v1/ota/status/esp-01"}
	if !slices.Equal(got, want) {
		t.Errorf("handlers = %v, want %v", got, want)
	}

	table.remove("flashota/v1/ota/status/+")
	if n := len(table.match("flashota/v1/ota/status/esp-01")); n != 1 {
		t.Errorf("after remove got %d handlers, want 1", n)
	}
	if n := len(table.snapshot()); n != 2 {
		t.Errorf("snapshot has %d routes, want 2", n)
	}
}

func TestSetDefaultConfig(t *testing.T) {
	cfg := &ClientConfig{BrokerURL: "tcp://localhost:1883"}
	setDefaultConfig(cfg)
	if cfg.ReconnectDelay != 3*time.Second || cfg.KeepAlive != 60 || cfg.ConnectTimeout != 5*time.Second {
		t.Errorf("defaults = %+v", cfg)
	}
}
