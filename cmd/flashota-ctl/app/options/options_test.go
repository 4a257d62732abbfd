package options

import (
	"strings"
	"testing"
)

func TestCtlOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(o *CtlOptions)
		wantErr string
	}{
		{"broker missing", func(o *CtlOptions) {}, "--mqtt.broker is required"},
		{"zero timeout", func(o *CtlOptions) { o.MqttOptions.Broker = "tcp://localhost:1883"; o.Timeout = 0 }, "--timeout"},
		{"ok", func(o *CtlOptions) { o.MqttOptions.Broker = "tcp://localhost:1883" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := NewCtlOptions()
			tt.mutate(o)
			err := o.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestCompleteDerivesClientID(t *testing.T) {
	a, b := NewCtlOptions(), NewCtlOptions()
	if err := a.Complete(); err != nil {
		t.Fatal(err)
	}
	if err := b.Complete(); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(a.MqttOptions.ClientID, "flashota-ctl-") {
		t.Errorf("ClientID = %q", a.MqttOptions.ClientID)
	}
	if a.MqttOptions.ClientID == b.MqttOptions.ClientID {
		t.Error("two operators got the same client ID")
	}

	c := NewCtlOptions()
	c.MqttOptions.ClientID = "ops"
	_ = c.Complete()
	if c.MqttOptions.ClientID != "ops" {
		t.Errorf("explicit ClientID overwritten: %q", c.MqttOptions.ClientID)
	}
}
