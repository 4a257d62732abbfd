package topic

import "testing"

func TestBuilder(t *testing.T) {
	b := NewBuilder("flashota/v1")

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"command", b.Command("dev-1"), "flashota/v1/ota/command/dev-1"},
		{"command wildcard", b.CommandWildcard(), "flashota/v1/ota/command/+"},
		{"status", b.Status("dev-1"), "flashota/v1/ota/status/dev-1"},
		{"status wildcard", b.StatusWildcard(), "flashota/v1/ota/status/+"},
		{"online", b.Online("dev-1"), "flashota/v1/online/dev-1"},
		{"online wildcard", b.OnlineWildcard(), "flashota/v1/online/+"},
		{"all", b.All(), "flashota/v1/#"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestBuilderDeviceID(t *testing.T) {
	b := NewBuilder("flashota/v1")

	tests := []struct {
		topic string
		want  string
	}{
		{b.Status("esp-01"), "esp-01"},
		{b.Online("esp-02"), "esp-02"},
		{"other/v1/ota/status/esp-01", ""},
		{"flashota/v1", ""},
	}

	for _, tt := range tests {
		if got := b.DeviceID(tt.topic); got != tt.want {
			t.Errorf("DeviceID(%q) = %q, want %q", tt.topic, got, tt.want)
		}
	}
}
