package options

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		addr    string
		wantErr bool
	}{
		{addr: "0.0.0.0:80"},
		{addr: ":8080"},
		{addr: "127.0.0.1:0"},
		{addr: "[::1]:443"},
		{addr: "0.0.0.0", wantErr: true},
		{addr: "0.0.0.0:http", wantErr: true},
		{addr: "0.0.0.0:70000", wantErr: true},
	}
	for _, tt := range tests {
		if err := ValidateAddress(tt.addr); (err != nil) != tt.wantErr {
			t.Errorf("ValidateAddress(%q) error = %v, wantErr %v", tt.addr, err, tt.wantErr)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		opts IOptions
		want int
	}{
		{name: "http defaults", opts: NewHttpOptions()},
		{name: "http bad timeout", opts: &HttpOptions{Addr: ":80"}, want: 1},
		{name: "mqtt disabled", opts: &MqttOptions{}},
		{name: "mqtt without topic root", opts: &MqttOptions{Broker: "mqtt://broker:1883"}, want: 1},
		{name: "s3 disabled", opts: NewS3Options()},
		{name: "s3 half credentials", opts: &S3Options{Endpoint: "minio:9000", AccessKeyID: "key"}, want: 1},
		{name: "flash defaults", opts: NewFlashOptions()},
		{name: "flash empty", opts: &FlashOptions{}, want: 3},
		{name: "boot defaults", opts: NewBootOptions()},
		{name: "boot empty", opts: &BootOptions{}, want: 2},
		{name: "download defaults", opts: NewDownloadOptions()},
		{name: "download no timeout", opts: &DownloadOptions{}, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if errs := tt.opts.Validate(); len(errs) != tt.want {
				t.Errorf("Validate() = %v, want %d errors", errs, tt.want)
			}
		})
	}
}

func TestAddFlags(t *testing.T) {
	o := NewBootOptions()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	o.AddFlags(fs)

	if err := fs.Parse([]string{"--boot.commit-attempts=5", "--boot.commit-backoff=1s"}); err != nil {
		t.Fatal(err)
	}
	if o.CommitAttempts != 5 || o.CommitBackoff != time.Second {
		t.Errorf("options = %+v", o)
	}
}

func TestMqttClientConfig(t *testing.T) {
	o := NewMqttOptions()
	o.Broker = "mqtts://broker:8883"
	o.KeepAlive = 30 * time.Second

	cfg := o.ToClientConfig()
	if cfg.BrokerURL != o.Broker || cfg.KeepAlive != 30 || cfg.SessionExpiry != o.SessionExpiry {
		t.Errorf("ToClientConfig() = %+v", cfg)
	}
}
