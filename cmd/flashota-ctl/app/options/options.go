package options

import (
	"errors"
	"time"

	"github.com/google/uuid"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	cliflag "k8s.io/component-base/cli/flag"

	"github.com/autopeer-io/flashota/pkg/app"
	"github.com/autopeer-io/flashota/pkg/log"
	"github.com/autopeer-io/flashota/pkg/options"
)

// CtlOptions configures the operator side of the MQTT channel.
type CtlOptions struct {
	MqttOptions *options.MqttOptions `json:"mqtt" mapstructure:"mqtt"`
	Log         *log.Options         `json:"log" mapstructure:"log"`

	// Timeout bounds how long a command waits for the device.
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
}

var _ app.NamedFlagSetOptions = (*CtlOptions)(nil)

func NewCtlOptions() *CtlOptions {
	o := &CtlOptions{
		MqttOptions: options.NewMqttOptions(),
		Log:         log.NewOptions(),
		Timeout:     10 * time.Minute,
	}
	// Operators come and go; there is nothing to resume.
	o.MqttOptions.CleanStart = true
	return o
}

func (o *CtlOptions) Flags() cliflag.NamedFlagSets {
	fss := cliflag.NamedFlagSets{}
	o.MqttOptions.AddFlags(fss.FlagSet("mqtt"))
	o.Log.AddFlags(fss.FlagSet("Log"))
	fss.FlagSet("ctl").DurationVar(&o.Timeout, "timeout", o.Timeout, "How long to wait for the device before giving up.")
	return fss
}

// Complete derives a unique client ID so several operators can share a broker.
func (o *CtlOptions) Complete() error {
	if o.MqttOptions.ClientID == "" {
		o.MqttOptions.ClientID = "flashota-ctl-" + uuid.NewString()[:8]
	}
	return nil
}

func (o *CtlOptions) Validate() error {
	errs := []error{}
	if !o.MqttOptions.Enabled() {
		errs = append(errs, errors.New("--mqtt.broker is required"))
	}
	if o.Timeout <= 0 {
		errs = append(errs, errors.New("--timeout must be positive"))
	}
	errs = append(errs, o.MqttOptions.Validate()...)
	errs = append(errs, o.Log.Validate()...)
	return utilerrors.NewAggregate(errs)
}
