package options

import (
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	cliflag "k8s.io/component-base/cli/flag"

	"github.com/autopeer-io/flashota/internal/flashagent"
	"github.com/autopeer-io/flashota/pkg/app"
	"github.com/autopeer-io/flashota/pkg/log"
	"github.com/autopeer-io/flashota/pkg/options"
)

type AgentOptions struct {
	HttpOptions     *options.HttpOptions     `json:"http" mapstructure:"http"`
	MqttOptions     *options.MqttOptions     `json:"mqtt" mapstructure:"mqtt"`
	S3Options       *options.S3Options       `json:"s3" mapstructure:"s3"`
	FlashOptions    *options.FlashOptions    `json:"flash" mapstructure:"flash"`
	BootOptions     *options.BootOptions     `json:"boot" mapstructure:"boot"`
	DownloadOptions *options.DownloadOptions `json:"download" mapstructure:"download"`
	Log             *log.Options             `json:"log" mapstructure:"log"`
}

var _ app.NamedFlagSetOptions = (*AgentOptions)(nil)

func NewAgentOptions() *AgentOptions {
	o := &AgentOptions{
		HttpOptions:     options.NewHttpOptions(),
		MqttOptions:     options.NewMqttOptions(),
		S3Options:       options.NewS3Options(),
		FlashOptions:    options.NewFlashOptions(),
		BootOptions:     options.NewBootOptions(),
		DownloadOptions: options.NewDownloadOptions(),
		Log:             log.NewOptions(),
	}

	return o
}

func (o *AgentOptions) Flags() cliflag.NamedFlagSets {
	fss := cliflag.NamedFlagSets{}
	o.FlashOptions.AddFlags(fss.FlagSet("flash"))
	o.BootOptions.AddFlags(fss.FlagSet("boot"))
	o.DownloadOptions.AddFlags(fss.FlagSet("download"))
	o.HttpOptions.AddFlags(fss.FlagSet("http"))
	o.MqttOptions.AddFlags(fss.FlagSet("mqtt"))
	o.S3Options.AddFlags(fss.FlagSet("s3"))
	o.Log.AddFlags(fss.FlagSet("Log"))
	return fss
}

func (o *AgentOptions) Complete() error {
	return nil
}

func (o *AgentOptions) Validate() error {
	errs := []error{}
	errs = append(errs, o.FlashOptions.Validate()...)
	errs = append(errs, o.BootOptions.Validate()...)
	errs = append(errs, o.DownloadOptions.Validate()...)
	errs = append(errs, o.HttpOptions.Validate()...)
	errs = append(errs, o.MqttOptions.Validate()...)
	errs = append(errs, o.S3Options.Validate()...)
	errs = append(errs, o.Log.Validate()...)
	return utilerrors.NewAggregate(errs)
}

func (o *AgentOptions) Config() (*flashagent.Config, error) {
	return &flashagent.Config{
		HttpOptions:     o.HttpOptions,
		MqttOptions:     o.MqttOptions,
		S3Options:       o.S3Options,
		FlashOptions:    o.FlashOptions,
		BootOptions:     o.BootOptions,
		DownloadOptions: o.DownloadOptions,
	}, nil
}
