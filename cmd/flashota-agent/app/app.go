package app

import (
	"fmt"

	"github.com/spf13/viper"
	genericapiserver "k8s.io/apiserver/pkg/server"

	"github.com/autopeer-io/flashota/cmd/flashota-agent/app/options"
	"github.com/autopeer-io/flashota/pkg/app"
	"github.com/autopeer-io/flashota/pkg/log"
)

const (
	commandName = "flashota-agent"
	commandDesc = `The flashota agent runs on the device. It downloads application and
filesystem images over HTTP, writes them into the inactive flash partitions
and switches the boot slot only once every requested image was written.

Updates are triggered from the /otaUpdate form, a POST to /otaUpdate or an
MQTT command when a broker is configured.`
)

func NewApp() *app.App {
	opts := options.NewAgentOptions()
	application := app.NewApp(
		commandName,
		"Launch the flashota device agent",
		app.WithDescription(commandDesc),
		app.WithOptions(opts),
		app.WithDefaultValidArgs(),
		app.WithConfigWatcher(reloadLogLevel),
		app.WithSubCommands(newPartitionsCommand(opts)),
		app.WithRunFunc(run(opts)),
	)
	return application
}

func run(opts *options.AgentOptions) app.RunFunc {
	return func() error {
		log.Init(opts.Log)
		ctx := genericapiserver.SetupSignalContext()

		cfg, err := opts.Config()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		agent, err := cfg.NewAgent()
		if err != nil {
			return fmt.Errorf("failed to create agent: %w", err)
		}

		return agent.Run(ctx)
	}
}

func reloadLogLevel(v *viper.Viper) {
	level := v.GetString("log.level")
	if level == "" {
		return
	}
	if !log.SetLevel(level) {
		log.Warn("Ignoring invalid log level from config file", "level", level)
		return
	}
	log.Info("Log level changed", "level", level)
}
