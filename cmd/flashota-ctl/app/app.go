package app

import (
	"context"
	"fmt"

	"github.com/autopeer-io/flashota/cmd/flashota-ctl/app/options"
	"github.com/autopeer-io/flashota/pkg/app"
	"github.com/autopeer-io/flashota/pkg/log"
	"github.com/autopeer-io/flashota/pkg/mqtt"
	"github.com/autopeer-io/flashota/pkg/mqtt/topic"
)

const (
	commandName = "flashota-ctl"
	commandDesc = `flashota-ctl drives flashota agents over MQTT. It publishes update
commands to a device and follows the status and presence messages the
agents report back.`
)

func NewApp() *app.App {
	opts := options.NewCtlOptions()
	return app.NewApp(
		commandName,
		"Send update commands to flashota agents",
		app.WithDescription(commandDesc),
		app.WithOptions(opts),
		app.WithNoConfig(),
		app.WithSubCommands(
			newUpdateCommand(opts),
			newWatchCommand(opts),
		),
	)
}

// connect completes the options and returns a client that is already
// connected to the broker.
func connect(ctx context.Context, opts *options.CtlOptions) (mqtt.Client, *topic.Builder, error) {
	if err := opts.Complete(); err != nil {
		return nil, nil, err
	}
	if err := opts.Validate(); err != nil {
		return nil, nil, err
	}
	log.Init(opts.Log)

	client, err := mqtt.NewClient(opts.MqttOptions.ToClientConfig())
	if err != nil {
		return nil, nil, err
	}
	if err := client.Start(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to start mqtt client: %w", err)
	}
	if err := client.AwaitConnection(ctx); err != nil {
		return nil, nil, fmt.Errorf("broker %s unreachable: %w", opts.MqttOptions.Broker, err)
	}
	return client, topic.NewBuilder(opts.MqttOptions.TopicRoot), nil
}
