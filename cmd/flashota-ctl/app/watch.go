package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	genericapiserver "k8s.io/apiserver/pkg/server"

	"github.com/autopeer-io/flashota/cmd/flashota-ctl/app/options"
	"github.com/autopeer-io/flashota/internal/flashagent/hub"
	"github.com/autopeer-io/flashota/internal/flashagent/ota"
	"github.com/autopeer-io/flashota/pkg/log"
)

func newWatchCommand(opts *options.CtlOptions) *cobra.Command {
	var device string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print status and presence messages until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWatch(genericapiserver.SetupSignalContext(), cmd.OutOrStdout(), opts, device)
		},
	}
	cmd.Flags().StringVar(&device, "device", "", "Only follow this device. Empty follows every device.")
	return cmd
}

func runWatch(ctx context.Context, out io.Writer, opts *options.CtlOptions, device string) error {
	client, topics, err := connect(ctx, opts)
	if err != nil {
		return err
	}
	defer client.Disconnect(context.Background())

	statusTopic, onlineTopic := topics.StatusWildcard(), topics.OnlineWildcard()
	if device != "" {
		statusTopic, onlineTopic = topics.Status(device), topics.Online(device)
	}

	var mu sync.Mutex
	printLine := func(line string) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintln(out, line)
	}

	if err := client.Subscribe(ctx, statusTopic, 1, func(_ context.Context, t string, payload []byte) {
		var st ota.Status
		if err := json.Unmarshal(payload, &st); err != nil {
			log.Warn("Ignoring malformed status", "topic", t, "error", err)
			return
		}
		printLine(formatStatus(time.Now(), topics.DeviceID(t), st))
	}); err != nil {
		return err
	}
	if err := client.Subscribe(ctx, onlineTopic, 1, func(_ context.Context, t string, payload []byte) {
		var o hub.OnlineStatus
		if err := json.Unmarshal(payload, &o); err != nil {
			log.Warn("Ignoring malformed presence message", "topic", t, "error", err)
			return
		}
		printLine(formatOnline(time.Now(), o))
	}); err != nil {
		return err
	}

	<-ctx.Done()

	unsubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, t := range []string{statusTopic, onlineTopic} {
		if err := client.Unsubscribe(unsubCtx, t); err != nil {
			log.Warn("Failed to unsubscribe", "topic", t, "error", err)
		}
	}
	return nil
}

func formatStatus(now time.Time, device string, st ota.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s state=%s running=%s next=%s", now.Format(time.TimeOnly), device, st.State, st.Running, st.NextBoot)
	for _, it := range st.Items {
		fmt.Fprintf(&b, " %s=%s(%dB)", it.Kind, it.State, it.Bytes)
	}
	if st.Error != "" {
		fmt.Fprintf(&b, " error=%q", st.Error)
	}
	return b.String()
}

func formatOnline(now time.Time, o hub.OnlineStatus) string {
	state := "offline"
	if o.Online {
		state = "online"
	}
	line := fmt.Sprintf("%s %s %s", now.Format(time.TimeOnly), o.DeviceID, state)
	if o.Running != "" {
		line += " running=" + o.Running
	}
	if o.Reason != "" {
		line += " reason=" + o.Reason
	}
	return line
}
