package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"
	genericapiserver "k8s.io/apiserver/pkg/server"

	"github.com/autopeer-io/flashota/cmd/flashota-ctl/app/options"
	"github.com/autopeer-io/flashota/internal/flashagent/hub"
	"github.com/autopeer-io/flashota/internal/flashagent/ota"
	"github.com/autopeer-io/flashota/pkg/log"
)

type updateFlags struct {
	device  string
	request ota.Request
	wait    bool
	maxSkew time.Duration
}

func newUpdateCommand(opts *options.CtlOptions) *cobra.Command {
	f := &updateFlags{}
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Ask a device to install new images",
		Example: `  flashota-ctl update --mqtt.broker tcp://broker:1883 --device esp-01 \
    --rom-url http://images/app.bin --spiffs-url http://images/fs.bin --wait`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runUpdate(cmd.OutOrStdout(), opts, f)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&f.device, "device", "", "ID of the device to update.")
	fs.StringVar(&f.request.ApplicationURL, "rom-url", "", "Locator of the application image.")
	fs.StringVar(&f.request.ApplicationSHA256, "rom-sha256", "", "Expected SHA-256 of the application image.")
	fs.StringVar(&f.request.FilesystemURL, "spiffs-url", "", "Locator of the filesystem image.")
	fs.StringVar(&f.request.FilesystemSHA256, "spiffs-sha256", "", "Expected SHA-256 of the filesystem image.")
	fs.BoolVar(&f.wait, "wait", false, "Wait until the device restarts or gives up.")
	fs.DurationVar(&f.maxSkew, "max-clock-skew", 30*time.Second, "Tolerated clock difference between this host and the device.")
	return cmd
}

func runUpdate(out io.Writer, opts *options.CtlOptions, f *updateFlags) error {
	if f.device == "" {
		return errors.New("--device is required")
	}
	req := f.request.Normalize()
	if req.Empty() {
		return errors.New("at least one of --rom-url and --spiffs-url is required")
	}

	ctx, cancel := context.WithTimeout(genericapiserver.SetupSignalContext(), opts.Timeout)
	defer cancel()

	client, topics, err := connect(ctx, opts)
	if err != nil {
		return err
	}
	defer client.Disconnect(context.Background())

	w := newWaiter(time.Now(), f.maxSkew)
	if f.wait {
		if err := client.Subscribe(ctx, topics.Status(f.device), 1, func(_ context.Context, _ string, payload []byte) {
			var st ota.Status
			if err := json.Unmarshal(payload, &st); err != nil {
				log.Warn("Ignoring malformed status", "device", f.device, "error", err)
				return
			}
			w.observeStatus(st)
		}); err != nil {
			return err
		}
		if err := client.Subscribe(ctx, topics.Online(f.device), 1, func(_ context.Context, _ string, payload []byte) {
			var o hub.OnlineStatus
			if err := json.Unmarshal(payload, &o); err != nil {
				log.Warn("Ignoring malformed presence message", "device", f.device, "error", err)
				return
			}
			w.observeOnline(o)
		}); err != nil {
			return err
		}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if err := client.Publish(ctx, topics.Command(f.device), 1, false, payload); err != nil {
		return fmt.Errorf("failed to send update command: %w", err)
	}
	fmt.Fprintf(out, "update requested on %s\n", f.device)

	if !f.wait {
		return nil
	}

	select {
	case r := <-w.done:
		return r.report(out, f.device)
	case <-ctx.Done():
		return fmt.Errorf("no outcome from %s: %w", f.device, ctx.Err())
	}
}

// outcome is what --wait reports once the device has decided.
type outcome struct {
	failed   bool
	reason   string
	nextBoot string
	running  string
}

func (o outcome) report(out io.Writer, device string) error {
	switch {
	case o.failed:
		return fmt.Errorf("update on %s aborted: %s", device, o.reason)
	case o.running != "":
		fmt.Fprintf(out, "%s is back online, running %s\n", device, o.running)
	default:
		fmt.Fprintf(out, "%s is restarting into %s\n", device, o.nextBoot)
	}
	return nil
}

// waiter turns the status and presence messages of one device into a single
// outcome. Snapshots of sessions that started before the command was sent
// are retained leftovers and are ignored.
type waiter struct {
	mu      sync.Mutex
	since   time.Time
	started bool
	fired   bool
	done    chan outcome
}

func newWaiter(sent time.Time, maxSkew time.Duration) *waiter {
	return &waiter{since: sent.Add(-maxSkew), done: make(chan outcome, 1)}
}

func (w *waiter) observeStatus(st ota.Status) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if st.StartedAt.IsZero() || st.StartedAt.Before(w.since) {
		return
	}
	w.started = true

	switch st.State {
	case ota.StateAborted:
		w.fire(outcome{failed: true, reason: st.Error})
	case ota.StateRestarting:
		w.fire(outcome{nextBoot: st.NextBoot})
	}
}

// observeOnline catches devices that rebooted before their last status
// snapshot reached the broker.
func (w *waiter) observeOnline(o hub.OnlineStatus) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started && o.Online {
		w.fire(outcome{running: o.Running})
	}
}

func (w *waiter) fire(o outcome) {
	if w.fired {
		return
	}
	w.fired = true
	w.done <- o
}
