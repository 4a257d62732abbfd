// Package flashagent assembles the device agent: the update orchestrator
// and the HTTP and MQTT triggers that feed it.
package flashagent

import (
	"context"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/autopeer-io/flashota/internal/flashagent/hub"
	"github.com/autopeer-io/flashota/internal/flashagent/ota"
	"github.com/autopeer-io/flashota/internal/flashagent/server"
	"github.com/autopeer-io/flashota/pkg/log"
)

type Agent struct {
	orchestrator *ota.Orchestrator
	server       *server.Server
	hub          *hub.Hub

	closers []io.Closer
}

// Run starts every component and blocks until ctx is done or one of them
// fails.
func (a *Agent) Run(ctx context.Context) error {
	defer a.close()

	log.Info("Starting flashota agent", "mqtt", a.hub != nil)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.orchestrator.Run(ctx) })
	g.Go(func() error { return a.server.Start(ctx) })
	if a.hub != nil {
		g.Go(func() error { return a.hub.Run(ctx) })
	}

	err := g.Wait()
	log.Info("Agent shutting down...")
	return err
}

func (a *Agent) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			log.Error(err, "Failed to release resource")
		}
	}
	a.closers = nil
}
