package ota

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"

	"github.com/autopeer-io/flashota/internal/pkg/metrics"
	fsmutil "github.com/autopeer-io/flashota/internal/pkg/util/fsm"
)

// Session states.
const (
	StateIdle       = "idle"
	StatePreparing  = "preparing"
	StateInProgress = "in_progress"
	StateCommitting = "committing"
	StateRestarting = "restarting"
	StateAborted    = "aborted"
)

// Session events.
const (
	EventPrepare = "prepare"
	EventStart   = "start"
	EventCommit  = "commit"
	EventRestart = "restart"
	EventAbort   = "abort"
)

var allStates = []string{StateIdle, StatePreparing, StateInProgress, StateCommitting, StateRestarting, StateAborted}

var errApplicationNotSucceeded = errors.New("application item did not succeed")

func newSessionFSM(s *session) *fsm.FSM {
	events := fsm.Events{
		{Name: EventPrepare, Src: []string{StateIdle}, Dst: StatePreparing},
		{Name: EventStart, Src: []string{StatePreparing}, Dst: StateInProgress},
		{Name: EventCommit, Src: []string{StateInProgress}, Dst: StateCommitting},
		{Name: EventRestart, Src: []string{StateInProgress, StateCommitting}, Dst: StateRestarting},
		{Name: EventAbort, Src: []string{StatePreparing, StateInProgress, StateCommitting}, Dst: StateAborted},
	}

	callbacks := fsm.Callbacks{
		// Guards
		"before_" + EventCommit: fsmutil.WrapEvent(s.guardCommit),

		// Side effects
		"enter_state":              func(_ context.Context, e *fsm.Event) { s.enterState(e) },
		"enter_" + StateCommitting: fsmutil.WrapEvent(s.actionCommit),
		"enter_" + StateRestarting: fsmutil.WrapEvent(s.actionRestart),
		"enter_" + StateAborted:    fsmutil.WrapEvent(s.actionAbort),
	}

	return fsm.NewFSM(StateIdle, events, callbacks)
}

// guardCommit refuses the commit unless the application item was requested
// and succeeded.
func (s *session) guardCommit(_ context.Context, e *fsm.Event) error {
	app := s.item(KindApplication)
	if app == nil || app.state != ItemSucceeded || !s.candidate.Valid() {
		e.Cancel(errApplicationNotSucceeded)
	}
	return nil
}

func (s *session) enterState(e *fsm.Event) {
	s.logger.Info("Session state changed", "from", e.Src, "to", e.Dst, "event", e.Event)
	metrics.SetState(e.Dst, allStates)
}

func (s *session) actionCommit(ctx context.Context, _ *fsm.Event) error {
	if err := s.o.boot.Commit(ctx, s.candidate); err != nil {
		metrics.CommitsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("commit boot target %s: %w", s.candidate.Partition().Name, err)
	}
	metrics.CommitsTotal.WithLabelValues("success").Inc()
	return nil
}

func (s *session) actionRestart(_ context.Context, _ *fsm.Event) error {
	s.finish(nil)
	metrics.SessionsTotal.WithLabelValues(StateRestarting).Inc()
	s.logger.Info("Update complete, requesting restart")
	if err := s.o.restarter.Restart(); err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	return nil
}

// actionAbort expects the cause as the first event argument.
func (s *session) actionAbort(_ context.Context, e *fsm.Event) error {
	var cause error
	if len(e.Args) > 0 {
		cause, _ = e.Args[0].(error)
	}
	s.finish(cause)
	s.release()

	outcome := StateAborted
	if errors.Is(cause, ErrReplaced) {
		outcome = "replaced"
	}
	metrics.SessionsTotal.WithLabelValues(outcome).Inc()
	s.logger.Error(cause, "Update session aborted", "from", e.Src)
	return nil
}
