package ota

import (
	"context"
	"time"

	"github.com/looplab/fsm"

	"github.com/autopeer-io/flashota/internal/flashagent/bootstate"
	"github.com/autopeer-io/flashota/internal/flashagent/imagewriter"
	"github.com/autopeer-io/flashota/internal/flashagent/partition"
	"github.com/autopeer-io/flashota/pkg/log"
)

type item struct {
	kind    Kind
	locator string
	digest  string

	target partition.Partition
	source imagewriter.Source
	sink   imagewriter.Sink

	state ItemState
	bytes int64
	err   error
}

func (it *item) status() ItemStatus {
	st := ItemStatus{
		Kind:      it.kind,
		Source:    it.locator,
		Partition: it.target.Name,
		State:     it.state,
		Bytes:     it.bytes,
	}
	if it.err != nil {
		st.Error = it.err.Error()
	}
	return st
}

func (it *item) fail(err error) {
	it.state = ItemFailed
	it.err = err
}

// session is one accepted request. It is owned by the orchestrator loop and
// never touched from any other goroutine.
type session struct {
	id     string
	o      *Orchestrator
	fsm    *fsm.FSM
	logger log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// items are queued application first, then filesystem.
	items     []*item
	candidate bootstate.Candidate
	unmounted bool

	startedAt  time.Time
	finishedAt time.Time
	err        error
}

func newSession(ctx context.Context, o *Orchestrator, id string, req Request) *session {
	s := &session{
		id:        id,
		o:         o,
		logger:    o.logger.WithValues("session", id),
		startedAt: o.clock.Now(),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.fsm = newSessionFSM(s)

	if req.ApplicationURL != "" {
		s.items = append(s.items, &item{kind: KindApplication, locator: req.ApplicationURL, digest: req.ApplicationSHA256, state: ItemPending})
	}
	if req.FilesystemURL != "" {
		s.items = append(s.items, &item{kind: KindFilesystem, locator: req.FilesystemURL, digest: req.FilesystemSHA256, state: ItemPending})
	}
	return s
}

func (s *session) item(k Kind) *item {
	for _, it := range s.items {
		if it.kind == k {
			return it
		}
	}
	return nil
}

func (s *session) state() string {
	return s.fsm.Current()
}

// terminal reports whether the session has reached a final state.
func (s *session) terminal() bool {
	st := s.state()
	return st == StateRestarting || st == StateAborted
}

// settled reports whether every item has an outcome.
func (s *session) settled() bool {
	for _, it := range s.items {
		if it.state != ItemSucceeded && it.state != ItemFailed {
			return false
		}
	}
	return true
}

// firstError returns the error of the first failed item in queue order.
func (s *session) firstError() error {
	for _, it := range s.items {
		if it.state == ItemFailed {
			return it.err
		}
	}
	return nil
}

// release cancels the session's transfers and revokes its sinks. A transfer
// blocked in a read when the session ends would otherwise still write the
// bytes it gets back.
func (s *session) release() {
	s.cancel()
	for _, it := range s.items {
		if it.sink != nil {
			it.sink.Revoke()
		}
	}
}

func (s *session) finish(err error) {
	s.finishedAt = s.o.clock.Now()
	s.err = err
}

func (s *session) status() Status {
	st := Status{
		SessionID:  s.id,
		State:      s.state(),
		StartedAt:  s.startedAt,
		FinishedAt: s.finishedAt,
	}
	for _, it := range s.items {
		st.Items = append(st.Items, it.status())
	}
	if s.err != nil {
		st.Error = s.err.Error()
	}
	return st
}
