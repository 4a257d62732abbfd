// Package ota sequences firmware and filesystem image updates and decides
// when the boot target may change.
package ota

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/flashota/internal/flashagent/bootstate"
	"github.com/autopeer-io/flashota/internal/flashagent/flash"
	"github.com/autopeer-io/flashota/internal/flashagent/imagewriter"
	"github.com/autopeer-io/flashota/internal/flashagent/mount"
	"github.com/autopeer-io/flashota/internal/flashagent/partition"
	"github.com/autopeer-io/flashota/internal/pkg/metrics"
	fsmutil "github.com/autopeer-io/flashota/internal/pkg/util/fsm"
	"github.com/autopeer-io/flashota/pkg/log"
)

var (
	// ErrStopped is returned once the orchestrator loop has exited.
	ErrStopped = errors.New("orchestrator stopped")

	// ErrReplaced is the abort cause of a session torn down by a newer request.
	ErrReplaced = errors.New("session replaced by a newer request")
)

// Directory resolves partition names.
type Directory interface {
	Lookup(name string) (partition.Partition, error)
}

// BootStore is the persisted boot target.
type BootStore interface {
	CurrentBoot() partition.Partition
	Next() partition.Partition
	NextBootCandidate() bootstate.Candidate
	Commit(ctx context.Context, c bootstate.Candidate) error
}

// Mounter unmounts filesystem partitions before they are written.
type Mounter interface {
	UnmountIfMounted(p partition.Partition) (mount.Unmounted, error)
}

// Transferer runs image transfers.
type Transferer interface {
	Transfer(ctx context.Context, src imagewriter.Source, sink imagewriter.Sink, done func(imagewriter.Result))
}

// Resolver turns image locators into sources.
type Resolver interface {
	Resolve(locator, sha256Hex string) (imagewriter.Source, error)
}

// Restarter reboots the device.
type Restarter interface {
	Restart() error
}

// Config holds the orchestrator's collaborators.
type Config struct {
	Directory Directory
	Boot      BootStore
	Mounts    Mounter
	Device    flash.Device
	Writer    Transferer
	Resolver  Resolver
	Restarter Restarter

	// FilesystemPartition names the partition receiving filesystem images.
	FilesystemPartition string

	// Clock defaults to the real clock.
	Clock clock.PassiveClock
}

// Listener is told about every status change. It runs on the orchestrator
// loop and must not block or call back into the orchestrator.
type Listener func(Status)

type requestEvent struct {
	req   Request
	reply chan string
}

type itemDoneEvent struct {
	sessionID string
	kind      Kind
	result    imagewriter.Result
}

type statusQuery struct {
	reply chan Status
}

// Orchestrator owns the update session. All session state lives on the
// goroutine running Run; other goroutines talk to it through events.
type Orchestrator struct {
	dir       Directory
	boot      BootStore
	mounts    Mounter
	device    flash.Device
	writer    Transferer
	resolver  Resolver
	restarter Restarter
	fsName    string
	clock     clock.PassiveClock
	logger    log.Logger

	listeners []Listener

	events chan any
	done   chan struct{}

	// current is the active or most recently finished session.
	current *session
}

// New returns an Orchestrator. Call Run to start it.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Directory == nil, cfg.Boot == nil, cfg.Mounts == nil, cfg.Device == nil,
		cfg.Writer == nil, cfg.Resolver == nil, cfg.Restarter == nil:
		return nil, errors.New("orchestrator config is incomplete")
	case cfg.FilesystemPartition == "":
		return nil, errors.New("filesystem partition name is required")
	}

	c := cfg.Clock
	if c == nil {
		c = clock.RealClock{}
	}

	return &Orchestrator{
		dir:       cfg.Directory,
		boot:      cfg.Boot,
		mounts:    cfg.Mounts,
		device:    cfg.Device,
		writer:    cfg.Writer,
		resolver:  cfg.Resolver,
		restarter: cfg.Restarter,
		fsName:    cfg.FilesystemPartition,
		clock:     c,
		logger:    log.WithName("orchestrator"),
		events:    make(chan any),
		done:      make(chan struct{}),
	}, nil
}

// AddListener registers l. It must be called before Run.
func (o *Orchestrator) AddListener(l Listener) {
	o.listeners = append(o.listeners, l)
}

// Run processes events until ctx is done. The active session, if any, is
// cancelled on return.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer close(o.done)

	running := o.boot.CurrentBoot()
	o.logger.Info("Orchestrator started", "running", running.Name, "address", fmt.Sprintf("0x%08x", running.Address))
	metrics.SetState(StateIdle, allStates)

	for {
		select {
		case <-ctx.Done():
			if s := o.current; s != nil && !s.terminal() {
				s.release()
			}
			o.logger.Info("Orchestrator stopped")
			return nil

		case ev := <-o.events:
			switch ev := ev.(type) {
			case requestEvent:
				ev.reply <- o.handleRequest(ctx, ev.req)
			case itemDoneEvent:
				o.handleItemDone(ev)
			case statusQuery:
				ev.reply <- o.status()
			}
		}
	}
}

// RequestUpdate submits req and returns the new session id without waiting
// for the transfers. An empty request is a no-op and returns an empty id.
func (o *Orchestrator) RequestUpdate(ctx context.Context, req Request) (string, error) {
	reply := make(chan string, 1)
	if err := o.send(ctx, requestEvent{req: req.Normalize(), reply: reply}); err != nil {
		return "", err
	}
	return <-reply, nil
}

// Status returns a snapshot of the most recent session.
func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	if err := o.send(ctx, statusQuery{reply: reply}); err != nil {
		return Status{}, err
	}
	return <-reply, nil
}

func (o *Orchestrator) send(ctx context.Context, ev any) error {
	select {
	case o.events <- ev:
		return nil
	case <-o.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post delivers a transfer completion. It never blocks once the loop exited.
func (o *Orchestrator) post(ev itemDoneEvent) {
	select {
	case o.events <- ev:
	case <-o.done:
	}
}

func (o *Orchestrator) handleRequest(ctx context.Context, req Request) string {
	if req.Empty() {
		o.logger.Info("Ignoring update request without images")
		return ""
	}

	if s := o.current; s != nil && !s.terminal() {
		s.logger.Info("Tearing down session for a newer request")
		o.abort(s, ErrReplaced)
	}

	s := newSession(ctx, o, uuid.NewString(), req)
	o.current = s
	s.logger.Info("Accepted update request", "rom", req.ApplicationURL, "spiffs", req.FilesystemURL)

	o.event(s, EventPrepare)
	o.prepare(s)

	runnable := 0
	for _, it := range s.items {
		if it.state == ItemPending {
			runnable++
		}
	}
	if runnable == 0 {
		o.abort(s, s.firstError())
		o.notify()
		return s.id
	}

	o.event(s, EventStart)
	for _, it := range s.items {
		if it.state != ItemPending {
			continue
		}
		it.state = ItemTransferring
		sid, kind := s.id, it.kind
		o.writer.Transfer(s.ctx, it.source, it.sink, func(r imagewriter.Result) {
			o.post(itemDoneEvent{sessionID: sid, kind: kind, result: r})
		})
	}
	o.notify()
	return s.id
}

// prepare resolves the target of every item. An item that cannot be
// prepared is marked failed; the others are unaffected.
func (o *Orchestrator) prepare(s *session) {
	for _, it := range s.items {
		var err error
		switch it.kind {
		case KindApplication:
			err = o.prepareApplication(s, it)
		case KindFilesystem:
			err = o.prepareFilesystem(s, it)
		}
		if err != nil {
			s.logger.Error(err, "Failed to prepare update item", "kind", it.kind)
			it.fail(err)
			metrics.ItemsTotal.WithLabelValues(string(it.kind), string(ItemFailed)).Inc()
		}
	}
}

func (o *Orchestrator) prepareApplication(s *session, it *item) error {
	src, err := o.resolver.Resolve(it.locator, it.digest)
	if err != nil {
		return err
	}

	c := o.boot.NextBootCandidate()
	if !c.Valid() {
		return fmt.Errorf("%w: %s is committed for the next boot", bootstate.ErrRestartPending, o.boot.Next().Name)
	}
	sink, err := imagewriter.NewSlotSink(o.device, c)
	if err != nil {
		return err
	}

	s.candidate = c
	it.target, it.source, it.sink = c.Partition(), src, sink
	return nil
}

func (o *Orchestrator) prepareFilesystem(s *session, it *item) error {
	part, err := o.dir.Lookup(o.fsName)
	if err != nil {
		return err
	}
	it.target = part

	src, err := o.resolver.Resolve(it.locator, it.digest)
	if err != nil {
		return err
	}

	u, err := o.mounts.UnmountIfMounted(part)
	if err != nil {
		return err
	}
	s.unmounted = true

	sink, err := imagewriter.NewPartitionStream(o.device, u)
	if err != nil {
		return err
	}
	it.source, it.sink = src, sink
	return nil
}

func (o *Orchestrator) handleItemDone(ev itemDoneEvent) {
	s := o.current
	if s == nil || s.id != ev.sessionID {
		o.logger.Debug("Dropping completion of a replaced session", "session", ev.sessionID, "kind", ev.kind)
		return
	}
	it := s.item(ev.kind)
	if it == nil || it.state != ItemTransferring || s.state() != StateInProgress {
		return
	}

	r := ev.result
	it.bytes = r.Bytes
	metrics.BytesWritten.WithLabelValues(string(it.kind)).Add(float64(r.Bytes))
	metrics.TransferDuration.WithLabelValues(string(it.kind)).Observe(r.Duration.Seconds())
	if r.Err != nil {
		it.fail(r.Err)
	} else {
		it.state = ItemSucceeded
	}
	metrics.ItemsTotal.WithLabelValues(string(it.kind), string(it.state)).Inc()
	s.logger.Info("Update item finished", "kind", it.kind, "state", it.state, "bytes", it.bytes)

	if s.settled() {
		o.decide(s)
	}
	o.notify()
}

// decide runs once every item has an outcome.
func (o *Orchestrator) decide(s *session) {
	if err := s.firstError(); err != nil {
		o.abort(s, err)
		return
	}

	if s.item(KindApplication) != nil {
		if err := s.fsm.Event(s.ctx, EventCommit); err != nil {
			o.abort(s, err)
			return
		}
	}

	if err := s.fsm.Event(s.ctx, EventRestart); err != nil {
		s.logger.Error(err, "Restart request failed")
	}
}

func (o *Orchestrator) abort(s *session, cause error) {
	for _, it := range s.items {
		if it.state == ItemPending || it.state == ItemTransferring {
			it.fail(cause)
		}
	}
	o.event(s, EventAbort, cause)
}

// event fires a transition that cannot legitimately fail.
func (o *Orchestrator) event(s *session, name string, args ...any) {
	if err := s.fsm.Event(s.ctx, name, args...); fsmutil.IsRealError(err) {
		s.logger.Error(err, "Session transition failed", "event", name)
	}
}

func (o *Orchestrator) status() Status {
	var st Status
	if o.current != nil {
		st = o.current.status()
	} else {
		st.State = StateIdle
	}
	st.Running = o.boot.CurrentBoot().Name
	st.NextBoot = o.boot.Next().Name
	return st
}

func (o *Orchestrator) notify() {
	if len(o.listeners) == 0 {
		return
	}
	st := o.status()
	for _, l := range o.listeners {
		l(st)
	}
}
