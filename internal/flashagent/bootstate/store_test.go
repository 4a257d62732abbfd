package bootstate

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/autopeer-io/flashota/internal/flashagent/partition"
)

// memMedium is an in-memory Medium that can be told to fail writes.
type memMedium struct {
	data       []byte
	failWrites int
	tearWrites int
	failSyncs  int
	syncs      int
}

func (m *memMedium) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memMedium) WriteAt(p []byte, off int64) (int, error) {
	if m.failWrites > 0 {
		m.failWrites--
		return 0, errors.New("injected write failure")
	}
	end := int(off) + len(p)
	if end > len(m.data) {
		m.data = append(m.data, make([]byte, end-len(m.data))...)
	}
	if m.tearWrites > 0 {
		m.tearWrites--
		copy(m.data[off:], p[:len(p)/2])
		return len(p) / 2, nil
	}
	return copy(m.data[off:], p), nil
}

func (m *memMedium) Sync() error {
	m.syncs++
	if m.failSyncs > 0 {
		m.failSyncs--
		return errors.New("injected sync failure")
	}
	return nil
}

func slots(t *testing.T) []partition.Partition {
	t.Helper()
	dir, err := partition.NewDirectory(partition.DefaultLayout())
	if err != nil {
		t.Fatalf("NewDirectory() error = %v", err)
	}
	return dir.Slots()
}

func TestNewInitialisesBlankMedium(t *testing.T) {
	m := &memMedium{}
	s, err := New(m, slots(t))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if got := s.CurrentBoot().Name; got != "rom0" {
		t.Errorf("CurrentBoot() = %s, want rom0", got)
	}
	if len(m.data) != recordSize {
		t.Errorf("record size = %d, want %d", len(m.data), recordSize)
	}
	if m.syncs == 0 {
		t.Error("initial record was not synced")
	}
}

func TestCandidateNeverRunningSlot(t *testing.T) {
	s, err := New(&memMedium{}, slots(t))
	if err != nil {
		t.Fatal(err)
	}
	c := s.NextBootCandidate()
	if !c.Valid() {
		t.Fatal("candidate is not valid")
	}
	if c.Partition() == s.CurrentBoot() {
		t.Errorf("candidate %s equals running slot", c.Partition().Name)
	}
}

func TestCommitTogglesAcrossRestarts(t *testing.T) {
	m := &memMedium{}
	want := []string{"rom0", "rom1", "rom0", "rom1"}

	for i, name := range want {
		s, err := New(m, slots(t))
		if err != nil {
			t.Fatalf("restart %d: New() error = %v", i, err)
		}
		if got := s.CurrentBoot().Name; got != name {
			t.Fatalf("restart %d: CurrentBoot() = %s, want %s", i, got, name)
		}
		c := s.NextBootCandidate()
		if err := s.Commit(context.Background(), c); err != nil {
			t.Fatalf("restart %d: Commit() error = %v", i, err)
		}
		if s.Next() != c.Partition() {
			t.Errorf("restart %d: Next() = %s, want %s", i, s.Next().Name, c.Partition().Name)
		}
		if s.CurrentBoot().Name != name {
			t.Errorf("restart %d: CurrentBoot() changed before restart", i)
		}
	}
}

func TestCommitRetriesTransientFailures(t *testing.T) {
	m := &memMedium{}
	s, err := New(m, slots(t), WithCommitBackoff(3, 0))
	if err != nil {
		t.Fatal(err)
	}

	m.failWrites = 1
	m.tearWrites = 1
	if err := s.Commit(context.Background(), s.NextBootCandidate()); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	s2, err := New(m, slots(t))
	if err != nil {
		t.Fatal(err)
	}
	if got := s2.CurrentBoot().Name; got != "rom1" {
		t.Errorf("CurrentBoot() after restart = %s, want rom1", got)
	}
}

func TestCommitExhaustsAttempts(t *testing.T) {
	m := &memMedium{}
	s, err := New(m, slots(t), WithCommitBackoff(2, 0))
	if err != nil {
		t.Fatal(err)
	}

	m.failWrites = 5
	err = s.Commit(context.Background(), s.NextBootCandidate())
	if !errors.Is(err, ErrCommitFailed) {
		t.Fatalf("Commit() error = %v, want ErrCommitFailed", err)
	}
	// Two commit attempts and one write restoring the previous record.
	if m.failWrites != 2 {
		t.Errorf("writes = %d, want 3", 5-m.failWrites)
	}
	if got := s.Next().Name; got != "rom0" {
		t.Errorf("Next() after failed commit = %s, want rom0", got)
	}

	s2, err := New(m, slots(t))
	if err != nil {
		t.Fatal(err)
	}
	if got := s2.CurrentBoot().Name; got != "rom0" {
		t.Errorf("CurrentBoot() after restart = %s, want rom0", got)
	}
}

func TestFailedCommitRestoresPreviousRecord(t *testing.T) {
	m := &memMedium{}
	s, err := New(m, slots(t), WithCommitBackoff(2, 0))
	if err != nil {
		t.Fatal(err)
	}

	// Both attempts reach the medium but never verify.
	m.failSyncs = 2
	if err := s.Commit(context.Background(), s.NextBootCandidate()); !errors.Is(err, ErrCommitFailed) {
		t.Fatalf("Commit() error = %v, want ErrCommitFailed", err)
	}

	s2, err := New(m, slots(t))
	if err != nil {
		t.Fatal(err)
	}
	if got := s2.CurrentBoot().Name; got != "rom0" {
		t.Errorf("CurrentBoot() after restart = %s, want rom0", got)
	}
	if s2.Next() != s.Next() {
		t.Errorf("persisted Next() = %s, in memory %s", s2.Next().Name, s.Next().Name)
	}
}

func TestCandidateSkipsSlotPendingBoot(t *testing.T) {
	m := &memMedium{}
	s, err := New(m, slots(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(context.Background(), s.NextBootCandidate()); err != nil {
		t.Fatal(err)
	}

	// rom1 is what the bootloader loads next; without a restart there is
	// no slot left to write.
	if c := s.NextBootCandidate(); c.Valid() {
		t.Errorf("NextBootCandidate() = %s, want none before the restart", c.Partition().Name)
	}

	s, err = New(m, slots(t))
	if err != nil {
		t.Fatal(err)
	}
	if got := s.NextBootCandidate().Partition().Name; got != "rom0" {
		t.Errorf("NextBootCandidate() after restart = %s, want rom0", got)
	}
}

func TestCandidateWithThreeSlotsSkipsPendingSlot(t *testing.T) {
	three := []partition.Partition{
		{Name: "rom0", Address: 0x2000, Size: 0x1000, Type: partition.TypeApplication},
		{Name: "rom1", Address: 0x3000, Size: 0x1000, Type: partition.TypeApplication},
		{Name: "rom2", Address: 0x4000, Size: 0x1000, Type: partition.TypeApplication},
	}
	s, err := New(&memMedium{}, three)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(context.Background(), s.NextBootCandidate()); err != nil {
		t.Fatal(err)
	}

	c := s.NextBootCandidate()
	if got := c.Partition().Name; got != "rom2" {
		t.Fatalf("NextBootCandidate() = %s, want rom2", got)
	}
	if err := s.Commit(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	if got := s.Next().Name; got != "rom2" {
		t.Errorf("Next() = %s, want rom2", got)
	}
}

func TestCommitRejectsForeignCandidate(t *testing.T) {
	s, err := New(&memMedium{}, slots(t))
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Commit(context.Background(), Candidate{}); !errors.Is(err, ErrInvalidCandidate) {
		t.Errorf("Commit(zero) error = %v, want ErrInvalidCandidate", err)
	}
	running := Candidate{slot: 0, part: s.CurrentBoot()}
	if err := s.Commit(context.Background(), running); !errors.Is(err, ErrInvalidCandidate) {
		t.Errorf("Commit(running) error = %v, want ErrInvalidCandidate", err)
	}
}

func TestCorruptRecord(t *testing.T) {
	m := &memMedium{}
	if _, err := New(m, slots(t)); err != nil {
		t.Fatal(err)
	}
	m.data[9] ^= 0xff

	if _, err := New(m, slots(t)); !errors.Is(err, ErrCorruptRecord) {
		t.Errorf("New() error = %v, want ErrCorruptRecord", err)
	}
}

func TestLeastRecentlyCommittedSlot(t *testing.T) {
	three := []partition.Partition{
		{Name: "rom0", Address: 0x2000, Size: 0x1000, Type: partition.TypeApplication},
		{Name: "rom1", Address: 0x3000, Size: 0x1000, Type: partition.TypeApplication},
		{Name: "rom2", Address: 0x4000, Size: 0x1000, Type: partition.TypeApplication},
	}
	m := &memMedium{}
	want := []string{"rom1", "rom2", "rom0", "rom1"}

	for i, name := range want {
		s, err := New(m, three)
		if err != nil {
			t.Fatal(err)
		}
		c := s.NextBootCandidate()
		if got := c.Partition().Name; got != name {
			t.Fatalf("round %d: candidate = %s, want %s", i, got, name)
		}
		if err := s.Commit(context.Background(), c); err != nil {
			t.Fatal(err)
		}
	}
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boot.rec")

	s, err := Open(path, slots(t))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.Commit(context.Background(), s.NextBootCandidate()); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = Open(path, slots(t))
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s.Close()
	if got := s.CurrentBoot().Name; got != "rom1" {
		t.Errorf("CurrentBoot() = %s, want rom1", got)
	}
}
