// Package bootstate persists which application slot the bootloader loads on
// the next restart.
package bootstate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/autopeer-io/flashota/internal/flashagent/partition"
	"github.com/autopeer-io/flashota/pkg/log"
)

var (
	// ErrCommitFailed is returned when the boot record could not be persisted
	// within the configured number of attempts.
	ErrCommitFailed = errors.New("boot record commit failed")

	// ErrCorruptRecord is returned when the persisted record does not verify.
	ErrCorruptRecord = errors.New("boot record corrupt")

	// ErrInvalidCandidate is returned by Commit for a candidate that was not
	// minted by this store or names the running slot.
	ErrInvalidCandidate = errors.New("invalid boot candidate")

	// ErrRestartPending means every inactive slot is committed for the next
	// boot and the device has to restart before another image is written.
	ErrRestartPending = errors.New("restart pending")
)

// Medium is where the boot record lives. *os.File satisfies it.
type Medium interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
}

// Candidate is an application slot that may be written and committed. Only
// Store.NextBootCandidate creates one, and it never names the running slot.
type Candidate struct {
	slot int
	part partition.Partition
}

// Partition returns the slot's partition.
func (c Candidate) Partition() partition.Partition {
	return c.part
}

// Valid reports whether c was produced by a Store.
func (c Candidate) Valid() bool {
	return !c.part.IsZero()
}

// Option configures a Store.
type Option func(*Store)

// WithCommitBackoff bounds the retries of a failed record write. attempts is
// the total number of writes made; delay doubles after each failure.
func WithCommitBackoff(attempts int, delay time.Duration) Option {
	return func(s *Store) {
		s.backoff = wait.Backoff{Duration: delay, Factor: 2, Steps: attempts}
	}
}

// Store is the process-wide view of the boot record.
type Store struct {
	medium  Medium
	closer  io.Closer
	slots   []partition.Partition
	backoff wait.Backoff
	logger  log.Logger

	mu      sync.RWMutex
	current int
	rec     record
}

// Open opens (creating if needed) the boot record file at path.
func Open(path string, slots []partition.Partition, opts ...Option) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open boot record: %w", err)
	}

	s, err := New(f, slots, opts...)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	s.closer = f
	return s, nil
}

// New reads the boot record from m. A blank medium is initialised to boot
// the first slot. The slot named by the record is taken as the running one,
// since that is what the bootloader loaded.
func New(m Medium, slots []partition.Partition, opts ...Option) (*Store, error) {
	if len(slots) < 2 || len(slots) > maxSlots {
		return nil, fmt.Errorf("need between 2 and %d application slots, got %d", maxSlots, len(slots))
	}

	s := &Store{
		medium:  m,
		slots:   append([]partition.Partition(nil), slots...),
		backoff: wait.Backoff{Duration: 50 * time.Millisecond, Factor: 2, Steps: 3},
		logger:  log.WithName("bootstate"),
	}
	for _, o := range opts {
		o(s)
	}

	buf := make([]byte, recordSize)
	n, err := m.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read boot record: %w", err)
	}

	if blank(buf[:n]) {
		rec := record{slotCount: uint16(len(slots))}
		if err := s.write(rec); err != nil {
			return nil, fmt.Errorf("failed to initialise boot record: %w", err)
		}
		s.rec = rec
		s.logger.Info("Initialised boot record", "slot", slots[0].Name)
	} else {
		rec, err := unmarshalRecord(buf[:n])
		if err != nil {
			return nil, err
		}
		if int(rec.slotCount) != len(slots) {
			return nil, fmt.Errorf("%w: record has %d slots, layout has %d", ErrCorruptRecord, rec.slotCount, len(slots))
		}
		s.rec = rec
	}

	s.current = int(s.rec.next)
	return s, nil
}

// Close releases the underlying file when the store was opened by path.
func (s *Store) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// CurrentBoot returns the slot the device is executing from.
func (s *Store) CurrentBoot() partition.Partition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.slots[s.current]
}

// Next returns the slot the bootloader will load on the next restart.
func (s *Store) Next() partition.Partition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.slots[s.rec.next]
}

// NextBootCandidate returns the inactive slot to write the next application
// image to: the least recently committed slot other than the running one,
// scanning the ring from the slot after the running one on ties. With two
// slots this is simply the other slot.
//
// A slot committed since this process started is what the bootloader loads
// next and is never offered, so a torn write cannot land in it. When no
// other slot is left the returned Candidate is not Valid.
func (s *Store) NextBootCandidate() Candidate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.slots)
	pending := int(s.rec.next)
	best := -1
	for k := 1; k < n; k++ {
		i := (s.current + k) % n
		if i == pending {
			continue
		}
		if best < 0 || s.rec.slotGen[i] < s.rec.slotGen[best] {
			best = i
		}
	}
	if best < 0 {
		return Candidate{}
	}
	return Candidate{slot: best, part: s.slots[best]}
}

// Commit makes c the boot target for the next restart. The record is
// written in one piece, synced and read back; a failed attempt is retried
// with backoff. When every attempt fails the previous record is written back
// once. If that fails too the medium may hold either record, and the one
// read at the next start is the one the bootloader follows.
func (s *Store) Commit(ctx context.Context, c Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !c.Valid() || c.slot < 0 || c.slot >= len(s.slots) || s.slots[c.slot] != c.part {
		return fmt.Errorf("%w: %s", ErrInvalidCandidate, c.part.Name)
	}
	if c.slot == s.current {
		return fmt.Errorf("%w: %s is the running slot", ErrInvalidCandidate, c.part.Name)
	}

	rec := s.rec
	rec.generation++
	rec.next = uint32(c.slot)
	rec.slotGen[c.slot] = rec.generation

	attempt := 0
	var lastErr error
	err := wait.ExponentialBackoffWithContext(ctx, s.backoff, func(ctx context.Context) (bool, error) {
		attempt++
		if err := s.write(rec); err != nil {
			lastErr = err
			s.logger.Warn("Boot record write failed", "attempt", attempt, "error", err)
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		if rerr := s.write(s.rec); rerr != nil {
			s.logger.Error(rerr, "Failed to restore the previous boot record", "next", s.slots[s.rec.next].Name)
		}
		return fmt.Errorf("%w after %d attempts: %v", ErrCommitFailed, attempt, lastErr)
	}

	s.rec = rec
	s.logger.Info("Committed boot target", "slot", c.part.Name, "generation", rec.generation)
	return nil
}

// write persists rec and verifies it by reading it back.
func (s *Store) write(rec record) error {
	b := rec.marshal()
	if _, err := s.medium.WriteAt(b, 0); err != nil {
		return err
	}
	if err := s.medium.Sync(); err != nil {
		return err
	}

	check := make([]byte, recordSize)
	if _, err := s.medium.ReadAt(check, 0); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if !bytes.Equal(check, b) {
		return errors.New("read back does not match written record")
	}
	return nil
}
