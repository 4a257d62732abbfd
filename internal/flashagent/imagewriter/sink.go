package imagewriter

import (
	"fmt"
	"sync"

	"github.com/autopeer-io/flashota/internal/flashagent/bootstate"
	"github.com/autopeer-io/flashota/internal/flashagent/flash"
	"github.com/autopeer-io/flashota/internal/flashagent/mount"
	"github.com/autopeer-io/flashota/internal/flashagent/partition"
)

// FilesystemBlockSize is the erase granularity used for filesystem images.
const FilesystemBlockSize = 16 * partition.SectorSize

// Sink receives an image sequentially and writes it into one partition.
type Sink interface {
	Write(p []byte) (int, error)
	// Close flushes the written image to the device.
	Close() error
	Partition() partition.Partition
	// Revoke makes every later Write and Close fail with ErrRevoked. It
	// waits for a Write in progress, so once it returns the sink no longer
	// touches the device.
	Revoke()
}

// NewSlotSink returns a sink that writes an application image into the
// candidate slot, erasing one sector ahead of the data.
func NewSlotSink(dev flash.Device, c bootstate.Candidate) (Sink, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("slot sink needs a boot candidate")
	}
	return newEraseWriter(dev, c.Partition(), partition.SectorSize), nil
}

// NewPartitionStream returns a sink that writes a filesystem image into an
// unmounted partition, erasing one block ahead of the data.
func NewPartitionStream(dev flash.Device, u mount.Unmounted) (Sink, error) {
	if !u.Valid() {
		return nil, fmt.Errorf("partition stream needs an unmounted partition")
	}
	return newEraseWriter(dev, u.Partition(), FilesystemBlockSize), nil
}

// eraseWriter writes sequentially from the start of part and erases in
// units of granule before writing into a region that has not been erased.
type eraseWriter struct {
	mu      sync.Mutex
	revoked bool

	dev     flash.Device
	part    partition.Partition
	granule int64
	written int64
	erased  int64
}

func newEraseWriter(dev flash.Device, p partition.Partition, granule int64) *eraseWriter {
	return &eraseWriter{dev: dev, part: p, granule: granule}
}

func (w *eraseWriter) Partition() partition.Partition {
	return w.part
}

func (w *eraseWriter) Revoke() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.revoked = true
}

func (w *eraseWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.revoked {
		return 0, fmt.Errorf("%w: %s", ErrRevoked, w.part.Name)
	}

	size := int64(w.part.Size)
	if w.written+int64(len(p)) > size {
		return 0, fmt.Errorf("%w: %s holds %d bytes", ErrPartitionFull, w.part.Name, size)
	}

	end := w.written + int64(len(p))
	for w.erased < end {
		n := min(w.granule, size-w.erased)
		if err := w.dev.Erase(int64(w.part.Address)+w.erased, n); err != nil {
			return 0, fmt.Errorf("erase %s at 0x%x: %w", w.part.Name, w.erased, err)
		}
		w.erased += n
	}

	n, err := w.dev.WriteAt(p, int64(w.part.Address)+w.written)
	w.written += int64(n)
	return n, err
}

func (w *eraseWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.revoked {
		return fmt.Errorf("%w: %s", ErrRevoked, w.part.Name)
	}
	return w.dev.Sync()
}
