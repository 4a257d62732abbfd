// Package imagewriter streams firmware and filesystem images from the
// network into flash partitions.
package imagewriter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"k8s.io/utils/clock"

	"github.com/autopeer-io/flashota/internal/flashagent/partition"
	"github.com/autopeer-io/flashota/pkg/log"
)

var (
	// ErrPartitionFull is returned when an image is larger than its partition.
	ErrPartitionFull = errors.New("image does not fit the partition")

	// ErrSizeMismatch is returned when fewer or more bytes arrive than announced.
	ErrSizeMismatch = errors.New("image size mismatch")

	// ErrChecksumMismatch is returned when the image digest does not match.
	ErrChecksumMismatch = errors.New("image checksum mismatch")

	// ErrEmptyImage is returned when the source delivered no bytes.
	ErrEmptyImage = errors.New("image is empty")

	// ErrRevoked is returned by a sink whose session was torn down.
	ErrRevoked = errors.New("partition sink revoked")
)

const copyBufferSize = partition.SectorSize

// Result is the outcome of one transfer.
type Result struct {
	Partition partition.Partition
	Source    string
	Bytes     int64
	Duration  time.Duration
	Err       error
}

// Writer runs transfers.
type Writer struct {
	clock  clock.PassiveClock
	logger log.Logger
}

// New returns a Writer. A nil clock uses the real one.
func New(c clock.PassiveClock) *Writer {
	if c == nil {
		c = clock.RealClock{}
	}
	return &Writer{clock: c, logger: log.WithName("imagewriter")}
}

// Transfer streams src into sink in a new goroutine and calls done exactly
// once with the outcome. Cancelling ctx abandons the transfer.
func (w *Writer) Transfer(ctx context.Context, src Source, sink Sink, done func(Result)) {
	go func() {
		start := w.clock.Now()
		n, err := w.copy(ctx, src, sink)
		res := Result{
			Partition: sink.Partition(),
			Source:    src.String(),
			Bytes:     n,
			Duration:  w.clock.Since(start),
			Err:       err,
		}
		if err != nil {
			w.logger.Error(err, "Transfer failed", "source", res.Source, "partition", res.Partition.Name, "bytes", n)
		} else {
			w.logger.Info("Transfer complete", "source", res.Source, "partition", res.Partition.Name, "bytes", n)
		}
		done(res)
	}()
}

func (w *Writer) copy(ctx context.Context, src Source, sink Sink) (int64, error) {
	body, size, err := src.Open(ctx)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	part := sink.Partition()
	if size == 0 {
		return 0, fmt.Errorf("%w: %s", ErrEmptyImage, src.String())
	}
	if size > int64(part.Size) {
		return 0, fmt.Errorf("%w: %d bytes for %s (%d bytes)", ErrPartitionFull, size, part.Name, part.Size)
	}

	w.logger.Info("Writing image", "source", src.String(), "partition", part.Name, "address", fmt.Sprintf("0x%08x", part.Address), "size", size)

	n, err := io.CopyBuffer(sink, &ctxReader{ctx: ctx, r: body}, make([]byte, copyBufferSize))
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: %s", ErrEmptyImage, src.String())
	}
	if size >= 0 && n != size {
		return n, fmt.Errorf("%w: got %d bytes, want %d", ErrSizeMismatch, n, size)
	}
	if err := sink.Close(); err != nil {
		return n, fmt.Errorf("failed to flush %s: %w", part.Name, err)
	}
	return n, nil
}

// ctxReader stops reading once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
