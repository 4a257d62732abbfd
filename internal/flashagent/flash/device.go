// Package flash provides byte-addressed access to the device's flash.
package flash

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// ErasedByte is the value erased flash reads back as.
const ErasedByte = 0xff

// ErrOutOfRange is returned for an access past the end of the device.
var ErrOutOfRange = errors.New("flash access out of range")

// Device is a flash chip. Offsets are absolute flash addresses.
type Device interface {
	io.ReaderAt
	io.WriterAt
	// Erase sets size bytes starting at off to ErasedByte.
	Erase(off, size int64) error
	Sync() error
	Size() int64
}

// FileDevice emulates a flash chip with a regular file or block device.
type FileDevice struct {
	mu   sync.Mutex
	f    *os.File
	size int64
}

var _ Device = (*FileDevice)(nil)

// OpenFile opens the image at path, creating it as fully erased flash of the
// given size when it does not exist. An existing image shorter than size is
// extended with erased bytes.
func OpenFile(path string, size int64) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open flash image: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	d := &FileDevice{f: f, size: size}
	if cur := fi.Size(); cur < size && fi.Mode().IsRegular() {
		if err := d.fill(cur, size-cur); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to extend flash image: %w", err)
		}
	}
	return d, nil
}

func (d *FileDevice) Size() int64 {
	return d.size
}

func (d *FileDevice) ReadAt(p []byte, off int64) (int, error) {
	if err := d.check(off, int64(len(p))); err != nil {
		return 0, err
	}
	return d.f.ReadAt(p, off)
}

func (d *FileDevice) WriteAt(p []byte, off int64) (int, error) {
	if err := d.check(off, int64(len(p))); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.WriteAt(p, off)
}

func (d *FileDevice) Erase(off, size int64) error {
	if err := d.check(off, size); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fill(off, size)
}

func (d *FileDevice) Sync() error {
	return d.f.Sync()
}

// Close closes the underlying file.
func (d *FileDevice) Close() error {
	return d.f.Close()
}

func (d *FileDevice) check(off, n int64) error {
	if off < 0 || n < 0 || off+n > d.size {
		return fmt.Errorf("%w: [0x%x, 0x%x) on %d byte device", ErrOutOfRange, off, off+n, d.size)
	}
	return nil
}

func (d *FileDevice) fill(off, n int64) error {
	const chunk = 64 << 10
	buf := make([]byte, min(n, chunk))
	for i := range buf {
		buf[i] = ErasedByte
	}
	for n > 0 {
		w := min(n, int64(len(buf)))
		if _, err := d.f.WriteAt(buf[:w], off); err != nil {
			return err
		}
		off += w
		n -= w
	}
	return nil
}
