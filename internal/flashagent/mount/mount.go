// Package mount tracks which filesystem partitions are mounted and unmounts
// them before their contents are replaced.
package mount

import (
	"fmt"
	"sync"

	"github.com/autopeer-io/flashota/internal/flashagent/partition"
	"github.com/autopeer-io/flashota/pkg/log"
)

// Mounter detaches a mounted filesystem.
type Mounter interface {
	Unmount(mountpoint string) error
}

// Unmounted proves that a filesystem partition is not mounted. It can only
// be obtained from Controller.UnmountIfMounted.
type Unmounted struct {
	part partition.Partition
}

// Partition returns the unmounted partition.
func (u Unmounted) Partition() partition.Partition {
	return u.part
}

// Valid reports whether u came from a Controller.
func (u Unmounted) Valid() bool {
	return !u.part.IsZero()
}

type entry struct {
	mountpoint string
	mounted    bool
}

// Controller is the process-wide record of mounted filesystem partitions.
type Controller struct {
	mounter Mounter
	logger  log.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// NewController returns a Controller that detaches filesystems with m.
func NewController(m Mounter) *Controller {
	return &Controller{
		mounter: m,
		logger:  log.WithName("mount"),
		entries: make(map[string]*entry),
	}
}

// Track records that the partition named name is mounted at mountpoint.
func (c *Controller) Track(name, mountpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[name] = &entry{mountpoint: mountpoint, mounted: true}
}

// IsMounted reports whether the named partition is currently mounted.
func (c *Controller) IsMounted(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	return ok && e.mounted
}

// Mountpoint returns where the named partition is or was mounted.
func (c *Controller) Mountpoint(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	if !ok {
		return "", false
	}
	return e.mountpoint, true
}

// UnmountIfMounted detaches p if it is mounted. Calling it for a partition
// that is already unmounted, or was never mounted, is a no-op.
func (c *Controller) UnmountIfMounted(p partition.Partition) (Unmounted, error) {
	if p.Type != partition.TypeFilesystem {
		return Unmounted{}, fmt.Errorf("partition %s is not a filesystem", p.Name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[p.Name]
	if ok && e.mounted {
		if err := c.mounter.Unmount(e.mountpoint); err != nil {
			return Unmounted{}, fmt.Errorf("failed to unmount %s: %w", p.Name, err)
		}
		e.mounted = false
		c.logger.Info("Unmounted filesystem", "partition", p.Name, "mountpoint", e.mountpoint)
	}
	return Unmounted{part: p}, nil
}
