// Package partition describes the static flash layout and answers lookups
// against it.
package partition

import (
	"errors"
	"fmt"
	"sort"
)

// Type tags what a partition holds.
type Type string

const (
	// TypeApplication marks a bootable application slot.
	TypeApplication Type = "application"
	// TypeFilesystem marks a partition that holds a mountable filesystem image.
	TypeFilesystem Type = "filesystem"
	// TypeData marks any other region (bootloader config, calibration data).
	TypeData Type = "data"
)

// ErrNotFound is returned by Lookup for an unknown partition name.
var ErrNotFound = errors.New("partition not found")

// Partition is a named, fixed-address, fixed-size region of flash.
type Partition struct {
	Name    string `json:"name" yaml:"name" toml:"name"`
	Address uint64 `json:"address" yaml:"address" toml:"address"`
	Size    uint64 `json:"size" yaml:"size" toml:"size"`
	Type    Type   `json:"type" yaml:"type" toml:"type"`
	SubType string `json:"subtype,omitempty" yaml:"subtype,omitempty" toml:"subtype,omitempty"`
}

// End returns the first address past the partition.
func (p Partition) End() uint64 {
	return p.Address + p.Size
}

// IsZero reports whether p is the zero Partition.
func (p Partition) IsZero() bool {
	return p.Name == ""
}

func (p Partition) String() string {
	return fmt.Sprintf("%s@0x%08x+0x%x(%s)", p.Name, p.Address, p.Size, p.Type)
}

// Directory is the read-only partition table of the device. It is safe for
// concurrent use because it is never modified after construction.
type Directory struct {
	flashSize  uint64
	partitions []Partition
	byName     map[string]int
}

// NewDirectory validates the layout and builds a Directory from it.
func NewDirectory(l Layout) (*Directory, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}

	parts := make([]Partition, len(l.Partitions))
	copy(parts, l.Partitions)
	sort.SliceStable(parts, func(i, j int) bool { return parts[i].Address < parts[j].Address })

	d := &Directory{
		flashSize:  l.FlashSize,
		partitions: parts,
		byName:     make(map[string]int, len(parts)),
	}
	for i, p := range parts {
		d.byName[p.Name] = i
	}
	return d, nil
}

// Lookup returns the partition called name.
func (d *Directory) Lookup(name string) (Partition, error) {
	i, ok := d.byName[name]
	if !ok {
		return Partition{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return d.partitions[i], nil
}

// Slots returns the application partitions in ring order (ascending address).
func (d *Directory) Slots() []Partition {
	return d.ByType(TypeApplication)
}

// ByType returns the partitions of type t in ascending address order.
func (d *Directory) ByType(t Type) []Partition {
	var out []Partition
	for _, p := range d.partitions {
		if p.Type == t {
			out = append(out, p)
		}
	}
	return out
}

// All returns every partition in ascending address order.
func (d *Directory) All() []Partition {
	out := make([]Partition, len(d.partitions))
	copy(out, d.partitions)
	return out
}

// FlashSize returns the size of the flash the layout was written for.
func (d *Directory) FlashSize() uint64 {
	return d.flashSize
}
