package partition

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
)

// SectorSize is the smallest erasable unit; every partition starts and ends
// on a sector boundary.
const SectorSize = 4096

// Layout is the on-disk form of a partition table.
type Layout struct {
	FlashSize  uint64      `yaml:"flashSize" toml:"flashSize"`
	Partitions []Partition `yaml:"partitions" toml:"partitions"`
}

// DefaultLayout is the 4MB dual-slot layout used when no table is supplied:
// the bootloader in the first 8KB, two 1MB application slots, then a 1MB
// SPIFFS region.
func DefaultLayout() Layout {
	return Layout{
		FlashSize: 4 << 20,
		Partitions: []Partition{
			{Name: "rom0", Address: 0x002000, Size: 0x100000, Type: TypeApplication, SubType: "ota_0"},
			{Name: "rom1", Address: 0x102000, Size: 0x100000, Type: TypeApplication, SubType: "ota_1"},
			{Name: "spiffs0", Address: 0x202000, Size: 0x100000, Type: TypeFilesystem, SubType: "spiffs"},
		},
	}
}

// LoadLayout reads a partition table from path. The format follows the file
// extension: .yaml/.yml or .toml.
func LoadLayout(path string) (Layout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Layout{}, fmt.Errorf("failed to read layout: %w", err)
	}

	var l Layout
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		err = dec.Decode(&l)
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(&l)
	default:
		return Layout{}, fmt.Errorf("unsupported layout format %q", ext)
	}
	if err != nil {
		return Layout{}, fmt.Errorf("failed to parse layout %s: %w", path, err)
	}

	return l, nil
}

// Validate checks the layout for the invariants every component relies on.
func (l Layout) Validate() error {
	var errs []error

	if l.FlashSize == 0 {
		errs = append(errs, errors.New("flash size must be set"))
	}

	seen := make(map[string]bool, len(l.Partitions))
	counts := map[Type]int{}
	for _, p := range l.Partitions {
		switch {
		case p.Name == "":
			errs = append(errs, fmt.Errorf("partition at 0x%x has no name", p.Address))
		case seen[p.Name]:
			errs = append(errs, fmt.Errorf("duplicate partition name %q", p.Name))
		}
		seen[p.Name] = true

		switch p.Type {
		case TypeApplication, TypeFilesystem, TypeData:
			counts[p.Type]++
		default:
			errs = append(errs, fmt.Errorf("partition %q has unknown type %q", p.Name, p.Type))
		}

		if p.Size == 0 {
			errs = append(errs, fmt.Errorf("partition %q has zero size", p.Name))
		}
		if p.Address%SectorSize != 0 || p.Size%SectorSize != 0 {
			errs = append(errs, fmt.Errorf("partition %q is not aligned to %d byte sectors", p.Name, SectorSize))
		}
		if l.FlashSize != 0 && p.End() > l.FlashSize {
			errs = append(errs, fmt.Errorf("partition %q ends at 0x%x, past the end of flash", p.Name, p.End()))
		}
	}

	for i := range l.Partitions {
		for j := i + 1; j < len(l.Partitions); j++ {
			a, b := l.Partitions[i], l.Partitions[j]
			if a.Address < b.End() && b.Address < a.End() {
				errs = append(errs, fmt.Errorf("partitions %q and %q overlap", a.Name, b.Name))
			}
		}
	}

	if counts[TypeApplication] < 2 {
		errs = append(errs, fmt.Errorf("layout needs at least two application partitions, has %d", counts[TypeApplication]))
	}
	if counts[TypeFilesystem] < 1 {
		errs = append(errs, errors.New("layout needs at least one filesystem partition"))
	}

	return utilerrors.NewAggregate(errs)
}
