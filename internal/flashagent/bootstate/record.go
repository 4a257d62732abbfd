package bootstate

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// The boot record is one 64 byte block at offset 0 of the medium, small
// enough to be written by a single aligned write:
//
//	0   magic      u32  "FOTB"
//	4   version    u16
//	6   slotCount  u16
//	8   next       u32  index of the slot to boot
//	12  generation u32  incremented by every commit
//	16  slotGen    8 x u32, generation at which each slot was last committed
//	48  reserved
//	60  crc32      IEEE over bytes 0..59
const (
	recordSize    = 64
	recordMagic   = 0x42544f46
	recordVersion = 1
	maxSlots      = 8
	crcOffset     = recordSize - 4
)

type record struct {
	slotCount  uint16
	next       uint32
	generation uint32
	slotGen    [maxSlots]uint32
}

func (r record) marshal() []byte {
	b := make([]byte, recordSize)
	le := binary.LittleEndian
	le.PutUint32(b[0:], recordMagic)
	le.PutUint16(b[4:], recordVersion)
	le.PutUint16(b[6:], r.slotCount)
	le.PutUint32(b[8:], r.next)
	le.PutUint32(b[12:], r.generation)
	for i, g := range r.slotGen {
		le.PutUint32(b[16+4*i:], g)
	}
	le.PutUint32(b[crcOffset:], crc32.ChecksumIEEE(b[:crcOffset]))
	return b
}

func unmarshalRecord(b []byte) (record, error) {
	if len(b) != recordSize {
		return record{}, fmt.Errorf("%w: %d bytes", ErrCorruptRecord, len(b))
	}

	le := binary.LittleEndian
	if le.Uint32(b[0:]) != recordMagic {
		return record{}, fmt.Errorf("%w: bad magic", ErrCorruptRecord)
	}
	if sum := crc32.ChecksumIEEE(b[:crcOffset]); sum != le.Uint32(b[crcOffset:]) {
		return record{}, fmt.Errorf("%w: checksum mismatch", ErrCorruptRecord)
	}
	if v := le.Uint16(b[4:]); v != recordVersion {
		return record{}, fmt.Errorf("%w: unsupported version %d", ErrCorruptRecord, v)
	}

	r := record{
		slotCount:  le.Uint16(b[6:]),
		next:       le.Uint32(b[8:]),
		generation: le.Uint32(b[12:]),
	}
	for i := range r.slotGen {
		r.slotGen[i] = le.Uint32(b[16+4*i:])
	}
	if r.slotCount == 0 || r.slotCount > maxSlots || r.next >= uint32(r.slotCount) {
		return record{}, fmt.Errorf("%w: slot %d of %d", ErrCorruptRecord, r.next, r.slotCount)
	}
	return r, nil
}

// blank reports whether b looks like a never-written medium: empty, zeroed or
// erased flash.
func blank(b []byte) bool {
	return len(b) == 0 ||
		bytes.Count(b, []byte{0x00}) == len(b) ||
		bytes.Count(b, []byte{0xff}) == len(b)
}
