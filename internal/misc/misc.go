// Package misc parses and rewrites the Bootloader Control Block and the
// AVB-AB slot metadata record persisted at the start of the `misc`
// partition, per spec.md section 6.1. It is the on-disk twin of
// internal/slotmgr, the way the teacher's bootimg.go header structs are
// the on-disk twin of its loader.
package misc

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/projectceladon/kernelflinger-go/internal/bfail"
)

const (
	CommandSize  = 32
	StatusSize   = 32
	RecoverySize = 768
	BcbSize      = CommandSize + StatusSize + RecoverySize

	SlotMetadataOffset = 2048
	SlotMetadataSize   = 32

	abMagic     = "\x00AB0"
	maxSlots    = 2
	crcDataSize = 28
)

// Bcb is the Bootloader Control Block at the head of `misc`: its three
// fields occupy the first BcbSize (832) bytes.
type Bcb struct {
	Command  string
	Status   string
	Recovery string
}

func fromCString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func toCString(s string, size int) []byte {
	out := make([]byte, size)
	copy(out, s)
	return out
}

// ParseBcb reads a Bcb out of the first BcbSize bytes of the misc partition.
func ParseBcb(buf []byte) (Bcb, error) {
	if len(buf) < BcbSize {
		return Bcb{}, bfail.New("misc.ParseBcb", bfail.Corrupted, nil)
	}
	return Bcb{
		Command:  fromCString(buf[0:CommandSize]),
		Status:   fromCString(buf[CommandSize : CommandSize+StatusSize]),
		Recovery: fromCString(buf[CommandSize+StatusSize : BcbSize]),
	}, nil
}

// Bytes serialises b into a BcbSize-length buffer.
func (b Bcb) Bytes() []byte {
	out := make([]byte, BcbSize)
	copy(out[0:CommandSize], toCString(b.Command, CommandSize))
	copy(out[CommandSize:CommandSize+StatusSize], toCString(b.Status, StatusSize))
	copy(out[CommandSize+StatusSize:BcbSize], toCString(b.Recovery, RecoverySize))
	return out
}

// SlotRecord is one packed A/B slot entry, per spec.md section 3/6.1.
type SlotRecord struct {
	Priority        uint8
	TriesRemaining  uint8
	Successful      bool
	VerityCorrupted bool
}

func (s SlotRecord) pack() uint8 {
	v := s.Priority&0x0f | (s.TriesRemaining&0x07)<<4
	if s.Successful {
		v |= 0x80
	}
	return v
}

func unpackSlot(b uint8) SlotRecord {
	return SlotRecord{
		Priority:       b & 0x0f,
		TriesRemaining: (b >> 4) & 0x07,
		Successful:     b&0x80 != 0,
	}
}

// SlotTable is the AVB-AB metadata record at offset 2048 of `misc`.
type SlotTable struct {
	VersionMajor           uint8
	VersionMinor           uint8
	RecoveryTriesRemaining uint8
	Slots                  [maxSlots]SlotRecord
}

// Default returns the reset-to-safe-defaults table: both slots priority
// 7, tries 7, not successful, per spec.md section 4.2 init().
func Default() SlotTable {
	t := SlotTable{VersionMajor: 1, VersionMinor: 0}
	for i := range t.Slots {
		t.Slots[i] = SlotRecord{Priority: 7, TriesRemaining: 7}
	}
	return t
}

// ParseSlotTable validates the magic and CRC32 of a 32-byte record and
// decodes it; a magic or CRC mismatch is reported as bfail.Corrupted so
// SlotManager.init can fall back to Default().
func ParseSlotTable(buf []byte) (SlotTable, error) {
	if len(buf) < SlotMetadataSize {
		return SlotTable{}, bfail.New("misc.ParseSlotTable", bfail.Corrupted, nil)
	}
	if !bytes.Equal(buf[0:4], []byte(abMagic)) {
		return SlotTable{}, bfail.New("misc.ParseSlotTable", bfail.Corrupted, nil)
	}
	wantCrc := binary.BigEndian.Uint32(buf[28:32])
	gotCrc := crc32.ChecksumIEEE(buf[0:crcDataSize])
	if wantCrc != gotCrc {
		return SlotTable{}, bfail.New("misc.ParseSlotTable", bfail.Corrupted, nil)
	}

	t := SlotTable{
		VersionMajor: buf[4],
		VersionMinor: buf[5],
	}
	slotCount := binary.BigEndian.Uint32(buf[8:12])
	if slotCount > maxSlots {
		slotCount = maxSlots
	}
	for i := 0; i < int(slotCount); i++ {
		t.Slots[i] = unpackSlot(buf[12+i])
	}
	return t, nil
}

// Bytes serialises t into a SlotMetadataSize-length record, magic and
// CRC32 included, per spec.md section 6.1's byte layout.
func (t SlotTable) Bytes() []byte {
	buf := make([]byte, SlotMetadataSize)
	copy(buf[0:4], []byte(abMagic))
	buf[4] = t.VersionMajor
	buf[5] = t.VersionMinor
	binary.BigEndian.PutUint32(buf[8:12], maxSlots)
	for i, s := range t.Slots {
		buf[12+i] = s.pack()
	}
	crc := crc32.ChecksumIEEE(buf[0:crcDataSize])
	binary.BigEndian.PutUint32(buf[28:32], crc)
	return buf
}
