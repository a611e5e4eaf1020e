// Package handover implements KernelHandover, spec.md section 4.6: the
// E820 snapshot, Linux setup_header population, GDT install, and the
// final jump to the kernel entry point. No heap allocation may occur
// after GDT install, per spec.md section 4.6's ordering rule.
package handover

import (
	"github.com/projectceladon/kernelflinger-go/internal/bfail"
	"github.com/projectceladon/kernelflinger-go/internal/bootlog"
)

// E820Type mirrors the Linux/BIOS memory-map type tags.
type E820Type uint32

const (
	E820Ram      E820Type = 1
	E820Reserved E820Type = 2
	E820Acpi     E820Type = 3
	E820Nvs      E820Type = 4
	E820Unusable E820Type = 5
)

// E820Entry is one coalesced memory-map range.
type E820Entry struct {
	Addr   uint64
	Length uint64
	Type   E820Type
}

// FirmwareMemoryType is the subset of UEFI memory-descriptor types the
// core needs to translate into an E820 type, per spec.md section 4.6
// step 1.
type FirmwareMemoryType int

const (
	EfiLoaderCode FirmwareMemoryType = iota
	EfiLoaderData
	EfiBootServicesCode
	EfiBootServicesData
	EfiConventionalMemory
	EfiACPIReclaimMemory
	EfiACPIMemoryNVS
	EfiUnusableMemory
	EfiOther
)

// FirmwareMemoryDescriptor is one entry the platform's GetMemoryMap
// call returns.
type FirmwareMemoryDescriptor struct {
	Type          FirmwareMemoryType
	PhysicalAddr  uint64
	NumberOfPages uint64
}

func e820TypeFor(t FirmwareMemoryType) E820Type {
	switch t {
	case EfiLoaderCode, EfiLoaderData, EfiBootServicesCode, EfiBootServicesData, EfiConventionalMemory:
		return E820Ram
	case EfiACPIReclaimMemory:
		return E820Acpi
	case EfiACPIMemoryNVS:
		return E820Nvs
	case EfiUnusableMemory:
		return E820Unusable
	default:
		return E820Reserved
	}
}

const pageSize = 4096

// BuildE820 snapshots and coalesces a firmware memory map into an E820
// table, per spec.md section 4.6 step 1: adjacent entries of equal
// type are merged.
func BuildE820(descs []FirmwareMemoryDescriptor) []E820Entry {
	var out []E820Entry
	for _, d := range descs {
		e := E820Entry{
			Addr:   d.PhysicalAddr,
			Length: d.NumberOfPages * pageSize,
			Type:   e820TypeFor(d.Type),
		}
		if n := len(out); n > 0 {
			last := &out[n-1]
			if last.Type == e.Type && last.Addr+last.Length == e.Addr {
				last.Length += e.Length
				continue
			}
		}
		out = append(out, e)
	}
	return out
}

// SetupHeader mirrors the fields of the Linux boot protocol's
// setup_header that the core populates, per spec.md section 4.6
// step 2.
type SetupHeader struct {
	CmdLinePtr   uint32
	RamdiskStart uint32
	RamdiskLen   uint32
	Code32Start  uint32
	LoaderID     uint8
	ScreenInfo   [64]byte // type tag 0x70 copy, opaque to the core
}

const loaderIDKernelflinger = 0xFF

// BuildSetupHeader fills in the fields the bootloader owns; the rest
// of the kernel's setup_header is preserved from the on-disk image by
// the caller before this function is applied.
func BuildSetupHeader(cmdlinePtr, ramdiskStart, ramdiskLen, code32Start uint32, screenInfo []byte) SetupHeader {
	h := SetupHeader{
		CmdLinePtr:   cmdlinePtr,
		RamdiskStart: ramdiskStart,
		RamdiskLen:   ramdiskLen,
		Code32Start:  code32Start,
		LoaderID:     loaderIDKernelflinger,
	}
	copy(h.ScreenInfo[:], screenInfo)
	return h
}

// GdtEntry is one 8-byte x86 segment descriptor.
type GdtEntry struct {
	LimitLow    uint16
	BaseLow     uint16
	BaseMid     uint8
	Access      uint8
	Granularity uint8
	BaseHigh    uint8
}

const (
	accessCode    = 0x9A // present, ring0, code, exec-read
	accessData    = 0x92 // present, ring0, data, read-write
	granularity4G = 0xCF
)

// BuildGDT installs the minimal four-entry GDT of spec.md section 4.6
// step 3: null, 32-bit code (base 0, limit 4GiB), 32-bit data (base 0,
// limit 4GiB), 16-bit task (limit 0).
func BuildGDT() [4]GdtEntry {
	return [4]GdtEntry{
		{}, // null descriptor
		{LimitLow: 0xFFFF, Granularity: granularity4G, Access: accessCode},
		{LimitLow: 0xFFFF, Granularity: granularity4G, Access: accessData},
		{LimitLow: 0, Access: 0x89, Granularity: 0x00}, // 16-bit task
	}
}

// ExitBootServicesFunc and GetMemoryMapFunc abstract the firmware
// calls the retry loop in spec.md section 4.6 step 3 drives; the caller
// injects them so this package stays free of any firmware-library
// import. internal/platform provides no implementation of either.
type ExitBootServicesFunc func(mapKey uint64) error
type GetMemoryMapFunc func() (descs []FirmwareMemoryDescriptor, mapKey uint64, err error)

const maxExitBootServicesRetries = 10

// ExitBootServices retries up to 10 times, resampling the memory map
// each time the key is stale, per spec.md section 4.6 step 3.
func ExitBootServices(getMap GetMemoryMapFunc, exit ExitBootServicesFunc) ([]FirmwareMemoryDescriptor, error) {
	var descs []FirmwareMemoryDescriptor
	var mapKey uint64
	var err error

	for attempt := 0; attempt < maxExitBootServicesRetries; attempt++ {
		descs, mapKey, err = getMap()
		if err != nil {
			return nil, bfail.New("handover.ExitBootServices", bfail.OutOfResources, err)
		}
		if err := exit(mapKey); err == nil {
			return descs, nil
		}
	}
	return nil, bfail.New("handover.ExitBootServices", bfail.Timeout, nil)
}

// EntryPoint computes the kernel's real entry address, applying the
// 64-bit-only +512 offset of spec.md section 4.6 step 4.
func EntryPoint(kernelLoadAddr uint64, is64Bit bool) uint64 {
	if is64Bit {
		return kernelLoadAddr + 512
	}
	return kernelLoadAddr
}

// JumpFunc performs the actual processor jump; injected so this
// package contains no inline assembly, matching the interface-at-the-
// edge discipline used throughout the core (spec.md section 6.2).
type JumpFunc func(entry uint64, bootParamsAddr uint64) error

// Jump hands entry and bootParamsAddr to the injected JumpFunc, which
// is expected to disable interrupts, load the GDT, and jump with
// rsi=&boot_params, rdi=0, rax=0 per spec.md section 4.6 step 4. Jump
// itself does none of these. Any return from jump is fatal.
func Jump(jump JumpFunc, entry, bootParamsAddr uint64, log *bootlog.Logger) {
	if log == nil {
		log = bootlog.Default
	}
	if err := jump(entry, bootParamsAddr); err != nil {
		log.Fatal("handover: kernel jump returned: %v", err)
	}
	log.Fatal("handover: kernel entry point returned, halting")
}
