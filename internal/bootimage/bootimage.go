// Package bootimage parses and assembles Android boot/vendor_boot
// images, adapted from the teacher's bootimg.go header structs
// (magiskboot) into the BootImage/VendorBootImage model of spec.md
// sections 3 and 4.5.
package bootimage

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/projectceladon/kernelflinger-go/internal/bfail"
)

const (
	magicSize      = 8
	bootMagic      = "ANDROID!"
	nameSize       = 16
	idSize         = 32
	argsSize       = 512
	extraArgsSize  = 1024
	vendorArgsSize = 2048
	pageSizeV0     = 4096

	ramdiskNameSize   = 32
	boardIDWords      = 16
	vendorRamdiskType = 4 // size of a RamdiskType field
)

// BootImage is the in-memory, version-independent view of a boot image,
// per spec.md section 3.
type BootImage struct {
	HeaderVersion int
	PageSize      uint32
	Kernel        []byte
	Ramdisk       []byte
	Second        []byte
	Dtb           []byte
	Acpi          []byte
	RecoveryAcpio []byte
	Cmdline       string
	ExtraCmdline  string
}

// VendorRamdiskEntry describes one tagged ramdisk within a v4
// vendor_boot's vendor ramdisk table.
type VendorRamdiskEntry struct {
	Type uint32
	Name string
	Data []byte
}

// VendorBootImage is the companion image for header versions ≥ 3, per
// spec.md section 3.
type VendorBootImage struct {
	HeaderVersion int
	PageSize      uint32
	VendorRamdisk []byte
	Dtb           []byte
	RamdiskTable  []VendorRamdiskEntry
	Bootconfig    []byte
}

func alignUp(v, page uint32) uint32 {
	if page == 0 {
		return v
	}
	return ((v + page - 1) / page) * page
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// ParseBootImage decodes a boot.img blob of any header version 0-4.
func ParseBootImage(buf []byte) (*BootImage, error) {
	if len(buf) < magicSize || !bytes.Equal(buf[:magicSize], []byte(bootMagic)) {
		return nil, bfail.New("bootimage.ParseBootImage", bfail.Corrupted, nil)
	}

	r := bytes.NewReader(buf)
	// Common v0 prefix: magic, kernel_size, kernel_addr, ramdisk_size,
	// ramdisk_addr, second_size, second_addr (8 + 6*4 = 32 bytes).
	var common struct {
		Magic       [magicSize]byte
		KernelSize  uint32
		KernelAddr  uint32
		RamdiskSize uint32
		RamdiskAddr uint32
		SecondSize  uint32
		SecondAddr  uint32
	}
	if err := binary.Read(r, binary.LittleEndian, &common); err != nil {
		return nil, bfail.New("bootimage.ParseBootImage", bfail.Corrupted, err)
	}

	// header_version lives at offset 40 in every layout (after
	// tags_addr and page_size in v0-2, after the reserved words in
	// v3/v4), so that one field selects the parser for the rest.
	if len(buf) < 44 {
		return nil, bfail.New("bootimage.ParseBootImage", bfail.Corrupted, nil)
	}
	headerVersionV3Field := binary.LittleEndian.Uint32(buf[40:44])

	if headerVersionV3Field == 3 || headerVersionV3Field == 4 {
		return parseBootImageV3V4(buf, headerVersionV3Field)
	}
	return parseBootImageV0V2(buf, common.KernelSize, common.RamdiskSize, common.SecondSize)
}

func parseBootImageV0V2(buf []byte, kernelSize, ramdiskSize, secondSize uint32) (*BootImage, error) {
	const (
		tagsAddrOff      = 32
		pageSizeOff      = 36
		headerVersionOff = 40
		osVersionOff     = 44
		nameOff          = 48
		cmdlineOff       = nameOff + nameSize
		idOff            = cmdlineOff + argsSize
		extraCmdlineOff  = idOff + idSize
		v1Off            = extraCmdlineOff + extraArgsSize // 1632
	)
	if len(buf) < v1Off {
		return nil, bfail.New("bootimage.parseBootImageV0V2", bfail.Corrupted, nil)
	}

	pageSize := binary.LittleEndian.Uint32(buf[pageSizeOff:])
	if pageSize == 0 {
		pageSize = pageSizeV0
	}
	headerVersion := binary.LittleEndian.Uint32(buf[headerVersionOff:])

	cmdline := cstring(buf[cmdlineOff : cmdlineOff+argsSize])
	extra := cstring(buf[extraCmdlineOff : extraCmdlineOff+extraArgsSize])

	var recoveryDtboSize uint32
	var recoveryDtboOffset uint64
	var headerSize uint32 = uint32(v1Off)
	var dtbSize uint32
	pos := v1Off

	if headerVersion >= 1 {
		if len(buf) < pos+16 {
			return nil, bfail.New("bootimage.parseBootImageV0V2", bfail.Corrupted, nil)
		}
		recoveryDtboSize = binary.LittleEndian.Uint32(buf[pos:])
		recoveryDtboOffset = binary.LittleEndian.Uint64(buf[pos+4:])
		headerSize = binary.LittleEndian.Uint32(buf[pos+12:])
		pos += 16
	}
	if headerVersion >= 2 {
		if len(buf) < pos+12 {
			return nil, bfail.New("bootimage.parseBootImageV0V2", bfail.Corrupted, nil)
		}
		dtbSize = binary.LittleEndian.Uint32(buf[pos:])
		pos += 12
	}

	img := &BootImage{
		HeaderVersion: int(headerVersion),
		PageSize:      pageSize,
		Cmdline:       cmdline,
		ExtraCmdline:  extra,
	}

	off := int(alignUp(uint32(headerSize), pageSize))
	var err error
	if img.Kernel, off, err = readPages(buf, off, kernelSize, pageSize); err != nil {
		return nil, err
	}
	if img.Ramdisk, off, err = readPages(buf, off, ramdiskSize, pageSize); err != nil {
		return nil, err
	}
	if img.Second, off, err = readPages(buf, off, secondSize, pageSize); err != nil {
		return nil, err
	}
	if headerVersion >= 1 && recoveryDtboSize > 0 {
		if img.RecoveryAcpio, off, err = readPages(buf, off, recoveryDtboSize, pageSize); err != nil {
			return nil, err
		}
		_ = recoveryDtboOffset
	}
	if headerVersion >= 2 && dtbSize > 0 {
		if img.Dtb, off, err = readPages(buf, off, dtbSize, pageSize); err != nil {
			return nil, err
		}
	}
	return img, nil
}

func readPages(buf []byte, off int, size, pageSize uint32) ([]byte, int, error) {
	if size == 0 {
		return nil, off, nil
	}
	end := off + int(size)
	if end > len(buf) || off < 0 {
		return nil, off, bfail.New("bootimage.readPages", bfail.OutOfResources, nil)
	}
	out := bytes.Clone(buf[off:end])
	next := off + int(alignUp(size, pageSize))
	return out, next, nil
}

func parseBootImageV3V4(buf []byte, headerVersion uint32) (*BootImage, error) {
	const (
		kernelSizeOff  = 8
		ramdiskSizeOff = 12
		osVersionOff   = 16
		headerSizeOff  = 20
		headerVerOff   = 40
		cmdlineOff     = 44
		cmdlineSize    = argsSize + extraArgsSize
	)
	const v4HeaderSize = cmdlineOff + cmdlineSize + 4 // + signature_size field
	if len(buf) < v4HeaderSize {
		return nil, bfail.New("bootimage.parseBootImageV3V4", bfail.Corrupted, nil)
	}
	kernelSize := binary.LittleEndian.Uint32(buf[kernelSizeOff:])
	ramdiskSize := binary.LittleEndian.Uint32(buf[ramdiskSizeOff:])
	cmdline := cstring(buf[cmdlineOff : cmdlineOff+cmdlineSize])

	const pageSize = 4096
	headerSize := alignUp(v4HeaderSize, pageSize)

	img := &BootImage{HeaderVersion: int(headerVersion), PageSize: pageSize, Cmdline: cmdline}
	off := int(headerSize)
	var err error
	if img.Kernel, off, err = readPages(buf, off, kernelSize, pageSize); err != nil {
		return nil, err
	}
	if img.Ramdisk, _, err = readPages(buf, off, ramdiskSize, pageSize); err != nil {
		return nil, err
	}
	return img, nil
}

// ParseVendorBootImage decodes a vendor_boot.img blob, header version
// 3 or 4.
func ParseVendorBootImage(buf []byte) (*VendorBootImage, error) {
	if len(buf) < magicSize || !bytes.Equal(buf[:magicSize], []byte("VNDRBOOT")) {
		return nil, bfail.New("bootimage.ParseVendorBootImage", bfail.Corrupted, nil)
	}
	const (
		headerVerOff    = 8
		pageSizeOff     = 12
		ramdiskSizeOff  = 24
		cmdlineOff      = 28
		tagsAddrOff     = cmdlineOff + vendorArgsSize
		nameOff         = tagsAddrOff + 4
		headerSizeOff   = nameOff + nameSize
		dtbSizeOff      = headerSizeOff + 4
		dtbAddrOff      = dtbSizeOff + 4
		v3HeaderEnd     = dtbAddrOff + 8
		tableSizeOff    = v3HeaderEnd
		tableEntryNOff  = tableSizeOff + 4
		tableEntrySzOff = tableEntryNOff + 4
		bootconfigSzOff = tableEntrySzOff + 4
		v4HeaderEnd     = bootconfigSzOff + 4
	)
	if len(buf) < v3HeaderEnd {
		return nil, bfail.New("bootimage.ParseVendorBootImage", bfail.Corrupted, nil)
	}
	headerVersion := binary.LittleEndian.Uint32(buf[headerVerOff:])
	pageSize := binary.LittleEndian.Uint32(buf[pageSizeOff:])
	ramdiskSize := binary.LittleEndian.Uint32(buf[ramdiskSizeOff:])
	dtbSize := binary.LittleEndian.Uint32(buf[dtbSizeOff:])

	v := &VendorBootImage{HeaderVersion: int(headerVersion), PageSize: pageSize}

	var tableSize, entryNum, entrySize, bootconfigSize uint32
	headerEnd := v3HeaderEnd
	if headerVersion >= 4 {
		if len(buf) < v4HeaderEnd {
			return nil, bfail.New("bootimage.ParseVendorBootImage", bfail.Corrupted, nil)
		}
		tableSize = binary.LittleEndian.Uint32(buf[tableSizeOff:])
		entryNum = binary.LittleEndian.Uint32(buf[tableEntryNOff:])
		entrySize = binary.LittleEndian.Uint32(buf[tableEntrySzOff:])
		bootconfigSize = binary.LittleEndian.Uint32(buf[bootconfigSzOff:])
		headerEnd = v4HeaderEnd
	}

	off := int(alignUp(uint32(headerEnd), pageSize))
	var err error
	if v.VendorRamdisk, off, err = readPages(buf, off, ramdiskSize, pageSize); err != nil {
		return nil, err
	}
	if v.Dtb, off, err = readPages(buf, off, dtbSize, pageSize); err != nil {
		return nil, err
	}
	if headerVersion >= 4 && tableSize > 0 {
		var tableBytes []byte
		if tableBytes, off, err = readPages(buf, off, tableSize, pageSize); err != nil {
			return nil, err
		}
		v.RamdiskTable = parseRamdiskTable(tableBytes, entryNum, entrySize)
		if v.Bootconfig, off, err = readPages(buf, off, bootconfigSize, pageSize); err != nil {
			return nil, err
		}
	}
	_ = off
	return v, nil
}

func parseRamdiskTable(buf []byte, entryNum, entrySize uint32) []VendorRamdiskEntry {
	entries := make([]VendorRamdiskEntry, 0, entryNum)
	for i := uint32(0); i < entryNum; i++ {
		start := i * entrySize
		if int(start+entrySize) > len(buf) {
			break
		}
		e := buf[start : start+entrySize]
		ramdiskType := binary.LittleEndian.Uint32(e[8:12])
		name := cstring(e[12 : 12+ramdiskNameSize])
		entries = append(entries, VendorRamdiskEntry{Type: ramdiskType, Name: name})
	}
	return entries
}

// BootConfigTrailer is the 20-byte record terminating a v4 bootconfig
// section: size + checksum + the literal magic string "#BOOTCONFIG\n".
// spec.md section 3 calls this a "16-byte trailer"; the magic string
// it specifies is itself 12 bytes, making the true minimum record 20
// bytes (4 + 4 + 12). This implementation follows the AOSP on-disk
// format (which the rest of the field layout is grounded on) rather
// than the prose byte count; see DESIGN.md.
const (
	BootConfigMagic       = "#BOOTCONFIG\n"
	bootConfigTrailerSize = 4 + 4 + len(BootConfigMagic)
)

// BuildBootConfigTrailer appends params to ramdisk's bootconfig
// section (synthesising one if absent, per the Open Question decision
// in spec.md section 9) and rewrites the trailer so that
// param_size == len(all params) and checksum == CRC32(all params).
func BuildBootConfigTrailer(existingBootconfig []byte, extraParams []byte) []byte {
	var params []byte
	if len(existingBootconfig) >= bootConfigTrailerSize {
		params = existingBootconfig[:len(existingBootconfig)-bootConfigTrailerSize]
	}
	params = append(bytes.Clone(params), extraParams...)

	trailer := make([]byte, bootConfigTrailerSize)
	binary.LittleEndian.PutUint32(trailer[0:4], uint32(len(params)))
	binary.LittleEndian.PutUint32(trailer[4:8], crc32.ChecksumIEEE(params))
	copy(trailer[8:], []byte(BootConfigMagic))

	return append(params, trailer...)
}

// AssembleRamdisk implements spec.md section 4.5's ramdisk assembly:
// v0-v2 pass the boot image's ramdisk through unchanged; v3
// concatenates vendor_ramdisk||boot_ramdisk; v4 additionally appends
// the (possibly-extended) bootconfig section.
func AssembleRamdisk(boot *BootImage, vendor *VendorBootImage, extraBootconfigParams []byte) []byte {
	if boot.HeaderVersion < 3 || vendor == nil {
		return boot.Ramdisk
	}
	out := append(bytes.Clone(vendor.VendorRamdisk), boot.Ramdisk...)
	if boot.HeaderVersion >= 4 {
		out = append(out, BuildBootConfigTrailer(vendor.Bootconfig, extraBootconfigParams)...)
	}
	return out
}
