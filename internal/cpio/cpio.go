// Package cpio implements the "newc" cpio archive format used by Android
// ramdisks, adapted from the teacher's cpio package (magiskboot).
//
// The boot-time core (internal/bootimage) treats ramdisks as opaque byte
// blobs per spec.md section 4.5 and never needs to look inside one; this
// package stays wired through cmd/bootimg-tool, the offline diagnostics
// tool that (un)packs ramdisk contents the same way the teacher's CLI did.
//
// The Magisk-specific root-patching operations the teacher carried
// (fstab verity/encryption patch, root backup/restore, Magisk-signature
// test) are dropped: they exist to defeat verified boot, which is the
// opposite of what this repository implements. See DESIGN.md.
package cpio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/edsrzf/mmap-go"

	"github.com/projectceladon/kernelflinger-go/internal/cpio/devid"
)

const (
	modeMask = 0170000
	modeDir  = 0040000
	modeReg  = 0100000
	modeLnk  = 0120000
	modeBlk  = 0060000
	modeChr  = 0020000

	permR = 0400
	permW = 0200
	permX = 0100
)

// Entry is one file, directory, symlink, or device node in the archive.
type Entry struct {
	Mode      uint32
	Uid       uint32
	Gid       uint32
	RDevMajor uint32
	RDevMinor uint32
	Data      []byte
}

// Archive is an in-memory cpio archive; Keys lists the entry paths in
// sorted order (re-sorted on every insert, matching the teacher's
// BTreeMap-like discipline), not in insertion order.
type Archive struct {
	Entries map[string]Entry
	Keys    []string

	fd *os.File
	mm *mmap.MMap
}

// New returns an empty Archive.
func New() *Archive {
	return &Archive{Entries: make(map[string]Entry), Keys: make([]string, 0)}
}

type header struct {
	Magic     [6]byte
	Ino       [8]byte
	Mode      [8]byte
	Uid       [8]byte
	Gid       [8]byte
	Nlink     [8]byte
	Mtime     [8]byte
	Filesize  [8]byte
	Devmajor  [8]byte
	Devminor  [8]byte
	Rdevmajor [8]byte
	Rdevminor [8]byte
	Namesize  [8]byte
	Check     [8]byte
}

func x8u(x []byte) (uint32, error) {
	if len(x) != 8 {
		return 0, errors.New("cpio: bad header field width")
	}
	v, err := strconv.ParseUint(string(x), 16, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

func align4(x uint64) uint64 { return (x + 3) &^ 3 }

func normPath(p string) string {
	return strings.TrimLeft(path.Clean(p), "/")
}

// LoadFromData parses a newc-format cpio archive already in memory.
func (a *Archive) LoadFromData(data []byte) error {
	pos := uint64(0)
	hdrSz := uint64(binary.Size(header{}))

	for pos < uint64(len(data)) {
		if pos+hdrSz > uint64(len(data)) {
			return errors.New("cpio: truncated header")
		}
		var hdr header
		if err := binary.Read(bytes.NewReader(data[pos:pos+hdrSz]), binary.LittleEndian, &hdr); err != nil {
			return err
		}
		if !bytes.Equal(hdr.Magic[:], []byte("070701")) {
			return errors.New("cpio: invalid magic")
		}
		pos += hdrSz

		nameSz, err := x8u(hdr.Namesize[:])
		if err != nil {
			return err
		}
		if pos+uint64(nameSz) > uint64(len(data)) {
			return errors.New("cpio: truncated name")
		}
		name := strings.TrimRight(string(data[pos:pos+uint64(nameSz)]), "\x00")
		pos = align4(pos + uint64(nameSz))

		if name == "." || name == ".." {
			continue
		}
		if name == "TRAILER!!!" {
			break
		}

		fileSz, err := x8u(hdr.Filesize[:])
		if err != nil {
			return err
		}
		field := func(x [8]byte) uint32 {
			v, _ := x8u(x[:])
			return v
		}
		if pos+uint64(fileSz) > uint64(len(data)) {
			return errors.New("cpio: truncated payload")
		}
		a.addEntry(name, Entry{
			Mode:      field(hdr.Mode),
			Uid:       field(hdr.Uid),
			Gid:       field(hdr.Gid),
			RDevMajor: field(hdr.Rdevmajor),
			RDevMinor: field(hdr.Rdevminor),
			Data:      bytes.Clone(data[pos : pos+fileSz]),
		})
		pos = align4(pos + fileSz)
	}
	return nil
}

// LoadFromFile memory-maps and parses path, per the teacher's pattern of
// mmap-backed ingestion (BlockStore-style access, see internal/platform).
func (a *Archive) LoadFromFile(path string) error {
	fd, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	m, err := mmap.Map(fd, mmap.RDWR, 0)
	if err != nil {
		fd.Close()
		return err
	}
	err = a.LoadFromData(m)
	m.Unmap()
	fd.Close()
	return err
}

func writeZeros(w io.Writer, pos uint64) (uint64, error) {
	buf := make([]byte, align4(pos)-pos)
	n, err := w.Write(buf)
	return uint64(n), err
}

// Dump serialises the archive to path in newc format, trailer included.
func (a *Archive) Dump(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	pos := uint64(0)
	inode := int64(300000)
	write := func(b []byte) error {
		n, err := file.Write(b)
		pos += uint64(n)
		return err
	}

	for _, name := range a.Keys {
		e := a.Entries[name]
		hdr := fmt.Sprintf(
			"070701%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x",
			inode, e.Mode, e.Uid, e.Gid, 1, 0, len(e.Data), 0, 0,
			e.RDevMajor, e.RDevMinor, len(name)+1, 0,
		)
		if err := write([]byte(hdr)); err != nil {
			return err
		}
		if err := write([]byte(name)); err != nil {
			return err
		}
		if err := write([]byte{0}); err != nil {
			return err
		}
		if n, err := writeZeros(file, pos); err != nil {
			return err
		} else {
			pos += n
		}
		if err := write(e.Data); err != nil {
			return err
		}
		if n, err := writeZeros(file, pos); err != nil {
			return err
		} else {
			pos += n
		}
		inode++
	}

	trailer := fmt.Sprintf("070701%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x", inode, 0o755, 0, 0, 1, 0, 0, 0, 0, 0, 0, 11, 0)
	if err := write([]byte(trailer)); err != nil {
		return err
	}
	if err := write([]byte("TRAILER!!!\x00")); err != nil {
		return err
	}
	_, err = writeZeros(file, pos)
	return err
}

func (a *Archive) addEntry(key string, e Entry) {
	key = normPath(key)
	if _, exists := a.Entries[key]; !exists {
		a.Keys = append(a.Keys, key)
		sort.Strings(a.Keys)
	}
	a.Entries[key] = e
}

// Rm removes path, and everything under it when recursive is set.
func (a *Archive) Rm(p string, recursive bool) {
	p = normPath(p)
	remove := func(k string) {
		delete(a.Entries, k)
		for i, v := range a.Keys {
			if v == k {
				a.Keys = append(a.Keys[:i], a.Keys[i+1:]...)
				break
			}
		}
	}
	if _, ok := a.Entries[p]; ok {
		remove(p)
	}
	if recursive {
		prefix := p + "/"
		for _, k := range slices.Clone(a.Keys) {
			if strings.HasPrefix(k, prefix) {
				remove(k)
			}
		}
	}
}

func (a *Archive) Exists(p string) bool { return slices.Contains(a.Keys, normPath(p)) }

func (a *Archive) extractEntry(p, out string) error {
	e, ok := a.Entries[p]
	if !ok {
		return fmt.Errorf("cpio: no such entry %q", p)
	}
	if dir := path.Dir(out); dir != "." {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			os.MkdirAll(dir, 0o755)
		}
	}
	mode := os.FileMode(e.Mode & 0o777)
	switch e.Mode & modeMask {
	case modeDir:
		return os.Mkdir(out, mode)
	case modeReg:
		f, err := os.Create(out)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = f.Write(e.Data)
		return err
	case modeLnk:
		target := string(bytes.ReplaceAll(e.Data, []byte{0}, nil))
		return os.Symlink(target, out)
	case modeBlk, modeChr:
		if runtime.GOOS == "windows" {
			return nil
		}
		dev := devid.Mkdev(e.RDevMajor, e.RDevMinor)
		return devid.Mknod(out, uint32(mode), int(dev))
	default:
		return errors.New("cpio: unknown entry type")
	}
}

// Extract writes p to out, or every entry to the current directory when
// both are nil.
func (a *Archive) Extract(p, out *string) error {
	if p != nil && out != nil {
		return a.extractEntry(normPath(*p), *out)
	}
	for _, k := range a.Keys {
		if err := a.extractEntry(k, k); err != nil {
			return err
		}
	}
	return nil
}

// Add reads file from disk and stores it as path with the given mode bits.
func (a *Archive) Add(mode uint32, entryPath, file string) error {
	if strings.HasSuffix(entryPath, "/") {
		return errors.New("cpio: entry path must not end with /")
	}
	info, err := os.Stat(file)
	if err != nil {
		return err
	}

	var content []byte
	var rdevMajor, rdevMinor uint32
	switch {
	case info.Mode().IsRegular() || info.Mode()&os.ModeSymlink != 0:
		content, err = os.ReadFile(file)
		if err != nil {
			return err
		}
		mode |= modeReg
	case info.Mode()&os.ModeDevice != 0 && runtime.GOOS != "windows":
		major, minor, err := devid.Stat(file)
		if err != nil {
			return err
		}
		rdevMajor, rdevMinor = major, minor
		if info.Mode()&os.ModeCharDevice != 0 {
			mode |= modeChr
		} else {
			mode |= modeBlk
		}
	default:
		return errors.New("cpio: unsupported file type")
	}

	a.addEntry(entryPath, Entry{Mode: mode, RDevMajor: rdevMajor, RDevMinor: rdevMinor, Data: content})
	return nil
}

func (a *Archive) Mkdir(mode uint32, dir string) {
	a.addEntry(dir, Entry{Mode: mode | modeDir, Data: []byte{}})
}

func (a *Archive) Ln(src, dst string) {
	target := normPath(src)
	if strings.HasPrefix(src, "/") {
		target = "/" + target
	}
	a.addEntry(dst, Entry{Mode: modeLnk, Data: []byte(target)})
}

func (a *Archive) Mv(from, to string) {
	from, to = normPath(from), normPath(to)
	e, ok := a.Entries[from]
	if !ok {
		return
	}
	a.Rm(from, false)
	a.addEntry(to, e)
}

// Ls writes a `ls -l`-style listing of p to w.
func (a *Archive) Ls(w io.Writer, p string, recursive bool) {
	p = normPath(p)
	if p != "" {
		p = "/" + p
	}
	for _, name := range a.Keys {
		full := "/" + name
		if !strings.HasPrefix(full, p) {
			continue
		}
		rel := strings.TrimPrefix(full, p)
		if rel != "" && !strings.HasPrefix(rel, "/") {
			continue
		}
		if !recursive && rel != "" && strings.Count(rel, "/") > 1 {
			continue
		}
		fmt.Fprintf(w, "%v\t%s\n", a.Entries[name], name)
	}
}

// Format implements fmt.Formatter, rendering an `ls -l`-style mode/size
// column, exactly as the teacher's Format method does.
func (e Entry) Format(f fmt.State, verb rune) {
	var b strings.Builder
	switch e.Mode & modeMask {
	case modeDir:
		b.WriteByte('d')
	case modeReg:
		b.WriteByte('-')
	case modeLnk:
		b.WriteByte('l')
	case modeBlk:
		b.WriteByte('b')
	case modeChr:
		b.WriteByte('c')
	default:
		b.WriteByte('?')
	}
	for _, bit := range []uint32{permR << 6, permW << 6, permX << 6, permR << 3, permW << 3, permX << 3, permR, permW, permX} {
		ch := byte('-')
		switch bit {
		case permR << 6, permR << 3, permR:
			if e.Mode&bit != 0 {
				ch = 'r'
			}
		case permW << 6, permW << 3, permW:
			if e.Mode&bit != 0 {
				ch = 'w'
			}
		default:
			if e.Mode&bit != 0 {
				ch = 'x'
			}
		}
		b.WriteByte(ch)
	}
	io.WriteString(f, fmt.Sprintf("%8s%8d%8d%8s%4d:%-8d", b.String(), e.Uid, e.Gid, humanize.Bytes(uint64(len(e.Data))), e.RDevMajor, e.RDevMinor))
}
