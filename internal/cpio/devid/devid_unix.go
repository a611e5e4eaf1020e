//go:build !windows
// +build !windows

// Package devid wraps platform device-node major/minor access, adapted
// from the teacher's stub package (magiskboot) so internal/cpio can add
// and extract block/char device entries without importing golang.org/x/sys
// directly.
package devid

import (
	"golang.org/x/sys/unix"
)

func Mkdev(major, minor uint32) uint64 {
	return unix.Mkdev(major, minor)
}

func Mknod(path string, mode uint32, dev int) error {
	return unix.Mknod(path, mode, dev)
}

// Stat returns the major/minor device numbers of the device node at path.
func Stat(path string) (major, minor uint32, err error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, 0, err
	}
	return unix.Major(uint64(st.Rdev)), unix.Minor(uint64(st.Rdev)), nil
}
