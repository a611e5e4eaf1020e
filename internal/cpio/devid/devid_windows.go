//go:build windows

package devid

// Windows has no block/char device nodes in the Android sense; these
// stubs let internal/cpio build there for ramdisk inspection only, the
// same accommodation the teacher's windows_stub.go makes.

func Mkdev(major, minor uint32) uint64 { return 0 }

func Mknod(path string, mode uint32, dev int) error { return nil }

func Stat(path string) (major, minor uint32, err error) { return 0, 0, nil }
