package platform

import (
	"context"
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"

	"github.com/projectceladon/kernelflinger-go/internal/bfail"
)

// PartitionTable is the minimal label→extent map FileBlockStore needs;
// a real platform resolves this from a GPT, which stays outside the
// core per spec.md section 1.
type PartitionTable map[string]struct {
	Start, End int64
	BlockSize  int
}

// FileBlockStore implements BlockStore over a single backing file
// (a raw disk image or loop device node), memory-mapped the same way
// the teacher's cpio.LoadFromFile ingests a ramdisk file.
type FileBlockStore struct {
	f     *os.File
	m     mmap.MMap
	parts PartitionTable
}

// NewFileBlockStore opens path read/write and maps it in full.
func NewFileBlockStore(path string, parts PartitionTable) (*FileBlockStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, bfail.New("platform.NewFileBlockStore", bfail.NotFound, err)
	}
	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, bfail.New("platform.NewFileBlockStore", bfail.OutOfResources, err)
	}
	return &FileBlockStore{f: f, m: m, parts: parts}, nil
}

func (b *FileBlockStore) Close() error {
	if err := b.m.Unmap(); err != nil {
		b.f.Close()
		return err
	}
	return b.f.Close()
}

func (b *FileBlockStore) Read(_ context.Context, offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 || offset+length > int64(len(b.m)) {
		return nil, bfail.New("platform.FileBlockStore.Read", bfail.OutOfResources, fmt.Errorf("range [%d,%d) exceeds backing size %d", offset, offset+length, len(b.m)))
	}
	out := make([]byte, length)
	copy(out, b.m[offset:offset+length])
	return out, nil
}

func (b *FileBlockStore) Write(_ context.Context, offset int64, buf []byte) error {
	if offset < 0 || offset+int64(len(buf)) > int64(len(b.m)) {
		return bfail.New("platform.FileBlockStore.Write", bfail.OutOfResources, fmt.Errorf("range [%d,%d) exceeds backing size %d", offset, offset+int64(len(buf)), len(b.m)))
	}
	copy(b.m[offset:offset+int64(len(buf))], buf)
	return nil
}

func (b *FileBlockStore) Flush(_ context.Context) error {
	return b.m.Flush()
}

func (b *FileBlockStore) Partition(label string) (int64, int64, int, error) {
	p, ok := b.parts[label]
	if !ok {
		return 0, 0, 0, bfail.New("platform.FileBlockStore.Partition", bfail.NotFound, fmt.Errorf("no such partition %q", label))
	}
	return p.Start, p.End, p.BlockSize, nil
}
