package slotmgr_test

import (
	"context"
	"testing"

	"github.com/projectceladon/kernelflinger-go/internal/misc"
	"github.com/projectceladon/kernelflinger-go/internal/slotmgr"
)

type fakeBlock struct {
	buf []byte
}

func newFakeBlock() *fakeBlock {
	return &fakeBlock{buf: make([]byte, misc.SlotMetadataOffset+misc.SlotMetadataSize)}
}

func (f *fakeBlock) Read(_ context.Context, offset, length int64) ([]byte, error) {
	out := make([]byte, length)
	copy(out, f.buf[offset:offset+length])
	return out, nil
}

func (f *fakeBlock) Write(_ context.Context, offset int64, buf []byte) error {
	copy(f.buf[offset:], buf)
	return nil
}

func (f *fakeBlock) Flush(_ context.Context) error { return nil }

func (f *fakeBlock) Partition(label string) (int64, int64, int, error) {
	return 0, int64(len(f.buf)), 512, nil
}

func TestInitResetsOnCorruption(t *testing.T) {
	b := newFakeBlock()
	m := slotmgr.New(b)
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	idx, ok := m.ActiveSlot()
	if !ok || idx != 0 {
		t.Fatalf("expected slot 0 active after reset-to-default, got %v %v", idx, ok)
	}
}

func TestFailoverToSecondSlot(t *testing.T) {
	b := newFakeBlock()
	m := slotmgr.New(b)
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := m.SetActive(context.Background(), 0); err != nil {
		t.Fatalf("SetActive: %v", err)
	}

	if err := m.MarkBootFailed(context.Background(), 0); err != nil {
		t.Fatalf("MarkBootFailed: %v", err)
	}

	idx, ok := m.ActiveSlot()
	if !ok {
		t.Fatal("expected a fallback slot to remain active")
	}
	if idx != 1 {
		t.Fatalf("expected slot 1 (B) active after A fails, got %v", idx)
	}
}

func TestMarkBootAttemptSaturatesAtZero(t *testing.T) {
	b := newFakeBlock()
	m := slotmgr.New(b)
	m.Init(context.Background())

	for i := 0; i < 20; i++ {
		m.MarkBootAttempt(context.Background(), 0)
	}
	if got := m.TriesRemaining(0); got != 0 {
		t.Fatalf("expected tries_remaining to saturate at 0, got %d", got)
	}
}
