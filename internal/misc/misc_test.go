package misc_test

import (
	"testing"

	"github.com/projectceladon/kernelflinger-go/internal/bfail"
	"github.com/projectceladon/kernelflinger-go/internal/misc"
)

func TestBcbRoundTrip(t *testing.T) {
	b := misc.Bcb{Command: "bootonce-recovery", Status: "", Recovery: ""}
	got, err := misc.ParseBcb(b.Bytes())
	if err != nil {
		t.Fatalf("ParseBcb: %v", err)
	}
	if got.Command != b.Command {
		t.Fatalf("command mismatch: %q", got.Command)
	}
}

func TestSlotTableRoundTrip(t *testing.T) {
	tab := misc.Default()
	buf := tab.Bytes()

	got, err := misc.ParseSlotTable(buf)
	if err != nil {
		t.Fatalf("ParseSlotTable: %v", err)
	}
	if got != tab {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, tab)
	}
}

func TestSlotTableCorruptedCRC(t *testing.T) {
	buf := misc.Default().Bytes()
	buf[12] ^= 0xff

	if _, err := misc.ParseSlotTable(buf); !bfail.Is(err, bfail.Corrupted) {
		t.Fatalf("expected Corrupted, got %v", err)
	}
}
