package handover_test

import (
	"errors"
	"testing"

	"github.com/projectceladon/kernelflinger-go/internal/bfail"
	"github.com/projectceladon/kernelflinger-go/internal/handover"
)

func TestBuildE820CoalescesAdjacentRam(t *testing.T) {
	descs := []handover.FirmwareMemoryDescriptor{
		{Type: handover.EfiLoaderCode, PhysicalAddr: 0, NumberOfPages: 1},
		{Type: handover.EfiConventionalMemory, PhysicalAddr: 4096, NumberOfPages: 1},
		{Type: handover.EfiACPIReclaimMemory, PhysicalAddr: 8192, NumberOfPages: 1},
	}
	got := handover.BuildE820(descs)
	if len(got) != 2 {
		t.Fatalf("expected 2 coalesced entries, got %d: %+v", len(got), got)
	}
	if got[0].Type != handover.E820Ram || got[0].Length != 8192 {
		t.Fatalf("expected coalesced RAM entry of length 8192, got %+v", got[0])
	}
	if got[1].Type != handover.E820Acpi {
		t.Fatalf("expected ACPI entry, got %+v", got[1])
	}
}

func TestEntryPointAppliesOffsetOnlyOn64Bit(t *testing.T) {
	if got := handover.EntryPoint(0x100000, true); got != 0x100200 {
		t.Fatalf("64-bit entry = %#x, want %#x", got, 0x100200)
	}
	if got := handover.EntryPoint(0x100000, false); got != 0x100000 {
		t.Fatalf("32-bit entry = %#x, want %#x", got, 0x100000)
	}
}

func TestExitBootServicesRetriesOnStaleKey(t *testing.T) {
	attempts := 0
	getMap := func() ([]handover.FirmwareMemoryDescriptor, uint64, error) {
		attempts++
		return nil, uint64(attempts), nil
	}
	exit := func(key uint64) error {
		if key < 3 {
			return errors.New("stale map key")
		}
		return nil
	}
	if _, err := handover.ExitBootServices(getMap, exit); err != nil {
		t.Fatalf("ExitBootServices: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestExitBootServicesTimesOutAfterTenRetries(t *testing.T) {
	getMap := func() ([]handover.FirmwareMemoryDescriptor, uint64, error) { return nil, 0, nil }
	exit := func(uint64) error { return errors.New("always stale") }

	_, err := handover.ExitBootServices(getMap, exit)
	if !bfail.Is(err, bfail.Timeout) {
		t.Fatalf("expected Timeout after exhausting retries, got %v", err)
	}
}
