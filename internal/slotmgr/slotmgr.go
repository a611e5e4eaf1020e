// Package slotmgr implements the A/B slot manager of spec.md section
// 4.2: ownership of the AVB-AB metadata record in the `misc` partition,
// active-slot election, and the retry/priority bookkeeping the
// Verifier drives on boot failure.
package slotmgr

import (
	"context"

	"github.com/projectceladon/kernelflinger-go/internal/bfail"
	"github.com/projectceladon/kernelflinger-go/internal/bootlog"
	"github.com/projectceladon/kernelflinger-go/internal/misc"
	"github.com/projectceladon/kernelflinger-go/internal/platform"
)

// Index identifies a slot by its position in the table ("_a" = 0).
type Index int

// Suffix returns the slot's letter without the leading underscore,
// e.g. "a"; callers prepend "_" where the on-disk suffix is needed.
func (i Index) Suffix() string {
	return string(rune('a' + int(i)))
}

const miscPartition = "misc"

// Manager owns misc.SlotTable and enforces the invariants of spec.md
// section 3: at most one active slot, disabled-at-priority-zero, and
// successful implies zero tries remaining.
type Manager struct {
	block platform.BlockStore
	table misc.SlotTable
	log   *bootlog.Logger
}

func New(block platform.BlockStore) *Manager {
	return &Manager{block: block, log: bootlog.Default}
}

// Init loads the metadata record; on a magic or CRC32 mismatch it resets
// to misc.Default() and persists the reset, per spec.md section 4.2.
func (m *Manager) Init(ctx context.Context) error {
	start, _, _, err := m.block.Partition(miscPartition)
	if err != nil {
		return err
	}
	buf, err := m.block.Read(ctx, start+misc.SlotMetadataOffset, misc.SlotMetadataSize)
	if err != nil {
		m.log.Warn("slotmgr: misc read failed, resetting to default: %v", err)
		return m.reset(ctx, start)
	}

	table, err := misc.ParseSlotTable(buf)
	if err != nil {
		m.log.Warn("slotmgr: misc metadata corrupted, resetting to default: %v", err)
		return m.reset(ctx, start)
	}
	m.table = table
	return nil
}

func (m *Manager) reset(ctx context.Context, partStart int64) error {
	m.table = misc.Default()
	return m.block.Write(ctx, partStart+misc.SlotMetadataOffset, m.table.Bytes())
}

func (m *Manager) persist(ctx context.Context) error {
	start, _, _, err := m.block.Partition(miscPartition)
	if err != nil {
		return err
	}
	return m.block.Write(ctx, start+misc.SlotMetadataOffset, m.table.Bytes())
}

// ActiveSlot returns the slot satisfying spec.md section 3's invariant:
// highest priority among slots with priority>0 and (successful or
// tries_remaining>0); ties broken by suffix order. Returns ok=false
// when every slot is exhausted.
func (m *Manager) ActiveSlot() (idx Index, ok bool) {
	best := -1
	bestPriority := -1
	for i, s := range m.table.Slots {
		if s.Priority == 0 {
			continue
		}
		if !s.Successful && s.TriesRemaining == 0 {
			continue
		}
		if int(s.Priority) > bestPriority {
			bestPriority = int(s.Priority)
			best = i
		}
	}
	if best < 0 {
		return 0, false
	}
	return Index(best), true
}

// MarkBootAttempt decrements tries_remaining (saturating at zero) for
// slot unless it is already marked successful, and persists.
func (m *Manager) MarkBootAttempt(ctx context.Context, slot Index) error {
	s := &m.table.Slots[slot]
	if !s.Successful && s.TriesRemaining > 0 {
		s.TriesRemaining--
	}
	return m.persist(ctx)
}

// MarkBootFailed permanently disables slot (priority=0, tries=0).
// Invoked by Verifier after retries on that slot are exhausted.
func (m *Manager) MarkBootFailed(ctx context.Context, slot Index) error {
	m.table.Slots[slot].Priority = 0
	m.table.Slots[slot].TriesRemaining = 0
	return m.persist(ctx)
}

// SetVerityCorrupted toggles the dm-verity-corrupted flag without
// otherwise altering priority, per BootPolicy step 7's one-shot
// variable handler.
func (m *Manager) SetVerityCorrupted(ctx context.Context, slot Index, corrupted bool) error {
	m.table.Slots[slot].VerityCorrupted = corrupted
	return m.persist(ctx)
}

// SetActive sets slot's priority to the maximum (15), resets its
// tries_remaining to 7, and clears its successful flag. Any other slot
// at priority 15 drops to 14 (one less); other slots at a lower
// priority keep it unchanged.
func (m *Manager) SetActive(ctx context.Context, slot Index) error {
	if int(slot) >= len(m.table.Slots) {
		return bfail.New("slotmgr.SetActive", bfail.PolicyViolation, nil)
	}
	for i := range m.table.Slots {
		if Index(i) == slot {
			m.table.Slots[i].Priority = 15
			m.table.Slots[i].TriesRemaining = 7
			m.table.Slots[i].Successful = false
		} else if m.table.Slots[i].Priority >= 15 {
			m.table.Slots[i].Priority = 14
		}
	}
	return m.persist(ctx)
}

// VerityCorrupted reports slot's current corruption flag.
func (m *Manager) VerityCorrupted(slot Index) bool {
	return m.table.Slots[slot].VerityCorrupted
}

// TriesRemaining reports slot's remaining retry count.
func (m *Manager) TriesRemaining(slot Index) uint8 {
	return m.table.Slots[slot].TriesRemaining
}
