// Package policy implements BootPolicy, spec.md section 4.1: the fixed,
// short-circuiting evaluation order that maps the available signals to
// exactly one BootTarget.
package policy

import (
	"context"
	"strconv"
	"strings"

	"github.com/projectceladon/kernelflinger-go/internal/bootlog"
	"github.com/projectceladon/kernelflinger-go/internal/misc"
	"github.com/projectceladon/kernelflinger-go/internal/platform"
	"github.com/projectceladon/kernelflinger-go/internal/slotmgr"
)

// Target mirrors spec.md section 3's BootTarget tagged variant.
type Target struct {
	Kind platform.BootTargetKind
	Path string // populated for EspEfiBinary / EspBootImage
}

const (
	resetWaitDefaultMs  = 200
	resetWaitMaxMs      = 1000
	fastbootHoldDelayMs = 2000
	watchdogDelaySec    = 600
	watchdogCounterMax  = 2
)

// Inputs bundles every signal BootPolicy consumes, in the order
// spec.md section 4.1 enumerates them.
type Inputs struct {
	// 1. Command-line flags from the image loader.
	ForceFastboot  bool
	ResetReason    string
	FwBootMode     uint32 // low 5 bits are the raw target
	BootTargetFlag string // "CRASHMODE" forces crashmode
	SecureBoot     bool

	// 2. Fastboot sentinel file.
	ForceFastbootSentinel bool

	// 3. Magic key.
	MagicKeyTimeoutMs int // 0 => resetWaitDefaultMs

	// 4. Watchdog policy.
	WatchdogCounter      int
	WatchdogCounterRef   int64 // unix seconds at last update
	WatchdogCounterMax   int   // 0 => watchdogCounterMax
	NowUnixSec           int64

	// 5. Battery-inserted wake.
	OffModeCharging bool

	// 6. BCB.
	Bcb misc.Bcb

	// 7. One-shot EFI variable.
	LoaderEntryOneShot string

	// 8/9. Battery and wake source.
	BatteryBelowThreshold bool
	ChargerPlugged        bool
	WakeSource            platform.WakeSource
	ResetSource           platform.ResetSource
}

// Policy evaluates Inputs against the platform facade it was built
// with, implementing spec.md section 4.1.
type Policy struct {
	console platform.ConsoleInput
	prompt  platform.UserPrompt
	slots   *slotmgr.Manager
	log     *bootlog.Logger
}

func New(console platform.ConsoleInput, prompt platform.UserPrompt, slots *slotmgr.Manager) *Policy {
	return &Policy{console: console, prompt: prompt, slots: slots, log: bootlog.Default}
}

// Decide runs the ten-step evaluation in spec.md section 4.1 and
// returns exactly one Target. Read errors on BCB/variables/time/
// watchdog never propagate — on error, that step is skipped and
// evaluation falls through, per spec.md section 4.1's failure
// semantics ("policy falls back to NormalBoot and logs").
func (p *Policy) Decide(ctx context.Context, in Inputs) Target {
	if t, ok := p.step1CommandLine(in); ok {
		return p.resolveCrash(ctx, t)
	}
	if in.ForceFastbootSentinel {
		return Target{Kind: platform.TargetFastboot}
	}
	if t, ok := p.step3MagicKey(ctx, in); ok {
		return t
	}
	if t, ok := p.step4Watchdog(ctx, in); ok {
		return p.resolveCrash(ctx, t)
	}
	if in.WakeSource == platform.WakeBatteryInserted && !in.OffModeCharging {
		return Target{Kind: platform.TargetPowerOff}
	}
	if t, ok := p.step6Bcb(in); ok {
		return t
	}
	if t, ok := p.step7OneShot(ctx, in); ok {
		return t
	}
	if in.BatteryBelowThreshold {
		if in.ChargerPlugged {
			return Target{Kind: platform.TargetCharger}
		}
		return Target{Kind: platform.TargetPowerOff}
	}
	if in.WakeSource == platform.WakeUsbCharger || in.WakeSource == platform.WakeAcdcCharger {
		return Target{Kind: platform.TargetCharger}
	}
	return Target{Kind: platform.TargetNormalBoot}
}

func (p *Policy) resolveCrash(ctx context.Context, t Target) Target {
	if t.Kind != platform.TargetCrashMode || p.prompt == nil {
		return t
	}
	kind, err := p.prompt.ChooseCrashTarget(ctx)
	if err != nil {
		p.log.Warn("policy: choose_crash_target failed, falling back to NormalBoot: %v", err)
		return Target{Kind: platform.TargetNormalBoot}
	}
	return Target{Kind: kind}
}

// step1CommandLine implements spec.md section 4.1 step 1.
func (p *Policy) step1CommandLine(in Inputs) (Target, bool) {
	if in.ForceFastboot {
		return Target{Kind: platform.TargetFastboot}, true
	}
	if strings.EqualFold(in.BootTargetFlag, "CRASHMODE") {
		return Target{Kind: platform.TargetCrashMode}, true
	}
	if in.FwBootMode != 0 {
		if kind, ok := decodeFwBootMode(in.FwBootMode); ok {
			return Target{Kind: kind}, true
		}
	}
	return Target{}, false
}

func decodeFwBootMode(mode uint32) (platform.BootTargetKind, bool) {
	raw := mode & 0x1f
	switch raw {
	case 0:
		return platform.TargetNormalBoot, false // 0 means "unset", fall through
	case 1:
		return platform.TargetFastboot, true
	case 2:
		return platform.TargetRecovery, true
	case 3:
		return platform.TargetCrashMode, true
	case 4:
		return platform.TargetDnx, true
	default:
		return platform.TargetNormalBoot, false
	}
}

// step3MagicKey implements spec.md section 4.1 step 3: poll the
// console for up to the configured timeout; if the down-key is
// sensed, keep polling for FASTBOOT_HOLD_DELAY_MS before committing
// to Fastboot.
func (p *Policy) step3MagicKey(_ context.Context, in Inputs) (Target, bool) {
	if p.console == nil {
		return Target{}, false
	}
	timeout := in.MagicKeyTimeoutMs
	if timeout <= 0 {
		timeout = resetWaitDefaultMs
	}
	if timeout > resetWaitMaxMs {
		timeout = resetWaitMaxMs
	}

	if _, held := p.console.PollKey(timeout); !held {
		return Target{}, false
	}
	if _, stillHeld := p.console.PollKey(fastbootHoldDelayMs); stillHeld {
		return Target{Kind: platform.TargetFastboot}, true
	}
	return Target{Kind: platform.TargetNormalBoot}, true
}

// isWatchdogSource reports whether r is in the reset-source set that
// counts toward the watchdog storm counter, per spec.md section 4.1
// step 4.
func isWatchdogSource(r platform.ResetSource) bool {
	switch r {
	case platform.ResetKernelWatchdog, platform.ResetSecurityWatchdog, platform.ResetPmicWatchdog, platform.ResetEcWatchdog:
		return true
	default:
		return false
	}
}

// WatchdogUpdate pairs a watchdog counter with its time reference.
// step4Watchdog does not produce one: it computes the new counter
// locally, and Decide neither returns nor persists it.
type WatchdogUpdate struct {
	NewCounter int
	NewTimeRef int64
}

func (p *Policy) step4Watchdog(ctx context.Context, in Inputs) (Target, bool) {
	if !isWatchdogSource(in.ResetSource) && in.ResetReason != "kernel_panic" && in.ResetReason != "watchdog" {
		return Target{}, false
	}

	counter := in.WatchdogCounter
	if in.NowUnixSec-in.WatchdogCounterRef > watchdogDelaySec {
		counter = 0
	} else {
		counter++
	}

	max := in.WatchdogCounterMax
	if max <= 0 {
		max = watchdogCounterMax
	}
	if counter <= max {
		return Target{}, false
	}
	return Target{Kind: platform.TargetCrashMode}, true
}

// step6Bcb implements spec.md section 4.1 step 6. Clearing a one-shot
// command is left to the caller (see ConsumeBcb); Decide itself never
// touches the BlockStore.
func (p *Policy) step6Bcb(in Inputs) (Target, bool) {
	cmd := in.Bcb.Command
	switch {
	case cmd == "":
		return Target{}, false
	case cmd == "boot-fastboot", cmd == "bootonce-fastboot":
		return Target{Kind: platform.TargetRecovery}, true
	case strings.HasPrefix(cmd, "boot-"):
		return bcbTarget(strings.TrimPrefix(cmd, "boot-")), true
	case strings.HasPrefix(cmd, "bootonce-"):
		return bcbTarget(strings.TrimPrefix(cmd, "bootonce-")), true
	case strings.HasPrefix(cmd, "\\") && strings.HasSuffix(strings.ToLower(cmd), ".efi"):
		return Target{Kind: platform.TargetEspEfiBinary, Path: cmd}, true
	case strings.HasPrefix(cmd, "\\") && strings.HasSuffix(strings.ToLower(cmd), ".img"):
		return Target{Kind: platform.TargetEspBootImage, Path: cmd}, true
	default:
		return Target{}, false
	}
}

func bcbTarget(name string) Target {
	switch name {
	case "recovery":
		return Target{Kind: platform.TargetRecovery}
	case "fastboot":
		return Target{Kind: platform.TargetFastboot}
	default:
		return Target{Kind: platform.TargetNormalBoot}
	}
}

// oneShotTargets maps LoaderEntryOneShot values to a BootTarget per
// spec.md section 4.1 step 7.
var oneShotTargets = map[string]platform.BootTargetKind{
	"boot-recovery": platform.TargetRecovery,
	"boot-fastboot": platform.TargetFastboot,
	"boot-charger":  platform.TargetCharger,
	"boot-dnx":      platform.TargetDnx,
}

const verityCorruptedSentinel = "dm-verity device corrupted"

func (p *Policy) step7OneShot(ctx context.Context, in Inputs) (Target, bool) {
	v := in.LoaderEntryOneShot
	if v == "" {
		return Target{}, false
	}
	if v == verityCorruptedSentinel {
		if p.slots != nil {
			if active, ok := p.slots.ActiveSlot(); ok {
				p.slots.SetVerityCorrupted(ctx, active, true)
			}
		}
		return Target{Kind: platform.TargetNormalBoot}, true
	}
	kind, ok := oneShotTargets[v]
	if !ok {
		return Target{}, false
	}
	if kind == platform.TargetCharger && !in.OffModeCharging {
		return Target{Kind: platform.TargetPowerOff}, true
	}
	return Target{Kind: kind}, true
}

// ConsumeBcb clears the one-shot Status/Command fields per spec.md
// section 4.1: "status" is always cleared on read; "command" is
// cleared only when it carried a "bootonce-" prefix.
func ConsumeBcb(b misc.Bcb) misc.Bcb {
	out := b
	out.Status = ""
	if strings.HasPrefix(b.Command, "bootonce-") {
		out.Command = ""
	}
	return out
}

// ParseFwBootMode decodes the `fw.boot=<mode>` command-line flag into
// its numeric bitfield, per spec.md section 4.1 step 1.
func ParseFwBootMode(s string) (uint32, bool) {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}
