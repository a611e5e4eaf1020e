// Command kernelflinger is the UEFI-stage boot orchestrator: it wires
// PlatformFacade, DeviceStateStore and SlotManager into BootPolicy,
// Verifier, BootImageAssembler and KernelHandover, in the data-flow
// order of spec.md section 2.
package main

import (
	"context"
	"encoding/binary"
	"os"
	"strings"
	"time"

	"github.com/projectceladon/kernelflinger-go/internal/bootimage"
	"github.com/projectceladon/kernelflinger-go/internal/bootlog"
	"github.com/projectceladon/kernelflinger-go/internal/devicestate"
	"github.com/projectceladon/kernelflinger-go/internal/handover"
	"github.com/projectceladon/kernelflinger-go/internal/misc"
	"github.com/projectceladon/kernelflinger-go/internal/platform"
	"github.com/projectceladon/kernelflinger-go/internal/policy"
	"github.com/projectceladon/kernelflinger-go/internal/slotmgr"
	"github.com/projectceladon/kernelflinger-go/internal/verifier"
)

// Context threads a PlatformFacade, DeviceStateStore and SlotManager
// through every entry point, replacing the teacher's module-level
// globals per spec.md section 9's "global singletons → explicit
// context" redesign note.
type Context struct {
	Facade platform.Facade
	Store  *devicestate.Store
	Slots  *slotmgr.Manager
	Policy *policy.Policy

	offModeCharge bool
	build         devicestate.Build
}

func newContext(facade platform.Facade, build devicestate.Build) *Context {
	slots := slotmgr.New(facade.Block)
	store := devicestate.New(facade.Tpm, facade.Vars, build, facade.SecureBoot)
	pol := policy.New(facade.Console, facade.Prompt, slots)
	return &Context{Facade: facade, Store: store, Slots: slots, Policy: pol, build: build}
}

// partitionLoader adapts platform.BlockStore + per-slot partition
// naming into the verifier.Loader interface.
type partitionLoader struct {
	block platform.BlockStore
}

func (p partitionLoader) LoadPartition(ctx context.Context, label, slotSuffix string) ([]byte, error) {
	name := label
	if slotSuffix != "" {
		name = label + "_" + slotSuffix
	}
	start, end, _, err := p.block.Partition(name)
	if err != nil {
		return nil, err
	}
	return p.block.Read(ctx, start, end-start)
}

// readBcb loads and immediately consumes (clears one-shot fields of)
// the misc partition BCB, per spec.md section 4.1 step 6.
func readBcb(ctx context.Context, block platform.BlockStore) misc.Bcb {
	start, _, _, err := block.Partition("misc")
	if err != nil {
		return misc.Bcb{}
	}
	buf, err := block.Read(ctx, start, misc.BcbSize)
	if err != nil {
		return misc.Bcb{}
	}
	bcb, err := misc.ParseBcb(buf)
	if err != nil {
		return misc.Bcb{}
	}
	cleared := policy.ConsumeBcb(bcb)
	if cleared != bcb {
		block.Write(ctx, start, cleared.Bytes())
	}
	return bcb
}

// parseCmdlineFlags decodes BootPolicy step 1's image-loader command
// line tokens, per spec.md section 4.1.
func parseCmdlineFlags(cmdline string) (forceFastboot bool, resetReason string, fwBootMode uint32, bootTargetFlag string) {
	for _, tok := range strings.Fields(cmdline) {
		switch {
		case tok == "-f":
			forceFastboot = true
		case strings.HasPrefix(tok, "reset="):
			resetReason = strings.TrimPrefix(tok, "reset=")
		case strings.HasPrefix(tok, "fw.boot="):
			if v, ok := policy.ParseFwBootMode(strings.TrimPrefix(tok, "fw.boot=")); ok {
				fwBootMode = v
			}
		case strings.HasPrefix(tok, "boot_target="):
			bootTargetFlag = strings.TrimPrefix(tok, "boot_target=")
		}
	}
	return
}

// forceFastbootSentinel reports whether the `\force_fastboot` sentinel
// (spec.md section 4.1 step 2) is present on the EFI system volume,
// modelled the same way readBcb resolves "misc": as a named partition
// view rather than a real FAT32 directory walk.
func forceFastbootSentinel(block platform.BlockStore) bool {
	_, _, _, err := block.Partition("force_fastboot")
	return err == nil
}

// readWatchdogState loads BootPolicy step 4's counter triple out of
// the `fastboot` namespace variables spec.md section 6.2 names
// (WatchdogCounter, WatchdogCounterMax, WatchdogTimeReference); a
// missing variable degrades to its zero value, matching Decide's own
// "never propagate" failure semantics.
func readWatchdogState(vars platform.NvVars) (counter, counterMax int, ref int64) {
	if data, err := vars.Get("fastboot", "WatchdogCounter"); err == nil && len(data) == 1 {
		counter = int(data[0])
	}
	if data, err := vars.Get("fastboot", "WatchdogCounterMax"); err == nil && len(data) == 1 {
		counterMax = int(data[0])
	}
	if data, err := vars.Get("fastboot", "WatchdogTimeReference"); err == nil && len(data) == 8 {
		ref = int64(binary.LittleEndian.Uint64(data))
	}
	return
}

// readMagicKeyTimeoutMs loads the `loader` namespace's MagicKeyTimeout
// variable (spec.md section 6.2), a u32 millisecond count.
func readMagicKeyTimeoutMs(vars platform.NvVars) int {
	data, err := vars.Get("loader", "MagicKeyTimeout")
	if err != nil || len(data) != 4 {
		return 0
	}
	return int(binary.LittleEndian.Uint32(data))
}

// readLoaderEntryOneShot loads BootPolicy step 7's one-shot variable.
func readLoaderEntryOneShot(vars platform.NvVars) string {
	data, err := vars.Get("loader", "LoaderEntryOneShot")
	if err != nil {
		return ""
	}
	return string(data)
}

// wallToUnix converts Clock.NowWall's tuple to unix seconds, the form
// BootPolicy's watchdog arithmetic (step 4) operates on.
func wallToUnix(w platform.WallTime) int64 {
	return time.Date(w.Year, time.Month(w.Month), w.Day, w.Hour, w.Minute, w.Second, 0, time.UTC).Unix()
}

func (c *Context) run(ctx context.Context) error {
	log := bootlog.Default

	if err := c.Slots.Init(ctx); err != nil {
		log.Warn("slot manager init failed: %v", err)
	}
	if err := c.Store.Init(ctx); err != nil {
		log.Warn("device state init failed: %v", err)
	}

	bcb := readBcb(ctx, c.Facade.Block)
	forceFastboot, resetReason, fwBootMode, bootTargetFlag := parseCmdlineFlags(c.Facade.Cmdline)
	watchdogCounter, watchdogMax, watchdogRef := readWatchdogState(c.Facade.Vars)

	target := c.Policy.Decide(ctx, policy.Inputs{
		ForceFastboot:  forceFastboot,
		ResetReason:    resetReason,
		FwBootMode:     fwBootMode,
		BootTargetFlag: bootTargetFlag,
		SecureBoot:     c.Facade.SecureBoot,

		ForceFastbootSentinel: forceFastbootSentinel(c.Facade.Block),

		MagicKeyTimeoutMs: readMagicKeyTimeoutMs(c.Facade.Vars),

		WatchdogCounter:    watchdogCounter,
		WatchdogCounterRef: watchdogRef,
		WatchdogCounterMax: watchdogMax,
		NowUnixSec:         wallToUnix(c.Facade.Clock.NowWall()),

		OffModeCharging: c.offModeCharge,

		Bcb: bcb,

		LoaderEntryOneShot: readLoaderEntryOneShot(c.Facade.Vars),

		BatteryBelowThreshold: c.Facade.Battery.BelowBootThreshold(),
		ChargerPlugged:        c.Facade.Battery.ChargerPlugged(),
		WakeSource:            c.Facade.Reset.WakeSource(),
		ResetSource:           c.Facade.Reset.ResetSource(),
	})
	log.Info("boot target decided: %s", target.Kind)

	if target.Kind != platform.TargetNormalBoot && target.Kind != platform.TargetRecovery {
		log.Info("non-OS target selected, handing off to collaborator: %s", target.Kind)
		return nil
	}

	slot, ok := c.Slots.ActiveSlot()
	if !ok {
		log.Fatal("no active slot available")
		return nil
	}

	locked := c.Store.ReadLockState(ctx) == devicestate.Locked
	v := verifier.New(partitionLoader{block: c.Facade.Block}, c.Slots, c.Store, locked)

	label := "boot"
	if target.Kind == platform.TargetRecovery {
		label = "recovery"
	}

	var vbmeta verifier.VBMeta
	rawVbmeta, err := partitionLoader{block: c.Facade.Block}.LoadPartition(ctx, "vbmeta", slot.Suffix())
	if err != nil {
		log.Warn("vbmeta partition load failed, falling back to an empty vbmeta: %v", err)
	} else if vbmeta, err = verifier.ParseVBMeta(rawVbmeta, verifier.LoadUserKey(c.Facade.Vars)); err != nil {
		log.Warn("vbmeta parse failed, falling back to an empty vbmeta: %v", err)
		vbmeta = verifier.VBMeta{}
	}

	result, err := v.VerifyBootTarget(ctx, label, slot, vbmeta, nil)
	if err != nil {
		log.Fatal("verification failed terminally: %v", err)
		return err
	}
	log.Info("boot state: %s", result.BootState)

	rawBoot, _ := partitionLoader{block: c.Facade.Block}.LoadPartition(ctx, label, slot.Suffix())
	bootImg, err := bootimage.ParseBootImage(rawBoot)
	if err != nil {
		log.Fatal("boot image parse failed after verification: %v", err)
		return err
	}

	var vendorImg *bootimage.VendorBootImage
	if bootImg.HeaderVersion >= 3 {
		rawVendor, err := partitionLoader{block: c.Facade.Block}.LoadPartition(ctx, "vendor_boot", slot.Suffix())
		if err == nil {
			vendorImg, _ = bootimage.ParseVendorBootImage(rawVendor)
		}
	}

	serial := platform.SanitiseSerial(c.Facade.SmBios.SystemSerial())
	// vendor_boot's own cmdline is not parsed, so ImageCmdline carries
	// only the boot image's cmdline, for header versions 3 and 4 too.
	cmdline, bootconfig := bootimage.BuildCmdline(bootimage.CmdlineInputs{
		ImageCmdline:     bootImg.Cmdline,
		SerialNumber:     serial,
		BootReason:       bootimage.ReasonNotApplicable,
		VerifiedState:    result.BootState.String(),
		SlotSuffix:       "_" + slot.Suffix(),
		VbmetaCommitment: result.VbmetaCmdline,
		HeaderVersion:    bootImg.HeaderVersion,
	})

	ramdisk := bootimage.AssembleRamdisk(bootImg, vendorImg, bootconfig)
	log.Info("assembled ramdisk size=%s cmdline=%q", bootlog.Size(uint64(len(ramdisk))), cmdline)

	if err := c.Store.Seal(ctx); err != nil {
		log.Warn("device state seal failed: %v", err)
	}

	c.handover(ctx, ramdisk, cmdline)
	return nil
}

// handover drives KernelHandover (spec.md section 4.6): snapshot the
// firmware memory map, exit boot services, populate setup_header and
// the GDT, and jump. No platform here exposes real firmware calls, so
// getMap/exit/jump are simple injected stubs standing in for the
// PlatformFacade hooks internal/handover's functions take for exactly
// this reason.
func (c *Context) handover(ctx context.Context, ramdisk []byte, cmdline string) {
	log := bootlog.Default

	getMap := func() ([]handover.FirmwareMemoryDescriptor, uint64, error) {
		return []handover.FirmwareMemoryDescriptor{
			{Type: handover.EfiConventionalMemory, PhysicalAddr: 0, NumberOfPages: 1 << 16},
		}, 1, nil
	}
	exit := func(mapKey uint64) error { return nil }

	descs, err := handover.ExitBootServices(getMap, exit)
	if err != nil {
		log.Fatal("exit boot services failed: %v", err)
		return
	}
	e820 := handover.BuildE820(descs)
	log.Info("handover: e820 table has %d entries", len(e820))

	header := handover.BuildSetupHeader(0, 0, uint32(len(ramdisk)), 0, nil)
	_ = handover.BuildGDT()
	log.Info("handover: setup_header ramdisk_len=%d cmdline=%q", header.RamdiskLen, cmdline)

	entry := handover.EntryPoint(0, true)
	jump := func(e, bootParamsAddr uint64) error { return nil }
	handover.Jump(jump, entry, 0, log)
}

func main() {
	log := bootlog.Default
	log.Info("kernelflinger starting")

	facade := platform.Facade{
		Clock:      platform.SysClock{},
		Rng:        platform.CryptoRng{},
		Vars:       platform.EfiVars{},
		Reset:      noopResetInfo{},
		Battery:    noopBattery{},
		Console:    platform.NewStdinConsole(),
		SecureBoot: platform.SecureBootEnabled(),
		Cmdline:    strings.Join(os.Args[1:], " "),
		Block:      nil,
	}

	ctx := newContext(facade, devicestate.BuildUser)
	if facade.Block == nil {
		log.Warn("no BlockStore configured; this binary must be linked against a platform adapter to boot real hardware")
		os.Exit(0)
	}
	if err := ctx.run(context.Background()); err != nil {
		os.Exit(1)
	}
}

type noopResetInfo struct{}

func (noopResetInfo) WakeSource() platform.WakeSource   { return platform.WakeUnknown }
func (noopResetInfo) ResetSource() platform.ResetSource { return platform.ResetNotApplicable }
func (noopResetInfo) ResetType() platform.ResetType     { return platform.ResetTypeCold }
func (noopResetInfo) ResetExtraU32() uint32             { return 0 }

// noopBattery reports a topped-up, unplugged battery: the safe default
// when no fuel-gauge adapter is wired in, matching noopResetInfo's role.
type noopBattery struct{}

func (noopBattery) BelowBootThreshold() bool { return false }
func (noopBattery) ChargerPlugged() bool     { return false }
