// Package platform declares the trait boundary between the boot core
// and the runtime host, per spec.md section 6.2. Everything in the
// core (internal/policy, internal/verifier, internal/devicestate,
// internal/slotmgr, internal/handover) talks only to these interfaces;
// the concrete adapters in this package are the only place that import
// a real firmware/TPM/SMBIOS library, matching the teacher's split
// between magiskboot's format/bootimg logic and its stub package for
// OS-specific plumbing.
package platform

import "context"

// BlockStore abstracts a raw partition, reimplementing spec.md section
// 6.2's BlockStore trait. The core never parses a GPT; it is handed an
// already-resolved partition view.
type BlockStore interface {
	Read(ctx context.Context, offset, length int64) ([]byte, error)
	Write(ctx context.Context, offset int64, buf []byte) error
	Flush(ctx context.Context) error
	Partition(label string) (start, end int64, blockSize int, err error)
}

// NvVars abstracts authenticated, namespaced firmware variables.
type NvVars interface {
	Get(namespace, name string) ([]byte, error)
	Set(namespace, name string, value []byte, runtimeAccessible bool) error
	Del(namespace, name string) error
}

// NvAttrs mirrors the attribute set the TPM NV-index layer exposes to
// DeviceStateStore, independent of the underlying go-tpm2 types.
type NvAttrs struct {
	OwnerWrite  bool
	AuthWrite   bool
	PlatformNV  bool
	NoDA        bool
	WriteLocked bool
	ReadLocked  bool
}

// Tpm abstracts the subset of TPM 2.0 NV operations DeviceStateStore
// needs, per spec.md section 6.2.
type Tpm interface {
	GetCapability(ctx context.Context) (present bool, err error)
	NvDefine(ctx context.Context, index uint32, attrs NvAttrs, size uint16) error
	NvRead(ctx context.Context, index uint32, offset, length uint16) ([]byte, error)
	NvWrite(ctx context.Context, index uint32, offset uint16, data []byte) error
	NvReadLock(ctx context.Context, index uint32) error
	NvWriteLock(ctx context.Context, index uint32) error
	GetRandom(ctx context.Context, n int) ([]byte, error)
}

// WallTime is the year/month/day/h/m/s tuple Clock.NowWall returns.
type WallTime struct {
	Year                 int
	Month, Day           int
	Hour, Minute, Second int
}

// Clock abstracts wall and monotonic time sources.
type Clock interface {
	NowWall() WallTime
	NowMonotonicUs() uint64
}

// Rng abstracts a platform entropy source independent of the TPM.
type Rng interface {
	Fill(buf []byte) error
}

// UserPrompt abstracts the splash/crash-menu UI layer.
type UserPrompt interface {
	ChooseCrashTarget(ctx context.Context) (BootTargetKind, error)
	ChooseBootTarget(ctx context.Context, reasonCode int) (BootTargetKind, error)
	DisplayLowBattery(ctx context.Context)
	DisplayEmptyBattery(ctx context.Context)
	Reboot(ctx context.Context, target BootTargetKind) error
	BootError(ctx context.Context, state string) error
}

// WakeSource and ResetSource enumerate the reasons ResetInfo can report,
// feeding BootPolicy steps 4/5/9 and the bootreason vocabulary in
// spec.md section 4.5.
type WakeSource int

const (
	WakeUnknown WakeSource = iota
	WakeBatteryInserted
	WakeUsbCharger
	WakeAcdcCharger
	WakePowerButton
	WakeRtcTimer
	WakeBatteryThreshold
)

type ResetSource int

const (
	ResetNotApplicable ResetSource = iota
	ResetOsInitiated
	ResetForced
	ResetFirmwareUpdate
	ResetKernelWatchdog
	ResetSecurityWatchdog
	ResetSecurityInitiated
	ResetEcWatchdog
	ResetPmicWatchdog
	ResetShortPowerLoss
	ResetPlatformSpecific
)

type ResetType int

const (
	ResetTypeCold ResetType = iota
	ResetTypeWarm
	ResetTypeShutdown
)

// ResetInfo abstracts the firmware's wake/reset-reason reporting.
type ResetInfo interface {
	WakeSource() WakeSource
	ResetSource() ResetSource
	ResetType() ResetType
	ResetExtraU32() uint32
}

// AcpiInstaller abstracts ACPI/ACPIO table installation, kept entirely
// external to the core per spec.md section 1.
type AcpiInstaller interface {
	InstallFrom(bootimageView []byte) error
	InstallFromPartitions(labels []string) error
}

// SmBios abstracts the fields BootImageAssembler's serial sanitisation
// (spec.md section 4.5) needs, grounded on the other_examples SMBIOS
// Type 32 parsing pattern.
type SmBios interface {
	SystemSerial() string
	BoardSerial() string
	ProductName() string
	BiosVersion() string
}

// ConsoleInput abstracts the magic-key poll in BootPolicy step 3.
type ConsoleInput interface {
	PollKey(timeoutMs int) (key rune, ok bool)
}

// Battery abstracts the fuel-gauge reporting BootPolicy steps 5/8/9
// need (spec.md section 4.1).
type Battery interface {
	BelowBootThreshold() bool
	ChargerPlugged() bool
}

// BootTargetKind is declared here (rather than imported from
// internal/policy) to avoid an import cycle between platform and
// policy; internal/policy.BootTarget converts to/from it at the edges.
type BootTargetKind int

const (
	TargetNormalBoot BootTargetKind = iota
	TargetRecovery
	TargetFastboot
	TargetCharger
	TargetPowerOff
	TargetEspEfiBinary
	TargetEspBootImage
	TargetCrashMode
	TargetDnx
	TargetExitShell
	TargetMemory
)

func (k BootTargetKind) String() string {
	switch k {
	case TargetNormalBoot:
		return "normal"
	case TargetRecovery:
		return "recovery"
	case TargetFastboot:
		return "fastboot"
	case TargetCharger:
		return "charger"
	case TargetPowerOff:
		return "power-off"
	case TargetEspEfiBinary:
		return "esp-efi"
	case TargetEspBootImage:
		return "esp-bootimage"
	case TargetCrashMode:
		return "crashmode"
	case TargetDnx:
		return "dnx"
	case TargetExitShell:
		return "exit-shell"
	case TargetMemory:
		return "memory"
	default:
		return "unknown"
	}
}

// Facade bundles the adapters a Context needs. PlatformFacade's only
// policy responsibility (spec.md section 4.7) is failure conversion,
// implemented at the call sites in internal/devicestate and
// internal/verifier rather than here.
type Facade struct {
	Block      BlockStore
	Vars       NvVars
	Tpm        Tpm
	Clock      Clock
	Rng        Rng
	Prompt     UserPrompt
	Reset      ResetInfo
	Acpi       AcpiInstaller
	SmBios     SmBios
	Console    ConsoleInput
	Battery    Battery
	SecureBoot bool
	// Cmdline is the image loader's own command line (spec.md section
	// 4.1 step 1: "-f", "reset=", "fw.boot=", "boot_target=" tokens).
	Cmdline string
}
