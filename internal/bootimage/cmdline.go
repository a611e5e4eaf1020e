package bootimage

import (
	"fmt"
	"strings"
)

// BootReason is the exhaustive vocabulary of spec.md section 4.5.
type BootReason string

const (
	ReasonBatteryInserted     BootReason = "battery_inserted"
	ReasonUsbChargerInserted  BootReason = "usb_charger_inserted"
	ReasonAcdcChargerInserted BootReason = "acdc_charger_inserted"
	ReasonPowerButtonPressed  BootReason = "power_button_pressed"
	ReasonRtcTimer            BootReason = "rtc_timer"
	ReasonBatteryThreshold    BootReason = "battery_reached_ia_threshold"
	ReasonNotApplicable       BootReason = "not_applicable"
	ReasonOsInitiated         BootReason = "os_initiated"
	ReasonForced              BootReason = "forced"
	ReasonFirmwareUpdate      BootReason = "firmware_update"
	ReasonWatchdog            BootReason = "watchdog"
	ReasonSecurityWatchdog    BootReason = "security_watchdog"
	ReasonSecurityInitiated   BootReason = "security_initiated"
	ReasonEcWatchdog          BootReason = "ec_watchdog"
	ReasonPmicWatchdog        BootReason = "pmic_watchdog"
	ReasonShortPowerLoss      BootReason = "short_power_loss"
	ReasonPlatformSpecific    BootReason = "platform_specific"
	ReasonUnknown             BootReason = "unknown"
)

// CmdlineInputs bundles every signal the composition algorithm of
// spec.md section 4.5 folds into the final command line.
type CmdlineInputs struct {
	ImageCmdline    string // boot image cmdline (v<3) or vendor_boot+boot (v>=3), already concatenated by the caller
	SerialNumber    string // pre-sanitised via SanitiseSerial
	BootReason      BootReason
	VerifiedState   string // "green" | "yellow" | "orange" | "red"
	ResumePartUUID  string // empty if no hibernation slot
	ConsolePort     string // empty if unconfigured
	BootloaderVer   string
	BootDevices     string // PCI-bus encoding of the disk
	SlotSuffix      string // "_a" | "_b" | ""
	RollbackInfo    string // pre-formatted androidboot.* rollback fields, or ""
	BootTimeProfile string
	VbmetaCommitment string
	HeaderVersion   int // >=4 moves androidboot.* out of cmdline into bootconfig
}

// androidbootPrefix identifies fields that must move into the
// bootconfig section instead of the kernel command line for v4
// images (spec.md section 4.5, step 11).
const androidbootPrefix = "androidboot."

// BuildCmdline composes the kernel command line and, for header
// version 4, the androidboot.* bootconfig fragment, in the fixed order
// of spec.md section 4.5.
func BuildCmdline(in CmdlineInputs) (cmdline string, bootconfigParams []byte) {
	var fields []string

	fields = append(fields, in.ImageCmdline)
	fields = append(fields, fmt.Sprintf("androidboot.serialno=%s g_ffs.iSerialNumber=%s", in.SerialNumber, in.SerialNumber))
	fields = append(fields, fmt.Sprintf("androidboot.bootreason=%s", in.BootReason))
	fields = append(fields, fmt.Sprintf("androidboot.verifiedbootstate=%s", in.VerifiedState))
	if in.ResumePartUUID != "" {
		fields = append(fields, fmt.Sprintf("resume=PARTUUID=%s", in.ResumePartUUID))
	}
	if in.ConsolePort != "" && !strings.Contains(in.ImageCmdline, "console=") {
		fields = append(fields, fmt.Sprintf("console=%s", in.ConsolePort))
	}
	if in.BootloaderVer != "" {
		fields = append(fields, fmt.Sprintf("androidboot.bootloader=%s", in.BootloaderVer))
	}
	if in.BootDevices != "" {
		fields = append(fields, fmt.Sprintf("androidboot.boot_devices=%s", in.BootDevices))
	}
	if in.SlotSuffix != "" {
		fields = append(fields, fmt.Sprintf("androidboot.slot_suffix=%s", in.SlotSuffix))
	}
	if in.RollbackInfo != "" {
		fields = append(fields, in.RollbackInfo)
	}
	if in.BootTimeProfile != "" {
		fields = append(fields, fmt.Sprintf("androidboot.boottime=%s", in.BootTimeProfile))
	}
	if in.VbmetaCommitment != "" {
		fields = append(fields, in.VbmetaCommitment)
	}

	full := strings.Join(nonEmpty(fields), " ")

	if in.HeaderVersion < 4 {
		return full, nil
	}

	// v4: split androidboot.* tokens out of the cmdline into the
	// bootconfig section; everything else stays on the command line.
	return splitAndroidboot(full)
}

func nonEmpty(fields []string) []string {
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if strings.TrimSpace(f) != "" {
			out = append(out, f)
		}
	}
	return out
}

func splitAndroidboot(full string) (cmdline string, bootconfig []byte) {
	var kept []string
	var moved []string
	for _, tok := range strings.Fields(full) {
		if strings.HasPrefix(tok, androidbootPrefix) {
			key, val, ok := strings.Cut(tok, "=")
			if ok {
				moved = append(moved, fmt.Sprintf("%s = \"%s\"\n", key, val))
			} else {
				moved = append(moved, fmt.Sprintf("%s\n", key))
			}
			continue
		}
		kept = append(kept, tok)
	}
	return strings.Join(kept, " "), []byte(strings.Join(moved, ""))
}
