package policy_test

import (
	"context"
	"testing"

	"github.com/projectceladon/kernelflinger-go/internal/misc"
	"github.com/projectceladon/kernelflinger-go/internal/platform"
	"github.com/projectceladon/kernelflinger-go/internal/policy"
)

func TestColdNormalBoot(t *testing.T) {
	p := policy.New(nil, nil, nil)
	target := p.Decide(context.Background(), policy.Inputs{
		ResetSource: platform.ResetNotApplicable,
		WakeSource:  platform.WakePowerButton,
	})
	if target.Kind != platform.TargetNormalBoot {
		t.Fatalf("expected NormalBoot, got %v", target.Kind)
	}
}

func TestBcbOneShotRecovery(t *testing.T) {
	p := policy.New(nil, nil, nil)
	target := p.Decide(context.Background(), policy.Inputs{
		Bcb: misc.Bcb{Command: "bootonce-recovery"},
	})
	if target.Kind != platform.TargetRecovery {
		t.Fatalf("expected Recovery, got %v", target.Kind)
	}

	cleared := policy.ConsumeBcb(misc.Bcb{Command: "bootonce-recovery"})
	if cleared.Command != "" {
		t.Fatalf("expected one-shot command cleared, got %q", cleared.Command)
	}
}

func TestBcbPersistentCommandNotCleared(t *testing.T) {
	cleared := policy.ConsumeBcb(misc.Bcb{Command: "boot-recovery"})
	if cleared.Command != "boot-recovery" {
		t.Fatalf("persistent command should survive consume, got %q", cleared.Command)
	}
}

func TestWatchdogStormTriggersCrashMode(t *testing.T) {
	p := policy.New(nil, nil, nil)
	target := p.Decide(context.Background(), policy.Inputs{
		ResetSource:        platform.ResetKernelWatchdog,
		WatchdogCounter:    2,
		WatchdogCounterRef: 1000,
		NowUnixSec:         1100,
		WatchdogCounterMax: 2,
	})
	if target.Kind != platform.TargetCrashMode {
		t.Fatalf("expected CrashMode fallback (no prompt wired to resolve it further), got %v", target.Kind)
	}
}

func TestForceFastbootFlag(t *testing.T) {
	p := policy.New(nil, nil, nil)
	target := p.Decide(context.Background(), policy.Inputs{ForceFastboot: true})
	if target.Kind != platform.TargetFastboot {
		t.Fatalf("expected Fastboot, got %v", target.Kind)
	}
}

func TestBatteryBelowThresholdWithCharger(t *testing.T) {
	p := policy.New(nil, nil, nil)
	target := p.Decide(context.Background(), policy.Inputs{
		BatteryBelowThreshold: true,
		ChargerPlugged:        true,
	})
	if target.Kind != platform.TargetCharger {
		t.Fatalf("expected Charger, got %v", target.Kind)
	}
}
