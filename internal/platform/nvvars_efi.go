package platform

import (
	"fmt"

	efi "github.com/canonical/go-efilib"

	"github.com/projectceladon/kernelflinger-go/internal/bfail"
)

// kernelflingerGUID namespaces every variable this bootloader owns in
// the UEFI variable store, the way the teacher namespaces ramdisk
// paths under a single archive root.
var kernelflingerGUID = efi.MakeGUID(0x6c1eb6ab, 0xaa03, 0x4b4f, 0xad1e, [6]byte{0xfb, 0x6b, 0x64, 0x82, 0xf3, 0x57})

// EfiVars implements NvVars over authenticated UEFI variables via
// go-efilib, backing the "authenticated NV" DeviceStateStore path in
// spec.md section 4.3 when no TPM is present.
type EfiVars struct{}

func varName(namespace, name string) string {
	return fmt.Sprintf("%s_%s", namespace, name)
}

func (EfiVars) Get(namespace, name string) ([]byte, error) {
	data, _, err := efi.ReadVariable(varName(namespace, name), kernelflingerGUID)
	if err != nil {
		if err == efi.ErrVarNotExist {
			return nil, bfail.New("platform.EfiVars.Get", bfail.NotFound, err)
		}
		return nil, bfail.New("platform.EfiVars.Get", bfail.AccessDenied, err)
	}
	return data, nil
}

func (EfiVars) Set(namespace, name string, value []byte, runtimeAccessible bool) error {
	attrs := efi.AttributeNonVolatile | efi.AttributeBootserviceAccess
	if runtimeAccessible {
		attrs |= efi.AttributeRuntimeAccess
	}
	if err := efi.WriteVariable(varName(namespace, name), kernelflingerGUID, attrs, value); err != nil {
		return bfail.New("platform.EfiVars.Set", bfail.AccessDenied, err)
	}
	return nil
}

func (EfiVars) Del(namespace, name string) error {
	if err := efi.WriteVariable(varName(namespace, name), kernelflingerGUID, 0, nil); err != nil {
		return bfail.New("platform.EfiVars.Del", bfail.AccessDenied, err)
	}
	return nil
}

// globalVariableGUID is the well-known EFI_GLOBAL_VARIABLE namespace
// the firmware publishes "SecureBoot" under, independent of this
// bootloader's own kernelflingerGUID namespace.
var globalVariableGUID = efi.MakeGUID(0x8be4df61, 0x93ca, 0x11d2, 0xaa0d, [6]byte{0x00, 0xe0, 0x98, 0x03, 0x2b, 0x8c})

// SecureBootEnabled reports the firmware's own "SecureBoot" global
// variable (spec.md section 4.3's platform secure-boot signal),
// independent of anything this bootloader persists itself. A read
// failure is treated as secure boot disabled: refusing to create the
// tamper-resistant NV indices is the safe default on an unreadable or
// pre-DXE-phase variable store.
func SecureBootEnabled() bool {
	data, _, err := efi.ReadVariable("SecureBoot", globalVariableGUID)
	if err != nil || len(data) != 1 {
		return false
	}
	return data[0] == 1
}
