package platform

import (
	"context"

	"github.com/canonical/go-tpm2"
	"github.com/canonical/go-tpm2/linux"

	"github.com/projectceladon/kernelflinger-go/internal/bfail"
)

// Tpm2 implements Tpm over a real TPM 2.0 device via go-tpm2, backing
// the TPM path of DeviceStateStore (spec.md section 4.3) at NV indices
// 0x01500082 (bootloader) and 0x01500080 (trusty_seed).
type Tpm2 struct {
	tpm *tpm2.TPMContext
}

// OpenTpm2 connects to the platform's TPM character device.
func OpenTpm2(devicePath string) (*Tpm2, error) {
	dev, err := linux.DefaultTPMDevice()
	if err != nil {
		return nil, bfail.New("platform.OpenTpm2", bfail.NotFound, err)
	}
	transport, err := dev.Open()
	if err != nil {
		return nil, bfail.New("platform.OpenTpm2", bfail.NotFound, err)
	}
	return &Tpm2{tpm: tpm2.NewTPMContext(transport)}, nil
}

func (t *Tpm2) GetCapability(_ context.Context) (bool, error) {
	if t == nil || t.tpm == nil {
		return false, nil
	}
	_, _, err := t.tpm.GetCapability(tpm2.CapabilityTPMProperties, uint32(tpm2.PropertyManufacturer), 1)
	if err != nil {
		return false, bfail.New("platform.Tpm2.GetCapability", bfail.NotFound, err)
	}
	return true, nil
}

func nvAttrsToTpm(a NvAttrs) tpm2.NVAttributes {
	var out tpm2.NVAttributes
	if a.OwnerWrite {
		out |= tpm2.AttrNVOwnerWrite
	}
	if a.AuthWrite {
		out |= tpm2.AttrNVAuthWrite
	}
	if a.PlatformNV {
		out |= tpm2.AttrNVPlatformCreate
	}
	if a.NoDA {
		out |= tpm2.AttrNVNoDA
	}
	return out
}

func (t *Tpm2) NvDefine(_ context.Context, index uint32, attrs NvAttrs, size uint16) error {
	pub := tpm2.NVPublic{
		Index:   tpm2.Handle(index),
		NameAlg: tpm2.HashAlgorithmSHA256,
		Attrs:   nvAttrsToTpm(attrs),
		Size:    size,
	}
	owner := t.tpm.OwnerHandleContext()
	if attrs.PlatformNV {
		owner = t.tpm.PlatformHandleContext()
	}
	if _, err := t.tpm.NVDefineSpace(owner, nil, &pub, nil); err != nil {
		return bfail.New("platform.Tpm2.NvDefine", bfail.AccessDenied, err)
	}
	return nil
}

func (t *Tpm2) nvContext(index uint32) (tpm2.ResourceContext, error) {
	nv, err := t.tpm.NewResourceContext(tpm2.Handle(index))
	if err != nil {
		return nil, bfail.New("platform.Tpm2", bfail.NotFound, err)
	}
	return nv, nil
}

func (t *Tpm2) NvRead(_ context.Context, index uint32, offset, length uint16) ([]byte, error) {
	nv, err := t.nvContext(index)
	if err != nil {
		return nil, err
	}
	data, err := t.tpm.NVRead(nv, nv, length, offset, nil)
	if err != nil {
		return nil, bfail.New("platform.Tpm2.NvRead", bfail.AccessDenied, err)
	}
	return data, nil
}

func (t *Tpm2) NvWrite(_ context.Context, index uint32, offset uint16, data []byte) error {
	nv, err := t.nvContext(index)
	if err != nil {
		return err
	}
	if err := t.tpm.NVWrite(nv, nv, data, offset, nil); err != nil {
		return bfail.New("platform.Tpm2.NvWrite", bfail.AccessDenied, err)
	}
	return nil
}

func (t *Tpm2) NvReadLock(_ context.Context, index uint32) error {
	nv, err := t.nvContext(index)
	if err != nil {
		return err
	}
	if err := t.tpm.NVReadLock(nv, nv, nil); err != nil {
		return bfail.New("platform.Tpm2.NvReadLock", bfail.AccessDenied, err)
	}
	return nil
}

func (t *Tpm2) NvWriteLock(_ context.Context, index uint32) error {
	nv, err := t.nvContext(index)
	if err != nil {
		return err
	}
	if err := t.tpm.NVWriteLock(nv, nv, nil); err != nil {
		return bfail.New("platform.Tpm2.NvWriteLock", bfail.AccessDenied, err)
	}
	return nil
}

func (t *Tpm2) GetRandom(_ context.Context, n int) ([]byte, error) {
	data, err := t.tpm.GetRandom(uint16(n), nil)
	if err != nil {
		return nil, bfail.New("platform.Tpm2.GetRandom", bfail.OutOfResources, err)
	}
	return data, nil
}
