package verifier

import (
	"crypto/ecdsa"
	"crypto/x509"
	_ "embed"
	"encoding/binary"
	"encoding/pem"

	"github.com/projectceladon/kernelflinger-go/internal/bfail"
	"github.com/projectceladon/kernelflinger-go/internal/platform"
)

// embeddedRootKeyPEM is the bootloader's burned-in root-of-trust public
// key, the same bundled-key concept the teacher's magiskboot.go `sign`
// usage text describes ("the AOSP verity key bundled in the
// executable"), generalised from a signing key to a verification key.
// It must never be read from the vbmeta partition itself: a key an
// attacker controls is a key an attacker can "verify" anything with.
//
//go:embed embedded_root_key.pem
var embeddedRootKeyPEM []byte

// EmbeddedRootKey parses the bootloader's compiled-in root key.
func EmbeddedRootKey() (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(embeddedRootKeyPEM)
	if block == nil {
		return nil, bfail.New("verifier.EmbeddedRootKey", bfail.Corrupted, nil)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, bfail.New("verifier.EmbeddedRootKey", bfail.Corrupted, err)
	}
	ecKey, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, bfail.New("verifier.EmbeddedRootKey", bfail.Corrupted, nil)
	}
	return ecKey, nil
}

// vbmetaMagic tags the simplified wire format this package reads off
// the `vbmeta` partition: a single signed blob plus a flat descriptor
// table, modelling the teacher's AvbVBMetaImageHeader without a full
// ASN.1/libavb reimplementation (see DESIGN.md).
const vbmetaMagic = "AVB0"

// ParseVBMeta decodes the `vbmeta` partition's raw bytes into a VBMeta,
// binding EmbeddedKey to the bootloader's own compiled-in root key
// (never to anything read from raw) and UserKey to the caller-supplied
// user-provisioned key, if any (SPEC_FULL.md section 11.1).
func ParseVBMeta(raw []byte, userKey *ecdsa.PublicKey) (VBMeta, error) {
	const op = "verifier.ParseVBMeta"

	rootKey, err := EmbeddedRootKey()
	if err != nil {
		return VBMeta{}, err
	}

	r := &byteReader{buf: raw}
	magic, err := r.take(len(vbmetaMagic))
	if err != nil || string(magic) != vbmetaMagic {
		return VBMeta{}, bfail.New(op, bfail.Corrupted, nil)
	}

	signed, err := r.takeBlock()
	if err != nil {
		return VBMeta{}, bfail.New(op, bfail.Corrupted, err)
	}
	signature, err := r.takeBlock()
	if err != nil {
		return VBMeta{}, bfail.New(op, bfail.Corrupted, err)
	}

	count, err := r.takeU32()
	if err != nil {
		return VBMeta{}, bfail.New(op, bfail.Corrupted, err)
	}

	descriptors := make([]PartitionDescriptor, 0, count)
	for i := uint32(0); i < count; i++ {
		name, err := r.takeBlock()
		if err != nil {
			return VBMeta{}, bfail.New(op, bfail.Corrupted, err)
		}
		digest, err := r.take(32)
		if err != nil {
			return VBMeta{}, bfail.New(op, bfail.Corrupted, err)
		}
		slot, err := r.takeU32()
		if err != nil {
			return VBMeta{}, bfail.New(op, bfail.Corrupted, err)
		}
		index, err := r.takeU64()
		if err != nil {
			return VBMeta{}, bfail.New(op, bfail.Corrupted, err)
		}
		d := PartitionDescriptor{Partition: string(name), RollbackSlot: int(slot), RollbackIndex: index}
		copy(d.ExpectedDigest[:], digest)
		descriptors = append(descriptors, d)
	}

	return VBMeta{
		EmbeddedKey: rootKey,
		UserKey:     userKey,
		Signature:   signature,
		Signed:      signed,
		Descriptors: descriptors,
	}, nil
}

// LoadUserKey reads an optional user-provisioned key out of NvVars
// (SPEC_FULL.md section 11.1's dual-key supplement); its absence is not
// an error, it just means no Yellow path is available on this device.
func LoadUserKey(vars platform.NvVars) *ecdsa.PublicKey {
	if vars == nil {
		return nil
	}
	der, err := vars.Get("fastboot", "UserKey")
	if err != nil {
		return nil
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil
	}
	ecKey, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil
	}
	return ecKey
}

// byteReader is a minimal length-prefixed cursor over a vbmeta blob.
type byteReader struct {
	buf []byte
	pos int
}

func (r *byteReader) take(n int) ([]byte, error) {
	if r.pos+n > len(r.buf) {
		return nil, bfail.New("verifier.byteReader.take", bfail.Corrupted, nil)
	}
	out := r.buf[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

func (r *byteReader) takeU32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *byteReader) takeU64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *byteReader) takeBlock() ([]byte, error) {
	n, err := r.takeU32()
	if err != nil {
		return nil, err
	}
	return r.take(int(n))
}
