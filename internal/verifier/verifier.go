// Package verifier implements the Verifier component of spec.md
// section 4.4: load a boot image for a slot, check it against the
// embedded root of trust and the rollback store, and classify the
// resulting BootState.
package verifier

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"

	"github.com/projectceladon/kernelflinger-go/internal/bfail"
	"github.com/projectceladon/kernelflinger-go/internal/bootimage"
	"github.com/projectceladon/kernelflinger-go/internal/bootlog"
	"github.com/projectceladon/kernelflinger-go/internal/devicestate"
	"github.com/projectceladon/kernelflinger-go/internal/slotmgr"
)

// BootState mirrors spec.md section 3's classification.
type BootState int

const (
	Green BootState = iota
	Yellow
	Orange
	Red
)

func (b BootState) String() string {
	switch b {
	case Green:
		return "green"
	case Yellow:
		return "yellow"
	case Orange:
		return "orange"
	default:
		return "red"
	}
}

// PartitionDescriptor is one AVB-style hash descriptor inside a vbmeta
// image: the expected digest of a named partition and its bound
// rollback-index-location slot.
type PartitionDescriptor struct {
	Partition       string
	ExpectedDigest  [32]byte
	RollbackSlot    int
	RollbackIndex   uint64
}

// VBMeta is the parsed, not-yet-verified root-of-trust payload: a
// public key and the descriptors it signs, modelling the teacher's
// AvbVBMetaImageHeader without a full ASN.1/libavb reimplementation.
type VBMeta struct {
	EmbeddedKey *ecdsa.PublicKey
	UserKey     *ecdsa.PublicKey // present only on devices provisioning a second, user-installed key (SPEC_FULL.md section 11.1)
	Signature   []byte
	Signed      []byte // the bytes the Signature covers
	Descriptors []PartitionDescriptor
	Digest      [32]byte
}

// VerificationResult is spec.md section 3's VerificationResult.
type VerificationResult struct {
	BootState       BootState
	VbmetaDigest    [32]byte
	VbmetaCmdline   string
	SlotSuffix      string
	RollbackIndices []uint64
}

// Loader is the subset of PlatformFacade the Verifier needs to fetch
// partition contents for a slot (BlockStore reads resolved by label).
type Loader interface {
	LoadPartition(ctx context.Context, label, slotSuffix string) ([]byte, error)
}

type Verifier struct {
	loader Loader
	slots  *slotmgr.Manager
	store  *devicestate.Store
	locked bool
	log    *bootlog.Logger
}

func New(loader Loader, slots *slotmgr.Manager, store *devicestate.Store, locked bool) *Verifier {
	return &Verifier{loader: loader, slots: slots, store: store, locked: locked, log: bootlog.Default}
}

// MemoryClearer zeroises conventional RAM before proceeding on unlocked
// boots, per spec.md section 4.4 step 5. The core has no directly
// addressable "conventional memory" region in this Go rewrite; the
// hook is left for PlatformFacade to wire to the real zeroisation path
// and is invoked here so call order matches the spec.
type MemoryClearer interface {
	ClearMemory(ctx context.Context) error
}

// VerifyBootTarget runs the algorithm of spec.md section 4.4 for the
// given slot and vbmeta, retrying per SlotManager's retry/fallback
// rule on verification failure.
func (v *Verifier) VerifyBootTarget(ctx context.Context, partitionLabel string, slot slotmgr.Index, vbmeta VBMeta, clearer MemoryClearer) (*VerificationResult, error) {
	res, err := v.verifyOnce(ctx, partitionLabel, slot, vbmeta, clearer)
	if err == nil {
		return res, nil
	}
	if !bfail.Is(err, bfail.IntegrityFailed) {
		return nil, err
	}

	if v.slots.TriesRemaining(slot) > 0 {
		v.slots.MarkBootAttempt(ctx, slot)
	} else {
		v.slots.MarkBootFailed(ctx, slot)
	}

	fallback, ok := v.slots.ActiveSlot()
	if !ok || fallback == slot {
		return res, err
	}
	return v.verifyOnce(ctx, partitionLabel, fallback, vbmeta, clearer)
}

func (v *Verifier) verifyOnce(ctx context.Context, partitionLabel string, slot slotmgr.Index, vbmeta VBMeta, clearer MemoryClearer) (*VerificationResult, error) {
	raw, err := v.loader.LoadPartition(ctx, partitionLabel, slot.Suffix())
	if err != nil {
		return nil, bfail.New("verifier.verifyOnce", bfail.NotFound, err)
	}

	img, err := bootimage.ParseBootImage(raw)
	if err != nil {
		return nil, bfail.New("verifier.verifyOnce", bfail.Corrupted, err)
	}

	if !v.locked {
		if clearer != nil {
			if err := clearer.ClearMemory(ctx); err != nil {
				v.log.Warn("verifier: clear_memory failed: %v", err)
			}
		}
		return &VerificationResult{
			BootState:     Orange,
			VbmetaDigest:  vbmeta.Digest,
			VbmetaCmdline: v.commitment(Orange, vbmeta),
			SlotSuffix:    slot.Suffix(),
		}, nil
	}

	state, err := v.checkSignature(vbmeta)
	if err != nil {
		return nil, err
	}

	desc, ok := findDescriptor(vbmeta, partitionLabel)
	if !ok || !VerifyDescriptorHash(desc, partitionContent(img)) {
		return nil, bfail.New("verifier.verifyOnce", bfail.IntegrityFailed, nil)
	}

	rollbackOK, pending, err := v.checkRollback(vbmeta)
	if err != nil {
		return nil, err
	}
	if !rollbackOK {
		return nil, bfail.New("verifier.verifyOnce", bfail.IntegrityFailed, nil)
	}

	if state == Green {
		for slotIdx, newVal := range pending {
			if err := v.store.WriteRollbackIndex(ctx, slotIdx, newVal); err != nil {
				v.log.Warn("verifier: rollback write for slot %d failed: %v", slotIdx, err)
			}
		}
	}

	return &VerificationResult{
		BootState:     state,
		VbmetaDigest:  vbmeta.Digest,
		VbmetaCmdline: v.commitment(state, vbmeta),
		SlotSuffix:    slot.Suffix(),
	}, nil
}

// checkSignature verifies vbmeta.Signature against the embedded key
// first and, on mismatch, against the user key (SPEC_FULL.md section
// 11.1's dual-key supplement), yielding Green or Yellow respectively.
func (v *Verifier) checkSignature(vbmeta VBMeta) (BootState, error) {
	digest := sha256.Sum256(vbmeta.Signed)

	if vbmeta.EmbeddedKey != nil && verifyECDSA(vbmeta.EmbeddedKey, digest[:], vbmeta.Signature) {
		return Green, nil
	}
	if vbmeta.UserKey != nil && verifyECDSA(vbmeta.UserKey, digest[:], vbmeta.Signature) {
		return Yellow, nil
	}
	return Red, bfail.New("verifier.checkSignature", bfail.IntegrityFailed, nil)
}

func verifyECDSA(pub *ecdsa.PublicKey, digest, sig []byte) bool {
	if pub == nil || len(sig) == 0 {
		return false
	}
	return ecdsa.VerifyASN1(pub, digest, sig)
}

// checkRollback compares each descriptor's bound rollback index
// against the store, per spec.md section 4.4 step 4: any stored index
// greater than the image's fails verification; any image index
// greater is staged to be written only if verification otherwise
// succeeds.
func (v *Verifier) checkRollback(vbmeta VBMeta) (ok bool, pending map[int]uint64, err error) {
	pending = make(map[int]uint64)
	for _, d := range vbmeta.Descriptors {
		stored := v.store.ReadRollbackIndex(d.RollbackSlot)
		if stored > d.RollbackIndex {
			return false, nil, nil
		}
		if d.RollbackIndex > stored {
			pending[d.RollbackSlot] = d.RollbackIndex
		}
	}
	return true, pending, nil
}

// commitment builds the vbmeta commitment string of spec.md section
// 4.4 step 6: device-locked flag, boot state, key hash, vbmeta digest.
func (v *Verifier) commitment(state BootState, vbmeta VBMeta) string {
	keyHash := sha256.Sum256(marshalKey(vbmeta.EmbeddedKey))
	lockedFlag := "unlocked"
	if v.locked {
		lockedFlag = "locked"
	}
	return "androidboot.verifiedbootstate=" + state.String() +
		" androidboot.veritymode=" + lockedFlag +
		" androidboot.vbmeta.device_state=" + lockedFlag +
		" androidboot.vbmeta.digest=" + hexString(vbmeta.Digest[:]) +
		" androidboot.vbmeta.keyhash=" + hexString(keyHash[:])
}

func marshalKey(pub *ecdsa.PublicKey) []byte {
	if pub == nil {
		return nil
	}
	return elliptic.Marshal(pub.Curve, pub.X, pub.Y)
}

func hexString(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0xf]
	}
	return string(out)
}

// VerifyDescriptorHash checks that digest matches the SHA-256 of data,
// the per-partition hash-tree-root comparison of spec.md section 4.4
// step 3 (simplified to a whole-partition digest for partitions that
// are not dm-verity hash-tree-backed).
func VerifyDescriptorHash(d PartitionDescriptor, data []byte) bool {
	got := sha256.Sum256(data)
	return bytes.Equal(got[:], d.ExpectedDigest[:])
}

// findDescriptor returns the descriptor vbmeta binds to label, if any.
// A boot image with no matching descriptor is never trusted, signature
// notwithstanding: the signature alone only proves the vbmeta blob
// wasn't tampered with, not that it says anything about this partition.
func findDescriptor(vbmeta VBMeta, label string) (PartitionDescriptor, bool) {
	for _, d := range vbmeta.Descriptors {
		if d.Partition == label {
			return d, true
		}
	}
	return PartitionDescriptor{}, false
}

// partitionContent concatenates the parsed image's content sections,
// the bytes VerifyDescriptorHash's digest is bound to, per spec.md
// section 4.4 step 3.
func partitionContent(img *bootimage.BootImage) []byte {
	out := make([]byte, 0, len(img.Kernel)+len(img.Ramdisk)+len(img.Second))
	out = append(out, img.Kernel...)
	out = append(out, img.Ramdisk...)
	out = append(out, img.Second...)
	return out
}
