package verifier_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"testing"

	"github.com/projectceladon/kernelflinger-go/internal/bfail"
	"github.com/projectceladon/kernelflinger-go/internal/devicestate"
	"github.com/projectceladon/kernelflinger-go/internal/misc"
	"github.com/projectceladon/kernelflinger-go/internal/slotmgr"
	"github.com/projectceladon/kernelflinger-go/internal/verifier"
)

type fakeLoader struct{ image []byte }

func (f fakeLoader) LoadPartition(_ context.Context, _, _ string) ([]byte, error) {
	return f.image, nil
}

type fakeBlock struct{ buf []byte }

func (f *fakeBlock) Read(_ context.Context, offset, length int64) ([]byte, error) {
	out := make([]byte, length)
	copy(out, f.buf[offset:offset+length])
	return out, nil
}
func (f *fakeBlock) Write(_ context.Context, offset int64, buf []byte) error {
	copy(f.buf[offset:], buf)
	return nil
}
func (f *fakeBlock) Flush(_ context.Context) error { return nil }
func (f *fakeBlock) Partition(string) (int64, int64, int, error) {
	return 0, int64(len(f.buf)), 512, nil
}

type fakeVars struct{}

func (fakeVars) Get(string, string) ([]byte, error) {
	return nil, bfail.New("fakeVars.Get", bfail.NotFound, nil)
}
func (fakeVars) Set(string, string, []byte, bool) error { return nil }
func (fakeVars) Del(string, string) error               { return nil }

func minimalBootImage() []byte {
	buf := make([]byte, 1700)
	copy(buf, []byte("ANDROID!"))
	return buf
}

func TestUnlockedBootEmitsOrange(t *testing.T) {
	ctx := context.Background()
	block := &fakeBlock{buf: make([]byte, misc.SlotMetadataOffset+misc.SlotMetadataSize)}
	sm := slotmgr.New(block)
	sm.Init(ctx)
	store := devicestate.New(nil, fakeVars{}, devicestate.BuildUser, true)
	store.Init(ctx)

	v := verifier.New(fakeLoader{image: minimalBootImage()}, sm, store, false)

	res, err := v.VerifyBootTarget(ctx, "boot", 0, verifier.VBMeta{}, nil)
	if err != nil {
		t.Fatalf("VerifyBootTarget: %v", err)
	}
	if res.BootState != verifier.Orange {
		t.Fatalf("expected Orange on unlocked device, got %v", res.BootState)
	}
}

func TestLockedBootGreenOnValidSignature(t *testing.T) {
	ctx := context.Background()
	block := &fakeBlock{buf: make([]byte, misc.SlotMetadataOffset+misc.SlotMetadataSize)}
	sm := slotmgr.New(block)
	sm.Init(ctx)
	store := devicestate.New(nil, fakeVars{}, devicestate.BuildUser, true)
	store.Init(ctx)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signed := []byte("vbmeta-payload")
	digest := sha256.Sum256(signed)
	sig, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	if err != nil {
		t.Fatal(err)
	}

	emptyContentDigest := sha256.Sum256(nil)
	vbmeta := verifier.VBMeta{
		EmbeddedKey: &key.PublicKey,
		Signature:   sig,
		Signed:      signed,
		Descriptors: []verifier.PartitionDescriptor{
			{Partition: "boot", ExpectedDigest: emptyContentDigest},
		},
	}

	v := verifier.New(fakeLoader{image: minimalBootImage()}, sm, store, true)
	res, err := v.VerifyBootTarget(ctx, "boot", 0, vbmeta, nil)
	if err != nil {
		t.Fatalf("VerifyBootTarget: %v", err)
	}
	if res.BootState != verifier.Green {
		t.Fatalf("expected Green, got %v", res.BootState)
	}
}

func TestLockedBootRedOnDescriptorMismatch(t *testing.T) {
	ctx := context.Background()
	block := &fakeBlock{buf: make([]byte, misc.SlotMetadataOffset+misc.SlotMetadataSize)}
	sm := slotmgr.New(block)
	sm.Init(ctx)
	store := devicestate.New(nil, fakeVars{}, devicestate.BuildUser, true)
	store.Init(ctx)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signed := []byte("vbmeta-payload")
	digest := sha256.Sum256(signed)
	sig, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	if err != nil {
		t.Fatal(err)
	}

	// A validly signed vbmeta whose descriptor digest has nothing to do
	// with the actual boot image content must not verify: the signature
	// alone proves the vbmeta blob is untampered, not that it vouches
	// for this partition.
	vbmeta := verifier.VBMeta{
		EmbeddedKey: &key.PublicKey,
		Signature:   sig,
		Signed:      signed,
		Descriptors: []verifier.PartitionDescriptor{
			{Partition: "boot", ExpectedDigest: sha256.Sum256([]byte("unrelated content"))},
		},
	}

	v := verifier.New(fakeLoader{image: minimalBootImage()}, sm, store, true)
	if _, err := v.VerifyBootTarget(ctx, "boot", 0, vbmeta, nil); err == nil {
		t.Fatal("expected verification failure for descriptor digest mismatch")
	}
}

func TestLockedBootRedOnBadSignature(t *testing.T) {
	ctx := context.Background()
	block := &fakeBlock{buf: make([]byte, misc.SlotMetadataOffset+misc.SlotMetadataSize)}
	sm := slotmgr.New(block)
	sm.Init(ctx)
	store := devicestate.New(nil, fakeVars{}, devicestate.BuildUser, true)
	store.Init(ctx)

	key, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	vbmeta := verifier.VBMeta{EmbeddedKey: &key.PublicKey, Signature: []byte("bogus"), Signed: []byte("x")}

	v := verifier.New(fakeLoader{image: minimalBootImage()}, sm, store, true)
	_, err := v.VerifyBootTarget(ctx, "boot", 0, vbmeta, nil)
	if err == nil {
		t.Fatal("expected verification failure for bad signature")
	}
}
