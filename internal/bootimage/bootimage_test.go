package bootimage_test

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/projectceladon/kernelflinger-go/internal/bootimage"
)

func TestBuildBootConfigTrailerChecksum(t *testing.T) {
	params := []byte("androidboot.foo=bar\n")
	out := bootimage.BuildBootConfigTrailer(nil, params)

	trailerStart := len(out) - (4 + 4 + len(bootimage.BootConfigMagic))
	gotParams := out[:trailerStart]
	trailer := out[trailerStart:]

	paramSize := binary.LittleEndian.Uint32(trailer[0:4])
	checksum := binary.LittleEndian.Uint32(trailer[4:8])
	magic := string(trailer[8:])

	if int(paramSize) != len(gotParams) {
		t.Fatalf("param_size = %d, want %d", paramSize, len(gotParams))
	}
	if checksum != crc32.ChecksumIEEE(gotParams) {
		t.Fatalf("checksum mismatch")
	}
	if magic != bootimage.BootConfigMagic {
		t.Fatalf("magic = %q, want %q", magic, bootimage.BootConfigMagic)
	}
	if !bytes.Equal(gotParams, params) {
		t.Fatalf("params mismatch: %q", gotParams)
	}
}

func TestBuildBootConfigTrailerExtendsExisting(t *testing.T) {
	first := bootimage.BuildBootConfigTrailer(nil, []byte("a=1\n"))
	second := bootimage.BuildBootConfigTrailer(first, []byte("b=2\n"))

	if !bytes.Contains(second, []byte("a=1\n")) || !bytes.Contains(second, []byte("b=2\n")) {
		t.Fatalf("expected both params present, got %q", second)
	}
}

func TestParseBootImageRejectsBadMagic(t *testing.T) {
	if _, err := bootimage.ParseBootImage([]byte("not-a-boot-image")); err == nil {
		t.Fatal("expected error for bad magic")
	}
}
