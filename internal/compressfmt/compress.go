package compressfmt

import (
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"errors"
	"io"

	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

// Decoder wraps the codec-specific reader for a detected Format, the same
// way the teacher's compress.go Decoder does, minus the CLI plumbing.
type Decoder struct {
	reader io.Reader
	closer io.Closer
}

// NewDecoder builds a Decoder for format f reading from r.
func NewDecoder(f Format, r io.Reader) (*Decoder, error) {
	d := &Decoder{}
	var err error
	switch f {
	case Xz:
		d.reader, err = xz.NewReader(r)
	case Lzma:
		d.reader, err = lzma.NewReader(r)
	case Bzip2:
		d.reader = bzip2.NewReader(r)
	case Lz4, Lz4Legacy:
		d.reader = lz4.NewReader(r)
	case Gzip:
		var gz *gzip.Reader
		gz, err = gzip.NewReader(r)
		if err == nil {
			d.reader = gz
			d.closer = gz
		}
	default:
		return nil, errors.New("compressfmt: unsupported format for decode")
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Decoder) Read(p []byte) (int, error) { return d.reader.Read(p) }

func (d *Decoder) Close() error {
	if d.closer != nil {
		return d.closer.Close()
	}
	return nil
}

// Decompress detects data's format and returns the decompressed bytes.
// Used by the bootimg-tool CLI and by BootImage's vendor-wrapper unwrap
// when a kernel/second stage turns out to be compressed.
func Decompress(data []byte) ([]byte, Format, error) {
	f := Check(data)
	if !Compressed(f) {
		return nil, f, errors.New("compressfmt: input is not a recognised compressed format")
	}
	dec, err := NewDecoder(f, bytes.NewReader(data))
	if err != nil {
		return nil, f, err
	}
	defer dec.Close()
	out, err := io.ReadAll(dec)
	if err != nil {
		return nil, f, err
	}
	return out, f, nil
}
