// Command bootimg-tool is a diagnostic CLI for inspecting boot/vendor_boot
// images and their ramdisk cpio archives outside of a live boot, adapted
// from the teacher's magiskboot.go command dispatch.
package main

import (
	"crypto/sha1"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/projectceladon/kernelflinger-go/internal/bootimage"
	"github.com/projectceladon/kernelflinger-go/internal/compressfmt"
	"github.com/projectceladon/kernelflinger-go/internal/cpio"
)

func usage() {
	fmt.Fprintf(os.Stderr, `bootimg-tool - boot image inspection tool

Usage: %s <action> [args...]

Supported actions:
  info <bootimg>
    Parse <bootimg> and print its header fields, cmdline and
    compression format of each section.

  sha1 <file>
    Print the SHA1 checksum for <file>.

  decompress <infile> [outfile]
    Detect compression format and decompress <infile> to [outfile]
    ('-' for stdout).

  unpack-ramdisk <bootimg> <outdir>
    Extract the boot image's ramdisk cpio archive to
    <outdir>/ramdisk.cpio and list its entries.

  cpio <archive.cpio> <command> [args...]
    Run a single cpio command (ls, rm, mkdir, mv) against <archive.cpio>
    in place.
`, os.Args[0])
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	action := strings.TrimLeft(os.Args[1], "-")

	switch action {
	case "sha1":
		requireArgs(2)
		cmdSha1(os.Args[2])
	case "info":
		requireArgs(2)
		cmdInfo(os.Args[2])
	case "decompress":
		requireArgs(2)
		out := ""
		if len(os.Args) > 3 {
			out = os.Args[3]
		}
		cmdDecompress(os.Args[2], out)
	case "unpack-ramdisk":
		requireArgs(3)
		cmdUnpackRamdisk(os.Args[2], os.Args[3])
	case "cpio":
		requireArgs(3)
		var rest []string
		if len(os.Args) > 4 {
			rest = os.Args[4:]
		}
		cmdCpio(os.Args[2], os.Args[3], rest)
	default:
		usage()
	}
}

func requireArgs(n int) {
	if len(os.Args) <= n {
		usage()
	}
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func cmdSha1(path string) {
	fd, err := os.Open(path)
	if err != nil {
		fatalf("%v", err)
	}
	defer fd.Close()

	h := sha1.New()
	if _, err := io.Copy(h, fd); err != nil {
		fatalf("%v", err)
	}
	fmt.Printf("%x\n", h.Sum(nil))
}

func cmdInfo(path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		fatalf("%v", err)
	}

	img, err := bootimage.ParseBootImage(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "not a recognised boot image: %v\n", err)
		os.Exit(2)
	}

	fmt.Printf("HEADER_VER      [%d]\n", img.HeaderVersion)
	fmt.Printf("KERNEL_SZ       [%d]\n", len(img.Kernel))
	fmt.Printf("RAMDISK_SZ      [%d]\n", len(img.Ramdisk))
	fmt.Printf("SECOND_SZ       [%d]\n", len(img.Second))
	fmt.Printf("PAGESIZE        [%d]\n", img.PageSize)
	fmt.Printf("CMDLINE         [%s]\n", img.Cmdline)
	if len(img.ExtraCmdline) > 0 {
		fmt.Printf("EXTRA_CMDLINE   [%s]\n", img.ExtraCmdline)
	}

	fmt.Printf("KERNEL_FMT      [%s]\n", compressfmt.Check(img.Kernel))
	if len(img.Ramdisk) > 0 {
		fmt.Printf("RAMDISK_FMT     [%s]\n", compressfmt.Check(img.Ramdisk))
	}
}

func cmdDecompress(in, out string) {
	raw, err := os.ReadFile(in)
	if err != nil {
		fatalf("%v", err)
	}

	plain, _, err := compressfmt.Decompress(raw)
	if err != nil {
		fatalf("%v", err)
	}

	if out == "" || out == "-" {
		os.Stdout.Write(plain)
		return
	}
	if err := os.WriteFile(out, plain, 0644); err != nil {
		fatalf("%v", err)
	}
}

func cmdUnpackRamdisk(bootimgPath, outDir string) {
	raw, err := os.ReadFile(bootimgPath)
	if err != nil {
		fatalf("%v", err)
	}
	img, err := bootimage.ParseBootImage(raw)
	if err != nil {
		fatalf("%v", err)
	}

	ramdisk := img.Ramdisk
	if format := compressfmt.Check(ramdisk); compressfmt.Compressed(format) {
		ramdisk, _, err = compressfmt.Decompress(ramdisk)
		if err != nil {
			fatalf("decompressing ramdisk: %v", err)
		}
	}

	if err := os.MkdirAll(outDir, 0755); err != nil {
		fatalf("%v", err)
	}
	cpioPath := outDir + "/ramdisk.cpio"
	if err := os.WriteFile(cpioPath, ramdisk, 0644); err != nil {
		fatalf("%v", err)
	}

	archive := cpio.New()
	if err := archive.LoadFromData(ramdisk); err != nil {
		fatalf("parsing cpio: %v", err)
	}
	archive.Ls(os.Stdout, "", true)
}

func cmdCpio(archivePath, command string, args []string) {
	archive := cpio.New()
	if err := archive.LoadFromFile(archivePath); err != nil {
		fatalf("%v", err)
	}

	switch command {
	case "ls":
		archive.Ls(os.Stdout, "", true)
		return
	case "rm":
		if len(args) < 1 {
			usage()
		}
		recursive := len(args) > 1 && args[0] == "-r"
		path := args[0]
		if recursive {
			path = args[1]
		}
		archive.Rm(path, recursive)
	case "mkdir":
		if len(args) < 1 {
			usage()
		}
		archive.Mkdir(0755, args[0])
	case "mv":
		if len(args) < 2 {
			usage()
		}
		archive.Mv(args[0], args[1])
	default:
		usage()
	}

	if err := archive.Dump(archivePath); err != nil {
		fatalf("%v", err)
	}
}
