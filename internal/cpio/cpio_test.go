package cpio_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/projectceladon/kernelflinger-go/internal/cpio"
)

func TestDumpAndReload(t *testing.T) {
	dir := t.TempDir()
	readme := filepath.Join(dir, "README.md")
	if err := os.WriteFile(readme, []byte("hello ramdisk\n"), 0644); err != nil {
		t.Fatal(err)
	}

	a := cpio.New()
	a.Mkdir(0755, "test")
	if err := a.Add(0644, "test/README.md", readme); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	a.Ln("/foo/bar", "test/testlnk")

	out := filepath.Join(dir, "dump.cpio")
	if err := a.Dump(out); err != nil {
		t.Fatalf("Dump failed: %v", err)
	}

	b := cpio.New()
	if err := b.LoadFromFile(out); err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if !b.Exists("test/README.md") {
		t.Fatal("README.md missing after reload")
	}
	if got := string(b.Entries["test/README.md"].Data); got != "hello ramdisk\n" {
		t.Fatalf("content mismatch: %q", got)
	}
	if !b.Exists("test/testlnk") {
		t.Fatal("symlink missing after reload")
	}
}

func TestRmRecursive(t *testing.T) {
	a := cpio.New()
	a.Mkdir(0755, "lib")
	a.Mkdir(0755, "lib/modules")
	if err := a.Add(0644, "lib/modules/foo.ko", writeTemp(t, "ko")); err != nil {
		t.Fatal(err)
	}

	a.Rm("lib", true)
	if a.Exists("lib") || a.Exists("lib/modules") || a.Exists("lib/modules/foo.ko") {
		t.Fatal("entries survived recursive Rm")
	}
}

func TestMv(t *testing.T) {
	a := cpio.New()
	a.Mkdir(0755, "old")
	a.Mv("old", "new")
	if a.Exists("old") {
		t.Fatal("old path still present after Mv")
	}
	if !a.Exists("new") {
		t.Fatal("new path missing after Mv")
	}
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(f, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return f
}
