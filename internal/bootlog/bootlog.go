// Package bootlog is the ambient logging surface for the boot core.
//
// The teacher (magiskboot) never reaches for a structured logging
// library: every diagnostic goes through the standard log package or
// fmt.Fprintf(os.Stderr, ...). The pack's only other repos that carry a
// production logger (canonical-snapd's logger package) were filtered out
// of the retrieval set, so this follows the corpus's kept texture rather
// than importing an unattested dependency. See DESIGN.md.
package bootlog

import (
	"fmt"
	"log"
	"os"

	"github.com/dustin/go-humanize"
)

// Logger is a thin leveled wrapper around the standard library logger,
// matching the teacher's terse, unconditional-output style.
type Logger struct {
	std *log.Logger
}

// New builds a Logger writing to os.Stderr with the given prefix.
func New(prefix string) *Logger {
	return &Logger{std: log.New(os.Stderr, prefix, log.Ltime|log.Lmicroseconds)}
}

// Default is the package-level logger used by code that has no Context yet.
var Default = New("kernelflinger: ")

func (l *Logger) Info(format string, args ...interface{}) {
	l.std.Printf("info: "+format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.std.Printf("warn: "+format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.std.Printf("error: "+format, args...)
}

// Fatal logs and exits the process. The boot core calls this for
// unrecoverable errors in cmd/kernelflinger's run() (no active slot,
// terminal verification failure, unparsable boot image) and on the
// handover path, after ExitBootServices, where spec.md section 7 says
// any error is fatal.
func (l *Logger) Fatal(format string, args ...interface{}) {
	l.std.Fatalf("fatal: "+format, args...)
}

// Size renders a byte count the way the teacher does in cpio's Format
// method (via go-humanize), for partition/image size diagnostics.
func Size(n uint64) string {
	return humanize.Bytes(n)
}

// Hex renders a short byte slice for compact log lines.
func Hex(b []byte) string {
	return fmt.Sprintf("%x", b)
}
