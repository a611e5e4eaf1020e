package platform

import (
	"bufio"
	"os"
	"time"
)

// StdinConsole implements ConsoleInput over os.Stdin, the host-side
// stand-in for the firmware's SimpleTextInputEx protocol; the teacher
// has no interactive console concept at all (magiskboot is a batch
// CLI), so this follows the stdlib rather than an unattested pack
// dependency (see DESIGN.md).
type StdinConsole struct {
	reader *bufio.Reader
}

func NewStdinConsole() *StdinConsole {
	return &StdinConsole{reader: bufio.NewReader(os.Stdin)}
}

// PollKey waits up to timeoutMs for a single rune from stdin.
func (c *StdinConsole) PollKey(timeoutMs int) (rune, bool) {
	type result struct {
		r  rune
		ok bool
	}
	ch := make(chan result, 1)
	go func() {
		r, _, err := c.reader.ReadRune()
		if err != nil {
			ch <- result{}
			return
		}
		ch <- result{r: r, ok: true}
	}()

	select {
	case res := <-ch:
		return res.r, res.ok
	case <-time.After(time.Duration(timeoutMs) * time.Millisecond):
		return 0, false
	}
}
