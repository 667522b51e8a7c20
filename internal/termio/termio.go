// Package termio serializes terminal output and keeps a single rewritable
// status line on interactive terminals.
package termio

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Console writes command output and a status line to one terminal. Plain
// lines scroll above the status line, which is redrawn after them.
type Console struct {
	mu     sync.Mutex
	w      io.Writer
	tty    bool
	status string
}

// NewConsole wraps w. Status lines are only drawn when tty is set.
func NewConsole(w io.Writer, tty bool) *Console {
	return &Console{w: w, tty: tty}
}

// Stderr returns a console on standard error.
func Stderr() *Console {
	return NewConsole(os.Stderr, IsTTY(os.Stderr))
}

// Println writes a line above the status line.
func (c *Console) Println(a ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
	fmt.Fprintln(c.w, a...)
	c.drawLocked()
}

// Printf formats a line above the status line.
func (c *Console) Printf(format string, a ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
	fmt.Fprintf(c.w, format, a...)
	c.drawLocked()
}

// Status replaces the status line. It is a no-op on non-terminals.
func (c *Console) Status(s string) {
	if !c.tty {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = s
	c.clearLocked()
	c.drawLocked()
}

// Done removes the status line.
func (c *Console) Done() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
	c.status = ""
}

func (c *Console) clearLocked() {
	if c.tty && c.status != "" {
		fmt.Fprint(c.w, "\r\033[K")
	}
}

func (c *Console) drawLocked() {
	if c.tty && c.status != "" {
		fmt.Fprint(c.w, c.status)
	}
}

// IsTTY reports whether f is a character device.
func IsTTY(f *os.File) bool {
	if f == nil {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
