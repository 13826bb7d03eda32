package console

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/term"
)

// ErrNotATerminal is returned when interactive mode is requested on a
// descriptor that is not a terminal.
var ErrNotATerminal = errors.New("console: not a terminal")

// Interactive is a host terminal in raw mode, wired straight through
// to the guest serial port. Callers must Restore before the process
// exits, even on error paths.
type Interactive struct {
	in   *os.File
	out  *os.File
	prev *term.State
}

// NewInteractive switches the input terminal to raw mode.
func NewInteractive(in, out *os.File) (*Interactive, error) {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return nil, ErrNotATerminal
	}
	prev, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("enter raw mode: %w", err)
	}
	return &Interactive{in: in, out: out, prev: prev}, nil
}

// Restore puts the terminal back the way it was.
func (i *Interactive) Restore() error {
	return term.Restore(int(i.in.Fd()), i.prev)
}

// Read pulls keyboard input for the guest.
func (i *Interactive) Read(p []byte) (int, error) {
	return i.in.Read(p)
}

// Write pushes guest output to the host terminal.
func (i *Interactive) Write(p []byte) (int, error) {
	return i.out.Write(p)
}

// Size reports the host terminal grid.
func (i *Interactive) Size() (cols, rows int, err error) {
	return term.GetSize(int(i.in.Fd()))
}
