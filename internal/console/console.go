// Package console adapts host terminals and in-process screen capture
// to the platform serial port.
package console

import (
	"bytes"
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
	"github.com/charmbracelet/x/vt"
)

// Recorder captures guest serial output twice over: the raw byte
// stream, and a terminal emulator screen the stream is rendered into.
// Tests and headless runs read back whichever view suits them.
type Recorder struct {
	emu *vt.SafeEmulator

	mu  sync.Mutex
	raw bytes.Buffer
}

// NewRecorder builds a recorder with the given screen geometry.
// Non-positive dimensions fall back to 80x24.
func NewRecorder(cols, rows int) *Recorder {
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	return &Recorder{emu: vt.NewSafeEmulator(cols, rows)}
}

// Write feeds guest output to the capture and the screen.
func (r *Recorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	r.raw.Write(p)
	r.mu.Unlock()
	return r.emu.Write(p)
}

// Raw returns a copy of every byte written so far, escape sequences
// included.
func (r *Recorder) Raw() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return bytes.Clone(r.raw.Bytes())
}

// Plain returns the captured stream with escape sequences stripped.
func (r *Recorder) Plain() string {
	return ansi.Strip(string(r.Raw()))
}

// Lines returns the rendered screen, one string per row, trailing
// blanks trimmed.
func (r *Recorder) Lines() []string {
	cols, rows := r.emu.Width(), r.emu.Height()
	lines := make([]string, rows)
	for y := 0; y < rows; y++ {
		var sb strings.Builder
		for x := 0; x < cols; {
			cell := r.emu.CellAt(x, y)
			if cell == nil {
				sb.WriteByte(' ')
				x++
				continue
			}
			if cell.Content == "" {
				sb.WriteByte(' ')
			} else {
				sb.WriteString(cell.Content)
			}
			if cell.Width > 1 {
				x += cell.Width
			} else {
				x++
			}
		}
		lines[y] = strings.TrimRight(sb.String(), " ")
	}
	return lines
}

// Screen returns the rendered screen as one string, trailing empty
// rows removed.
func (r *Recorder) Screen() string {
	lines := r.Lines()
	end := len(lines)
	for end > 0 && lines[end-1] == "" {
		end--
	}
	return strings.Join(lines[:end], "\n")
}

// Resize adjusts the emulated screen to a new host geometry.
func (r *Recorder) Resize(cols, rows int) {
	if cols <= 0 || rows <= 0 {
		return
	}
	r.emu.Resize(cols, rows)
}

// Close releases the screen emulator.
func (r *Recorder) Close() error {
	return r.emu.Close()
}
