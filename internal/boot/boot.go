// Package boot places a supervisor image and its device tree in
// platform memory and produces the descriptor a supervision session
// starts from.
package boot

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/see/internal/hart/rv64"
	"github.com/tinyrange/see/internal/monitor"
	"golang.org/x/term"
)

// Load layout. The payload lands at the standard RISC-V supervisor
// load offset; the device tree goes well above it and must stay clear
// of the machine stack reserve at the top of RAM.
const (
	PayloadOffset = 0x200000
	DTBOffset     = 0x2000000
)

// progressThreshold is the copy size above which placement reports
// progress.
const progressThreshold = 4 << 20

var (
	ErrEmptyPayload  = errors.New("boot: empty payload image")
	ErrPayloadTooBig = errors.New("boot: payload overlaps the device tree slot")
	ErrBadDTB        = errors.New("boot: device tree blob rejected")
)

// Options selects what to stage. A nil DTB generates one from the live
// platform layout and Bootargs; a supplied DTB is placed verbatim and
// Bootargs is ignored.
type Options struct {
	// Payload is the supervisor image. A gzip stream is expanded
	// before placement.
	Payload []byte
	// DTB is a prebuilt device tree blob.
	DTB []byte
	// Bootargs is the command line compiled into a generated tree.
	Bootargs string
}

// Load stages one supervision session: payload at its load offset,
// device tree above it, entry descriptor pointing at both.
func Load(m *rv64.Machine, opts Options) (monitor.Supervisor, error) {
	if m.MemorySize() < DTBOffset+rv64.MachineStackReserve {
		return monitor.Supervisor{}, fmt.Errorf("boot: %d bytes of memory cannot hold the boot layout", m.MemorySize())
	}

	payload, err := decompress(opts.Payload)
	if err != nil {
		return monitor.Supervisor{}, err
	}
	if len(payload) == 0 {
		return monitor.Supervisor{}, ErrEmptyPayload
	}
	if PayloadOffset+uint64(len(payload)) > DTBOffset {
		return monitor.Supervisor{}, fmt.Errorf("%w: %d bytes", ErrPayloadTooBig, len(payload))
	}

	dtb := opts.DTB
	if len(dtb) == 0 {
		dtb = rv64.GenerateFDT(m, opts.Bootargs)
	} else if err := validateDTB(dtb); err != nil {
		return monitor.Supervisor{}, err
	}
	if DTBOffset+uint64(len(dtb)) > m.MemorySize()-rv64.MachineStackReserve {
		return monitor.Supervisor{}, fmt.Errorf("boot: device tree of %d bytes does not fit below the machine stack", len(dtb))
	}

	if err := place(m, PayloadOffset, payload, "load supervisor"); err != nil {
		return monitor.Supervisor{}, fmt.Errorf("place payload: %w", err)
	}
	if err := place(m, DTBOffset, dtb, "load device tree"); err != nil {
		return monitor.Supervisor{}, fmt.Errorf("place device tree: %w", err)
	}

	sup := monitor.Supervisor{
		Entry:  m.MemoryBase() + PayloadOffset,
		Opaque: m.MemoryBase() + DTBOffset,
	}
	slog.Debug("supervisor staged",
		"entry", fmt.Sprintf("%#x", sup.Entry),
		"dtb", fmt.Sprintf("%#x", sup.Opaque),
		"payload_bytes", len(payload),
		"dtb_bytes", len(dtb))
	return sup, nil
}

// decompress expands a gzip payload image; anything else passes
// through untouched.
func decompress(img []byte) ([]byte, error) {
	if len(img) < 2 || img[0] != 0x1f || img[1] != 0x8b {
		return img, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(img))
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	return out, nil
}

func validateDTB(dtb []byte) error {
	if len(dtb) < 8 {
		return fmt.Errorf("%w: %d bytes is too short for a header", ErrBadDTB, len(dtb))
	}
	if magic := binary.BigEndian.Uint32(dtb); magic != rv64.FDTMagic {
		return fmt.Errorf("%w: magic %#x", ErrBadDTB, magic)
	}
	if size := binary.BigEndian.Uint32(dtb[4:]); uint64(size) > uint64(len(dtb)) {
		return fmt.Errorf("%w: header claims %d bytes, have %d", ErrBadDTB, size, len(dtb))
	}
	return nil
}

func place(m *rv64.Machine, offset uint64, data []byte, title string) error {
	addr := m.MemoryBase() + offset
	if len(data) < progressThreshold {
		return m.LoadBytes(addr, data)
	}

	bar := newBar(int64(len(data)), title)
	defer bar.Close()

	dst := io.NewOffsetWriter(m, int64(addr))
	_, err := io.Copy(io.MultiWriter(dst, bar), bytes.NewReader(data))
	return err
}

// newBar builds a byte progress bar, silent when stderr is not a
// terminal.
func newBar(n int64, title string) *progressbar.ProgressBar {
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return progressbar.DefaultBytes(n, title)
	}
	return progressbar.DefaultBytesSilent(n, title)
}
