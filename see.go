// Package see runs RISC-V supervisor payloads under an emulated
// machine-mode firmware layer. It boots a payload image, services the
// SBI calls the payload makes, and keeps the machine running across
// reboot requests until the payload powers the platform off, stops its
// hart, or dies on a trap the firmware has no model for.
package see

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/tinyrange/see/internal/boot"
	"github.com/tinyrange/see/internal/hart/rv64"
	"github.com/tinyrange/see/internal/monitor"
	"github.com/tinyrange/see/internal/sbi"
)

// DefaultMemorySize is the RAM size used when Config.MemorySize is zero.
const DefaultMemorySize = 128 << 20

// Config describes a supervisor payload and the platform to run it on.
type Config struct {
	// Payload is the supervisor image. Gzip-compressed images are
	// expanded at load time.
	Payload []byte

	// DTB optionally replaces the generated device tree.
	DTB []byte

	// Bootargs is the kernel command line compiled into the generated
	// device tree. Ignored when DTB is set.
	Bootargs string

	// MemorySize is the platform RAM size in bytes. Zero selects
	// DefaultMemorySize.
	MemorySize uint64

	// HartID is reported to the payload in a0 at entry.
	HartID uint64

	// Console receives serial output from the payload. Nil discards it.
	Console io.Writer

	// Input feeds the payload's serial port. Nil runs without input.
	Input io.Reader

	// Diag receives the crash report when a session dies on an
	// unhandled trap. Nil discards it.
	Diag io.Writer
}

// Result describes how a run ended.
type Result struct {
	// Reason is how the final supervision session ended.
	Reason monitor.Reason

	// Sessions counts supervision sessions, reboots included.
	Sessions int
}

// serialConsole exposes the platform UART to the call table. Calls
// arrive on the machine's goroutine while the hart is parked, so no
// extra locking is needed beyond the UART's own.
type serialConsole struct {
	uart *rv64.UART
}

func (c serialConsole) PutChar(b byte)        { c.uart.WriteByte(b) }
func (c serialConsole) GetChar() (byte, bool) { return c.uart.ReadByte() }

// Run boots the payload and supervises it until it ends the run. A
// warm reboot starts a fresh session with RAM left as the payload had
// it; a cold reboot reloads the payload image first. A shutdown
// request, a hart stop, or a non-retentive suspend ends the run
// cleanly. An unhandled trap ends it with an error after the report is
// written to cfg.Diag.
func Run(ctx context.Context, cfg Config) (Result, error) {
	memSize := cfg.MemorySize
	if memSize == 0 {
		memSize = DefaultMemorySize
	}
	out := cfg.Console
	if out == nil {
		out = io.Discard
	}

	m := rv64.NewMachine(memSize, out, nil)
	table := sbi.NewTable(m, serialConsole{uart: m.UART}, m.Halt)

	if cfg.Input != nil {
		go pumpInput(ctx, m, cfg.Input)
	}

	var (
		res Result
		sup monitor.Supervisor
	)
	reload := true

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		if reload {
			var err error
			sup, err = boot.Load(m, boot.Options{
				Payload:  cfg.Payload,
				DTB:      cfg.DTB,
				Bootargs: cfg.Bootargs,
			})
			if err != nil {
				return res, err
			}
		}

		res.Sessions++
		mon := monitor.New(m, table, sup, cfg.HartID, cfg.Diag)
		reason, err := mon.Run(ctx)
		if err != nil {
			if errors.Is(err, rv64.ErrHalted) {
				res.Reason = monitor.ReasonShutdown
				return res, nil
			}
			if errors.Is(err, monitor.ErrUnhandledTrap) {
				m.Halt()
			}
			return res, err
		}

		res.Reason = reason
		switch reason {
		case monitor.ReasonColdReboot:
			slog.Debug("cold reboot", "session", res.Sessions)
			m.Reset()
			reload = true
		case monitor.ReasonWarmReboot:
			slog.Debug("warm reboot", "session", res.Sessions)
			m.Reset()
			reload = false
		default:
			return res, nil
		}
	}
}

// pumpInput moves host input onto the machine's serial queue until the
// reader or the context is done.
func pumpInput(ctx context.Context, m *rv64.Machine, in io.Reader) {
	buf := make([]byte, 256)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			if ctx.Err() != nil {
				return
			}
			if !m.QueueInput(buf[:n]) {
				slog.Debug("serial input overrun", "dropped", n)
			}
		}
		if err != nil {
			return
		}
	}
}
