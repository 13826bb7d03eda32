// Package sbi implements the call table of a Supervisor Binary
// Interface: the extension and function numbering, error codes, and the
// handlers behind each call. The trap runtime decodes a supervisor
// ecall and resolves it through Table.Call; everything here runs in
// machine context while the hart is parked.
package sbi

import (
	"github.com/tinyrange/see/internal/hart"
)

// Ret is the (status, value) pair every call returns. Error goes back
// to the supervisor in a0 and Value in a1. Legacy extensions predate
// the pair convention and deliver their whole result through the
// status slot.
type Ret struct {
	Error uint64
	Value uint64
}

// Standard status codes. The negative codes are returned
// two's-complement in a0.
const (
	RetSuccess             uint64 = 0
	RetErrFailed                  = ^uint64(0)     // -1
	RetErrNotSupported            = ^uint64(0) - 1 // -2
	RetErrInvalidParam            = ^uint64(0) - 2 // -3
	RetErrDenied                  = ^uint64(0) - 3 // -4
	RetErrInvalidAddress          = ^uint64(0) - 4 // -5
	RetErrAlreadyAvailable        = ^uint64(0) - 5 // -6
)

// Extension ids. The modern extensions use their ASCII names.
const (
	ExtLegacyPutchar uint64 = 0x01
	ExtLegacyGetchar uint64 = 0x02
	ExtBase          uint64 = 0x10
	ExtTime          uint64 = 0x54494D45 // "TIME"
	ExtIPI           uint64 = 0x735049   // "sPI"
	ExtRfence        uint64 = 0x52464E43 // "RFNC"
	ExtHSM           uint64 = 0x48534D   // "HSM"
	ExtSRST          uint64 = 0x53525354 // "SRST"
)

// Console is the character device behind the legacy console calls.
type Console interface {
	// PutChar transmits one byte.
	PutChar(b byte)
	// GetChar returns one received byte; ok is false when none is
	// buffered.
	GetChar() (byte, bool)
}

// Table resolves SBI calls against one hart. It owns no state beyond
// the hooks it is built with; hart-visible effects go through the hart
// interface so they stay coherent with the trap runtime.
type Table struct {
	hart    hart.Hart
	console Console

	// shutdown powers the platform off. Invoked by a system reset of
	// the shutdown type; the call itself still returns success, the
	// platform just never resumes.
	shutdown func()
}

// NewTable creates a call table for a hart. console and shutdown may be
// nil; the corresponding calls then report failure or do nothing.
func NewTable(h hart.Hart, console Console, shutdown func()) *Table {
	return &Table{
		hart:     h,
		console:  console,
		shutdown: shutdown,
	}
}

// Call resolves one SBI call. eid and fid come from a7 and a6, args
// from a0 through a5. Unknown extensions and functions report
// RetErrNotSupported; Call itself never fails.
func (t *Table) Call(eid, fid uint64, args [6]uint64) Ret {
	switch eid {
	case ExtBase:
		return t.base(fid, args)
	case ExtTime:
		return t.time(fid, args)
	case ExtIPI:
		return t.ipi(fid, args)
	case ExtRfence:
		return t.rfence(fid, args)
	case ExtHSM:
		return t.hsm(fid, args)
	case ExtSRST:
		return t.reset(fid, args)
	case ExtLegacyPutchar:
		if t.console != nil {
			t.console.PutChar(byte(args[0]))
		}
		return Ret{}
	case ExtLegacyGetchar:
		if t.console != nil {
			if b, ok := t.console.GetChar(); ok {
				return Ret{Error: uint64(b)}
			}
		}
		return Ret{Error: RetErrFailed} // -1: no character
	default:
		return Ret{Error: RetErrNotSupported}
	}
}

// probed reports whether an extension id resolves to a handler.
func (t *Table) probed(eid uint64) bool {
	switch eid {
	case ExtBase, ExtTime, ExtIPI, ExtRfence, ExtHSM, ExtSRST,
		ExtLegacyPutchar, ExtLegacyGetchar:
		return true
	default:
		return false
	}
}

// ExtName returns a readable name for an extension id.
func ExtName(eid uint64) string {
	switch eid {
	case ExtLegacyPutchar:
		return "legacy-putchar"
	case ExtLegacyGetchar:
		return "legacy-getchar"
	case ExtBase:
		return "base"
	case ExtTime:
		return "time"
	case ExtIPI:
		return "ipi"
	case ExtRfence:
		return "rfence"
	case ExtHSM:
		return "hsm"
	case ExtSRST:
		return "srst"
	default:
		return "unknown"
	}
}
