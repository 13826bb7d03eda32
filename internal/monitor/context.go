// Package monitor implements the machine-mode half of a supervisor
// binary interface: it boots a supervisor payload on a hart, intercepts
// every trap the payload takes, and services, emulates or forwards each
// one. The hart itself is reached only through the hart.Hart interface,
// so the same loop drives emulated and scripted register banks alike.
package monitor

import (
	"github.com/tinyrange/see/internal/hart"
)

// Supervisor describes the payload to run: its entry point and the
// opaque word handed to it untouched in a1. Produced by the boot stage,
// consumed once to seed a session's context.
type Supervisor struct {
	Entry  uint64
	Opaque uint64
}

// Context is the saved machine-side view of a supervisor execution.
// The layout mirrors the register frame the switch primitive pivots
// through: the machine stack pointer, x1 through x31 in architectural
// order, then mstatus and mepc. The zero register is never saved.
type Context struct {
	// MSP holds the machine-mode stack pointer while supervisor code
	// runs.
	MSP uint64

	// X holds x1 through x31. X[1] (the stack pointer) travels through
	// the scratch-slot pivot rather than the plain register moves, but
	// lives in the frame like every other register.
	X [31]uint64

	Mstatus uint64
	Mepc    uint64
}

// Reg returns saved register n. Register 0 reads as zero.
func (c *Context) Reg(n int) uint64 {
	if n <= 0 {
		return 0
	}
	return c.X[n-1]
}

// SetReg writes saved register n. Writes to register 0 are ignored.
func (c *Context) SetReg(n int, val uint64) {
	if n > 0 {
		c.X[n-1] = val
	}
}

// Arg returns argument register i, i.e. a0 through a7.
func (c *Context) Arg(i int) uint64 {
	return c.Reg(10 + i)
}

// SetArg writes argument register i.
func (c *Context) SetArg(i int, val uint64) {
	c.SetReg(10+i, val)
}

// newContext seeds a context for a fresh supervision session. The
// status snapshot must be taken after the target privilege and
// interrupt enables are configured, so this runs mid-setup rather than
// at construction time. The payload receives its hart id in a0 and the
// opaque word in a1.
func newContext(h hart.Hart, sup Supervisor, hartID uint64) *Context {
	ctx := &Context{
		Mstatus: h.ReadCSR(hart.CSRMstatus),
		Mepc:    sup.Entry,
	}
	ctx.SetArg(0, hartID)
	ctx.SetArg(1, sup.Opaque)
	return ctx
}
