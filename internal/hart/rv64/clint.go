package rv64

import (
	"sync/atomic"
	"time"

	"github.com/tinyrange/see/internal/hart"
)

// CLINT register offsets
const (
	CLINTMsip     = 0x0000 // Machine Software Interrupt Pending (per hart)
	CLINTMtimecmp = 0x4000 // Machine Timer Compare (per hart)
	CLINTMtime    = 0xbff8 // Machine Time
)

// wallClock derives mtime from host time at a fixed rate.
type wallClock struct {
	start     time.Time
	nsPerTick uint64
}

func (w *wallClock) Now() uint64 {
	return uint64(time.Since(w.start).Nanoseconds()) / w.nsPerTick
}

// CLINT implements the core-local interruptor. It owns the platform
// time source; mtime reads and the timer comparator both go through it.
type CLINT struct {
	cpu   *CPU
	clock Clock

	msip     uint32
	mtimecmp uint64
}

// NewCLINT creates a CLINT. A nil clock means host time at 10 MHz.
func NewCLINT(cpu *CPU, clock Clock) *CLINT {
	if clock == nil {
		clock = &wallClock{start: time.Now(), nsPerTick: 100}
	}
	return &CLINT{
		cpu:      cpu,
		clock:    clock,
		mtimecmp: ^uint64(0), // no timer armed
	}
}

// Now returns the current mtime value. CLINT itself satisfies Clock so
// the CPU's time CSR reads the same counter the comparator uses.
func (c *CLINT) Now() uint64 {
	return c.clock.Now()
}

// Size implements Device
func (c *CLINT) Size() uint64 {
	return CLINTSize
}

// Read implements Device
func (c *CLINT) Read(offset uint64, size int) (uint64, error) {
	switch {
	case offset >= CLINTMsip && offset < CLINTMsip+4:
		return uint64(atomic.LoadUint32(&c.msip)), nil

	case offset >= CLINTMtimecmp && offset < CLINTMtimecmp+8:
		return c.mtimecmp, nil

	case offset >= CLINTMtime && offset < CLINTMtime+8:
		return c.Now(), nil
	}

	return 0, nil
}

// Write implements Device
func (c *CLINT) Write(offset uint64, size int, value uint64) error {
	switch {
	case offset >= CLINTMsip && offset < CLINTMsip+4:
		c.SetMSIP(value&1 != 0)

	case offset >= CLINTMtimecmp && offset < CLINTMtimecmp+8:
		cmp := value
		if size == 4 {
			if offset == CLINTMtimecmp {
				cmp = (c.mtimecmp &^ 0xffffffff) | (value & 0xffffffff)
			} else {
				cmp = (c.mtimecmp &^ 0xffffffff00000000) | ((value & 0xffffffff) << 32)
			}
		}
		c.SetTimecmp(cmp)
	}

	return nil
}

// SetMSIP sets or clears the machine software interrupt.
func (c *CLINT) SetMSIP(pending bool) {
	if pending {
		atomic.StoreUint32(&c.msip, 1)
		c.cpu.Mip |= hart.MipMSIP
	} else {
		atomic.StoreUint32(&c.msip, 0)
		c.cpu.Mip &^= hart.MipMSIP
	}
}

// SetTimecmp programs the timer comparator. Moving the comparator into
// the future drops a pending machine timer interrupt.
func (c *CLINT) SetTimecmp(cmp uint64) {
	c.mtimecmp = cmp
	if cmp > c.Now() {
		c.cpu.Mip &^= hart.MipMTIP
	} else {
		c.cpu.Mip |= hart.MipMTIP
	}
}

// Timecmp returns the current comparator value.
func (c *CLINT) Timecmp() uint64 {
	return c.mtimecmp
}

// Tick raises the machine timer interrupt once mtime passes the
// comparator. Called from the machine run loop.
func (c *CLINT) Tick() {
	if c.Now() >= c.mtimecmp {
		c.cpu.Mip |= hart.MipMTIP
	}
}

var _ Device = (*CLINT)(nil)
var _ Clock = (*CLINT)(nil)
