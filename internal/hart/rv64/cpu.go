// Package rv64 emulates an RV64GC hart and the platform around it: a
// physical memory bus, a core-local interruptor, a platform interrupt
// controller and a 16550 UART. Unlike a self-contained system emulator
// it has no firmware of its own — traps that target machine mode latch
// into the machine CSRs and suspend execution, handing the hart back to
// the Go side (see the parent package's Hart interface).
package rv64

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/see/internal/hart"
)

// Physical memory layout.
const (
	RAMBase   uint64 = 0x8000_0000
	CLINTBase uint64 = 0x0200_0000
	CLINTSize uint64 = 0x000c_0000
	PLICBase  uint64 = 0x0c00_0000
	PLICSize  uint64 = 0x0400_0000
	UARTBase  uint64 = 0x1000_0000
	UARTSize  uint64 = 0x0000_1000
)

// ISA extension bits for misa.
const (
	misaA uint64 = 1 << 0
	misaC uint64 = 1 << 2
	misaD uint64 = 1 << 3
	misaF uint64 = 1 << 5
	misaI uint64 = 1 << 8
	misaM uint64 = 1 << 12
	misaS uint64 = 1 << 18
	misaU uint64 = 1 << 20

	misaMXL64 uint64 = 2 << 62
)

// Clock is the free-running counter behind the time CSR. The CLINT
// provides it.
type Clock interface {
	Now() uint64
}

// CPU is the architectural state of one RV64GC hart.
type CPU struct {
	// Integer registers x0-x31.
	X [32]uint64

	// Floating point registers f0-f31.
	F [32]uint64

	PC   uint64
	Priv uint8

	Cycle   uint64
	Instret uint64

	// Machine CSRs.
	Mstatus    uint64
	Misa       uint64
	Medeleg    uint64
	Mideleg    uint64
	Mie        uint64
	Mtvec      uint64
	Mcounteren uint64
	Mscratch   uint64
	Mepc       uint64
	Mcause     uint64
	Mtval      uint64
	Mip        uint64
	Mhartid    uint64

	// Supervisor CSRs. sstatus/sie/sip are views of the machine
	// registers and have no storage of their own.
	Stvec      uint64
	Scounteren uint64
	Sscratch   uint64
	Sepc       uint64
	Scause     uint64
	Stval      uint64
	Satp       uint64

	// Floating point CSRs.
	Fflags uint8
	Frm    uint8

	// Reservation for LR/SC.
	Reservation      uint64
	ReservationValid bool

	Bus   BusInterface
	Clock Clock

	// FlushVMA drops cached address translations. Installed by the
	// machine once the MMU exists; nil means no TLB to maintain.
	FlushVMA func(vaddr uint64, asid uint16, all bool)

	// WFI parks the hart until an interrupt pends.
	WFI bool

	// trapped is set when a trap has latched into the machine CSRs
	// and the hart is waiting for machine-mode software.
	trapped bool
}

// NewCPU creates a hart in machine mode at the start of RAM.
func NewCPU(bus BusInterface) *CPU {
	return &CPU{
		Bus:  bus,
		Priv: hart.PrivMachine,
		Misa: misaMXL64 | misaI | misaM | misaA | misaF | misaD | misaC | misaS | misaU,
		PC:   RAMBase,
	}
}

// Reset returns the hart to its power-on state. Memory is untouched.
func (cpu *CPU) Reset() {
	for i := range cpu.X {
		cpu.X[i] = 0
	}
	for i := range cpu.F {
		cpu.F[i] = 0
	}
	cpu.PC = RAMBase
	cpu.Priv = hart.PrivMachine
	cpu.Cycle = 0
	cpu.Instret = 0
	cpu.Mstatus = 0
	cpu.Medeleg = 0
	cpu.Mideleg = 0
	cpu.Mie = 0
	cpu.Mtvec = 0
	cpu.Mcounteren = 0
	cpu.Mscratch = 0
	cpu.Mepc = 0
	cpu.Mcause = 0
	cpu.Mtval = 0
	cpu.Mip = 0
	cpu.Stvec = 0
	cpu.Scounteren = 0
	cpu.Sscratch = 0
	cpu.Sepc = 0
	cpu.Scause = 0
	cpu.Stval = 0
	cpu.Satp = 0
	cpu.Fflags = 0
	cpu.Frm = 0
	cpu.WFI = false
	cpu.trapped = false
	cpu.ReservationValid = false
}

// ReadReg reads an integer register. x0 always reads zero.
func (cpu *CPU) ReadReg(reg uint32) uint64 {
	if reg == 0 {
		return 0
	}
	return cpu.X[reg]
}

// WriteReg writes an integer register. Writes to x0 are dropped.
func (cpu *CPU) WriteReg(reg uint32, val uint64) {
	if reg != 0 {
		cpu.X[reg] = val
	}
}

func (cpu *CPU) now() uint64 {
	if cpu.Clock != nil {
		return cpu.Clock.Now()
	}
	return cpu.Cycle
}

var cpuEndian = binary.LittleEndian

// signExtend sign-extends a value from 'bits' bits to 64 bits.
func signExtend(val uint64, bits int) int64 {
	shift := 64 - bits
	return int64(val<<shift) >> shift
}

func signExtend32(val uint32) int64 {
	return int64(int32(val))
}

// ExceptionError carries a synchronous exception out of the executor
// so the step loop can latch it.
type ExceptionError struct {
	Cause hart.Cause
	Tval  uint64
}

func (e ExceptionError) Error() string {
	return fmt.Sprintf("%s tval=%#x", e.Cause, e.Tval)
}

// Exception creates an exception with the given cause and tval.
func Exception(cause hart.Cause, tval uint64) error {
	return ExceptionError{Cause: cause, Tval: tval}
}
