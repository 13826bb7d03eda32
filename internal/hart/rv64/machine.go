package rv64

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync/atomic"

	"github.com/tinyrange/see/internal/hart"
)

// ErrHalted is returned once the machine has been halted for good.
var ErrHalted = errors.New("machine halted")

// MachineStackReserve is the amount of RAM at the very top of memory
// set aside for the machine-mode runtime's stack and context frame.
// The boot loader keeps payload and device tree below it.
const MachineStackReserve = 64 * 1024

// stepBatch is how many instructions run between context checks.
const stepBatch = 4096

// Machine is a complete RV64GC platform: one hart, RAM, a CLINT, a PLIC
// and a UART. It has no resident machine-mode firmware; traps that
// target machine mode latch into the CSRs and Run returns, leaving the
// hart parked until the embedding runtime resumes it.
type Machine struct {
	CPU   *CPU
	Bus   *Bus
	MMU   *MMU
	CLINT *CLINT
	PLIC  *PLIC
	UART  *UART

	halted atomic.Bool

	// input carries serial input from other goroutines; Run drains it
	// between batches so device and interrupt state are only touched
	// from the machine's goroutine.
	input chan []byte
}

// NewMachine creates a machine with the given amount of RAM. Serial
// output goes to output. A nil clock selects host time.
func NewMachine(ramSize uint64, output io.Writer, clock Clock) *Machine {
	bus := NewBus(ramSize)

	cpu := NewCPU(bus)
	mmu := NewMMU(cpu)
	clint := NewCLINT(cpu, clock)
	plic := NewPLIC(cpu)
	uart := NewUART(output)

	cpu.Clock = clint
	cpu.FlushVMA = func(vaddr uint64, asid uint16, all bool) {
		if all {
			mmu.FlushTLB()
		} else {
			mmu.FlushTLBEntry(vaddr, asid)
		}
	}
	uart.OnInterrupt = func(pending bool) {
		plic.SetPending(IRQUart, pending)
	}

	bus.AddDevice(CLINTBase, clint)
	bus.AddDevice(PLICBase, plic)
	bus.AddDevice(UARTBase, uart)

	m := &Machine{
		CPU:   cpu,
		Bus:   bus,
		MMU:   mmu,
		CLINT: clint,
		PLIC:  plic,
		UART:  uart,
		input: make(chan []byte, 64),
	}
	m.seedStack()
	return m
}

// seedStack points x2 at the top of RAM, where the machine-mode stack
// lives.
func (m *Machine) seedStack() {
	m.CPU.WriteReg(2, m.Bus.RAMBase+m.Bus.RAM.Size())
}

// Reset returns the hart and timer to their power-on state. RAM keeps
// its contents.
func (m *Machine) Reset() {
	m.CPU.Reset()
	m.MMU.FlushTLB()
	m.CLINT.SetTimecmp(^uint64(0))
	m.halted.Store(false)
	m.seedStack()
}

// LoadBytes loads data into memory at the given physical address
func (m *Machine) LoadBytes(addr uint64, data []byte) error {
	return m.Bus.LoadBytes(addr, data)
}

// MemoryBase returns the base address of RAM
func (m *Machine) MemoryBase() uint64 {
	return m.Bus.RAMBase
}

// MemorySize returns the size of RAM
func (m *Machine) MemorySize() uint64 {
	return m.Bus.RAM.Size()
}

// Step executes a single instruction. A trap that targets machine mode
// latches and parks the hart; stepping a parked hart is a no-op.
func (m *Machine) Step() error {
	if m.CPU.trapped {
		return nil
	}

	if m.CPU.WFI {
		// WFI wakes on any pending enabled interrupt, deliverable
		// or not.
		if m.CPU.Mip&m.CPU.Mie == 0 {
			return nil
		}
		m.CPU.WFI = false
	}

	if cause, ok := m.CPU.pendingInterrupt(); ok {
		m.CPU.trap(cause, 0)
		return nil
	}

	oldPC := m.CPU.PC

	paddr, err := m.MMU.TranslateFetch(oldPC)
	if err != nil {
		return m.trapOn(err, oldPC)
	}

	insn, err := m.Bus.Fetch(paddr)
	if err != nil {
		m.CPU.trap(hart.CauseInsnAccessFault, oldPC)
		return nil
	}

	isCompressed := (insn & 0x3) != 0x3
	if isCompressed {
		expanded, err := ExpandCompressed(uint16(insn))
		if err != nil {
			return m.trapOn(err, oldPC)
		}
		insn = expanded
	}

	if err := m.executeWithMMU(insn); err != nil {
		return m.trapOn(err, oldPC)
	}

	// If the instruction didn't branch, advance past it.
	if m.CPU.PC == oldPC {
		if isCompressed {
			m.CPU.PC += 2
		} else {
			m.CPU.PC += 4
		}
	}

	m.CPU.Cycle++
	m.CPU.Instret++

	return nil
}

// trapOn routes an execution error into the trap machinery. Anything
// that is not an architectural exception is a bug in the embedding
// code and surfaces as a plain error.
func (m *Machine) trapOn(err error, pc uint64) error {
	var exc ExceptionError
	if errors.As(err, &exc) {
		m.CPU.PC = pc
		m.CPU.trap(exc.Cause, exc.Tval)
		return nil
	}
	return err
}

// executeWithMMU dispatches one instruction, wrapping memory operations
// with address translation.
func (m *Machine) executeWithMMU(insn uint32) error {
	switch opcode(insn) {
	case OpLoad:
		return m.execLoadMMU(insn)
	case OpStore:
		return m.execStoreMMU(insn)
	case OpAMO:
		return m.execAMOMMU(insn)
	case OpLoadFP:
		return m.execLoadFPMMU(insn)
	case OpStoreFP:
		return m.execStoreFPMMU(insn)
	default:
		return m.CPU.Execute(insn)
	}
}

// execLoadMMU executes a load through the MMU.
func (m *Machine) execLoadMMU(insn uint32) error {
	vaddr := uint64(int64(m.CPU.ReadReg(rs1(insn))) + immI(insn))
	paddr, err := m.MMU.TranslateRead(vaddr)
	if err != nil {
		return err
	}

	var val uint64

	switch funct3(insn) {
	case 0b000: // LB
		v, e := m.Bus.Read8(paddr)
		if e != nil {
			return Exception(hart.CauseLoadAccessFault, vaddr)
		}
		val = uint64(int8(v))
	case 0b001: // LH
		v, e := m.Bus.Read16(paddr)
		if e != nil {
			return Exception(hart.CauseLoadAccessFault, vaddr)
		}
		val = uint64(int16(v))
	case 0b010: // LW
		v, e := m.Bus.Read32(paddr)
		if e != nil {
			return Exception(hart.CauseLoadAccessFault, vaddr)
		}
		val = uint64(int32(v))
	case 0b011: // LD
		v, e := m.Bus.Read64(paddr)
		if e != nil {
			return Exception(hart.CauseLoadAccessFault, vaddr)
		}
		val = v
	case 0b100: // LBU
		v, e := m.Bus.Read8(paddr)
		if e != nil {
			return Exception(hart.CauseLoadAccessFault, vaddr)
		}
		val = uint64(v)
	case 0b101: // LHU
		v, e := m.Bus.Read16(paddr)
		if e != nil {
			return Exception(hart.CauseLoadAccessFault, vaddr)
		}
		val = uint64(v)
	case 0b110: // LWU
		v, e := m.Bus.Read32(paddr)
		if e != nil {
			return Exception(hart.CauseLoadAccessFault, vaddr)
		}
		val = uint64(v)
	default:
		return Exception(hart.CauseIllegalInsn, uint64(insn))
	}

	m.CPU.WriteReg(rd(insn), val)
	return nil
}

// execStoreMMU executes a store through the MMU.
func (m *Machine) execStoreMMU(insn uint32) error {
	vaddr := uint64(int64(m.CPU.ReadReg(rs1(insn))) + immS(insn))
	paddr, err := m.MMU.TranslateWrite(vaddr)
	if err != nil {
		return err
	}

	val := m.CPU.ReadReg(rs2(insn))

	var writeErr error
	switch funct3(insn) {
	case 0b000: // SB
		writeErr = m.Bus.Write8(paddr, uint8(val))
	case 0b001: // SH
		writeErr = m.Bus.Write16(paddr, uint16(val))
	case 0b010: // SW
		writeErr = m.Bus.Write32(paddr, uint32(val))
	case 0b011: // SD
		writeErr = m.Bus.Write64(paddr, val)
	default:
		return Exception(hart.CauseIllegalInsn, uint64(insn))
	}

	if writeErr != nil {
		return Exception(hart.CauseStoreAccessFault, vaddr)
	}

	return nil
}

// execAMOMMU executes atomic operations through the MMU.
func (m *Machine) execAMOMMU(insn uint32) error {
	vaddr := m.CPU.ReadReg(rs1(insn))
	paddr, err := m.MMU.TranslateWrite(vaddr)
	if err != nil {
		return err
	}

	// The AMO handlers read the address from rs1 again, so swap in a
	// bus that substitutes the translated address.
	origBus := m.CPU.Bus
	m.CPU.Bus = &translatedBus{bus: m.Bus, paddr: paddr}
	defer func() { m.CPU.Bus = origBus }()

	return m.CPU.execAMO(insn)
}

// translatedBus substitutes a pre-translated physical address for every
// access.
type translatedBus struct {
	bus   *Bus
	paddr uint64
}

func (t *translatedBus) Read(addr uint64, size int) (uint64, error) {
	return t.bus.Read(t.paddr, size)
}

func (t *translatedBus) Write(addr uint64, size int, value uint64) error {
	return t.bus.Write(t.paddr, size, value)
}

func (t *translatedBus) Read8(addr uint64) (uint8, error)   { return t.bus.Read8(t.paddr) }
func (t *translatedBus) Read16(addr uint64) (uint16, error) { return t.bus.Read16(t.paddr) }
func (t *translatedBus) Read32(addr uint64) (uint32, error) { return t.bus.Read32(t.paddr) }
func (t *translatedBus) Read64(addr uint64) (uint64, error) { return t.bus.Read64(t.paddr) }
func (t *translatedBus) Write8(addr uint64, value uint8) error {
	return t.bus.Write8(t.paddr, value)
}
func (t *translatedBus) Write16(addr uint64, value uint16) error {
	return t.bus.Write16(t.paddr, value)
}
func (t *translatedBus) Write32(addr uint64, value uint32) error {
	return t.bus.Write32(t.paddr, value)
}
func (t *translatedBus) Write64(addr uint64, value uint64) error {
	return t.bus.Write64(t.paddr, value)
}

var _ BusInterface = (*translatedBus)(nil)

// execLoadFPMMU executes an FP load through the MMU.
func (m *Machine) execLoadFPMMU(insn uint32) error {
	vaddr := uint64(int64(m.CPU.ReadReg(rs1(insn))) + immI(insn))
	paddr, err := m.MMU.TranslateRead(vaddr)
	if err != nil {
		return err
	}

	rdReg := rd(insn)

	switch funct3(insn) {
	case 0b010: // FLW
		val, err := m.Bus.Read32(paddr)
		if err != nil {
			return Exception(hart.CauseLoadAccessFault, vaddr)
		}
		m.CPU.F[rdReg] = f32ToU64(math.Float32frombits(val))
		m.CPU.setFS(3)

	case 0b011: // FLD
		val, err := m.Bus.Read64(paddr)
		if err != nil {
			return Exception(hart.CauseLoadAccessFault, vaddr)
		}
		m.CPU.F[rdReg] = val
		m.CPU.setFS(3)

	default:
		return Exception(hart.CauseIllegalInsn, uint64(insn))
	}

	return nil
}

// execStoreFPMMU executes an FP store through the MMU.
func (m *Machine) execStoreFPMMU(insn uint32) error {
	vaddr := uint64(int64(m.CPU.ReadReg(rs1(insn))) + immS(insn))
	paddr, err := m.MMU.TranslateWrite(vaddr)
	if err != nil {
		return err
	}

	rs2Reg := rs2(insn)

	switch funct3(insn) {
	case 0b010: // FSW
		if err := m.Bus.Write32(paddr, uint32(m.CPU.F[rs2Reg])); err != nil {
			return Exception(hart.CauseStoreAccessFault, vaddr)
		}

	case 0b011: // FSD
		if err := m.Bus.Write64(paddr, m.CPU.F[rs2Reg]); err != nil {
			return Exception(hart.CauseStoreAccessFault, vaddr)
		}

	default:
		return Exception(hart.CauseIllegalInsn, uint64(insn))
	}

	return nil
}

// Run executes instructions until a trap latches into machine mode, the
// machine is halted, or the context is cancelled. A nil return means
// the hart is parked on a machine trap and the CSRs describe it.
func (m *Machine) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		m.CLINT.Tick()
		m.drainInput()

		for i := 0; i < stepBatch; i++ {
			if m.halted.Load() {
				return ErrHalted
			}
			if m.CPU.trapped {
				return nil
			}
			if m.CPU.WFI {
				m.CLINT.Tick()
			}
			if err := m.Step(); err != nil {
				return fmt.Errorf("step at pc=%#x: %w", m.CPU.PC, err)
			}
		}
	}
}

// QueueInput hands serial input to the machine from any goroutine.
// The bytes reach the UART between execution batches. Reports false
// when the queue is full and the input was dropped, as a hardware FIFO
// would on overrun.
func (m *Machine) QueueInput(data []byte) bool {
	b := make([]byte, len(data))
	copy(b, data)
	select {
	case m.input <- b:
		return true
	default:
		return false
	}
}

func (m *Machine) drainInput() {
	for {
		select {
		case b := <-m.input:
			m.UART.EnqueueInput(b)
		default:
			return
		}
	}
}

// Halt stops the machine permanently.
func (m *Machine) Halt() {
	m.halted.Store(true)
}

// IsHalted returns true if the machine is halted
func (m *Machine) IsHalted() bool {
	return m.halted.Load()
}

// AddDevice adds a device to the bus
func (m *Machine) AddDevice(base uint64, dev Device) {
	m.Bus.AddDevice(base, dev)
}

// ReadAt reads from guest physical memory
func (m *Machine) ReadAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	for i := range p {
		val, err := m.Bus.Read8(addr + uint64(i))
		if err != nil {
			return i, err
		}
		p[i] = val
	}
	return len(p), nil
}

// WriteAt writes to guest physical memory
func (m *Machine) WriteAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	for i, b := range p {
		if err := m.Bus.Write8(addr+uint64(i), b); err != nil {
			return i, err
		}
	}
	return len(p), nil
}

var _ io.ReaderAt = (*Machine)(nil)
var _ io.WriterAt = (*Machine)(nil)
