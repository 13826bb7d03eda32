package rv64

import (
	"context"
	"fmt"

	"github.com/tinyrange/see/internal/hart"
)

// Machine implements hart.Hart. The accessors below act on the parked
// hart between Resume calls, when the privilege level is machine mode
// and every CSR is reachable.

// ReadReg reads an integer register.
func (m *Machine) ReadReg(reg int) uint64 {
	return m.CPU.ReadReg(uint32(reg))
}

// WriteReg writes an integer register.
func (m *Machine) WriteReg(reg int, val uint64) {
	m.CPU.WriteReg(uint32(reg), val)
}

// ReadCSR returns the current value of a CSR.
func (m *Machine) ReadCSR(num uint16) uint64 {
	val, err := m.CPU.csrRead(num)
	if err != nil {
		panic(fmt.Sprintf("csr read %#x: %v", num, err))
	}
	return val
}

// WriteCSR replaces the value of a CSR, applying its write mask.
func (m *Machine) WriteCSR(num uint16, val uint64) {
	if err := m.CPU.csrWrite(num, val); err != nil {
		panic(fmt.Sprintf("csr write %#x: %v", num, err))
	}
}

// SwapCSR writes a CSR and returns its previous value.
func (m *Machine) SwapCSR(num uint16, val uint64) uint64 {
	old := m.ReadCSR(num)
	m.WriteCSR(num, val)
	return old
}

// SetCSR sets the bits in mask.
func (m *Machine) SetCSR(num uint16, mask uint64) {
	m.WriteCSR(num, m.ReadCSR(num)|mask)
}

// ClearCSR clears the bits in mask.
func (m *Machine) ClearCSR(num uint16, mask uint64) {
	m.WriteCSR(num, m.ReadCSR(num)&^mask)
}

// ReadTime returns the free-running counter behind the time CSR.
func (m *Machine) ReadTime() uint64 {
	return m.CLINT.Now()
}

// SetTimeCmp programs the timer comparator.
func (m *Machine) SetTimeCmp(val uint64) {
	m.CLINT.SetTimecmp(val)
}

// RaiseSoftIRQ asserts the hart's software-interrupt source.
func (m *Machine) RaiseSoftIRQ() {
	m.CLINT.SetMSIP(true)
}

// ClearSoftIRQ drops the hart's software-interrupt source.
func (m *Machine) ClearSoftIRQ() {
	m.CLINT.SetMSIP(false)
}

// Resume performs the return half of a trap: privilege drops to
// mstatus.MPP, execution continues at mepc, and the hart runs until the
// next trap latches back into machine mode. A nil return means the hart
// is parked again with mcause, mtval and mepc describing the trap.
func (m *Machine) Resume(ctx context.Context) error {
	m.CPU.machineReturn()
	return m.Run(ctx)
}

var _ hart.Hart = (*Machine)(nil)
