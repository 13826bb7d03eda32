// Package hart defines the register-level view of a single RISC-V
// hardware thread as seen from machine mode: the general-purpose bank,
// the control and status registers, and the hart-local interrupt
// sources. The supervision core operates purely on this interface; the
// emulated implementation lives in the rv64 subpackage.
package hart

import (
	"context"
	"fmt"
)

// Privilege levels
const (
	PrivUser       uint8 = 0
	PrivSupervisor uint8 = 1
	PrivMachine    uint8 = 3
)

// mstatus bits
const (
	MstatusSIE  uint64 = 1 << 1
	MstatusMIE  uint64 = 1 << 3
	MstatusSPIE uint64 = 1 << 5
	MstatusMPIE uint64 = 1 << 7
	MstatusSPP  uint64 = 1 << 8
	MstatusMPP  uint64 = 3 << 11
	MstatusFS   uint64 = 3 << 13
	MstatusSD   uint64 = 1 << 63
)

// mstatus bit positions
const (
	MstatusSPPShift = 8
	MstatusMPPShift = 11
)

// mip/mie bits
const (
	MipSSIP uint64 = 1 << 1  // Supervisor software interrupt pending
	MipMSIP uint64 = 1 << 3  // Machine software interrupt pending
	MipSTIP uint64 = 1 << 5  // Supervisor timer interrupt pending
	MipMTIP uint64 = 1 << 7  // Machine timer interrupt pending
	MipSEIP uint64 = 1 << 9  // Supervisor external interrupt pending
	MipMEIP uint64 = 1 << 11 // Machine external interrupt pending
)

// CSR addresses used by the supervision core and the platform.
const (
	CSRSstatus    uint16 = 0x100
	CSRSie        uint16 = 0x104
	CSRStvec      uint16 = 0x105
	CSRScounteren uint16 = 0x106
	CSRSscratch   uint16 = 0x140
	CSRSepc       uint16 = 0x141
	CSRScause     uint16 = 0x142
	CSRStval      uint16 = 0x143
	CSRSip        uint16 = 0x144
	CSRSatp       uint16 = 0x180
	CSRMstatus    uint16 = 0x300
	CSRMisa       uint16 = 0x301
	CSRMedeleg    uint16 = 0x302
	CSRMideleg    uint16 = 0x303
	CSRMie        uint16 = 0x304
	CSRMtvec      uint16 = 0x305
	CSRMcounteren uint16 = 0x306
	CSRMscratch   uint16 = 0x340
	CSRMepc       uint16 = 0x341
	CSRMcause     uint16 = 0x342
	CSRMtval      uint16 = 0x343
	CSRMip        uint16 = 0x344
	CSRMvendorid  uint16 = 0xF11
	CSRMarchid    uint16 = 0xF12
	CSRMimpid     uint16 = 0xF13
	CSRMhartid    uint16 = 0xF14
	CSRTime       uint16 = 0xC01
)

// Cause is an mcause/scause value: exception code, or interrupt code
// with the top bit set.
type Cause uint64

// CauseInterrupt is the interrupt flag in a cause value.
const CauseInterrupt uint64 = 1 << 63

// Exception causes
const (
	CauseInsnAddrMisaligned  Cause = 0
	CauseInsnAccessFault     Cause = 1
	CauseIllegalInsn         Cause = 2
	CauseBreakpoint          Cause = 3
	CauseLoadAddrMisaligned  Cause = 4
	CauseLoadAccessFault     Cause = 5
	CauseStoreAddrMisaligned Cause = 6
	CauseStoreAccessFault    Cause = 7
	CauseEcallFromU          Cause = 8
	CauseEcallFromS          Cause = 9
	CauseEcallFromM          Cause = 11
	CauseInsnPageFault       Cause = 12
	CauseLoadPageFault       Cause = 13
	CauseStorePageFault      Cause = 15
)

// Interrupt causes (with bit 63 set)
const (
	CauseSSoftwareInt Cause = Cause(CauseInterrupt) | 1
	CauseMSoftwareInt Cause = Cause(CauseInterrupt) | 3
	CauseSTimerInt    Cause = Cause(CauseInterrupt) | 5
	CauseMTimerInt    Cause = Cause(CauseInterrupt) | 7
	CauseSExternalInt Cause = Cause(CauseInterrupt) | 9
	CauseMExternalInt Cause = Cause(CauseInterrupt) | 11
)

// IsInterrupt reports whether the cause is an interrupt rather than an
// exception.
func (c Cause) IsInterrupt() bool {
	return uint64(c)&CauseInterrupt != 0
}

// Code returns the cause with the interrupt flag stripped.
func (c Cause) Code() uint64 {
	return uint64(c) &^ CauseInterrupt
}

var exceptionNames = map[uint64]string{
	0:  "InstructionAddressMisaligned",
	1:  "InstructionAccessFault",
	2:  "IllegalInstruction",
	3:  "Breakpoint",
	4:  "LoadAddressMisaligned",
	5:  "LoadAccessFault",
	6:  "StoreAddressMisaligned",
	7:  "StoreAccessFault",
	8:  "UserEnvCall",
	9:  "SupervisorEnvCall",
	11: "MachineEnvCall",
	12: "InstructionPageFault",
	13: "LoadPageFault",
	15: "StorePageFault",
}

var interruptNames = map[uint64]string{
	1:  "SupervisorSoft",
	3:  "MachineSoft",
	5:  "SupervisorTimer",
	7:  "MachineTimer",
	9:  "SupervisorExternal",
	11: "MachineExternal",
}

func (c Cause) String() string {
	if c.IsInterrupt() {
		if name, ok := interruptNames[c.Code()]; ok {
			return fmt.Sprintf("Interrupt(%s)", name)
		}
		return fmt.Sprintf("Interrupt(%d)", c.Code())
	}
	if name, ok := exceptionNames[c.Code()]; ok {
		return fmt.Sprintf("Exception(%s)", name)
	}
	return fmt.Sprintf("Exception(%d)", c.Code())
}

// Hart is the machine-mode handle on one hardware thread. Register and
// CSR accessors follow the corresponding instruction semantics; the
// interrupt-source operations touch the hart-local interrupt hardware
// (on a real platform, the core-local interruptor).
//
// Resume performs a machine-mode trap return at the state currently
// loaded into the bank and CSRs and lets the hart run until a trap
// targets machine mode again. When it returns with a nil error, the
// trap state is readable through the CSR accessors. A non-nil error
// means the hart cannot continue (halted, or the context ended).
type Hart interface {
	// ReadReg reads an integer register. Register 0 reads as zero.
	ReadReg(reg int) uint64
	// WriteReg writes an integer register. Writes to register 0 are
	// ignored.
	WriteReg(reg int, val uint64)

	// ReadCSR returns the current value of a CSR.
	ReadCSR(num uint16) uint64
	// WriteCSR replaces the value of a CSR, applying the register's
	// write mask.
	WriteCSR(num uint16, val uint64)
	// SwapCSR atomically writes a CSR and returns its previous value
	// (csrrw semantics).
	SwapCSR(num uint16, val uint64) uint64
	// SetCSR sets the bits in mask (csrrs semantics).
	SetCSR(num uint16, mask uint64)
	// ClearCSR clears the bits in mask (csrrc semantics).
	ClearCSR(num uint16, mask uint64)

	// ReadTime returns the free-running counter behind the time CSR.
	ReadTime() uint64
	// SetTimeCmp programs the timer comparator. Writing all ones
	// pushes the next timer interrupt past the end of time.
	SetTimeCmp(val uint64)
	// RaiseSoftIRQ asserts the hart's software-interrupt source.
	RaiseSoftIRQ()
	// ClearSoftIRQ drops it.
	ClearSoftIRQ()

	// Resume returns to the privilege level in mstatus.MPP at mepc and
	// runs until the next machine-level trap.
	Resume(ctx context.Context) error
}
