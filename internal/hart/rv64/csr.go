package rv64

import "github.com/tinyrange/see/internal/hart"

// Floating point CSR numbers, local to the executor.
const (
	csrFflags uint16 = 0x001
	csrFrm    uint16 = 0x002
	csrFcsr   uint16 = 0x003

	csrCycle   uint16 = 0xC00
	csrInstret uint16 = 0xC02
)

// mcounteren/scounteren bits.
const (
	counterCY uint64 = 1 << 0
	counterTM uint64 = 1 << 1
	counterIR uint64 = 1 << 2
)

// counterAllowed checks the counter-enable chain for an unprivileged
// counter CSR. A read below machine mode with the bit clear raises
// illegal instruction, which is how the rdtime trap the supervision
// core emulates comes about.
func (cpu *CPU) counterAllowed(bit uint64) bool {
	if cpu.Priv < hart.PrivMachine && cpu.Mcounteren&bit == 0 {
		return false
	}
	if cpu.Priv < hart.PrivSupervisor && cpu.Scounteren&bit == 0 {
		return false
	}
	return true
}

// csrRead reads a CSR, enforcing the privilege encoded in the number.
func (cpu *CPU) csrRead(csr uint16) (uint64, error) {
	csrPriv := (csr >> 8) & 3
	if uint16(cpu.Priv) < csrPriv {
		return 0, Exception(hart.CauseIllegalInsn, 0)
	}

	switch csr {
	case csrFflags:
		return uint64(cpu.Fflags), nil
	case csrFrm:
		return uint64(cpu.Frm), nil
	case csrFcsr:
		return uint64(cpu.Fflags) | (uint64(cpu.Frm) << 5), nil

	case csrCycle:
		if !cpu.counterAllowed(counterCY) {
			return 0, Exception(hart.CauseIllegalInsn, 0)
		}
		return cpu.Cycle, nil
	case hart.CSRTime:
		if !cpu.counterAllowed(counterTM) {
			return 0, Exception(hart.CauseIllegalInsn, 0)
		}
		return cpu.now(), nil
	case csrInstret:
		if !cpu.counterAllowed(counterIR) {
			return 0, Exception(hart.CauseIllegalInsn, 0)
		}
		return cpu.Instret, nil

	case hart.CSRSstatus:
		return cpu.readSstatus(), nil
	case hart.CSRSie:
		return cpu.Mie & cpu.Mideleg, nil
	case hart.CSRStvec:
		return cpu.Stvec, nil
	case hart.CSRScounteren:
		return cpu.Scounteren, nil
	case hart.CSRSscratch:
		return cpu.Sscratch, nil
	case hart.CSRSepc:
		return cpu.Sepc, nil
	case hart.CSRScause:
		return cpu.Scause, nil
	case hart.CSRStval:
		return cpu.Stval, nil
	case hart.CSRSip:
		return cpu.Mip & cpu.Mideleg, nil
	case hart.CSRSatp:
		return cpu.Satp, nil

	case hart.CSRMstatus:
		return cpu.Mstatus, nil
	case hart.CSRMisa:
		return cpu.Misa, nil
	case hart.CSRMedeleg:
		return cpu.Medeleg, nil
	case hart.CSRMideleg:
		return cpu.Mideleg, nil
	case hart.CSRMie:
		return cpu.Mie, nil
	case hart.CSRMtvec:
		return cpu.Mtvec, nil
	case hart.CSRMcounteren:
		return cpu.Mcounteren, nil
	case hart.CSRMscratch:
		return cpu.Mscratch, nil
	case hart.CSRMepc:
		return cpu.Mepc, nil
	case hart.CSRMcause:
		return cpu.Mcause, nil
	case hart.CSRMtval:
		return cpu.Mtval, nil
	case hart.CSRMip:
		return cpu.Mip, nil
	case hart.CSRMvendorid, hart.CSRMarchid, hart.CSRMimpid:
		return 0, nil
	case hart.CSRMhartid:
		return cpu.Mhartid, nil

	default:
		// Unknown CSRs read as zero so payloads probing optional
		// features keep going.
		return 0, nil
	}
}

// csrWrite writes a CSR, applying per-register write masks.
func (cpu *CPU) csrWrite(csr uint16, val uint64) error {
	csrPriv := (csr >> 8) & 3
	if uint16(cpu.Priv) < csrPriv {
		return Exception(hart.CauseIllegalInsn, 0)
	}

	// Numbers with the top two bits set are read-only.
	if (csr >> 10) == 3 {
		return Exception(hart.CauseIllegalInsn, 0)
	}

	switch csr {
	case csrFflags:
		cpu.Fflags = uint8(val & 0x1f)
	case csrFrm:
		cpu.Frm = uint8(val & 0x7)
	case csrFcsr:
		cpu.Fflags = uint8(val & 0x1f)
		cpu.Frm = uint8((val >> 5) & 0x7)

	case hart.CSRSstatus:
		cpu.writeSstatus(val)
	case hart.CSRSie:
		cpu.Mie = (cpu.Mie &^ cpu.Mideleg) | (val & cpu.Mideleg)
	case hart.CSRStvec:
		cpu.Stvec = val
	case hart.CSRScounteren:
		cpu.Scounteren = val
	case hart.CSRSscratch:
		cpu.Sscratch = val
	case hart.CSRSepc:
		cpu.Sepc = val &^ 1
	case hart.CSRScause:
		cpu.Scause = val
	case hart.CSRStval:
		cpu.Stval = val
	case hart.CSRSip:
		// Only SSIP is writable from supervisor level.
		cpu.Mip = (cpu.Mip &^ hart.MipSSIP) | (val & hart.MipSSIP)
	case hart.CSRSatp:
		cpu.Satp = val
		if cpu.FlushVMA != nil {
			cpu.FlushVMA(0, 0, true)
		}

	case hart.CSRMstatus:
		cpu.writeMstatus(val)
	case hart.CSRMisa:
		// Read-only here.
	case hart.CSRMedeleg:
		cpu.Medeleg = val & 0xb3ff
	case hart.CSRMideleg:
		// Only the supervisor interrupt classes are delegable.
		cpu.Mideleg = val & (hart.MipSSIP | hart.MipSTIP | hart.MipSEIP)
	case hart.CSRMie:
		cpu.Mie = val & (hart.MipSSIP | hart.MipMSIP | hart.MipSTIP |
			hart.MipMTIP | hart.MipSEIP | hart.MipMEIP)
	case hart.CSRMtvec:
		cpu.Mtvec = val
	case hart.CSRMcounteren:
		cpu.Mcounteren = val
	case hart.CSRMscratch:
		cpu.Mscratch = val
	case hart.CSRMepc:
		cpu.Mepc = val &^ 1
	case hart.CSRMcause:
		cpu.Mcause = val
	case hart.CSRMtval:
		cpu.Mtval = val
	case hart.CSRMip:
		// MSIP/MTIP/MEIP follow their interrupt sources; only the
		// supervisor bits take software writes.
		mask := hart.MipSSIP | hart.MipSTIP | hart.MipSEIP
		cpu.Mip = (cpu.Mip &^ mask) | (val & mask)
	}

	return nil
}

// sstatus is the supervisor-visible window into mstatus.
const sstatusMask = hart.MstatusSIE | hart.MstatusSPIE | hart.MstatusSPP |
	hart.MstatusFS | MstatusSUM | MstatusMXR | hart.MstatusSD

// Machine-only mstatus bits the executor needs.
const (
	MstatusMPRV uint64 = 1 << 17
	MstatusSUM  uint64 = 1 << 18
	MstatusMXR  uint64 = 1 << 19
	MstatusTVM  uint64 = 1 << 20
	MstatusTW   uint64 = 1 << 21
	MstatusTSR  uint64 = 1 << 22
)

func (cpu *CPU) readSstatus() uint64 {
	return cpu.Mstatus & sstatusMask
}

func (cpu *CPU) writeSstatus(val uint64) {
	cpu.Mstatus = (cpu.Mstatus &^ sstatusMask) | (val & sstatusMask)
	cpu.updateSD()
}

func (cpu *CPU) writeMstatus(val uint64) {
	const mask = hart.MstatusSIE | hart.MstatusMIE | hart.MstatusSPIE |
		hart.MstatusMPIE | hart.MstatusSPP | hart.MstatusMPP | hart.MstatusFS |
		MstatusMPRV | MstatusSUM | MstatusMXR | MstatusTVM | MstatusTW | MstatusTSR

	cpu.Mstatus = (cpu.Mstatus &^ mask) | (val & mask)
	cpu.updateSD()
}

func (cpu *CPU) updateSD() {
	if cpu.Mstatus&hart.MstatusFS == hart.MstatusFS {
		cpu.Mstatus |= hart.MstatusSD
	} else {
		cpu.Mstatus &^= hart.MstatusSD
	}
}

// Interrupt priority order within each privilege class: external,
// software, timer.
var machineInterrupts = []struct {
	bit   uint64
	cause hart.Cause
}{
	{hart.MipMEIP, hart.CauseMExternalInt},
	{hart.MipMSIP, hart.CauseMSoftwareInt},
	{hart.MipMTIP, hart.CauseMTimerInt},
}

var supervisorInterrupts = []struct {
	bit   uint64
	cause hart.Cause
}{
	{hart.MipSEIP, hart.CauseSExternalInt},
	{hart.MipSSIP, hart.CauseSSoftwareInt},
	{hart.MipSTIP, hart.CauseSTimerInt},
}

// pendingInterrupt picks the interrupt to take before the next
// instruction, if any. Machine-class interrupts (those not delegated
// by mideleg) outrank delegated ones and fire whenever the hart runs
// below machine mode; delegated interrupts honor the supervisor's SIE.
func (cpu *CPU) pendingInterrupt() (hart.Cause, bool) {
	pending := cpu.Mip & cpu.Mie
	if pending == 0 {
		return 0, false
	}

	mPending := pending &^ cpu.Mideleg
	if mPending != 0 && (cpu.Priv < hart.PrivMachine || cpu.Mstatus&hart.MstatusMIE != 0) {
		for _, in := range machineInterrupts {
			if mPending&in.bit != 0 {
				return in.cause, true
			}
		}
		for _, in := range supervisorInterrupts {
			if mPending&in.bit != 0 {
				return in.cause, true
			}
		}
	}

	sPending := pending & cpu.Mideleg
	sEnabled := cpu.Priv < hart.PrivSupervisor ||
		(cpu.Priv == hart.PrivSupervisor && cpu.Mstatus&hart.MstatusSIE != 0)
	if sPending != 0 && sEnabled {
		for _, in := range supervisorInterrupts {
			if sPending&in.bit != 0 {
				return in.cause, true
			}
		}
	}

	return 0, false
}

// trap routes a trap taken while the hart runs. Causes delegated to
// supervisor mode are handled entirely in the emulator, the way the
// hardware would. Everything else latches into the machine CSRs and
// parks the hart: machine mode is the embedding Go code, so execution
// stops at the (conceptual) first instruction of the machine vector.
func (cpu *CPU) trap(cause hart.Cause, tval uint64) {
	code := cause.Code()

	delegated := false
	if cpu.Priv <= hart.PrivSupervisor {
		if cause.IsInterrupt() {
			delegated = cpu.Mideleg&(1<<code) != 0
		} else {
			delegated = cpu.Medeleg&(1<<code) != 0
		}
	}

	if delegated {
		cpu.Sepc = cpu.PC
		cpu.Scause = uint64(cause)
		cpu.Stval = tval

		if cpu.Mstatus&hart.MstatusSIE != 0 {
			cpu.Mstatus |= hart.MstatusSPIE
		} else {
			cpu.Mstatus &^= hart.MstatusSPIE
		}
		cpu.Mstatus &^= hart.MstatusSIE

		if cpu.Priv == hart.PrivSupervisor {
			cpu.Mstatus |= hart.MstatusSPP
		} else {
			cpu.Mstatus &^= hart.MstatusSPP
		}
		cpu.Priv = hart.PrivSupervisor

		if cpu.Stvec&1 == 1 && cause.IsInterrupt() {
			cpu.PC = (cpu.Stvec &^ 1) + 4*code
		} else {
			cpu.PC = cpu.Stvec &^ 3
		}
		return
	}

	cpu.Mepc = cpu.PC
	cpu.Mcause = uint64(cause)
	cpu.Mtval = tval

	if cpu.Mstatus&hart.MstatusMIE != 0 {
		cpu.Mstatus |= hart.MstatusMPIE
	} else {
		cpu.Mstatus &^= hart.MstatusMPIE
	}
	cpu.Mstatus &^= hart.MstatusMIE

	cpu.Mstatus &^= hart.MstatusMPP
	cpu.Mstatus |= uint64(cpu.Priv) << hart.MstatusMPPShift

	cpu.Priv = hart.PrivMachine
	cpu.PC = cpu.Mtvec &^ 3
	cpu.WFI = false
	cpu.trapped = true
}

// machineReturn performs the state change of an mret issued by the
// machine-mode side: privilege from MPP, MIE from MPIE, control to
// mepc.
func (cpu *CPU) machineReturn() {
	mpp := (cpu.Mstatus >> hart.MstatusMPPShift) & 3
	cpu.Priv = uint8(mpp)

	if cpu.Mstatus&hart.MstatusMPIE != 0 {
		cpu.Mstatus |= hart.MstatusMIE
	} else {
		cpu.Mstatus &^= hart.MstatusMIE
	}
	cpu.Mstatus |= hart.MstatusMPIE
	cpu.Mstatus &^= hart.MstatusMPP

	cpu.PC = cpu.Mepc
	cpu.trapped = false
}
