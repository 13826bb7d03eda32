package monitor

import (
	"github.com/tinyrange/see/internal/sbi"
)

// handleEcall resolves a supervisor firmware call through the call
// table. Calls granted by the table that end supervision report stop
// with no writeback: the session is over and there is nothing to
// resume. Every other call, including ones the table rejects, writes
// the (status, value) pair into a0/a1 and steps past the ecall, which
// is always four bytes.
func (m *Monitor) handleEcall() (Reason, bool) {
	c := m.ctx

	args := [6]uint64{
		c.Arg(0), c.Arg(1), c.Arg(2),
		c.Arg(3), c.Arg(4), c.Arg(5),
	}
	eid := c.Arg(7)
	fid := c.Arg(6)

	ret := m.table.Call(eid, fid, args)

	if ret.Error == sbi.RetSuccess {
		if reason, stop := stopReason(eid, fid, args[0]); stop {
			return reason, true
		}
	}

	c.SetArg(0, ret.Error)
	c.SetArg(1, ret.Value)
	c.Mepc += 4

	return ReasonNone, false
}

// stopReason classifies the calls that terminate supervision once
// granted: a hart stop, a non-retentive suspend, and the two reboot
// flavors of system reset. The type arguments are 32-bit in the ABI;
// values that do not fit never match.
func stopReason(eid, fid, arg0 uint64) (Reason, bool) {
	fits32 := arg0 == uint64(uint32(arg0))

	switch eid {
	case sbi.ExtHSM:
		switch fid {
		case sbi.FnHSMHartStop:
			return ReasonHartStop, true
		case sbi.FnHSMHartSuspend:
			if fits32 && uint32(arg0) == sbi.SuspendNonRetentive {
				return ReasonSuspend, true
			}
		}

	case sbi.ExtSRST:
		if fid == sbi.FnSRSTSystemReset && fits32 {
			switch uint32(arg0) {
			case sbi.ResetTypeColdReboot:
				return ReasonColdReboot, true
			case sbi.ResetTypeWarmReboot:
				return ReasonWarmReboot, true
			}
		}
	}

	return ReasonNone, false
}
