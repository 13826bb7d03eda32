package monitor

import (
	"fmt"

	"github.com/tinyrange/see/internal/hart"
)

// forwardTrap re-raises the captured trap in supervisor mode: cause,
// trap value and faulting address move into the supervisor trap CSRs,
// the previous-privilege and interrupt-enable bits get standard
// trap-entry treatment, and the context is redirected to the supervisor
// trap vector. The next resume then lands in the payload's own handler.
func (m *Monitor) forwardTrap(cause hart.Cause) {
	h := m.hart
	c := m.ctx

	h.ClearCSR(hart.CSRMstatus, hart.MstatusMPP)
	h.SetCSR(hart.CSRMstatus, uint64(hart.PrivSupervisor)<<hart.MstatusMPPShift)

	// The privilege the trap came from, out of the saved status. Only
	// user and supervisor can trap into this loop; anything else means
	// the status register is corrupt.
	spp := (c.Mstatus >> hart.MstatusMPPShift) & 3
	switch spp {
	case uint64(hart.PrivUser):
		h.ClearCSR(hart.CSRMstatus, hart.MstatusSPP)
	case uint64(hart.PrivSupervisor):
		h.SetCSR(hart.CSRMstatus, hart.MstatusSPP)
	default:
		panic(fmt.Sprintf("forward trap: impossible previous privilege %d", spp))
	}

	h.WriteCSR(hart.CSRScause, uint64(cause))
	h.WriteCSR(hart.CSRStval, h.ReadCSR(hart.CSRMtval))
	h.WriteCSR(hart.CSRSepc, c.Mepc)

	if h.ReadCSR(hart.CSRMstatus)&hart.MstatusSIE != 0 {
		h.SetCSR(hart.CSRMstatus, hart.MstatusSPIE)
		h.ClearCSR(hart.CSRMstatus, hart.MstatusSIE)
	}

	c.Mstatus = h.ReadCSR(hart.CSRMstatus)
	c.Mepc = h.ReadCSR(hart.CSRStvec) &^ 3
}
