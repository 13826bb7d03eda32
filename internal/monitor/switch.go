package monitor

import (
	"context"

	"github.com/tinyrange/see/internal/hart"
)

// contextFrameBytes is the size of the register frame the switch
// primitive pivots through: one slot for the machine stack pointer, 31
// for x1 through x31, and one each for mstatus and mepc.
const contextFrameBytes = 34 * 8

// enter performs the forward privilege switch and blocks until the next
// machine trap captures the register bank back into the context. The
// two halves are exact mirrors: every register staged going in is
// collected going out, and x2 travels through the scratch-slot pivot in
// both directions so supervisor code never observes the indirection.
func (m *Monitor) enter(ctx context.Context) error {
	c := m.ctx
	h := m.hart

	// Forward switch. x2 first points at the frame anchor; the
	// supervisor's own stack pointer waits in the scratch slot.
	c.MSP = h.ReadReg(2)
	h.WriteReg(2, m.anchor)
	h.WriteCSR(hart.CSRMscratch, c.Reg(2))

	h.WriteCSR(hart.CSRMstatus, c.Mstatus)
	h.WriteCSR(hart.CSRMepc, c.Mepc)

	h.WriteReg(1, c.Reg(1))
	for r := 3; r <= 31; r++ {
		h.WriteReg(r, c.Reg(r))
	}

	// Pivot: x2 takes the supervisor stack pointer, the scratch slot
	// keeps the anchor for the reverse switch.
	h.WriteReg(2, h.SwapCSR(hart.CSRMscratch, h.ReadReg(2)))

	if err := h.Resume(ctx); err != nil {
		return err
	}

	// Reverse switch, mirroring the above: pivot x2 back through the
	// scratch slot, then collect the register bank.
	h.WriteReg(2, h.SwapCSR(hart.CSRMscratch, h.ReadReg(2)))

	c.SetReg(1, h.ReadReg(1))
	for r := 3; r <= 31; r++ {
		c.SetReg(r, h.ReadReg(r))
	}
	c.SetReg(2, h.ReadCSR(hart.CSRMscratch))

	c.Mstatus = h.ReadCSR(hart.CSRMstatus)
	c.Mepc = h.ReadCSR(hart.CSRMepc)

	h.WriteReg(2, c.MSP)

	return nil
}
