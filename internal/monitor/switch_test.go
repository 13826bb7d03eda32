package monitor

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tinyrange/see/internal/hart"
	"github.com/tinyrange/see/internal/sbi"
)

func TestSwitchRoundTrip(t *testing.T) {
	const (
		supEpc    = uint64(0x80000038)
		supStatus = uint64(hart.PrivSupervisor)<<hart.MstatusMPPShift | hart.MstatusSPIE
	)

	h := newScriptedHart(
		// The payload perturbs every register, then takes a timer
		// interrupt, which the loop services without touching the
		// context.
		trapWith(hart.CauseMTimerInt, func(h *scriptedHart) {
			for r := 1; r <= 31; r++ {
				h.regs[r] = 0xA000 + uint64(r)
			}
			h.csrs[hart.CSRMepc] = supEpc
			h.csrs[hart.CSRMstatus] = supStatus
		}),
		trapEcall(sbi.ExtHSM, sbi.FnHSMHartStop),
	)
	m := newTestMonitor(h, nil)

	reason, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reason != ReasonHartStop {
		t.Fatalf("reason = %v, want %v", reason, ReasonHartStop)
	}
	if len(h.entries) != 2 {
		t.Fatalf("resumed %d times, want 2", len(h.entries))
	}

	// Every register survives the reverse and forward switch, x2
	// included: it rides the scratch-slot pivot both ways.
	var wantRegs [32]uint64
	for r := 1; r <= 31; r++ {
		wantRegs[r] = 0xA000 + uint64(r)
	}
	entry := h.entries[1]
	if diff := cmp.Diff(wantRegs, entry.regs); diff != "" {
		t.Errorf("register bank after round trip (-want +got):\n%s", diff)
	}
	if got := entry.csrs[hart.CSRMepc]; got != supEpc {
		t.Errorf("mepc after round trip = %#x, want %#x", got, supEpc)
	}
	if got := entry.csrs[hart.CSRMstatus]; got != supStatus {
		t.Errorf("mstatus after round trip = %#x, want %#x", got, supStatus)
	}

	if got := h.regs[2]; got != testStackTop {
		t.Errorf("machine sp after Run = %#x, want %#x", got, testStackTop)
	}
}

func TestSwitchParksMachineStateInScratch(t *testing.T) {
	// While the payload runs, the machine stack pointer sits in the
	// saved context and the frame anchor sits in the scratch CSR, so a
	// supervisor read of mscratch must not leak the machine stack.
	h := newScriptedHart(
		trapEcall(sbi.ExtHSM, sbi.FnHSMHartStop),
	)
	m := newTestMonitor(h, nil)

	if _, err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	anchor := uint64(testStackTop) - contextFrameBytes
	if got := h.entries[0].csrs[hart.CSRMscratch]; got != anchor {
		t.Errorf("mscratch while payload runs = %#x, want anchor %#x", got, anchor)
	}
	if got := h.entries[0].regs[2]; got != 0 {
		t.Errorf("supervisor sp at first entry = %#x, want 0", got)
	}
}
