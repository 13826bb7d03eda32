package monitor

import (
	"context"
	"testing"

	"github.com/tinyrange/see/internal/hart"
	"github.com/tinyrange/see/internal/sbi"
)

func TestTrapForwarding(t *testing.T) {
	const (
		faultEpc  = uint64(0x80000040)
		faultTval = uint64(0x0BAD0BAD) // not a time counter read
		vector    = uint64(0x80004001) // deliberately misaligned
	)

	tests := []struct {
		name     string
		mstatus  uint64
		wantSPP  bool
		wantSPIE bool
	}{
		{
			name:     "from supervisor with interrupts on",
			mstatus:  uint64(hart.PrivSupervisor)<<hart.MstatusMPPShift | hart.MstatusSIE,
			wantSPP:  true,
			wantSPIE: true,
		},
		{
			name:     "from user with interrupts off",
			mstatus:  uint64(hart.PrivUser)<<hart.MstatusMPPShift | hart.MstatusSPP,
			wantSPP:  false,
			wantSPIE: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newScriptedHart(
				trapWith(hart.CauseIllegalInsn, func(h *scriptedHart) {
					h.csrs[hart.CSRMtval] = faultTval
					h.csrs[hart.CSRMepc] = faultEpc
					h.csrs[hart.CSRMstatus] = tt.mstatus
					h.csrs[hart.CSRStvec] = vector
				}),
				trapEcall(sbi.ExtHSM, sbi.FnHSMHartStop),
			)
			m := newTestMonitor(h, nil)

			if _, err := m.Run(context.Background()); err != nil {
				t.Fatalf("Run: %v", err)
			}

			entry := h.entries[1]
			if got := entry.csrs[hart.CSRScause]; got != uint64(hart.CauseIllegalInsn) {
				t.Errorf("scause = %#x, want %#x", got, uint64(hart.CauseIllegalInsn))
			}
			if got := entry.csrs[hart.CSRStval]; got != faultTval {
				t.Errorf("stval = %#x, want %#x", got, faultTval)
			}
			if got := entry.csrs[hart.CSRSepc]; got != faultEpc {
				t.Errorf("sepc = %#x, want %#x", got, faultEpc)
			}
			// The handler entry is the vector with the mode bits
			// stripped.
			if got := entry.csrs[hart.CSRMepc]; got != vector&^3 {
				t.Errorf("mepc = %#x, want %#x", got, vector&^3)
			}

			status := entry.csrs[hart.CSRMstatus]
			if got := status&hart.MstatusSPP != 0; got != tt.wantSPP {
				t.Errorf("SPP = %v, want %v", got, tt.wantSPP)
			}
			if got := status&hart.MstatusSPIE != 0; got != tt.wantSPIE {
				t.Errorf("SPIE = %v, want %v", got, tt.wantSPIE)
			}
			if status&hart.MstatusSIE != 0 {
				t.Error("SIE still set after trap entry")
			}
		})
	}
}

func TestForwardImpossiblePrivilegePanics(t *testing.T) {
	h := newScriptedHart(
		trapWith(hart.CauseIllegalInsn, func(h *scriptedHart) {
			h.csrs[hart.CSRMtval] = 0x0BAD0BAD
			h.csrs[hart.CSRMstatus] = uint64(hart.PrivMachine) << hart.MstatusMPPShift
		}),
	)
	m := newTestMonitor(h, nil)

	defer func() {
		if recover() == nil {
			t.Fatal("no panic on machine-mode previous privilege")
		}
	}()
	m.Run(context.Background())
}
