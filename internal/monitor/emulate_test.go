package monitor

import (
	"context"
	"fmt"
	"testing"

	"github.com/tinyrange/see/internal/hart"
	"github.com/tinyrange/see/internal/sbi"
)

func TestRdtimeEmulationAllDestinations(t *testing.T) {
	const (
		now     = uint64(0x1122334455)
		trapEpc = uint64(0x80000080)
	)

	for rd := 0; rd < 32; rd++ {
		insn := uint64(rdtimeOpcode) | uint64(rd)<<7

		h := newScriptedHart(
			trapWith(hart.CauseIllegalInsn, func(h *scriptedHart) {
				h.csrs[hart.CSRMtval] = insn
				h.csrs[hart.CSRMepc] = trapEpc
			}),
			trapEcall(sbi.ExtHSM, sbi.FnHSMHartStop),
		)
		h.time = now
		m := newTestMonitor(h, nil)

		if _, err := m.Run(context.Background()); err != nil {
			t.Fatalf("rd=%d: Run: %v", rd, err)
		}

		want := now
		if rd == 0 {
			want = 0
		}
		entry := h.entries[1]
		if got := entry.regs[rd]; got != want {
			t.Errorf("rd=%d: destination = %#x, want %#x", rd, got, want)
		}
		if got := entry.csrs[hart.CSRMepc]; got != trapEpc+4 {
			t.Errorf("rd=%d: mepc = %#x, want %#x", rd, got, trapEpc+4)
		}
		// Emulated, not forwarded: the supervisor trap CSRs stay
		// untouched.
		if got := entry.csrs[hart.CSRScause]; got != 0 {
			t.Errorf("rd=%d: scause = %#x, want 0", rd, got)
		}
	}
}

func TestRdtimeMaskRejectsOtherEncodings(t *testing.T) {
	const (
		trapEpc = uint64(0x80000090)
		vector  = uint64(0x80004000)
	)

	// Counter reads of the other counters, a non-zero source register,
	// a different csr op on the same counter, and junk. All must reach
	// the supervisor as illegal-instruction traps.
	encodings := []uint64{
		0xC0002073,           // rdcycle
		0xC0202073,           // rdinstret
		rdtimeOpcode | 6<<15, // csrrs with rs1=t1
		0xC0101073,           // csrrw on the time counter
		rdtimeOpcode | 1<<32, // high bits set
		0x00000000,
		0xFFFFFFFF,
	}

	for _, insn := range encodings {
		t.Run(fmt.Sprintf("%#x", insn), func(t *testing.T) {
			h := newScriptedHart(
				trapWith(hart.CauseIllegalInsn, func(h *scriptedHart) {
					h.csrs[hart.CSRMtval] = insn
					h.csrs[hart.CSRMepc] = trapEpc
					h.csrs[hart.CSRMstatus] = uint64(hart.PrivSupervisor) << hart.MstatusMPPShift
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
			if got := entry.csrs[hart.CSRStval]; got != insn {
				t.Errorf("stval = %#x, want %#x", got, insn)
			}
			if got := entry.csrs[hart.CSRMepc]; got != vector {
				t.Errorf("mepc = %#x, want vector %#x", got, vector)
			}
		})
	}
}
