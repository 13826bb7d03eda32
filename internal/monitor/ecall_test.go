package monitor

import (
	"context"
	"testing"

	"github.com/tinyrange/see/internal/hart"
	"github.com/tinyrange/see/internal/sbi"
)

func TestEcallWriteback(t *testing.T) {
	const callEpc = uint64(0x80000010)

	var (
		gotEID, gotFID uint64
		gotArgs        [6]uint64
	)
	table := tableFunc(func(eid, fid uint64, args [6]uint64) sbi.Ret {
		if eid == sbi.ExtHSM {
			return sbi.Ret{}
		}
		gotEID, gotFID, gotArgs = eid, fid, args
		return sbi.Ret{Error: sbi.RetSuccess, Value: 0x1234}
	})

	h := newScriptedHart(
		trapWith(hart.CauseEcallFromS, func(h *scriptedHart) {
			for i := 0; i < 6; i++ {
				h.regs[10+i] = uint64(i + 1)
			}
			h.regs[16] = 3
			h.regs[17] = sbi.ExtBase
			h.regs[5] = 0xDEAD
			h.csrs[hart.CSRMepc] = callEpc
		}),
		trapEcall(sbi.ExtHSM, sbi.FnHSMHartStop),
	)
	m := newTestMonitor(h, table)

	if _, err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if gotEID != sbi.ExtBase || gotFID != 3 {
		t.Errorf("dispatched (%#x, %d), want (%#x, 3)", gotEID, gotFID, sbi.ExtBase)
	}
	if want := [6]uint64{1, 2, 3, 4, 5, 6}; gotArgs != want {
		t.Errorf("dispatched args = %v, want %v", gotArgs, want)
	}

	entry := h.entries[1]
	if got := entry.regs[10]; got != sbi.RetSuccess {
		t.Errorf("a0 after call = %#x, want %#x", got, sbi.RetSuccess)
	}
	if got := entry.regs[11]; got != 0x1234 {
		t.Errorf("a1 after call = %#x, want 0x1234", got)
	}
	if got := entry.csrs[hart.CSRMepc]; got != callEpc+4 {
		t.Errorf("mepc after call = %#x, want %#x", got, callEpc+4)
	}
	// Registers outside the return pair are untouched.
	if got := entry.regs[5]; got != 0xDEAD {
		t.Errorf("t0 after call = %#x, want 0xDEAD", got)
	}
	if got := entry.regs[12]; got != 3 {
		t.Errorf("a2 after call = %#x, want 3", got)
	}
}

func TestTerminatingCalls(t *testing.T) {
	const callEpc = uint64(0x80000020)

	tests := []struct {
		name     string
		eid, fid uint64
		arg0     uint64
		want     Reason
	}{
		{"hart stop", sbi.ExtHSM, sbi.FnHSMHartStop, 0, ReasonHartStop},
		{"non-retentive suspend", sbi.ExtHSM, sbi.FnHSMHartSuspend, sbi.SuspendNonRetentive, ReasonSuspend},
		{"cold reboot", sbi.ExtSRST, sbi.FnSRSTSystemReset, sbi.ResetTypeColdReboot, ReasonColdReboot},
		{"warm reboot", sbi.ExtSRST, sbi.FnSRSTSystemReset, sbi.ResetTypeWarmReboot, ReasonWarmReboot},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			step := trapEcall(tt.eid, tt.fid, tt.arg0)
			h := newScriptedHart(func(h *scriptedHart) error {
				h.csrs[hart.CSRMepc] = callEpc
				return step(h)
			})
			m := newTestMonitor(h, nil)

			reason, err := m.Run(context.Background())
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if reason != tt.want {
				t.Errorf("reason = %v, want %v", reason, tt.want)
			}
			if len(h.entries) != 1 {
				t.Errorf("resumed %d times, want 1", len(h.entries))
			}

			// A terminating call keeps the context exactly as the
			// payload left it: no status writeback, no step past the
			// ecall.
			if got := m.ctx.Mepc; got != callEpc {
				t.Errorf("saved mepc = %#x, want %#x", got, callEpc)
			}
			if got := m.ctx.Arg(0); got != tt.arg0 {
				t.Errorf("saved a0 = %#x, want %#x", got, tt.arg0)
			}
		})
	}
}

func TestNonTerminatingCalls(t *testing.T) {
	tests := []struct {
		name string
		step func(*scriptedHart) error
	}{
		{
			name: "retentive suspend",
			step: trapEcall(sbi.ExtHSM, sbi.FnHSMHartSuspend, sbi.SuspendRetentive),
		},
		{
			name: "suspend type with high bits",
			step: trapEcall(sbi.ExtHSM, sbi.FnHSMHartSuspend, 1<<32|sbi.SuspendNonRetentive),
		},
		{
			name: "shutdown",
			step: trapEcall(sbi.ExtSRST, sbi.FnSRSTSystemReset, sbi.ResetTypeShutdown),
		},
		{
			name: "reset type with high bits",
			step: trapEcall(sbi.ExtSRST, sbi.FnSRSTSystemReset, 1<<32|sbi.ResetTypeColdReboot),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newScriptedHart(
				tt.step,
				trapEcall(sbi.ExtHSM, sbi.FnHSMHartStop),
			)
			m := newTestMonitor(h, nil)

			reason, err := m.Run(context.Background())
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if reason != ReasonHartStop {
				t.Errorf("reason = %v, want %v", reason, ReasonHartStop)
			}
			if len(h.entries) != 2 {
				t.Errorf("resumed %d times, want 2", len(h.entries))
			}
		})
	}
}

func TestRejectedStopCallContinues(t *testing.T) {
	// A terminating call only ends supervision when the table grants
	// it; a rejected reset behaves like any other failed call.
	table := tableFunc(func(eid, fid uint64, args [6]uint64) sbi.Ret {
		if eid == sbi.ExtSRST {
			return sbi.Ret{Error: sbi.RetErrInvalidParam}
		}
		return sbi.Ret{}
	})

	h := newScriptedHart(
		trapEcall(sbi.ExtSRST, sbi.FnSRSTSystemReset, sbi.ResetTypeColdReboot),
		trapEcall(sbi.ExtHSM, sbi.FnHSMHartStop),
	)
	m := newTestMonitor(h, table)

	reason, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reason != ReasonHartStop {
		t.Fatalf("reason = %v, want %v", reason, ReasonHartStop)
	}

	if got := h.entries[1].regs[10]; got != sbi.RetErrInvalidParam {
		t.Errorf("a0 after rejected reset = %#x, want %#x", got, sbi.RetErrInvalidParam)
	}
}

func TestStopReasonClassification(t *testing.T) {
	tests := []struct {
		name     string
		eid, fid uint64
		arg0     uint64
		want     Reason
		stop     bool
	}{
		{"hart stop", sbi.ExtHSM, sbi.FnHSMHartStop, 0, ReasonHartStop, true},
		{"non-retentive suspend", sbi.ExtHSM, sbi.FnHSMHartSuspend, sbi.SuspendNonRetentive, ReasonSuspend, true},
		{"retentive suspend", sbi.ExtHSM, sbi.FnHSMHartSuspend, sbi.SuspendRetentive, ReasonNone, false},
		{"suspend high bits", sbi.ExtHSM, sbi.FnHSMHartSuspend, 1<<32 | sbi.SuspendNonRetentive, ReasonNone, false},
		{"hart start", sbi.ExtHSM, sbi.FnHSMHartStart, 0, ReasonNone, false},
		{"cold reboot", sbi.ExtSRST, sbi.FnSRSTSystemReset, sbi.ResetTypeColdReboot, ReasonColdReboot, true},
		{"warm reboot", sbi.ExtSRST, sbi.FnSRSTSystemReset, sbi.ResetTypeWarmReboot, ReasonWarmReboot, true},
		{"shutdown", sbi.ExtSRST, sbi.FnSRSTSystemReset, sbi.ResetTypeShutdown, ReasonNone, false},
		{"reset high bits", sbi.ExtSRST, sbi.FnSRSTSystemReset, 1<<32 | sbi.ResetTypeWarmReboot, ReasonNone, false},
		{"base probe", sbi.ExtBase, 3, 0, ReasonNone, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, stop := stopReason(tt.eid, tt.fid, tt.arg0)
			if reason != tt.want || stop != tt.stop {
				t.Errorf("stopReason(%#x, %d, %#x) = (%v, %v), want (%v, %v)",
					tt.eid, tt.fid, tt.arg0, reason, stop, tt.want, tt.stop)
			}
		})
	}
}
