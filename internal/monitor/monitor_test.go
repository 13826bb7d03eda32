package monitor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tinyrange/see/internal/hart"
	"github.com/tinyrange/see/internal/sbi"
)

const (
	testStackTop = 0x80800000
	testEntry    = 0x80200000
	testOpaque   = 0x87000000
)

// scriptedHart is a plain register bank with a per-resume script. Each
// Resume snapshots the state the payload would observe and then runs
// the next step, which stands in for a stretch of supervisor execution
// ending in a trap. Every interface call lands in the op log so tests
// can pin ordering.
type scriptedHart struct {
	regs [32]uint64
	csrs map[uint16]uint64

	time    uint64
	timecmp uint64
	softIRQ bool

	script  []func(h *scriptedHart) error
	entries []hartState
	ops     []string
}

// hartState is the hart as seen at one resume.
type hartState struct {
	regs [32]uint64
	csrs map[uint16]uint64
}

var _ hart.Hart = (*scriptedHart)(nil)

func newScriptedHart(steps ...func(h *scriptedHart) error) *scriptedHart {
	h := &scriptedHart{csrs: make(map[uint16]uint64), script: steps}
	h.regs[2] = testStackTop
	return h
}

func (h *scriptedHart) logf(format string, args ...any) {
	h.ops = append(h.ops, fmt.Sprintf(format, args...))
}

func (h *scriptedHart) ReadReg(reg int) uint64 {
	h.logf("readreg x%d", reg)
	if reg == 0 {
		return 0
	}
	return h.regs[reg]
}

func (h *scriptedHart) WriteReg(reg int, val uint64) {
	h.logf("writereg x%d", reg)
	if reg != 0 {
		h.regs[reg] = val
	}
}

func (h *scriptedHart) ReadCSR(num uint16) uint64 {
	h.logf("readcsr %#x", num)
	return h.csrs[num]
}

func (h *scriptedHart) WriteCSR(num uint16, val uint64) {
	h.logf("writecsr %#x %#x", num, val)
	h.csrs[num] = val
}

func (h *scriptedHart) SwapCSR(num uint16, val uint64) uint64 {
	h.logf("swapcsr %#x", num)
	old := h.csrs[num]
	h.csrs[num] = val
	return old
}

func (h *scriptedHart) SetCSR(num uint16, mask uint64) {
	h.logf("setcsr %#x %#x", num, mask)
	h.csrs[num] |= mask
}

func (h *scriptedHart) ClearCSR(num uint16, mask uint64) {
	h.logf("clearcsr %#x %#x", num, mask)
	h.csrs[num] &^= mask
}

func (h *scriptedHart) ReadTime() uint64      { return h.time }
func (h *scriptedHart) SetTimeCmp(val uint64) { h.timecmp = val }
func (h *scriptedHart) RaiseSoftIRQ()         { h.softIRQ = true }
func (h *scriptedHart) ClearSoftIRQ()         { h.softIRQ = false }

func (h *scriptedHart) Resume(ctx context.Context) error {
	h.logf("resume")
	h.entries = append(h.entries, h.snapshot())
	if len(h.script) == 0 {
		return errors.New("script exhausted: unexpected resume")
	}
	step := h.script[0]
	h.script = h.script[1:]
	return step(h)
}

func (h *scriptedHart) snapshot() hartState {
	st := hartState{regs: h.regs, csrs: make(map[uint16]uint64, len(h.csrs))}
	for num, val := range h.csrs {
		st.csrs[num] = val
	}
	return st
}

// trapWith builds a script step that applies mutate and leaves the
// hart trapped with the given cause.
func trapWith(cause hart.Cause, mutate func(h *scriptedHart)) func(*scriptedHart) error {
	return func(h *scriptedHart) error {
		if mutate != nil {
			mutate(h)
		}
		h.csrs[hart.CSRMcause] = uint64(cause)
		return nil
	}
}

// trapEcall builds a script step that performs a supervisor
// environment call with the given extension, function and arguments.
func trapEcall(eid, fid uint64, args ...uint64) func(*scriptedHart) error {
	return trapWith(hart.CauseEcallFromS, func(h *scriptedHart) {
		h.regs[17] = eid
		h.regs[16] = fid
		for i, a := range args {
			h.regs[10+i] = a
		}
	})
}

type tableFunc func(eid, fid uint64, args [6]uint64) sbi.Ret

func (f tableFunc) Call(eid, fid uint64, args [6]uint64) sbi.Ret {
	return f(eid, fid, args)
}

// grantAll approves every call with a zero return.
var grantAll = tableFunc(func(eid, fid uint64, args [6]uint64) sbi.Ret {
	return sbi.Ret{}
})

func newTestMonitor(h *scriptedHart, table CallTable) *Monitor {
	if table == nil {
		table = grantAll
	}
	return New(h, table, Supervisor{Entry: testEntry, Opaque: testOpaque}, 0, nil)
}

func TestSetupConfiguresHart(t *testing.T) {
	h := newScriptedHart(
		trapEcall(sbi.ExtHSM, sbi.FnHSMHartStop),
	)
	m := New(h, grantAll, Supervisor{Entry: testEntry, Opaque: testOpaque}, 3, nil)

	reason, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reason != ReasonHartStop {
		t.Fatalf("reason = %v, want %v", reason, ReasonHartStop)
	}
	if len(h.entries) != 1 {
		t.Fatalf("resumed %d times, want 1", len(h.entries))
	}

	anchor := uint64(testStackTop) - contextFrameBytes
	entry := h.entries[0]

	var wantRegs [32]uint64
	wantRegs[10] = 3          // hart id
	wantRegs[11] = testOpaque // device tree pointer
	if diff := cmp.Diff(wantRegs, entry.regs); diff != "" {
		t.Errorf("register bank at entry (-want +got):\n%s", diff)
	}

	wantCSRs := map[uint16]uint64{
		hart.CSRMepc:     testEntry,
		hart.CSRMstatus:  uint64(hart.PrivSupervisor)<<hart.MstatusMPPShift | hart.MstatusMIE,
		hart.CSRMscratch: anchor,
		hart.CSRMtvec:    anchor,
		hart.CSRMie:      hart.MipMEIP | hart.MipMSIP | hart.MipMTIP,
		hart.CSRMip:      0,
		hart.CSRMideleg:  ^uint64(0),
		hart.CSRMedeleg:  1<<hart.CauseLoadPageFault | 1<<hart.CauseStorePageFault | 1<<hart.CauseEcallFromU,
	}
	for num, want := range wantCSRs {
		if got := entry.csrs[num]; got != want {
			t.Errorf("csr %#x at entry = %#x, want %#x", num, got, want)
		}
	}

	// The machine stack pointer comes back once supervision ends.
	if got := h.regs[2]; got != testStackTop {
		t.Errorf("machine sp after Run = %#x, want %#x", got, testStackTop)
	}
}

func TestSetupOpSequence(t *testing.T) {
	h := newScriptedHart(
		trapEcall(sbi.ExtHSM, sbi.FnHSMHartStop),
	)
	m := newTestMonitor(h, nil)

	if _, err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Pending bits are cleared before any source is enabled, the
	// status snapshot lands between the enable writes, and the vector
	// goes in before the interrupt enables.
	anchor := uint64(testStackTop) - contextFrameBytes
	want := []string{
		"readreg x2",
		fmt.Sprintf("clearcsr %#x %#x", hart.CSRMstatus, hart.MstatusMPP),
		fmt.Sprintf("setcsr %#x %#x", hart.CSRMstatus, uint64(hart.PrivSupervisor)<<hart.MstatusMPPShift),
		fmt.Sprintf("setcsr %#x %#x", hart.CSRMstatus, hart.MstatusMIE),
		fmt.Sprintf("readcsr %#x", hart.CSRMstatus),
		fmt.Sprintf("writecsr %#x 0x0", hart.CSRMip),
		fmt.Sprintf("writecsr %#x %#x", hart.CSRMideleg, ^uint64(0)),
		fmt.Sprintf("clearcsr %#x %#x", hart.CSRMstatus, hart.MstatusMIE),
		fmt.Sprintf("setcsr %#x %#x", hart.CSRMedeleg,
			uint64(1)<<hart.CauseLoadPageFault|1<<hart.CauseStorePageFault|1<<hart.CauseEcallFromU),
		fmt.Sprintf("writecsr %#x %#x", hart.CSRMtvec, anchor),
		fmt.Sprintf("setcsr %#x %#x", hart.CSRMie, hart.MipMEIP|hart.MipMSIP|hart.MipMTIP),
	}
	if len(h.ops) < len(want) {
		t.Fatalf("recorded %d ops, want at least %d", len(h.ops), len(want))
	}
	if diff := cmp.Diff(want, h.ops[:len(want)]); diff != "" {
		t.Errorf("setup sequence (-want +got):\n%s", diff)
	}
}

func TestTimerTrapLevelsInterrupt(t *testing.T) {
	const supEpc = uint64(0x80000100)

	h := newScriptedHart(
		trapWith(hart.CauseMTimerInt, func(h *scriptedHart) {
			h.csrs[hart.CSRMepc] = supEpc
		}),
		trapEcall(sbi.ExtHSM, sbi.FnHSMHartStop),
	)
	m := newTestMonitor(h, nil)

	if _, err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if h.timecmp != ^uint64(0) {
		t.Errorf("timecmp = %#x, want all ones", h.timecmp)
	}
	entry := h.entries[1]
	if entry.csrs[hart.CSRMip]&hart.MipSTIP == 0 {
		t.Error("STIP not pending after timer interrupt")
	}
	// Interrupts resume at the interrupted instruction.
	if got := entry.csrs[hart.CSRMepc]; got != supEpc {
		t.Errorf("mepc = %#x, want %#x", got, supEpc)
	}
}

func TestSoftwareTrapLevelsInterrupt(t *testing.T) {
	h := newScriptedHart(
		trapWith(hart.CauseMSoftwareInt, nil),
		trapEcall(sbi.ExtHSM, sbi.FnHSMHartStop),
	)
	h.softIRQ = true
	m := newTestMonitor(h, nil)

	if _, err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if h.softIRQ {
		t.Error("software interrupt source still raised")
	}
	if h.entries[1].csrs[hart.CSRMip]&hart.MipSSIP == 0 {
		t.Error("SSIP not pending after software interrupt")
	}
}

func TestFatalTrapReport(t *testing.T) {
	h := newScriptedHart(
		trapWith(hart.CauseLoadAccessFault, func(h *scriptedHart) {
			h.csrs[hart.CSRMstatus] = 0x42
			h.csrs[hart.CSRMepc] = 0x80001234
			h.csrs[hart.CSRMtval] = 0xDEADBEEF
		}),
	)

	var diag bytes.Buffer
	m := New(h, grantAll, Supervisor{Entry: testEntry}, 0, &diag)

	reason, err := m.Run(context.Background())
	if !errors.Is(err, ErrUnhandledTrap) {
		t.Fatalf("Run error = %v, want %v", err, ErrUnhandledTrap)
	}
	if reason != ReasonNone {
		t.Errorf("reason = %v, want %v", reason, ReasonNone)
	}

	want := "\n-----------------------------\n" +
		"> exception: Exception(LoadAccessFault)\n" +
		"> mstatus:   0x0000000000000042\n" +
		"> mepc:      0x0000000080001234\n" +
		"> mtval:     0x00000000deadbeef\n" +
		"-----------------------------\n"
	if got := diag.String(); got != want {
		t.Errorf("report = %q, want %q", got, want)
	}
}

func TestResumeErrorPropagates(t *testing.T) {
	powerOff := errors.New("machine powered off")

	h := newScriptedHart(func(h *scriptedHart) error {
		return powerOff
	})
	m := newTestMonitor(h, nil)

	reason, err := m.Run(context.Background())
	if !errors.Is(err, powerOff) {
		t.Fatalf("Run error = %v, want wrapped %v", err, powerOff)
	}
	if reason != ReasonNone {
		t.Errorf("reason = %v, want %v", reason, ReasonNone)
	}
}
