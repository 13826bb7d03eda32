package sbi

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/see/internal/hart"
)

// fakeHart records the hart-visible effects of table calls.
type fakeHart struct {
	csrs    map[uint16]uint64
	regs    [32]uint64
	time    uint64
	timecmp uint64
	softIRQ bool
}

func newFakeHart() *fakeHart {
	return &fakeHart{csrs: make(map[uint16]uint64)}
}

func (f *fakeHart) ReadReg(reg int) uint64 {
	if reg == 0 {
		return 0
	}
	return f.regs[reg]
}

func (f *fakeHart) WriteReg(reg int, val uint64) {
	if reg != 0 {
		f.regs[reg] = val
	}
}

func (f *fakeHart) ReadCSR(num uint16) uint64 { return f.csrs[num] }

func (f *fakeHart) WriteCSR(num uint16, val uint64) { f.csrs[num] = val }

func (f *fakeHart) SwapCSR(num uint16, val uint64) uint64 {
	old := f.csrs[num]
	f.csrs[num] = val
	return old
}

func (f *fakeHart) SetCSR(num uint16, mask uint64)   { f.csrs[num] |= mask }
func (f *fakeHart) ClearCSR(num uint16, mask uint64) { f.csrs[num] &^= mask }

func (f *fakeHart) ReadTime() uint64      { return f.time }
func (f *fakeHart) SetTimeCmp(val uint64) { f.timecmp = val }
func (f *fakeHart) RaiseSoftIRQ()         { f.softIRQ = true }
func (f *fakeHart) ClearSoftIRQ()         { f.softIRQ = false }

func (f *fakeHart) Resume(ctx context.Context) error { return nil }

var _ hart.Hart = (*fakeHart)(nil)

// fakeConsole buffers both directions of the legacy console.
type fakeConsole struct {
	out []byte
	in  []byte
}

func (c *fakeConsole) PutChar(b byte) { c.out = append(c.out, b) }

func (c *fakeConsole) GetChar() (byte, bool) {
	if len(c.in) == 0 {
		return 0, false
	}
	b := c.in[0]
	c.in = c.in[1:]
	return b, true
}

func TestBaseExtension(t *testing.T) {
	h := newFakeHart()
	table := NewTable(h, nil, nil)

	tests := []struct {
		name string
		fid  uint64
		args [6]uint64
		want Ret
	}{
		{"spec version", FnBaseGetSpecVersion, [6]uint64{}, Ret{Value: 1 << 24}},
		{"impl id", FnBaseGetImplID, [6]uint64{}, Ret{Value: implID}},
		{"impl version", FnBaseGetImplVersion, [6]uint64{}, Ret{Value: implVersion}},
		{"probe known", FnBaseProbeExtension, [6]uint64{ExtTime}, Ret{Value: 1}},
		{"probe unknown", FnBaseProbeExtension, [6]uint64{0xdead}, Ret{Value: 0}},
		{"mvendorid", FnBaseGetMvendorID, [6]uint64{}, Ret{}},
		{"unknown fid", 99, [6]uint64{}, Ret{Error: RetErrNotSupported}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := table.Call(ExtBase, tt.fid, tt.args)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ret mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestProbeCoversEveryExtension(t *testing.T) {
	table := NewTable(newFakeHart(), nil, nil)

	for _, eid := range []uint64{
		ExtBase, ExtTime, ExtIPI, ExtRfence, ExtHSM, ExtSRST,
		ExtLegacyPutchar, ExtLegacyGetchar,
	} {
		got := table.Call(ExtBase, FnBaseProbeExtension, [6]uint64{eid})
		if got.Value != 1 {
			t.Errorf("probe %s: expected available, got %d", ExtName(eid), got.Value)
		}
	}
}

func TestSetTimer(t *testing.T) {
	h := newFakeHart()
	h.csrs[hart.CSRMip] = hart.MipSTIP
	table := NewTable(h, nil, nil)

	got := table.Call(ExtTime, FnTimeSetTimer, [6]uint64{123456})
	if got.Error != RetSuccess {
		t.Fatalf("set_timer: expected success, got %#x", got.Error)
	}
	if h.timecmp != 123456 {
		t.Errorf("timecmp: expected 123456, got %d", h.timecmp)
	}
	if h.csrs[hart.CSRMip]&hart.MipSTIP != 0 {
		t.Error("STIP not cleared by set_timer")
	}
}

func TestSendIPI(t *testing.T) {
	tests := []struct {
		name     string
		mask     uint64
		base     uint64
		want     uint64
		wantSoft bool
	}{
		{"self via mask", 1, 0, RetSuccess, true},
		{"all harts", 0, ^uint64(0), RetSuccess, true},
		{"empty mask", 0, 0, RetSuccess, false},
		{"empty range", 0, 8, RetSuccess, false},
		{"nonexistent hart", 2, 0, RetErrInvalidParam, false},
		{"out of range hart", 1, 8, RetErrInvalidParam, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newFakeHart()
			table := NewTable(h, nil, nil)

			got := table.Call(ExtIPI, FnIPISendIPI, [6]uint64{tt.mask, tt.base})
			if got.Error != tt.want {
				t.Errorf("error: expected %#x, got %#x", tt.want, got.Error)
			}
			if h.softIRQ != tt.wantSoft {
				t.Errorf("soft irq: expected %v, got %v", tt.wantSoft, h.softIRQ)
			}
		})
	}
}

func TestRemoteFences(t *testing.T) {
	table := NewTable(newFakeHart(), nil, nil)

	for _, fid := range []uint64{FnRfenceFenceI, FnRfenceSFenceVMA, FnRfenceSFenceVMAASID} {
		got := table.Call(ExtRfence, fid, [6]uint64{1, 0})
		if got.Error != RetSuccess {
			t.Errorf("fid %d: expected success, got %#x", fid, got.Error)
		}
	}

	if got := table.Call(ExtRfence, FnRfenceFenceI, [6]uint64{4, 0}); got.Error != RetErrInvalidParam {
		t.Errorf("bad mask: expected invalid param, got %#x", got.Error)
	}
	if got := table.Call(ExtRfence, 9, [6]uint64{}); got.Error != RetErrNotSupported {
		t.Errorf("unknown fid: expected not supported, got %#x", got.Error)
	}
}

func TestHartStateManagement(t *testing.T) {
	table := NewTable(newFakeHart(), nil, nil)

	tests := []struct {
		name string
		fid  uint64
		args [6]uint64
		want Ret
	}{
		{"start self", FnHSMHartStart, [6]uint64{0}, Ret{Error: RetErrAlreadyAvailable}},
		{"start other", FnHSMHartStart, [6]uint64{1}, Ret{Error: RetErrInvalidParam}},
		{"stop", FnHSMHartStop, [6]uint64{}, Ret{}},
		{"status self", FnHSMHartGetStatus, [6]uint64{0}, Ret{Value: HartStateStarted}},
		{"status other", FnHSMHartGetStatus, [6]uint64{7}, Ret{Error: RetErrInvalidParam}},
		{"suspend retentive", FnHSMHartSuspend, [6]uint64{SuspendRetentive}, Ret{}},
		{"suspend non-retentive", FnHSMHartSuspend, [6]uint64{SuspendNonRetentive}, Ret{}},
		{"suspend unknown type", FnHSMHartSuspend, [6]uint64{0x10}, Ret{Error: RetErrNotSupported}},
		{"suspend type overflow", FnHSMHartSuspend, [6]uint64{1<<32 | SuspendNonRetentive}, Ret{Error: RetErrInvalidParam}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := table.Call(ExtHSM, tt.fid, tt.args)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ret mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSystemReset(t *testing.T) {
	var powerCycles int
	table := NewTable(newFakeHart(), nil, func() { powerCycles++ })

	if got := table.Call(ExtSRST, FnSRSTSystemReset, [6]uint64{ResetTypeShutdown, ResetReasonNone}); got.Error != RetSuccess {
		t.Errorf("shutdown: expected success, got %#x", got.Error)
	}
	if powerCycles != 1 {
		t.Errorf("shutdown hook: expected 1 invocation, got %d", powerCycles)
	}

	for _, resetType := range []uint64{ResetTypeColdReboot, ResetTypeWarmReboot} {
		if got := table.Call(ExtSRST, FnSRSTSystemReset, [6]uint64{resetType, 0}); got.Error != RetSuccess {
			t.Errorf("reset type %d: expected success, got %#x", resetType, got.Error)
		}
	}
	if powerCycles != 1 {
		t.Errorf("reboots must not invoke the shutdown hook, got %d", powerCycles)
	}

	if got := table.Call(ExtSRST, FnSRSTSystemReset, [6]uint64{0x30, 0}); got.Error != RetErrNotSupported {
		t.Errorf("unknown type: expected not supported, got %#x", got.Error)
	}
	if got := table.Call(ExtSRST, FnSRSTSystemReset, [6]uint64{1 << 33, 0}); got.Error != RetErrInvalidParam {
		t.Errorf("type overflow: expected invalid param, got %#x", got.Error)
	}
}

func TestLegacyConsole(t *testing.T) {
	console := &fakeConsole{in: []byte("x")}
	table := NewTable(newFakeHart(), console, nil)

	if got := table.Call(ExtLegacyPutchar, 0, [6]uint64{'A'}); got.Error != RetSuccess {
		t.Errorf("putchar: expected success, got %#x", got.Error)
	}
	if string(console.out) != "A" {
		t.Errorf("console output: expected %q, got %q", "A", console.out)
	}

	if got := table.Call(ExtLegacyGetchar, 0, [6]uint64{}); got.Error != 'x' {
		t.Errorf("getchar: expected 'x', got %#x", got.Error)
	}
	if got := table.Call(ExtLegacyGetchar, 0, [6]uint64{}); got.Error != RetErrFailed {
		t.Errorf("getchar empty: expected -1, got %#x", got.Error)
	}
}

func TestNilConsole(t *testing.T) {
	table := NewTable(newFakeHart(), nil, nil)

	if got := table.Call(ExtLegacyPutchar, 0, [6]uint64{'A'}); got.Error != RetSuccess {
		t.Errorf("putchar: expected success, got %#x", got.Error)
	}
	if got := table.Call(ExtLegacyGetchar, 0, [6]uint64{}); got.Error != RetErrFailed {
		t.Errorf("getchar: expected -1, got %#x", got.Error)
	}
}

func TestUnknownExtension(t *testing.T) {
	table := NewTable(newFakeHart(), nil, nil)

	if got := table.Call(0x0A, 0, [6]uint64{}); got.Error != RetErrNotSupported {
		t.Errorf("expected not supported, got %#x", got.Error)
	}
}
