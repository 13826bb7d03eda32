package sbi

import "github.com/tinyrange/see/internal/hart"

// Timer extension function ids.
const (
	FnTimeSetTimer = 0
)

// time serves the TIME extension. set_timer arms the platform
// comparator and clears the supervisor timer-pending bit; the trap
// runtime raises it again when the deadline passes.
func (t *Table) time(fid uint64, args [6]uint64) Ret {
	switch fid {
	case FnTimeSetTimer:
		t.hart.SetTimeCmp(args[0])
		t.hart.ClearCSR(hart.CSRMip, hart.MipSTIP)
		return Ret{}
	default:
		return Ret{Error: RetErrNotSupported}
	}
}
