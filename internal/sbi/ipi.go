package sbi

// IPI extension function ids.
const (
	FnIPISendIPI = 0
)

// Remote fence extension function ids.
const (
	FnRfenceFenceI        = 0
	FnRfenceSFenceVMA     = 1
	FnRfenceSFenceVMAASID = 2
)

// hartZeroSelected decodes a hart mask against the single hart this
// platform has. A base of all ones means every available hart. valid is
// false when the mask names a hart that does not exist.
func hartZeroSelected(mask, base uint64) (selected, valid bool) {
	if base == ^uint64(0) {
		return true, true
	}
	if base != 0 {
		return false, mask == 0
	}
	return mask&1 != 0, mask&^1 == 0
}

// ipi serves the sPI extension. An IPI to the running hart raises its
// machine software interrupt; the trap runtime intercepts that and
// levels it into the supervisor software-pending bit.
func (t *Table) ipi(fid uint64, args [6]uint64) Ret {
	switch fid {
	case FnIPISendIPI:
		selected, valid := hartZeroSelected(args[0], args[1])
		if !valid {
			return Ret{Error: RetErrInvalidParam}
		}
		if selected {
			t.hart.RaiseSoftIRQ()
		}
		return Ret{}
	default:
		return Ret{Error: RetErrNotSupported}
	}
}

// rfence serves the RFNC extension. With a single hart there is no
// remote state to shoot down; local fences execute architecturally in
// supervisor mode, so every recognized request validates its mask and
// succeeds.
func (t *Table) rfence(fid uint64, args [6]uint64) Ret {
	switch fid {
	case FnRfenceFenceI, FnRfenceSFenceVMA, FnRfenceSFenceVMAASID:
		if _, valid := hartZeroSelected(args[0], args[1]); !valid {
			return Ret{Error: RetErrInvalidParam}
		}
		return Ret{}
	default:
		return Ret{Error: RetErrNotSupported}
	}
}
