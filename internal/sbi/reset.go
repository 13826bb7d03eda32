package sbi

// System reset function ids.
const (
	FnSRSTSystemReset = 0
)

// Reset types.
const (
	ResetTypeShutdown   = 0
	ResetTypeColdReboot = 1
	ResetTypeWarmReboot = 2
)

// Reset reasons.
const (
	ResetReasonNone          = 0
	ResetReasonSystemFailure = 1
)

// reset serves the SRST extension. Reboot requests only validate here;
// the trap runtime ends the session when it sees one granted and the
// embedding runner performs the actual restart. Shutdown powers the
// platform off through the hook and still reports success, matching a
// machine whose power drops a moment after the call returns.
func (t *Table) reset(fid uint64, args [6]uint64) Ret {
	switch fid {
	case FnSRSTSystemReset:
		resetType := args[0]
		if resetType != uint64(uint32(resetType)) {
			return Ret{Error: RetErrInvalidParam}
		}
		switch uint32(resetType) {
		case ResetTypeShutdown:
			if t.shutdown != nil {
				t.shutdown()
			}
			return Ret{}
		case ResetTypeColdReboot, ResetTypeWarmReboot:
			return Ret{}
		default:
			return Ret{Error: RetErrNotSupported}
		}

	default:
		return Ret{Error: RetErrNotSupported}
	}
}
