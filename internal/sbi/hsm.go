package sbi

// Hart state management function ids.
const (
	FnHSMHartStart     = 0
	FnHSMHartStop      = 1
	FnHSMHartGetStatus = 2
	FnHSMHartSuspend   = 3
)

// Hart states reported by hart_get_status.
const (
	HartStateStarted        = 0
	HartStateStopped        = 1
	HartStateStartPending   = 2
	HartStateStopPending    = 3
	HartStateSuspended      = 4
	HartStateSuspendPending = 5
	HartStateResumePending  = 6
)

// Suspend types. The non-retentive type gives up all architectural
// state; granting it ends the supervision session.
const (
	SuspendRetentive    = 0x00000000
	SuspendNonRetentive = 0x80000000
)

// hsm serves the hart state management extension for a platform with a
// single hart. The hart calling in is by definition started; requests
// that would stop it succeed here and the trap runtime ends the session
// when it sees them granted.
func (t *Table) hsm(fid uint64, args [6]uint64) Ret {
	switch fid {
	case FnHSMHartStart:
		if args[0] != 0 {
			return Ret{Error: RetErrInvalidParam}
		}
		// Hart 0 is the caller; it is already running.
		return Ret{Error: RetErrAlreadyAvailable}

	case FnHSMHartStop:
		return Ret{}

	case FnHSMHartGetStatus:
		if args[0] != 0 {
			return Ret{Error: RetErrInvalidParam}
		}
		return Ret{Value: HartStateStarted}

	case FnHSMHartSuspend:
		suspendType := args[0]
		if suspendType != uint64(uint32(suspendType)) {
			return Ret{Error: RetErrInvalidParam}
		}
		switch uint32(suspendType) {
		case SuspendRetentive:
			// Granted and immediately resumed: the platform has no
			// lower-power state to enter.
			return Ret{}
		case SuspendNonRetentive:
			return Ret{}
		default:
			return Ret{Error: RetErrNotSupported}
		}

	default:
		return Ret{Error: RetErrNotSupported}
	}
}
