package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/see/internal/hart"
	"github.com/tinyrange/see/internal/sbi"
)

// ErrUnhandledTrap is returned when a trap reaches machine mode that
// the loop has no model for. The report has already been written to the
// diagnostic sink; resuming the hart would corrupt supervisor state, so
// the session is over.
var ErrUnhandledTrap = errors.New("unhandled machine trap")

// CallTable resolves firmware calls. The loop treats it as opaque: any
// (extension, function, arguments) tuple in, a (status, value) pair
// out.
type CallTable interface {
	Call(eid, fid uint64, args [6]uint64) sbi.Ret
}

// Reason reports why a supervision session ended.
type Reason int

const (
	// ReasonNone is the zero value; sessions that end in an error
	// carry no reason.
	ReasonNone Reason = iota
	// ReasonHartStop: the payload stopped its hart.
	ReasonHartStop
	// ReasonSuspend: the payload entered a non-retentive suspend.
	ReasonSuspend
	// ReasonColdReboot: the payload requested a cold system reset.
	ReasonColdReboot
	// ReasonWarmReboot: the payload requested a warm system reset.
	ReasonWarmReboot
	// ReasonShutdown: the platform powered off at the payload's
	// request. Reported by the runtime, never by the loop itself.
	ReasonShutdown
)

func (r Reason) String() string {
	switch r {
	case ReasonHartStop:
		return "hart-stop"
	case ReasonSuspend:
		return "suspend"
	case ReasonColdReboot:
		return "cold-reboot"
	case ReasonWarmReboot:
		return "warm-reboot"
	case ReasonShutdown:
		return "shutdown"
	default:
		return "none"
	}
}

// Monitor drives one supervision session on one hart. Create one per
// session; Run configures the hart and loops until the payload ends
// supervision or a fatal trap is reported.
type Monitor struct {
	hart   hart.Hart
	table  CallTable
	sup    Supervisor
	hartID uint64
	diag   io.Writer

	ctx    *Context
	anchor uint64
}

// New creates a monitor for a hart. diag receives the fatal trap
// report; nil discards it.
func New(h hart.Hart, table CallTable, sup Supervisor, hartID uint64, diag io.Writer) *Monitor {
	if diag == nil {
		diag = io.Discard
	}
	return &Monitor{
		hart:   h,
		table:  table,
		sup:    sup,
		hartID: hartID,
		diag:   diag,
	}
}

// setup configures trap delegation and interrupt enables. The order is
// load-bearing: the context snapshots mstatus after the target
// privilege and global enable are set, pending bits are cleared before
// any source is enabled, and the vector is installed before the sources
// that would use it.
func (m *Monitor) setup() {
	h := m.hart

	m.anchor = h.ReadReg(2) - contextFrameBytes

	h.ClearCSR(hart.CSRMstatus, hart.MstatusMPP)
	h.SetCSR(hart.CSRMstatus, uint64(hart.PrivSupervisor)<<hart.MstatusMPPShift)
	h.SetCSR(hart.CSRMstatus, hart.MstatusMIE)

	m.ctx = newContext(h, m.sup, m.hartID)

	h.WriteCSR(hart.CSRMip, 0)

	// Delegate every interrupt class; the loop re-injects them as
	// supervisor pending bits itself.
	h.WriteCSR(hart.CSRMideleg, ^uint64(0))

	h.ClearCSR(hart.CSRMstatus, hart.MstatusMIE)

	// Intercept page faults and the payload's user-mode environment
	// calls in supervisor mode rather than here.
	h.SetCSR(hart.CSRMedeleg,
		1<<hart.CauseLoadPageFault|
			1<<hart.CauseStorePageFault|
			1<<hart.CauseEcallFromU)

	// The frame anchor stands in for the reverse-switch entry point;
	// the hart parks on machine traps before fetching from the vector.
	h.WriteCSR(hart.CSRMtvec, m.anchor)

	h.SetCSR(hart.CSRMie, hart.MipMEIP|hart.MipMSIP|hart.MipMTIP)
}

// Run supervises the payload until it ends the session or a fatal trap
// is reported. The returned reason says which terminating call ended
// supervision. A Monitor runs once.
func (m *Monitor) Run(ctx context.Context) (Reason, error) {
	m.setup()

	slog.Debug("supervision started",
		"hart", m.hartID,
		"entry", fmt.Sprintf("%#x", m.sup.Entry),
		"opaque", fmt.Sprintf("%#x", m.sup.Opaque))

	for {
		if err := m.enter(ctx); err != nil {
			return ReasonNone, fmt.Errorf("resume supervisor: %w", err)
		}

		cause := hart.Cause(m.hart.ReadCSR(hart.CSRMcause))

		switch cause {
		case hart.CauseMTimerInt:
			// Disarm the comparator and level the interrupt into the
			// supervisor pending bit so it cannot refire before the
			// payload observes it.
			m.hart.SetTimeCmp(^uint64(0))
			m.hart.SetCSR(hart.CSRMip, hart.MipSTIP)

		case hart.CauseMSoftwareInt:
			m.hart.ClearSoftIRQ()
			m.hart.SetCSR(hart.CSRMip, hart.MipSSIP)

		case hart.CauseEcallFromS:
			if reason, stop := m.handleEcall(); stop {
				slog.Info("supervision ended", "hart", m.hartID, "reason", reason)
				return reason, nil
			}

		case hart.CauseIllegalInsn:
			insn := m.hart.ReadCSR(hart.CSRMtval)
			if !m.emulateRdtime(insn) {
				m.forwardTrap(cause)
			}

		default:
			m.reportFatal(cause)
			return ReasonNone, ErrUnhandledTrap
		}
	}
}
