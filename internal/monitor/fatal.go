package monitor

import (
	"fmt"

	"github.com/tinyrange/see/internal/hart"
)

// reportFatal writes the crash report for a trap the loop has no model
// for. The hart stays parked; the caller ends the session.
func (m *Monitor) reportFatal(cause hart.Cause) {
	fmt.Fprintf(m.diag,
		"\n-----------------------------\n"+
			"> exception: %v\n"+
			"> mstatus:   %#016x\n"+
			"> mepc:      %#016x\n"+
			"> mtval:     %#016x\n"+
			"-----------------------------\n",
		cause,
		m.hart.ReadCSR(hart.CSRMstatus),
		m.hart.ReadCSR(hart.CSRMepc),
		m.hart.ReadCSR(hart.CSRMtval))
}
