package monitor

// rdtime reads the real-time counter CSR. The platform traps it as
// illegal instead of implementing the counter in hardware; only the
// destination register field varies between encodings.
const (
	rdtimeOpcode = 0xC0102073
	rdMask       = 0x1F << 7
)

// emulateRdtime recognizes a trapped rdtime instruction and synthesizes
// its effect: the current time counter lands in the destination
// register unless that is the zero register, and execution steps past
// the instruction. Reports false for any other encoding, leaving the
// context untouched for the trap forwarder.
func (m *Monitor) emulateRdtime(insn uint64) bool {
	if insn&^uint64(rdMask) != rdtimeOpcode {
		return false
	}

	rd := int(insn&rdMask) >> 7
	if rd != 0 {
		m.ctx.SetReg(rd, m.hart.ReadTime())
	}
	m.ctx.Mepc += 4

	return true
}
