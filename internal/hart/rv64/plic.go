package rv64

import (
	"sync"

	"github.com/tinyrange/see/internal/hart"
)

// PLIC register offsets
const (
	PLICPriorityBase  = 0x000000 // Priority registers (1024 sources)
	PLICPendingBase   = 0x001000 // Pending bits
	PLICEnableBase    = 0x002000 // Enable bits per context
	PLICThresholdBase = 0x200000 // Threshold and claim per context
)

const PLICContextStride = 0x1000

// Interrupt routing contexts. Context 0 targets machine mode, context 1
// supervisor mode. Machine-mode software never programs the PLIC, so
// external interrupts only ever pend as SEIP.
const (
	plicContextM = 0
	plicContextS = 1
)

// Maximum number of interrupt sources
const PLICMaxSources = 1024

// PLIC implements the platform-level interrupt controller.
type PLIC struct {
	cpu *CPU
	mu  sync.Mutex

	// Priority for each source (0-7, 0 = disabled)
	priority [PLICMaxSources]uint32

	// Pending bits (1 bit per source)
	pending [PLICMaxSources / 32]uint32

	// Enable bits, threshold and claim per context
	enable    [2][PLICMaxSources / 32]uint32
	threshold [2]uint32
	claimed   [2]uint32
}

// NewPLIC creates a new PLIC
func NewPLIC(cpu *CPU) *PLIC {
	return &PLIC{
		cpu: cpu,
	}
}

// Size implements Device
func (p *PLIC) Size() uint64 {
	return PLICSize
}

// Read implements Device
func (p *PLIC) Read(offset uint64, size int) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case offset < PLICPendingBase:
		source := offset / 4
		if source < PLICMaxSources {
			return uint64(p.priority[source]), nil
		}

	case offset >= PLICPendingBase && offset < PLICEnableBase:
		word := (offset - PLICPendingBase) / 4
		if word < uint64(len(p.pending)) {
			return uint64(p.pending[word]), nil
		}

	case offset >= PLICEnableBase && offset < PLICThresholdBase:
		relOffset := offset - PLICEnableBase
		context := relOffset / 0x80
		word := (relOffset % 0x80) / 4
		if context < 2 && word < uint64(len(p.enable[0])) {
			return uint64(p.enable[context][word]), nil
		}

	case offset >= PLICThresholdBase:
		relOffset := offset - PLICThresholdBase
		context := relOffset / PLICContextStride
		regOffset := relOffset % PLICContextStride

		if context < 2 {
			switch regOffset {
			case 0: // threshold
				return uint64(p.threshold[context]), nil
			case 4: // claim
				return uint64(p.claim(int(context))), nil
			}
		}
	}

	return 0, nil
}

// Write implements Device
func (p *PLIC) Write(offset uint64, size int, value uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case offset < PLICPendingBase:
		source := offset / 4
		if source < PLICMaxSources && source > 0 { // source 0 is reserved
			p.priority[source] = uint32(value) & 7
		}

	case offset >= PLICEnableBase && offset < PLICThresholdBase:
		relOffset := offset - PLICEnableBase
		context := relOffset / 0x80
		word := (relOffset % 0x80) / 4
		if context < 2 && word < uint64(len(p.enable[0])) {
			p.enable[context][word] = uint32(value)
		}

	case offset >= PLICThresholdBase:
		relOffset := offset - PLICThresholdBase
		context := relOffset / PLICContextStride
		regOffset := relOffset % PLICContextStride

		if context < 2 {
			switch regOffset {
			case 0: // threshold
				p.threshold[context] = uint32(value) & 7
			case 4: // complete
				p.complete(int(context), uint32(value))
			}
		}
	}

	p.updateInterrupt()
	return nil
}

// SetPending sets or clears an interrupt source.
func (p *PLIC) SetPending(source uint32, pending bool) {
	if source == 0 || source >= PLICMaxSources {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	word := source / 32
	bit := source % 32

	if pending {
		p.pending[word] |= 1 << bit
	} else {
		p.pending[word] &^= 1 << bit
	}

	p.updateInterrupt()
}

// claim hands out the highest priority pending interrupt for a context.
func (p *PLIC) claim(context int) uint32 {
	if context >= 2 {
		return 0
	}

	var bestSource uint32
	var bestPriority uint32

	for source := uint32(1); source < PLICMaxSources; source++ {
		word := source / 32
		bit := source % 32

		if (p.pending[word]&(1<<bit)) == 0 {
			continue
		}
		if (p.enable[context][word]&(1<<bit)) == 0 {
			continue
		}

		priority := p.priority[source]
		if priority <= p.threshold[context] {
			continue
		}

		// Higher number wins.
		if priority > bestPriority {
			bestPriority = priority
			bestSource = source
		}
	}

	if bestSource != 0 {
		word := bestSource / 32
		bit := bestSource % 32
		p.pending[word] &^= 1 << bit
		p.claimed[context] = bestSource
	}

	p.updateInterrupt()
	return bestSource
}

// complete signals completion of interrupt handling
func (p *PLIC) complete(context int, source uint32) {
	if context >= 2 || source == 0 || source >= PLICMaxSources {
		return
	}

	if p.claimed[context] == source {
		p.claimed[context] = 0
	}

	p.updateInterrupt()
}

// updateInterrupt recomputes the external interrupt pending bits.
func (p *PLIC) updateInterrupt() {
	if p.hasPendingInterrupt(plicContextM) {
		p.cpu.Mip |= hart.MipMEIP
	} else {
		p.cpu.Mip &^= hart.MipMEIP
	}

	if p.hasPendingInterrupt(plicContextS) {
		p.cpu.Mip |= hart.MipSEIP
	} else {
		p.cpu.Mip &^= hart.MipSEIP
	}
}

// hasPendingInterrupt checks for a pending enabled interrupt above the
// context threshold.
func (p *PLIC) hasPendingInterrupt(context int) bool {
	if context >= 2 {
		return false
	}

	for source := uint32(1); source < PLICMaxSources; source++ {
		word := source / 32
		bit := source % 32

		if (p.pending[word]&(1<<bit)) == 0 {
			continue
		}
		if (p.enable[context][word]&(1<<bit)) == 0 {
			continue
		}

		if p.priority[source] > p.threshold[context] {
			return true
		}
	}

	return false
}

var _ Device = (*PLIC)(nil)
