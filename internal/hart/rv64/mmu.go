package rv64

import "github.com/tinyrange/see/internal/hart"

// satp modes.
const (
	SatpModeOff  = 0
	SatpModeSv39 = 8
	SatpModeSv48 = 9
)

// Page table entry flags.
const (
	PteV = 1 << 0 // Valid
	PteR = 1 << 1 // Readable
	PteW = 1 << 2 // Writable
	PteX = 1 << 3 // Executable
	PteU = 1 << 4 // User accessible
	PteG = 1 << 5 // Global
	PteA = 1 << 6 // Accessed
	PteD = 1 << 7 // Dirty
)

const (
	PageSize  = 4096
	PageShift = 12
	vpnBits   = 9
	ppnBits   = 44
)

// Access kinds for translation.
const (
	accessRead = iota
	accessWrite
	accessFetch
)

type tlbEntry struct {
	valid    bool
	vpn      uint64
	ppn      uint64
	flags    uint64
	pageSize uint64
	asid     uint16
}

// MMU performs sv39/sv48 translation for the hart, with a small
// direct-mapped TLB.
type MMU struct {
	cpu *CPU
	tlb [512]tlbEntry
}

func NewMMU(cpu *CPU) *MMU {
	return &MMU{cpu: cpu}
}

// FlushTLB invalidates all cached translations.
func (mmu *MMU) FlushTLB() {
	for i := range mmu.tlb {
		mmu.tlb[i].valid = false
	}
}

// FlushTLBEntry invalidates the cached translation for one page.
func (mmu *MMU) FlushTLBEntry(vaddr uint64, asid uint16) {
	vpn := vaddr >> PageShift
	entry := &mmu.tlb[vpn&uint64(len(mmu.tlb)-1)]
	if entry.valid && (asid == 0 || entry.asid == asid) && entry.vpn == vpn {
		entry.valid = false
	}
}

// Translate maps a virtual address to a physical one for the given
// access kind.
func (mmu *MMU) Translate(vaddr uint64, access int) (uint64, error) {
	mode := (mmu.cpu.Satp >> 60) & 0xf
	if mode == SatpModeOff {
		return vaddr, nil
	}

	priv := mmu.cpu.Priv

	// MPRV makes loads and stores use the previous privilege.
	if priv == hart.PrivMachine && access != accessFetch && mmu.cpu.Mstatus&MstatusMPRV != 0 {
		priv = uint8((mmu.cpu.Mstatus >> hart.MstatusMPPShift) & 3)
	}

	if priv == hart.PrivMachine {
		return vaddr, nil
	}

	vpn := vaddr >> PageShift
	entry := &mmu.tlb[vpn&uint64(len(mmu.tlb)-1)]
	asid := uint16((mmu.cpu.Satp >> 44) & 0xffff)

	if entry.valid && entry.vpn == vpn && (entry.asid == asid || entry.flags&PteG != 0) {
		if err := mmu.checkPermissions(entry.flags, access, priv, vaddr); err != nil {
			return 0, err
		}

		// A and D updates go through the walker.
		switch {
		case entry.flags&PteA == 0:
			entry.valid = false
		case access == accessWrite && entry.flags&PteD == 0:
			entry.valid = false
		default:
			pageOffset := vaddr & (entry.pageSize - 1)
			return (entry.ppn << PageShift) | pageOffset, nil
		}
	}

	paddr, flags, pageSize, err := mmu.walk(vaddr, access, priv, mode)
	if err != nil {
		return 0, err
	}

	entry.valid = true
	entry.vpn = vpn
	entry.ppn = paddr >> PageShift
	entry.flags = flags
	entry.pageSize = pageSize
	entry.asid = asid

	return paddr, nil
}

func (mmu *MMU) walk(vaddr uint64, access int, priv uint8, mode uint64) (uint64, uint64, uint64, error) {
	var levels int
	var signBit uint64

	switch mode {
	case SatpModeSv39:
		levels = 3
		signBit = 1 << 38
	case SatpModeSv48:
		levels = 4
		signBit = 1 << 47
	default:
		return vaddr, PteR | PteW | PteX, PageSize, nil
	}

	// Non-canonical addresses fault without a walk.
	if vaddr >= signBit && vaddr < ^uint64(0)-signBit {
		return 0, 0, 0, pageFault(access, vaddr)
	}

	tableBase := (mmu.cpu.Satp & ((1 << ppnBits) - 1)) << PageShift
	var pageSize uint64 = PageSize

	for level := levels - 1; level >= 0; level-- {
		vpnShift := PageShift + level*vpnBits
		vpn := (vaddr >> vpnShift) & 0x1ff

		entryAddr := tableBase + vpn*8
		pte, err := mmu.cpu.Bus.Read64(entryAddr)
		if err != nil {
			return 0, 0, 0, pageFault(access, vaddr)
		}

		if pte&PteV == 0 {
			return 0, 0, 0, pageFault(access, vaddr)
		}
		if pte&PteR == 0 && pte&PteW != 0 {
			return 0, 0, 0, pageFault(access, vaddr)
		}

		if pte&PteR != 0 || pte&PteX != 0 {
			// Leaf entry.
			if level > 0 {
				mask := uint64(1<<(level*vpnBits)) - 1
				if (pte>>10)&mask != 0 {
					// Misaligned superpage.
					return 0, 0, 0, pageFault(access, vaddr)
				}
				pageSize = 1 << (PageShift + level*vpnBits)
			}

			if err := mmu.checkPermissions(pte, access, priv, vaddr); err != nil {
				return 0, 0, 0, err
			}

			if pte&PteA == 0 || (access == accessWrite && pte&PteD == 0) {
				newPte := pte | PteA
				if access == accessWrite {
					newPte |= PteD
				}
				if err := mmu.cpu.Bus.Write64(entryAddr, newPte); err != nil {
					return 0, 0, 0, pageFault(access, vaddr)
				}
				pte = newPte
			}

			ppn := (pte >> 10) & ((1 << ppnBits) - 1)
			if level > 0 {
				mask := uint64(1<<(level*vpnBits)) - 1
				ppn = (ppn &^ mask) | ((vaddr >> PageShift) & mask)
			}

			return (ppn << PageShift) | (vaddr & (pageSize - 1)), pte, pageSize, nil
		}

		tableBase = ((pte >> 10) & ((1 << ppnBits) - 1)) << PageShift
	}

	return 0, 0, 0, pageFault(access, vaddr)
}

func (mmu *MMU) checkPermissions(pte uint64, access int, priv uint8, vaddr uint64) error {
	if priv == hart.PrivUser {
		if pte&PteU == 0 {
			return pageFault(access, vaddr)
		}
	} else if pte&PteU != 0 && mmu.cpu.Mstatus&MstatusSUM == 0 {
		return pageFault(access, vaddr)
	}

	switch access {
	case accessRead:
		if pte&PteR == 0 {
			// MXR lets loads read executable pages.
			if mmu.cpu.Mstatus&MstatusMXR != 0 && pte&PteX != 0 {
				return nil
			}
			return pageFault(access, vaddr)
		}
	case accessWrite:
		if pte&PteW == 0 {
			return pageFault(access, vaddr)
		}
	case accessFetch:
		if pte&PteX == 0 {
			return pageFault(access, vaddr)
		}
	}

	return nil
}

func pageFault(access int, vaddr uint64) error {
	switch access {
	case accessWrite:
		return Exception(hart.CauseStorePageFault, vaddr)
	case accessFetch:
		return Exception(hart.CauseInsnPageFault, vaddr)
	default:
		return Exception(hart.CauseLoadPageFault, vaddr)
	}
}

// TranslateRead translates a load.
func (mmu *MMU) TranslateRead(vaddr uint64) (uint64, error) {
	return mmu.Translate(vaddr, accessRead)
}

// TranslateWrite translates a store.
func (mmu *MMU) TranslateWrite(vaddr uint64) (uint64, error) {
	return mmu.Translate(vaddr, accessWrite)
}

// TranslateFetch translates an instruction fetch.
func (mmu *MMU) TranslateFetch(vaddr uint64) (uint64, error) {
	return mmu.Translate(vaddr, accessFetch)
}
