package rv32

// SATP modes. SV32's satp is a single MODE bit, not the 4-bit field RV64
// uses: bit 31 selects Bare (0) or Sv32 (1).
const (
	SatpModeOff  = 0
	SatpModeSv32 = 1
)

// Page table entry flags.
const (
	PteV = 1 << 0
	PteR = 1 << 1
	PteW = 1 << 2
	PteX = 1 << 3
	PteU = 1 << 4
	PteG = 1 << 5
	PteA = 1 << 6
	PteD = 1 << 7
)

// SV32 geometry: two levels, 10-bit VPN fields, 4-byte PTEs, 22-bit PPN.
const (
	PageSize  = 4096
	PageShift = 12
	PteLevels = 2
	VpnBits   = 10
	PpnBits   = 22
)

// TLBEntry caches one virtual-page-number-to-host-permission translation,
// direct-mapped by the low bits of the VPN (spec.md §4.2).
type TLBEntry struct {
	Valid    bool
	VPN      uint32
	PPN      uint32
	Flags    uint32
	PageSize uint32
	ASID     uint16
}

// MMU resolves virtual addresses for one hart through its TLB and, on a
// miss, the SV32 page-table walker.
type MMU struct {
	cpu *CPU
	tlb [TLBSize]TLBEntry
}

func NewMMU(cpu *CPU) *MMU {
	return &MMU{cpu: cpu}
}

// FlushTLB invalidates every entry. Called on any write to satp, any
// SFENCE.VMA, or any mstatus write that changes MPRV/MPP/SUM/MXR.
func (mmu *MMU) FlushTLB() {
	for i := range mmu.tlb {
		mmu.tlb[i].Valid = false
	}
}

// FlushTLBEntry invalidates the single entry mapping vaddr, if any.
func (mmu *MMU) FlushTLBEntry(vaddr uint32, asid uint16) {
	vpn := vaddr >> PageShift
	idx := vpn & uint32(len(mmu.tlb)-1)
	entry := &mmu.tlb[idx]
	if entry.Valid && (asid == 0 || entry.ASID == asid) && entry.VPN == vpn {
		entry.Valid = false
	}
}

// Translate resolves a virtual address to a physical address.
// access: 0=read, 1=write, 2=execute.
func (mmu *MMU) Translate(vaddr uint32, access int) (uint32, error) {
	mode := (mmu.cpu.Satp >> 31) & 0x1

	if mode == SatpModeOff {
		return vaddr, nil
	}

	priv := mmu.cpu.Priv

	// MPRV: loads/stores (not fetches) in M-mode use the MPP-indicated
	// privilege's translation instead of bypassing it.
	if mmu.cpu.Priv == PrivMachine && access != 2 && (mmu.cpu.Status&MstatusMPRV) != 0 {
		priv = uint8((mmu.cpu.Status >> MstatusMPPShift) & 3)
	}

	if priv == PrivMachine {
		return vaddr, nil
	}

	vpn := vaddr >> PageShift
	idx := vpn & uint32(len(mmu.tlb)-1)
	entry := &mmu.tlb[idx]

	asid := uint16((mmu.cpu.Satp >> 22) & 0x1ff)

	if entry.Valid && entry.VPN == vpn && (entry.ASID == asid || entry.Flags&PteG != 0) {
		if err := mmu.checkPermissions(entry.Flags, access, priv, vaddr); err != nil {
			return 0, err
		}

		if entry.Flags&PteA == 0 {
			entry.Valid = false // force re-walk to set A
		} else if access == 1 && entry.Flags&PteD == 0 {
			entry.Valid = false // force re-walk to set D
		} else {
			pageOffset := vaddr & (entry.PageSize - 1)
			return (entry.PPN << PageShift) | pageOffset, nil
		}
	}

	paddr, flags, pageSize, err := mmu.walkPageTable(vaddr, access, priv)
	if err != nil {
		return 0, err
	}

	entry.Valid = true
	entry.VPN = vpn
	entry.PPN = paddr >> PageShift
	entry.Flags = flags
	entry.PageSize = pageSize
	entry.ASID = asid

	return paddr, nil
}

// walkPageTable performs the SV32 two-level walk (spec.md §4.2 steps 1-5).
func (mmu *MMU) walkPageTable(vaddr uint32, access int, priv uint8) (uint32, uint32, uint32, error) {
	vpnMask := uint32(1<<VpnBits) - 1

	ppn := mmu.cpu.Satp & ((1 << PpnBits) - 1)
	pteAddr := ppn << PageShift

	var pte uint32
	pageSize := uint32(PageSize)

	for level := PteLevels - 1; level >= 0; level-- {
		vpnShift := PageShift + level*VpnBits
		vpn := (vaddr >> vpnShift) & vpnMask

		pteAddr = pteAddr + vpn*4
		val, err := mmu.cpu.Bus.Read32(pteAddr)
		if err != nil {
			return 0, 0, 0, mmu.pageFault(access, vaddr)
		}
		pte = val

		if pte&PteV == 0 {
			return 0, 0, 0, mmu.pageFault(access, vaddr)
		}
		if pte&PteR == 0 && pte&PteW != 0 {
			return 0, 0, 0, mmu.pageFault(access, vaddr)
		}

		if pte&PteR != 0 || pte&PteX != 0 {
			// Leaf PTE.
			if level > 0 {
				// Only level 1 can be a superpage (4 MiB); its low 10
				// PPN bits (the level-0 VPN slot) must be zero.
				if (pte>>10)&vpnMask != 0 {
					return 0, 0, 0, mmu.pageFault(access, vaddr)
				}
				pageSize = 1 << (PageShift + level*VpnBits)
			}

			if err := mmu.checkPermissions(pte, access, priv, vaddr); err != nil {
				return 0, 0, 0, err
			}

			if pte&PteA == 0 || (access == 1 && pte&PteD == 0) {
				newPte := pte | PteA
				if access == 1 {
					newPte |= PteD
				}
				if err := mmu.cpu.Bus.Write32(pteAddr, newPte); err != nil {
					return 0, 0, 0, mmu.pageFault(access, vaddr)
				}
				pte = newPte
			}

			ppn := (pte >> 10) & ((1 << PpnBits) - 1)
			pageOffset := vaddr & (pageSize - 1)

			if level > 0 {
				// Superpage: the low VPN bits come from the virtual
				// address, not the PTE.
				vpnLow := (vaddr >> PageShift) & vpnMask
				ppn = (ppn &^ vpnMask) | vpnLow
			}

			paddr := (ppn << PageShift) | pageOffset
			return paddr, pte, pageSize, nil
		}

		// Non-leaf: descend.
		ppn := (pte >> 10) & ((1 << PpnBits) - 1)
		pteAddr = ppn << PageShift
	}

	return 0, 0, 0, mmu.pageFault(access, vaddr)
}

func (mmu *MMU) checkPermissions(pte uint32, access int, priv uint8, vaddr uint32) error {
	if priv == PrivUser {
		if pte&PteU == 0 {
			return mmu.pageFault(access, vaddr)
		}
	} else {
		if pte&PteU != 0 && (mmu.cpu.Status&MstatusSUM) == 0 {
			return mmu.pageFault(access, vaddr)
		}
	}

	switch access {
	case 0: // read
		if pte&PteR == 0 {
			if (mmu.cpu.Status&MstatusMXR) != 0 && (pte&PteX) != 0 {
				return nil
			}
			return mmu.pageFault(access, vaddr)
		}
	case 1: // write
		if pte&PteW == 0 {
			return mmu.pageFault(access, vaddr)
		}
	case 2: // execute
		if pte&PteX == 0 {
			return mmu.pageFault(access, vaddr)
		}
	}

	return nil
}

func (mmu *MMU) pageFault(access int, vaddr uint32) error {
	switch access {
	case 0:
		return Exception(CauseLoadPageFault, vaddr)
	case 1:
		return Exception(CauseStorePageFault, vaddr)
	case 2:
		return Exception(CauseInsnPageFault, vaddr)
	}
	return Exception(CauseLoadPageFault, vaddr)
}

func (mmu *MMU) TranslateRead(vaddr uint32) (uint32, error)  { return mmu.Translate(vaddr, 0) }
func (mmu *MMU) TranslateWrite(vaddr uint32) (uint32, error) { return mmu.Translate(vaddr, 1) }
func (mmu *MMU) TranslateFetch(vaddr uint32) (uint32, error) { return mmu.Translate(vaddr, 2) }
