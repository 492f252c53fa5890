package rv32

// CSROp is the operation carried by a CSRRx instruction (spec.md §4.3).
type CSROp int

const (
	CSROpRead CSROp = iota
	CSROpWrite
	CSROpSet
	CSROpClear
)

// csrGetSet is the read/write callback pair installed for one CSR slot.
// get returns the current value; set receives the unmasked post-op value to
// store and returns nothing — side effects (TLB flush, masking reserved
// bits) happen inside set.
type csrGetSet struct {
	name string
	get  func(cpu *CPU) uint32
	set  func(cpu *CPU, val uint32)
}

// csrTable holds the 4096 indexed CSR entries (spec.md §3, §4.3): a name
// plus callbacks per slot. Slots not installed by the init* functions below
// keep a nil get, which CSRAccess treats as ILLEGAL_INSTRUCTION rather than
// silently returning zero.
var csrTable [4096]csrGetSet

func registerCSR(addr uint16, name string, get func(cpu *CPU) uint32, set func(cpu *CPU, val uint32)) {
	csrTable[addr] = csrGetSet{name: name, get: get, set: set}
}

func init() {
	initMachineCSRs()
	initSupervisorCSRs()
	initUserCSRs()
}

// csrPrivilege extracts the minimum privilege level required to access a
// CSR from its address (bits [9:8] of the 12-bit index, privileged spec).
func csrPrivilege(addr uint16) uint8 {
	return uint8((addr >> 8) & 3)
}

// csrReadOnly reports whether the top two bits of the address (the
// conventional "read-only" encoding) are both set.
func csrReadOnly(addr uint16) bool {
	return (addr>>10)&3 == 3
}

// CSRAccess performs one CSRRx/CSRRxI operation (spec.md §4.3): it reads the
// slot's current value, and for write/set/clear ops computes the new value
// and stores it. It returns the value to load into the destination register
// (always the pre-op value, per the ISA's "swap" semantics).
func (cpu *CPU) CSRAccess(addr uint16, op CSROp, operand uint32) (uint32, error) {
	if csrPrivilege(addr) > cpu.Priv {
		return 0, Exception(CauseIllegalInsn, 0)
	}
	slot := csrTable[addr]
	if slot.get == nil {
		return 0, Exception(CauseIllegalInsn, 0)
	}

	old := slot.get(cpu)

	if op == CSROpRead {
		return old, nil
	}
	if csrReadOnly(addr) {
		return 0, Exception(CauseIllegalInsn, 0)
	}

	var newVal uint32
	switch op {
	case CSROpWrite:
		newVal = operand
	case CSROpSet:
		newVal = old | operand
	case CSROpClear:
		newVal = old &^ operand
	}
	slot.set(cpu, newVal)
	return old, nil
}

// flushTLBIfTranslationChanged re-walks on the next access whenever a CSR
// write could change the effective translation (spec.md §4.2: "any CSR
// write that alters address translation... flushes all entries").
func (cpu *CPU) flushTLBIfTranslationChanged() {
	cpu.MMU.FlushTLB()
}

func initMachineCSRs() {
	registerCSR(CSRMstatus, "mstatus",
		func(cpu *CPU) uint32 { return cpu.Status },
		func(cpu *CPU, val uint32) {
			const writable = MstatusSIE | MstatusMIE | MstatusSPIE | MstatusMPIE |
				MstatusSPP | MstatusMPP | MstatusMPRV | MstatusSUM | MstatusMXR |
				MstatusTVM | MstatusTW | MstatusTSR
			before := cpu.Status
			cpu.Status = (cpu.Status &^ writable) | (val & writable)
			if (before^cpu.Status)&(MstatusMPRV|MstatusMPP|MstatusSUM|MstatusMXR) != 0 {
				cpu.flushTLBIfTranslationChanged()
			}
		})
	registerCSR(CSRMisa, "misa",
		func(cpu *CPU) uint32 { return cpu.Misa },
		func(cpu *CPU, val uint32) {})
	registerCSR(CSRMedeleg, "medeleg",
		func(cpu *CPU) uint32 { return cpu.Edeleg[PrivMachine] },
		func(cpu *CPU, val uint32) { cpu.Edeleg[PrivMachine] = val & 0xb3ff })
	registerCSR(CSRMideleg, "mideleg",
		func(cpu *CPU) uint32 { return cpu.Ideleg[PrivMachine] },
		func(cpu *CPU, val uint32) {
			const mask = MipSSIP | MipSTIP | MipSEIP
			cpu.Ideleg[PrivMachine] = val & mask
		})
	registerCSR(CSRMie, "mie",
		func(cpu *CPU) uint32 { return cpu.Ie },
		func(cpu *CPU, val uint32) {
			const mask = MipSSIP | MipMSIP | MipSTIP | MipMTIP | MipSEIP | MipMEIP
			cpu.Ie = val & mask
		})
	registerCSR(CSRMtvec, "mtvec",
		func(cpu *CPU) uint32 { return cpu.Tvec[PrivMachine] },
		func(cpu *CPU, val uint32) { cpu.Tvec[PrivMachine] = val })
	registerCSR(CSRMcounteren, "mcounteren",
		func(cpu *CPU) uint32 { return cpu.Counteren[PrivMachine] },
		func(cpu *CPU, val uint32) { cpu.Counteren[PrivMachine] = val })
	registerCSR(CSRMscratch, "mscratch",
		func(cpu *CPU) uint32 { return cpu.Scratch[PrivMachine] },
		func(cpu *CPU, val uint32) { cpu.Scratch[PrivMachine] = val })
	registerCSR(CSRMepc, "mepc",
		func(cpu *CPU) uint32 { return cpu.Epc[PrivMachine] },
		func(cpu *CPU, val uint32) { cpu.Epc[PrivMachine] = val &^ 1 })
	registerCSR(CSRMcause, "mcause",
		func(cpu *CPU) uint32 { return cpu.Cause[PrivMachine] },
		func(cpu *CPU, val uint32) { cpu.Cause[PrivMachine] = val })
	registerCSR(CSRMtval, "mtval",
		func(cpu *CPU) uint32 { return cpu.Tval[PrivMachine] },
		func(cpu *CPU, val uint32) { cpu.Tval[PrivMachine] = val })
	registerCSR(CSRMip, "mip",
		func(cpu *CPU) uint32 { return cpu.Ip },
		func(cpu *CPU, val uint32) {
			// Only the software/external-injected bits are guest-writable;
			// MTIP/MEIP track external device state (spec.md §3 invariant).
			const mask = MipSSIP | MipSTIP | MipSEIP | MipMSIP
			cpu.Ip = (cpu.Ip &^ mask) | (val & mask)
		})
	registerCSR(CSRMhartid, "mhartid",
		func(cpu *CPU) uint32 { return cpu.HartID },
		func(cpu *CPU, val uint32) {})
}

func initSupervisorCSRs() {
	const sstatusMask = MstatusSIE | MstatusSPIE | MstatusSPP | MstatusSUM | MstatusMXR

	registerCSR(CSRSstatus, "sstatus",
		func(cpu *CPU) uint32 { return cpu.Status & sstatusMask },
		func(cpu *CPU, val uint32) {
			before := cpu.Status
			cpu.Status = (cpu.Status &^ sstatusMask) | (val & sstatusMask)
			if (before^cpu.Status)&(MstatusSUM|MstatusMXR) != 0 {
				cpu.flushTLBIfTranslationChanged()
			}
		})
	registerCSR(CSRSie, "sie",
		func(cpu *CPU) uint32 { return cpu.Ie & cpu.Ideleg[PrivMachine] },
		func(cpu *CPU, val uint32) {
			d := cpu.Ideleg[PrivMachine]
			cpu.Ie = (cpu.Ie &^ d) | (val & d)
		})
	registerCSR(CSRStvec, "stvec",
		func(cpu *CPU) uint32 { return cpu.Tvec[PrivSupervisor] },
		func(cpu *CPU, val uint32) { cpu.Tvec[PrivSupervisor] = val })
	registerCSR(CSRScounteren, "scounteren",
		func(cpu *CPU) uint32 { return cpu.Counteren[PrivSupervisor] },
		func(cpu *CPU, val uint32) { cpu.Counteren[PrivSupervisor] = val })
	registerCSR(CSRSscratch, "sscratch",
		func(cpu *CPU) uint32 { return cpu.Scratch[PrivSupervisor] },
		func(cpu *CPU, val uint32) { cpu.Scratch[PrivSupervisor] = val })
	registerCSR(CSRSepc, "sepc",
		func(cpu *CPU) uint32 { return cpu.Epc[PrivSupervisor] },
		func(cpu *CPU, val uint32) { cpu.Epc[PrivSupervisor] = val &^ 1 })
	registerCSR(CSRScause, "scause",
		func(cpu *CPU) uint32 { return cpu.Cause[PrivSupervisor] },
		func(cpu *CPU, val uint32) { cpu.Cause[PrivSupervisor] = val })
	registerCSR(CSRStval, "stval",
		func(cpu *CPU) uint32 { return cpu.Tval[PrivSupervisor] },
		func(cpu *CPU, val uint32) { cpu.Tval[PrivSupervisor] = val })
	registerCSR(CSRSip, "sip",
		func(cpu *CPU) uint32 { return cpu.Ip & cpu.Ideleg[PrivMachine] },
		func(cpu *CPU, val uint32) {
			mask := cpu.Ideleg[PrivMachine] & MipSSIP
			cpu.Ip = (cpu.Ip &^ mask) | (val & mask)
		})
	registerCSR(CSRSatp, "satp",
		func(cpu *CPU) uint32 { return cpu.Satp },
		func(cpu *CPU, val uint32) {
			cpu.Satp = val
			cpu.MMUVirtual = (val>>31)&1 == SatpModeSv32
			cpu.MMU.FlushTLB()
		})
}

func initUserCSRs() {
	registerCSR(CSRCycle, "cycle", func(cpu *CPU) uint32 { return uint32(cpu.Cycle) }, nil)
	registerCSR(CSRTime, "time", func(cpu *CPU) uint32 { return uint32(cpu.Cycle) }, nil)
	registerCSR(CSRInstret, "instret", func(cpu *CPU) uint32 { return uint32(cpu.Instret) }, nil)
}
