package rv32

// delegationTarget scans from Machine down to cur, stopping at the lowest
// privilege that does not delegate cause further (spec.md §4.3 step 1,
// §8 property 5). deleg is either cpu.Edeleg[PrivMachine] (exceptions) or
// cpu.Ideleg[PrivMachine] (interrupts); only Machine can delegate, so a
// single mask suffices for RV32 with no hypervisor level.
func delegationTarget(cur uint8, deleg uint32, causeBit uint32) uint8 {
	if cur < PrivMachine && deleg&(1<<causeBit) != 0 {
		return PrivSupervisor
	}
	return PrivMachine
}

// RaiseTrap delivers a trap: it picks the target privilege via delegation,
// saves PC/cause/tval, flips the xIE/xPIE/xPP bits, sets the current
// privilege to the target, and jumps PC to the trap vector (spec.md §4.3
// "riscv_trap"). It also sets ev_trap so the hart's run loop (spec.md §4.4
// step 2a/3) can tell a trap just fired without re-inspecting cause/tval;
// the loop clears ev_trap once it has observed it.
func (cpu *CPU) RaiseTrap(cause uint32, tval uint32) {
	isInterrupt := cause>>31 != 0
	code := cause &^ (1 << 31)

	var target uint8
	if isInterrupt {
		target = delegationTarget(cpu.Priv, cpu.Ideleg[PrivMachine], code)
	} else {
		target = delegationTarget(cpu.Priv, cpu.Edeleg[PrivMachine], code)
	}

	cpu.Epc[target] = cpu.PC
	cpu.Cause[target] = cause
	cpu.Tval[target] = tval

	if target == PrivSupervisor {
		if cpu.Status&MstatusSIE != 0 {
			cpu.Status |= MstatusSPIE
		} else {
			cpu.Status &^= MstatusSPIE
		}
		cpu.Status &^= MstatusSIE
		if cpu.Priv == PrivSupervisor {
			cpu.Status |= MstatusSPP
		} else {
			cpu.Status &^= MstatusSPP
		}
	} else {
		if cpu.Status&MstatusMIE != 0 {
			cpu.Status |= MstatusMPIE
		} else {
			cpu.Status &^= MstatusMPIE
		}
		cpu.Status &^= MstatusMIE
		cpu.Status &^= MstatusMPP
		cpu.Status |= uint32(cpu.Priv) << MstatusMPPShift
	}

	cpu.Priv = target
	cpu.PC = cpu.trapVectorPC(target, cause, isInterrupt)

	// A trap (successful or not) invalidates the LR/SC reservation
	// (spec.md §5 "cleared on trap").
	cpu.ReservationValid = false
	cpu.EvTrap.Store(true)
}

// trapVectorPC implements spec.md §4.3 "Trap-vector jump": the low two bits
// of tvec select direct/vectored mode; vectored mode only applies to
// interrupts, offsetting by cause<<2.
func (cpu *CPU) trapVectorPC(priv uint8, cause uint32, isInterrupt bool) uint32 {
	tvec := cpu.Tvec[priv]
	base := tvec &^ 3
	if tvec&1 != 0 && isInterrupt {
		code := cause &^ (1 << 31)
		return base + code*4
	}
	return base
}

// interruptPriority lists (mip bit, cause) pairs from highest to lowest
// priority per the privileged spec: external > software > timer, machine
// before supervisor. spec.md §9 flags that a naive lowest-bit scan (as in
// the ccvm reference) picks the wrong interrupt when several are pending
// simultaneously; this explicit cascade is the required fix.
var interruptPriority = []struct {
	bit   uint32
	cause uint32
}{
	{MipMEIP, CauseMExternalInt},
	{MipMSIP, CauseMSoftwareInt},
	{MipMTIP, CauseMTimerInt},
	{MipSEIP, CauseSExternalInt},
	{MipSSIP, CauseSSoftwareInt},
	{MipSTIP, CauseSTimerInt},
}

// CheckInterrupt implements spec.md §4.3's delivery rule: bit set in both ip
// and ie; target privilege (via delegation) at or above current privilege,
// with the per-level global-enable gating delivery only when target == cur.
// wfi relaxes the global-enable gate, per spec.md §4.3's WFI carve-out.
func (cpu *CPU) CheckInterrupt(wfi bool) (bool, uint32) {
	pending := cpu.Ip & cpu.Ie
	if pending == 0 {
		return false, 0
	}

	for _, cand := range interruptPriority {
		if pending&cand.bit == 0 {
			continue
		}
		code := cand.cause &^ (1 << 31)
		target := delegationTarget(cpu.Priv, cpu.Ideleg[PrivMachine], code)

		if target < cpu.Priv {
			continue
		}
		if target == cpu.Priv && !wfi {
			enabled := false
			switch target {
			case PrivMachine:
				enabled = cpu.Status&MstatusMIE != 0
			case PrivSupervisor:
				enabled = cpu.Status&MstatusSIE != 0
			default:
				enabled = true
			}
			if !enabled {
				continue
			}
		}
		return true, cand.cause
	}
	return false, 0
}

// HandleXRET implements MRET/SRET (spec.md §4.3 "xRET"): restores xPIE into
// xIE, sets the privilege to xPP, sets xPIE, resets xPP to User, and jumps
// to xepc.
func (cpu *CPU) HandleXRET(fromPriv uint8) error {
	if cpu.Priv < fromPriv {
		return Exception(CauseIllegalInsn, 0)
	}

	switch fromPriv {
	case PrivMachine:
		mpp := (cpu.Status & MstatusMPP) >> MstatusMPPShift
		if cpu.Status&MstatusMPIE != 0 {
			cpu.Status |= MstatusMIE
		} else {
			cpu.Status &^= MstatusMIE
		}
		cpu.Status |= MstatusMPIE
		cpu.Status &^= MstatusMPP
		cpu.PC = cpu.Epc[PrivMachine]
		cpu.PCUpdated = true
		prevPriv := cpu.Priv
		cpu.Priv = uint8(mpp)
		if cpu.Priv != prevPriv {
			cpu.MMU.FlushTLB()
		}
	case PrivSupervisor:
		var spp uint8 = PrivUser
		if cpu.Status&MstatusSPP != 0 {
			spp = PrivSupervisor
		}
		if cpu.Status&MstatusSPIE != 0 {
			cpu.Status |= MstatusSIE
		} else {
			cpu.Status &^= MstatusSIE
		}
		cpu.Status |= MstatusSPIE
		cpu.Status &^= MstatusSPP
		cpu.PC = cpu.Epc[PrivSupervisor]
		cpu.PCUpdated = true
		prevPriv := cpu.Priv
		cpu.Priv = spp
		if cpu.Priv != prevPriv {
			cpu.MMU.FlushTLB()
		}
	default:
		return Exception(CauseIllegalInsn, 0)
	}

	cpu.ReservationValid = false
	return nil
}
