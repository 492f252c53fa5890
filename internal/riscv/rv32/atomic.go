package rv32

// execAMO implements the A extension's 32-bit forms (spec.md §4.1, §5):
// LR.W reserves the address; SC.W succeeds iff the reservation is still
// valid; the remaining AMO ops perform an atomic read-modify-write of an
// aligned word. addr is rs1 as given; when reached through machine.go's
// execAMOMMU, cpu.Bus is an addrOverrideBus pointed at the MMU-translated
// physical address, so the access lands there while addr keeps the virtual
// address for the alignment check and the reservation.
func (cpu *CPU) execAMO(insn uint32) error {
	if funct3(insn) != 0b010 {
		return Exception(CauseIllegalInsn, insn)
	}

	addr := cpu.ReadReg(rs1(insn))
	if addr&3 != 0 {
		return Exception(CauseStoreAddrMisaligned, addr)
	}

	rs2Val := cpu.ReadReg(rs2(insn))
	rdReg := rd(insn)
	f5 := funct7(insn) >> 2

	// Every LR/SC/AMO read-modify-write brackets its bus access under the
	// shared atomic lock (spec.md §5): two harts hitting the same word
	// cannot interleave between the read and the write half of an AMO.
	cpu.Bus.LockAtomic()
	defer cpu.Bus.UnlockAtomic()

	switch f5 {
	case 0b00010: // LR.W
		val, err := cpu.Bus.Read32(addr)
		if err != nil {
			return Exception(CauseLoadAccessFault, addr)
		}
		cpu.WriteReg(rdReg, val)
		cpu.ReservationValid = true
		cpu.ReservationAddr = addr
		return nil

	case 0b00011: // SC.W
		// Cleared on any SC, success or failure (spec.md §5): a mismatched
		// SC still consumes the reservation, so a later SC.W back to the
		// originally-reserved address cannot wrongly succeed.
		succeeds := cpu.ReservationValid && cpu.ReservationAddr == addr
		cpu.ReservationValid = false
		if !succeeds {
			cpu.WriteReg(rdReg, 1) // failure
			return nil
		}
		if err := cpu.Bus.Write32(addr, rs2Val); err != nil {
			return Exception(CauseStoreAccessFault, addr)
		}
		cpu.WriteReg(rdReg, 0) // success
		return nil
	}

	oldVal, err := cpu.Bus.Read32(addr)
	if err != nil {
		return Exception(CauseLoadAccessFault, addr)
	}

	var newVal uint32
	switch f5 {
	case 0b00001: // AMOSWAP.W
		newVal = rs2Val
	case 0b00000: // AMOADD.W
		newVal = oldVal + rs2Val
	case 0b00100: // AMOXOR.W
		newVal = oldVal ^ rs2Val
	case 0b01100: // AMOAND.W
		newVal = oldVal & rs2Val
	case 0b01000: // AMOOR.W
		newVal = oldVal | rs2Val
	case 0b10000: // AMOMIN.W
		if int32(oldVal) < int32(rs2Val) {
			newVal = oldVal
		} else {
			newVal = rs2Val
		}
	case 0b10100: // AMOMAX.W
		if int32(oldVal) > int32(rs2Val) {
			newVal = oldVal
		} else {
			newVal = rs2Val
		}
	case 0b11000: // AMOMINU.W
		if oldVal < rs2Val {
			newVal = oldVal
		} else {
			newVal = rs2Val
		}
	case 0b11100: // AMOMAXU.W
		if oldVal > rs2Val {
			newVal = oldVal
		} else {
			newVal = rs2Val
		}
	default:
		return Exception(CauseIllegalInsn, insn)
	}

	if err := cpu.Bus.Write32(addr, newVal); err != nil {
		return Exception(CauseStoreAccessFault, addr)
	}
	cpu.WriteReg(rdReg, oldVal)

	// An AMO is also a store by this hart; if it happens to hit the
	// reserved word the reservation is cleared (spec.md §5).
	if cpu.ReservationValid && addr == cpu.ReservationAddr {
		cpu.ReservationValid = false
	}
	return nil
}
