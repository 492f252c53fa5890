package rv32

// Compressed (RVC) field extraction (spec.md §4.1: "quadrant + funct3").
func cOp(insn uint16) uint16     { return insn & 0x3 }
func cFunct3(insn uint16) uint16 { return (insn >> 13) & 0x7 }

// cRd_/cRs1_/cRs2_ decode the 3-bit register fields used by the
// "small register" forms (C.LW/C.SW/...), mapped to x8-x15.
func cRd_(insn uint16) uint32  { return uint32(((insn >> 2) & 0x7) + 8) }
func cRs1_(insn uint16) uint32 { return uint32(((insn >> 7) & 0x7) + 8) }
func cRs2_(insn uint16) uint32 { return uint32(((insn >> 2) & 0x7) + 8) }

// cRd/cRs1/cRs2 decode the full 5-bit register fields used by the
// stack-pointer-relative and register-register forms.
func cRd(insn uint16) uint32  { return uint32((insn >> 7) & 0x1f) }
func cRs1(insn uint16) uint32 { return uint32((insn >> 7) & 0x1f) }
func cRs2(insn uint16) uint32 { return uint32((insn >> 2) & 0x1f) }

// ExpandCompressed expands one 16-bit RVC encoding to its 32-bit
// equivalent (spec.md §4.1). Only the RV32C subset is implemented; forms
// that exist solely for RV64/RV128 or the D/F extensions (C.LD/C.SD,
// C.FLD/C.FSD, C.FLDSP/C.FSDSP) have no encoding here and fall through to
// the illegal-instruction default. The RV64 C.ADDIW slot (quadrant 1,
// funct3 0b001) decodes as RV32C's C.JAL instead.
func (cpu *CPU) ExpandCompressed(insn uint16) (uint32, error) {
	switch cOp(insn) {
	case 0b00:
		return cpu.expandQ0(insn, cFunct3(insn))
	case 0b01:
		return cpu.expandQ1(insn, cFunct3(insn))
	case 0b10:
		return cpu.expandQ2(insn, cFunct3(insn))
	default:
		return 0, Exception(CauseIllegalInsn, uint32(insn))
	}
}

func (cpu *CPU) expandQ0(insn uint16, f3 uint16) (uint32, error) {
	switch f3 {
	case 0b000: // C.ADDI4SPN
		imm := ((uint32(insn) >> 6) & 0x1) << 2
		imm |= ((uint32(insn) >> 5) & 0x1) << 3
		imm |= ((uint32(insn) >> 11) & 0x3) << 4
		imm |= ((uint32(insn) >> 7) & 0xf) << 6
		if imm == 0 {
			return 0, Exception(CauseIllegalInsn, uint32(insn))
		}
		rd := cRd_(insn)
		return (imm << 20) | (2 << 15) | (0b000 << 12) | (rd << 7) | 0b0010011, nil

	case 0b010: // C.LW
		imm := ((uint32(insn) >> 6) & 0x1) << 2
		imm |= ((uint32(insn) >> 10) & 0x7) << 3
		imm |= ((uint32(insn) >> 5) & 0x1) << 6
		rs1 := cRs1_(insn)
		rd := cRd_(insn)
		return (imm << 20) | (rs1 << 15) | (0b010 << 12) | (rd << 7) | 0b0000011, nil

	case 0b110: // C.SW
		imm := ((uint32(insn) >> 6) & 0x1) << 2
		imm |= ((uint32(insn) >> 10) & 0x7) << 3
		imm |= ((uint32(insn) >> 5) & 0x1) << 6
		rs1 := cRs1_(insn)
		rs2 := cRs2_(insn)
		immHi := (imm >> 5) & 0x7f
		immLo := imm & 0x1f
		return (immHi << 25) | (rs2 << 20) | (rs1 << 15) | (0b010 << 12) | (immLo << 7) | 0b0100011, nil
	}
	return 0, Exception(CauseIllegalInsn, uint32(insn))
}

func (cpu *CPU) expandQ1(insn uint16, f3 uint16) (uint32, error) {
	switch f3 {
	case 0b000: // C.NOP / C.ADDI
		rd := cRd(insn)
		imm := uint32(insn>>2) & 0x1f
		if (insn>>12)&1 != 0 {
			imm |= 0xffffffe0
		}
		if rd == 0 {
			return 0b0010011, nil // addi x0, x0, 0
		}
		return (imm << 20) | (rd << 15) | (0b000 << 12) | (rd << 7) | 0b0010011, nil

	case 0b010: // C.LI
		rd := cRd(insn)
		imm := uint32(insn>>2) & 0x1f
		if (insn>>12)&1 != 0 {
			imm |= 0xffffffe0
		}
		return (imm << 20) | (0 << 15) | (0b000 << 12) | (rd << 7) | 0b0010011, nil

	case 0b001: // C.JAL (RV32C only; this slot is C.ADDIW on RV64)
		imm := ((uint32(insn) >> 2) & 0x1) << 5
		imm |= ((uint32(insn) >> 3) & 0x7) << 1
		imm |= ((uint32(insn) >> 6) & 0x1) << 7
		imm |= ((uint32(insn) >> 7) & 0x1) << 6
		imm |= ((uint32(insn) >> 8) & 0x1) << 10
		imm |= ((uint32(insn) >> 9) & 0x3) << 8
		imm |= ((uint32(insn) >> 11) & 0x1) << 4
		if (insn>>12)&1 != 0 {
			imm |= 0xfffff800
		}
		jimm := ((imm >> 12) & 0xff) << 12
		jimm |= ((imm >> 11) & 0x1) << 20
		jimm |= ((imm >> 1) & 0x3ff) << 21
		jimm |= ((imm >> 11) & 0x1) << 31
		return (jimm & 0xfffff000) | (1 << 7) | 0b1101111, nil

	case 0b011: // C.ADDI16SP / C.LUI
		rd := cRd(insn)
		if rd == 2 {
			imm := ((uint32(insn) >> 2) & 0x1) << 5
			imm |= ((uint32(insn) >> 3) & 0x3) << 7
			imm |= ((uint32(insn) >> 5) & 0x1) << 6
			imm |= ((uint32(insn) >> 6) & 0x1) << 4
			if (insn>>12)&1 != 0 {
				imm |= 0xfffffc00
			}
			if imm == 0 {
				return 0, Exception(CauseIllegalInsn, uint32(insn))
			}
			return (imm << 20) | (2 << 15) | (0b000 << 12) | (2 << 7) | 0b0010011, nil
		}
		if rd == 0 {
			return 0, Exception(CauseIllegalInsn, uint32(insn))
		}
		imm := (uint32(insn>>2) & 0x1f) << 12
		if (insn>>12)&1 != 0 {
			imm |= 0xfffe0000
		}
		if imm == 0 {
			return 0, Exception(CauseIllegalInsn, uint32(insn))
		}
		return (imm & 0xfffff000) | (rd << 7) | 0b0110111, nil

	case 0b100: // C.SRLI/C.SRAI/C.ANDI/C.SUB/C.XOR/C.OR/C.AND
		funct2 := (insn >> 10) & 0x3
		rd := cRs1_(insn)
		switch funct2 {
		case 0b00: // C.SRLI
			sh := uint32(insn>>2) & 0x1f
			if (insn>>12)&1 != 0 {
				sh |= 0x20
			}
			return (sh << 20) | (rd << 15) | (0b101 << 12) | (rd << 7) | 0b0010011, nil
		case 0b01: // C.SRAI
			sh := uint32(insn>>2) & 0x1f
			if (insn>>12)&1 != 0 {
				sh |= 0x20
			}
			return (0b0100000<<25 | sh<<20) | (rd << 15) | (0b101 << 12) | (rd << 7) | 0b0010011, nil
		case 0b10: // C.ANDI
			imm := uint32(insn>>2) & 0x1f
			if (insn>>12)&1 != 0 {
				imm |= 0xffffffe0
			}
			return (imm << 20) | (rd << 15) | (0b111 << 12) | (rd << 7) | 0b0010011, nil
		case 0b11:
			rs2 := cRs2_(insn)
			if (insn>>12)&1 != 0 {
				return 0, Exception(CauseIllegalInsn, uint32(insn)) // C.SUBW/C.ADDW: RV64 only
			}
			switch (insn >> 5) & 0x3 {
			case 0b00: // C.SUB
				return (0b0100000 << 25) | (rs2 << 20) | (rd << 15) | (0b000 << 12) | (rd << 7) | 0b0110011, nil
			case 0b01: // C.XOR
				return (rs2 << 20) | (rd << 15) | (0b100 << 12) | (rd << 7) | 0b0110011, nil
			case 0b10: // C.OR
				return (rs2 << 20) | (rd << 15) | (0b110 << 12) | (rd << 7) | 0b0110011, nil
			case 0b11: // C.AND
				return (rs2 << 20) | (rd << 15) | (0b111 << 12) | (rd << 7) | 0b0110011, nil
			}
		}
		return 0, Exception(CauseIllegalInsn, uint32(insn))

	case 0b101: // C.J
		imm := ((uint32(insn) >> 2) & 0x1) << 5
		imm |= ((uint32(insn) >> 3) & 0x7) << 1
		imm |= ((uint32(insn) >> 6) & 0x1) << 7
		imm |= ((uint32(insn) >> 7) & 0x1) << 6
		imm |= ((uint32(insn) >> 8) & 0x1) << 10
		imm |= ((uint32(insn) >> 9) & 0x3) << 8
		imm |= ((uint32(insn) >> 11) & 0x1) << 4
		if (insn>>12)&1 != 0 {
			imm |= 0xfffff800
		}
		jimm := ((imm >> 12) & 0xff) << 12
		jimm |= ((imm >> 11) & 0x1) << 20
		jimm |= ((imm >> 1) & 0x3ff) << 21
		jimm |= ((imm >> 11) & 0x1) << 31
		return (jimm & 0xfffff000) | (0 << 7) | 0b1101111, nil

	case 0b110, 0b111: // C.BEQZ / C.BNEZ
		rs1 := cRs1_(insn)
		imm := ((uint32(insn) >> 2) & 0x1) << 5
		imm |= ((uint32(insn) >> 3) & 0x3) << 1
		imm |= ((uint32(insn) >> 5) & 0x3) << 6
		imm |= ((uint32(insn) >> 10) & 0x3) << 3
		if (insn>>12)&1 != 0 {
			imm |= 0xffffff00
		}
		bimm := ((imm >> 11) & 0x1) << 31
		bimm |= ((imm >> 5) & 0x3f) << 25
		bimm |= ((imm >> 1) & 0xf) << 8
		bimm |= ((imm >> 11) & 0x1) << 7
		b3 := uint32(0b000)
		if f3 == 0b111 {
			b3 = 0b001
		}
		return bimm | (0 << 20) | (rs1 << 15) | (b3 << 12) | 0b1100011, nil
	}
	return 0, Exception(CauseIllegalInsn, uint32(insn))
}

func (cpu *CPU) expandQ2(insn uint16, f3 uint16) (uint32, error) {
	switch f3 {
	case 0b000: // C.SLLI
		rd := cRd(insn)
		if rd == 0 {
			return 0, Exception(CauseIllegalInsn, uint32(insn))
		}
		sh := uint32(insn>>2) & 0x1f
		if (insn>>12)&1 != 0 {
			sh |= 0x20
		}
		return (sh << 20) | (rd << 15) | (0b001 << 12) | (rd << 7) | 0b0010011, nil

	case 0b010: // C.LWSP
		rd := cRd(insn)
		if rd == 0 {
			return 0, Exception(CauseIllegalInsn, uint32(insn))
		}
		imm := ((uint32(insn) >> 2) & 0x3) << 6
		imm |= ((uint32(insn) >> 4) & 0x7) << 2
		imm |= ((uint32(insn) >> 12) & 0x1) << 5
		return (imm << 20) | (2 << 15) | (0b010 << 12) | (rd << 7) | 0b0000011, nil

	case 0b100: // C.JR / C.MV / C.EBREAK / C.JALR / C.ADD
		rs1 := cRs1(insn)
		rs2 := cRs2(insn)
		if (insn>>12)&1 == 0 {
			if rs2 == 0 {
				if rs1 == 0 {
					return 0, Exception(CauseIllegalInsn, uint32(insn))
				}
				return (rs1 << 15) | (0b000 << 12) | (0 << 7) | 0b1100111, nil // C.JR
			}
			return (rs2 << 20) | (0 << 15) | (0b000 << 12) | (rs1 << 7) | 0b0110011, nil // C.MV
		}
		if rs2 == 0 {
			if rs1 == 0 {
				return 0x00100073, nil // C.EBREAK
			}
			return (rs1 << 15) | (0b000 << 12) | (1 << 7) | 0b1100111, nil // C.JALR
		}
		return (rs2 << 20) | (rs1 << 15) | (0b000 << 12) | (rs1 << 7) | 0b0110011, nil // C.ADD

	case 0b110: // C.SWSP
		rs2 := cRs2(insn)
		imm := ((uint32(insn) >> 7) & 0x3) << 6
		imm |= ((uint32(insn) >> 9) & 0xf) << 2
		immHi := (imm >> 5) & 0x7f
		immLo := imm & 0x1f
		return (immHi << 25) | (rs2 << 20) | (2 << 15) | (0b010 << 12) | (immLo << 7) | 0b0100011, nil
	}
	return 0, Exception(CauseIllegalInsn, uint32(insn))
}
