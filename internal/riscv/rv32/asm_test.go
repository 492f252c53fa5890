package rv32

// Instruction encoders used by the test files in this package. Kept
// alongside the tests rather than exported, since nothing outside the
// package needs to assemble raw RV32 words.

func encodeR(funct7, rs2_, rs1_, funct3, rd_, opcode uint32) uint32 {
	return funct7<<25 | rs2_<<20 | rs1_<<15 | funct3<<12 | rd_<<7 | opcode
}

func encodeI(imm int32, rs1_, funct3, rd_, opcode uint32) uint32 {
	return uint32(imm)<<20 | rs1_<<15 | funct3<<12 | rd_<<7 | opcode
}

func encodeS(imm int32, rs2_, rs1_, funct3, opcode uint32) uint32 {
	u := uint32(imm)
	lo := u & 0x1f
	hi := (u >> 5) & 0x7f
	return hi<<25 | rs2_<<20 | rs1_<<15 | funct3<<12 | lo<<7 | opcode
}

func encodeB(imm int32, rs2_, rs1_, funct3, opcode uint32) uint32 {
	u := uint32(imm)
	b11 := (u >> 11) & 1
	b12 := (u >> 12) & 1
	b1_4 := (u >> 1) & 0xf
	b5_10 := (u >> 5) & 0x3f
	return b12<<31 | b5_10<<25 | rs2_<<20 | rs1_<<15 | funct3<<12 | b1_4<<8 | b11<<7 | opcode
}

func encodeU(imm uint32, rd_, opcode uint32) uint32 {
	return (imm & 0xfffff000) | rd_<<7 | opcode
}

func encodeJ(imm int32, rd_, opcode uint32) uint32 {
	u := uint32(imm)
	b19_12 := (u >> 12) & 0xff
	b11 := (u >> 11) & 1
	b1_10 := (u >> 1) & 0x3ff
	b20 := (u >> 20) & 1
	return b20<<31 | b1_10<<21 | b11<<20 | b19_12<<12 | rd_<<7 | opcode
}

// encodeSystem builds a CSRRx/CSRRxI instruction.
func encodeSystem(csr uint16, rs1OrUimm, funct3, rd_ uint32) uint32 {
	return uint32(csr)<<20 | rs1OrUimm<<15 | funct3<<12 | rd_<<7 | OpSystem
}
