package rv32

import "testing"

// encodeAMO builds an A-extension R-type instruction: funct7 is f5<<2 with
// aq/rl left clear, funct3 fixed at 0b010 per spec.md §4.1.
func encodeAMO(f5, rs2_, rs1_, rd_ uint32) uint32 {
	return encodeR(f5<<2, rs2_, rs1_, 0b010, rd_, OpAMO)
}

const (
	amoLR   = 0b00010
	amoSC   = 0b00011
	amoSwap = 0b00001
	amoAdd  = 0b00000
)

func TestSCMismatchedAddressClearsReservation(t *testing.T) {
	cpu := newTestCPU(t)

	const addrA = RAMBase
	const addrB = RAMBase + 4

	cpu.WriteReg(1, addrA)
	cpu.WriteReg(2, addrB)
	cpu.WriteReg(3, 0xdead)

	// LR.W x4, (x1): reserve addrA.
	if err := cpu.Execute(encodeAMO(amoLR, 0, 1, 4)); err != nil {
		t.Fatalf("lr.w: %v", err)
	}
	if !cpu.ReservationValid || cpu.ReservationAddr != addrA {
		t.Fatalf("reservation not set on addrA after LR.W")
	}

	// SC.W x5, x3, (x2): mismatched address (addrB, not the reserved addrA).
	// Must fail AND clear the reservation (spec.md §5, "on any SC (success
	// or failure)").
	if err := cpu.Execute(encodeAMO(amoSC, 3, 2, 5)); err != nil {
		t.Fatalf("sc.w (mismatched): %v", err)
	}
	if got := cpu.ReadReg(5); got != 1 {
		t.Fatalf("mismatched sc.w rd = %d, want 1 (failure)", got)
	}
	if cpu.ReservationValid {
		t.Fatalf("reservation still valid after a mismatched-address SC.W")
	}

	// A later SC.W back to the originally-reserved address must now also
	// fail: the reservation was consumed by the mismatched SC above, not
	// just left pointing at the wrong address.
	if err := cpu.Execute(encodeAMO(amoSC, 3, 1, 6)); err != nil {
		t.Fatalf("sc.w (originally reserved addr): %v", err)
	}
	if got := cpu.ReadReg(6); got != 1 {
		t.Fatalf("sc.w to originally-reserved addr after mismatch rd = %d, want 1 (failure)", got)
	}
	if v, err := cpu.Bus.Read32(addrA); err != nil || v == 0xdead {
		t.Fatalf("sc.w must not have written through: value=0x%x err=%v", v, err)
	}
}

func TestSCSuccessClearsReservation(t *testing.T) {
	cpu := newTestCPU(t)

	const addr = RAMBase
	cpu.WriteReg(1, addr)
	cpu.WriteReg(2, 0x1234)

	if err := cpu.Execute(encodeAMO(amoLR, 0, 1, 3)); err != nil {
		t.Fatalf("lr.w: %v", err)
	}
	if err := cpu.Execute(encodeAMO(amoSC, 2, 1, 4)); err != nil {
		t.Fatalf("sc.w: %v", err)
	}
	if got := cpu.ReadReg(4); got != 0 {
		t.Fatalf("sc.w rd = %d, want 0 (success)", got)
	}
	if v, err := cpu.Bus.Read32(addr); err != nil || v != 0x1234 {
		t.Fatalf("sc.w did not store: value=0x%x err=%v", v, err)
	}
	if cpu.ReservationValid {
		t.Fatalf("reservation still valid after a successful SC.W")
	}

	// A second SC.W to the same address, with no intervening LR.W, must
	// fail: SC.W always consumes the reservation.
	if err := cpu.Execute(encodeAMO(amoSC, 2, 1, 5)); err != nil {
		t.Fatalf("sc.w (no reservation): %v", err)
	}
	if got := cpu.ReadReg(5); got != 1 {
		t.Fatalf("sc.w without a reservation rd = %d, want 1 (failure)", got)
	}
}

func TestAMOAddReadModifyWrite(t *testing.T) {
	cpu := newTestCPU(t)

	const addr = RAMBase
	cpu.WriteReg(1, addr)
	cpu.WriteReg(2, 10)
	if err := cpu.Bus.Write32(addr, 5); err != nil {
		t.Fatalf("seed write: %v", err)
	}

	// AMOADD.W x3, x2, (x1): x3 = old value at addr, addr += x2.
	if err := cpu.Execute(encodeAMO(amoAdd, 2, 1, 3)); err != nil {
		t.Fatalf("amoadd.w: %v", err)
	}
	if got := cpu.ReadReg(3); got != 5 {
		t.Fatalf("amoadd.w rd = %d, want 5 (old value)", got)
	}
	if v, err := cpu.Bus.Read32(addr); err != nil || v != 15 {
		t.Fatalf("amoadd.w result = %d, want 15", v)
	}

	// An AMO to the reserved word by the same hart clears any live
	// reservation (spec.md §5).
	if err := cpu.Execute(encodeAMO(amoLR, 0, 1, 4)); err != nil {
		t.Fatalf("lr.w: %v", err)
	}
	if err := cpu.Execute(encodeAMO(amoSwap, 2, 1, 5)); err != nil {
		t.Fatalf("amoswap.w: %v", err)
	}
	if cpu.ReservationValid {
		t.Fatalf("reservation still valid after an AMO hit the reserved address")
	}
}
