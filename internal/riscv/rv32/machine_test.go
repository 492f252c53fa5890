package rv32

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestNewMachineWiresDevices(t *testing.T) {
	m, err := NewMachine(2, 1<<20, &bytes.Buffer{}, bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	defer m.Close()
	if len(m.CPUs) != 2 {
		t.Fatalf("len(CPUs) = %d, want 2", len(m.CPUs))
	}
	if m.Registry.Len() != 2 {
		t.Fatalf("registry.Len() = %d, want 2", m.Registry.Len())
	}
	if m.Hart(0) != m.CPUs[0] || m.Hart(1) != m.CPUs[1] {
		t.Fatalf("Hart() lookups did not match CPUs slice")
	}
}

func TestMachineRejectsOverlappingMMIO(t *testing.T) {
	m, err := NewMachine(1, 1<<20, &bytes.Buffer{}, bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	defer m.Close()
	// UART already occupies [UARTBase, UARTBase+UARTSize); registering
	// another device over the same region must be rejected (spec.md §3/§4.5).
	if err := m.Bus.AddDevice(UARTBase, NewUART(nil, nil), nil); err == nil {
		t.Fatalf("expected an error registering an overlapping MMIO region")
	}
}

// haltLoopInsns parks a hart once a test program has finished: a NOP
// followed by a JAL back to the NOP.
var haltLoopInsns = []uint32{
	encodeI(0, 0, 0b000, 0, OpOpImm), // ADDI x0, x0, 0
	encodeJ(-4, 0, OpJal),            // JAL x0, -4 (back to the ADDI)
}

func littleEndian32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func assembleProgram(insns ...uint32) []byte {
	var out []byte
	for _, insn := range insns {
		out = append(out, littleEndian32(insn)...)
	}
	return out
}

func TestEndToEndArithmeticProgram(t *testing.T) {
	m, err := NewMachine(1, 1<<20, &bytes.Buffer{}, bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	defer m.Close()

	prog := assembleProgram(
		encodeI(5, 0, 0b000, 1, OpOpImm),       // ADDI x1, x0, 5
		encodeI(7, 0, 0b000, 2, OpOpImm),       // ADDI x2, x0, 7
		encodeR(0, 2, 1, 0b000, 3, OpOp),       // ADD x3, x1, x2
		haltLoopInsns[0], haltLoopInsns[1],
	)
	if err := m.LoadBytes(RAMBase, prog); err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := m.Run(ctx); err == nil {
		t.Fatalf("expected Run to end with a context-deadline error")
	}

	if got := m.CPUs[0].ReadReg(3); got != 12 {
		t.Fatalf("x3 = %d, want 12", got)
	}
}

func TestEndToEndUARTOutput(t *testing.T) {
	var out bytes.Buffer
	m, err := NewMachine(1, 1<<20, &out, bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	defer m.Close()

	// ADDI x1, x0, 'A'; store x1's low byte to the UART THR; loop forever.
	prog := assembleProgram(
		encodeI('A', 0, 0b000, 1, OpOpImm),
		encodeU(UARTBase, 2, OpLui),
		encodeS(0, 1, 2, 0b000, OpStore), // SB x1, 0(x2)
		haltLoopInsns[0], haltLoopInsns[1],
	)
	if err := m.LoadBytes(RAMBase, prog); err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_ = m.Run(ctx)

	if out.Len() == 0 || out.Bytes()[0] != 'A' {
		t.Fatalf("UART output = %q, want to start with 'A'", out.String())
	}
}

func TestEndToEndTimerInterruptWakesWFI(t *testing.T) {
	m, err := NewMachine(1, 1<<20, &bytes.Buffer{}, bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	defer m.Close()
	cpu := m.CPUs[0]

	const handlerAddr = RAMBase + 0x1000
	cpu.Tvec[PrivMachine] = handlerAddr
	cpu.Status |= MstatusMIE
	cpu.Ie |= MipMTIP

	// Main program: WFI, then a halt loop (reached only if the trap returns).
	mainProg := assembleProgram(
		0x10500073, // WFI
		haltLoopInsns[0], haltLoopInsns[1],
	)
	if err := m.LoadBytes(RAMBase, mainProg); err != nil {
		t.Fatalf("LoadBytes main: %v", err)
	}
	// Trap handler: a single self-jump, so PC stays at the handler entry.
	if err := m.LoadBytes(handlerAddr, assembleProgram(encodeJ(0, 0, OpJal))); err != nil {
		t.Fatalf("LoadBytes handler: %v", err)
	}

	// Fire the timer immediately.
	m.CLINT.mtimecmp[0] = 0

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = m.Run(ctx)

	if cpu.PC != handlerAddr {
		t.Fatalf("PC = 0x%x, want trap handler at 0x%x (mcause=0x%x)", cpu.PC, handlerAddr, cpu.Cause[PrivMachine])
	}
	if cpu.Cause[PrivMachine] != CauseMTimerInt {
		t.Fatalf("mcause = 0x%x, want CauseMTimerInt", cpu.Cause[PrivMachine])
	}
}

func TestEndToEndPageFaultTrap(t *testing.T) {
	m, err := NewMachine(1, 1<<20, &bytes.Buffer{}, bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	defer m.Close()
	cpu := m.CPUs[0]

	const handlerAddr = RAMBase + 0x1000
	cpu.Tvec[PrivMachine] = handlerAddr
	cpu.Priv = PrivSupervisor
	cpu.Satp = (uint32(SatpModeSv32) << 31) | (RAMBase >> PageShift)

	// Identity-map the 4 MiB superpage containing RAMBase (code + handler),
	// via a single level-1 leaf PTE, so fetch can still resolve PC once
	// paging is on; 0x40000000 is left entirely unmapped so the data access
	// below page-faults instead.
	const ramSuperpagePPN = RAMBase >> PageShift
	vpn1 := (uint32(RAMBase) >> 22) & 0x3ff
	if err := m.Bus.Write32(RAMBase+vpn1*4, ramSuperpagePPN<<10|PteR|PteW|PteX|PteA|PteD|PteV); err != nil {
		t.Fatalf("write identity superpage pte: %v", err)
	}

	prog := assembleProgram(
		encodeU(0x40000000, 1, OpLui),    // LUI x1, a user-space address with no mapping
		encodeI(0, 1, 0b010, 2, OpLoad), // LW x2, 0(x1): must page-fault
		haltLoopInsns[0], haltLoopInsns[1],
	)
	if err := m.LoadBytes(RAMBase, prog); err != nil {
		t.Fatalf("LoadBytes main: %v", err)
	}
	// Trap handler: a single self-jump, so PC stays at the handler entry.
	if err := m.LoadBytes(handlerAddr, assembleProgram(encodeJ(0, 0, OpJal))); err != nil {
		t.Fatalf("LoadBytes handler: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_ = m.Run(ctx)

	if cpu.PC != handlerAddr {
		t.Fatalf("PC = 0x%x, want trap handler at 0x%x", cpu.PC, handlerAddr)
	}
	if cpu.Cause[PrivMachine] != CauseLoadPageFault {
		t.Fatalf("mcause = 0x%x, want CauseLoadPageFault", cpu.Cause[PrivMachine])
	}
}

// TestStepSelfJumpDoesNotAdvancePastTarget regresses the PC-advance bug
// spec.md §9 warns about: a literal one-instruction "JAL x0, 0" halt idiom
// (target equals the jump's own address) must re-enter the same
// instruction on every Step, never fall through to whatever follows it.
func TestStepSelfJumpDoesNotAdvancePastTarget(t *testing.T) {
	m, err := NewMachine(1, 1<<20, &bytes.Buffer{}, bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	defer m.Close()
	cpu := m.CPUs[0]

	prog := assembleProgram(
		encodeJ(0, 0, OpJal),             // JAL x0, 0: self-jump halt
		encodeI(99, 0, 0b000, 1, OpOpImm), // ADDI x1, x0, 99 (must never execute)
	)
	if err := m.LoadBytes(RAMBase, prog); err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := cpu.Step(); err != nil {
			t.Fatalf("Step %d: %v", i, err)
		}
		if cpu.PC != RAMBase {
			t.Fatalf("Step %d: PC = 0x%x, want 0x%x (self-jump must not advance)", i, cpu.PC, RAMBase)
		}
	}
	if got := cpu.ReadReg(1); got != 0 {
		t.Fatalf("x1 = %d, want 0 (fallthrough instruction must never execute)", got)
	}
}

// TestEndToEndAtomicLRSCRoundTrip is spec.md §8 scenario 5 verbatim: LR.W
// reads 0 at address A, AMOADD.W at A adds 1, then SC.W at A returns 1
// (failure) because the intervening AMO already broke the reservation.
func TestEndToEndAtomicLRSCRoundTrip(t *testing.T) {
	m, err := NewMachine(1, 1<<20, &bytes.Buffer{}, bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	defer m.Close()
	cpu := m.CPUs[0]

	const addrA = RAMBase + 0x100
	cpu.WriteReg(1, addrA)
	cpu.WriteReg(2, 1)
	cpu.WriteReg(3, 0xff)

	prog := assembleProgram(
		encodeAMO(amoLR, 0, 1, 4),  // LR.W x4, (x1)
		encodeAMO(amoAdd, 2, 1, 5), // AMOADD.W x5, x2, (x1): breaks the reservation
		encodeAMO(amoSC, 3, 1, 6),  // SC.W x6, x3, (x1): must fail (rd=1)
		haltLoopInsns[0], haltLoopInsns[1],
	)
	if err := m.LoadBytes(RAMBase, prog); err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := m.Run(ctx); err == nil {
		t.Fatalf("expected Run to end with a context-deadline error")
	}

	if got := cpu.ReadReg(4); got != 0 {
		t.Fatalf("LR.W x4 = %d, want 0", got)
	}
	if got := cpu.ReadReg(5); got != 0 {
		t.Fatalf("AMOADD.W x5 (old value) = %d, want 0", got)
	}
	if got := cpu.ReadReg(6); got != 1 {
		t.Fatalf("SC.W x6 = %d, want 1 (failure, reservation broken by the AMOADD.W)", got)
	}
	if v, err := m.Bus.Read32(addrA); err != nil || v != 1 {
		t.Fatalf("addrA = %d, want 1 (AMOADD.W's write; the failed SC.W must not have overwritten it)", v)
	}
}

func TestEndToEndMultiHartIndependentRegisters(t *testing.T) {
	m, err := NewMachine(2, 1<<20, &bytes.Buffer{}, bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	defer m.Close()

	prog0 := assembleProgram(encodeI(1, 0, 0b000, 5, OpOpImm), haltLoopInsns[0], haltLoopInsns[1])
	prog1 := assembleProgram(encodeI(2, 0, 0b000, 5, OpOpImm), haltLoopInsns[0], haltLoopInsns[1])
	if err := m.LoadBytes(RAMBase, prog0); err != nil {
		t.Fatalf("LoadBytes hart0: %v", err)
	}
	m.CPUs[1].PC = RAMBase + 0x2000
	if err := m.LoadBytes(RAMBase+0x2000, prog1); err != nil {
		t.Fatalf("LoadBytes hart1: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_ = m.Run(ctx)

	if got := m.CPUs[0].ReadReg(5); got != 1 {
		t.Fatalf("hart0 x5 = %d, want 1", got)
	}
	if got := m.CPUs[1].ReadReg(5); got != 2 {
		t.Fatalf("hart1 x5 = %d, want 2", got)
	}
}
