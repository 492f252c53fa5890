package rv32

import (
	"context"
	"errors"
	"io"
	"time"

	"golang.org/x/sync/errgroup"
)

// uartPLICSource is the PLIC interrupt source number wired to the console
// UART in the default MMIO layout (spec.md §6).
const uartPLICSource = 1

// clintTickInterval is the IRQ/timer thread's wake period. The thread only
// decides whether MTIP should be posted (spec.md §9's resolved open
// question); the timer's own count is a free-running host-clock read
// (clint.go's Mtime), so this interval bounds delivery latency, not
// precision.
const clintTickInterval = 10 * time.Millisecond

// Machine owns everything a running system needs that no single hart does:
// the shared Bus/MMIO table, the CLINT/PLIC/UART reference devices, and the
// hart registry (spec.md §3 "Global hart registry"). It replaces the
// teacher's single-*CPU Machine with one that fans out over []*CPU.
type Machine struct {
	Bus      *Bus
	CPUs     []*CPU
	CLINT    *CLINT
	PLIC     *PLIC
	UART     *UART
	Registry *HartRegistry
}

// MMIOLayout overrides the spec.md §6 default MMIO base addresses. A zero
// field falls back to the package default for that device.
type MMIOLayout struct {
	CLINTBase uint32
	PLICBase  uint32
	UARTBase  uint32
}

func (l MMIOLayout) resolve() MMIOLayout {
	if l.CLINTBase == 0 {
		l.CLINTBase = CLINTBase
	}
	if l.PLICBase == 0 {
		l.PLICBase = PLICBase
	}
	if l.UARTBase == 0 {
		l.UARTBase = UARTBase
	}
	return l
}

// NewMachine builds a machine with numHarts harts sharing ramSize bytes of
// RAM at RAMBase, plus the CLINT/PLIC/UART reference devices at their
// spec.md §6 default addresses.
func NewMachine(numHarts int, ramSize uint32, output io.Writer, input io.Reader) (*Machine, error) {
	return NewMachineWithMMIO(numHarts, ramSize, output, input, MMIOLayout{})
}

// NewMachineWithMMIO is NewMachine with the CLINT/PLIC/UART base addresses
// overridable, so a config file's mmio section (internal/config.MMIOConfig)
// can relocate the default layout without touching machine construction.
func NewMachineWithMMIO(numHarts int, ramSize uint32, output io.Writer, input io.Reader, mmio MMIOLayout) (*Machine, error) {
	mmio = mmio.resolve()

	ram, err := NewMmapMemoryRegion(ramSize)
	if err != nil {
		return nil, err
	}
	bus := NewBus(ram, RAMBase)

	cpus := make([]*CPU, numHarts)
	for i := range cpus {
		cpus[i] = NewCPU(uint32(i), bus)
	}

	clint := NewCLINT(cpus)
	if err := bus.AddDevice(mmio.CLINTBase, clint, nil); err != nil {
		return nil, err
	}
	plic := NewPLIC(cpus)
	if err := bus.AddDevice(mmio.PLICBase, plic, nil); err != nil {
		return nil, err
	}
	uart := NewUART(output, input)
	uart.OnInterrupt = func(pending bool) { plic.SetPending(uartPLICSource, pending) }
	if err := bus.AddDevice(mmio.UARTBase, uart, nil); err != nil {
		return nil, err
	}

	registry := NewHartRegistry()
	for _, cpu := range cpus {
		if err := registry.Register(cpu); err != nil {
			return nil, err
		}
	}

	return &Machine{Bus: bus, CPUs: cpus, CLINT: clint, PLIC: plic, UART: uart, Registry: registry}, nil
}

// Hart returns the CPU registered at the given hartid slot, or nil.
func (m *Machine) Hart(hartID uint32) *CPU { return m.Registry.Get(hartID) }

// Close releases the machine's mmap-backed guest RAM. Callers should defer
// it once a machine built by NewMachine/NewMachineWithMMIO is done running.
func (m *Machine) Close() error { return m.Bus.RAM.Release() }

// LoadBytes copies a pre-populated boot image into guest RAM (spec.md §1).
func (m *Machine) LoadBytes(addr uint32, data []byte) error { return m.Bus.LoadBytes(addr, data) }

// Run launches one goroutine per hart plus the shared IRQ/timer thread
// (spec.md §5 "one per hart, plus one global IRQ/timer thread") and blocks
// until ctx is cancelled or a hart goroutine returns a non-context error.
func (m *Machine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, cpu := range m.CPUs {
		cpu := cpu
		g.Go(func() error { return cpu.RunHart(ctx) })
	}
	g.Go(func() error { return m.runIRQThread(ctx) })
	if m.UART.Input != nil {
		// Not part of g: a blocking Read on a console (e.g. raw-mode stdin)
		// doesn't unblock on ctx cancellation, so waiting for this goroutine
		// in g.Wait() would hang shutdown. It's left to exit on its own EOF
		// or the process tearing down around it, same as any CLI's stdin
		// reader.
		go m.pumpInput(ctx)
	}
	return g.Wait()
}

// pumpInput relays host console bytes into the UART's receive buffer
// (spec.md §6) so a guest polling the UART's RBR/LSR registers sees
// interactive keystrokes, not just the boot image. main.go puts stdin into
// raw mode specifically so this loop delivers one keystroke at a time.
func (m *Machine) pumpInput(ctx context.Context) {
	buf := make([]byte, 64)
	for {
		n, err := m.UART.Input.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			m.UART.EnqueueInput(chunk)
		}
		if err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// runIRQThread is the "global timer/IRQ thread" of spec.md §2/§5: it ticks
// the shared CLINT, which posts or retracts each hart's MTIP bit depending
// on whether mtime has actually reached that hart's mtimecmp.
func (m *Machine) runIRQThread(ctx context.Context) error {
	ticker := time.NewTicker(clintTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.CLINT.Tick()
		}
	}
}

// externalIPMask is the set of mip bits this core treats as hardware-level
// (driven by CLINT/PLIC through ev_int_mask), as opposed to the
// software-interrupt bits a guest sets purely via CSR writes.
const externalIPMask = MipMTIP | MipMEIP | MipSEIP | MipMSIP

// foldPendingInterrupts implements spec.md §4.4 step 4's "fold ev_int_mask
// into ip": it assigns (not ORs) the hardware-level bits from ev_int_mask,
// so a source that has gone away (CLINT.Tick's clear, PLIC.updateInterrupts)
// is reflected in ip on the next fold rather than latching forever. The mask
// is read, not cleared: each source sets and clears its own level-triggered
// bit, so a source that is still asserted stays pending in ip.
func (cpu *CPU) foldPendingInterrupts() {
	mask := cpu.EvIntMask.Load()
	cpu.Ip = (cpu.Ip &^ externalIPMask) | (mask & externalIPMask)
}

// RunHart is the per-hart goroutine body (spec.md §4.4): store wait_event,
// execute until something needs attention, then act on it exactly once
// before looping. registers/CSRs/TLB are touched only from this goroutine,
// per spec.md §5's ownership rule.
func (cpu *CPU) RunHart(ctx context.Context) error {
	for {
		cpu.WaitEvent.Store(true)

		if err := cpu.runUntilEvent(ctx); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if cpu.EvTrap.Load() {
			cpu.EvTrap.Store(false)
		}
		if cpu.EvInt.Load() {
			cpu.EvInt.Store(false)
			cpu.foldPendingInterrupts()
			if fire, cause := cpu.CheckInterrupt(false); fire {
				cpu.RaiseTrap(cause, 0)
			}
		}
	}
}

// runUntilEvent executes instructions until a trap fires, an external wake
// is observed, or WFI is reached (spec.md §4.4 step 2).
func (cpu *CPU) runUntilEvent(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if !cpu.WaitEvent.Load() {
			return nil
		}

		err := cpu.Step()
		if err != nil {
			if errors.Is(err, ErrWFI) {
				cpu.handleWFI(ctx)
				return nil
			}
			return err
		}
		if cpu.EvTrap.Load() || cpu.EvInt.Load() {
			return nil
		}
	}
}

// handleWFI parks the hart on wait_event (spec.md §4.4, §5 "only WFI blocks
// indefinitely"). On wake it advances PC by 4 so the WFI is not re-executed,
// then checks for a deliverable interrupt with the WFI relaxation (global
// mstatus enable not required, spec.md §4.3).
func (cpu *CPU) handleWFI(ctx context.Context) {
	cpu.parkUntilWake(ctx)
	cpu.PC += 4
	if ctx.Err() != nil {
		return
	}
	cpu.EvInt.Store(false)
	cpu.foldPendingInterrupts()
	if fire, cause := cpu.CheckInterrupt(true); fire {
		cpu.RaiseTrap(cause, 0)
	}
}

// parkUntilWake blocks until wait_event is cleared by another goroutine
// (SignalInterrupt) or ctx is cancelled.
func (cpu *CPU) parkUntilWake(ctx context.Context) {
	for cpu.WaitEvent.Load() {
		if ctx.Err() != nil {
			return
		}
		time.Sleep(100 * time.Microsecond)
	}
}

// Step executes exactly one instruction at the current PC: fetch (compressed
// or 32-bit), decode, execute, and deliver a trap if the instruction raised
// one (spec.md §4.1). It returns ErrWFI, unmodified, when the instruction was
// WFI, so the caller (RunHart, or a test driving a hart directly) can decide
// how to handle parking.
func (cpu *CPU) Step() error {
	insn, compressed, err := cpu.fetch()
	if err != nil {
		if exc, ok := err.(ExceptionError); ok {
			cpu.RaiseTrap(exc.Cause, exc.Tval)
			return nil
		}
		return err
	}

	if compressed {
		expanded, eerr := cpu.ExpandCompressed(uint16(insn))
		if eerr != nil {
			if exc, ok := eerr.(ExceptionError); ok {
				cpu.RaiseTrap(exc.Cause, exc.Tval)
				return nil
			}
			return eerr
		}
		insn = expanded
	}

	oldPC := cpu.PC
	cpu.PCUpdated = false
	if err := cpu.executeWithMMU(insn); err != nil {
		if errors.Is(err, ErrWFI) {
			return ErrWFI
		}
		if exc, ok := err.(ExceptionError); ok {
			cpu.PC = oldPC
			cpu.RaiseTrap(exc.Cause, exc.Tval)
			return nil
		}
		return err
	}

	if !cpu.PCUpdated {
		if compressed {
			cpu.PC += 2
		} else {
			cpu.PC += 4
		}
	}

	// A compressed C.JAL/C.JALR expands to the 32-bit JAL/JALR encoding,
	// whose execJal/execJalr unconditionally link rd to oldPC+4 -- correct
	// for a 4-byte instruction, wrong by 2 for the 2-byte compressed form
	// it actually was. Fix up the link value rather than teaching
	// execJal/execJalr about instruction width, since every other caller
	// of them is a genuine 32-bit instruction.
	if compressed {
		switch opcode(insn) {
		case OpJal, OpJalr:
			if r := rd(insn); r != 0 {
				cpu.WriteReg(r, cpu.ReadReg(r)-2)
			}
		}
	}

	cpu.Cycle++
	cpu.Instret++
	return nil
}

// fetch reads one instruction at the current PC (spec.md §4.1 "Fetch
// policy"): translate for execute permission, read a halfword, and decide
// between a 16-bit compressed form and a 32-bit form from its low two bits.
// The two halfwords of an unaligned-relative-to-a-word 32-bit instruction
// are translated independently, since RVC allows them to straddle a page
// boundary.
func (cpu *CPU) fetch() (insn uint32, compressed bool, err error) {
	pc := cpu.PC
	paddr, terr := cpu.MMU.TranslateFetch(pc)
	if terr != nil {
		return 0, false, retagTval(terr, pc)
	}
	lo, rerr := cpu.Bus.Read16(paddr)
	if rerr != nil {
		return 0, false, Exception(CauseInsnAccessFault, pc)
	}
	if lo&0x3 != 0x3 {
		return uint32(lo), true, nil
	}

	hiPC := pc + 2
	paddrHi, terr := cpu.MMU.TranslateFetch(hiPC)
	if terr != nil {
		return 0, false, retagTval(terr, hiPC)
	}
	hi, rerr := cpu.Bus.Read16(paddrHi)
	if rerr != nil {
		return 0, false, Exception(CauseInsnAccessFault, hiPC)
	}
	return uint32(lo) | uint32(hi)<<16, false, nil
}

// retagTval rewrites an ExceptionError's Tval to the faulting virtual
// address; the MMU already does this for page faults, but callers that
// raise their own access-fault exceptions from a raw host error benefit
// from a single place that guarantees a virtual, not physical, Tval.
func retagTval(err error, vaddr uint32) error {
	if exc, ok := err.(ExceptionError); ok {
		return Exception(exc.Cause, vaddr)
	}
	return err
}

// executeWithMMU routes load/store/AMO opcodes through the MMU before
// falling into CPU.Execute; every other opcode needs no translation.
func (cpu *CPU) executeWithMMU(insn uint32) error {
	switch opcode(insn) {
	case OpLoad:
		return cpu.execLoadMMU(insn)
	case OpStore:
		return cpu.execStoreMMU(insn)
	case OpAMO:
		return cpu.execAMOMMU(insn)
	default:
		return cpu.Execute(insn)
	}
}

// addrOverrideBus makes every load/store ignore the address its caller
// passes and hit a single pre-translated physical address instead. execLoad/
// execStore/execAMO (execute.go, atomic.go) recompute rs1+imm themselves for
// alignment checks and register-reservation bookkeeping; this lets them keep
// doing that in virtual-address space while the actual host access lands on
// the address the MMU already resolved, without duplicating every opcode's
// switch statement for a translated variant.
type addrOverrideBus struct {
	under BusInterface
	paddr uint32
}

func (b *addrOverrideBus) Read8(uint32) (uint8, error)   { return b.under.Read8(b.paddr) }
func (b *addrOverrideBus) Read16(uint32) (uint16, error) { return b.under.Read16(b.paddr) }
func (b *addrOverrideBus) Read32(uint32) (uint32, error) { return b.under.Read32(b.paddr) }
func (b *addrOverrideBus) Write8(_ uint32, v uint8) error { return b.under.Write8(b.paddr, v) }
func (b *addrOverrideBus) Write16(_ uint32, v uint16) error {
	return b.under.Write16(b.paddr, v)
}
func (b *addrOverrideBus) Write32(_ uint32, v uint32) error {
	return b.under.Write32(b.paddr, v)
}
func (b *addrOverrideBus) LockAtomic()   { b.under.LockAtomic() }
func (b *addrOverrideBus) UnlockAtomic() { b.under.UnlockAtomic() }

var _ BusInterface = (*addrOverrideBus)(nil)

// withTranslatedAddr temporarily points cpu.Bus at paddr for the duration of
// fn, then restores the original bus.
func (cpu *CPU) withTranslatedAddr(paddr uint32, fn func() error) error {
	orig := cpu.Bus
	cpu.Bus = &addrOverrideBus{under: orig, paddr: paddr}
	defer func() { cpu.Bus = orig }()
	return fn()
}

func (cpu *CPU) execLoadMMU(insn uint32) error {
	vaddr := cpu.ReadReg(rs1(insn)) + uint32(immI(insn))
	paddr, err := cpu.MMU.TranslateRead(vaddr)
	if err != nil {
		return retagTval(err, vaddr)
	}
	return cpu.withTranslatedAddr(paddr, func() error { return cpu.execLoad(insn) })
}

func (cpu *CPU) execStoreMMU(insn uint32) error {
	vaddr := cpu.ReadReg(rs1(insn)) + uint32(immS(insn))
	paddr, err := cpu.MMU.TranslateWrite(vaddr)
	if err != nil {
		return retagTval(err, vaddr)
	}
	return cpu.withTranslatedAddr(paddr, func() error { return cpu.execStore(insn) })
}

func (cpu *CPU) execAMOMMU(insn uint32) error {
	vaddr := cpu.ReadReg(rs1(insn))
	paddr, err := cpu.MMU.TranslateWrite(vaddr)
	if err != nil {
		return retagTval(err, vaddr)
	}
	return cpu.withTranslatedAddr(paddr, func() error { return cpu.execAMO(insn) })
}
