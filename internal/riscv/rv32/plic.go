package rv32

import "sync"

// PLIC register layout (platform-level interrupt controller, spec.md §6).
const (
	plicPriorityBase  = 0x000000
	plicPendingBase   = 0x001000
	plicEnableBase    = 0x002000
	plicEnableStride  = 0x80
	plicThresholdBase = 0x200000
	plicContextStride = 0x1000
)

const plicMaxSources = 1024

// PLIC routes external device IRQs to harts. Each hart gets two contexts
// (M-mode, S-mode), matching the rocket-chip/QEMU virt convention the
// teacher's reference follows: context 2*i is hart i's M-mode, 2*i+1 is
// its S-mode.
type PLIC struct {
	harts []*CPU
	mu    sync.Mutex

	priority [plicMaxSources]uint32
	pending  [plicMaxSources / 32]uint32
	enable   [][plicMaxSources / 32]uint32
	threshold []uint32
	claimed   []uint32
}

func NewPLIC(harts []*CPU) *PLIC {
	contexts := len(harts) * 2
	return &PLIC{
		harts:     harts,
		enable:    make([][plicMaxSources / 32]uint32, contexts),
		threshold: make([]uint32, contexts),
		claimed:   make([]uint32, contexts),
	}
}

func (p *PLIC) Size() uint32 { return PLICSize }

func (p *PLIC) contexts() int { return len(p.threshold) }

func (p *PLIC) Read(offset uint32, size int) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case offset < plicPendingBase:
		source := offset / 4
		if source < plicMaxSources {
			return p.priority[source], nil
		}
	case offset >= plicPendingBase && offset < plicEnableBase:
		word := (offset - plicPendingBase) / 4
		if int(word) < len(p.pending) {
			return p.pending[word], nil
		}
	case offset >= plicEnableBase && offset < plicThresholdBase:
		rel := offset - plicEnableBase
		ctx := int(rel / plicEnableStride)
		word := (rel % plicEnableStride) / 4
		if ctx < p.contexts() && int(word) < len(p.enable[0]) {
			return p.enable[ctx][word], nil
		}
	case offset >= plicThresholdBase:
		rel := offset - plicThresholdBase
		ctx := int(rel / plicContextStride)
		reg := rel % plicContextStride
		if ctx < p.contexts() {
			switch reg {
			case 0:
				return p.threshold[ctx], nil
			case 4:
				return p.claim(ctx), nil
			}
		}
	}
	return 0, nil
}

func (p *PLIC) Write(offset uint32, size int, value uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case offset < plicPendingBase:
		source := offset / 4
		if source > 0 && source < plicMaxSources {
			p.priority[source] = value & 7
		}
	case offset >= plicEnableBase && offset < plicThresholdBase:
		rel := offset - plicEnableBase
		ctx := int(rel / plicEnableStride)
		word := (rel % plicEnableStride) / 4
		if ctx < p.contexts() && int(word) < len(p.enable[0]) {
			p.enable[ctx][word] = value
		}
	case offset >= plicThresholdBase:
		rel := offset - plicThresholdBase
		ctx := int(rel / plicContextStride)
		reg := rel % plicContextStride
		if ctx < p.contexts() {
			switch reg {
			case 0:
				p.threshold[ctx] = value & 7
			case 4:
				p.complete(ctx, value)
			}
		}
	}
	p.updateInterrupts()
	return nil
}

// SetPending raises or lowers a device's interrupt line (source 0 is
// reserved, per PLIC convention).
func (p *PLIC) SetPending(source uint32, pending bool) {
	if source == 0 || source >= plicMaxSources {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	word, bit := source/32, source%32
	if pending {
		p.pending[word] |= 1 << bit
	} else {
		p.pending[word] &^= 1 << bit
	}
	p.updateInterrupts()
}

func (p *PLIC) claim(ctx int) uint32 {
	var best, bestPrio uint32
	for source := uint32(1); source < plicMaxSources; source++ {
		word, bit := source/32, source%32
		if p.pending[word]&(1<<bit) == 0 || p.enable[ctx][word]&(1<<bit) == 0 {
			continue
		}
		prio := p.priority[source]
		if prio <= p.threshold[ctx] || prio <= bestPrio {
			continue
		}
		bestPrio, best = prio, source
	}
	if best != 0 {
		word, bit := best/32, best%32
		p.pending[word] &^= 1 << bit
		p.claimed[ctx] = best
	}
	p.updateInterrupts()
	return best
}

func (p *PLIC) complete(ctx int, source uint32) {
	if source == 0 || source >= plicMaxSources || p.claimed[ctx] != source {
		return
	}
	p.claimed[ctx] = 0
	p.updateInterrupts()
}

func (p *PLIC) hasPending(ctx int) bool {
	for source := uint32(1); source < plicMaxSources; source++ {
		word, bit := source/32, source%32
		if p.pending[word]&(1<<bit) == 0 || p.enable[ctx][word]&(1<<bit) == 0 {
			continue
		}
		if p.priority[source] > p.threshold[ctx] {
			return true
		}
	}
	return false
}

// updateInterrupts folds each context's pending-above-threshold state into
// its hart's ev_int_mask, following the cross-thread signaling contract
// (spec.md §5) rather than writing csr.ip directly.
func (p *PLIC) updateInterrupts() {
	for i, cpu := range p.harts {
		if p.hasPending(2 * i) {
			cpu.SignalInterrupt(MipMEIP)
		} else {
			cpu.ClearInterruptSource(MipMEIP)
		}
		if p.hasPending(2*i + 1) {
			cpu.SignalInterrupt(MipSEIP)
		} else {
			cpu.ClearInterruptSource(MipSEIP)
		}
	}
}

var _ Device = (*PLIC)(nil)
