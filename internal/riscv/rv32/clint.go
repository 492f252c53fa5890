package rv32

import (
	"sync/atomic"
	"time"
)

// CLINT register layout within one hart's CLINT_LEN-byte stride
// (spec.md §6 "CLINT per hart at CLINT_BASE + i*CLINT_LEN").
const (
	clintMsipOffset     = 0x0000
	clintMtimecmpOffset = 0x4000
	clintMtimeOffset    = 0xbff8
)

// CLINT implements the core-local interruptor for every hart in one
// contiguous bank, indexed by offset/CLINTLen (spec.md §6 default layout).
// It is the machine's single shared mtime source; per-hart mtimecmp
// registers gate the per-hart timer interrupt.
type CLINT struct {
	harts []*CPU

	msip     []atomic.Uint32
	mtimecmp []uint64

	startTime time.Time
	nsPerTick uint64 // 10 MHz: 100ns/tick (spec.md §3 "monotonic 10 MHz counter")
}

func NewCLINT(harts []*CPU) *CLINT {
	c := &CLINT{
		harts:     harts,
		msip:      make([]atomic.Uint32, len(harts)),
		mtimecmp:  make([]uint64, len(harts)),
		startTime: time.Now(),
		nsPerTick: 100,
	}
	for i := range c.mtimecmp {
		c.mtimecmp[i] = ^uint64(0)
	}
	return c
}

func (c *CLINT) Size() uint32 { return CLINTLen * uint32(len(c.harts)) }

func (c *CLINT) Mtime() uint64 {
	return uint64(time.Since(c.startTime).Nanoseconds()) / c.nsPerTick
}

func (c *CLINT) hartAndOffset(offset uint32) (int, uint32) {
	idx := int(offset / CLINTLen)
	return idx, offset % CLINTLen
}

func (c *CLINT) Read(offset uint32, size int) (uint32, error) {
	idx, rel := c.hartAndOffset(offset)
	if idx < 0 || idx >= len(c.harts) {
		return 0, nil
	}
	switch {
	case rel == clintMsipOffset:
		return c.msip[idx].Load(), nil
	case rel >= clintMtimecmpOffset && rel < clintMtimecmpOffset+8:
		return uint32(c.mtimecmp[idx] >> (8 * (rel - clintMtimecmpOffset))), nil
	case rel >= clintMtimeOffset && rel < clintMtimeOffset+8:
		return uint32(c.Mtime() >> (8 * (rel - clintMtimeOffset))), nil
	}
	return 0, nil
}

func (c *CLINT) Write(offset uint32, size int, value uint32) error {
	idx, rel := c.hartAndOffset(offset)
	if idx < 0 || idx >= len(c.harts) {
		return nil
	}
	switch {
	case rel == clintMsipOffset:
		if value&1 != 0 {
			c.msip[idx].Store(1)
			c.signal(idx, MipMSIP)
		} else {
			c.msip[idx].Store(0)
			c.clear(idx, MipMSIP)
		}
	case rel == clintMtimecmpOffset:
		c.mtimecmp[idx] = (c.mtimecmp[idx] &^ 0xffffffff) | uint64(value)
	case rel == clintMtimecmpOffset+4:
		c.mtimecmp[idx] = (c.mtimecmp[idx] &^ (0xffffffff << 32)) | (uint64(value) << 32)
	}
	return nil
}

// Tick is called by the IRQ/timer thread (spec.md §4.4, §9 resolution):
// MTIP is posted only when mtime has actually reached mtimecmp, fixing the
// open question flagged in spec.md §9 (the source posted it unconditionally
// every 10ms).
func (c *CLINT) Tick() {
	mtime := c.Mtime()
	for i := range c.harts {
		if mtime >= c.mtimecmp[i] {
			c.signal(i, MipMTIP)
		} else {
			c.clear(i, MipMTIP)
		}
	}
}

// signal sets a bit in the target hart's ev_int_mask and wakes it, per the
// spec's cross-thread interrupt protocol (spec.md §5): the owning hart
// folds ev_int_mask into csr.ip itself on its next loop iteration.
func (c *CLINT) signal(hartIdx int, bit uint32) {
	c.harts[hartIdx].SignalInterrupt(bit)
}

// clear removes a level-triggered bit (MTIP, MSIP) from the hart's
// ev_int_mask once its condition no longer holds. It runs on the IRQ thread
// or the writing hart's goroutine, not the owning hart's; the CAS in
// ClearInterruptSource makes that safe. ip itself is left to the owning
// hart, which picks up the cleared bit on its next fold.
func (c *CLINT) clear(hartIdx int, bit uint32) {
	c.harts[hartIdx].ClearInterruptSource(bit)
}

var _ Device = (*CLINT)(nil)
