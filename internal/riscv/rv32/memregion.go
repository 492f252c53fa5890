package rv32

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// NewMmapMemoryRegion backs a physical-memory window with an anonymous
// mmap instead of a plain Go slice, the way the teacher's KVM/HVF backends
// map guest RAM (internal/hv/kvm) so that a guest physical address space of
// a few hundred MiB doesn't sit on the Go heap/GC. Software-only execution
// doesn't require the guest pages to be independently mappable into another
// process, but sizing the arena the same way keeps RAM behavior identical
// whether or not a hardware-accelerated backend is compiled in alongside it.
func NewMmapMemoryRegion(size uint32) (*MemoryRegion, error) {
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap guest RAM (%d bytes): %w", size, err)
	}
	return &MemoryRegion{Data: data, mmapped: true}, nil
}

// Release unmaps an mmap-backed region. Calling it on a plain slice-backed
// region (NewMemoryRegion) is a no-op, since there is nothing to unmap.
func (m *MemoryRegion) Release() error {
	if !m.mmapped {
		return nil
	}
	return unix.Munmap(m.Data)
}
