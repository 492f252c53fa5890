package rv32

import (
	"fmt"
	"sync"
)

// Device is the MMIO handler contract (spec.md §4.5, §6): Read and Write
// serve an access relative to the device's own region, and Size reports
// that region's span.
type Device interface {
	// Read fills size bytes (1, 2, or 4) starting at offset, little-endian.
	Read(offset uint32, size int) (uint32, error)
	// Write consumes size bytes (1, 2, or 4) starting at offset, little-endian.
	Write(offset uint32, size int, value uint32) error
	// Size reports the device's address-space span in bytes.
	Size() uint32
}

// MemoryRegion is a contiguous host-backed buffer representing a guest
// physical window (spec.md §3). NewMemoryRegion backs it with a plain slice;
// NewMmapMemoryRegion (memregion.go) backs it with an anonymous mmap.
type MemoryRegion struct {
	Data    []byte
	mmapped bool
}

func NewMemoryRegion(size uint32) *MemoryRegion {
	return &MemoryRegion{Data: make([]byte, size)}
}

func (m *MemoryRegion) Size() uint32 { return uint32(len(m.Data)) }

func (m *MemoryRegion) Read(offset uint32, size int) (uint32, error) {
	if uint64(offset)+uint64(size) > uint64(len(m.Data)) {
		return 0, fmt.Errorf("memory read out of bounds: offset=0x%x size=%d", offset, size)
	}
	switch size {
	case 1:
		return uint32(m.Data[offset]), nil
	case 2:
		return uint32(cpuEndian.Uint16(m.Data[offset:])), nil
	case 4:
		return cpuEndian.Uint32(m.Data[offset:]), nil
	default:
		return 0, fmt.Errorf("invalid read size: %d", size)
	}
}

func (m *MemoryRegion) Write(offset uint32, size int, value uint32) error {
	if uint64(offset)+uint64(size) > uint64(len(m.Data)) {
		return fmt.Errorf("memory write out of bounds: offset=0x%x size=%d", offset, size)
	}
	switch size {
	case 1:
		m.Data[offset] = byte(value)
	case 2:
		cpuEndian.PutUint16(m.Data[offset:], uint16(value))
	case 4:
		cpuEndian.PutUint32(m.Data[offset:], value)
	default:
		return fmt.Errorf("invalid write size: %d", size)
	}
	return nil
}

// DeviceMapping is one entry of the MMIO routing table (spec.md §3, §4.5):
// a half-open region [Base, End) with a handler and an opaque cookie.
type DeviceMapping struct {
	Base   uint32
	End    uint32
	Device Device
	Cookie any
}

// BusInterface is what the CPU/MMU need from the physical-memory-plus-MMIO
// plane. Kept narrow (32-bit load/store only: no RV64 doublewords).
type BusInterface interface {
	Read8(addr uint32) (uint8, error)
	Read16(addr uint32) (uint16, error)
	Read32(addr uint32) (uint32, error)
	Write8(addr uint32, value uint8) error
	Write16(addr uint32, value uint16) error
	Write32(addr uint32, value uint32) error

	// LockAtomic/UnlockAtomic bracket one A-extension LR/SC/AMO
	// read-modify-write sequence (spec.md §5: "atomic instructions must
	// use host-level atomic primitives with sequentially-consistent
	// ordering"). Every implementation forwards to the same underlying
	// *Bus so two harts issuing AMOs to the same or different words still
	// serialize through one lock, matching the shared, non-partitioned
	// physical-memory model of spec.md §3.
	LockAtomic()
	UnlockAtomic()
}

// Bus owns the physical RAM window and the ordered MMIO routing table
// shared by every hart (spec.md §3 "Global... MMIO routing table").
type Bus struct {
	RAM     *MemoryRegion
	RAMBase uint32
	Devices []DeviceMapping

	// amoMu serializes atomic.go's read-modify-write AMO/SC sequences so
	// two harts hitting the same word can't interleave between the two
	// bus calls that make up one "atomic" op (spec.md §5).
	amoMu sync.Mutex
}

func NewBus(ram *MemoryRegion, ramBase uint32) *Bus {
	return &Bus{RAM: ram, RAMBase: ramBase}
}

// AddDevice registers a device's region. Regions must not overlap RAM or any
// previously-registered device (spec.md §3 invariant, §4.5 "regions do not
// overlap"); the teacher's rv64 bus never checked this, which is the one
// correctness gap AddDevice closes here. Registration order is iteration
// order, matching spec.md §4.5.
func (bus *Bus) AddDevice(base uint32, dev Device, cookie any) error {
	end := base + dev.Size()
	ramEnd := uint64(bus.RAMBase) + uint64(bus.RAM.Size())
	if uint64(base) < ramEnd && uint64(end) > uint64(bus.RAMBase) {
		return fmt.Errorf("mmio region [0x%x,0x%x) overlaps RAM", base, end)
	}
	for _, m := range bus.Devices {
		if base < m.End && end > m.Base {
			return fmt.Errorf("mmio region [0x%x,0x%x) overlaps existing region [0x%x,0x%x)", base, end, m.Base, m.End)
		}
	}
	bus.Devices = append(bus.Devices, DeviceMapping{Base: base, End: end, Device: dev, Cookie: cookie})
	return nil
}

// findRegion performs the linear scan spec.md §4.5 says is acceptable given
// a table of bounded size (≤256 entries).
func (bus *Bus) findRegion(addr uint32) (*DeviceMapping, bool) {
	for i := range bus.Devices {
		m := &bus.Devices[i]
		if addr >= m.Base && addr < m.End {
			return m, true
		}
	}
	return nil, false
}

// read and write serve one physical load/store from RAM or, on a miss, the MMIO
// table. A miss in both raises a load/store access fault (spec.md §4.2).
func (bus *Bus) read(addr uint32, size int) (uint32, error) {
	if addr >= bus.RAMBase && uint64(addr)+uint64(size) <= uint64(bus.RAMBase)+uint64(bus.RAM.Size()) {
		return bus.RAM.Read(addr-bus.RAMBase, size)
	}
	if m, ok := bus.findRegion(addr); ok {
		v, err := m.Device.Read(addr-m.Base, size)
		if err != nil {
			return 0, fmt.Errorf("mmio read refused at 0x%x: %w", addr, err)
		}
		return v, nil
	}
	return 0, fmt.Errorf("no device at physical address 0x%x", addr)
}

func (bus *Bus) write(addr uint32, size int, value uint32) error {
	if addr >= bus.RAMBase && uint64(addr)+uint64(size) <= uint64(bus.RAMBase)+uint64(bus.RAM.Size()) {
		return bus.RAM.Write(addr-bus.RAMBase, size, value)
	}
	if m, ok := bus.findRegion(addr); ok {
		if err := m.Device.Write(addr-m.Base, size, value); err != nil {
			return fmt.Errorf("mmio write refused at 0x%x: %w", addr, err)
		}
		return nil
	}
	return fmt.Errorf("no device at physical address 0x%x", addr)
}

func (bus *Bus) Read8(addr uint32) (uint8, error) {
	v, err := bus.read(addr, 1)
	return uint8(v), err
}

func (bus *Bus) Read16(addr uint32) (uint16, error) {
	v, err := bus.read(addr, 2)
	return uint16(v), err
}

func (bus *Bus) Read32(addr uint32) (uint32, error) { return bus.read(addr, 4) }

func (bus *Bus) Write8(addr uint32, value uint8) error { return bus.write(addr, 1, uint32(value)) }

func (bus *Bus) Write16(addr uint32, value uint16) error { return bus.write(addr, 2, uint32(value)) }

func (bus *Bus) Write32(addr uint32, value uint32) error { return bus.write(addr, 4, value) }

// LockAtomic/UnlockAtomic implement BusInterface's atomicity contract using
// amoMu directly (bus.go's Bus is always the terminal, non-wrapping
// implementation any addrOverrideBus chain forwards to).
func (bus *Bus) LockAtomic()   { bus.amoMu.Lock() }
func (bus *Bus) UnlockAtomic() { bus.amoMu.Unlock() }

// LoadBytes copies a pre-populated boot image into guest RAM at a physical
// address (spec.md §1 "the core accepts a pre-populated physical memory
// image"; loading the image itself is the host's job, not this method's).
func (bus *Bus) LoadBytes(addr uint32, data []byte) error {
	if addr >= bus.RAMBase && uint64(addr)+uint64(len(data)) <= uint64(bus.RAMBase)+uint64(bus.RAM.Size()) {
		copy(bus.RAM.Data[addr-bus.RAMBase:], data)
		return nil
	}
	for i, b := range data {
		if err := bus.Write8(addr+uint32(i), b); err != nil {
			return err
		}
	}
	return nil
}

// FetchHalfword reads one little-endian halfword, used by the decoder to
// decide between a 16-bit compressed form and a 32-bit form (spec.md §4.1).
func (bus *Bus) FetchHalfword(addr uint32) (uint16, error) { return bus.Read16(addr) }

var _ BusInterface = (*Bus)(nil)
