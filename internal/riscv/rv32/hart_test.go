package rv32

import "testing"

func TestHartRegistryRegisterAndGet(t *testing.T) {
	reg := NewHartRegistry()
	cpu0 := newTestCPU(t)
	cpu0.HartID = 0
	cpu1 := newTestCPU(t)
	cpu1.HartID = 1

	if err := reg.Register(cpu0); err != nil {
		t.Fatalf("register hart 0: %v", err)
	}
	if err := reg.Register(cpu1); err != nil {
		t.Fatalf("register hart 1: %v", err)
	}
	if reg.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", reg.Len())
	}
	if reg.Get(1) != cpu1 {
		t.Fatalf("Get(1) did not return the registered hart")
	}
	if reg.Get(5) != nil {
		t.Fatalf("Get on an unregistered slot should return nil")
	}
}

func TestHartRegistryRejectsDuplicate(t *testing.T) {
	reg := NewHartRegistry()
	cpu0 := newTestCPU(t)
	cpu0.HartID = 0
	dup := newTestCPU(t)
	dup.HartID = 0

	if err := reg.Register(cpu0); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(dup); err == nil {
		t.Fatalf("expected an error registering a duplicate hart id")
	}
}

func TestHartRegistryDeregister(t *testing.T) {
	reg := NewHartRegistry()
	cpu0 := newTestCPU(t)
	cpu0.HartID = 0
	if err := reg.Register(cpu0); err != nil {
		t.Fatalf("register: %v", err)
	}
	reg.Deregister(0)
	if reg.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after deregister", reg.Len())
	}
	if reg.Get(0) != nil {
		t.Fatalf("Get(0) should be nil after deregister")
	}
}

func TestHartRegistryCapacity(t *testing.T) {
	reg := NewHartRegistry()
	overflow := newTestCPU(t)
	overflow.HartID = MaxHarts

	if err := reg.Register(overflow); err == nil {
		t.Fatalf("expected an error registering past MaxHarts")
	}
}

func TestHartRegistryHartsSnapshot(t *testing.T) {
	reg := NewHartRegistry()
	cpus := make([]*CPU, 3)
	for i := range cpus {
		cpus[i] = newTestCPU(t)
		cpus[i].HartID = uint32(i)
		if err := reg.Register(cpus[i]); err != nil {
			t.Fatalf("register hart %d: %v", i, err)
		}
	}
	snapshot := reg.Harts()
	if len(snapshot) != 3 {
		t.Fatalf("Harts() returned %d entries, want 3", len(snapshot))
	}
	for i, cpu := range snapshot {
		if cpu.HartID != uint32(i) {
			t.Fatalf("Harts()[%d].HartID = %d, want %d (ascending order)", i, cpu.HartID, i)
		}
	}
}
