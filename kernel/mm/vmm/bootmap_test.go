package vmm

import (
	"firefly/kernel/hal/multiboot"
	"firefly/kernel/mm"
	"testing"
)

type regionRecorder struct {
	base uintptr
	size mm.Size
	hits int
}

func (r *regionRecorder) ReserveRegion(base uintptr, size mm.Size) {
	r.base, r.size = base, size
	r.hits++
}

func testBootMapConfig() BootMapConfig {
	return BootMapConfig{
		EarlyRegionSize: 64 * mm.Kb,
		MapSize:         4 * mm.Mb,
		MapOffset:       0xffff800000000000,
	}
}

func testBootMemMap() []multiboot.MemoryMapEntry {
	return []multiboot.MemoryMapEntry{
		{PhysAddress: 0x0, Length: 0x9fc00, Type: multiboot.MemReserved},
		{PhysAddress: 0x9fc00, Length: 0x60400, Type: multiboot.MemReserved},
		{PhysAddress: 0x100000, Length: 0x700000, Type: multiboot.MemAvailable},
	}
}

// tablesOnPath returns the physical addresses of the intermediate tables that
// the translation of virtAddr passes through.
func tablesOnPath(root, virtAddr uintptr) []uintptr {
	var tables []uintptr
	walk(root, virtAddr, func(level uint8, pte *pageTableEntry) bool {
		if level == pageLevels-1 || !pte.HasFlags(FlagPresent) {
			return false
		}
		tables = append(tables, pte.Frame().Address())
		return true
	})
	return tables
}

func TestBootMapExtraRegion(t *testing.T) {
	withFakePhysMem(t, 0x800000)
	flushed := mockFlushTLBEntry(t)

	var (
		m        Mapper
		root     = uintptr(0x2000)
		cfg      = testBootMapConfig()
		memMap   = testBootMemMap()
		reserver regionRecorder
	)

	if err := m.BootMapExtraRegion(memMap, root, cfg, &reserver); err != nil {
		t.Fatal(err)
	}

	if memMap[2].PhysAddress != 0x110000 || memMap[2].End() != 0x800000 {
		t.Errorf("expected the host entry to shrink to [0x110000, 0x800000); got [0x%x, 0x%x)", memMap[2].PhysAddress, memMap[2].End())
	}

	if reserver.hits != 1 || reserver.base != 0x100000 || reserver.size != 64*mm.Kb {
		t.Errorf("expected the early region [0x100000, 0x110000) to be reserved once; got %d call(s) for 0x%x (%d bytes)", reserver.hits, reserver.base, reserver.size)
	}

	if base, size := m.EarlyRegion(); base != 0x100000 || size != 64*mm.Kb {
		t.Errorf("expected early region at 0x100000 with size 64K; got 0x%x with size %d", base, size)
	}

	if exp := 1024; len(*flushed) != exp {
		t.Errorf("expected %d pages to be mapped; got %d", exp, len(*flushed))
	}

	// PDPT, PD and two page tables
	if exp := uint64(4); m.TablesAllocated(EarlyBump) != exp {
		t.Errorf("expected %d early tables; got %d", exp, m.TablesAllocated(EarlyBump))
	}

	if got := m.Source(); got != EarlyBump {
		t.Errorf("expected source to remain %s until the switch; got %s", EarlyBump, got)
	}

	specs := []struct {
		physAddr uintptr
		expErr   bool
	}{
		{0x0, false},
		{0x123456, false},
		{0x3fffff, false},
		{0x400000, true},
	}

	for specIndex, spec := range specs {
		got, err := m.Translate(cfg.MapOffset+spec.physAddr, root)
		switch {
		case spec.expErr && err != ErrInvalidMapping:
			t.Errorf("[spec %d] expected ErrInvalidMapping; got %v", specIndex, err)
		case !spec.expErr && err != nil:
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
		case !spec.expErr && got != spec.physAddr:
			t.Errorf("[spec %d] expected translation 0x%x; got 0x%x", specIndex, spec.physAddr, got)
		}
	}

	earlyBase, earlySize := m.EarlyRegion()
	for _, table := range tablesOnPath(root, cfg.MapOffset+0x3ff000) {
		if table < earlyBase || table >= earlyBase+uintptr(earlySize) {
			t.Errorf("expected boot map table 0x%x to be allocated from the early region", table)
		}
	}
}

func TestSwitchToPhysical(t *testing.T) {
	withFakePhysMem(t, 0x800000)
	mockFlushTLBEntry(t)

	var (
		m    Mapper
		root = uintptr(0x2000)
		cfg  = testBootMapConfig()
		phys = &bumpPhysAllocator{next: 0x400000, end: 0x500000}
	)

	if err := m.BootMapExtraRegion(testBootMemMap(), root, cfg, nil); err != nil {
		t.Fatal(err)
	}

	if err := m.SwitchToPhysical(phys); err != nil {
		t.Fatal(err)
	}

	if got := m.Source(); got != BuddyBacked {
		t.Fatalf("expected source to be %s; got %s", BuddyBacked, got)
	}

	// Uses a different top-level entry than the boot map
	lateAddr := uintptr(0xffffc00000000000)
	if err := m.Map(lateAddr, 0x300000, ReadWrite, root); err != nil {
		t.Fatal(err)
	}

	if exp := 3; len(phys.allocated) != exp {
		t.Fatalf("expected %d tables from the physical allocator; got %d", exp, len(phys.allocated))
	}

	if exp := uint64(3); m.TablesAllocated(BuddyBacked) != exp {
		t.Errorf("expected %d late tables; got %d", exp, m.TablesAllocated(BuddyBacked))
	}

	if exp := uint64(4); m.TablesAllocated(EarlyBump) != exp {
		t.Errorf("expected the early table count to stay at %d; got %d", exp, m.TablesAllocated(EarlyBump))
	}

	earlyBase, earlySize := m.EarlyRegion()
	for i, table := range tablesOnPath(root, lateAddr) {
		if table != phys.allocated[i] {
			t.Errorf("[level %d] expected table 0x%x from the physical allocator; got 0x%x", i, phys.allocated[i], table)
		}

		if table >= earlyBase && table < earlyBase+uintptr(earlySize) {
			t.Errorf("[level %d] expected late table 0x%x to be outside the early region", i, table)
		}
	}

	// Mappings through existing tables do not allocate
	if err := m.Map(cfg.MapOffset+0x400000, 0x400000, ReadWrite, root); err != nil {
		t.Fatal(err)
	}

	if exp := 4; len(phys.allocated) != exp {
		t.Errorf("expected a single new page table for the next 2M region; got %d allocations", len(phys.allocated)-3)
	}
}

func TestBootMapErrors(t *testing.T) {
	withFakePhysMem(t, 0x800000)
	mockFlushTLBEntry(t)

	t.Run("no region for the early tables", func(t *testing.T) {
		var m Mapper
		cfg := testBootMapConfig()
		cfg.EarlyRegionSize = 8 * mm.Mb

		if err := m.BootMapExtraRegion(testBootMemMap(), 0x2000, cfg, nil); err != errNoEarlyRegion {
			t.Fatalf("expected to get errNoEarlyRegion; got %v", err)
		}
	})

	t.Run("boot map established twice", func(t *testing.T) {
		var m Mapper
		cfg := testBootMapConfig()
		cfg.MapSize = 0

		if err := m.BootMapExtraRegion(testBootMemMap(), 0x2000, cfg, nil); err != nil {
			t.Fatal(err)
		}

		if err := m.BootMapExtraRegion(testBootMemMap(), 0x2000, cfg, nil); err != errBootMapExists {
			t.Fatalf("expected to get errBootMapExists; got %v", err)
		}
	})

	t.Run("switch twice", func(t *testing.T) {
		var m Mapper
		phys := &bumpPhysAllocator{}

		if err := m.SwitchToPhysical(nil); err != errNoPhysicalAllocator {
			t.Fatalf("expected to get errNoPhysicalAllocator; got %v", err)
		}

		if err := m.SwitchToPhysical(phys); err != nil {
			t.Fatal(err)
		}

		if err := m.SwitchToPhysical(phys); err != errSourceSwitched {
			t.Fatalf("expected to get errSourceSwitched; got %v", err)
		}

		if err := m.BootMapExtraRegion(testBootMemMap(), 0x2000, testBootMapConfig(), nil); err != errSourceSwitched {
			t.Fatalf("expected to get errSourceSwitched; got %v", err)
		}
	})
}

func TestTableSourceString(t *testing.T) {
	specs := []struct {
		source TableSource
		exp    string
	}{
		{EarlyBump, "early bump region"},
		{BuddyBacked, "physical allocator"},
		{TableSource(42), "unknown"},
	}

	for specIndex, spec := range specs {
		if got := spec.source.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}
