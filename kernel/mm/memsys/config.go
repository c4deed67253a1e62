package memsys

import (
	"firefly/kernel/kfmt"
	"firefly/kernel/mm"
)

// Boot command line keys recognized by ConfigFromCmdLine.
const (
	keyEarlyRegion   = "mm.early_region"
	keyBootMap       = "mm.boot_map"
	keyBootMapOffset = "mm.boot_map_offset"
	keyPrimaryRsv    = "mm.primary_reserve"
)

// Config holds the tunables of the memory subsystem.
type Config struct {
	// EarlyRegionSize is the size of the region that backs the page
	// tables of the boot map.
	EarlyRegionSize mm.Size

	// BootMapSize bytes of physical memory starting at address 0 are
	// mapped at BootMapOffset. After the boot map is in place all
	// physical memory accesses go through it, so the buddy allocator
	// only manages memory below BootMapSize.
	BootMapSize   mm.Size
	BootMapOffset uintptr

	// PrimaryReserve is the number of free frames that the primary
	// allocator keeps for itself when handing memory over to the buddy
	// allocator.
	PrimaryReserve uint64
}

// DefaultConfig returns the default memory subsystem configuration.
func DefaultConfig() Config {
	return Config{
		EarlyRegionSize: 4 * mm.Mb,
		BootMapSize:     1 * mm.Gb,
		BootMapOffset:   0xffff800000000000,
		PrimaryReserve:  256,
	}
}

// CmdLineLookup returns the value of a boot command line option and whether
// the option was present. multiboot.CmdLineValue satisfies it.
type CmdLineLookup func(key string) (string, bool)

// ConfigFromCmdLine returns the default configuration with any overrides
// found on the boot command line applied. Sizes may use a 0x prefix and a K,
// M or G suffix. Invalid values are reported and ignored.
func ConfigFromCmdLine(lookup CmdLineLookup) Config {
	cfg := DefaultConfig()
	if lookup == nil {
		return cfg
	}

	if size, ok := sizeOption(lookup, keyEarlyRegion); ok {
		if size < mm.Size(mm.PageSize) {
			invalidOption(keyEarlyRegion)
		} else {
			cfg.EarlyRegionSize = mm.Size(mm.AlignUp(uintptr(size), mm.PageSize))
		}
	}

	if size, ok := sizeOption(lookup, keyBootMap); ok {
		if size < mm.Size(mm.PageSize) {
			invalidOption(keyBootMap)
		} else {
			cfg.BootMapSize = mm.Size(mm.AlignUp(uintptr(size), mm.PageSize))
		}
	}

	if offset, ok := sizeOption(lookup, keyBootMapOffset); ok {
		if uintptr(offset)&(mm.PageSize-1) != 0 {
			invalidOption(keyBootMapOffset)
		} else {
			cfg.BootMapOffset = uintptr(offset)
		}
	}

	if count, ok := sizeOption(lookup, keyPrimaryRsv); ok {
		cfg.PrimaryReserve = uint64(count)
	}

	return cfg
}

// sizeOption looks up key and parses its value. It returns false if the key
// is missing or its value cannot be parsed.
func sizeOption(lookup CmdLineLookup, key string) (mm.Size, bool) {
	value, found := lookup(key)
	if !found {
		return 0, false
	}

	size, ok := mm.ParseSize(value)
	if !ok {
		invalidOption(key)
		return 0, false
	}

	return size, true
}

func invalidOption(key string) {
	kfmt.Printf("[memsys] ignoring invalid value for boot option %s\n", key)
}
