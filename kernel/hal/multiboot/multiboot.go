// Package multiboot parses the multiboot2 information structure passed to
// the kernel by the bootloader. Only the tags consumed by the memory
// subsystem (memory map and boot command line) are decoded.
package multiboot

import (
	"reflect"
	"unsafe"
)

var (
	infoData uintptr
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
	tagVbeInfo
	tagFramebufferInfo
	tagElfSymbols
	tagApmTable
)

// tagHeader describes the header the preceedes each tag.
type tagHeader struct {
	// The type of the tag
	tagType tagType

	// The size of the tag including the header but *not* including any
	// padding. Each tag starts at a 8-byte aligned address.
	size uint32
}

// mmapHeader describes the header for a memory map specification.
type mmapHeader struct {
	// The size of each entry.
	entrySize uint32

	// The version of the entries that follow.
	entryVersion uint32
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type. Its layout matches the entries of the multiboot2
// memory map tag.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType

	reserved uint32
}

// End returns the physical address right after the last byte of the region.
func (e *MemoryMapEntry) End() uint64 {
	return e.PhysAddress + e.Length
}

// SetInfoPtr updates the internal multiboot information pointer to the given
// value. This function must be invoked before invoking any other function
// exported by this package.
func SetInfoPtr(ptr uintptr) {
	infoData = ptr
}

// MemoryMap returns the memory map supplied by the bootloader as a slice that
// overlays the multiboot info data. Changes to the returned entries (e.g. when
// an allocator carves a region out of an entry) are visible to subsequent
// calls. Entries with an unknown type are reported as MemReserved. MemoryMap
// returns nil if the memory map tag is missing or if its entry size does not
// match the MemoryMapEntry layout.
func MemoryMap() []MemoryMapEntry {
	curPtr, size := findTagByType(tagMemoryMap)
	if size <= 8 {
		return nil
	}

	ptrMapHeader := (*mmapHeader)(unsafe.Pointer(curPtr))
	if uintptr(ptrMapHeader.entrySize) != unsafe.Sizeof(MemoryMapEntry{}) {
		return nil
	}

	count := int((uintptr(size) - 8) / uintptr(ptrMapHeader.entrySize))
	entries := *(*[]MemoryMapEntry)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  count,
		Cap:  count,
		Data: curPtr + 8,
	}))

	for i := range entries {
		normalizeType(&entries[i])
	}

	return entries
}

// normalizeType marks entries with an unknown type as reserved.
func normalizeType(entry *MemoryMapEntry) {
	if entry.Type == 0 || entry.Type >= memUnknown {
		entry.Type = MemReserved
	}
}

// CmdLine returns the boot command line passed to the kernel or an empty
// string if the bootloader did not provide one. The returned string points
// into the multiboot info data.
func CmdLine() string {
	curPtr, size := findTagByType(tagBootCmdLine)
	if size == 0 {
		return ""
	}

	// The command line is a C-style NULL-terminated string
	var (
		cmdLine   string
		strHeader = (*reflect.StringHeader)(unsafe.Pointer(&cmdLine))
	)
	strHeader.Data = curPtr
	strHeader.Len = int(size - 1)

	return cmdLine
}

// CmdLineValue looks up a key in the boot command line. Each space-separated
// field is either a "key=value" pair or a bare "flag"; the value reported for
// a bare flag is the flag name itself. The returned value is a substring of
// the command line so CmdLineValue can be used before the Go allocator is
// available.
func CmdLineValue(key string) (string, bool) {
	cmdLine := CmdLine()

	for start := 0; start < len(cmdLine); {
		if cmdLine[start] == ' ' || cmdLine[start] == '\t' {
			start++
			continue
		}

		end, sep := start, -1
		for ; end < len(cmdLine) && cmdLine[end] != ' ' && cmdLine[end] != '\t'; end++ {
			if sep == -1 && cmdLine[end] == '=' {
				sep = end
			}
		}

		field := cmdLine[start:end]
		switch {
		case sep == -1 && field == key:
			return field, true
		case sep != -1 && cmdLine[start:sep] == key:
			return cmdLine[sep+1 : end], true
		}

		start = end
	}

	return "", false
}

// findTagByType scans the multiboot info data looking for the start of of the
// specified type. It returns a pointer to the tag contents start offset and
// the content length exluding the tag header.
//
// If the tag is not present in the multiboot info, findTagSection will return
// back (0,0).
func findTagByType(tagType tagType) (uintptr, uint32) {
	var ptrTagHeader *tagHeader

	curPtr := infoData + 8
	for ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)); ptrTagHeader.tagType != tagMbSectionEnd; ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)) {
		if ptrTagHeader.tagType == tagType {
			return curPtr + 8, ptrTagHeader.size - 8
		}

		// Tags are aligned at 8-byte aligned addresses
		curPtr += uintptr(int32(ptrTagHeader.size+7) & ^7)
	}

	return 0, 0
}
