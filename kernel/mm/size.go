package mm

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// PageOrder represents a power-of-two multiple of the base page size.
// PageOrder(0) refers to a block of PageSize bytes, PageOrder(1) to a block of
// 2*PageSize bytes and so on.
type PageOrder uint8

// MaxPageOrder is the largest PageOrder whose block size fits in a Size.
const MaxPageOrder = PageOrder(63 - PageShift)

// Order returns the smallest PageOrder whose block size is large enough to
// hold this size. Sizes above the block size of MaxPageOrder return
// MaxPageOrder+1.
func (s Size) Order() PageOrder {
	var order PageOrder
	for ; order <= MaxPageOrder && Size(PageSize)<<order < s; order++ {
	}

	return order
}

// Pages returns the number of pages that are required for storing this size.
func (s Size) Pages() uint64 {
	return uint64(AlignUp(uintptr(s), PageSize) >> PageShift)
}

// ParseSize parses a size string like "4096", "0x1000", "512K", "4M"
// or "1G". Suffixes are case-insensitive and may be followed by a "b" or "B".
// ParseSize does not allocate; it returns false if s is not a valid size.
func ParseSize(s string) (Size, bool) {
	var (
		value, base uint64 = 0, 10
		multiplier         = Byte
		end                = len(s)
	)

	// Strip the unit suffix
	if end > 1 && (s[end-1] == 'b' || s[end-1] == 'B') {
		switch s[end-2] {
		case 'k', 'K', 'm', 'M', 'g', 'G':
			end--
		}
	}
	if end > 0 {
		switch s[end-1] {
		case 'k', 'K':
			multiplier, end = Kb, end-1
		case 'm', 'M':
			multiplier, end = Mb, end-1
		case 'g', 'G':
			multiplier, end = Gb, end-1
		}
	}

	start := 0
	if end > 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		base, start = 16, 2
	}

	if start == end {
		return 0, false
	}

	for i := start; i < end; i++ {
		var digit uint64
		switch ch := s[i]; {
		case ch >= '0' && ch <= '9':
			digit = uint64(ch - '0')
		case base == 16 && ch >= 'a' && ch <= 'f':
			digit = uint64(ch-'a') + 10
		case base == 16 && ch >= 'A' && ch <= 'F':
			digit = uint64(ch-'A') + 10
		default:
			return 0, false
		}

		next := value*base + digit
		if next/base != value {
			return 0, false
		}
		value = next
	}

	if value > uint64(^Size(0)/multiplier) {
		return 0, false
	}

	return Size(value) * multiplier, true
}
