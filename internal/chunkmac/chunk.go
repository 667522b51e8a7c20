// Package chunkmac implements chunk geometry and the per-chunk MAC table of a
// transfer, including the whole-file MAC-of-MACs.
package chunkmac

// SegmentSize is the unit of the growing chunk sizes at the start of a file.
const SegmentSize = 131072

// MaxChunkSize is the size of every chunk after the first eight.
const MaxChunkSize = 8 * SegmentSize

// Floor returns the start offset of the chunk containing p.
func Floor(p int64) int64 {
	var cp int64
	for i := int64(1); i <= 8; i++ {
		np := cp + i*SegmentSize
		if p >= cp && p < np {
			return cp
		}
		cp = np
	}
	return ((p - cp) &^ (MaxChunkSize - 1)) + cp
}

// Ceil returns the end offset of the chunk containing p, clamped to limit.
// A negative limit disables clamping.
func Ceil(p, limit int64) int64 {
	var cp int64
	for i := int64(1); i <= 8; i++ {
		np := cp + i*SegmentSize
		if p >= cp && p < np {
			return clamp(np, limit)
		}
		cp = np
	}
	np := ((p - cp) &^ (MaxChunkSize - 1)) + cp + MaxChunkSize
	return clamp(np, limit)
}

func clamp(np, limit int64) int64 {
	if limit < 0 || np < limit {
		return np
	}
	return limit
}

// Count returns the number of chunks in a file of the given size.
func Count(size int64) int {
	if size <= 0 {
		return 0
	}
	n := 0
	for p := int64(0); p < size; p = Ceil(p, size) {
		n++
	}
	return n
}
