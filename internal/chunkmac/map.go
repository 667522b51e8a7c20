package chunkmac

import (
	"encoding/binary"
	"sort"

	"github.com/sheerbytes/cloudxfer/internal/symm"
)

// Entry is the MAC state of one chunk.
type Entry struct {
	MAC [symm.BlockSize]byte
	// Offset counts the chunk bytes already folded into MAC when the chunk
	// is only partially processed.
	Offset   uint32
	Finished bool
}

// Map is the chunk MAC table of a transfer, keyed by chunk start offset and
// iterated in offset order. It is not safe for concurrent use.
type Map struct {
	entries map[int64]Entry
	keys    []int64
	sorted  bool
}

// NewMap returns an empty table.
func NewMap() *Map {
	return &Map{entries: make(map[int64]Entry), sorted: true}
}

// FromEntries rebuilds a table from a persisted snapshot.
func FromEntries(entries map[int64]Entry) *Map {
	m := NewMap()
	for pos, e := range entries {
		m.Set(pos, e)
	}
	return m
}

// Len returns the number of entries.
func (m *Map) Len() int {
	return len(m.entries)
}

// Get returns the entry for the chunk starting at pos.
func (m *Map) Get(pos int64) (Entry, bool) {
	e, ok := m.entries[pos]
	return e, ok
}

// Set stores the entry for the chunk starting at pos.
func (m *Map) Set(pos int64, e Entry) {
	if _, ok := m.entries[pos]; !ok {
		m.keys = append(m.keys, pos)
		m.sorted = false
	}
	m.entries[pos] = e
}

// IsFinished reports whether the chunk starting at pos is complete.
func (m *Map) IsFinished(pos int64) bool {
	e, ok := m.entries[pos]
	return ok && e.Finished
}

// Clear drops every entry.
func (m *Map) Clear() {
	m.entries = make(map[int64]Entry)
	m.keys = nil
	m.sorted = true
}

// Keys returns the chunk offsets in ascending order.
func (m *Map) Keys() []int64 {
	m.sort()
	return append([]int64(nil), m.keys...)
}

func (m *Map) sort() {
	if m.sorted {
		return
	}
	sort.Slice(m.keys, func(i, j int) bool { return m.keys[i] < m.keys[j] })
	m.sorted = true
}

// Entries returns a copy of the table for persistence.
func (m *Map) Entries() map[int64]Entry {
	out := make(map[int64]Entry, len(m.entries))
	for k, v := range m.entries {
		out[k] = v
	}
	return out
}

// Clone returns an independent copy.
func (m *Map) Clone() *Map {
	return FromEntries(m.entries)
}

// Merge copies every entry of other into m.
func (m *Map) Merge(other *Map) {
	if other == nil {
		return
	}
	for _, pos := range other.Keys() {
		m.Set(pos, other.entries[pos])
	}
}

// FinishedUploadChunks records the MACs of chunks acknowledged by the server
// and marks them finished.
func (m *Map) FinishedUploadChunks(other *Map) {
	if other == nil {
		return
	}
	for _, pos := range other.Keys() {
		e := other.entries[pos]
		e.Finished = true
		m.Set(pos, e)
	}
}

// MACs returns the entry MACs in offset order.
func (m *Map) MACs() [][symm.BlockSize]byte {
	m.sort()
	out := make([][symm.BlockSize]byte, len(m.keys))
	for i, pos := range m.keys {
		out[i] = m.entries[pos].MAC
	}
	return out
}

// MacsMac computes the whole-file MAC over every chunk MAC.
func (m *Map) MacsMac(c *symm.Cipher) uint64 {
	return FoldMACs(c, m.MACs(), 0, 0, 0, 0)
}

// MacsMacGaps computes the whole-file MAC leaving out the entries with index
// in [g1,g2) and [g3,g4).
func (m *Map) MacsMacGaps(c *symm.Cipher, g1, g2, g3, g4 int) uint64 {
	return FoldMACs(c, m.MACs(), g1, g2, g3, g4)
}

// FoldMACs chains macs through the cipher in CBC fashion, skipping the index
// ranges [g1,g2) and [g3,g4), and condenses the final block to 64 bits.
func FoldMACs(c *symm.Cipher, macs [][symm.BlockSize]byte, g1, g2, g3, g4 int) uint64 {
	var mac [symm.BlockSize]byte
	for n := range macs {
		if (n >= g1 && n < g2) || (n >= g3 && n < g4) {
			continue
		}
		symm.XORBlock(&mac, macs[n][:])
		c.ECBEncrypt(&mac)
	}
	w0 := binary.BigEndian.Uint32(mac[0:4])
	w1 := binary.BigEndian.Uint32(mac[4:8])
	w2 := binary.BigEndian.Uint32(mac[8:12])
	w3 := binary.BigEndian.Uint32(mac[12:16])
	return uint64(w0^w1)<<32 | uint64(w2^w3)
}

// NextUnprocessedPosFrom skips chunks that are already finished starting at
// pos and returns the first offset that still needs data. A partially
// processed chunk resumes after its MAC'd prefix.
func (m *Map) NextUnprocessedPosFrom(pos int64) int64 {
	for {
		floor := Floor(pos)
		e, ok := m.entries[floor]
		if !ok {
			return pos
		}
		if e.Finished {
			pos = Ceil(floor, -1)
			continue
		}
		if resume := floor + int64(e.Offset); resume > pos {
			return resume
		}
		return pos
	}
}

// ExpandUnprocessedPiece grows the range [pos,npos) chunk by chunk while the
// following chunk is untouched and the range stays within maxReqSize.
func (m *Map) ExpandUnprocessedPiece(pos, npos, size, maxReqSize int64) int64 {
	for npos < size {
		e, ok := m.entries[npos]
		if ok && (e.Finished || e.Offset != 0) {
			break
		}
		next := Ceil(npos, size)
		if next-pos > maxReqSize {
			break
		}
		npos = next
	}
	return npos
}

// ContiguousFrom advances pos over consecutive finished chunks.
func (m *Map) ContiguousFrom(pos, size int64) int64 {
	for pos < size && m.IsFinished(pos) {
		pos = Ceil(pos, size)
	}
	return pos
}

// HasUnfinishedGap reports whether some chunk below limit has no finished
// entry.
func (m *Map) HasUnfinishedGap(limit int64) bool {
	for pos := int64(0); pos < limit; pos = Ceil(pos, limit) {
		if !m.IsFinished(pos) {
			return true
		}
	}
	return false
}
