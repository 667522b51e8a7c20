package raid

import (
	"github.com/sheerbytes/cloudxfer/internal/chunkmac"
)

// PartSize returns the size of stripe part of a file of the given size.
// Parity part 0 is as long as the longest data part, part 1.
func PartSize(part int, size int64) int64 {
	r := size % Line
	idx := int64(part)
	if part > 0 {
		idx--
	}
	t := r - idx*Sector
	if t < 0 {
		t = 0
	} else if t > Sector {
		t = Sector
	}
	return (size-r)/(Parts-1) + t
}

// stripes is the striped-mode state. Part offsets are relative to the
// part's own byte stream; line n of the file occupies part bytes
// [n*Sector, (n+1)*Sector) of every part.
type stripes struct {
	size     int64
	table    *chunkmac.Map
	partSize [Parts]int64
	partReq  int64
	ahead    int64

	// outPartPos is the part offset up to which lines have been assembled.
	outPartPos int64
	// pending holds assembled file bytes starting at pendingPos that have
	// not reached a chunk boundary yet.
	pending    []byte
	pendingPos int64
	maxPiece   int64

	partPos [Parts]int64
	data    [Parts][]byte
	paused  [Parts]bool
	started [Parts]bool
	errors  [Parts]int
	unused  int

	outputs []*FilePiece
}

func newStripes(size int64, table *chunkmac.Map, maxRequestSize int64) *stripes {
	s := &stripes{
		size:     size,
		table:    table,
		unused:   noPart,
		maxPiece: maxRequestSize,
	}
	for p := 0; p < Parts; p++ {
		s.partSize[p] = PartSize(p, size)
	}
	s.partReq = (maxRequestSize / (Parts - 1)) &^ (Sector - 1)
	if s.partReq < Sector {
		s.partReq = Sector
	}
	s.ahead = 2 * s.partReq
	if least := int64(2 * chunkmac.MaxChunkSize / (Parts - 1)); s.ahead < least {
		s.ahead = least
	}
	if s.maxPiece < chunkmac.MaxChunkSize {
		s.maxPiece = chunkmac.MaxChunkSize
	}

	// resume at the line holding the first unfinished chunk
	resume := table.ContiguousFrom(0, size)
	line := resume / Line
	s.outPartPos = line * Sector
	s.pendingPos = line * Line
	for p := 0; p < Parts; p++ {
		s.partPos[p] = s.outPartPos
	}
	return s
}

// needed reports whether part p takes part in reconstruction.
func (s *stripes) needed(p int) bool {
	if s.unused == noPart {
		return p != 0
	}
	return p != s.unused
}

func (s *stripes) nextRange(i int) (pos, npos int64, pause bool) {
	s.paused[i] = false
	if i == s.unused || s.partPos[i] >= s.partSize[i] {
		return s.partPos[i], s.partPos[i], false
	}
	if s.partPos[i]-s.outPartPos >= s.ahead {
		s.paused[i] = true
		return s.partPos[i], s.partPos[i], true
	}
	pos = s.partPos[i]
	npos = pos + s.partReq
	if npos > s.partSize[i] {
		npos = s.partSize[i]
	}
	return pos, npos, false
}

func (s *stripes) submit(i int, p *FilePiece) {
	have := s.outPartPos + int64(len(s.data[i]))
	if p.Pos > have || i == s.unused {
		return
	}
	buf := p.Buf
	if skip := have - p.Pos; skip > 0 {
		if skip >= int64(len(buf)) {
			return
		}
		buf = buf[skip:]
	}
	s.data[i] = append(s.data[i], buf...)
	s.combine()
}

// available returns how many part bytes past outPartPos part p can
// contribute, treating a completely received part as unbounded.
func (s *stripes) available(p int) (int64, bool) {
	n := int64(len(s.data[p]))
	return n, s.outPartPos+n >= s.partSize[p]
}

func (s *stripes) combine() {
	var n int64 = -1
	allDone := true
	for p := 0; p < Parts; p++ {
		if !s.needed(p) {
			continue
		}
		a, done := s.available(p)
		if !done {
			allDone = false
			if n < 0 || a < n {
				n = a
			}
		}
	}
	if allDone {
		n = s.partSize[1] - s.outPartPos
	} else {
		n &^= Sector - 1
	}
	if n <= 0 {
		s.emit()
		return
	}

	out := make([]byte, 0, n*(Parts-1))
	var sector [Sector]byte
	for off := int64(0); off < n; off += Sector {
		for d := 1; d < Parts; d++ {
			partOff := s.outPartPos + off
			if partOff >= s.partSize[d] {
				break
			}
			want := s.partSize[d] - partOff
			if want > Sector {
				want = Sector
			}
			if d == s.unused {
				s.reconstruct(d, off, &sector)
			} else {
				copy(sector[:], s.data[d][off:off+want])
			}
			out = append(out, sector[:want]...)
		}
	}

	for p := 0; p < Parts; p++ {
		if int64(len(s.data[p])) > n {
			s.data[p] = append(s.data[p][:0], s.data[p][n:]...)
		} else {
			s.data[p] = s.data[p][:0]
		}
	}
	s.outPartPos += n
	for p := 0; p < Parts; p++ {
		if s.partPos[p] < s.outPartPos {
			s.partPos[p] = s.outPartPos
		}
	}
	s.pending = append(s.pending, out...)
	s.emit()
}

// reconstruct rebuilds the sector of data part d at offset off from the
// parity part and the other data parts. Sectors past the end of a part
// count as zeros.
func (s *stripes) reconstruct(d int, off int64, dst *[Sector]byte) {
	*dst = [Sector]byte{}
	for p := 0; p < Parts; p++ {
		if p == d {
			continue
		}
		src := s.data[p]
		for k := int64(0); k < Sector && off+k < int64(len(src)); k++ {
			dst[k] ^= src[off+k]
		}
	}
}

// emit moves assembled bytes into output pieces that end on chunk
// boundaries, leaving out chunks already finished in the transfer table.
func (s *stripes) emit() {
	end := s.pendingPos + int64(len(s.pending))
	for s.pendingPos < end {
		ceil := chunkmac.Ceil(s.pendingPos, s.size)
		if ceil > end {
			return
		}
		floor := chunkmac.Floor(s.pendingPos)
		start := s.pendingPos
		if e, ok := s.table.Get(floor); ok {
			switch {
			case e.Finished:
				start = ceil
			case floor+int64(e.Offset) > start:
				start = floor + int64(e.Offset)
			}
		}
		if start < ceil {
			s.appendOutput(start, s.pending[start-s.pendingPos:ceil-s.pendingPos])
		}
		s.pending = s.pending[ceil-s.pendingPos:]
		s.pendingPos = ceil
	}
	s.pending = nil
}

// appendOutput queues data at pos, extending the last queued piece when it
// is adjacent and not yet too large.
func (s *stripes) appendOutput(pos int64, data []byte) {
	if n := len(s.outputs); n > 0 {
		last := s.outputs[n-1]
		if last.Pos+int64(len(last.Buf)) == pos && int64(len(last.Buf)+len(data)) <= s.maxPiece {
			last.Buf = append(last.Buf, data...)
			return
		}
	}
	s.outputs = append(s.outputs, NewFilePiece(pos, append([]byte(nil), data...), nil))
}

func (s *stripes) popOutput() *FilePiece {
	if len(s.outputs) == 0 {
		return nil
	}
	p := s.outputs[0]
	s.outputs[0] = nil
	s.outputs = s.outputs[1:]
	return p
}

func (s *stripes) buffered() int64 {
	var n int64
	for p := 0; p < Parts; p++ {
		if s.needed(p) {
			n += int64(len(s.data[p]))
		}
	}
	return n + int64(len(s.pending))
}

func (s *stripes) detectSlowest(i int) (int, bool) {
	if s.unused != noPart {
		return 0, false
	}
	s.started[i] = true
	count := 0
	for p := 0; p < Parts; p++ {
		if s.started[p] {
			count++
		}
	}
	if count != Parts-1 {
		return 0, false
	}
	for p := 0; p < Parts; p++ {
		if !s.started[p] {
			s.unused = p
			s.resetPart(p)
			s.combine()
			return p, true
		}
	}
	return 0, false
}

func (s *stripes) peersPaused(i int) bool {
	for p := 0; p < Parts; p++ {
		if p == i || !s.needed(p) {
			continue
		}
		if !s.paused[p] && s.partPos[p] < s.partSize[p] {
			return false
		}
	}
	return true
}

func (s *stripes) recover(i int) bool {
	s.errors[i]++
	if s.errors[i] > maxPartErrors {
		return false
	}
	old := s.unused
	s.unused = i
	s.resetPart(i)
	if old != noPart {
		s.resetPart(old)
	}
	s.combine()
	return true
}

func (s *stripes) resetPart(p int) {
	s.data[p] = nil
	s.partPos[p] = s.outPartPos
	s.paused[p] = false
}
