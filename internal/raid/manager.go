// Package raid coordinates the byte ranges of a transfer's connections and
// turns received data into file pieces ready to be written. A transfer with
// one source URL is handled as a single stream; six URLs select striped
// mode, where the file is spread over five data parts and one XOR parity
// part, any five of which reconstruct the file.
package raid

import (
	"io"
	"log/slog"

	"github.com/sheerbytes/cloudxfer/internal/chunkmac"
	"github.com/sheerbytes/cloudxfer/internal/xfer"
)

const (
	// Parts is the number of stripes of a striped transfer.
	Parts = 6
	// Sector is the unit each data part contributes to a line.
	Sector = 16
	// Line is one sector from each of the five data parts.
	Line = Sector * (Parts - 1)

	// maxPartErrors bounds source recoveries charged to one part.
	maxPartErrors = 3

	noPart = -1
)

// Manager is the buffer coordinator of one transfer. It is driven from the
// slot engine's tick and is not safe for concurrent use.
type Manager struct {
	t              *xfer.Transfer
	maxRequestSize int64
	logger         *slog.Logger

	// output holds the piece being processed by each connection.
	output []*FilePiece

	striped *stripes
}

// NewManager sets up coordination for t. The transfer's temp URLs decide
// between single-stream and striped mode.
func NewManager(t *xfer.Transfer, maxRequestSize int64, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	m := &Manager{
		t:              t,
		maxRequestSize: maxRequestSize,
		logger:         logger,
	}
	if len(t.TempURLs) == Parts && t.Direction == xfer.Get {
		m.striped = newStripes(t.Size, t.ChunkMacs, maxRequestSize)
		m.output = make([]*FilePiece, Parts)
	} else {
		m.output = make([]*FilePiece, 1)
	}
	return m
}

// IsRaid reports whether the transfer is striped.
func (m *Manager) IsRaid() bool {
	return m.striped != nil
}

// TempURL returns the URL connection i talks to.
func (m *Manager) TempURL(i int) string {
	if m.IsRaid() {
		return m.t.TempURLs[i]
	}
	return m.t.TempURLs[0]
}

func (m *Manager) ensure(i int) {
	for len(m.output) <= i {
		m.output = append(m.output, nil)
	}
}

// TransferPos returns how far connection i has been assigned: a part
// offset in striped mode, the shared file cursor otherwise.
func (m *Manager) TransferPos(i int) int64 {
	if m.IsRaid() {
		return m.striped.partPos[i]
	}
	return m.t.Pos
}

// SetTransferPos advances connection i's assignment cursor to pos.
func (m *Manager) SetTransferPos(i int, pos int64) {
	if m.IsRaid() {
		if pos > m.striped.partPos[i] {
			m.striped.partPos[i] = pos
		}
		return
	}
	if pos > m.t.Pos {
		m.t.Pos = pos
	}
}

// RewindTransferPos moves striped connection i's cursor back to pos after a
// request delivered only part of its range. The cursor never moves below the
// assembled output.
func (m *Manager) RewindTransferPos(i int, pos int64) {
	if !m.IsRaid() {
		return
	}
	if pos < m.striped.outPartPos {
		pos = m.striped.outPartPos
	}
	m.striped.partPos[i] = pos
}

// RaidPartSize returns the size of part i of a file of the given size.
func (m *Manager) RaidPartSize(i int, size int64) int64 {
	return PartSize(i, size)
}

// NextNPosForConnection returns the next range for connection i. pause is
// set when a striped part is too far ahead of the assembled output and
// should wait. An empty range means the connection has nothing left.
func (m *Manager) NextNPosForConnection(i int, connections int, uploadSpeed int64) (pos, npos int64, pause bool) {
	if m.IsRaid() {
		return m.striped.nextRange(i)
	}

	t := m.t
	t.Pos = t.ChunkMacs.NextUnprocessedPosFrom(t.Pos)
	if t.Size == 0 {
		t.Pos = 0
		return 0, 0, false
	}
	if t.Pos >= t.Size {
		t.Pos = t.Size
		return t.Size, t.Size, false
	}
	pos = t.Pos
	npos = chunkmac.Ceil(pos, t.Size)

	if t.Direction == xfer.Put {
		// the leading chunks are small; send two at a time
		if pos < chunkmac.MaxChunkSize && npos < t.Size && !t.ChunkMacs.IsFinished(npos) {
			npos = chunkmac.Ceil(npos, t.Size)
		}
		limit := m.maxRequestSize
		if uploadSpeed > 0 && 2*uploadSpeed < limit {
			limit = 2 * uploadSpeed
		}
		return pos, t.ChunkMacs.ExpandUnprocessedPiece(pos, npos, t.Size, limit), false
	}

	if connections < 1 {
		connections = 1
	}
	maxReq := (t.Size - t.ProgressCompleted) / int64(connections) / 2
	if maxReq > m.maxRequestSize {
		maxReq = m.maxRequestSize
	}
	if maxReq > chunkmac.MaxChunkSize {
		val := int64(chunkmac.MaxChunkSize)
		for val <= maxReq {
			val <<= 1
		}
		maxReq = val>>1 - chunkmac.MaxChunkSize/2
	} else {
		maxReq = chunkmac.MaxChunkSize
	}
	return pos, t.ChunkMacs.ExpandUnprocessedPiece(pos, npos, t.Size, maxReq), false
}

// SubmitBuffer hands received bytes from connection i to the coordinator.
// In single-stream mode the piece becomes the connection's output; in
// striped mode Pos is a part offset and the data joins that part's stream.
func (m *Manager) SubmitBuffer(i int, p *FilePiece) {
	m.ensure(i)
	if !m.IsRaid() {
		m.output[i] = p
		return
	}
	m.striped.submit(i, p)
	p.Release()
}

// AsyncOutputBuffer returns the piece connection i should process next, or
// nil.
func (m *Manager) AsyncOutputBuffer(i int) *FilePiece {
	m.ensure(i)
	if m.output[i] == nil && m.IsRaid() {
		m.output[i] = m.striped.popOutput()
	}
	return m.output[i]
}

// BufferWriteCompleted finishes connection i's piece. On success its chunk
// MACs join the transfer and its bytes count as completed; a failed piece
// is dropped.
func (m *Manager) BufferWriteCompleted(i int, ok bool) {
	m.ensure(i)
	p := m.output[i]
	if p == nil {
		return
	}
	if ok {
		m.t.AddProgress(int64(len(p.Buf)))
		m.t.ChunkMacs.Merge(p.ChunkMacs)
	}
	p.Release()
	m.output[i] = nil
}

// Progress returns striped data received but not yet assembled.
func (m *Manager) Progress() int64 {
	if !m.IsRaid() {
		return 0
	}
	return m.striped.buffered()
}

// DetectSlowestRaidConnection records that connection i has started
// receiving. Once five of the six parts have started, the sixth is
// reported as the straggler and dropped.
func (m *Manager) DetectSlowestRaidConnection(i int) (int, bool) {
	if !m.IsRaid() {
		return 0, false
	}
	return m.striped.detectSlowest(i)
}

// ConnectionRaidPeersAreAllPaused reports whether every other active part
// is waiting for part i.
func (m *Manager) ConnectionRaidPeersAreAllPaused(i int) bool {
	if !m.IsRaid() {
		return false
	}
	return m.striped.peersPaused(i)
}

// TryRaidHTTPGetErrorRecovery drops part i in favour of the part not in
// use, as long as part i has failed fewer than three times.
func (m *Manager) TryRaidHTTPGetErrorRecovery(i int) bool {
	if !m.IsRaid() {
		return false
	}
	ok := m.striped.recover(i)
	if ok {
		m.logger.Debug("raid source recovery", "failed_part", i, "errors", m.striped.errors[i])
	}
	return ok
}

// ResetPart restarts part i from the assembled output position.
func (m *Manager) ResetPart(i int) {
	if m.IsRaid() {
		m.striped.resetPart(i)
	}
}

// UnusedPart returns the part left out of reconstruction, or -1.
func (m *Manager) UnusedPart() int {
	if !m.IsRaid() {
		return noPart
	}
	return m.striped.unused
}
