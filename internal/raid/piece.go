package raid

import (
	"sync"
	"sync/atomic"

	"github.com/sheerbytes/cloudxfer/internal/chunkmac"
	"github.com/sheerbytes/cloudxfer/internal/symm"
)

// FilePiece is a block of downloaded file data at file offset Pos. It holds
// ciphertext until finalized, then plaintext and the MACs of the chunks it
// covers.
type FilePiece struct {
	Pos       int64
	Buf       []byte
	ChunkMacs *chunkmac.Map

	prior     *chunkmac.Map
	recycle   func()
	finalized atomic.Bool
	once      sync.Once
	done      chan struct{}
}

// NewFilePiece wraps buf. recycle, if not nil, is called when the piece's
// data is no longer needed.
func NewFilePiece(pos int64, buf []byte, recycle func()) *FilePiece {
	return &FilePiece{
		Pos:       pos,
		Buf:       buf,
		ChunkMacs: chunkmac.NewMap(),
		recycle:   recycle,
		done:      make(chan struct{}),
	}
}

// Finalized reports whether the piece has been decrypted.
func (p *FilePiece) Finalized() bool {
	return p.finalized.Load()
}

// WaitFinalized blocks until a worker has finalized the piece.
func (p *FilePiece) WaitFinalized() {
	<-p.done
}

// Finalize decrypts the piece and computes its chunk MACs. table, when not
// nil, is the transfer's MAC table; the entry of a chunk the piece continues
// is copied from it so the computation never touches the table again.
//
// With parallel false, a piece covering at least one complete chunk is left
// untouched and Finalize returns true: the caller should run it again with
// parallel true on a worker. Smaller pieces are processed inline.
func (p *FilePiece) Finalize(parallel bool, size int64, ctriv uint64, c *symm.Cipher, table *chunkmac.Map) bool {
	if p.Finalized() {
		return false
	}
	end := p.Pos + int64(len(p.Buf))
	if end != size {
		end &^= symm.BlockSize - 1
		p.Buf = p.Buf[:end-p.Pos]
	}

	if table != nil {
		p.prior = chunkmac.NewMap()
		floor := chunkmac.Floor(p.Pos)
		if e, ok := table.Get(floor); ok && floor != p.Pos {
			p.prior.Set(floor, e)
		}
	}

	if !parallel && p.coversWholeChunk(size) {
		return true
	}

	c.CTRCrypt(p.Buf, ctriv, p.Pos)
	chunkmac.Compute(c, p.Buf, p.Pos, size, ctriv, p.prior, p.ChunkMacs)
	p.markFinalized()
	return false
}

func (p *FilePiece) coversWholeChunk(size int64) bool {
	end := p.Pos + int64(len(p.Buf))
	for pos := p.Pos; pos < end; {
		floor := chunkmac.Floor(pos)
		ceil := chunkmac.Ceil(pos, size)
		if floor >= p.Pos && ceil <= end {
			return true
		}
		pos = ceil
	}
	return false
}

func (p *FilePiece) markFinalized() {
	p.once.Do(func() {
		p.finalized.Store(true)
		close(p.done)
	})
}

// Release returns the piece's buffer to its pool.
func (p *FilePiece) Release() {
	if p.recycle != nil {
		p.recycle()
		p.recycle = nil
	}
}
