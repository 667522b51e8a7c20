package bufpool

import (
	"sync"
	"sync/atomic"
)

// MinClassSize is the smallest buffer class. Requests smaller than this share
// the first class.
const MinClassSize = 64 << 10

// Pool keeps receive buffers in power-of-two size classes from MinClassSize
// up to the largest class covering maxSize. Buffers are reused across chunk
// requests to reduce allocations and GC pressure.
type Pool struct {
	classes []class
	maxSize int
	allocs  atomic.Int64
}

type class struct {
	size int
	pool *sync.Pool
}

// New creates a pool serving buffers of up to maxSize bytes.
func New(maxSize int) *Pool {
	if maxSize <= 0 {
		panic("maxSize must be positive")
	}
	p := &Pool{maxSize: maxSize}
	for size := MinClassSize; ; size <<= 1 {
		size := size
		p.classes = append(p.classes, class{
			size: size,
			pool: &sync.Pool{
				New: func() interface{} {
					p.allocs.Add(1)
					return make([]byte, size)
				},
			},
		})
		if size >= maxSize {
			break
		}
	}
	return p
}

// Get returns a buffer of length n backed by the smallest class that fits.
// It returns nil when n exceeds MaxSize; the caller allocates those itself.
func (p *Pool) Get(n int) []byte {
	c := p.classFor(n)
	if c == nil {
		return nil
	}
	buf := c.pool.Get().([]byte)
	return buf[:n]
}

// Put returns a buffer obtained from Get. Buffers whose capacity does not
// match a class exactly are dropped.
func (p *Pool) Put(buf []byte) {
	n := cap(buf)
	for i := range p.classes {
		if p.classes[i].size == n {
			p.classes[i].pool.Put(buf[:n])
			return
		}
	}
}

// MaxSize returns the largest request length the pool serves.
func (p *Pool) MaxSize() int {
	return p.maxSize
}

// Allocs returns how many buffers the pool has allocated so far.
func (p *Pool) Allocs() int64 {
	return p.allocs.Load()
}

func (p *Pool) classFor(n int) *class {
	if n < 0 || n > p.maxSize {
		return nil
	}
	for i := range p.classes {
		if n <= p.classes[i].size {
			return &p.classes[i]
		}
	}
	return nil
}
