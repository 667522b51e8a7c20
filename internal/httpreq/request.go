// Package httpreq implements the per-connection HTTP request of a transfer:
// one ranged GET or one chunk POST at a time, run on its own goroutine and
// observed by polling its status.
package httpreq

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sheerbytes/cloudxfer/internal/bufpool"
	"github.com/sheerbytes/cloudxfer/internal/chunkmac"
	"github.com/sheerbytes/cloudxfer/internal/symm"
)

// maxResponseBody bounds the body read from an upload response.
const maxResponseBody = 4096

// Request is one transfer connection. Fields documented as observable are
// written by the round-trip goroutine and may be read once Status reports
// Success or Failure.
type Request struct {
	Logname string
	Upload  bool

	// URL is the full URL of the prepared request.
	URL  string
	Pos  int64
	Size int

	// Out holds the upload payload: plaintext until PrepareUpload encrypts
	// it in place.
	Out []byte
	// ChunkMacs collects the MACs of the chunks in Out.
	ChunkMacs *chunkmac.Map

	// BufferReleased marks a download whose buffer was handed to the
	// coordinator; the connection then only waits on the output piece.
	BufferReleased bool

	// Observable after completion.
	HTTPStatus    int
	ContentType   string
	ContentLength int64
	// TimeLeft is the X-MEGA-Time-Left header in seconds, or -1.
	TimeLeft int
	// In is the upload response body.
	In []byte

	doer Doer
	pool *bufpool.Pool
	now  func() time.Time

	status      atomic.Int32
	gen         atomic.Uint64
	transferred atomic.Int64
	bufPos      atomic.Int64
	lastData    atomic.Int64
	rangeOK     atomic.Bool

	mu     sync.Mutex
	buf    []byte
	pooled bool
	err    error
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a ready request. pool may be nil.
func New(doer Doer, pool *bufpool.Pool, upload bool, now func() time.Time) *Request {
	if now == nil {
		now = time.Now
	}
	r := &Request{
		doer:          doer,
		pool:          pool,
		Upload:        upload,
		now:           now,
		TimeLeft:      -1,
		ContentLength: -1,
	}
	if upload {
		r.ChunkMacs = chunkmac.NewMap()
	}
	return r
}

// Status returns the current state.
func (r *Request) Status() Status {
	return Status(r.status.Load())
}

// SetStatus moves the request to s.
func (r *Request) SetStatus(s Status) {
	r.status.Store(int32(s))
}

// Transferred returns the bytes moved by the current round trip.
func (r *Request) Transferred() int64 {
	return r.transferred.Load()
}

// BufPos returns the number of body bytes received into the buffer.
func (r *Request) BufPos() int {
	return int(r.bufPos.Load())
}

// LastData returns the time the last byte moved.
func (r *Request) LastData() time.Time {
	return time.Unix(0, r.lastData.Load())
}

// RangeAccepted reports whether the server answered a download with the
// full requested length, so a partially received body is still aligned with
// the range.
func (r *Request) RangeAccepted() bool {
	return r.rangeOK.Load()
}

// Err returns the transport error of a failed round trip.
func (r *Request) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// PrepareDownload sets up a GET of [pos,npos) from url.
func (r *Request) PrepareDownload(url string, pos, npos int64) {
	r.URL = fmt.Sprintf("%s/%d-%d", url, pos, npos-1)
	r.Pos = pos
	r.Size = int(npos - pos)
	r.BufferReleased = false
	r.bufPos.Store(0)
	r.allocBuf(r.Size)
}

func (r *Request) allocBuf(n int) {
	if r.buf != nil && cap(r.buf) >= n {
		r.buf = r.buf[:n]
		return
	}
	r.recycle()
	if r.pool != nil {
		if buf := r.pool.Get(n); buf != nil {
			r.buf = buf
			r.pooled = true
			return
		}
	}
	r.buf = make([]byte, n)
	r.pooled = false
}

func (r *Request) recycle() {
	if r.buf != nil && r.pooled && r.pool != nil {
		r.pool.Put(r.buf)
	}
	r.buf = nil
	r.pooled = false
}

// PrepareUpload encrypts the first npos-pos bytes of Out, records their
// chunk MACs and targets url/pos. It runs on a crypto worker, so c must not
// be shared with the tick.
func (r *Request) PrepareUpload(url string, c *symm.Cipher, ctriv uint64, pos, npos, size int64) {
	n := int(npos - pos)
	r.ChunkMacs = chunkmac.NewMap()
	chunkmac.Compute(c, r.Out[:n], pos, size, ctriv, nil, r.ChunkMacs)
	c.CTRCrypt(r.Out[:n], ctriv, pos)
	r.URL = fmt.Sprintf("%s/%d", url, pos)
	r.Pos = pos
	r.Size = n
}

// ReleaseBuf hands the received bytes to the caller, who must call recycle
// once the bytes are no longer needed. The request forgets the buffer.
func (r *Request) ReleaseBuf() (buf []byte, recycle func()) {
	buf = r.buf[:r.BufPos()]
	pooled, pool := r.pooled, r.pool
	r.buf, r.pooled = nil, false
	r.Size = 0
	r.bufPos.Store(0)
	r.BufferReleased = true
	return buf, func() {
		if pooled && pool != nil {
			pool.Put(buf)
		}
	}
}

// TruncateToSector drops a trailing partial sector from the received bytes
// and shrinks the request to what was kept.
func (r *Request) TruncateToSector(sector int) int {
	n := r.BufPos()
	n -= n % sector
	r.bufPos.Store(int64(n))
	r.Size = n
	return n
}

// Post starts the prepared round trip on a new goroutine.
func (r *Request) Post(ctx context.Context) {
	r.wait()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	r.mu.Lock()
	gen := r.gen.Add(1)
	r.cancel = cancel
	r.done = done
	r.err = nil
	r.mu.Unlock()

	r.HTTPStatus = 0
	r.ContentType = ""
	r.ContentLength = -1
	r.TimeLeft = -1
	r.In = nil
	r.transferred.Store(0)
	r.bufPos.Store(0)
	r.rangeOK.Store(false)
	r.lastData.Store(r.now().UnixNano())
	r.SetStatus(StatusInFlight)

	go func() {
		defer close(done)
		defer cancel()
		if r.Upload {
			r.doUpload(ctx, gen)
		} else {
			r.doDownload(ctx, gen)
		}
	}()
}

// Disconnect aborts the round trip and waits for its goroutine. A round
// trip that completes concurrently does not change the status.
func (r *Request) Disconnect() {
	r.mu.Lock()
	r.gen.Add(1)
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wait()
}

func (r *Request) wait() {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Close disconnects and returns the buffer to its pool.
func (r *Request) Close() {
	r.Disconnect()
	r.recycle()
}

type result struct {
	status        Status
	httpStatus    int
	contentType   string
	contentLength int64
	timeLeft      int
	in            []byte
	err           error
}

func (r *Request) finish(gen uint64, res result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen.Load() != gen {
		return
	}
	r.HTTPStatus = res.httpStatus
	r.ContentType = res.contentType
	r.ContentLength = res.contentLength
	r.TimeLeft = res.timeLeft
	r.In = res.in
	r.err = res.err
	r.SetStatus(res.status)
}

func headerResult(resp *http.Response) result {
	res := result{
		httpStatus:    resp.StatusCode,
		contentType:   resp.Header.Get("Content-Type"),
		contentLength: resp.ContentLength,
		timeLeft:      -1,
	}
	if v := resp.Header.Get("X-MEGA-Time-Left"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			res.timeLeft = secs
		}
	}
	return res
}

func (r *Request) doDownload(ctx context.Context, gen uint64) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		r.finish(gen, result{status: StatusFailure, timeLeft: -1, contentLength: -1, err: err})
		return
	}
	resp, err := r.doer.Do(req)
	if err != nil {
		r.finish(gen, result{status: StatusFailure, timeLeft: -1, contentLength: -1, err: err})
		return
	}
	defer resp.Body.Close()

	res := headerResult(resp)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		res.status = StatusFailure
		res.err = fmt.Errorf("http status %d", resp.StatusCode)
		r.finish(gen, res)
		return
	}
	r.rangeOK.Store(resp.ContentLength == int64(len(r.buf)))

	buf := r.buf
	pos := 0
	for pos < len(buf) {
		n, err := resp.Body.Read(buf[pos:])
		if n > 0 {
			pos += n
			r.bufPos.Store(int64(pos))
			r.transferred.Add(int64(n))
			r.lastData.Store(r.now().UnixNano())
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			res.status = StatusFailure
			res.err = err
			r.finish(gen, res)
			return
		}
	}
	if pos == len(buf) {
		var extra [1]byte
		if n, _ := resp.Body.Read(extra[:]); n > 0 {
			res.status = StatusFailure
			res.err = ErrBodyTooLarge
			r.finish(gen, res)
			return
		}
	}
	res.status = StatusSuccess
	r.finish(gen, res)
}

type countingReader struct {
	r   io.Reader
	req *Request
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.req.transferred.Add(int64(n))
		c.req.lastData.Store(c.req.now().UnixNano())
	}
	return n, err
}

func (r *Request) doUpload(ctx context.Context, gen uint64) {
	body := &countingReader{r: bytes.NewReader(r.Out[:r.Size]), req: r}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, body)
	if err != nil {
		r.finish(gen, result{status: StatusFailure, timeLeft: -1, contentLength: -1, err: err})
		return
	}
	req.ContentLength = int64(r.Size)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := r.doer.Do(req)
	if err != nil {
		r.finish(gen, result{status: StatusFailure, timeLeft: -1, contentLength: -1, err: err})
		return
	}
	defer resp.Body.Close()

	res := headerResult(resp)
	in, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		res.status = StatusFailure
		res.err = err
		r.finish(gen, res)
		return
	}
	res.in = in
	if resp.StatusCode != http.StatusOK {
		res.status = StatusFailure
		res.err = fmt.Errorf("http status %d", resp.StatusCode)
		r.finish(gen, res)
		return
	}
	res.status = StatusSuccess
	r.finish(gen, res)
}
