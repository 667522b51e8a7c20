package slot

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/cloudxfer/internal/chunkmac"
	"github.com/sheerbytes/cloudxfer/internal/fileio"
	"github.com/sheerbytes/cloudxfer/internal/httpreq"
	"github.com/sheerbytes/cloudxfer/internal/raid"
	"github.com/sheerbytes/cloudxfer/internal/symm"
	"github.com/sheerbytes/cloudxfer/internal/xfer"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) AdvanceTo(t time.Time) {
	c.mu.Lock()
	if t.After(c.now) {
		c.now = t
	}
	c.mu.Unlock()
}

type recorder struct {
	progress  []int64
	temp      []error
	completed int
	failed    []error
	backoffs  []time.Duration
}

func (r *recorder) Updated(t *xfer.Transfer) {
	r.progress = append(r.progress, t.ProgressCompleted)
}

func (r *recorder) TemporaryError(_ *xfer.Transfer, err error) {
	r.temp = append(r.temp, err)
}

func (r *recorder) Completed(*xfer.Transfer) {
	r.completed++
}

func (r *recorder) Failed(_ *xfer.Transfer, err error, backoff time.Duration) {
	r.failed = append(r.failed, err)
	r.backoffs = append(r.backoffs, backoff)
}

// storage is an in-process storage server. Downloads are served from
// objects by "base/first-last"; uploads are recorded by "base/pos".
type storage struct {
	mu       sync.Mutex
	objects  map[string][]byte
	hang     map[string]bool
	statuses map[string][]int
	replies  map[string][]string
	html     map[string]bool
	timeLeft map[string]string
	held     map[string]bool
	parked   map[string]bool
	gates    map[string]chan struct{}
	uploads  map[int64][]byte
	requests []string

	// the upload at tokenPos answers with a token once uploadSize bytes
	// have arrived
	uploadSize int64
	tokenPos   int64
	received   int64
	allIn      chan struct{}
	allInOnce  sync.Once
}

func newStorage() *storage {
	return &storage{
		objects:  make(map[string][]byte),
		hang:     make(map[string]bool),
		statuses: make(map[string][]int),
		replies:  make(map[string][]string),
		html:     make(map[string]bool),
		timeLeft: make(map[string]string),
		held:     make(map[string]bool),
		parked:   make(map[string]bool),
		gates:    make(map[string]chan struct{}),
		uploads:  make(map[int64][]byte),
		tokenPos: -1,
		allIn:    make(chan struct{}),
	}
}

func (s *storage) setHang(u string, hang bool) {
	s.mu.Lock()
	s.hang[u] = hang
	s.mu.Unlock()
}

// gate holds requests for u until the returned function is called.
func (s *storage) gate(u string) (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.gates[u] = ch
	s.mu.Unlock()
	return func() { close(ch) }
}

// waitGate parks a gated request until its gate opens.
func (s *storage) waitGate(ctx context.Context, u string) error {
	s.mu.Lock()
	ch, ok := s.gates[u]
	if ok {
		s.parked[u] = true
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	defer func() {
		s.mu.Lock()
		delete(s.parked, u)
		s.mu.Unlock()
	}()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *storage) failWith(base string, codes ...int) {
	s.mu.Lock()
	s.statuses[base] = append(s.statuses[base], codes...)
	s.mu.Unlock()
}

func (s *storage) requested() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

func (s *storage) uploaded(pos int64) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploads[pos]
}

func (s *storage) isParked(u string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parked[u]
}

func (s *storage) park(ctx context.Context, u string) error {
	s.mu.Lock()
	s.parked[u] = true
	s.mu.Unlock()
	<-ctx.Done()
	s.mu.Lock()
	delete(s.parked, u)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *storage) nextStatus(base string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	codes := s.statuses[base]
	if len(codes) == 0 {
		return 0
	}
	s.statuses[base] = codes[1:]
	return codes[0]
}

func (s *storage) nextReply(base string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	replies := s.replies[base]
	if len(replies) == 0 {
		return "", false
	}
	s.replies[base] = replies[1:]
	return replies[0], true
}

func (s *storage) Do(req *http.Request) (*http.Response, error) {
	u := req.URL.String()
	s.mu.Lock()
	s.requests = append(s.requests, req.Method+" "+u)
	s.mu.Unlock()

	cut := strings.LastIndexByte(u, '/')
	base, tail := u[:cut], u[cut+1:]
	if req.Method == http.MethodPost {
		return s.upload(req, u, base, tail)
	}
	return s.download(req, u, base, tail)
}

func (s *storage) failure(req *http.Request, base string, code int) *http.Response {
	resp := response(req, code, "text/plain", nil)
	s.mu.Lock()
	if v, ok := s.timeLeft[base]; ok {
		resp.Header.Set("X-MEGA-Time-Left", v)
	}
	s.mu.Unlock()
	return resp
}

func (s *storage) download(req *http.Request, u, base, tail string) (*http.Response, error) {
	s.mu.Lock()
	hang := s.hang[u] || s.hang[base]
	html := s.html[base]
	data, ok := s.objects[base]
	s.mu.Unlock()

	if hang {
		return nil, s.park(req.Context(), u)
	}
	if err := s.waitGate(req.Context(), u); err != nil {
		return nil, err
	}
	if code := s.nextStatus(base); code != 0 {
		return s.failure(req, base, code), nil
	}
	if html {
		return response(req, http.StatusOK, "text/html; charset=utf-8", []byte("<html>sign in</html>")), nil
	}
	first, last, found := strings.Cut(tail, "-")
	if !ok || !found {
		return response(req, http.StatusNotFound, "text/plain", nil), nil
	}
	pos, _ := strconv.ParseInt(first, 10, 64)
	end, _ := strconv.ParseInt(last, 10, 64)
	return response(req, http.StatusOK, "application/octet-stream", data[pos:end+1]), nil
}

func (s *storage) upload(req *http.Request, u, base, tail string) (*http.Response, error) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	pos, _ := strconv.ParseInt(tail, 10, 64)

	s.mu.Lock()
	s.uploads[pos] = body
	s.received += int64(len(body))
	if s.uploadSize > 0 && s.received >= s.uploadSize {
		s.allInOnce.Do(func() { close(s.allIn) })
	}
	held := s.held[u]
	wantsToken := pos == s.tokenPos
	s.mu.Unlock()

	if held {
		return nil, s.park(req.Context(), u)
	}
	if code := s.nextStatus(base); code != 0 {
		return s.failure(req, base, code), nil
	}
	if reply, ok := s.nextReply(base); ok {
		return response(req, http.StatusOK, "text/plain", []byte(reply)), nil
	}
	if wantsToken {
		select {
		case <-s.allIn:
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
		return response(req, http.StatusOK, "application/octet-stream", uploadToken()), nil
	}
	return response(req, http.StatusOK, "text/plain", nil), nil
}

func response(req *http.Request, code int, contentType string, body []byte) *http.Response {
	return &http.Response{
		StatusCode:    code,
		Header:        http.Header{"Content-Type": []string{contentType}},
		ContentLength: int64(len(body)),
		Body:          io.NopCloser(bytes.NewReader(body)),
		Request:       req,
	}
}

func uploadToken() []byte {
	token := bytes.Repeat([]byte{0xab}, xfer.UploadTokenLen)
	token[xfer.UploadTokenLen-1] = 1
	return token
}

// requestsTo counts the requests whose URL starts with prefix.
func (s *storage) requestsTo(prefix string) int {
	n := 0
	for _, r := range s.requested() {
		if _, u, _ := strings.Cut(r, " "); strings.HasPrefix(u, prefix) {
			n++
		}
	}
	return n
}

// writeLog records the offsets written to a MemFile in call order.
type writeLog struct {
	*fileio.MemFile
	mu  sync.Mutex
	pos []int64
}

func (w *writeLog) record(off int64) {
	w.mu.Lock()
	w.pos = append(w.pos, off)
	w.mu.Unlock()
}

func (w *writeLog) positions() []int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]int64(nil), w.pos...)
}

func (w *writeLog) WriteAt(p []byte, off int64) error {
	w.record(off)
	return w.MemFile.WriteAt(p, off)
}

func (w *writeLog) AsyncWrite(p []byte, off int64) *fileio.AsyncOp {
	w.record(off)
	return w.MemFile.AsyncWrite(p, off)
}

func testEnv(st *storage, clk *fakeClock) *Env {
	env := NewEnv(st)
	env.Now = clk.Now
	env.ClientName = "test "
	return env
}

// settle waits until every connection that is not parked in the storage
// has finished its round trip and no crypto job is pending.
func settle(t *testing.T, s *Slot, st *storage) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, r := range s.reqs {
			if r == nil {
				continue
			}
			switch r.Status() {
			case httpreq.StatusInFlight:
				if !st.isParked(r.URL) {
					return false
				}
			case httpreq.StatusEncrypting, httpreq.StatusDecrypting:
				return false
			}
		}
		return true
	}, 5*time.Second, time.Millisecond)
}

// drive ticks s until its transfer is terminal or maxTicks is reached,
// advancing the clock over retry delays.
func drive(t *testing.T, s *Slot, st *storage, clk *fakeClock, maxTicks int) {
	t.Helper()
	ctx := context.Background()
	for n := 0; n < maxTicks && !s.Transfer().Terminal(); n++ {
		if s.Retrying() {
			clk.AdvanceTo(s.RetryAt())
		}
		s.Tick(ctx)
		settle(t, s, st)
	}
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

// fixture is a file as stored: the plaintext, its encryption and the
// expected MAC-of-MACs.
type fixture struct {
	plain   []byte
	enc     []byte
	key     [symm.KeyLength]byte
	ctriv   uint64
	metaMac uint64
}

func newFixture(t *testing.T, size int) *fixture {
	t.Helper()
	f := &fixture{plain: randomBytes(t, size), ctriv: 0x1122334455667788}
	copy(f.key[:], randomBytes(t, symm.KeyLength))

	c, err := symm.New(f.key[:])
	require.NoError(t, err)
	f.enc = append([]byte(nil), f.plain...)
	c.CTRCrypt(f.enc, f.ctriv, 0)

	table := chunkmac.NewMap()
	chunkmac.Compute(c, f.plain, 0, int64(size), f.ctriv, nil, table)
	f.metaMac = table.MacsMac(c)
	return f
}

func (f *fixture) download(urls []string, l xfer.Listener) *xfer.Transfer {
	tr := xfer.New(xfer.Get, int64(len(f.plain)), f.key, f.ctriv, urls, l)
	tr.MetaMac = f.metaMac
	return tr
}

// splitParts stripes data over five data parts and an XOR parity part.
func splitParts(data []byte) [raid.Parts][]byte {
	var parts [raid.Parts][]byte
	size := int64(len(data))
	for p := range parts {
		parts[p] = make([]byte, raid.PartSize(p, size))
	}
	for line := int64(0); line*raid.Line < size; line++ {
		for d := 1; d < raid.Parts; d++ {
			start := line*raid.Line + int64(d-1)*raid.Sector
			if start >= size {
				break
			}
			end := min(start+raid.Sector, size)
			copy(parts[d][line*raid.Sector:], data[start:end])
			for k := start; k < end; k++ {
				parts[0][line*raid.Sector+k-start] ^= data[k]
			}
		}
	}
	return parts
}
