// Package client owns the transfer slots of one process: it starts them,
// ticks them on a fixed cadence, reschedules retryable failures and bridges
// their notifications to an event sink and the transfer cache.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/sheerbytes/cloudxfer/internal/asyncqueue"
	"github.com/sheerbytes/cloudxfer/internal/bufpool"
	"github.com/sheerbytes/cloudxfer/internal/config"
	"github.com/sheerbytes/cloudxfer/internal/events"
	"github.com/sheerbytes/cloudxfer/internal/fileio"
	"github.com/sheerbytes/cloudxfer/internal/httpreq"
	"github.com/sheerbytes/cloudxfer/internal/logging"
	"github.com/sheerbytes/cloudxfer/internal/slot"
	"github.com/sheerbytes/cloudxfer/internal/xfer"
	"github.com/sheerbytes/cloudxfer/internal/xfercache"
)

const (
	// DefaultTickInterval is the cadence of the slot loop.
	DefaultTickInterval = 10 * time.Millisecond
	// DefaultRetryDelay applies to retryable failures reported without a
	// backoff.
	DefaultRetryDelay = time.Second
)

// Opener opens the local file of a transfer for one attempt.
type Opener func(t *xfer.Transfer) (fileio.File, error)

// OpenLocal opens LocalFilename for reading (uploads) or positioned writes
// (downloads).
func OpenLocal(t *xfer.Transfer) (fileio.File, error) {
	if t.Direction == xfer.Put {
		return fileio.OpenRead(t.LocalFilename)
	}
	return fileio.OpenWrite(t.LocalFilename)
}

// Result is delivered once per started transfer.
type Result struct {
	Transfer *xfer.Transfer
	Err      error
}

// Client runs transfer slots.
type Client struct {
	env    *slot.Env
	sink   events.Sink
	cache  *xfercache.Cache
	logger *slog.Logger
	open   Opener

	// TickInterval is the cadence of Run.
	TickInterval time.Duration
	// MaxAttempts bounds the attempts of one transfer. Zero retries
	// retryable failures forever.
	MaxAttempts int
	// RetryDelay is the wait before rescheduling a retryable failure that
	// came without a backoff.
	RetryDelay time.Duration

	mu     sync.Mutex
	jobs   map[string]*job
	order  []*job
	closed bool
}

// New builds a client from cfg. The HTTP client, buffer pool, crypto
// workers and transfer cache are created here and released by Close.
func New(cfg config.ClientConfig, logger *slog.Logger, sink events.Sink) (*Client, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	cfg.Normalize()
	env := slot.NewEnv(httpreq.NewClient(httpreq.ClientOptions{
		HTTP3:              cfg.HTTP3,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		MaxConnsPerHost:    2 * max(cfg.DownloadConnections, cfg.UploadConnections),
	}))
	env.ClientName = "cloudxfer"
	env.Logger = logger
	env.Buffers = bufpool.New(int(cfg.MaxRequestSize))
	if cfg.CryptoWorkers > 0 {
		env.Queue = asyncqueue.New(cfg.CryptoWorkers)
	}
	env.DownloadConnections = cfg.DownloadConnections
	env.UploadConnections = cfg.UploadConnections
	env.MaxRequestSize = cfg.MaxRequestSize
	env.IdleTimeout = cfg.IdleTimeout
	env.ProgressInterval = cfg.ProgressInterval
	env.MaxErrors = cfg.MaxErrors
	env.OrderDownloadedChunks = cfg.OrderDownloadedChunks
	env.UseHTTPS = cfg.UseHTTPS
	env.AutoDownPort = cfg.AutoDownPort
	env.AutoUpPort = cfg.AutoUpPort

	var cache *xfercache.Cache
	if cfg.CachePath != "" {
		var err error
		if cache, err = xfercache.Open(cfg.CachePath); err != nil {
			env.Queue.Close()
			return nil, err
		}
	}
	return NewWithEnv(env, cache, sink, OpenLocal), nil
}

// NewWithEnv returns a client over an existing environment. cache and sink
// may be nil; open is used for attempts after the first.
func NewWithEnv(env *slot.Env, cache *xfercache.Cache, sink events.Sink, open Opener) *Client {
	if cache != nil {
		env.Cache = cache
	}
	if sink == nil {
		sink = events.Discard{}
	}
	if open == nil {
		open = OpenLocal
	}
	logger := env.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Client{
		env:          env,
		sink:         sink,
		cache:        cache,
		logger:       logger,
		open:         open,
		TickInterval: DefaultTickInterval,
		RetryDelay:   DefaultRetryDelay,
		jobs:         make(map[string]*job),
	}
}

// Restore loads a transfer persisted in the cache so it can be started
// again.
func (c *Client) Restore(id string) (*xfer.Transfer, error) {
	if c.cache == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	snap, err := c.cache.Get(id)
	if err != nil {
		return nil, err
	}
	return xfer.Restore(snap, nil), nil
}

// Start creates a slot for t. f is the local file of the first attempt;
// when nil it is opened through the client's Opener. The returned channel
// receives the outcome once.
func (c *Client) Start(t *xfer.Transfer, f fileio.File) (<-chan Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if _, ok := c.jobs[t.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, t.ID)
	}
	if f == nil {
		var err error
		if f, err = c.open(t); err != nil {
			return nil, err
		}
	}

	j := &job{c: c, t: t, done: make(chan Result, 1)}
	t.SetListener(j)
	j.start(f, c.now())
	c.jobs[t.ID] = j
	c.order = append(c.order, j)
	return j.done, nil
}

// Run ticks every slot until ctx is cancelled. On return every slot has
// been torn down and its transfer persisted.
func (c *Client) Run(ctx context.Context) error {
	interval := c.TickInterval
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case <-ticker.C:
			c.TickOnce(ctx)
		}
	}
}

// TickOnce gives every slot one tick and settles the transfers that reached
// a terminal state.
func (c *Client) TickOnce(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	live := c.order[:0]
	for _, j := range c.order {
		if j.step(ctx, now) {
			live = append(live, j)
			continue
		}
		delete(c.jobs, j.t.ID)
	}
	for i := len(live); i < len(c.order); i++ {
		c.order[i] = nil
	}
	c.order = live
}

// Cancel tears the slot of id down. Received data is kept and the record
// persisted, so the transfer can be restored later.
func (c *Client) Cancel(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	j, ok := c.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	j.stop()
	j.t.State = xfer.StateCancelled
	c.persist(j.t)
	j.finish(ErrCancelled)

	delete(c.jobs, id)
	for i, o := range c.order {
		if o == j {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return nil
}

// Active returns the number of transfers not yet finished.
func (c *Client) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs)
}

// Stats returns a copy of the client-wide counters.
func (c *Client) Stats() slot.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.env.Stats
}

// Close stops the crypto workers and closes the cache. Run must have
// returned.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.env.Queue.Close()
	if c.cache != nil {
		return c.cache.Close()
	}
	return nil
}

func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, j := range c.order {
		j.stop()
		c.persist(j.t)
		j.finish(ErrCancelled)
	}
	c.jobs = make(map[string]*job)
	c.order = nil
}

func (c *Client) persist(t *xfer.Transfer) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Put(t); err != nil {
		c.logger.Warn("persist transfer", "transfer", t.ID, "error", err)
	}
}

func (c *Client) forget(t *xfer.Transfer) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Delete(t.ID); err != nil {
		c.logger.Warn("drop transfer record", "transfer", t.ID, "error", err)
	}
}

func (c *Client) now() time.Time {
	if c.env.Now == nil {
		return time.Now()
	}
	return c.env.Now()
}

// job is one started transfer. While s is nil the transfer waits for
// wakeAt to be rescheduled.
type job struct {
	c        *Client
	t        *xfer.Transfer
	s        *slot.Slot
	wakeAt   time.Time
	attempts int
	done     chan Result
	finished bool
}

func (j *job) start(f fileio.File, now time.Time) {
	j.attempts++
	j.t.LastAccess = now
	j.s = slot.New(j.t, j.c.env, f)
	j.c.logger.Info("transfer started",
		"transfer", j.t.ID,
		"direction", j.t.Direction.String(),
		"size", humanize.IBytes(uint64(j.t.Size)),
		"resume_at", humanize.IBytes(uint64(j.t.ProgressCompleted)),
		"attempt", j.attempts,
		"connections", j.s.Connections())
}

// step advances the job and reports whether it is still live.
func (j *job) step(ctx context.Context, now time.Time) bool {
	if j.s == nil {
		if now.Before(j.wakeAt) {
			return true
		}
		j.t.Reschedule()
		f, err := j.c.open(j.t)
		if err != nil {
			kind := xfer.ErrWrite
			if j.t.Direction == xfer.Put {
				kind = xfer.ErrRead
			}
			j.c.logger.Error("reopen local file", "transfer", j.t.ID, "error", err)
			j.finish(fmt.Errorf("%w: %v", kind, err))
			return false
		}
		j.start(f, now)
	}

	if j.s.Retrying() && now.Before(j.s.RetryAt()) {
		return true
	}
	j.s.Tick(ctx)
	if !j.t.Terminal() {
		return true
	}
	return j.settle(now)
}

// settle handles a transfer whose slot reported a terminal state.
func (j *job) settle(now time.Time) bool {
	t := j.t
	c := j.c
	j.stop()

	if t.State == xfer.StateCompleted {
		c.forget(t)
		j.finish(nil)
		return false
	}
	c.persist(t)
	if j.willRetry(t.LastError) {
		delay := t.Backoff
		if delay <= 0 {
			delay = c.RetryDelay
		}
		j.wakeAt = now.Add(delay)
		c.logger.Info("transfer rescheduled",
			"transfer", t.ID,
			"error", t.LastError,
			"delay", delay,
			"completed", humanize.IBytes(uint64(t.ProgressCompleted)))
		return true
	}
	j.finish(t.LastError)
	return false
}

func (j *job) willRetry(err error) bool {
	if !xfer.Retryable(err) {
		return false
	}
	return j.c.MaxAttempts <= 0 || j.attempts < j.c.MaxAttempts
}

func (j *job) stop() {
	if j.s != nil {
		j.s.Close()
		j.s = nil
	}
}

func (j *job) finish(err error) {
	if j.finished {
		return
	}
	j.finished = true
	j.done <- Result{Transfer: j.t, Err: err}
	close(j.done)
}

// Listener bridge. These run inside a slot tick, with c.mu held.

func (j *job) Updated(t *xfer.Transfer) {
	ev := events.FromTransfer(events.KindProgress, t)
	if j.s != nil {
		ev.Completed = j.s.Progress()
		ev.Contiguous = j.s.ContiguousProgress()
		ev.Speed, ev.MeanSpeed = j.s.Speed()
	}
	j.c.sink.Emit(ev)
}

func (j *job) TemporaryError(t *xfer.Transfer, err error) {
	ev := events.FromTransfer(events.KindTempError, t)
	ev.Err = err
	j.c.sink.Emit(ev)
}

func (j *job) Completed(t *xfer.Transfer) {
	ev := events.FromTransfer(events.KindComplete, t)
	if j.s != nil {
		_, ev.MeanSpeed = j.s.Speed()
	}
	if t.Direction == xfer.Put {
		ev.UploadToken = append([]byte(nil), t.UploadToken...)
		ev.FileKey = append([]byte(nil), t.FileKey[:]...)
	}
	j.c.sink.Emit(ev)
}

func (j *job) Failed(t *xfer.Transfer, err error, backoff time.Duration) {
	ev := events.FromTransfer(events.KindFailed, t)
	ev.Err = err
	ev.Backoff = backoff
	ev.Retryable = j.willRetry(err)
	j.c.sink.Emit(ev)
}
