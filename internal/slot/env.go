package slot

import (
	"io"
	"log/slog"
	"time"

	"github.com/sheerbytes/cloudxfer/internal/asyncqueue"
	"github.com/sheerbytes/cloudxfer/internal/bufpool"
	"github.com/sheerbytes/cloudxfer/internal/httpreq"
	"github.com/sheerbytes/cloudxfer/internal/progress"
	"github.com/sheerbytes/cloudxfer/internal/xfer"
)

const (
	DefaultIdleTimeout      = 60 * time.Second
	DefaultProgressInterval = time.Second
	DefaultMaxErrors        = 4
	DefaultMaxRequestSize   = 4 << 20
	DefaultOverQuotaBackoff = time.Hour

	DefaultDownloadConnections = 4
	DefaultUploadConnections   = 3

	// files up to this size use a single connection
	singleConnectionSize = 131072
)

// Cache persists transfer records whenever durable progress advances.
type Cache interface {
	Put(t *xfer.Transfer) error
}

// Stats are client-wide counters maintained by the slots.
type Stats struct {
	TempErrors    int
	Retries       int
	SlotFinishes  int
	HTTPRequests  int
	HTTPSSwitches int
}

// Env is the client state shared by every slot. It is only touched from the
// goroutine that ticks the slots.
type Env struct {
	ClientName string
	Client     httpreq.Doer
	Buffers    *bufpool.Pool
	Queue      *asyncqueue.Queue
	Cache      Cache
	Logger     *slog.Logger
	Now        func() time.Time

	DownloadConnections   int
	UploadConnections     int
	MaxRequestSize        int64
	IdleTimeout           time.Duration
	ProgressInterval      time.Duration
	MaxErrors             int
	OrderDownloadedChunks bool

	// UseHTTPS rewrites plain-http transfer URLs to https. It is switched
	// on when an intermediary is detected on the plain path.
	UseHTTPS bool
	// AutoDownPort and AutoUpPort allow flipping UseAltDownPort and
	// UseAltUpPort after a failure on a plain-http URL.
	AutoDownPort   bool
	AutoUpPort     bool
	UseAltDownPort bool
	UseAltUpPort   bool

	// Observed link speeds across all slots.
	UploadSpeed   *progress.SpeedController
	DownloadSpeed *progress.SpeedController

	Stats Stats
}

// NewEnv returns an environment with default settings that sends requests
// through client.
func NewEnv(client httpreq.Doer) *Env {
	return &Env{
		Client:              client,
		Now:                 time.Now,
		DownloadConnections: DefaultDownloadConnections,
		UploadConnections:   DefaultUploadConnections,
		MaxRequestSize:      DefaultMaxRequestSize,
		IdleTimeout:         DefaultIdleTimeout,
		ProgressInterval:    DefaultProgressInterval,
		MaxErrors:           DefaultMaxErrors,
		AutoDownPort:        true,
		AutoUpPort:          true,
		UploadSpeed:         progress.NewSpeedController(),
		DownloadSpeed:       progress.NewSpeedController(),
	}
}

func (e *Env) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

func (e *Env) clock() func() time.Time {
	if e.Now == nil {
		return time.Now
	}
	return e.Now
}

func (e *Env) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return e.Logger
}

func (e *Env) connections(dir xfer.Direction) int {
	n := e.DownloadConnections
	if dir == xfer.Put {
		n = e.UploadConnections
	}
	if n < 1 {
		n = 1
	}
	return n
}

func (e *Env) maxRequestSize() int64 {
	if e.MaxRequestSize <= 0 {
		return DefaultMaxRequestSize
	}
	return e.MaxRequestSize
}

func (e *Env) idleTimeout() time.Duration {
	if e.IdleTimeout <= 0 {
		return DefaultIdleTimeout
	}
	return e.IdleTimeout
}

func (e *Env) progressInterval() time.Duration {
	if e.ProgressInterval <= 0 {
		return DefaultProgressInterval
	}
	return e.ProgressInterval
}

func (e *Env) maxErrors() int {
	if e.MaxErrors <= 0 {
		return DefaultMaxErrors
	}
	return e.MaxErrors
}

func (e *Env) uploadSpeed() int64 {
	if e.UploadSpeed == nil {
		return 0
	}
	return e.UploadSpeed.Speed()
}

// updateSpeed feeds a progress delta into the link speed of dir.
func (e *Env) updateSpeed(dir xfer.Direction, delta int64) {
	sc := e.DownloadSpeed
	if dir == xfer.Put {
		sc = e.UploadSpeed
	}
	if sc != nil {
		sc.CalculateSpeed(delta)
	}
}

// useAltPort reports whether requests of dir go to the alternate port.
func (e *Env) useAltPort(dir xfer.Direction) bool {
	if dir == xfer.Put {
		return e.UseAltUpPort
	}
	return e.UseAltDownPort
}

// toggleAltPort flips the alternate port of dir if automatic switching is
// enabled for it, and reports whether it did.
func (e *Env) toggleAltPort(dir xfer.Direction) bool {
	if dir == xfer.Put {
		if !e.AutoUpPort {
			return false
		}
		e.UseAltUpPort = !e.UseAltUpPort
		return true
	}
	if !e.AutoDownPort {
		return false
	}
	e.UseAltDownPort = !e.UseAltDownPort
	return true
}
