package config

import (
	"bufio"
	"flag"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultDownloadConnections = 4
	defaultUploadConnections   = 3
	maxConnections             = 6

	// DefaultMaxRequestSize applies when no size is configured and the
	// available memory cannot be determined.
	DefaultMaxRequestSize = 4 << 20
)

// ClientConfig holds configuration for the cloudxfer client.
type ClientConfig struct {
	LogLevel string

	DownloadConnections int // per-transfer download connections (1..6)
	UploadConnections   int // per-transfer upload connections (1..6)

	// MaxRequestSize caps the bytes of one chunk request. Zero derives it
	// from the available memory.
	MaxRequestSize int64

	IdleTimeout      time.Duration
	ProgressInterval time.Duration
	MaxErrors        int // consecutive errors tolerated before a transfer fails

	UseHTTPS              bool
	AutoDownPort          bool // flip to the alternate download port after failures
	AutoUpPort            bool // flip to the alternate upload port after failures
	OrderDownloadedChunks bool
	HTTP3                 bool
	InsecureSkipVerify    bool

	CryptoWorkers int
	CachePath     string // bbolt transfer cache, empty disables resume
	EventsURL     string // websocket collector for transfer events
}

// ParseClientConfig parses client configuration from flags and environment
// variables into fs, which may already carry command specific flags.
// Flags take precedence over environment variables. It returns the
// remaining positional arguments.
func ParseClientConfig(fs *flag.FlagSet, args []string) (ClientConfig, []string) {
	cfg := ClientConfig{
		LogLevel:            "info",
		DownloadConnections: defaultDownloadConnections,
		UploadConnections:   defaultUploadConnections,
		MaxRequestSize:      DefaultMaxRequestSize,
		IdleTimeout:         60 * time.Second,
		ProgressInterval:    time.Second,
		MaxErrors:           4,
		AutoDownPort:        true,
		AutoUpPort:          true,
		CryptoWorkers:       2,
	}

	// Read from environment first
	if logLevel := os.Getenv("CLOUDXFER_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	envInt("CLOUDXFER_DOWNLOAD_CONNECTIONS", &cfg.DownloadConnections)
	envInt("CLOUDXFER_UPLOAD_CONNECTIONS", &cfg.UploadConnections)
	envInt64("CLOUDXFER_MAX_REQUEST_SIZE", &cfg.MaxRequestSize)
	envDuration("CLOUDXFER_IDLE_TIMEOUT", &cfg.IdleTimeout)
	envDuration("CLOUDXFER_PROGRESS_INTERVAL", &cfg.ProgressInterval)
	envInt("CLOUDXFER_MAX_ERRORS", &cfg.MaxErrors)
	envBool("CLOUDXFER_USE_HTTPS", &cfg.UseHTTPS)
	envBool("CLOUDXFER_AUTO_DOWN_PORT", &cfg.AutoDownPort)
	envBool("CLOUDXFER_AUTO_UP_PORT", &cfg.AutoUpPort)
	envBool("CLOUDXFER_ORDERED_CHUNKS", &cfg.OrderDownloadedChunks)
	envBool("CLOUDXFER_HTTP3", &cfg.HTTP3)
	envBool("CLOUDXFER_INSECURE", &cfg.InsecureSkipVerify)
	envInt("CLOUDXFER_CRYPTO_WORKERS", &cfg.CryptoWorkers)
	if path := os.Getenv("CLOUDXFER_CACHE"); path != "" {
		cfg.CachePath = path
	}
	if url := os.Getenv("CLOUDXFER_EVENTS_URL"); url != "" {
		cfg.EventsURL = url
	}

	// Flags override environment
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.IntVar(&cfg.DownloadConnections, "download-connections", cfg.DownloadConnections, "connections per download (1..6)")
	fs.IntVar(&cfg.UploadConnections, "upload-connections", cfg.UploadConnections, "connections per upload (1..6)")
	fs.Int64Var(&cfg.MaxRequestSize, "max-request-size", cfg.MaxRequestSize, "max bytes per request (0: derive from available memory)")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "transfer idle timeout")
	fs.DurationVar(&cfg.ProgressInterval, "progress-interval", cfg.ProgressInterval, "minimum interval between progress reports")
	fs.IntVar(&cfg.MaxErrors, "max-errors", cfg.MaxErrors, "consecutive errors tolerated before a transfer fails")
	fs.BoolVar(&cfg.UseHTTPS, "https", cfg.UseHTTPS, "rewrite plain http transfer URLs to https")
	fs.BoolVar(&cfg.AutoDownPort, "auto-down-port", cfg.AutoDownPort, "switch download port after connection failures")
	fs.BoolVar(&cfg.AutoUpPort, "auto-up-port", cfg.AutoUpPort, "switch upload port after connection failures")
	fs.BoolVar(&cfg.OrderDownloadedChunks, "ordered", cfg.OrderDownloadedChunks, "write downloaded chunks in file order")
	fs.BoolVar(&cfg.HTTP3, "http3", cfg.HTTP3, "use HTTP/3 for https transfer URLs")
	fs.BoolVar(&cfg.InsecureSkipVerify, "insecure", cfg.InsecureSkipVerify, "skip certificate verification on HTTP/3")
	fs.IntVar(&cfg.CryptoWorkers, "crypto-workers", cfg.CryptoWorkers, "encryption/decryption worker goroutines")
	fs.StringVar(&cfg.CachePath, "cache", cfg.CachePath, "transfer cache path (enables resume)")
	fs.StringVar(&cfg.EventsURL, "events-url", cfg.EventsURL, "websocket URL receiving transfer events")
	fs.Parse(args)

	cfg.Normalize()
	return cfg, fs.Args()
}

// Normalize clamps out-of-range values and resolves a zero request size
// from the available memory. Configs built without ParseClientConfig must
// be normalized before use.
func (c *ClientConfig) Normalize() {
	c.DownloadConnections = clampConnections(c.DownloadConnections)
	c.UploadConnections = clampConnections(c.UploadConnections)
	if c.MaxErrors < 1 {
		c.MaxErrors = 1
	}
	if c.CryptoWorkers < 0 {
		c.CryptoWorkers = 0
	}
	if c.MaxRequestSize <= 0 {
		c.MaxRequestSize = DefaultMaxRequestSize
		if mem := availableMemory(); mem > 0 {
			c.MaxRequestSize = MaxRequestSizeFor(mem)
		}
	}
}

// MaxRequestSizeFor returns the request size cap suited to the given amount
// of available memory in bytes.
func MaxRequestSizeFor(availableMemory int64) int64 {
	switch {
	case availableMemory >= 1<<30:
		return 16 << 20
	case availableMemory >= 512<<20:
		return 8 << 20
	case availableMemory >= 256<<20:
		return 4 << 20
	default:
		return 2 << 20
	}
}

func clampConnections(n int) int {
	if n < 1 {
		return 1
	}
	if n > maxConnections {
		return maxConnections
	}
	return n
}

// availableMemory reads MemAvailable from /proc/meminfo. It returns 0 where
// that file does not exist.
func availableMemory() int64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0
	}
	defer f.Close()
	return parseMemAvailable(bufio.NewScanner(f))
}

func parseMemAvailable(sc *bufio.Scanner) int64 {
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 || fields[0] != "MemAvailable:" {
			continue
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb << 10
	}
	return 0
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(name string, dst *int64) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
