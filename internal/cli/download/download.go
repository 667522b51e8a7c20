package download

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/sheerbytes/cloudxfer/internal/cli/runner"
	"github.com/sheerbytes/cloudxfer/internal/config"
	"github.com/sheerbytes/cloudxfer/internal/logging"
	"github.com/sheerbytes/cloudxfer/internal/raid"
	"github.com/sheerbytes/cloudxfer/internal/symm"
	"github.com/sheerbytes/cloudxfer/internal/termio"
	"github.com/sheerbytes/cloudxfer/internal/xfer"
)

// Options describe one download.
type Options struct {
	URLs    []string
	FileKey string // base64url, 32 bytes; replaces Key, IV and MAC
	Key     string // hex, 16 bytes
	IV      string // hex nonce
	MAC     string // hex MAC-of-MACs
	Size    int64
	Out     string
}

func Run(args []string) {
	if hasHelpFlag(args) {
		printUsage()
		return
	}

	fs := flag.NewFlagSet("get", flag.ExitOnError)
	fs.Usage = printUsage
	var opts Options
	var urls stringSlice
	fs.Var(&urls, "url", "temporary download URL (six for a striped file)")
	fs.StringVar(&opts.FileKey, "file-key", "", "base64url file key")
	fs.StringVar(&opts.Key, "key", "", "hex transfer key")
	fs.StringVar(&opts.IV, "iv", "", "hex counter nonce")
	fs.StringVar(&opts.MAC, "mac", "", "hex expected MAC")
	fs.Int64Var(&opts.Size, "size", -1, "file size in bytes")
	fs.StringVar(&opts.Out, "o", "", "output path")
	cfg, rest := config.ParseClientConfig(fs, args)
	opts.URLs = append(urls, rest...)

	t, err := NewTransfer(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		printUsage()
		os.Exit(2)
	}

	logger := logging.New("cloudxfer", cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	t, err = runner.Transfer(ctx, cfg, logger, termio.Stderr(), t)
	if err != nil {
		logger.Error("download failed", "error", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "saved %s (%d bytes)\n", t.LocalFilename, t.Size)
}

// NewTransfer validates opts and builds the download record. Its ID is
// derived from the first URL and the output path so a repeated command
// finds the cached record of an interrupted run.
func NewTransfer(opts Options) (*xfer.Transfer, error) {
	if len(opts.URLs) != 1 && len(opts.URLs) != raid.Parts {
		return nil, fmt.Errorf("need 1 or %d URLs, got %d", raid.Parts, len(opts.URLs))
	}
	if opts.Size < 0 {
		return nil, errors.New("missing -size")
	}
	if opts.Out == "" {
		return nil, errors.New("missing -o")
	}

	var (
		key     [symm.KeyLength]byte
		ctriv   uint64
		metaMac uint64
	)
	if opts.FileKey != "" {
		raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(opts.FileKey, "="))
		if err != nil || len(raw) != xfer.FileKeyLen {
			return nil, fmt.Errorf("invalid -file-key: want %d base64url bytes", xfer.FileKeyLen)
		}
		var fk [xfer.FileKeyLen]byte
		copy(fk[:], raw)
		key, ctriv, metaMac = xfer.ParseFileKey(fk)
	} else {
		raw, err := hex.DecodeString(opts.Key)
		if err != nil || len(raw) != symm.KeyLength {
			return nil, fmt.Errorf("invalid -key: want %d hex bytes", symm.KeyLength)
		}
		copy(key[:], raw)
		if ctriv, err = strconv.ParseUint(opts.IV, 16, 64); err != nil {
			return nil, fmt.Errorf("invalid -iv: %w", err)
		}
		if metaMac, err = strconv.ParseUint(opts.MAC, 16, 64); err != nil {
			return nil, fmt.Errorf("invalid -mac: %w", err)
		}
	}

	t := xfer.New(xfer.Get, opts.Size, key, ctriv, opts.URLs, nil)
	t.ID = uuid.NewSHA1(uuid.NameSpaceURL, []byte(opts.URLs[0]+"|"+opts.Out)).String()
	t.MetaMac = metaMac
	t.LocalFilename = opts.Out
	return t, nil
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: cloudxfer get -size N -o PATH (-file-key KEY | -key HEX -iv HEX -mac HEX) URL [URL...]")
	fmt.Fprintln(os.Stderr, "  -url URL                 temporary download URL, repeatable (1, or 6 for a striped file)")
	fmt.Fprintln(os.Stderr, "  -file-key KEY            base64url file key holding key, nonce and MAC")
	fmt.Fprintln(os.Stderr, "  -key HEX -iv HEX -mac HEX  the same as separate values")
	fmt.Fprintln(os.Stderr, "  -size N                  file size in bytes")
	fmt.Fprintln(os.Stderr, "  -o PATH                  output path")
	fmt.Fprintln(os.Stderr, "  -cache PATH              transfer cache; repeat the command to resume")
	fmt.Fprintln(os.Stderr, "  -download-connections N  connections per download (default 4)")
	fmt.Fprintln(os.Stderr, "  -https, -http3, -ordered, -events-url URL, -log-level LEVEL")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// stringSlice implements flag.Value for repeatable string flags.
type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

var _ flag.Value = (*stringSlice)(nil)
