package upload

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/google/uuid"

	"github.com/sheerbytes/cloudxfer/internal/cli/runner"
	"github.com/sheerbytes/cloudxfer/internal/config"
	"github.com/sheerbytes/cloudxfer/internal/logging"
	"github.com/sheerbytes/cloudxfer/internal/symm"
	"github.com/sheerbytes/cloudxfer/internal/termio"
	"github.com/sheerbytes/cloudxfer/internal/xfer"
)

// Options describe one upload. Key and IV are generated when empty.
type Options struct {
	URL  string
	Key  string // hex, 16 bytes
	IV   string // hex nonce
	Path string
}

func Run(args []string) {
	if hasHelpFlag(args) {
		printUsage()
		return
	}

	fs := flag.NewFlagSet("put", flag.ExitOnError)
	fs.Usage = printUsage
	var opts Options
	fs.StringVar(&opts.URL, "url", "", "upload URL")
	fs.StringVar(&opts.Key, "key", "", "hex transfer key (default: random)")
	fs.StringVar(&opts.IV, "iv", "", "hex counter nonce (default: random)")
	cfg, rest := config.ParseClientConfig(fs, args)
	if len(rest) != 1 {
		printUsage()
		os.Exit(2)
	}
	opts.Path = rest[0]

	t, err := NewTransfer(opts, rand.Reader)
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
		logger.Error("upload failed", "error", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "upload token: %s\n", base64.RawURLEncoding.EncodeToString(t.UploadToken))
	fmt.Fprintf(os.Stdout, "file key: %s\n", base64.RawURLEncoding.EncodeToString(t.FileKey[:]))
}

// NewTransfer validates opts, sizes the input file and builds the upload
// record. Missing key material is drawn from rnd.
func NewTransfer(opts Options, rnd io.Reader) (*xfer.Transfer, error) {
	if opts.URL == "" {
		return nil, errors.New("missing -url")
	}
	path, err := filepath.Abs(opts.Path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", path)
	}

	var key [symm.KeyLength]byte
	if opts.Key != "" {
		raw, err := hex.DecodeString(opts.Key)
		if err != nil || len(raw) != symm.KeyLength {
			return nil, fmt.Errorf("invalid -key: want %d hex bytes", symm.KeyLength)
		}
		copy(key[:], raw)
	} else if _, err := io.ReadFull(rnd, key[:]); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	var ctriv uint64
	if opts.IV != "" {
		if ctriv, err = strconv.ParseUint(opts.IV, 16, 64); err != nil {
			return nil, fmt.Errorf("invalid -iv: %w", err)
		}
	} else {
		var b [8]byte
		if _, err := io.ReadFull(rnd, b[:]); err != nil {
			return nil, fmt.Errorf("generate nonce: %w", err)
		}
		ctriv = binary.BigEndian.Uint64(b[:])
	}

	t := xfer.New(xfer.Put, info.Size(), key, ctriv, []string{opts.URL}, nil)
	t.LocalFilename = path
	if opts.Key != "" && opts.IV != "" {
		// only a repeatable key allows resuming from the cache
		t.ID = uuid.NewSHA1(uuid.NameSpaceURL, []byte(opts.URL+"|"+path)).String()
	}
	return t, nil
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: cloudxfer put -url URL [-key HEX -iv HEX] PATH")
	fmt.Fprintln(os.Stderr, "  -url URL                 upload URL")
	fmt.Fprintln(os.Stderr, "  -key HEX -iv HEX         encryption key and nonce (default: random)")
	fmt.Fprintln(os.Stderr, "  -cache PATH              transfer cache; with -key and -iv a repeated command resumes")
	fmt.Fprintln(os.Stderr, "  -upload-connections N    connections per upload (default 3)")
	fmt.Fprintln(os.Stderr, "  -https, -http3, -events-url URL, -log-level LEVEL")
	fmt.Fprintln(os.Stderr, "prints the upload token and the file key on success")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}
