// Package runner drives a single transfer from the command line: it builds
// the client, wires the event sinks and runs the slot loop next to the
// websocket sink until the transfer finishes or the process is interrupted.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/sheerbytes/cloudxfer/internal/client"
	"github.com/sheerbytes/cloudxfer/internal/config"
	"github.com/sheerbytes/cloudxfer/internal/events"
	"github.com/sheerbytes/cloudxfer/internal/termio"
	"github.com/sheerbytes/cloudxfer/internal/xfer"
)

// Transfer runs t with a client built from cfg and returns the transfer that
// was actually driven: a matching record in the transfer cache replaces t
// so an interrupted transfer resumes where it stopped.
func Transfer(ctx context.Context, cfg config.ClientConfig, logger *slog.Logger, console *termio.Console, t *xfer.Transfer) (*xfer.Transfer, error) {
	sinks := events.Multi{events.NewLogSink(logger)}
	if console != nil {
		sinks = append(sinks, &statusSink{console: console})
	}

	var ws *events.WSSink
	if cfg.EventsURL != "" {
		var err error
		ws, err = events.DialWS(ctx, cfg.EventsURL, "cloudxfer", logger)
		if err != nil {
			logger.Warn("events collector unavailable", "url", cfg.EventsURL, "error", err)
		} else {
			sinks = append(sinks, ws)
		}
	}

	c, err := client.New(cfg, logger, sinks)
	if err != nil {
		if ws != nil {
			ws.Close()
		}
		return t, err
	}
	defer c.Close()

	if prev, err := c.Restore(t.ID); err == nil && Resumable(prev, t) {
		prev.TempURLs = t.TempURLs
		prev.LocalFilename = t.LocalFilename
		logger.Info("resuming transfer", "transfer", t.ID,
			"completed", humanize.IBytes(uint64(prev.ProgressCompleted)))
		t = prev
	}

	done, err := c.Start(t, nil)
	if err != nil {
		if ws != nil {
			ws.Close()
		}
		return t, err
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, stop := context.WithCancel(gctx)
	defer stop()

	var res client.Result
	g.Go(func() error {
		err := c.Run(runCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		res = <-done
		stop()
		return nil
	})
	if ws != nil {
		g.Go(func() error {
			if err := ws.Run(runCtx); err != nil {
				// losing the collector does not stop the transfer
				logger.Warn("events collector disconnected", "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return t, err
	}
	if ws != nil {
		ws.Close()
	}
	if console != nil {
		console.Done()
	}

	stats := c.Stats()
	logger.Debug("client stats",
		"temp_errors", stats.TempErrors,
		"retries", stats.Retries,
		"https_switches", stats.HTTPSSwitches,
		"slot_finishes", stats.SlotFinishes)

	if res.Err != nil && errors.Is(res.Err, client.ErrCancelled) && ctx.Err() != nil {
		return t, fmt.Errorf("interrupted at %s: %w", humanize.IBytes(uint64(t.ProgressCompleted)), ctx.Err())
	}
	return t, res.Err
}

// Resumable reports whether the cached record prev can continue the
// transfer described by t.
func Resumable(prev, t *xfer.Transfer) bool {
	if prev == nil || t == nil {
		return false
	}
	return prev.Direction == t.Direction &&
		prev.Size == t.Size &&
		prev.TransferKey == t.TransferKey &&
		prev.CtrIV == t.CtrIV &&
		prev.State != xfer.StateCompleted
}

// statusSink draws the progress of the transfer on the terminal status line.
type statusSink struct {
	console *termio.Console
}

func (s *statusSink) Emit(ev events.Event) {
	switch ev.Kind {
	case events.KindProgress:
		pct := 100.0
		if ev.Size > 0 {
			pct = float64(ev.Completed) * 100 / float64(ev.Size)
		}
		s.console.Status(fmt.Sprintf("%s %s / %s (%.1f%%) %s/s",
			ev.Direction,
			humanize.IBytes(uint64(ev.Completed)),
			humanize.IBytes(uint64(ev.Size)),
			pct,
			humanize.IBytes(uint64(ev.Speed))))
	case events.KindTempError:
		s.console.Println("temporary error:", ev.Err)
	case events.KindFailed:
		if ev.Retryable {
			s.console.Printf("transfer failed (%v), retrying in %s\n", ev.Err, ev.Backoff)
		}
	}
}
