package events

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sheerbytes/cloudxfer/internal/xfer"
	"github.com/sheerbytes/cloudxfer/pkg/protocol"
)

var dialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
}

// WSSink pushes events as JSON envelopes to a websocket collector. Writes
// happen on a single goroutine; when its queue is full progress events are
// dropped while terminal events wait for room.
type WSSink struct {
	conn     *websocket.Conn
	logger   *slog.Logger
	client   string
	sendChan chan protocol.Envelope
	done     chan struct{}
	writeMu  sync.Mutex

	closeOnce sync.Once
	closing   chan struct{}
	dropped   atomic.Int64
}

// DialWS connects to the collector at wsURL.
func DialWS(ctx context.Context, wsURL, client string, logger *slog.Logger) (*WSSink, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	if client != "" {
		headers.Set("User-Agent", client)
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, err
	}

	s := &WSSink{
		conn:     conn,
		logger:   logger,
		client:   client,
		sendChan: make(chan protocol.Envelope, 256),
		done:     make(chan struct{}),
		closing:  make(chan struct{}),
	}

	// Start writer goroutine for serialized writes
	go s.writeLoop()

	return s, nil
}

// Emit queues ev for the collector.
func (s *WSSink) Emit(ev Event) {
	env, err := Envelope(ev)
	if err != nil {
		s.logger.Warn("encode event", "error", err)
		return
	}
	env.Client = s.client

	if ev.Kind == KindProgress {
		select {
		case s.sendChan <- env:
		case <-s.closing:
		default:
			s.dropped.Add(1)
		}
		return
	}
	select {
	case s.sendChan <- env:
	case <-s.closing:
	case <-s.done:
	}
}

// Dropped returns how many progress events were discarded.
func (s *WSSink) Dropped() int64 {
	return s.dropped.Load()
}

// Run services the connection: it answers control frames, pings the
// collector and returns when ctx is cancelled or the connection drops.
func (s *WSSink) Run(ctx context.Context) error {
	s.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-ticker.C:
				s.writeMu.Lock()
				s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				err := s.conn.WriteMessage(websocket.PingMessage, nil)
				s.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	readErr := make(chan error, 1)
	go func() {
		for {
			// the collector does not talk back; reading keeps pongs and
			// close frames flowing
			if _, _, err := s.conn.ReadMessage(); err != nil {
				readErr <- err
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-readErr:
		select {
		case <-s.closing:
			return nil
		default:
		}
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
			s.logger.Error("websocket read error", "error", err)
		}
		return err
	}
}

func (s *WSSink) writeLoop() {
	defer close(s.done)
	for {
		select {
		case env := <-s.sendChan:
			if err := s.write(env); err != nil {
				s.logger.Error("websocket write error", "error", err)
				return
			}
		case <-s.closing:
			// flush what is queued, then say goodbye
			for {
				select {
				case env := <-s.sendChan:
					if err := s.write(env); err != nil {
						return
					}
				default:
					s.writeMu.Lock()
					_ = s.conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(time.Second))
					s.writeMu.Unlock()
					return
				}
			}
		}
	}
}

func (s *WSSink) write(env protocol.Envelope) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(env)
}

// Close flushes queued events and closes the connection.
func (s *WSSink) Close() error {
	s.closeOnce.Do(func() { close(s.closing) })
	<-s.done // Wait for write loop to finish
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Close()
}

// Envelope converts ev to its wire form.
func Envelope(ev Event) (protocol.Envelope, error) {
	dir := ev.Direction.String()
	switch ev.Kind {
	case KindProgress:
		return protocol.NewTransferEvent(protocol.TypeTransferProgress, ev.TransferID, protocol.TransferProgress{
			Direction:  dir,
			Size:       ev.Size,
			Completed:  ev.Completed,
			Contiguous: ev.Contiguous,
			Speed:      ev.Speed,
			MeanSpeed:  ev.MeanSpeed,
		})
	case KindTempError:
		return protocol.NewTransferEvent(protocol.TypeTransferTempError, ev.TransferID, protocol.TransferTempError{
			Direction: dir,
			Error:     errString(ev.Err),
		})
	case KindComplete:
		done := protocol.TransferComplete{Direction: dir, Size: ev.Size}
		if ev.Direction == xfer.Put {
			done.UploadToken = base64.RawURLEncoding.EncodeToString(ev.UploadToken)
			done.FileKey = base64.RawURLEncoding.EncodeToString(ev.FileKey)
		}
		return protocol.NewTransferEvent(protocol.TypeTransferComplete, ev.TransferID, done)
	case KindFailed:
		return protocol.NewTransferEvent(protocol.TypeTransferFailed, ev.TransferID, protocol.TransferFailed{
			Direction: dir,
			Error:     errString(ev.Err),
			Retryable: ev.Retryable,
			BackoffMS: ev.Backoff.Milliseconds(),
		})
	}
	return protocol.Envelope{}, fmt.Errorf("events: unknown kind %d", int(ev.Kind))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
