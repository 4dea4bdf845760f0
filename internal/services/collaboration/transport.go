package collaboration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"collab-sync/internal/middleware"
	"collab-sync/internal/party"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

// Transport is an open connection carrying a room's frames.
type Transport interface {
	// Send queues one frame. It must not block.
	Send(data []byte) error
	Close() error
	// Done is closed once the connection is gone.
	Done() <-chan struct{}
}

// TransportDialer opens the transport of a room. onFrame is called for every
// inbound frame from a single goroutine.
type TransportDialer func(ctx context.Context, room string, onFrame func([]byte)) (Transport, error)

// maxOutbox bounds frames queued while the transport is down.
const maxOutbox = 1024

// roomLink keeps a room connected: dial, redial with backoff, queue frames
// while disconnected.
type roomLink struct {
	room      *Room
	dial      TransportDialer
	baseDelay time.Duration
	maxDelay  time.Duration
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conn   Transport
	outbox [][]byte
}

// connect starts the dial loop. Rooms without a dialer stay local.
func (r *Room) connect(opts Options) {
	if opts.Dialer == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &roomLink{
		room:      r,
		dial:      opts.Dialer,
		baseDelay: opts.BaseDelay,
		maxDelay:  opts.MaxDelay,
		logger:    r.logger,
		ctx:       ctx,
		cancel:    cancel,
	}
	r.link = l
	go l.run()
}

func (l *roomLink) run() {
	attempt := 0
	for {
		if l.ctx.Err() != nil {
			return
		}

		t, err := l.open()
		if err == nil {
			attempt = 0
			if !l.install(t) {
				_ = t.Close()
				return
			}
			l.announce()

			select {
			case <-l.ctx.Done():
				return
			case <-t.Done():
			}
			l.uninstall(t)
			l.logger.Info("room transport closed, reconnecting")
		} else {
			l.logger.Warn("room dial failed", slog.Any("error", err))
		}

		attempt++
		delay := party.ReconnectDelay(attempt, l.baseDelay, l.maxDelay)
		timer := time.NewTimer(delay)
		select {
		case <-l.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (l *roomLink) open() (Transport, error) {
	ctx, span := middleware.StartSpan(l.ctx, "Room.Dial",
		attribute.String("room.name", l.room.name),
	)
	defer span.End()

	t, err := l.dial(ctx, l.room.name, func(data []byte) {
		l.room.HandleFrame(data)
	})
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, err
	}
	return t, nil
}

// install makes t the live connection and flushes the outbox into it.
func (l *roomLink) install(t Transport) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx.Err() != nil {
		return false
	}
	l.conn = t

	queued := l.outbox
	l.outbox = nil
	for i, data := range queued {
		if err := t.Send(data); err != nil {
			l.outbox = append(l.outbox, queued[i:]...)
			break
		}
	}
	return true
}

func (l *roomLink) uninstall(t Transport) {
	l.mu.Lock()
	if l.conn == t {
		l.conn = nil
	}
	l.mu.Unlock()
	_ = t.Close()
}

// announce re-sends the local awareness state on a fresh connection.
func (l *roomLink) announce() {
	frame, ok := l.room.localAwarenessFrame()
	if !ok {
		return
	}
	data, err := frame.Encode()
	if err != nil {
		return
	}
	l.send(data)
}

func (l *roomLink) send(data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx.Err() != nil {
		return
	}
	if l.conn != nil {
		if err := l.conn.Send(data); err == nil {
			return
		}
	}
	if len(l.outbox) >= maxOutbox {
		l.outbox = l.outbox[1:]
		l.logger.Debug("room outbox full, dropping oldest frame")
	}
	l.outbox = append(l.outbox, data)
}

// flushPoll is how often Flush checks the link.
const flushPoll = 10 * time.Millisecond

// Flush blocks until the room has a live transport and nothing is left in
// its outbox. Local rooms return at once.
func (r *Room) Flush(ctx context.Context) error {
	r.mu.Lock()
	link, closed := r.link, r.closed
	r.mu.Unlock()
	if closed {
		return ErrRoomClosed
	}
	if link == nil {
		return nil
	}

	ticker := time.NewTicker(flushPoll)
	defer ticker.Stop()
	for {
		if link.flushed() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-link.ctx.Done():
			return ErrRoomClosed
		case <-ticker.C:
		}
	}
}

func (l *roomLink) flushed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil && len(l.outbox) == 0
}

// close stops the dial loop and closes the live connection.
func (l *roomLink) close() {
	l.cancel()

	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.outbox = nil
	l.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

/*
WEBSOCKET TRANSPORT

One reader goroutine and one writer goroutine per connection, the same
pump layout the relay uses for its sessions:

  readPump:  ReadMessage → onFrame, pong extends the read deadline
  writePump: send channel → TextMessage, ping every pingPeriod
*/

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 256
)

// ErrTransportClosed is returned by Send after the connection is gone.
var ErrTransportClosed = errors.New("transport closed")

// ErrSendBufferFull is returned by Send when the writer cannot keep up.
var ErrSendBufferFull = errors.New("transport send buffer full")

// WebSocketDialerConfig configures NewWebSocketDialer.
type WebSocketDialerConfig struct {
	BaseURL string
	Party   string
	// Token is asked for a fresh token on every dial. A failure dials
	// without one.
	Token  party.TokenProvider
	Header http.Header
	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// NewWebSocketDialer dials {BaseURL}/parties/{Party}/{room}?token=... .
func NewWebSocketDialer(cfg WebSocketDialerConfig) TransportDialer {
	wsDialer := cfg.Dialer
	if wsDialer == nil {
		wsDialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(ctx context.Context, room string, onFrame func([]byte)) (Transport, error) {
		token := ""
		if cfg.Token != nil {
			t, err := cfg.Token(ctx)
			if err != nil {
				logger.Debug("token unavailable, dialing without one", slog.String("room", room), slog.Any("error", err))
			} else {
				token = t
			}
		}

		url, err := party.BuildURL(cfg.BaseURL, cfg.Party, room, token)
		if err != nil {
			return nil, err
		}
		conn, _, err := wsDialer.DialContext(ctx, url, cfg.Header)
		if err != nil {
			return nil, fmt.Errorf("dial room %s: %w", room, err)
		}
		return newWSTransport(conn, onFrame, logger), nil
	}
}

type wsTransport struct {
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	onFrame func([]byte)
	logger  *slog.Logger

	closeOnce sync.Once
	stopped   chan struct{}
	mu        sync.RWMutex
	closed    bool
}

func newWSTransport(conn *websocket.Conn, onFrame func([]byte), logger *slog.Logger) *wsTransport {
	t := &wsTransport{
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		onFrame: onFrame,
		logger:  logger,
	}
	go t.writePump()
	go t.readPump()
	return t
}

func (t *wsTransport) Send(data []byte) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return ErrTransportClosed
	}
	select {
	case t.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close writes the frames already queued plus a close frame, and returns once
// the writer has stopped.
func (t *wsTransport) Close() error {
	t.shutdown()
	<-t.stopped
	return nil
}

func (t *wsTransport) shutdown() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		close(t.done)
	})
}

func (t *wsTransport) Done() <-chan struct{} {
	return t.done
}

func (t *wsTransport) readPump() {
	defer func() {
		t.shutdown()
		_ = t.conn.Close()
	}()

	_ = t.conn.SetReadDeadline(time.Now().Add(pongWait))
	t.conn.SetPongHandler(func(string) error {
		return t.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Debug("room socket closed", slog.Any("error", err))
			}
			return
		}
		t.onFrame(message)
	}
}

func (t *wsTransport) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = t.conn.Close()
		close(t.stopped)
	}()

	for {
		select {
		case <-t.done:
			t.drain()
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = t.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"))
			return

		case message := <-t.send:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				t.shutdown()
				return
			}

		case <-ticker.C:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				t.shutdown()
				return
			}
		}
	}
}

// drain writes whatever Send queued before the close.
func (t *wsTransport) drain() {
	for {
		select {
		case message := <-t.send:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}
