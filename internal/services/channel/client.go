package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"collab-sync/internal/models"
	"collab-sync/internal/party"
	"collab-sync/internal/telemetry"

	"github.com/gorilla/websocket"
)

/*
RESILIENT CHANNEL CLIENT

One client per side-channel room. It owns a single socket and reconnects on
its own until it is told to stop or the server ends it for good.

  Connect → Connecting ──dial ok──→ Open ──close──┬─ terminal → ClosedTerminal
               ↑                                  └─ other    → ClosedRetryable
               └──────── timer(backoff(attempt)) ─────────────────────┘
  Disconnect (any state) → Stopped

Every connect attempt gets a generation number. Disconnect bumps it, so a
dial that finishes late or a read loop that exits late sees a stale
generation and does nothing.
*/

// State of a channel client.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosedTerminal
	StateClosedRetryable
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosedTerminal:
		return "closed_terminal"
	case StateClosedRetryable:
		return "closed_retryable"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// CloseEvent describes why a socket closed.
type CloseEvent struct {
	Code   int
	Reason string
	// Terminal closes are never retried.
	Terminal bool
	// Local closes come from Disconnect.
	Local bool
}

// Close codes used by the client itself.
const (
	CloseNormal   = websocket.CloseNormalClosure
	CloseAbnormal = websocket.CloseAbnormalClosure

	disconnectReason = "client disconnect"
)

// Handlers receive client events. Any of them may be nil.
type Handlers[M any] struct {
	OnOpen  func()
	OnEvent func(M)
	OnError func(error)
	OnClose func(CloseEvent)
}

// Socket is an open connection as seen by the client.
type Socket interface {
	// ReadMessage blocks for the next message. A close is reported as a
	// *websocket.CloseError.
	ReadMessage() ([]byte, error)
	Close(code int, reason string) error
}

// Dialer opens sockets.
type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

// Timer is a pending AfterFunc.
type Timer interface {
	Stop() bool
}

// Clock schedules reconnects.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Config is shared by every client of a process.
type Config struct {
	BaseURL   string
	Party     string
	Token     party.TokenProvider
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// DialTimeout bounds token fetch plus dial. Zero means 15s.
	DialTimeout time.Duration

	Dialer Dialer
	Clock  Clock
	Logger *slog.Logger
}

// Client is a resilient connection to one room, delivering parsed messages
// of type M.
type Client[M any] struct {
	room     string
	label    string
	cfg      Config
	parse    func([]byte) (M, bool)
	terminal func(code int, reason string) bool
	handlers Handlers[M]
	logger   *slog.Logger

	mu      sync.Mutex
	state   State
	started bool
	stopped bool
	attempt int
	gen     uint64
	sock    Socket
	timer   Timer
}

// New creates a client for room. parse turns a raw message into M and
// reports false for anything malformed; terminal decides which closes end
// the client.
func New[M any](room string, cfg Config, parse func([]byte) (M, bool), terminal func(int, string) bool, h Handlers[M]) *Client[M] {
	if cfg.Party == "" {
		cfg.Party = party.DefaultParty
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = party.DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = party.DefaultMaxDelay
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = WebSocketDialer{}
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if terminal == nil {
		terminal = IsTerminalClose
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	label := room
	if name, err := models.ParseRoomName(room); err == nil {
		label = string(name.Channel)
	}

	return &Client[M]{
		room:     room,
		label:    label,
		cfg:      cfg,
		parse:    parse,
		terminal: terminal,
		handlers: h,
		logger:   logger.With(slog.String("component", "channel_client"), slog.String("room", room)),
	}
}

// NewCollaboratorClient subscribes to the sharing channel of a map.
func NewCollaboratorClient(mapID string, cfg Config, h Handlers[CollaboratorMessage]) *Client[CollaboratorMessage] {
	room := models.MapRoom(mapID, models.ChannelSharing).String()
	return New(room, cfg, ParseCollaboratorMessage, IsTerminalClose, h)
}

// NewPermissionClient subscribes to the permissions channel of a map.
func NewPermissionClient(mapID string, cfg Config, h Handlers[PermissionMessage]) *Client[PermissionMessage] {
	room := models.MapRoom(mapID, models.ChannelPermissions).String()
	return New(room, cfg, ParsePermissionMessage, IsTerminalClose, h)
}

// Room returns the room name the client is bound to.
func (c *Client[M]) Room() string {
	return c.room
}

// State returns the current state.
func (c *Client[M]) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempt returns the number of reconnects since the last successful open.
func (c *Client[M]) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// Connect starts the client. Calling it again, or after Disconnect, does
// nothing.
func (c *Client[M]) Connect() {
	c.mu.Lock()
	if c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.state = StateConnecting
	c.mu.Unlock()

	go c.connect()
}

// Disconnect stops the client for good. It is safe to call more than once
// and from any goroutine, including handlers.
func (c *Client[M]) Disconnect() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.gen++
	dialing := c.state == StateConnecting
	c.state = StateStopped
	timer := c.timer
	c.timer = nil
	sock := c.sock
	c.sock = nil
	c.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if sock != nil {
		if err := sock.Close(CloseNormal, disconnectReason); err != nil {
			c.logger.Debug("close on disconnect", slog.Any("error", err))
		}
	}
	// Nothing was open or pending: a client that never connected, or one
	// already closed for good, reports no close.
	if sock == nil && timer == nil && !dialing {
		return
	}
	c.emitClose(CloseEvent{Code: CloseNormal, Reason: disconnectReason, Local: true})
}

func (c *Client[M]) connect() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.gen++
	gen := c.gen
	c.state = StateConnecting
	c.timer = nil
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	defer cancel()

	token := ""
	if c.cfg.Token != nil {
		t, err := c.cfg.Token(ctx)
		if err != nil {
			c.logger.Debug("token unavailable, connecting without one", slog.Any("error", err))
		} else {
			token = t
		}
	}

	url, err := party.BuildURL(c.cfg.BaseURL, c.cfg.Party, c.room, token)
	if err != nil {
		c.emitError(err)
		c.closed(gen, CloseAbnormal, err.Error())
		return
	}

	sock, err := c.cfg.Dialer.Dial(ctx, url)
	if err != nil {
		c.emitError(err)
		c.closed(gen, CloseAbnormal, err.Error())
		return
	}

	c.mu.Lock()
	if c.stopped || c.gen != gen {
		c.mu.Unlock()
		_ = sock.Close(CloseNormal, disconnectReason)
		return
	}
	c.sock = sock
	c.state = StateOpen
	c.attempt = 0
	c.mu.Unlock()

	c.logger.Debug("channel open")
	if c.handlers.OnOpen != nil {
		c.safeCall(c.handlers.OnOpen)
	}
	go c.readLoop(gen, sock)
}

func (c *Client[M]) readLoop(gen uint64, sock Socket) {
	for {
		data, err := sock.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				c.closed(gen, closeErr.Code, closeErr.Text)
				return
			}
			if c.current(gen) {
				c.emitError(err)
			}
			c.closed(gen, CloseAbnormal, err.Error())
			return
		}

		msg, ok := c.parse(data)
		if !ok {
			c.logger.Debug("dropping malformed message", slog.Int("size", len(data)))
			continue
		}
		if !c.current(gen) {
			return
		}
		if c.handlers.OnEvent != nil {
			c.safeCall(func() { c.handlers.OnEvent(msg) })
		}
	}
}

func (c *Client[M]) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.stopped && c.gen == gen
}

// closed handles the end of connection attempt gen: terminal closes stop,
// everything else schedules the next attempt.
func (c *Client[M]) closed(gen uint64, code int, reason string) {
	c.mu.Lock()
	if c.stopped || c.gen != gen {
		c.mu.Unlock()
		return
	}
	if s := c.sock; s != nil {
		c.sock = nil
		defer func() { _ = s.Close(CloseNormal, "") }()
	}

	if c.terminal(code, reason) {
		c.state = StateClosedTerminal
		c.mu.Unlock()

		telemetry.ChannelTerminalCloses.WithLabelValues(reason).Inc()
		c.logger.Info("channel closed for good", slog.Int("code", code), slog.String("reason", reason))
		c.emitClose(CloseEvent{Code: code, Reason: reason, Terminal: true})
		return
	}

	c.state = StateClosedRetryable
	c.attempt++
	delay := party.ReconnectDelay(c.attempt, c.cfg.BaseDelay, c.cfg.MaxDelay)
	c.timer = c.cfg.Clock.AfterFunc(delay, c.reconnect)
	attempt := c.attempt
	c.mu.Unlock()

	telemetry.ChannelReconnects.WithLabelValues(c.label).Inc()
	c.logger.Debug("channel closed, reconnecting",
		slog.Int("code", code),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
	)
	c.emitClose(CloseEvent{Code: code, Reason: reason})
}

func (c *Client[M]) reconnect() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.connect()
}

func (c *Client[M]) emitError(err error) {
	if c.handlers.OnError != nil {
		c.safeCall(func() { c.handlers.OnError(err) })
	}
}

func (c *Client[M]) emitClose(ev CloseEvent) {
	if c.handlers.OnClose != nil {
		c.safeCall(func() { c.handlers.OnClose(ev) })
	}
}

func (c *Client[M]) safeCall(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("channel handler panicked", slog.String("panic", fmt.Sprint(rec)))
		}
	}()
	fn()
}

// WebSocketDialer dials with gorilla/websocket.
type WebSocketDialer struct {
	Dialer *websocket.Dialer
	// ReadTimeout closes a socket that has seen neither data nor a ping for
	// this long. Zero means 70s.
	ReadTimeout time.Duration
}

func (d WebSocketDialer) Dial(ctx context.Context, url string) (Socket, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	timeout := d.ReadTimeout
	if timeout <= 0 {
		timeout = 70 * time.Second
	}
	s := &wsSocket{conn: conn, timeout: timeout}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})
	return s, nil
}

type wsSocket struct {
	conn    *websocket.Conn
	timeout time.Duration
}

func (s *wsSocket) ReadMessage() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	if err == nil {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.timeout))
	}
	return data, err
}

func (s *wsSocket) Close(code int, reason string) error {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	return s.conn.Close()
}
