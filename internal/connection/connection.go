// Package connection implements the per-socket ConnectionHandler state
// machine of spec.md §4.3: NEW -> AUTHENTICATING -> AUTHENTICATED ->
// CLOSED, plus the read/write pump pair and idle/heartbeat timers that
// drive it. It generalizes the teacher's internal/hub.Client (one
// read pump, one write pump, a buffered outbox, an onClose callback)
// from a WebSocket frame to a raw TCP line-framed envelope, and adds
// the handshake and per-message crypto steps the teacher's Client
// never had to do itself (its key exchange lived in the HTTP handler).
package connection

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevinMartinetti/network-mesh-messenger/internal/dispatch"
	"github.com/KevinMartinetti/network-mesh-messenger/internal/meshcrypto"
	"github.com/KevinMartinetti/network-mesh-messenger/internal/metrics"
	"github.com/KevinMartinetti/network-mesh-messenger/internal/ratelimit"
	"github.com/KevinMartinetti/network-mesh-messenger/internal/store"
	"github.com/KevinMartinetti/network-mesh-messenger/internal/wire"
)

// State is a ConnectionHandler's position in the spec.md §4.3 state
// diagram.
type State int32

const (
	StateNew State = iota
	StateAuthenticating
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Config holds the per-handler policy knobs drawn from the operator
// config (spec.md §6.2).
type Config struct {
	WriterIdle        time.Duration // default 30s
	ReaderIdle        time.Duration // default 2*WriterIdle; must be > WriterIdle
	MaxMessageSize    int           // default wire.MaxFrameBytes
	ServerVersion     string
	IdleCheckInterval time.Duration // monitor tick resolution; default WriterIdle/6
}

// DefaultConfig returns the spec's stated defaults.
func DefaultConfig() Config {
	writerIdle := 30 * time.Second
	return Config{
		WriterIdle:        writerIdle,
		ReaderIdle:        2 * writerIdle,
		MaxMessageSize:    wire.MaxFrameBytes,
		ServerVersion:     "1.0.0",
		IdleCheckInterval: writerIdle / 6,
	}
}

// Deps are the collaborators a Handler needs, all injected so the
// state machine never constructs its own dependencies (mirrors how the
// teacher's Controller is handed a *hub.Hub rather than building one).
type Deps struct {
	Crypto      *meshcrypto.Crypto
	Dispatcher  *dispatch.Dispatcher
	Users       store.UserStore
	Messages    store.MessageStore
	Metrics     metrics.Sink
	IPLimiter   *ratelimit.Limiter
	UserLimiter *ratelimit.Limiter
	Logger      *slog.Logger
	Config      Config
}

// Handler owns one accepted socket from accept to close. Per-connection
// state (crypto keys, counters) is owned exclusively by this struct and
// its two pump goroutines; nothing outside reads it directly (spec.md
// §5).
type Handler struct {
	id         string
	remoteAddr string
	remoteIP   string

	conn   net.Conn
	reader *wire.Reader
	writer *wire.Writer
	outbox chan wire.Envelope

	deps Deps
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	state      atomic.Int32
	closeOnce  sync.Once
	closedCh   chan struct{}

	mu         sync.Mutex
	userID     string
	username   string
	sessionKey []byte

	lastReadAt       atomic.Int64 // unix nano
	heartbeatSentFor atomic.Int64 // lastReadAt value heartbeat was last sent for

	connectedAt time.Time

	bytesRead    atomic.Int64
	bytesWritten atomic.Int64
	messagesIn   atomic.Int64
	messagesOut  atomic.Int64
}

// New builds a Handler for an already-accepted conn. id is the
// server-assigned monotonic connectionId (spec.md §3); no two active
// connections share one.
func New(id string, conn net.Conn, deps Deps) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	remoteAddr := conn.RemoteAddr().String()
	remoteIP, _, _ := net.SplitHostPort(remoteAddr)
	if remoteIP == "" {
		remoteIP = remoteAddr
	}

	h := &Handler{
		id:          id,
		remoteAddr:  remoteAddr,
		remoteIP:    remoteIP,
		conn:        conn,
		reader:      wire.NewReader(conn),
		writer:      wire.NewWriter(conn),
		outbox:      make(chan wire.Envelope, dispatch.OutboxCapacity),
		deps:        deps,
		log:         deps.Logger.With("connId", id, "remote", remoteAddr),
		ctx:         ctx,
		cancel:      cancel,
		closedCh:    make(chan struct{}),
		connectedAt: time.Now(),
	}
	h.state.Store(int32(StateNew))
	h.lastReadAt.Store(h.connectedAt.UnixNano())
	return h
}

// ID returns the connection's server-assigned id.
func (h *Handler) ID() string { return h.id }

// State returns the handler's current state.
func (h *Handler) State() State { return State(h.state.Load()) }

// UserID returns the bound userId, if any (empty before authentication).
func (h *Handler) UserID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.userID
}

// LastActivity returns the time of the last successful read, consulted
// by the Acceptor's periodic idle sweep (spec.md §4.6) as a backstop
// behind this handler's own idleMonitor.
func (h *Handler) LastActivity() time.Time {
	return time.Unix(0, h.lastReadAt.Load())
}

// ConnectedAt returns when the socket was accepted.
func (h *Handler) ConnectedAt() time.Time { return h.connectedAt }

// Stats returns the connection's byte/message counters.
func (h *Handler) Stats() (bytesRead, bytesWritten, messagesIn, messagesOut int64) {
	return h.bytesRead.Load(), h.bytesWritten.Load(), h.messagesIn.Load(), h.messagesOut.Load()
}

// RejectOverCapacity sends a single MAX_CONNECTIONS error frame and
// closes the socket directly, bypassing Run entirely so a rejected
// connection is never registered with the Dispatcher or counted toward
// Metrics.ActiveConnections (spec.md §4.2).
func (h *Handler) RejectOverCapacity() {
	payload := wire.ErrorData{Code: wire.ErrMaxConnections, Message: "server is at capacity"}
	env, err := wire.NewEnvelope(wire.TypeError, "server", payload, time.Now().UnixMilli(), nil)
	if err == nil {
		_ = h.writer.WriteEnvelope(env)
	}
	_ = h.conn.Close()
	h.cancel()
	close(h.closedCh)
}

// Run drives the connection to completion: it starts the write pump and
// idle monitor, then reads frames until the connection closes for any
// reason. Run blocks until the connection is fully torn down.
func (h *Handler) Run() {
	h.deps.Metrics.ConnectionOpened()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); h.writePump() }()
	go func() { defer wg.Done(); h.idleMonitor() }()

	h.readPump()

	wg.Wait()
}

// Close requests the handler's terminal sequence with reason, exactly
// once. Safe to call from any goroutine (read pump, write pump, idle
// monitor, or the Acceptor during shutdown).
func (h *Handler) Close(reason string) {
	h.closeOnce.Do(func() {
		h.runCloseSequence(reason)
	})
}

// Done reports when the handler has fully torn down.
func (h *Handler) Done() <-chan struct{} { return h.closedCh }

func (h *Handler) runCloseSequence(reason string) {
	wasAuthenticated := h.State() == StateAuthenticated
	h.state.Store(int32(StateClosed))

	h.cancel()
	_ = h.conn.Close()

	h.deps.Dispatcher.Unregister(h.id)

	h.mu.Lock()
	userID := h.userID
	username := h.username
	h.sessionKey = nil
	h.mu.Unlock()

	h.deps.Crypto.ForgetPeer(h.id)

	if userID != "" {
		if err := h.deps.Users.SetOfflineIfCurrent(context.Background(), userID, h.id, time.Now().UnixMilli()); err != nil {
			h.log.Error("mark user offline", "userId", userID, "error", err)
		}
	}

	if wasAuthenticated && username != "" {
		h.announceSystem(username + " left the chat")
	}

	h.deps.Metrics.ConnectionClosed(reason)
	h.log.Info("connection closed", "reason", reason, "wasAuthenticated", wasAuthenticated)
	close(h.closedCh)
}

// send enqueues env on this connection's own outbox, the single path
// every outgoing frame takes (handshake responses, errors, heartbeats,
// and, once authenticated, the Dispatcher's fan-out all share it), so
// the write pump is the only goroutine that ever touches the socket for
// writes. A full outbox is a slow consumer: the connection is closed,
// other connections are unaffected.
func (h *Handler) send(env wire.Envelope) {
	select {
	case h.outbox <- env:
	default:
		h.log.Warn("outbox full, closing as slow consumer")
		go h.Close(wire.ErrSlowConsumer)
	}
}

func (h *Handler) sendError(code, message string) {
	payload := wire.ErrorData{Code: code, Message: message}
	env, err := wire.NewEnvelope(wire.TypeError, "server", payload, time.Now().UnixMilli(), nil)
	if err != nil {
		h.log.Error("build error envelope", "error", err)
		return
	}
	h.send(env)
}
