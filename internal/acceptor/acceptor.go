// Package acceptor implements the top-level listener lifecycle of
// spec.md §4.6: bind, accept loop with a connection-count ceiling,
// monotonic connection ids, the idle-sweep and stats-tick background
// tasks, and graceful shutdown. It generalizes the teacher's
// main.go/controller.go HTTP listener (one http.Server, one upgrade
// handler per request) to a raw TCP accept loop that hands each socket
// to its own connection.Handler goroutine.
package acceptor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevinMartinetti/network-mesh-messenger/internal/connection"
	"github.com/KevinMartinetti/network-mesh-messenger/internal/dispatch"
	"github.com/KevinMartinetti/network-mesh-messenger/internal/meshcrypto"
	"github.com/KevinMartinetti/network-mesh-messenger/internal/metrics"
	"github.com/KevinMartinetti/network-mesh-messenger/internal/ratelimit"
	"github.com/KevinMartinetti/network-mesh-messenger/internal/store"
)

const (
	idleSweepInterval = 60 * time.Second
	statsTickInterval = 30 * time.Second
)

// Config is the subset of the operator config the Acceptor itself
// consumes; everything per-connection lives in connection.Config.
type Config struct {
	Host              string
	Port              int
	MaxConnections    int
	ConnectionTimeout time.Duration // basis for the idle-sweep backstop (2x)
	Connection        connection.Config
}

// Acceptor owns the listening socket and every Handler spawned from it.
type Acceptor struct {
	cfg  Config
	deps connection.Deps
	log  *slog.Logger

	listener net.Listener
	nextID   atomic.Uint64

	mu       sync.Mutex
	handlers map[string]*connection.Handler
	active   atomic.Int32

	wg       sync.WaitGroup
	shutdown chan struct{}
}

// Deps bundles everything the Acceptor must build or thread into each
// Handler it spawns.
type Deps struct {
	Crypto      *meshcrypto.Crypto
	Dispatcher  *dispatch.Dispatcher
	Users       store.UserStore
	Messages    store.MessageStore
	Metrics     metrics.Sink
	IPLimiter   *ratelimit.Limiter
	UserLimiter *ratelimit.Limiter
	Logger      *slog.Logger
}

// New builds an Acceptor; it does not bind until Run is called.
func New(cfg Config, deps Deps) *Acceptor {
	return &Acceptor{
		cfg: cfg,
		deps: connection.Deps{
			Crypto:      deps.Crypto,
			Dispatcher:  deps.Dispatcher,
			Users:       deps.Users,
			Messages:    deps.Messages,
			Metrics:     deps.Metrics,
			IPLimiter:   deps.IPLimiter,
			UserLimiter: deps.UserLimiter,
			Logger:      deps.Logger,
			Config:      cfg.Connection,
		},
		log:      deps.Logger,
		handlers: make(map[string]*connection.Handler),
		shutdown: make(chan struct{}),
	}
}

// ActiveConnections returns the number of handlers currently tracked.
func (a *Acceptor) ActiveConnections() int {
	return int(a.active.Load())
}

// Run binds the listening socket and accepts connections until ctx is
// canceled, at which point it performs the graceful shutdown sequence:
// stop accepting, close every tracked socket, wait (bounded by drain)
// for their handlers to finish. Run blocks until shutdown completes.
func (a *Acceptor) Run(ctx context.Context, drain time.Duration) error {
	addr := net.JoinHostPort(a.cfg.Host, strconv.Itoa(a.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	a.listener = ln
	a.log.Info("acceptor listening", "addr", addr, "maxConnections", a.cfg.MaxConnections)

	var bgWg sync.WaitGroup
	bgWg.Add(2)
	go func() { defer bgWg.Done(); a.idleSweepLoop(ctx) }()
	go func() { defer bgWg.Done(); a.statsTickLoop(ctx) }()

	acceptErrCh := make(chan error, 1)
	go func() { acceptErrCh <- a.acceptLoop() }()

	select {
	case <-ctx.Done():
	case err := <-acceptErrCh:
		if err != nil {
			a.log.Error("accept loop exited", "error", err)
		}
	}

	a.log.Info("acceptor shutting down")
	close(a.shutdown)
	_ = a.listener.Close()
	bgWg.Wait()

	a.closeAll("SERVER_SHUTDOWN")

	drained := a.waitDrain(drain)
	if !drained {
		a.log.Warn("shutdown drain timed out, handlers force-closed")
	}
	return nil
}

func (a *Acceptor) acceptLoop() error {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			select {
			case <-a.shutdown:
				return nil
			default:
				return err
			}
		}
		a.handleAccepted(conn)
	}
}

func (a *Acceptor) handleAccepted(conn net.Conn) {
	if a.cfg.MaxConnections > 0 && int(a.active.Load()) >= a.cfg.MaxConnections {
		a.rejectOverCapacity(conn)
		return
	}

	id := strconv.FormatUint(a.nextID.Add(1), 10)
	h := connection.New(id, conn, a.deps)

	a.mu.Lock()
	a.handlers[id] = h
	a.mu.Unlock()
	a.active.Add(1)
	a.deps.Metrics.ActiveConnections(int(a.active.Load()))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		h.Run()
		a.mu.Lock()
		delete(a.handlers, id)
		a.mu.Unlock()
		a.active.Add(-1)
		a.deps.Metrics.ActiveConnections(int(a.active.Load()))
	}()
}

// CloseConnection closes the tracked handler for id with reason, if it
// is still registered. Wired to the Dispatcher's slow-consumer callback
// so a recipient whose outbox saturates is actually terminated rather
// than merely logged (spec.md §4.4/§8).
func (a *Acceptor) CloseConnection(id, reason string) {
	a.mu.Lock()
	h := a.handlers[id]
	a.mu.Unlock()
	if h == nil {
		return
	}
	h.Close(reason)
}

// rejectOverCapacity sends the MAX_CONNECTIONS error on a throwaway
// connection.Handler and closes it immediately without registering it,
// so a rejected connection never counts against the active total or
// the idle sweep (spec.md §4.2).
func (a *Acceptor) rejectOverCapacity(conn net.Conn) {
	a.log.Warn("rejecting connection over capacity", "remote", conn.RemoteAddr())
	h := connection.New("rejected", conn, a.deps)
	h.RejectOverCapacity()
}

func (a *Acceptor) closeAll(reason string) {
	a.mu.Lock()
	targets := make([]*connection.Handler, 0, len(a.handlers))
	for _, h := range a.handlers {
		targets = append(targets, h)
	}
	a.mu.Unlock()

	for _, h := range targets {
		h.Close(reason)
	}
}

func (a *Acceptor) waitDrain(timeout time.Duration) bool {
	if timeout <= 0 {
		return true
	}
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// idleSweepLoop is a backstop behind each Handler's own idleMonitor: it
// periodically closes any connection whose last successful read is
// older than 2x the operator's configured connection timeout, in case
// a handler's own timer ever stalls (spec.md §4.6).
func (a *Acceptor) idleSweepLoop(ctx context.Context) {
	if a.cfg.ConnectionTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(idleSweepInterval)
	defer ticker.Stop()
	threshold := 2 * a.cfg.ConnectionTimeout

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.shutdown:
			return
		case <-ticker.C:
			a.sweepIdle(threshold)
		}
	}
}

func (a *Acceptor) sweepIdle(threshold time.Duration) {
	now := time.Now()
	a.mu.Lock()
	targets := make([]*connection.Handler, 0)
	for _, h := range a.handlers {
		if now.Sub(h.LastActivity()) > threshold {
			targets = append(targets, h)
		}
	}
	a.mu.Unlock()

	for _, h := range targets {
		a.log.Info("idle sweep closing connection", "connId", h.ID())
		h.Close("IDLE_SWEEP")
	}
}

func (a *Acceptor) statsTickLoop(ctx context.Context) {
	ticker := time.NewTicker(statsTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.shutdown:
			return
		case <-ticker.C:
			a.deps.Metrics.ActiveConnections(int(a.active.Load()))
		}
	}
}
