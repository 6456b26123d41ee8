package connection

import (
	"errors"
	"io"
	"time"

	"github.com/KevinMartinetti/network-mesh-messenger/internal/wire"
)

// readPump is the connection's single read task: it processes frames
// strictly sequentially, which is what grounds the per-sender FIFO
// guarantee in dispatch.Dispatcher.Broadcast (spec.md §5).
func (h *Handler) readPump() {
	for {
		env, err := h.reader.ReadEnvelope()
		if err != nil {
			h.handleReadError(err)
			return
		}

		now := time.Now()
		h.lastReadAt.Store(now.UnixNano())
		h.bytesRead.Add(int64(len(env.Data)) + 64)
		h.messagesIn.Add(1)

		if h.dispatchEnvelope(env) {
			return // handler requested termination (e.g. DISCONNECT, fatal error)
		}
	}
}

func (h *Handler) handleReadError(err error) {
	switch {
	case errors.Is(err, wire.ErrFrameTooLarge):
		h.log.Warn("oversize frame")
		h.sendError(wire.ErrInvalidMessage, "frame exceeds maximum size")
		h.Close(wire.ErrInvalidMessage)
	case errors.Is(err, wire.ErrMalformedEnvelope):
		h.log.Warn("malformed envelope", "error", err)
		h.sendError(wire.ErrInvalidMessage, "malformed envelope")
		h.Close(wire.ErrInvalidMessage)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		h.Close("EOF")
	default:
		h.log.Warn("read error", "error", err)
		h.Close("READ_ERROR")
	}
}

// writePump is the connection's single write task: it serializes every
// outgoing envelope — handshake responses, errors, heartbeats, and
// Dispatcher fan-out alike — through one socket writer, so one frame is
// always fully written before the next begins (spec.md §5).
func (h *Handler) writePump() {
	for {
		select {
		case <-h.ctx.Done():
			return
		case env, ok := <-h.outbox:
			if !ok {
				return
			}
			if err := h.writer.WriteEnvelope(env); err != nil {
				h.log.Warn("write error", "error", err)
				go h.Close("WRITE_ERROR")
				return
			}
			h.bytesWritten.Add(int64(len(env.Data)) + 64)
			h.messagesOut.Add(1)
		}
	}
}

// idleMonitor enforces the two per-connection inactivity timers, both
// driven solely by the time of the last *successful read* (spec.md
// §4.3, §9): writer-idle triggers a probing HEARTBEAT, reader-idle is
// fatal. Resetting only on reads — never on our own writes or on the
// heartbeat we send — is what makes the reader-idle check an honest
// liveness test of the peer.
func (h *Handler) idleMonitor() {
	interval := h.deps.Config.IdleCheckInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.checkIdle()
		}
	}
}

func (h *Handler) checkIdle() {
	lastRead := h.lastReadAt.Load()
	elapsed := time.Since(time.Unix(0, lastRead))

	if elapsed >= h.deps.Config.ReaderIdle {
		h.log.Info("reader idle timeout", "elapsed", elapsed)
		h.Close(wire.ErrReadTimeout)
		return
	}

	if elapsed >= h.deps.Config.WriterIdle {
		if h.heartbeatSentFor.Load() == lastRead {
			return // already probed this idle window
		}
		h.heartbeatSentFor.Store(lastRead)
		h.sendHeartbeat()
	}
}

func (h *Handler) sendHeartbeat() {
	env, err := wire.NewEnvelope(wire.TypeHeartbeat, "server", wire.HeartbeatData{}, time.Now().UnixMilli(), nil)
	if err != nil {
		h.log.Error("build heartbeat envelope", "error", err)
		return
	}
	h.send(env)
}
