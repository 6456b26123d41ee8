package connection

import (
	"github.com/KevinMartinetti/network-mesh-messenger/internal/wire"
)

// dispatchEnvelope routes one decoded envelope according to the
// connection's current state (spec.md §4.3's per-state acceptance
// rules) and reports whether the read loop should stop.
func (h *Handler) dispatchEnvelope(env wire.Envelope) (terminate bool) {
	switch h.State() {
	case StateNew:
		return h.dispatchNew(env)
	case StateAuthenticated:
		return h.dispatchAuthenticated(env)
	default:
		return true
	}
}

func (h *Handler) dispatchNew(env wire.Envelope) bool {
	if env.Type != wire.TypeHandshake {
		h.sendError(wire.ErrNotAuthenticated, "handshake required before any other message")
		h.Close(wire.ErrNotAuthenticated)
		return true
	}
	h.handleHandshake(env)
	return h.State() == StateClosed
}

func (h *Handler) dispatchAuthenticated(env wire.Envelope) bool {
	switch env.Type {
	case wire.TypeEncryptedMessage:
		h.handleEncryptedMessage(env)
		return false
	case wire.TypeHeartbeat:
		h.sendHeartbeat()
		return false
	case wire.TypeDisconnect:
		h.Close("DISCONNECT")
		return true
	case wire.TypeHandshake:
		h.sendError(wire.ErrAlreadyAuthenticated, "connection is already authenticated")
		return false
	default:
		h.sendError(wire.ErrUnsupported, "message type not accepted in this state")
		return false
	}
}

