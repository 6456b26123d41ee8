package connection

import (
	"context"
	"time"

	"github.com/KevinMartinetti/network-mesh-messenger/internal/dispatch"
	"github.com/KevinMartinetti/network-mesh-messenger/internal/meshcrypto"
	"github.com/KevinMartinetti/network-mesh-messenger/internal/store"
	"github.com/KevinMartinetti/network-mesh-messenger/internal/wire"
)

// handleHandshake implements spec.md §4.3's eight-step handshake. Each
// failure path sends the prescribed ERROR code and closes; success
// transitions the connection to AUTHENTICATED and leaves it registered
// with the Dispatcher, the roster, and the peer key table.
func (h *Handler) handleHandshake(env wire.Envelope) {
	h.state.Store(int32(StateAuthenticating))

	// Step 1: rate-limit on source IP.
	if !h.deps.IPLimiter.TryConsume("ip:" + h.remoteIP) {
		h.deps.Metrics.RateLimited("ip")
		h.sendError(wire.ErrRateLimited, "too many handshake attempts from this address")
		h.Close(wire.ErrRateLimited)
		return
	}

	var payload wire.HandshakeData
	if err := env.DecodePayload(&payload); err != nil || payload.UserID == "" || payload.Username == "" {
		h.deps.Metrics.HandshakeFailed("malformed")
		h.sendError(wire.ErrHandshakeFailed, "malformed handshake payload")
		h.Close(wire.ErrHandshakeFailed)
		return
	}

	// Step 2: parse and register the peer's public key.
	if err := h.deps.Crypto.RegisterPeerKey(h.id, payload.PublicKey); err != nil {
		h.log.Warn("bad peer key", "error", err)
		h.deps.Metrics.HandshakeFailed("bad_key")
		h.sendError(wire.ErrHandshakeFailed, "invalid public key")
		h.Close(wire.ErrHandshakeFailed)
		return
	}
	peerPub, _ := h.deps.Crypto.PeerKey(h.id)

	// Step 3: allocate and wrap a session key.
	sessionKey, err := meshcrypto.NewSessionKey()
	if err != nil {
		h.deps.Metrics.HandshakeFailed("session_key")
		h.sendError(wire.ErrHandshakeFailed, "failed to establish session key")
		h.Close(wire.ErrHandshakeFailed)
		return
	}
	wrapped, err := meshcrypto.WrapSessionKey(sessionKey, peerPub)
	if err != nil {
		h.deps.Metrics.HandshakeFailed("wrap_key")
		h.sendError(wire.ErrHandshakeFailed, "failed to wrap session key")
		h.Close(wire.ErrHandshakeFailed)
		return
	}

	// Step 4: upsert the roster entry (latest handshake wins; spec.md §3 invariant 3).
	now := time.Now()
	if err := h.deps.Users.Upsert(context.Background(), store.User{
		ID:           payload.UserID,
		Username:     payload.Username,
		PublicKey:    payload.PublicKey,
		IsOnline:     true,
		LastSeen:     now.UnixMilli(),
		ConnectionID: h.id,
		IPAddress:    h.remoteIP,
	}); err != nil {
		h.log.Error("upsert user", "error", err)
		h.deps.Metrics.HandshakeFailed("store")
		h.sendError(wire.ErrHandshakeFailed, "failed to register user")
		h.Close(wire.ErrHandshakeFailed)
		return
	}

	serverPub, err := h.deps.Crypto.ServerPublicKeyBase64()
	if err != nil {
		h.deps.Metrics.HandshakeFailed("server_key")
		h.sendError(wire.ErrHandshakeFailed, "server key unavailable")
		h.Close(wire.ErrHandshakeFailed)
		return
	}

	// Step 5: send HANDSHAKE_RESPONSE.
	respPayload := wire.HandshakeResponseData{
		ServerUserID:        "server",
		Username:            "MeshServer",
		PublicKey:           serverPub,
		EncryptedSessionKey: wrapped,
		ServerVersion:       h.deps.Config.ServerVersion,
		MaxMessageSize:      h.deps.Config.MaxMessageSize,
	}
	respEnv, err := wire.NewEnvelope(wire.TypeHandshakeResponse, "server", respPayload, now.UnixMilli(), nil)
	if err != nil {
		h.log.Error("build handshake response", "error", err)
		h.Close(wire.ErrHandshakeFailed)
		return
	}
	h.send(respEnv)

	// Step 6: enter AUTHENTICATED.
	h.mu.Lock()
	h.userID = payload.UserID
	h.username = payload.Username
	h.sessionKey = sessionKey
	h.mu.Unlock()
	h.state.Store(int32(StateAuthenticated))

	h.deps.Dispatcher.Register(dispatch.NewRecipientWithOutbox(h.id, payload.UserID, payload.Username, sessionKey, h.outbox))
	h.deps.Metrics.HandshakeSucceeded()
	h.log.Info("handshake complete", "userId", payload.UserID, "username", payload.Username)

	// Step 7: broadcast a join system notice.
	h.announceSystem(payload.Username + " joined the chat")

	// Step 8: send a USER_LIST snapshot to this connection only.
	h.sendUserList()
}

func (h *Handler) sendUserList() {
	users, err := h.deps.Users.ListOnline(context.Background())
	if err != nil {
		h.log.Error("list online users", "error", err)
		return
	}
	total, online, err := h.deps.Users.Counts(context.Background())
	if err != nil {
		h.log.Error("count users", "error", err)
	}

	wireUsers := make([]wire.User, 0, len(users))
	for _, u := range users {
		wireUsers = append(wireUsers, wire.User{
			ID:        u.ID,
			Username:  u.Username,
			PublicKey: u.PublicKey,
			IsOnline:  u.IsOnline,
			LastSeen:  u.LastSeen,
		})
	}

	payload := wire.UserListData{
		Users:       wireUsers,
		TotalUsers:  total,
		OnlineUsers: online,
	}
	env, err := wire.NewEnvelope(wire.TypeUserList, "server", payload, time.Now().UnixMilli(), nil)
	if err != nil {
		h.log.Error("build user list envelope", "error", err)
		return
	}
	h.send(env)
}
