package connection

import (
	"context"
	"time"

	"github.com/KevinMartinetti/network-mesh-messenger/internal/dispatch"
	"github.com/KevinMartinetti/network-mesh-messenger/internal/meshcrypto"
	"github.com/KevinMartinetti/network-mesh-messenger/internal/store"
	"github.com/KevinMartinetti/network-mesh-messenger/internal/wire"
)

// handleEncryptedMessage implements spec.md §4.3's encrypted-message
// processing: rate-limit, decrypt, verify against the sender's
// *registered* key, persist, then fan out. A failure at any step short
// of persistence sends the prescribed ERROR and never reaches the
// Dispatcher — in particular, a bad signature is silently dropped from
// every other peer's perspective (spec.md §7).
func (h *Handler) handleEncryptedMessage(env wire.Envelope) {
	start := time.Now()

	h.mu.Lock()
	userID := h.userID
	username := h.username
	sessionKey := h.sessionKey
	h.mu.Unlock()

	if !h.deps.UserLimiter.TryConsume("user:" + userID) {
		h.deps.Metrics.RateLimited("user")
		h.sendError(wire.ErrRateLimited, "too many messages")
		return
	}

	var payload wire.EncryptedMessageData
	if err := env.DecodePayload(&payload); err != nil {
		h.deps.Metrics.MessageRejected("malformed")
		h.sendError(wire.ErrMessageFailed, "malformed message payload")
		return
	}

	plaintext, err := meshcrypto.DecryptMessage(payload.EncryptedContent, payload.IV, sessionKey)
	if err != nil {
		h.deps.Metrics.MessageRejected("bad_tag")
		h.sendError(wire.ErrMessageFailed, "failed to decrypt message")
		return
	}

	ok, err := h.deps.Crypto.VerifyAgainstRegistered(h.id, plaintext, payload.Signature)
	if err != nil || !ok {
		h.deps.Metrics.MessageRejected("bad_signature")
		h.sendError(wire.ErrInvalidSignature, "signature does not verify against registered key")
		return
	}

	messageID := payload.MessageID
	if messageID == "" {
		messageID = newID()
	}

	record := store.Message{
		ID:          messageID,
		Content:     string(plaintext),
		SenderID:    userID,
		SenderName:  username,
		Timestamp:   clampTimestamp(payload.Timestamp),
		Type:        store.MessageType(payload.MessageType),
		IsEncrypted: true,
	}
	if err := h.deps.Messages.Append(context.Background(), record); err != nil {
		h.log.Error("append message", "error", err)
		h.deps.Metrics.MessageRejected("store_error")
		h.sendError(wire.ErrMessageFailed, "failed to persist message")
		return
	}

	h.deps.Dispatcher.Broadcast(dispatch.BroadcastMessage{
		SenderID:      userID,
		SenderName:    username,
		Plaintext:     plaintext,
		MessageType:   payload.MessageType,
		MessageID:     messageID,
		TimestampMs:   record.Timestamp,
		ExcludeConnID: h.id,
	})

	h.deps.Metrics.MessageLatency(time.Since(start).Seconds())
}

// clampTimestamp rejects sender-supplied timestamps far enough in the
// future or past to be clearly wrong, substituting the server's own
// clock (spec.md §3: "timestamp ... server may clamp").
func clampTimestamp(clientMs int64) int64 {
	now := time.Now().UnixMilli()
	const slack = int64(5 * 60 * 1000) // 5 minutes
	if clientMs <= 0 || clientMs > now+slack || clientMs < now-24*60*60*1000 {
		return now
	}
	return clientMs
}
