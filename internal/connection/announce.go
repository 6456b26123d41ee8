package connection

import (
	"context"
	"time"

	"github.com/KevinMartinetti/network-mesh-messenger/internal/dispatch"
	"github.com/KevinMartinetti/network-mesh-messenger/internal/store"
)

// announceSystem persists and broadcasts a server-originated SYSTEM
// notice (join/leave), per spec.md §4.3 and SPEC_FULL.md's decision to
// persist SYSTEM messages. Server notices carry senderId:"system" and
// are signed with the server's own key, never a peer's (spec.md §4.4).
func (h *Handler) announceSystem(content string) {
	now := time.Now()
	msgID := newID()

	record := store.Message{
		ID:          msgID,
		Content:     content,
		SenderID:    "system",
		SenderName:  "System",
		Timestamp:   now.UnixMilli(),
		Type:        store.MessageSystem,
		IsEncrypted: true,
	}
	if err := h.deps.Messages.Append(context.Background(), record); err != nil {
		h.log.Error("persist system notice", "error", err)
		return
	}

	h.deps.Dispatcher.Broadcast(dispatch.BroadcastMessage{
		SenderID:      "system",
		SenderName:    "System",
		Plaintext:     []byte(content),
		MessageType:   string(store.MessageSystem),
		MessageID:     msgID,
		TimestampMs:   now.UnixMilli(),
		ExcludeConnID: h.id,
	})
}
