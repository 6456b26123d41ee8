// Package dispatch implements the Dispatcher described in spec.md
// §4.4: the registry of authenticated connections and the fan-out of
// chat messages, each re-encrypted under its recipient's session key
// and signed once with the server's key. It is the generalization of
// the teacher's internal/hub package (register/unregister channels,
// per-client bounded outbox, snapshot-then-iterate broadcast) from "one
// recipient key per socket, no re-encryption" to "re-encrypt per
// recipient."
package dispatch

import (
	"log/slog"
	"sync"

	"github.com/KevinMartinetti/network-mesh-messenger/internal/meshcrypto"
	"github.com/KevinMartinetti/network-mesh-messenger/internal/metrics"
	"github.com/KevinMartinetti/network-mesh-messenger/internal/wire"
)

// OutboxCapacity is the recommended bound on a connection's outbound
// queue (spec.md §4.4 back-pressure).
const OutboxCapacity = 256

// Recipient is everything the Dispatcher needs to re-encrypt a message
// for, and deliver it to, one authenticated connection. The connection
// owns Outbox's read side (its write pump); the Dispatcher only ever
// sends on it.
type Recipient struct {
	ConnID     string
	UserID     string
	Username   string
	SessionKey []byte
	Outbox     chan wire.Envelope
}

// NewRecipient allocates a Recipient with a freshly sized Outbox.
func NewRecipient(connID, userID, username string, sessionKey []byte) *Recipient {
	return NewRecipientWithOutbox(connID, userID, username, sessionKey, make(chan wire.Envelope, OutboxCapacity))
}

// NewRecipientWithOutbox builds a Recipient around an outbox the caller
// already owns — the connection's single write pump reads from the same
// channel the Dispatcher enqueues to, so every outgoing frame for that
// connection, whatever produced it, is serialized through one writer.
func NewRecipientWithOutbox(connID, userID, username string, sessionKey []byte, outbox chan wire.Envelope) *Recipient {
	return &Recipient{
		ConnID:     connID,
		UserID:     userID,
		Username:   username,
		SessionKey: sessionKey,
		Outbox:     outbox,
	}
}

// SlowConsumerFunc is invoked, outside the Dispatcher's lock, when a
// recipient's Outbox is full. The connection identified by connID must
// be closed with reason SLOW_CONSUMER; other recipients are unaffected
// (spec.md §4.4).
type SlowConsumerFunc func(connID string)

// BroadcastMessage is one fan-out request.
type BroadcastMessage struct {
	SenderID      string
	SenderName    string
	Plaintext     []byte
	MessageType   string
	MessageID     string
	TimestampMs   int64
	ExcludeConnID string
}

// Dispatcher is the single registry of authenticated connections.
// Registration is the only writer path; Broadcast and Snapshot are the
// readers. A single RWMutex is sufficient here — membership changes are
// rare (one per handshake/disconnect) compared to broadcasts, so readers
// dominate and a sharded map would add complexity without a measurable
// win (spec.md §9 calls out avoiding one global lock *on the hot
// broadcast path*; the lock below only ever guards the map itself, not
// the per-recipient encrypt/enqueue work, which happens after release).
type Dispatcher struct {
	crypto  *meshcrypto.Crypto
	metrics metrics.Sink
	logger  *slog.Logger

	mu             sync.RWMutex
	members        map[string]*Recipient
	onSlowConsumer SlowConsumerFunc
}

// New builds a Dispatcher. crypto is used to sign every broadcast
// plaintext once with the server's identity key.
func New(crypto *meshcrypto.Crypto, sink metrics.Sink, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		crypto:  crypto,
		metrics: sink,
		logger:  logger,
		members: make(map[string]*Recipient),
	}
}

// OnSlowConsumer registers the callback used to close a connection that
// can't keep up with its own outbox.
func (d *Dispatcher) OnSlowConsumer(fn SlowConsumerFunc) {
	d.mu.Lock()
	d.onSlowConsumer = fn
	d.mu.Unlock()
}

// Register adds r to the membership. O(1).
func (d *Dispatcher) Register(r *Recipient) {
	d.mu.Lock()
	d.members[r.ConnID] = r
	d.mu.Unlock()
}

// Unregister removes connID from the membership. O(1). It does not
// close r.Outbox: the connection's own write pump owns that channel's
// lifetime and stops reading it when it exits, so no further send can
// observe a closed channel.
func (d *Dispatcher) Unregister(connID string) {
	d.mu.Lock()
	delete(d.members, connID)
	d.mu.Unlock()
}

// Count returns the number of currently registered (authenticated)
// connections.
func (d *Dispatcher) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.members)
}

// snapshot takes a stable, point-in-time copy of the membership. Every
// Broadcast call iterates a snapshot rather than the live map, so a
// concurrent Register or Unregister either fully precedes or fully
// follows the fan-out it races with, never splitting it (spec.md §5).
func (d *Dispatcher) snapshot() []*Recipient {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Recipient, 0, len(d.members))
	for _, r := range d.members {
		out = append(out, r)
	}
	return out
}

// Broadcast re-encrypts msg.Plaintext under every recipient's own
// session key (except ExcludeConnID), signs the plaintext once with the
// server's key, and enqueues the resulting ENCRYPTED_MESSAGE envelope
// on each recipient's Outbox. A recipient whose Outbox is full is
// reported via the slow-consumer callback and otherwise skipped;
// Broadcast itself never blocks.
//
// Because the caller (one connection's read loop) invokes Broadcast
// synchronously and sequentially for messages from the same sender,
// and each recipient's Outbox enqueue for message N completes before
// Broadcast returns and message N+1's Broadcast call begins, per-sender
// FIFO to every recipient falls out of this ordering without any extra
// sequencing state (spec.md §8).
func (d *Dispatcher) Broadcast(msg BroadcastMessage) {
	signature, err := d.crypto.Sign(msg.Plaintext)
	if err != nil {
		d.logger.Error("sign broadcast payload", "error", err)
		return
	}
	serverPub, err := d.crypto.ServerPublicKeyBase64()
	if err != nil {
		d.logger.Error("encode server public key", "error", err)
		return
	}

	recipients := d.snapshot()
	for _, r := range recipients {
		if r.ConnID == msg.ExcludeConnID {
			continue
		}
		d.deliverTo(r, msg, signature, serverPub)
	}
	d.metrics.MessageBroadcast()
}

func (d *Dispatcher) deliverTo(r *Recipient, msg BroadcastMessage, signature, serverPub string) {
	ciphertext, iv, err := meshcrypto.EncryptMessage(msg.Plaintext, r.SessionKey)
	if err != nil {
		d.logger.Error("encrypt for recipient", "connId", r.ConnID, "error", err)
		return
	}

	payload := wire.EncryptedMessageData{
		MessageID:        msg.MessageID,
		EncryptedContent: ciphertext,
		IV:               iv,
		Signature:        signature,
		SenderPublicKey:  serverPub,
		SenderName:       msg.SenderName,
		Timestamp:        msg.TimestampMs,
		MessageType:      msg.MessageType,
	}
	messageID := msg.MessageID
	env, err := wire.NewEnvelope(wire.TypeEncryptedMessage, msg.SenderID, payload, msg.TimestampMs, &messageID)
	if err != nil {
		d.logger.Error("build envelope", "connId", r.ConnID, "error", err)
		return
	}

	select {
	case r.Outbox <- env:
	default:
		d.logger.Warn("slow consumer", "connId", r.ConnID)
		d.mu.RLock()
		fn := d.onSlowConsumer
		d.mu.RUnlock()
		if fn != nil {
			fn(r.ConnID)
		}
	}
}
