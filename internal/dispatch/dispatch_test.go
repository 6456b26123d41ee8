package dispatch

import (
	"crypto/rand"
	"crypto/rsa"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevinMartinetti/network-mesh-messenger/internal/meshcrypto"
	"github.com/KevinMartinetti/network-mesh-messenger/internal/metrics"
	"github.com/KevinMartinetti/network-mesh-messenger/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCrypto(t *testing.T) *meshcrypto.Crypto {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return meshcrypto.NewFromKey(key)
}

func newTestRecipient(connID string) *Recipient {
	sessionKey := make([]byte, 32)
	return NewRecipient(connID, "user-"+connID, "name-"+connID, sessionKey)
}

func TestBroadcastExcludesSenderAndDeliversToOthers(t *testing.T) {
	d := New(testCrypto(t), metrics.Noop{}, testLogger())

	a := newTestRecipient("a")
	b := newTestRecipient("b")
	d.Register(a)
	d.Register(b)

	d.Broadcast(BroadcastMessage{
		SenderID:      "user-a",
		SenderName:    "name-a",
		Plaintext:     []byte("hi"),
		MessageType:   "text",
		MessageID:     "m1",
		ExcludeConnID: "a",
	})

	select {
	case <-a.Outbox:
		t.Fatal("sender should not receive its own broadcast")
	default:
	}

	select {
	case env := <-b.Outbox:
		assert.Equal(t, wire.TypeEncryptedMessage, env.Type)
	default:
		t.Fatal("expected recipient b to receive the broadcast")
	}
}

func TestBroadcastPreservesPerSenderFIFO(t *testing.T) {
	d := New(testCrypto(t), metrics.Noop{}, testLogger())
	recipient := newTestRecipient("b")
	d.Register(recipient)

	for i := 0; i < 5; i++ {
		d.Broadcast(BroadcastMessage{
			SenderID:    "user-a",
			SenderName:  "name-a",
			Plaintext:   []byte{byte(i)},
			MessageType: "text",
			MessageID:   string(rune('0' + i)),
		})
	}

	for i := 0; i < 5; i++ {
		env := <-recipient.Outbox
		var payload wire.EncryptedMessageData
		require.NoError(t, env.DecodePayload(&payload))
		assert.Equal(t, string(rune('0'+i)), payload.MessageID)
	}
}

func TestBroadcastReportsSlowConsumer(t *testing.T) {
	d := New(testCrypto(t), metrics.Noop{}, testLogger())

	sessionKey := make([]byte, 32)
	outbox := make(chan wire.Envelope, 1)
	recipient := NewRecipientWithOutbox("slow", "user-slow", "slow", sessionKey, outbox)
	d.Register(recipient)

	var reportedConn string
	d.OnSlowConsumer(func(connID string) { reportedConn = connID })

	// Fill the one-slot outbox, then broadcast once so the delivery
	// finds it full.
	outbox <- wire.Envelope{}
	d.Broadcast(BroadcastMessage{SenderID: "x", Plaintext: []byte("one")})

	assert.Equal(t, "slow", reportedConn)
}

func TestUnregisterRemovesFromFutureBroadcasts(t *testing.T) {
	d := New(testCrypto(t), metrics.Noop{}, testLogger())
	recipient := newTestRecipient("a")
	d.Register(recipient)
	assert.Equal(t, 1, d.Count())

	d.Unregister("a")
	assert.Equal(t, 0, d.Count())

	d.Broadcast(BroadcastMessage{SenderID: "x", Plaintext: []byte("hi")})
	select {
	case <-recipient.Outbox:
		t.Fatal("unregistered recipient must not receive further broadcasts")
	default:
	}
}
