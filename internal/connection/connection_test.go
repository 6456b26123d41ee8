package connection

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevinMartinetti/network-mesh-messenger/internal/meshcrypto"
	"github.com/KevinMartinetti/network-mesh-messenger/internal/metrics"
	"github.com/KevinMartinetti/network-mesh-messenger/internal/ratelimit"
	"github.com/KevinMartinetti/network-mesh-messenger/internal/store"
	"github.com/KevinMartinetti/network-mesh-messenger/internal/wire"

	"github.com/KevinMartinetti/network-mesh-messenger/internal/dispatch"
)

// fakeUserStore and fakeMessageStore are in-memory stand-ins for
// store.GormStore, so these tests exercise the state machine without a
// real SQLite file (grounded in the teacher's own preference for an
// in-memory sqlite DSN in tests).
type fakeUserStore struct {
	users map[string]store.User
}

func newFakeUserStore() *fakeUserStore { return &fakeUserStore{users: make(map[string]store.User)} }

func (f *fakeUserStore) Upsert(_ context.Context, u store.User) error {
	f.users[u.ID] = u
	return nil
}
func (f *fakeUserStore) SetOfflineIfCurrent(_ context.Context, userID, connectionID string, lastSeenMs int64) error {
	u, ok := f.users[userID]
	if !ok || u.ConnectionID != connectionID {
		return nil
	}
	u.IsOnline = false
	u.LastSeen = lastSeenMs
	f.users[userID] = u
	return nil
}
func (f *fakeUserStore) Get(_ context.Context, userID string) (store.User, bool, error) {
	u, ok := f.users[userID]
	return u, ok, nil
}
func (f *fakeUserStore) ListOnline(_ context.Context) ([]store.User, error) {
	var out []store.User
	for _, u := range f.users {
		if u.IsOnline {
			out = append(out, u)
		}
	}
	return out, nil
}
func (f *fakeUserStore) Counts(_ context.Context) (int, int, error) {
	online := 0
	for _, u := range f.users {
		if u.IsOnline {
			online++
		}
	}
	return len(f.users), online, nil
}

type fakeMessageStore struct {
	messages []store.Message
}

func (f *fakeMessageStore) Append(_ context.Context, m store.Message) error {
	f.messages = append(f.messages, m)
	return nil
}
func (f *fakeMessageStore) Count(_ context.Context) (int, error) { return len(f.messages), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDeps(t *testing.T) (Deps, *fakeUserStore, *fakeMessageStore) {
	t.Helper()
	serverKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	crypto := meshcrypto.NewFromKey(serverKey)

	users := newFakeUserStore()
	messages := &fakeMessageStore{}

	cfg := DefaultConfig()
	// Long enough that the client's RSA key generation in clientHandshake,
	// which runs after the handler has started its idle clock, cannot
	// trigger a heartbeat before the HANDSHAKE_RESPONSE.
	cfg.WriterIdle = 2 * time.Second
	cfg.ReaderIdle = 4 * time.Second
	cfg.IdleCheckInterval = 20 * time.Millisecond

	deps := Deps{
		Crypto:      crypto,
		Dispatcher:  dispatch.New(crypto, metrics.Noop{}, testLogger()),
		Users:       users,
		Messages:    messages,
		Metrics:     metrics.Noop{},
		IPLimiter:   ratelimit.New(1000, time.Minute),
		UserLimiter: ratelimit.New(1000, time.Minute),
		Logger:      testLogger(),
		Config:      cfg,
	}
	return deps, users, messages
}

// pipeHarness wires a Handler to one end of a net.Pipe and exposes the
// other end for the test to drive as the client.
type pipeHarness struct {
	handler *Handler
	client  net.Conn
	reader  *wire.Reader
	writer  *wire.Writer
}

func newHarness(t *testing.T, deps Deps) *pipeHarness {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	h := New("1", serverConn, deps)
	go h.Run()
	t.Cleanup(func() { h.Close("test cleanup"); clientConn.Close() })
	return &pipeHarness{
		handler: h,
		client:  clientConn,
		reader:  wire.NewReader(clientConn),
		writer:  wire.NewWriter(clientConn),
	}
}

func (p *pipeHarness) sendEnvelope(t *testing.T, typ wire.NetworkMessageType, sender string, payload any) {
	t.Helper()
	env, err := wire.NewEnvelope(typ, sender, payload, time.Now().UnixMilli(), nil)
	require.NoError(t, err)
	require.NoError(t, p.writer.WriteEnvelope(env))
}

func (p *pipeHarness) recvEnvelope(t *testing.T) wire.Envelope {
	t.Helper()
	env, err := p.reader.ReadEnvelope()
	require.NoError(t, err)
	return env
}

func clientHandshake(t *testing.T, p *pipeHarness, userID, username string) (*rsa.PrivateKey, []byte) {
	t.Helper()
	clientKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pub, err := meshcrypto.EncodePublicKeyBase64(&clientKey.PublicKey)
	require.NoError(t, err)

	p.sendEnvelope(t, wire.TypeHandshake, userID, wire.HandshakeData{
		UserID:    userID,
		Username:  username,
		PublicKey: pub,
	})

	respEnv := p.recvEnvelope(t)
	require.Equal(t, wire.TypeHandshakeResponse, respEnv.Type)
	var resp wire.HandshakeResponseData
	require.NoError(t, respEnv.DecodePayload(&resp))

	sessionKey, err := meshcrypto.UnwrapSessionKeyForTest(resp.EncryptedSessionKey, clientKey)
	require.NoError(t, err)

	// The join announcement excludes this connection itself, so with no
	// other registered peer the only frame left to drain is USER_LIST.
	userListEnv := p.recvEnvelope(t)
	require.Equal(t, wire.TypeUserList, userListEnv.Type)

	return clientKey, sessionKey
}

func TestHandshakeTransitionsToAuthenticated(t *testing.T) {
	deps, users, _ := testDeps(t)
	p := newHarness(t, deps)

	clientHandshake(t, p, "u1", "alice")

	assert.Equal(t, StateAuthenticated, p.handler.State())
	_, ok, err := users.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEncryptedMessageWithBadSignatureIsRejected(t *testing.T) {
	deps, _, messages := testDeps(t)
	p := newHarness(t, deps)

	_, sessionKey := clientHandshake(t, p, "u1", "alice")
	// The handshake already persisted the "alice joined the chat" notice.
	persisted := len(messages.messages)

	ct, iv, err := meshcrypto.EncryptMessage([]byte("hello"), sessionKey)
	require.NoError(t, err)

	p.sendEnvelope(t, wire.TypeEncryptedMessage, "u1", wire.EncryptedMessageData{
		MessageID:        "m1",
		EncryptedContent: ct,
		IV:               iv,
		Signature:        "not-a-real-signature",
		MessageType:      "text",
	})

	errEnv := p.recvEnvelope(t)
	assert.Equal(t, wire.TypeError, errEnv.Type)
	var errPayload wire.ErrorData
	require.NoError(t, errEnv.DecodePayload(&errPayload))
	assert.Equal(t, wire.ErrInvalidSignature, errPayload.Code)
	assert.Len(t, messages.messages, persisted, "a badly-signed message must never be persisted")
}

func TestEncryptedMessageWithValidSignatureIsPersisted(t *testing.T) {
	deps, _, messages := testDeps(t)
	p := newHarness(t, deps)

	clientKey, sessionKey := clientHandshake(t, p, "u1", "alice")

	plaintext := []byte("hello mesh")
	ct, iv, err := meshcrypto.EncryptMessage(plaintext, sessionKey)
	require.NoError(t, err)

	sig, err := signWithKey(clientKey, plaintext)
	require.NoError(t, err)

	p.sendEnvelope(t, wire.TypeEncryptedMessage, "u1", wire.EncryptedMessageData{
		MessageID:        "m1",
		EncryptedContent: ct,
		IV:               iv,
		Signature:        sig,
		MessageType:      "text",
	})

	// messages[0] is the join notice persisted during the handshake.
	require.Eventually(t, func() bool { return len(messages.messages) == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "hello mesh", messages.messages[1].Content)
}

func TestMessageBeforeHandshakeIsRejected(t *testing.T) {
	deps, _, _ := testDeps(t)
	p := newHarness(t, deps)

	p.sendEnvelope(t, wire.TypeEncryptedMessage, "u1", wire.EncryptedMessageData{MessageID: "m1"})

	errEnv := p.recvEnvelope(t)
	assert.Equal(t, wire.TypeError, errEnv.Type)
	var errPayload wire.ErrorData
	require.NoError(t, errEnv.DecodePayload(&errPayload))
	assert.Equal(t, wire.ErrNotAuthenticated, errPayload.Code)
}

func TestIdleConnectionReceivesHeartbeatThenTimesOut(t *testing.T) {
	deps, _, _ := testDeps(t)
	p := newHarness(t, deps)
	clientHandshake(t, p, "u1", "alice")

	hbEnv := p.recvEnvelope(t)
	assert.Equal(t, wire.TypeHeartbeat, hbEnv.Type)

	select {
	case <-p.handler.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("expected reader-idle timeout to close the connection")
	}
	assert.Equal(t, StateClosed, p.handler.State())
}

func TestCloseDoesNotEvictRosterEntryTakenOverByNewerConnection(t *testing.T) {
	deps, users, _ := testDeps(t)
	p := newHarness(t, deps)

	clientHandshake(t, p, "u1", "alice")
	require.Equal(t, "1", p.handler.ID())

	// A second connection hijacks the same userId; per spec.md §3
	// invariant 3 the roster now points at it, and the older handler
	// (id "1") is left running until its own close path fires.
	require.NoError(t, users.Upsert(context.Background(), store.User{
		ID:           "u1",
		Username:     "alice",
		IsOnline:     true,
		ConnectionID: "2",
	}))

	p.handler.Close("test: simulate stale connection closing")

	u, ok, err := users.Get(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, u.IsOnline, "the newer connection's roster entry must survive the older connection's close")
	assert.Equal(t, "2", u.ConnectionID)
}

// signWithKey signs plaintext as if key were the per-connection server
// identity key; meshcrypto.Crypto.Sign only depends on the key it was
// built from, so this reuses it to act as the client's signer too.
func signWithKey(key *rsa.PrivateKey, plaintext []byte) (string, error) {
	return meshcrypto.NewFromKey(key).Sign(plaintext)
}
