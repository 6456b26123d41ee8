package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *GormStore {
	t.Helper()
	db, err := Open("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestUpsertThenGet(t *testing.T) {
	db := openTestStore(t)
	ctx := context.Background()

	u := User{ID: "u1", Username: "alice", PublicKey: "pk1", IsOnline: true, LastSeen: 100, ConnectionID: "c1"}
	require.NoError(t, db.Upsert(ctx, u))

	got, ok, err := db.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alice", got.Username)
	assert.True(t, got.IsOnline)
}

func TestUpsertLatestHandshakeWins(t *testing.T) {
	db := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, db.Upsert(ctx, User{ID: "u1", Username: "alice", ConnectionID: "c1"}))
	require.NoError(t, db.Upsert(ctx, User{ID: "u1", Username: "alice2", ConnectionID: "c2"}))

	got, ok, err := db.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alice2", got.Username)
	assert.Equal(t, "c2", got.ConnectionID)
}

func TestSetOfflineClearsOnlineFlag(t *testing.T) {
	db := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, db.Upsert(ctx, User{ID: "u1", Username: "alice", IsOnline: true, ConnectionID: "c1"}))
	require.NoError(t, db.SetOfflineIfCurrent(ctx, "u1", "c1", 999))

	got, ok, err := db.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, got.IsOnline)
	assert.Equal(t, int64(999), got.LastSeen)
}

func TestSetOfflineIfCurrentIgnoresStaleConnection(t *testing.T) {
	db := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, db.Upsert(ctx, User{ID: "u1", Username: "alice", ConnectionID: "c1"}))
	require.NoError(t, db.Upsert(ctx, User{ID: "u1", Username: "alice", ConnectionID: "c2"}))

	// c1's close sequence runs after c2 has already taken over the
	// roster entry; it must not evict the still-authenticated c2.
	require.NoError(t, db.SetOfflineIfCurrent(ctx, "u1", "c1", 999))

	got, ok, err := db.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.IsOnline)
	assert.Equal(t, "c2", got.ConnectionID)
}

func TestListOnlineAndCounts(t *testing.T) {
	db := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, db.Upsert(ctx, User{ID: "u1", Username: "alice", IsOnline: true, ConnectionID: "c1"}))
	require.NoError(t, db.Upsert(ctx, User{ID: "u2", Username: "bob", IsOnline: true, ConnectionID: "c2"}))
	require.NoError(t, db.SetOfflineIfCurrent(ctx, "u2", "c2", 1))

	online, err := db.ListOnline(ctx)
	require.NoError(t, err)
	assert.Len(t, online, 1)
	assert.Equal(t, "u1", online[0].ID)

	total, onlineCount, err := db.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, onlineCount)
}

func TestAppendAndCountMessages(t *testing.T) {
	db := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, db.Append(ctx, Message{ID: "m1", Content: "hi", SenderID: "u1", Type: MessageText}))
	require.NoError(t, db.Append(ctx, Message{ID: "m2", Content: "joined", SenderID: "system", Type: MessageSystem}))

	count, err := db.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
