package store

import "context"

// UserStore is the external collaborator interface for the roster
// (spec.md §1: "Persistence for users and messages ... treated as
// external collaborators with a stated interface"). Online-state
// mutations must be idempotent: upserting an already-online user with
// the same fields, or marking an already-offline user offline, does
// not error and does not change CreatedAt.
type UserStore interface {
	// Upsert creates or updates the user identified by u.ID, rebinding
	// its ConnectionID and marking it online (spec.md §4.3 step 4).
	Upsert(ctx context.Context, u User) error
	// SetOfflineIfCurrent marks userID offline and stamps LastSeen, but
	// only if connectionID is still the connection on record for that
	// user. A no-op, non-error call if the user is already offline,
	// unknown, or has since been rebound to a newer connection (spec.md
	// §3 invariant 3: two connections can briefly share a userId, and
	// only the newest one's departure may evict the roster entry).
	SetOfflineIfCurrent(ctx context.Context, userID, connectionID string, lastSeenMs int64) error
	// Get returns the current record for userID, if any.
	Get(ctx context.Context, userID string) (User, bool, error)
	// ListOnline returns a read-consistent snapshot of online users,
	// for USER_LIST (spec.md §3 invariant 4, §4.4 snapshot).
	ListOnline(ctx context.Context) ([]User, error)
	// Counts returns (total users ever seen, currently online users).
	Counts(ctx context.Context) (total int, online int, err error)
}

// MessageStore is the external collaborator interface for the message
// audit/replay log.
type MessageStore interface {
	// Append persists m. The caller (ConnectionHandler) must not
	// broadcast a message it failed to append (spec.md §7).
	Append(ctx context.Context, m Message) error
	// Count returns the total number of persisted messages, for
	// metrics and tests.
	Count(ctx context.Context) (int, error)
}
