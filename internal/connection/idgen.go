package connection

import "github.com/google/uuid"

// newID generates a fresh opaque identifier for a Message whose client
// omitted one. Connection ids remain the Acceptor's monotonic counter;
// this is only for message-level ids the server must invent.
func newID() string {
	return uuid.NewString()
}
