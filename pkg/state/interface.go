package state

import "github.com/google/uuid"

// Manager is the single serialization point for all mutable shared state:
// the session registry and the channel membership sets. No other component
// reads or writes these structures directly.
type Manager interface {
	// --- Session registry ---

	// Register binds the identity to the new connection. If a prior
	// connection existed for that identity it is returned so the caller
	// can close it; its channel memberships are left for the closer's
	// LeaveAll. Registration with an empty identity fails with
	// ErrAuthenticationFailed.
	Register(userID string, role Role, conn Conn) (prev Conn, err error)

	// Unregister removes the session if conn is still the currently
	// registered connection for its identity. A stale disconnect of an
	// already-superseded connection is a no-op.
	Unregister(conn Conn)

	// ConnectionFor returns the live connection for an identity.
	ConnectionFor(userID string) (Conn, bool)

	// SessionFor resolves a connection ID back to its session.
	SessionFor(connID uuid.UUID) (*Session, bool)

	// Count reports the number of live sessions.
	Count() int

	// ConnectedUsers returns the identities of all live sessions.
	ConnectedUsers() []string

	// --- Channel membership ---

	// Join adds the connection to the channel, creating the channel if
	// absent. Idempotent. Fails with ErrUnknownConnection for a
	// connection that is not registered.
	Join(channel string, connID uuid.UUID) error

	// Leave removes the connection from the channel; an empty channel is
	// discarded. Idempotent.
	Leave(channel string, connID uuid.UUID)

	// LeaveAll removes the connection from every channel it belongs to.
	// Called exactly once, at disconnect.
	LeaveAll(connID uuid.UUID)

	// Members returns a snapshot of the channel's live connections, safe
	// to take while joins and leaves occur concurrently.
	Members(channel string) []Conn

	// Participants returns the user identities currently in the channel.
	Participants(channel string) []string

	// ChannelCount reports the number of non-empty channels.
	ChannelCount() int
}
