package state

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Conn is the transport-side handle the registry tracks for one live
// stream. *transport.Connection satisfies it; tests substitute fakes.
type Conn interface {
	ID() uuid.UUID
	Send(message []byte) error
	Close(err error)
}

// Role is the verified role carried by an identity's credential.
type Role string

const (
	RoleParent Role = "parent"
	RoleDriver Role = "driver"
	RoleAdmin  Role = "admin"
)

// Session binds an authenticated identity to its single live connection.
// At most one session exists per user identity at any instant; a new
// connection for the same identity supersedes the previous one.
type Session struct {
	UserID    string
	Role      Role
	Conn      Conn
	CreatedAt time.Time
}

// AdminChannel is the fixed broadcast scope for operational staff.
const AdminChannel = "admins"

// TripChannel names the broadcast scope shared by all participants of a trip.
func TripChannel(tripID string) string { return "trip:" + tripID }

// DriverChannel names the driver-only stream of a trip, used for
// passenger-to-driver relays and emergency copies.
func DriverChannel(tripID string) string { return "driver:" + tripID }

var (
	// ErrAuthenticationFailed rejects a registration that carries no
	// usable identity. The caller must close the connection.
	ErrAuthenticationFailed = errors.New("state: authentication failed: missing user identity")
	// ErrUnknownConnection rejects channel operations for a connection
	// the registry is not tracking, so membership can never outlive the
	// session that backs it.
	ErrUnknownConnection = errors.New("state: connection is not registered")
)
