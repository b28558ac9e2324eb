// Package protocol defines the WebSocket event schema between clients and
// the relay. The event-type set is closed: the router switches over these
// constants exhaustively, so adding a type is a compile-time-visible change.
package protocol

import (
	"encoding/json"
	"fmt"
)

// EventType tags one event on the wire.
type EventType string

// Client-to-relay event types.
const (
	EventJoinTrip       EventType = "join-trip"
	EventLeaveTrip      EventType = "leave-trip"
	EventLocationUpdate EventType = "location-update"
	EventChat           EventType = "chat"
	EventStartTrip      EventType = "start-trip"
	EventEndTrip        EventType = "end-trip"
	EventEmergency      EventType = "emergency"
)

// Relay-to-client event types.
const (
	EventConnected    EventType = "connected"
	EventUserJoined   EventType = "user-joined"
	EventUserLeft     EventType = "user-left"
	EventTripStarted  EventType = "trip-started"
	EventTripEnded    EventType = "trip-ended"
	EventTripUpdate   EventType = "trip-update"
	EventNotification EventType = "notification"
	EventError        EventType = "error"
)

// Envelope is the framing shared by every event. Ts is assigned by the
// server at the moment of broadcast, never at receipt, so every recipient
// of one fan-out sees the identical timestamp.
type Envelope struct {
	Type    EventType       `json:"type"`
	From    string          `json:"from,omitempty"` // originating user identity, server-filled
	Ts      int64           `json:"ts,omitempty"`   // unix milliseconds
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an envelope around a payload struct.
func NewEvent(t EventType, from string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("protocol: marshal %s payload: %w", t, err)
	}
	return Envelope{Type: t, From: from, Payload: raw}, nil
}

// Decode parses an inbound frame into an envelope without touching the
// payload; per-type payload decoding happens in the router.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, &ValidationError{Field: "event", Reason: "malformed JSON"}
	}
	if env.Type == "" {
		return Envelope{}, &ValidationError{Field: "type", Reason: "missing"}
	}
	return env, nil
}

// ValidationError reports a malformed or incomplete inbound event. It is
// returned to the sender as a single error event; it never disconnects the
// sender and never reaches other channel members.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event: field %q %s", e.Field, e.Reason)
}

func missing(field string) *ValidationError {
	return &ValidationError{Field: field, Reason: "missing"}
}

// --- Inbound payloads ---

// TripRef is the payload of join-trip, leave-trip, start-trip and end-trip.
type TripRef struct {
	TripID string `json:"tripId"`
}

// LocationUpdate carries one live position ping. Lat/Lng are pointers so a
// missing coordinate is distinguishable from zero (the equator exists).
type LocationUpdate struct {
	TripID  string   `json:"tripId"`
	Lat     *float64 `json:"lat"`
	Lng     *float64 `json:"lng"`
	Speed   *float64 `json:"speed,omitempty"`
	Heading *float64 `json:"heading,omitempty"`
}

// Chat is a verbatim trip-channel text message.
type Chat struct {
	TripID  string `json:"tripId"`
	Message string `json:"message"`
}

// Emergency raises a safety-critical alert for a trip.
type Emergency struct {
	TripID  string   `json:"tripId"`
	Lat     *float64 `json:"lat"`
	Lng     *float64 `json:"lng"`
	Message string   `json:"message,omitempty"`
}

// DecodeTripRef validates the payload of the trip-scoped control events.
func DecodeTripRef(raw json.RawMessage) (TripRef, error) {
	var p TripRef
	if err := json.Unmarshal(raw, &p); err != nil {
		return TripRef{}, &ValidationError{Field: "payload", Reason: "malformed JSON"}
	}
	if p.TripID == "" {
		return TripRef{}, missing("tripId")
	}
	return p, nil
}

// DecodeLocationUpdate validates a location-update payload.
func DecodeLocationUpdate(raw json.RawMessage) (LocationUpdate, error) {
	var p LocationUpdate
	if err := json.Unmarshal(raw, &p); err != nil {
		return LocationUpdate{}, &ValidationError{Field: "payload", Reason: "malformed JSON"}
	}
	switch {
	case p.TripID == "":
		return LocationUpdate{}, missing("tripId")
	case p.Lat == nil:
		return LocationUpdate{}, missing("lat")
	case p.Lng == nil:
		return LocationUpdate{}, missing("lng")
	}
	return p, nil
}

// DecodeChat validates a chat payload.
func DecodeChat(raw json.RawMessage) (Chat, error) {
	var p Chat
	if err := json.Unmarshal(raw, &p); err != nil {
		return Chat{}, &ValidationError{Field: "payload", Reason: "malformed JSON"}
	}
	switch {
	case p.TripID == "":
		return Chat{}, missing("tripId")
	case p.Message == "":
		return Chat{}, &ValidationError{Field: "message", Reason: "must not be empty"}
	}
	return p, nil
}

// DecodeEmergency validates an emergency payload.
func DecodeEmergency(raw json.RawMessage) (Emergency, error) {
	var p Emergency
	if err := json.Unmarshal(raw, &p); err != nil {
		return Emergency{}, &ValidationError{Field: "payload", Reason: "malformed JSON"}
	}
	switch {
	case p.TripID == "":
		return Emergency{}, missing("tripId")
	case p.Lat == nil:
		return Emergency{}, missing("lat")
	case p.Lng == nil:
		return Emergency{}, missing("lng")
	}
	return p, nil
}

// --- Outbound payloads ---

// Connected acknowledges a successful handshake.
type Connected struct {
	UserID string `json:"userId"`
}

// Presence announces a user joining or leaving a trip channel.
type Presence struct {
	TripID string `json:"tripId"`
	UserID string `json:"userId"`
}

// ErrorInfo is the payload of an error event.
type ErrorInfo struct {
	Reason string `json:"reason"`
}

// Notification wraps a unicast push addressed to one identity.
type Notification struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// TripUpdate wraps an asynchronous state-change notice pushed into a trip
// channel by an external collaborator.
type TripUpdate struct {
	TripID  string          `json:"tripId"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
