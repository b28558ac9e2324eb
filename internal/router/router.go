// Package router validates and dispatches inbound client events.
package router

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/schoolride/relay/internal/protocol"
	"github.com/schoolride/relay/internal/relay"
	"github.com/schoolride/relay/pkg/state"
)

// EventRouter accepts one decoded frame per call, validates the payload
// for its event type and hands the work to the membership manager, the
// broadcaster or the escalator.
//
// A malformed event yields exactly one error event back to its sender:
// the connection stays open and no other participant ever sees the
// failure.
type EventRouter struct {
	logger      *slog.Logger
	manager     state.Manager
	broadcaster *relay.Broadcaster
	escalator   *relay.Escalator
	metrics     *relay.Metrics
}

func NewEventRouter(logger *slog.Logger, manager state.Manager, broadcaster *relay.Broadcaster, escalator *relay.Escalator, metrics *relay.Metrics) *EventRouter {
	return &EventRouter{
		logger:      logger.With(slog.String("component", "event_router")),
		manager:     manager,
		broadcaster: broadcaster,
		escalator:   escalator,
		metrics:     metrics,
	}
}

// HandleMessage is the transport's message callback: one raw inbound frame
// from one live connection.
func (r *EventRouter) HandleMessage(_ context.Context, connID uuid.UUID, msg []byte) {
	sess, ok := r.manager.SessionFor(connID)
	if !ok {
		// The connection raced its own teardown; nothing to reply to.
		r.logger.Debug("event from unregistered connection dropped", slog.String("connID", connID.String()))
		return
	}

	env, err := protocol.Decode(msg)
	if err != nil {
		r.reject(sess, err)
		return
	}

	switch env.Type {
	case protocol.EventJoinTrip:
		err = r.handleJoin(sess, env)
	case protocol.EventLeaveTrip:
		err = r.handleLeave(sess, env)
	case protocol.EventLocationUpdate:
		err = r.handleLocationUpdate(sess, env)
	case protocol.EventChat:
		err = r.handleChat(sess, env)
	case protocol.EventStartTrip:
		err = r.handleLifecycle(sess, env, protocol.EventTripStarted)
	case protocol.EventEndTrip:
		err = r.handleLifecycle(sess, env, protocol.EventTripEnded)
	case protocol.EventEmergency:
		err = r.handleEmergency(sess, env)
	default:
		err = &protocol.ValidationError{Field: "type", Reason: "unknown event type " + string(env.Type)}
	}

	if err != nil {
		r.reject(sess, err)
		return
	}
	r.metrics.EventsRouted.Add(1)
}

// reject returns a single error event to the originating connection only.
func (r *EventRouter) reject(sess *state.Session, err error) {
	r.metrics.ValidationErrors.Add(1)
	r.logger.Debug("rejected inbound event",
		slog.String("userID", sess.UserID),
		slog.Any("error", err),
	)

	var verr *protocol.ValidationError
	reason := "invalid event"
	if errors.As(err, &verr) {
		reason = verr.Error()
	}

	env, encErr := protocol.NewEvent(protocol.EventError, "", protocol.ErrorInfo{Reason: reason})
	if encErr != nil {
		r.logger.Error("failed to build error event", slog.Any("error", encErr))
		return
	}
	r.broadcaster.Send(sess.Conn, env)
}

func (r *EventRouter) handleJoin(sess *state.Session, env protocol.Envelope) error {
	ref, err := protocol.DecodeTripRef(env.Payload)
	if err != nil {
		return err
	}

	if err := r.manager.Join(state.TripChannel(ref.TripID), sess.Conn.ID()); err != nil {
		return err
	}
	// A driver's join also enters the trip's dedicated driver stream, so
	// passenger pings and emergency copies reach the driver dashboard
	// even when it never subscribes to the trip channel by that name.
	if sess.Role == state.RoleDriver {
		if err := r.manager.Join(state.DriverChannel(ref.TripID), sess.Conn.ID()); err != nil {
			return err
		}
	}

	ack, err := protocol.NewEvent(protocol.EventJoinTrip, sess.UserID, ref)
	if err != nil {
		return err
	}
	r.broadcaster.Send(sess.Conn, ack)

	notice, err := protocol.NewEvent(protocol.EventUserJoined, sess.UserID, protocol.Presence{
		TripID: ref.TripID,
		UserID: sess.UserID,
	})
	if err != nil {
		return err
	}
	r.broadcaster.BroadcastExcept(state.TripChannel(ref.TripID), notice, sess.Conn.ID())
	return nil
}

func (r *EventRouter) handleLeave(sess *state.Session, env protocol.Envelope) error {
	ref, err := protocol.DecodeTripRef(env.Payload)
	if err != nil {
		return err
	}

	r.manager.Leave(state.TripChannel(ref.TripID), sess.Conn.ID())
	if sess.Role == state.RoleDriver {
		r.manager.Leave(state.DriverChannel(ref.TripID), sess.Conn.ID())
	}

	ack, err := protocol.NewEvent(protocol.EventLeaveTrip, sess.UserID, ref)
	if err != nil {
		return err
	}
	r.broadcaster.Send(sess.Conn, ack)

	notice, err := protocol.NewEvent(protocol.EventUserLeft, sess.UserID, protocol.Presence{
		TripID: ref.TripID,
		UserID: sess.UserID,
	})
	if err != nil {
		return err
	}
	r.broadcaster.Broadcast(state.TripChannel(ref.TripID), notice)
	return nil
}

func (r *EventRouter) handleLocationUpdate(sess *state.Session, env protocol.Envelope) error {
	loc, err := protocol.DecodeLocationUpdate(env.Payload)
	if err != nil {
		return err
	}

	out, err := protocol.NewEvent(protocol.EventLocationUpdate, sess.UserID, loc)
	if err != nil {
		return err
	}
	// Pin one timestamp so the trip channel and the driver stream carry
	// an identical event.
	out.Ts = time.Now().UnixMilli()

	r.broadcaster.Broadcast(state.TripChannel(loc.TripID), out)
	r.broadcaster.Broadcast(state.DriverChannel(loc.TripID), out)

	r.metrics.LocationUpdates.Add(1)
	return nil
}

func (r *EventRouter) handleChat(sess *state.Session, env protocol.Envelope) error {
	chat, err := protocol.DecodeChat(env.Payload)
	if err != nil {
		return err
	}

	out, err := protocol.NewEvent(protocol.EventChat, sess.UserID, chat)
	if err != nil {
		return err
	}
	r.broadcaster.Broadcast(state.TripChannel(chat.TripID), out)

	r.metrics.ChatMessages.Add(1)
	return nil
}

// handleLifecycle relays a trip-started/trip-ended notice. Whether the
// sender is authorized to start or end the trip is a collaborator's
// responsibility, enforced before the event reaches this router.
func (r *EventRouter) handleLifecycle(sess *state.Session, env protocol.Envelope, out protocol.EventType) error {
	ref, err := protocol.DecodeTripRef(env.Payload)
	if err != nil {
		return err
	}

	notice, err := protocol.NewEvent(out, sess.UserID, ref)
	if err != nil {
		return err
	}
	r.broadcaster.Broadcast(state.TripChannel(ref.TripID), notice)
	return nil
}

func (r *EventRouter) handleEmergency(sess *state.Session, env protocol.Envelope) error {
	em, err := protocol.DecodeEmergency(env.Payload)
	if err != nil {
		return err
	}

	return r.escalator.Escalate(em.TripID, sess.UserID, relay.Location{
		Lat: *em.Lat,
		Lng: *em.Lng,
	}, em.Message)
}
