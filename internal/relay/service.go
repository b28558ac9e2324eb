package relay

import (
	"encoding/json"
	"log/slog"

	"github.com/schoolride/relay/internal/protocol"
	"github.com/schoolride/relay/pkg/state"
)

// Service is the collaborator-facing surface of the relay, consumed by the
// CRUD services rather than by end-user clients. Calls return as soon as
// the event is handed to the per-connection queues; collaborators never
// wait on per-recipient delivery.
type Service struct {
	logger      *slog.Logger
	manager     state.Manager
	broadcaster *Broadcaster
}

func NewService(logger *slog.Logger, manager state.Manager, broadcaster *Broadcaster) *Service {
	return &Service{
		logger:      logger.With(slog.String("component", "relay_service")),
		manager:     manager,
		broadcaster: broadcaster,
	}
}

// BroadcastTripUpdate pushes an arbitrary state-change notice (for
// example "trip accepted") into the trip's channel. Returns the number of
// connections the notice was handed to; zero simply means nobody is
// listening right now.
func (s *Service) BroadcastTripUpdate(tripID string, payload json.RawMessage) (int, error) {
	env, err := protocol.NewEvent(protocol.EventTripUpdate, "", protocol.TripUpdate{
		TripID:  tripID,
		Payload: payload,
	})
	if err != nil {
		return 0, err
	}
	return s.broadcaster.Broadcast(state.TripChannel(tripID), env), nil
}

// NotifyUser unicasts an event to one identity regardless of channel
// membership. Returns false when the identity has no live session.
func (s *Service) NotifyUser(userID, event string, payload json.RawMessage) (bool, error) {
	env, err := protocol.NewEvent(protocol.EventNotification, "", protocol.Notification{
		Event:   event,
		Payload: payload,
	})
	if err != nil {
		return false, err
	}
	return s.broadcaster.Unicast(userID, env), nil
}

// ConnectedUserCount reports the number of live sessions.
func (s *Service) ConnectedUserCount() int {
	return s.manager.Count()
}

// TripParticipants lists the identities currently joined to a trip channel.
func (s *Service) TripParticipants(tripID string) []string {
	return s.manager.Participants(state.TripChannel(tripID))
}
