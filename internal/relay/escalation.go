package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/schoolride/relay/internal/protocol"
	"github.com/schoolride/relay/pkg/state"
)

// Location is a coordinate pair attached to an emergency.
type Location struct {
	Lat float64
	Lng float64
}

// Escalator fans an emergency out to every audience that must see it: the
// trip's participants, the trip's driver stream and the fixed admin
// channel, in that order. All three audiences receive byte-identical
// frames carrying the same timestamp.
//
// Escalation is fire-and-forget relative to persistence: anyone who wants
// a durable record of the incident writes it after this returns, never
// before.
type Escalator struct {
	logger      *slog.Logger
	broadcaster *Broadcaster
	metrics     *Metrics
}

func NewEscalator(logger *slog.Logger, broadcaster *Broadcaster, metrics *Metrics) *Escalator {
	return &Escalator{
		logger:      logger.With(slog.String("component", "escalator")),
		broadcaster: broadcaster,
		metrics:     metrics,
	}
}

// Escalate builds one emergency event and delivers it to the trip channel,
// the driver channel and the admin channel. Emergencies are never dropped
// or coalesced; a recipient that cannot be written to is reaped like any
// other failed delivery, invisibly to everyone else.
func (e *Escalator) Escalate(tripID, raiserID string, loc Location, message string) error {
	payload := protocol.Emergency{
		TripID:  tripID,
		Lat:     &loc.Lat,
		Lng:     &loc.Lng,
		Message: message,
	}
	env, err := protocol.NewEvent(protocol.EventEmergency, raiserID, payload)
	if err != nil {
		return fmt.Errorf("relay: build emergency event: %w", err)
	}

	// Pin the timestamp and encode exactly once so every audience gets
	// the same bytes.
	env.Ts = time.Now().UnixMilli()
	frame, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("relay: encode emergency event: %w", err)
	}

	channels := []string{
		state.TripChannel(tripID),
		state.DriverChannel(tripID),
		state.AdminChannel,
	}
	for _, ch := range channels {
		e.broadcaster.broadcastFrame(ch, frame)
	}

	e.metrics.EmergenciesRaised.Add(1)
	e.logger.Info("emergency escalated",
		slog.String("tripID", tripID),
		slog.String("raiser", raiserID),
	)
	return nil
}
