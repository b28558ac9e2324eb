// Package opsapi provides the internal HTTP surface consumed by the
// carpool CRUD services: asynchronous pushes into the relay plus
// operational introspection. End-user clients never reach this server.
package opsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/tidwall/gjson"

	"github.com/schoolride/relay/internal/relay"
	"github.com/schoolride/relay/pkg/state"
)

// Server is the internal HTTP server.
type Server struct {
	echo    *echo.Echo
	service *relay.Service
	manager state.Manager
	metrics *relay.Metrics
	logger  *slog.Logger
}

func NewServer(logger *slog.Logger, service *relay.Service, manager state.Manager, metrics *relay.Metrics) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())

	s := &Server{
		echo:    e,
		service: service,
		manager: manager,
		metrics: metrics,
		logger:  logger.With(slog.String("component", "opsapi")),
	}

	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", s.handleMetrics)
	e.GET("/internal/stats", s.handleStats)
	e.POST("/internal/trips/:id/broadcast", s.handleTripBroadcast)
	e.POST("/internal/users/:id/notify", s.handleNotifyUser)
	e.GET("/internal/trips/:id/participants", s.handleTripParticipants)

	return s
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":      "healthy",
		"connections": s.service.ConnectedUserCount(),
		"channels":    s.manager.ChannelCount(),
	})
}

// StatsResponse combines the counter snapshot with the live gauges.
type StatsResponse struct {
	relay.MetricsSnapshot
	ConnectedUsers int `json:"connected_users"`
	ActiveChannels int `json:"active_channels"`
}

func (s *Server) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, StatsResponse{
		MetricsSnapshot: s.metrics.Snapshot(),
		ConnectedUsers:  s.service.ConnectedUserCount(),
		ActiveChannels:  s.manager.ChannelCount(),
	})
}

// BroadcastResponse reports how many live connections a push reached.
type BroadcastResponse struct {
	OK        bool `json:"ok"`
	Delivered int  `json:"delivered"`
}

// handleTripBroadcast pushes an arbitrary state-change notice into a
// trip's channel. The body is relayed verbatim as the event payload, so
// it only has to be valid JSON.
func (s *Server) handleTripBroadcast(c echo.Context) error {
	tripID := c.Param("id")

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unreadable request body"})
	}
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "body must be valid JSON"})
	}

	delivered, err := s.service.BroadcastTripUpdate(tripID, json.RawMessage(body))
	if err != nil {
		s.logger.Error("trip broadcast failed", slog.String("tripID", tripID), slog.Any("error", err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to broadcast"})
	}
	return c.JSON(http.StatusOK, BroadcastResponse{OK: true, Delivered: delivered})
}

// NotifyRequest is the body of POST /internal/users/:id/notify.
type NotifyRequest struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NotifyResponse reports whether the identity had a live session.
type NotifyResponse struct {
	OK        bool `json:"ok"`
	Delivered bool `json:"delivered"`
}

func (s *Server) handleNotifyUser(c echo.Context) error {
	userID := c.Param("id")

	var req NotifyRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Event == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "event is required"})
	}

	delivered, err := s.service.NotifyUser(userID, req.Event, req.Payload)
	if err != nil {
		s.logger.Error("notify failed", slog.String("userID", userID), slog.Any("error", err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to notify"})
	}
	return c.JSON(http.StatusOK, NotifyResponse{OK: true, Delivered: delivered})
}

// ParticipantsResponse lists the identities currently in a trip channel.
type ParticipantsResponse struct {
	TripID       string   `json:"trip_id"`
	Participants []string `json:"participants"`
}

func (s *Server) handleTripParticipants(c echo.Context) error {
	tripID := c.Param("id")
	participants := s.service.TripParticipants(tripID)
	if participants == nil {
		participants = []string{}
	}
	return c.JSON(http.StatusOK, ParticipantsResponse{TripID: tripID, Participants: participants})
}

// handleMetrics writes all counters in Prometheus text exposition format.
func (s *Server) handleMetrics(c echo.Context) error {
	m := s.metrics.Snapshot()
	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	// Write errors to the response are non-actionable; ignore them.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}

	write("relay_uptime_seconds", "Relay uptime in seconds.", "gauge", m.UptimeSeconds)
	write("relay_sessions_active", "Current live sessions.", "gauge", int64(s.service.ConnectedUserCount()))
	write("relay_channels_active", "Current non-empty channels.", "gauge", int64(s.manager.ChannelCount()))

	write("relay_connections_total", "Lifetime WebSocket connections accepted.", "counter", m.TotalConnections)
	write("relay_disconnects_total", "Total client disconnects.", "counter", m.TotalDisconnects)
	write("relay_auth_success_total", "Successful handshake verifications.", "counter", m.SuccessfulAuths)
	write("relay_auth_failed_total", "Rejected handshakes.", "counter", m.FailedAuths)
	write("relay_superseded_total", "Connections replaced by a newer login.", "counter", m.Superseded)

	write("relay_events_routed_total", "Inbound events accepted by the router.", "counter", m.EventsRouted)
	write("relay_validation_errors_total", "Malformed inbound events bounced to their sender.", "counter", m.ValidationErrors)
	write("relay_location_updates_total", "Location pings relayed.", "counter", m.LocationUpdates)
	write("relay_chat_messages_total", "Chat messages relayed.", "counter", m.ChatMessages)

	write("relay_broadcasts_total", "Channel fan-outs performed.", "counter", m.Broadcasts)
	write("relay_unicasts_total", "Single-recipient deliveries performed.", "counter", m.Unicasts)
	write("relay_delivery_failures_total", "Per-recipient write failures.", "counter", m.DeliveryFailures)
	write("relay_emergencies_total", "Emergency escalations performed.", "counter", m.EmergenciesRaised)

	return nil
}
