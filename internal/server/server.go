package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/schoolride/relay/internal/auth"
	"github.com/schoolride/relay/internal/protocol"
	"github.com/schoolride/relay/internal/relay"
	"github.com/schoolride/relay/internal/router"
	"github.com/schoolride/relay/internal/server/middleware"
	"github.com/schoolride/relay/pkg/config"
	"github.com/schoolride/relay/pkg/state"
	"github.com/schoolride/relay/pkg/state/statemanager"
	"github.com/schoolride/relay/pkg/transport"
)

// errSuperseded closes a connection that a newer login of the same
// identity has replaced, so the old device learns why it went quiet.
var errSuperseded = errors.New("connection superseded by a newer login for this identity")

// App wires the relay core behind the public WebSocket endpoint.
type App struct {
	logger      *slog.Logger
	manager     state.Manager
	eventRouter *router.EventRouter
	broadcaster *relay.Broadcaster
	service     *relay.Service
	metrics     *relay.Metrics
	wg          sync.WaitGroup
	http        *http.Server
	config      *config.Config

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config) *App {
	metrics := relay.NewMetrics()
	manager := statemanager.NewInMemoryManager(logger)
	broadcaster := relay.NewBroadcaster(logger, manager, metrics)
	escalator := relay.NewEscalator(logger, broadcaster, metrics)
	eventRouter := router.NewEventRouter(logger, manager, broadcaster, escalator, metrics)
	service := relay.NewService(logger, manager, broadcaster)

	app := &App{
		logger:      logger,
		manager:     manager,
		eventRouter: eventRouter,
		broadcaster: broadcaster,
		service:     service,
		metrics:     metrics,
		config:      cfg,
		ctx:         rootCtx,
	}

	verifier := auth.NewJWTVerifier(cfg.Server.Auth.JWTSecret)

	mux := http.NewServeMux()
	upgradeHandler := http.HandlerFunc(app.upgradeHandler)
	mux.Handle("/ws",
		middleware.Chain(upgradeHandler,
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(app.logger),
			middleware.NewAuthMiddleware(logger, verifier, func() {
				metrics.FailedAuths.Add(1)
			}),
		),
	)

	app.http = &http.Server{Addr: cfg.Server.Address, Handler: mux, BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app
}

// Service exposes the collaborator-facing relay API for the ops server.
func (a *App) Service() *relay.Service { return a.service }

// Manager exposes the registry for operational introspection.
func (a *App) Manager() state.Manager { return a.manager }

// Metrics exposes the runtime counters.
func (a *App) Metrics() *relay.Metrics { return a.metrics }

// Handler exposes the underlying handler for tests.
func (a *App) Handler() http.Handler { return a.http.Handler }

func (a *App) Run() error {
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, ok := middleware.ReqMetadataFrom(r.Context())
	if !ok || reqMeta.UserID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("userID", reqMeta.UserID),
	)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}
	a.metrics.TotalConnections.Add(1)

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig{
			WriteTimeout: a.config.Transport.WriteTimeout,
			PingInterval: a.config.Transport.PingInterval,
			SendBuffer:   a.config.Transport.SendBuffer,
		},
		a.logger,
	)

	// Handlers must be attached before the session becomes visible in the
	// registry: a racing login for the same identity may close this
	// connection the instant Register returns, and that close must find
	// the cleanup handler already in place.
	conn.SetOnMessageHandler(a.eventRouter.HandleMessage)
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		connLogger.Info("Deregistering connection due to closure", slog.String("connID", id.String()))
		a.manager.LeaveAll(id)
		a.manager.Unregister(conn)
		a.metrics.TotalDisconnects.Add(1)
	})

	prev, err := a.manager.Register(reqMeta.UserID, reqMeta.Role, conn)
	if err != nil {
		connLogger.Error("Failed to register session", slog.Any("error", err))
		a.metrics.FailedAuths.Add(1)
		conn.Close(err)
		return
	}
	a.metrics.SuccessfulAuths.Add(1)

	// Last-registered-wins: forcibly close the superseded connection so
	// the old device observes why it stopped receiving events. Its close
	// path runs LeaveAll/Unregister, which the registry treats as stale.
	if prev != nil {
		connLogger.Info("Closing superseded connection", slog.String("connID", prev.ID().String()))
		a.metrics.Superseded.Add(1)
		prev.Close(errSuperseded)
	}

	// Operational staff are addressable as a fixed audience from the
	// moment they connect.
	if reqMeta.Role == state.RoleAdmin {
		if err := a.manager.Join(state.AdminChannel, conn.ID()); err != nil {
			connLogger.Error("Failed to join admin channel", slog.Any("error", err))
		}
	}

	connLogger.Info("User connection fully established", slog.String("connID", conn.ID().String()))
	conn.Run()

	if ack, err := protocol.NewEvent(protocol.EventConnected, "", protocol.Connected{UserID: reqMeta.UserID}); err == nil {
		a.broadcaster.Send(conn, ack)
	}

	<-conn.Done()
}

// Shutdown runs the graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// close all active WebSocket connections.
	a.logger.Info("Closing all active connections...")
	for _, userID := range a.manager.ConnectedUsers() {
		if conn, ok := a.manager.ConnectionFor(userID); ok {
			conn.Close(errors.New("graceful shutdown"))
		}
	}

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	a.logger.Info("Server shut down gracefully.")
	return nil
}
