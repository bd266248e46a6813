package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/middts/middts-core/internal/audit"
	"github.com/middts/middts-core/internal/causal"
	"github.com/middts/middts-core/internal/infrastructure/config"
	"github.com/middts/middts-core/internal/infrastructure/logging"
	"github.com/middts/middts-core/internal/process"
	"github.com/middts/middts-core/internal/twin"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Properties reads and writes twin properties. causal.Sync implements it.
type Properties interface {
	Write(ctx context.Context, propertyID int64, value any, opts causal.WriteOptions) (causal.Outcome, error)
	Describe(ctx context.Context, propertyID int64) (twin.Property, causal.State, error)
	Refresh(ctx context.Context, propertyID int64) (causal.Outcome, error)
}

// Events lists recorded sync events. audit.SQLiteRepository implements it.
type Events interface {
	List(ctx context.Context, filter audit.Filter) (*audit.ListResult, error)
}

// Listeners reports the devices with a running telemetry listener.
// telemetry.Supervisor implements it.
type Listeners interface {
	Devices() []int64
}

// Services reports supervised services. process.Supervisor implements it.
type Services interface {
	Stats() []process.Stats
	InFlight() int
}

// Broker reports the MQTT connection. mqtt.Client implements it.
type Broker interface {
	IsConnected() bool
}

// Deps holds the dependencies required by the API server. Events,
// Listeners, Services, MQTT and DB are optional.
type Deps struct {
	Config     config.APIConfig
	Logger     *logging.Logger
	Properties Properties
	Events     Events
	Listeners  Listeners
	Services   Services
	MQTT       Broker
	DB         *sql.DB
	Version    string
}

// Server is the ops HTTP server.
type Server struct {
	cfg        config.APIConfig
	logger     *logging.Logger
	properties Properties
	events     Events
	listeners  Listeners
	services   Services
	mqtt       Broker
	db         *sql.DB
	version    string
	startTime  time.Time

	server   *http.Server
	listener net.Listener
}

// New creates a server. It does not listen until Start is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Properties == nil {
		return nil, fmt.Errorf("property sync is required")
	}

	return &Server{
		cfg:        deps.Config,
		logger:     deps.Logger,
		properties: deps.Properties,
		events:     deps.Events,
		listeners:  deps.Listeners,
		services:   deps.Services,
		mqtt:       deps.MQTT,
		db:         deps.DB,
		version:    deps.Version,
		startTime:  time.Now(),
	}, nil
}

// Handler returns the router without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start binds the listener and serves in the background until Close.
func (s *Server) Start(_ context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}
	s.listener = ln
	s.logger.Info("API server starting", "address", ln.Addr().String())

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, empty before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the server, waiting up to 10 seconds for
// in-flight requests.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
