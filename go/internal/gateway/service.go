// Package gateway is the UI boundary of a scoreboard client: websocket
// screens, a small REST surface and a connect RPC service.
package gateway

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/irfan38431/nerf-showdown/go/internal/match"
)

// Service wires the hub and handlers to one scoreboard client
type Service struct {
	ctrl         Controller
	hub          *Hub
	wsHandler    *WebSocketHandler
	stateHandler *StateHandler
	rpc          *MatchService
}

// Config holds configuration for the gateway
type Config struct {
	ConnectionConfig ConnectionConfig
}

// DefaultConfig returns default configuration for the gateway
func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
	}
}

// NewService creates a new gateway over ctrl
func NewService(config Config, ctrl Controller) *Service {
	hub := NewHub(config.ConnectionConfig, ctrl)
	return &Service{
		ctrl:         ctrl,
		hub:          hub,
		wsHandler:    NewWebSocketHandler(hub),
		stateHandler: NewStateHandler(ctrl),
		rpc:          NewMatchService(ctrl),
	}
}

// Start broadcasts every view change to the screens until ctx is done
func (s *Service) Start(ctx context.Context) {
	log.Info().Msg("starting scoreboard gateway")

	remove := s.ctrl.OnChange(func(st match.State) {
		s.hub.Broadcast(stateFrame(match.Project(st)))
	})
	defer remove()

	s.hub.Start(ctx)
	log.Info().Msg("scoreboard gateway stopped")
}

// ReportError tells every screen that a change did not reach the store.
func (s *Service) ReportError(err error) {
	s.hub.Broadcast(errorFrame(err))
}

// RegisterRoutes registers the websocket, REST and RPC routes
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	s.stateHandler.RegisterStateRoutes(mux)
	mux.Handle(NewMatchServiceHandler(s.rpc))
	log.Info().Msg("scoreboard gateway routes registered")
}

// Connections returns the number of open screen connections
func (s *Service) Connections() int {
	return s.hub.Count()
}
