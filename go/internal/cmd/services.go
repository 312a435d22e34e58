package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/irfan38431/nerf-showdown/go/internal/config"
	"github.com/irfan38431/nerf-showdown/go/internal/docstore"
	"github.com/irfan38431/nerf-showdown/go/internal/docstore/natsstore"
	"github.com/irfan38431/nerf-showdown/go/internal/docstore/pgstore"
	"github.com/irfan38431/nerf-showdown/go/internal/gateway"
	"github.com/irfan38431/nerf-showdown/go/internal/scoreboard"
)

type Services struct {
	Store   docstore.Store
	Client  *scoreboard.Client
	Gateway *gateway.Service

	closers []func() error
}

// setupServices wires store → client → gateway.
func setupServices(ctx context.Context, cfg config.Config) (*Services, error) {
	s := &Services{}

	store, err := s.setupStore(ctx, cfg)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Store = store

	// the gateway does not exist yet when the client is built
	var gw *gateway.Service
	s.Client = scoreboard.New(store, cfg.Scoreboard(), scoreboard.WithWriteErrorHandler(func(err error) {
		if gw != nil {
			gw.ReportError(err)
		}
	}))
	gw = gateway.NewService(gateway.DefaultConfig(), s.Client)
	s.Gateway = gw

	log.Info().
		Str("client", s.Client.ID()).
		Str("store", cfg.Store.Driver).
		Str("match", cfg.Match.Key).
		Str("countdown_policy", cfg.Match.CountdownPolicy).
		Msg("services ready")
	return s, nil
}

func (s *Services) setupStore(ctx context.Context, cfg config.Config) (docstore.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		log.Warn().Msg("using in-memory store; state is shared only within this process")
		return docstore.NewMemoryStore(), nil

	case config.DriverPostgres:
		database, err := setupDatabase(ctx, cfg.DB)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, database.Close)

		pgCfg := pgstore.DefaultConfig()
		pgCfg.DatabaseURL = cfg.DB.DSN()
		store, err := pgstore.New(ctx, database, pgCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres store: %w", err)
		}
		s.closers = append(s.closers, store.Close)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return store, nil

	case config.DriverNATS:
		store, err := natsstore.New(ctx, cfg.NATS())
		if err != nil {
			return nil, fmt.Errorf("failed to create NATS store: %w", err)
		}
		s.closers = append(s.closers, store.Close)
		return store, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// Close releases store resources in reverse order of creation.
func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			log.Error().Err(err).Msg("failed to close resource")
		}
	}
	s.closers = nil
}
