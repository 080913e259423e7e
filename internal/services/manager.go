// Package services wires the application together: storage, the set
// registry, the match engine, the update propagator, and the HTTP
// server. The Manager owns component lifecycles so that cmd/ can stay
// a thin shell around flags and signals.
package services

import (
	"log/slog"

	"oaiserver/internal/config"
	"oaiserver/internal/match"
	"oaiserver/internal/propagator"
	"oaiserver/internal/pubsub"
	"oaiserver/internal/records"
	"oaiserver/internal/server"
	"oaiserver/internal/sets"

	"go.mongodb.org/mongo-driver/mongo"
)

// Options selects which roles this process runs. A single process can
// run both the harvest server and the propagation worker.
type Options struct {
	RunServer bool
	RunWorker bool
}

type Manager struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	mongoClient *mongo.Client
	provider    pubsub.Provider

	recordStore records.Store
	setStore    sets.Store
	registry    *sets.Registry
	engine      *match.Engine

	propagator *propagator.Service
	server     server.Service
}

func NewManager(cfg *config.Config, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		opts:   opts,
		logger: logger,
	}
}

// Registry exposes the set registry, mainly for tests and tooling.
func (m *Manager) Registry() *sets.Registry {
	return m.registry
}
