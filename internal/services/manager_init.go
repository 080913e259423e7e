package services

import (
	"context"
	"fmt"

	"oaiserver/internal/config"
	"oaiserver/internal/match"
	"oaiserver/internal/oai/formats"
	"oaiserver/internal/oai/rest"
	"oaiserver/internal/propagator"
	"oaiserver/internal/pubsub"
	"oaiserver/internal/records"
	"oaiserver/internal/server"
	"oaiserver/internal/sets"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

var storesFactory = func(ctx context.Context, cfg *config.Config) (records.Store, sets.Store, *mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Storage.URI))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	db := client.Database(cfg.Storage.Database)
	recordStore, err := records.NewMongoStore(ctx, db.Collection(cfg.Storage.RecordsCollection))
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, nil, fmt.Errorf("failed to init record store: %w", err)
	}
	setStore, err := sets.NewMongoStore(ctx, db.Collection(cfg.Storage.SetsCollection))
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, nil, fmt.Errorf("failed to init set store: %w", err)
	}
	return recordStore, setStore, client, nil
}

var providerFactory = func(cfg propagator.Config) (pubsub.Provider, error) {
	if cfg.NatsURL == "" {
		return pubsub.NewMemoryEngine(), nil
	}
	return pubsub.NewNatsEngine(cfg.NatsURL)
}

func (m *Manager) Init(ctx context.Context) error {
	recordStore, setStore, client, err := storesFactory(ctx, m.cfg)
	if err != nil {
		return err
	}
	m.recordStore = recordStore
	m.setStore = setStore
	m.mongoClient = client
	m.logger.Info("Connected to storage", "database", m.cfg.Storage.Database)

	provider, err := providerFactory(m.cfg.Propagator)
	if err != nil {
		return fmt.Errorf("failed to connect to message bus: %w", err)
	}
	m.provider = provider

	publisher, err := provider.NewPublisher(pubsub.PublisherOptions{
		StreamName: m.cfg.Propagator.StreamName,
		Subjects:   []string{sets.EventSubject},
	})
	if err != nil {
		return fmt.Errorf("failed to create set event publisher: %w", err)
	}

	m.registry = sets.NewRegistry(m.setStore, publisher, m.recordStore, m.logger)
	m.engine = match.NewEngine(m.recordStore, m.registry, m.logger)
	m.registry.BindRegistrar(m.engine)
	if err := m.registry.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore set registry: %w", err)
	}

	if m.opts.RunWorker {
		m.propagator = propagator.NewService(m.cfg.Propagator, m.recordStore, m.engine, m.logger)
		m.logger.Info("Initialized update propagator")
	}

	if m.opts.RunServer {
		m.server = server.New(m.cfg.Server, m.logger)
		handler := rest.NewHandler(m.cfg.OAI, m.recordStore, m.registry, formats.Default(), m.engine, m.logger)
		handler.RegisterRoutes(m.server.HTTPMux())
		m.logger.Info("Initialized harvest server")
	}

	return nil
}
