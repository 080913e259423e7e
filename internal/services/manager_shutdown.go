package services

import "context"

// Shutdown stops components in reverse dependency order: listener
// first so no new mutations arrive, then the propagator, then the
// transports underneath.
func (m *Manager) Shutdown(ctx context.Context) {
	if m.server != nil {
		if err := m.server.Stop(ctx); err != nil {
			m.logger.Error("Error stopping HTTP server", "error", err)
		}
	}

	if m.propagator != nil {
		m.propagator.Stop()
	}

	if m.provider != nil {
		if err := m.provider.Close(); err != nil {
			m.logger.Error("Error closing message bus", "error", err)
		}
	}

	if m.mongoClient != nil {
		if err := m.mongoClient.Disconnect(ctx); err != nil {
			m.logger.Error("Error disconnecting from storage", "error", err)
		}
	}
}
