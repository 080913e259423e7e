package services

import "context"

// Start runs the configured roles. It blocks until the context is
// canceled or the HTTP listener fails.
func (m *Manager) Start(ctx context.Context) error {
	if m.propagator != nil {
		if err := m.propagator.Start(ctx, m.provider); err != nil {
			return err
		}
		m.logger.Info("Update propagator running")
	}

	if m.server != nil {
		return m.server.Start(ctx)
	}

	// Worker-only process: nothing else blocks, so wait here.
	<-ctx.Done()
	return nil
}
