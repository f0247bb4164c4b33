package session

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
)

// Start schedules periodic token refresh and attempt-window pruning. ctx
// scopes the refresh requests.
func (m *Manager) Start(ctx context.Context) error {
	m.cronMu.Lock()
	defer m.cronMu.Unlock()

	if m.cron != nil {
		return nil
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	if _, err := c.AddFunc(fmt.Sprintf("@every %s", m.cfg.RefreshInterval), func() {
		if !m.IsAuthenticated() {
			return
		}
		if err := m.RefreshToken(ctx); err != nil {
			m.logger.Warn("scheduled refresh failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule refresh: %w", err)
	}

	if _, err := c.AddFunc(fmt.Sprintf("@every %s", m.cfg.PruneInterval), func() {
		remaining := m.PruneAttempts()
		m.logger.Debug("pruned login attempts", "remaining", remaining)
	}); err != nil {
		return fmt.Errorf("schedule prune: %w", err)
	}

	c.Start()
	m.cron = c

	m.logger.Info("session scheduler started",
		"refresh_interval", m.cfg.RefreshInterval,
		"prune_interval", m.cfg.PruneInterval,
	)
	return nil
}

// Stop ends the scheduled jobs and waits for a running job to finish.
func (m *Manager) Stop(ctx context.Context) error {
	m.cronMu.Lock()
	c := m.cron
	m.cron = nil
	m.cronMu.Unlock()

	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
		m.logger.Info("session scheduler stopped")
		return nil
	case <-ctx.Done():
		m.logger.Warn("session scheduler stop timed out")
		return ctx.Err()
	}
}
