package server

import (
	"context"
	"time"

	"github.com/openfroyo/froyoflow/pkg/engine"
)

// Reap reclaims sessions that are idle past IdleTimeout with no running
// Process, and sessions older than MaxSessionAge regardless of activity.
// Reaped ids fail with SESSION_EXPIRED afterwards. It returns the number of
// sessions reclaimed.
func (s *Server) Reap(ctx context.Context) int {
	now := s.now()
	reaped := 0

	for _, session := range s.cache.Sessions() {
		reason := ""
		switch {
		case now.Sub(session.CreatedAt()) > s.cfg.MaxSessionAge:
			reason = "max_age"
		case now.Sub(session.LastSeen()) > s.cfg.IdleTimeout && !session.InFlight():
			reason = "idle"
		default:
			continue
		}

		removed := s.cache.Remove(session.ID(), engine.ErrCodeSessionExpired, now)
		if removed == nil {
			continue
		}
		s.metrics.RecordSessionReaped(reason)
		_ = s.dispose(ctx, removed, reason, true)
		reaped++
	}

	if purged := s.cache.PurgeTombstones(now, s.cfg.TombstoneTTL); purged > 0 {
		s.logger.Debug().Int("purged", purged).Msg("Purged session tombstones")
	}
	if reaped > 0 {
		s.logger.Info().Int("reaped", reaped).Int("live", s.cache.Len()).Msg("Reaped executor sessions")
	}
	return reaped
}

// RunReaper calls Reap every ReapInterval until ctx is done.
func (s *Server) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Reap(ctx)
		}
	}
}
