package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// sweepTimeout bounds the store writes of one retention pass.
const sweepTimeout = 30 * time.Second

// Sweep runs one retention pass: queued tasks past their expiry are
// cancelled, and terminal tasks older than the retention window are deleted
// together with their history. Returns the counts of both.
func (s *Service) Sweep(ctx context.Context) (expired, removed int64, err error) {
	expired, err = s.repo.ExpireTasks(ctx)
	if err != nil {
		return 0, 0, err
	}
	removed, err = s.repo.CleanupOld(ctx, s.config.Retention)
	if err != nil {
		return expired, 0, err
	}
	if expired > 0 || removed > 0 {
		s.logger.Info("retention sweep",
			zap.Int64("expired", expired),
			zap.Int64("removed", removed))
	}
	return expired, removed, nil
}

func (s *Service) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
			if _, _, err := s.Sweep(ctx); err != nil {
				s.logger.Warn("retention sweep failed", zap.Error(err))
			}
			cancel()
		}
	}
}
