package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/atmx/fxsim/internal/game"
)

// RunTicker advances the market every interval until ctx is done. A failed
// step is logged and the next tick tries again.
func RunTicker(ctx context.Context, svc *game.Service, every time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	logger.Info("market ticker started", "tick_every", every.String())
	for {
		select {
		case <-ctx.Done():
			logger.Info("market ticker shutdown")
			return nil
		case <-ticker.C:
			res, err := svc.Advance(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.Error("market tick failed", "err", err)
				continue
			}
			if res.Warning != "" {
				logger.Warn("market tick not persisted", "warning", res.Warning, "version", res.Version)
			}
		}
	}
}
