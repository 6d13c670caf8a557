package app

import (
	"context"
	"log/slog"
	"time"

	"go.mau.fi/util/exsync"
)

// SuperviseSync runs syncFn until shutdown is set. Each run races the
// shutdown event; a run that ends on its own is logged and retried after
// retryDelay. before, when set, runs ahead of every attempt.
func SuperviseSync(logger *slog.Logger, shutdown *exsync.Event, retryDelay time.Duration, before func(), syncFn func(context.Context) error) {
	for !shutdown.IsSet() {
		if before != nil {
			before()
		}

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() {
			errCh <- syncFn(ctx)
		}()

		select {
		case <-shutdown.GetChan():
			cancel()
			<-errCh
			logger.Info("sync loop stopped")
			return
		case err := <-errCh:
			cancel()
			if shutdown.IsSet() {
				return
			}
			if err != nil {
				logger.Error("sync loop failed, retrying", "error", err, "retry_in", retryDelay)
			} else {
				logger.Warn("sync loop ended, restarting", "retry_in", retryDelay)
			}
		}

		timer := time.NewTimer(retryDelay)
		select {
		case <-shutdown.GetChan():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
