package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// keepAlive pings the peer of t every interval until ctx is done. More than threshold consecutive
// failed pings stop the transport.
func keepAlive(ctx context.Context, t Transport, interval time.Duration, threshold int, logger *slog.Logger) {
	if interval <= 0 {
		return
	}

	pingTicker := time.NewTicker(interval)
	defer pingTicker.Stop()

	failedPings := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
		}

		if err := ping(ctx, t, interval); err != nil {
			if ctx.Err() != nil {
				return
			}
			failedPings++
			logger.Warn("failed to ping peer",
				slog.Int("failedPings", failedPings),
				slog.String("err", err.Error()))
			if failedPings > threshold {
				logger.Warn("too many pings failed, closing session")
				_ = t.Stop()
				return
			}
			continue
		}
		failedPings = 0
	}
}

func ping(ctx context.Context, t Transport, timeout time.Duration) error {
	pCtx, pCancel := context.WithTimeout(ctx, timeout)
	defer pCancel()

	req, err := NewRequest(methodPing, nil)
	if err != nil {
		return err
	}
	if _, err := t.SendRequest(pCtx, req); err != nil {
		return fmt.Errorf("failed to send ping: %w", err)
	}
	return nil
}
