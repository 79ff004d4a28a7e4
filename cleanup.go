package emqtt

import (
	"time"

	"go.uber.org/zap"
)

// startCleanupRoutine starts background removal of old attachments
func (p *Plugin) startCleanupRoutine() {
	maxAge := p.cfg.Attachments.CleanupAfter
	stop := make(chan struct{})

	p.mu.Lock()
	p.cleanupStop = stop
	p.mu.Unlock()

	ticker := time.NewTicker(cleanupInterval(maxAge))

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				p.cleanupAttachments(maxAge)
			}
		}
	}()
}

// cleanupAttachments removes attachments older than maxAge
func (p *Plugin) cleanupAttachments(maxAge time.Duration) {
	removed, err := p.store.Cleanup(maxAge)
	if err != nil {
		p.log.Error("attachment cleanup failed", zap.String("dir", p.store.Dir()), zap.Error(err))
		return
	}

	if removed > 0 {
		p.log.Info("old attachments removed",
			zap.String("dir", p.store.Dir()),
			zap.Int("removed", removed),
			zap.Duration("max_age", maxAge),
		)
	}
}

// cleanupInterval is half the retention period, capped at one minute
func cleanupInterval(maxAge time.Duration) time.Duration {
	interval := maxAge / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval <= 0 {
		interval = time.Second
	}
	return interval
}
