package daemon

import (
	"context"
	"time"
)

// DefaultStatusInterval is how often Run logs daemon status.
const DefaultStatusInterval = 30 * time.Second

// Run blocks until ctx is done, logging status and degraded tabs every
// interval. A non-positive interval uses DefaultStatusInterval.
func (d *Daemon) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultStatusInterval
	}
	d.logger.Info().Msg("Event loop started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info().Msg("Event loop stopping")
			return
		case <-ticker.C:
			d.checkTabs()
		}
	}
}

// checkTabs logs status and every tab whose storage fell back to memory.
func (d *Daemon) checkTabs() int {
	d.mu.Lock()
	tabs := make([]*Tab, 0, len(d.tabs))
	for _, tab := range d.tabs {
		tabs = append(tabs, tab)
	}
	d.mu.Unlock()

	degraded := 0
	for _, tab := range tabs {
		if tab.Hub.Degraded() {
			degraded++
			d.logger.Warn().Str("tab", tab.ID).Msg("Tab storage degraded to memory")
		}
	}

	status := d.Status()
	d.logger.Debug().
		Dur("uptime", status.Uptime).
		Int("tabs", status.Tabs).
		Int("degraded", degraded).
		Msg("Status")
	return degraded
}
