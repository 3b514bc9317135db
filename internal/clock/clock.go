package clock

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Clock abstracts the current time so waits can be corrected and tested.
type Clock interface {
	Now() time.Time
}

type System struct{}

func (System) Now() time.Time { return time.Now() }

var DefaultServers = []string{
	"https://www.proshop.fi",
	"https://www.cloudflare.com",
	"https://www.google.com",
}

// OffsetClock corrects the local clock by the average offset observed in the
// Date headers of a few well-synchronised servers.
type OffsetClock struct {
	mu       sync.RWMutex
	offset   time.Duration
	lastSync time.Time
	synced   bool
	maxAge   time.Duration

	client *http.Client
	logger *slog.Logger
}

func NewOffsetClock(logger *slog.Logger) *OffsetClock {
	if logger == nil {
		logger = slog.Default()
	}
	return &OffsetClock{
		client: &http.Client{Timeout: 5 * time.Second},
		maxAge: time.Hour,
		logger: logger.With("component", "clock"),
	}
}

// Sync measures the offset against servers and keeps the average. It fails
// only when no server answered with a usable Date header.
func (c *OffsetClock) Sync(ctx context.Context, servers ...string) error {
	if len(servers) == 0 {
		servers = DefaultServers
	}

	var total time.Duration
	ok := 0

	for _, server := range servers {
		offset, err := c.measure(ctx, server)
		if err != nil {
			c.logger.Debug("time sync failed", "server", server, "error", err)
			continue
		}
		c.logger.Debug("time offset measured", "server", server, "offset", offset)
		total += offset
		ok++
	}

	if ok == 0 {
		return fmt.Errorf("failed to sync time with any of %d servers", len(servers))
	}

	c.mu.Lock()
	c.offset = total / time.Duration(ok)
	c.lastSync = time.Now()
	c.synced = true
	c.mu.Unlock()

	c.logger.Info("clock synchronised", "offset", c.Offset(), "servers", ok)
	return nil
}

func (c *OffsetClock) measure(ctx context.Context, url string) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, err
	}

	before := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	after := time.Now()

	header := resp.Header.Get("Date")
	if header == "" {
		return 0, fmt.Errorf("no Date header in response")
	}
	serverTime, err := http.ParseTime(header)
	if err != nil {
		return 0, fmt.Errorf("failed to parse Date header: %w", err)
	}

	// Date has one second resolution; half the round trip is the best guess
	// for when the server stamped it.
	local := before.Add(after.Sub(before) / 2)
	return serverTime.Sub(local), nil
}

func (c *OffsetClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.synced {
		return time.Now()
	}
	return time.Now().Add(c.offset)
}

func (c *OffsetClock) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}

func (c *OffsetClock) IsSynced() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.synced
}

// ShouldResync reports whether the clock was never synced or the last sync
// is older than an hour.
func (c *OffsetClock) ShouldResync() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.synced || time.Since(c.lastSync) > c.maxAge
}

// KeepSynced checks every interval whether the offset went stale and resyncs
// it, until ctx is done. Failed resyncs keep the previous offset.
func (c *OffsetClock) KeepSynced(ctx context.Context, every time.Duration, servers ...string) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if !c.ShouldResync() {
			continue
		}
		if err := c.Sync(ctx, servers...); err != nil && ctx.Err() == nil {
			c.logger.Warn("clock resync failed", "synced", c.IsSynced(), "error", err)
		}
	}
}
