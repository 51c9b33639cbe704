// ABOUTME: Cached snapshot of the runtime's loaded classes behind the class-loaded command.
// ABOUTME: One attach round trip per minute at most; failures are not cached.

package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/burrow/internal/plugin"
	"github.com/2389/burrow/internal/ttlcache"
)

const (
	classCacheTTL = time.Minute
	runtimeKey    = "runtime"
)

type classSnapshot struct {
	inst   plugin.Instrumentation
	cache  *ttlcache.Cache[string, map[string]struct{}]
	logger *slog.Logger
}

func newClassSnapshot(inst plugin.Instrumentation, logger *slog.Logger) *classSnapshot {
	return &classSnapshot{
		inst:   inst,
		cache:  ttlcache.New[string, map[string]struct{}](classCacheTTL, 1, 0),
		logger: logger,
	}
}

func (c *classSnapshot) runtimeClasses(ctx context.Context) map[string]struct{} {
	if c.inst == nil {
		return nil
	}
	set, err := c.cache.GetOrLoad(runtimeKey, func() (map[string]struct{}, error) {
		names, err := c.inst.LoadedClasses(ctx)
		if err != nil {
			return nil, err
		}
		set := make(map[string]struct{}, len(names))
		for _, n := range names {
			set[n] = struct{}{}
		}
		c.logger.Debug("refreshed loaded class snapshot", "classes", len(set))
		return set, nil
	})
	if err != nil {
		c.logger.Warn("listing loaded classes failed", "error", err)
		return nil
	}
	return set
}

// IsLoaded reports whether the runtime itself has class loaded. It
// implements plugin.ClassChecker.
func (c *classSnapshot) IsLoaded(ctx context.Context, class string) bool {
	_, ok := c.runtimeClasses(ctx)[class]
	return ok
}

func (c *classSnapshot) sweep() {
	c.cache.Sweep()
}

func (c *classSnapshot) close() {
	c.cache.Close()
}
