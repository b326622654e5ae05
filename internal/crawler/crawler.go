package crawler

import (
	"context"
	"log/slog"
)

// Crawler wires the orchestrator to a node directory and catalog cache.
type Crawler struct {
	Orchestrator *Orchestrator
	Directory    Directory
	Cache        *CatalogCache
	Logger       *slog.Logger
}

func (c *Crawler) Plan() Plan {
	return Plan{
		PreTask:   c.Cache.ExpireStale,
		Directory: c.Directory,
		OnSuccess: func(_ context.Context, _ WorkItem, cat Catalog) { c.Cache.Put(cat) },
	}
}

// RunOnce executes a single crawl cycle.
func (c *Crawler) RunOnce(ctx context.Context) ([]Outcome, error) {
	return c.Orchestrator.ExecutePlan(ctx, c.Plan())
}

// Run crawls on every tick of s until ctx is done.
func (c *Crawler) Run(ctx context.Context, s *Scheduler) error {
	return s.Run(ctx, func(ctx context.Context) {
		if _, err := c.RunOnce(ctx); err != nil {
			c.logger().ErrorContext(ctx, "crawl cycle failed", "error", err)
		}
	})
}

func (c *Crawler) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}
