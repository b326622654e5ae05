// Package crawler fans out short-lived work items, one per peer, and joins
// them with a deadline. Nothing is persisted between cycles.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type Node struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Protocol string `json:"protocol,omitempty"`
}

type WorkItem struct {
	Node     Node
	Protocol string
}

type Directory interface {
	Nodes(ctx context.Context) ([]Node, error)
}

type StaticDirectory []Node

func (d StaticDirectory) Nodes(context.Context) ([]Node, error) {
	return append([]Node(nil), d...), nil
}

// Adapter fetches one peer's catalog over a protocol.
type Adapter interface {
	Fetch(ctx context.Context, item WorkItem) (Catalog, error)
}

type Plan struct {
	PreTask   func(ctx context.Context) error
	Directory Directory
	OnSuccess func(ctx context.Context, item WorkItem, c Catalog)
	PostTask  func(ctx context.Context, outcomes []Outcome) error
}

type Outcome struct {
	Item    WorkItem
	Catalog Catalog
	Err     error
}

type Orchestrator struct {
	ItemTimeout     time.Duration
	DefaultProtocol string
	Limiter         *rate.Limiter
	Logger          *slog.Logger

	mu       sync.RWMutex
	adapters map[string]Adapter
}

const DefaultItemTimeout = 10 * time.Second

func (o *Orchestrator) RegisterAdapter(protocol string, a Adapter) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.adapters == nil {
		o.adapters = make(map[string]Adapter)
	}
	o.adapters[protocol] = a
}

func (o *Orchestrator) adapter(protocol string) (Adapter, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	a, ok := o.adapters[protocol]
	return a, ok
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

var ErrNoAdapter = errors.New("no adapter for protocol")

// ExecutePlan runs one cycle. A failing pre-task or item is logged and does
// not stop the others; outcomes come back in directory order.
func (o *Orchestrator) ExecutePlan(ctx context.Context, plan Plan) ([]Outcome, error) {
	log := o.logger()
	if plan.PreTask != nil {
		if err := plan.PreTask(ctx); err != nil {
			log.WarnContext(ctx, "crawler pre-task failed", "error", err)
		}
	}
	if plan.Directory == nil {
		return nil, errors.New("crawler: plan has no directory")
	}
	nodes, err := plan.Directory.Nodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	if len(nodes) == 0 {
		log.InfoContext(ctx, "crawler has no work items, skipping cycle")
		return nil, nil
	}

	items := make([]WorkItem, len(nodes))
	for i, n := range nodes {
		protocol := n.Protocol
		if protocol == "" {
			protocol = o.DefaultProtocol
		}
		items[i] = WorkItem{Node: n, Protocol: protocol}
	}

	outcomes := make([]Outcome, len(items))
	var g errgroup.Group
	for i, item := range items {
		g.Go(func() error {
			outcomes[i] = o.run(ctx, item)
			return nil
		})
	}
	_ = g.Wait()

	var failed int
	for _, out := range outcomes {
		if out.Err != nil {
			failed++
			log.WarnContext(ctx, "crawl failed", "node", out.Item.Node.ID, "protocol", out.Item.Protocol, "error", out.Err)
			continue
		}
		if plan.OnSuccess != nil {
			plan.OnSuccess(ctx, out.Item, out.Catalog)
		}
	}
	log.InfoContext(ctx, "crawl cycle finished", "items", len(items), "failed", failed)

	if plan.PostTask != nil {
		if err := plan.PostTask(ctx, outcomes); err != nil {
			log.WarnContext(ctx, "crawler post-task failed", "error", err)
		}
	}
	return outcomes, nil
}

func (o *Orchestrator) run(ctx context.Context, item WorkItem) (out Outcome) {
	out.Item = item
	defer func() {
		if rec := recover(); rec != nil {
			out.Err = fmt.Errorf("adapter panicked: %v", rec)
		}
	}()
	a, ok := o.adapter(item.Protocol)
	if !ok {
		out.Err = fmt.Errorf("%w %q", ErrNoAdapter, item.Protocol)
		return out
	}
	if o.Limiter != nil {
		if err := o.Limiter.Wait(ctx); err != nil {
			out.Err = err
			return out
		}
	}
	timeout := o.ItemTimeout
	if timeout <= 0 {
		timeout = DefaultItemTimeout
	}
	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out.Catalog, out.Err = a.Fetch(ictx, item)
	return out
}
