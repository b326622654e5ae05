// Package statemachine runs per-state actions over leased entities. Several
// managers, possibly in different processes, may poll one store; leases
// guarantee each entity is worked by at most one of them at a time.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"connector/internal/domain"
	"connector/internal/store"
)

// Action is the work for one state. It runs with the entity leased and may
// mutate fields other than the state bookkeeping.
type Action[E store.Record] func(ctx context.Context, e E) Outcome

type Processor[E store.Record] struct {
	State  int
	Action Action[E]
}

// TransitionFunc observes a saved state change.
type TransitionFunc[E store.Record] func(ctx context.Context, e E, from, to int)

// Clock abstracts time for deterministic tests.
type Clock struct {
	Now   func() time.Time
	After func(time.Duration) <-chan time.Time
}

type Config struct {
	States domain.StateSet
	// Role limits polling to entities playing this role; empty means all.
	Role          string
	BatchSize     int
	Workers       int
	QueueCapacity int
	PollInterval  time.Duration
	ActionTimeout time.Duration
	// RetryBackoff is how long a retried entity stays leased. Zero means the
	// store's lease duration.
	RetryBackoff time.Duration
	// RetryLimit is how many retries a state gets before the entity is
	// terminated. Zero selects DefaultRetryLimit; NoRetries allows none.
	RetryLimit int
	// RetryLimits overrides RetryLimit per state code.
	RetryLimits map[int]int
	Clock       Clock
	Logger      *slog.Logger
}

const (
	DefaultBatchSize     = 20
	DefaultWorkers       = 4
	DefaultPollInterval  = time.Second
	DefaultActionTimeout = 30 * time.Second
	DefaultRetryLimit    = 7
	// NoRetries as a RetryLimit terminates an entity on its first retry.
	NoRetries = -1
)

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = c.BatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = DefaultActionTimeout
	}
	switch {
	case c.RetryLimit < 0:
		c.RetryLimit = 0
	case c.RetryLimit == 0:
		c.RetryLimit = DefaultRetryLimit
	}
	if c.Clock.Now == nil {
		c.Clock.Now = time.Now
	}
	if c.Clock.After == nil {
		c.Clock.After = time.After
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type Manager[E store.Record] struct {
	store      store.Store[E]
	cfg        Config
	log        *slog.Logger
	mu         sync.RWMutex
	processors map[int]Processor[E]
	listeners  []TransitionFunc[E]
	running    bool
}

func New[E store.Record](st store.Store[E], cfg Config) (*Manager[E], error) {
	if st == nil {
		return nil, errors.New("statemachine: store is required")
	}
	if len(cfg.States.Names) == 0 {
		return nil, errors.New("statemachine: state set is required")
	}
	cfg = cfg.withDefaults()
	return &Manager[E]{
		store:      st,
		cfg:        cfg,
		log:        cfg.Logger.With("kind", cfg.States.Kind),
		processors: make(map[int]Processor[E]),
	}, nil
}

// Register installs the action for one non-terminal state.
func (m *Manager[E]) Register(p Processor[E]) error {
	states := m.cfg.States
	switch {
	case p.Action == nil:
		return fmt.Errorf("%s: nil action for state %d", states.Kind, p.State)
	case !states.Valid(p.State):
		return fmt.Errorf("%s: unknown state %d", states.Kind, p.State)
	case states.IsTerminal(p.State):
		return fmt.Errorf("%s: state %s is terminal", states.Kind, states.Name(p.State))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.New("statemachine: register after start")
	}
	if _, ok := m.processors[p.State]; ok {
		return fmt.Errorf("%s: state %s already has an action", states.Kind, states.Name(p.State))
	}
	m.processors[p.State] = p
	return nil
}

func (m *Manager[E]) OnTransition(fn TransitionFunc[E]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager[E]) Kind() string { return m.cfg.States.Kind }

func (m *Manager[E]) states() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]int, 0, len(m.processors))
	for s := range m.processors {
		out = append(out, s)
	}
	sort.Ints(out)
	return out
}

func (m *Manager[E]) processor(state int) (Processor[E], bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.processors[state]
	return p, ok
}

// claim polls all registered states in one query, oldest state timestamp
// first, and leases up to limit entities. Entities lost to another instance
// are skipped. selected reports how many rows the poll returned, leased or
// not.
func (m *Manager[E]) claim(ctx context.Context, limit int) (leased []E, selected int, err error) {
	states := m.states()
	if len(states) == 0 {
		return nil, 0, nil
	}
	candidates, err := m.store.NextNotLeased(ctx, limit, store.Criteria{States: states, Role: m.cfg.Role})
	if err != nil {
		return nil, 0, fmt.Errorf("poll %s: %w", m.cfg.States.Kind, err)
	}
	for _, c := range candidates {
		id := c.Base().ID
		e, err := m.store.FindByIDAndLease(ctx, id)
		switch {
		case err == nil:
			if e.Base().State != c.Base().State {
				// Changed between poll and lease; hand it back.
				m.release(ctx, e)
				continue
			}
			leased = append(leased, e)
		case errors.Is(err, store.ErrAlreadyLeased), errors.Is(err, store.ErrNotFound):
			m.log.DebugContext(ctx, "skipping entity", "id", id, "error", err)
		default:
			m.log.WarnContext(ctx, "lease failed", "id", id, "error", err)
		}
	}
	return leased, len(candidates), nil
}

// RunOnce performs one poll cycle and processes the leased entities
// inline. It returns how many were processed.
func (m *Manager[E]) RunOnce(ctx context.Context) (int, error) {
	leased, _, err := m.claim(ctx, m.cfg.BatchSize)
	for _, e := range leased {
		m.process(ctx, e)
	}
	return len(leased), err
}

// Run polls until ctx is done, feeding a bounded worker pool. Entities still
// queued at shutdown have their leases released.
func (m *Manager[E]) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("statemachine: already running")
	}
	m.running = true
	m.mu.Unlock()

	queue := make(chan E, m.cfg.QueueCapacity)
	var wg sync.WaitGroup
	for i := 0; i < m.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for e := range queue {
				if ctx.Err() != nil {
					m.release(ctx, e)
					continue
				}
				m.process(ctx, e)
			}
		}()
	}

	m.log.InfoContext(ctx, "state machine started", "workers", m.cfg.Workers, "batch_size", m.cfg.BatchSize)
	for {
		full := false
		if limit := min(m.cfg.BatchSize, cap(queue)-len(queue)); limit > 0 {
			leased, selected, err := m.claim(ctx, limit)
			if err != nil && ctx.Err() == nil {
				m.log.ErrorContext(ctx, "poll cycle aborted", "error", err)
			}
			for _, e := range leased {
				queue <- e
			}
			full = err == nil && selected == limit
		}
		if full {
			if ctx.Err() != nil {
				break
			}
			continue
		}
		select {
		case <-ctx.Done():
		case <-m.cfg.Clock.After(m.cfg.PollInterval):
			continue
		}
		break
	}
	close(queue)
	wg.Wait()
	m.log.InfoContext(context.WithoutCancel(ctx), "state machine stopped")
	return nil
}

func (m *Manager[E]) process(ctx context.Context, e E) {
	base := e.Base()
	proc, ok := m.processor(base.State)
	if !ok {
		m.release(ctx, e)
		return
	}
	actx, cancel := context.WithTimeout(ctx, m.cfg.ActionTimeout)
	out := m.invoke(actx, proc, e)
	if out.kind == retry && out.err == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		out.err = actx.Err()
	}
	cancel()
	m.apply(ctx, e, out)
}

func (m *Manager[E]) invoke(ctx context.Context, proc Processor[E], e E) (out Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			out = Retry(fmt.Errorf("action panicked: %v", rec))
		}
	}()
	out = proc.Action(ctx, e)
	if out.kind == 0 {
		out = Fatal(errors.New("action returned no outcome"))
	}
	return out
}

func (m *Manager[E]) retryLimit(state int) int {
	if n, ok := m.cfg.RetryLimits[state]; ok {
		return n
	}
	return m.cfg.RetryLimit
}

func (m *Manager[E]) apply(ctx context.Context, e E, out Outcome) {
	base := e.Base()
	states := m.cfg.States
	from := base.State
	now := m.cfg.Clock.Now()
	log := m.log.With("id", base.ID, "state", states.Name(from))
	saveCtx := context.WithoutCancel(ctx)

	var err error
	switch out.kind {
	case advance:
		if terr := base.Transition(states, out.next, now); terr != nil {
			log.ErrorContext(ctx, "invalid transition", "error", terr)
			base.Terminate(states, terr.Error(), now)
		}
		err = m.store.Save(saveCtx, e)
	case retry:
		base.RecordRetry(now)
		limit := m.retryLimit(from)
		if base.StateCount > limit {
			log.WarnContext(ctx, "retry limit exceeded", "attempt", base.StateCount, "limit", limit, "error", out.err)
			base.Terminate(states, fmt.Sprintf("retry limit %d exceeded in state %s: %v", limit, states.Name(from), detail(out.err)), now)
			err = m.store.Save(saveCtx, e)
		} else {
			log.InfoContext(ctx, "action failed, will retry", "attempt", base.StateCount, "error", out.err)
			err = m.store.SaveAndHold(saveCtx, e, m.cfg.RetryBackoff)
		}
	case fatal:
		log.WarnContext(ctx, "action failed fatally", "error", out.err)
		base.Terminate(states, detail(out.err), now)
		err = m.store.Save(saveCtx, e)
	}
	if err != nil {
		log.ErrorContext(ctx, "save failed", "error", err)
		return
	}
	if base.State != from {
		log.DebugContext(ctx, "transitioned", "to", states.Name(base.State))
		m.mu.RLock()
		listeners := append([]TransitionFunc[E](nil), m.listeners...)
		m.mu.RUnlock()
		for _, fn := range listeners {
			fn(ctx, e, from, base.State)
		}
	}
}

// release drops the lease without changing the entity.
func (m *Manager[E]) release(ctx context.Context, e E) {
	if err := m.store.Save(context.WithoutCancel(ctx), e); err != nil {
		m.log.WarnContext(ctx, "release failed", "id", e.Base().ID, "error", err)
	}
}

func detail(err error) string {
	if err == nil {
		return "unspecified failure"
	}
	return err.Error()
}
