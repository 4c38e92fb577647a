package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"llm-edge-gateway/internal/metrics"
)

type Config struct {
	Policies map[RouteClass]Policy

	// SweepInterval is how often idle actors are considered for eviction
	// (default: 1m). Negative disables the sweeper.
	SweepInterval time.Duration

	// IdleTimeout is how long an actor must go without messages before it
	// can be evicted. Eviction also requires its window to have elapsed.
	IdleTimeout time.Duration

	// Now is the clock (default: time.Now).
	Now func() time.Time
}

// ActorID is the stable handle for one key's actor.
type ActorID struct {
	name  string
	class RouteClass
}

func (id ActorID) String() string { return id.name }

// Namespace addresses actors by name and spawns them on first use.
type Namespace struct {
	policies map[RouteClass]Policy
	idle     time.Duration
	now      func() time.Time
	logger   *zap.Logger

	mu     sync.Mutex
	actors map[ActorID]*actor
	closed bool

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(cfg Config, logger *zap.Logger) (*Namespace, error) {
	if len(cfg.Policies) == 0 {
		return nil, fmt.Errorf("ratelimit: at least one route class policy is required")
	}
	policies := make(map[RouteClass]Policy, len(cfg.Policies))
	for class, p := range cfg.Policies {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("ratelimit: route class %q: %w", class, err)
		}
		policies[class] = p
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ns := &Namespace{
		policies: policies,
		idle:     cfg.IdleTimeout,
		now:      cfg.Now,
		logger:   logger.Named("ratelimit"),
		actors:   make(map[ActorID]*actor),
		stop:     make(chan struct{}),
	}

	if cfg.SweepInterval > 0 {
		ns.wg.Add(1)
		go ns.sweepLoop(cfg.SweepInterval)
	}
	return ns, nil
}

// ID names the actor that owns key.
func (ns *Namespace) ID(key Key) ActorID {
	return ActorID{name: key.Name(), class: key.Class}
}

// Get returns a stub for sending messages to the actor id names. The actor
// itself is spawned lazily by the first message.
func (ns *Namespace) Get(id ActorID) (*Stub, error) {
	if _, ok := ns.policies[id.class]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRouteClass, id.class)
	}
	return &Stub{ns: ns, id: id}, nil
}

// Admit is shorthand for Get(ID(key)).Admit(ctx).
func (ns *Namespace) Admit(ctx context.Context, key Key) (Decision, error) {
	stub, err := ns.Get(ns.ID(key))
	if err != nil {
		return Decision{}, err
	}
	return stub.Admit(ctx)
}

func (ns *Namespace) Policy(class RouteClass) (Policy, bool) {
	p, ok := ns.policies[class]
	return p, ok
}

// Len returns the number of live actors.
func (ns *Namespace) Len() int {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return len(ns.actors)
}

// Close stops every actor and the sweeper. Later calls fail with ErrClosed.
func (ns *Namespace) Close() error {
	ns.mu.Lock()
	if ns.closed {
		ns.mu.Unlock()
		return nil
	}
	ns.closed = true
	close(ns.stop)
	ns.mu.Unlock()

	ns.wg.Wait()
	return nil
}

// lookup returns the live actor for id, spawning it if needed.
func (ns *Namespace) lookup(id ActorID) (*actor, error) {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if ns.closed {
		return nil, ErrClosed
	}
	if a, ok := ns.actors[id]; ok {
		return a, nil
	}

	a := &actor{
		id:     id,
		ns:     ns,
		win:    newWindow(ns.policies[id.class]),
		inbox:  make(chan admitRequest),
		sweep:  make(chan chan bool),
		done:   make(chan struct{}),
		seenAt: ns.now(),
	}
	ns.actors[id] = a
	ns.wg.Add(1)
	metrics.RateLimitActors.Inc()
	go a.run()
	return a, nil
}

// remove drops a from the map. Called by the actor itself on eviction.
func (ns *Namespace) remove(a *actor) {
	ns.mu.Lock()
	if cur, ok := ns.actors[a.id]; ok && cur == a {
		delete(ns.actors, a.id)
	}
	ns.mu.Unlock()
}

func (ns *Namespace) sweepLoop(every time.Duration) {
	defer ns.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ns.sweep()
		case <-ns.stop:
			return
		}
	}
}

// sweep asks every actor whether it can be evicted. Each actor decides from
// its own state.
func (ns *Namespace) sweep() int {
	ns.mu.Lock()
	actors := make([]*actor, 0, len(ns.actors))
	for _, a := range ns.actors {
		actors = append(actors, a)
	}
	ns.mu.Unlock()

	evicted := 0
	for _, a := range actors {
		reply := make(chan bool, 1)
		select {
		case a.sweep <- reply:
			if <-reply {
				evicted++
			}
		case <-a.done:
		case <-ns.stop:
			return evicted
		}
	}
	if evicted > 0 {
		ns.logger.Debug("evicted idle rate limit actors", zap.Int("count", evicted))
	}
	return evicted
}

// Stub sends messages to one actor.
type Stub struct {
	ns *Namespace
	id ActorID
}

func (s *Stub) ID() ActorID { return s.id }

// Admit asks the actor to count one request. Messages to the same actor are
// handled one at a time in arrival order.
func (s *Stub) Admit(ctx context.Context) (Decision, error) {
	for {
		a, err := s.ns.lookup(s.id)
		if err != nil {
			return Decision{}, err
		}

		req := admitRequest{reply: make(chan Decision, 1)}
		select {
		case a.inbox <- req:
			// An actor that accepted a message always replies.
			d := <-req.reply
			outcome := "allowed"
			if !d.Allowed {
				outcome = "denied"
			}
			metrics.AdmissionDecisionsTotal.WithLabelValues(string(s.id.class), outcome).Inc()
			return d, nil
		case <-a.done:
			// Evicted or stopped between lookup and send; look it up again.
			continue
		case <-ctx.Done():
			return Decision{}, ctx.Err()
		}
	}
}

type admitRequest struct {
	reply chan Decision
}

// actor is the single owner of one window.
type actor struct {
	id     ActorID
	ns     *Namespace
	win    *window
	inbox  chan admitRequest
	sweep  chan chan bool
	done   chan struct{}
	seenAt time.Time
}

func (a *actor) run() {
	defer a.ns.wg.Done()
	defer metrics.RateLimitActors.Dec()
	defer close(a.done)

	for {
		select {
		case req := <-a.inbox:
			now := a.ns.now()
			a.seenAt = now
			req.reply <- a.win.admit(now)

		case reply := <-a.sweep:
			if a.evictable(a.ns.now()) {
				a.ns.remove(a)
				reply <- true
				return
			}
			reply <- false

		case <-a.ns.stop:
			return
		}
	}
}

// An actor is only evicted when a fresh one would make the same decisions.
func (a *actor) evictable(now time.Time) bool {
	return now.Sub(a.seenAt) >= a.ns.idle && a.win.expired(now)
}
