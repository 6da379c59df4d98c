package strategy

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/workername"
)

// Constructor builds the strategy instance addressed by a parsed worker name.
type Constructor func(addr workername.Parsed) (Strategy, error)

// Registry resolves worker names to shared strategy instances. Instances are
// built lazily, once per (domain, strategy, mode), while holding the lock.
type Registry struct {
	logger *zap.Logger

	mu           sync.Mutex
	constructors map[Kind]Constructor
	instances    map[string]Strategy
}

// NewRegistry creates an empty registry
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger:       logger,
		constructors: make(map[Kind]Constructor),
		instances:    make(map[string]Strategy),
	}
}

// Register sets the constructor for kind. Registering after instances of
// kind were built does not replace them.
func (r *Registry) Register(kind Kind, c Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[kind] = c
}

// RegisterAll registers c for every known kind.
func (r *Registry) RegisterAll(c Constructor) {
	for _, k := range Kinds() {
		r.Register(k, c)
	}
}

// Resolve returns the instance for {domain}:{strategy}.
func (r *Registry) Resolve(domain, strategyName string) (Strategy, workername.Parsed, error) {
	return r.ResolveWorker(workername.Format(domain, strategyName, ""))
}

// ResolveWorker returns the instance addressed by a worker name. Addressing
// errors (forbidden domain, unsupported mode, unknown kind) are returned
// unmasked.
func (r *Registry) ResolveWorker(name string) (Strategy, workername.Parsed, error) {
	addr, err := workername.Resolve(name)
	if err != nil {
		return nil, workername.Parsed{}, err
	}
	if addr.Strategy == "" {
		addr.Strategy = string(DefaultKind)
	}
	kind, err := ParseKind(addr.Strategy)
	if err != nil {
		return nil, addr, err
	}

	key := addr.Key()

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.instances[key]; ok {
		return s, addr, nil
	}
	ctor, ok := r.constructors[kind]
	if !ok {
		return nil, addr, fmt.Errorf("%w: %s", ErrNoConstructor, kind)
	}
	inner, err := ctor(addr)
	if err != nil {
		return nil, addr, fmt.Errorf("construct %s: %w", key, err)
	}

	cb := circuitbreaker.NewCircuitBreaker(key, circuitbreaker.GetStrategyConfig().ToConfig(), r.logger)
	circuitbreaker.GlobalMetricsCollector.RegisterCircuitBreaker(key, "strategy", cb)
	s := &guarded{inner: inner, cb: cb, name: key}
	r.instances[key] = s

	r.logger.Info("Strategy instance created", zap.String("worker", key))
	return s, addr, nil
}

// Len returns the number of cached instances.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}

type guarded struct {
	inner Strategy
	cb    *circuitbreaker.CircuitBreaker
	name  string
}

func (g *guarded) Execute(ctx context.Context, q Query) (Output, error) {
	var out Output
	err := g.cb.Execute(ctx, func() error {
		var err error
		out, err = g.inner.Execute(ctx, q)
		return err
	})
	circuitbreaker.GlobalMetricsCollector.RecordRequest(g.name, "strategy", g.cb.State(), err == nil)
	return out, err
}
