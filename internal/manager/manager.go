// Package manager owns the provider registry and fans provider events out to
// scoped subscriptions.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/nndrao/gridfeed/config"
	"github.com/nndrao/gridfeed/errs"
	"github.com/nndrao/gridfeed/internal/dispatch"
	"github.com/nndrao/gridfeed/internal/provider"
	"github.com/nndrao/gridfeed/internal/schema"
	"github.com/nndrao/gridfeed/internal/telemetry"
	"github.com/nndrao/gridfeed/internal/transport"
)

// Manager is the registry of live providers. One pump goroutine per provider
// drains its event stream and dispatches to the matching subscriptions.
type Manager struct {
	factory *transport.Factory
	logger  *log.Logger
	metrics *telemetry.Metrics

	mu        sync.RWMutex
	providers map[string]*provider.Provider
	closed    bool

	subs *dispatch.Registry[*subscription]

	pumps sync.WaitGroup

	maxWorkers int
}

// New constructs an empty manager.
func New(factory *transport.Factory, logger *log.Logger, metrics *telemetry.Metrics) *Manager {
	if logger == nil {
		logger = log.New(log.Writer(), "manager ", log.LstdFlags|log.Lmicroseconds)
	}
	if metrics == nil {
		metrics = telemetry.NoopMetrics()
	}
	return &Manager{
		factory:    factory,
		logger:     logger,
		metrics:    metrics,
		providers:  make(map[string]*provider.Provider),
		subs:       dispatch.NewRegistry[*subscription](),
		maxWorkers: runtime.GOMAXPROCS(0),
	}
}

// CreateProvider registers a provider for the datasource and starts its event
// pump. The provider is not connected; call Connect on it or ConnectAll.
// Registering an id twice fails.
func (m *Manager) CreateProvider(cfg config.DataSourceConfig) (*provider.Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errs.New("manager", errs.CodeUnavailable, errs.WithMessage("manager closed"))
	}
	if _, exists := m.providers[cfg.ID]; exists {
		return nil, errs.New("manager", errs.CodeDuplicateProvider,
			errs.WithMessage("provider already registered"), errs.WithField("provider", cfg.ID))
	}

	p, err := provider.New(cfg, m.factory, nil, m.metrics)
	if err != nil {
		return nil, fmt.Errorf("create provider %q: %w", cfg.ID, err)
	}
	m.providers[cfg.ID] = p

	m.pumps.Add(1)
	go m.pump(p)
	return p, nil
}

// GetProvider returns the registered provider for the id.
func (m *Manager) GetProvider(id string) (*provider.Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[id]
	if !ok {
		return nil, errs.New("manager", errs.CodeNotFound,
			errs.WithMessage("unknown provider"), errs.WithField("provider", id))
	}
	return p, nil
}

// ListProviders returns the registered providers in unspecified order.
func (m *Manager) ListProviders() []*provider.Provider {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*provider.Provider, 0, len(m.providers))
	for _, p := range m.providers {
		out = append(out, p)
	}
	return out
}

// RemoveProvider destroys the provider and drops it from the registry.
// Subscriptions scoped to it stay registered; they simply see no more events.
func (m *Manager) RemoveProvider(id string) error {
	m.mu.Lock()
	p, ok := m.providers[id]
	if ok {
		delete(m.providers, id)
	}
	m.mu.Unlock()
	if !ok {
		return errs.New("manager", errs.CodeNotFound,
			errs.WithMessage("unknown provider"), errs.WithField("provider", id))
	}
	p.Close()
	return nil
}

// ConnectAll connects every registered provider, collecting failures.
func (m *Manager) ConnectAll(ctx context.Context) error {
	providers := m.ListProviders()
	var mu sync.Mutex
	var errsAgg []error
	workers := pool.New().WithMaxGoroutines(m.workerLimit(len(providers)))
	for _, p := range providers {
		p := p
		workers.Go(func() {
			if err := p.Connect(ctx); err != nil {
				mu.Lock()
				errsAgg = append(errsAgg, err)
				mu.Unlock()
			}
		})
	}
	workers.Wait()
	return errors.Join(errsAgg...)
}

// Send publishes a trigger through one provider.
func (m *Manager) Send(ctx context.Context, providerID string, trigger schema.Trigger) error {
	p, err := m.GetProvider(providerID)
	if err != nil {
		return err
	}
	return p.Send(ctx, trigger)
}

// Broadcast publishes a trigger through every connected provider. Failures
// are aggregated; one provider failing does not stop the others.
func (m *Manager) Broadcast(ctx context.Context, trigger schema.Trigger) error {
	providers := m.ListProviders()
	var mu sync.Mutex
	var errsAgg []error
	workers := pool.New().WithMaxGoroutines(m.workerLimit(len(providers)))
	for _, p := range providers {
		p := p
		workers.Go(func() {
			if p.Status() != schema.StatusConnected {
				return
			}
			if err := p.Send(ctx, trigger); err != nil {
				mu.Lock()
				errsAgg = append(errsAgg, fmt.Errorf("provider %s: %w", p.ID(), err))
				mu.Unlock()
			}
		})
	}
	workers.Wait()
	return errors.Join(errsAgg...)
}

// Subscribe registers a scoped event handler and returns its id.
func (m *Manager) Subscribe(opts SubscriptionOptions) (uuid.UUID, error) {
	sub, err := newSubscription(opts)
	if err != nil {
		return uuid.Nil, err
	}
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return uuid.Nil, errs.New("manager", errs.CodeUnavailable, errs.WithMessage("manager closed"))
	}
	sub.id = m.subs.Add(sub)
	return sub.id, nil
}

// Unsubscribe removes the subscription. Unknown ids are a no-op.
func (m *Manager) Unsubscribe(id uuid.UUID) {
	m.subs.Remove(id)
}

// Close destroys every provider and waits for the pumps to drain. The manager
// cannot be reused afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	providers := make([]*provider.Provider, 0, len(m.providers))
	for _, p := range m.providers {
		providers = append(providers, p)
	}
	m.providers = make(map[string]*provider.Provider)
	m.mu.Unlock()
	m.subs.Clear()

	for _, p := range providers {
		p.Close()
	}
	m.pumps.Wait()
}

func (m *Manager) pump(p *provider.Provider) {
	defer m.pumps.Done()
	for {
		select {
		case <-p.Done():
			// Drain what the provider emitted before closing.
			for {
				select {
				case evt := <-p.Events():
					m.dispatch(evt)
				default:
					return
				}
			}
		case evt := <-p.Events():
			m.dispatch(evt)
		}
	}
}

// dispatch fans one event out to the subscriptions registered at the moment
// of the snapshot. A subscription added mid-dispatch sees only later events.
func (m *Manager) dispatch(evt *schema.Event) {
	subs := m.subs.Snapshot()
	matched := make([]*subscription, 0, len(subs))
	for _, sub := range subs {
		if sub.matches(evt) {
			matched = append(matched, sub)
		}
	}

	switch len(matched) {
	case 0:
		return
	case 1:
		m.deliver(matched[0], evt)
		return
	}

	// Each subscriber gets its own event copy; the rows slice is copied,
	// the row maps are shared and treated as read-only by handlers.
	workers := pool.New().WithMaxGoroutines(m.workerLimit(len(matched)))
	for _, sub := range matched {
		sub := sub
		workers.Go(func() {
			m.deliver(sub, schema.CloneEvent(evt))
		})
	}
	workers.Wait()
}

func (m *Manager) deliver(sub *subscription, evt *schema.Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Printf("subscription %s panicked on %s event from %s: %v", sub.id, evt.Type, evt.Provider, r)
		}
	}()
	if sub.transform != nil {
		if evt = sub.transform(evt); evt == nil {
			return
		}
	}
	sub.handler(evt)
}

func (m *Manager) workerLimit(n int) int {
	if n < 1 {
		return 1
	}
	if n > m.maxWorkers {
		return m.maxWorkers
	}
	return n
}
