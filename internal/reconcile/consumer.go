package reconcile

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nndrao/gridfeed/config"
	"github.com/nndrao/gridfeed/errs"
	"github.com/nndrao/gridfeed/internal/manager"
	"github.com/nndrao/gridfeed/internal/schema"
)

// Diff is one batched change set handed to the UI layer. Reset means the grid
// must drop everything it currently shows (Remove lists the dropped keys)
// before applying Add. Snapshot marks initial-load batches.
type Diff struct {
	Provider string
	Reset    bool
	Snapshot bool
	Add      []schema.Row
	Update   []schema.Row
	Remove   []string
}

func (d Diff) empty() bool {
	return !d.Reset && len(d.Add) == 0 && len(d.Update) == 0 && len(d.Remove) == 0
}

// FlushFunc receives diffs in order. Called from the consumer's flusher
// goroutine and, for snapshot batches, from the dispatch path; never
// concurrently with itself.
type FlushFunc func(Diff)

// diffBuffer accumulates pending live updates keyed by row, so repeated
// updates to one row within a flush window collapse to the latest value.
type diffBuffer struct {
	adds    map[string]schema.Row
	updates map[string]schema.Row
}

func newDiffBuffer() *diffBuffer {
	return &diffBuffer{
		adds:    make(map[string]schema.Row),
		updates: make(map[string]schema.Row),
	}
}

func (b *diffBuffer) put(key string, row schema.Row, existed bool) {
	if !existed {
		b.adds[key] = row
		return
	}
	// A row inserted earlier in this same window stays an add.
	if _, pendingAdd := b.adds[key]; pendingAdd {
		b.adds[key] = row
		return
	}
	b.updates[key] = row
}

func (b *diffBuffer) size() int { return len(b.adds) + len(b.updates) }

func (b *diffBuffer) drain(providerID string) Diff {
	diff := Diff{Provider: providerID}
	for _, row := range b.adds {
		diff.Add = append(diff.Add, row)
	}
	for _, row := range b.updates {
		diff.Update = append(diff.Update, row)
	}
	b.adds = make(map[string]schema.Row)
	b.updates = make(map[string]schema.Row)
	return diff
}

// GridConsumer reconciles one provider's event stream into a private row
// store for one UI attachment point. Snapshot batches pass straight through
// as bulk loads; live updates are re-batched on a short idle timer or a size
// threshold, paced by the datasource's target message rate.
type GridConsumer struct {
	id     uuid.UUID
	cfg    config.ConsumerConfig
	flush  FlushFunc
	logger *log.Logger

	mu         sync.Mutex
	mgr        *manager.Manager
	subID      uuid.UUID
	providerID string
	store      *RowStore
	limiter    *rate.Limiter
	cycle      uint64
	ready      bool
	attached   bool
	detached   bool
	pending    *diffBuffer

	kick    chan struct{}
	full    chan struct{}
	stop    chan struct{}
	flusher sync.WaitGroup

	// emitMu keeps snapshot deliveries and flusher deliveries from
	// interleaving.
	emitMu sync.Mutex
}

// New constructs a detached consumer. FlushInterval and MaxBatchSize follow
// the consumer config defaults when unset.
func New(cfg config.ConsumerConfig, flush FlushFunc, logger *log.Logger) *GridConsumer {
	cfg.Normalise()
	id := uuid.New()
	if logger == nil {
		logger = log.New(log.Writer(), "consumer "+id.String()[:8]+" ", log.LstdFlags|log.Lmicroseconds)
	}
	return &GridConsumer{
		id:      id,
		cfg:     cfg,
		flush:   flush,
		logger:  logger,
		pending: newDiffBuffer(),
		kick:    make(chan struct{}, 1),
		full:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
}

// ID returns the consumer's attachment id.
func (c *GridConsumer) ID() uuid.UUID { return c.id }

// Attach binds the consumer to one provider registered with the manager and
// starts receiving its events. A consumer attaches once; build a new one per
// UI attachment point.
func (c *GridConsumer) Attach(m *manager.Manager, providerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attached {
		return errs.New("consumer", errs.CodeInvalid,
			errs.WithMessage("consumer already attached"), errs.WithField("provider", c.providerID))
	}
	if c.detached {
		return errs.New("consumer", errs.CodeUnavailable, errs.WithMessage("consumer was detached; build a new one"))
	}
	p, err := m.GetProvider(providerID)
	if err != nil {
		return err
	}
	settings := p.Config().Settings

	subID, err := m.Subscribe(manager.SubscriptionOptions{
		Providers: []string{providerID},
		Types:     []schema.EventType{schema.EventTypeSnapshot, schema.EventTypeData},
		Handler:   c.handleEvent,
	})
	if err != nil {
		return err
	}

	c.mgr = m
	c.subID = subID
	c.providerID = providerID
	c.store = NewRowStore(settings.KeyColumn)
	if settings.MessageRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(settings.MessageRate), 1)
	}
	c.cycle = 0
	c.ready = false
	c.attached = true

	c.flusher.Add(1)
	go c.run()
	return nil
}

// Detach unsubscribes, stops the flusher after a final flush, and drops the
// row store. Idempotent.
func (c *GridConsumer) Detach() {
	c.mu.Lock()
	if !c.attached {
		c.mu.Unlock()
		return
	}
	c.attached = false
	c.detached = true
	mgr, subID := c.mgr, c.subID
	c.mu.Unlock()

	mgr.Unsubscribe(subID)
	close(c.stop)
	c.flusher.Wait()

	c.mu.Lock()
	c.store = nil
	c.ready = false
	c.mu.Unlock()
}

// Ready reports whether the current cycle's snapshot has fully loaded.
func (c *GridConsumer) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Rows returns the number of rows currently reconciled.
func (c *GridConsumer) Rows() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store == nil {
		return 0
	}
	return c.store.Len()
}

// Row returns the reconciled row for the key, if present.
func (c *GridConsumer) Row(key string) (schema.Row, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store == nil {
		return nil, false
	}
	return c.store.Get(key)
}

// Refresh clears the row store and ready flag, tells the UI to drop all rows,
// and asks the provider to restart its snapshot cycle.
func (c *GridConsumer) Refresh(ctx context.Context) error {
	c.mu.Lock()
	if !c.attached {
		c.mu.Unlock()
		return errs.New("consumer", errs.CodeUnavailable, errs.WithMessage("consumer not attached"))
	}
	removed := c.store.Clear()
	c.ready = false
	c.pending = newDiffBuffer()
	mgr, providerID := c.mgr, c.providerID
	c.mu.Unlock()

	c.emit(Diff{Provider: providerID, Reset: true, Remove: removed})
	return mgr.Send(ctx, providerID, schema.StructuredTrigger(schema.ActionRefresh, nil))
}

func (c *GridConsumer) handleEvent(evt *schema.Event) {
	switch evt.Type {
	case schema.EventTypeSnapshot:
		c.onSnapshotBatch(evt)
	case schema.EventTypeData:
		c.onLiveUpdate(evt)
	}
}

// onSnapshotBatch loads one snapshot batch. The first batch of a new cycle
// folds a reset into its diff so two cycles never mix on screen. The final
// batch flips the ready flag, opening the gate for live updates.
func (c *GridConsumer) onSnapshotBatch(evt *schema.Event) {
	if evt.Snapshot == nil {
		return
	}
	c.mu.Lock()
	if !c.attached {
		c.mu.Unlock()
		return
	}
	diff := Diff{Provider: c.providerID, Snapshot: true}
	if evt.Cycle != c.cycle {
		diff.Reset = true
		diff.Remove = c.store.Clear()
		c.pending = newDiffBuffer()
		c.cycle = evt.Cycle
		c.ready = false
	}
	for _, row := range evt.Rows {
		if _, _, ok := c.store.Upsert(row); !ok {
			c.logger.Printf("drop snapshot row without key column %q", c.store.keyColumn)
			continue
		}
		diff.Add = append(diff.Add, row)
	}
	final := !evt.Snapshot.IsPartial
	c.mu.Unlock()

	if !diff.empty() {
		c.emit(diff)
	}
	if final {
		c.mu.Lock()
		if c.attached && c.cycle == evt.Cycle {
			c.ready = true
		}
		c.mu.Unlock()
	}
}

// onLiveUpdate classifies rows as insert or update by key membership and
// buffers them for the next flush.
func (c *GridConsumer) onLiveUpdate(evt *schema.Event) {
	c.mu.Lock()
	if !c.attached || !c.ready || evt.Cycle != c.cycle {
		c.mu.Unlock()
		return
	}
	for _, row := range evt.Rows {
		key, existed, ok := c.store.Upsert(row)
		if !ok {
			c.logger.Printf("drop live row without key column %q", c.store.keyColumn)
			continue
		}
		c.pending.put(key, row, existed)
	}
	overflow := c.pending.size() >= c.cfg.MaxBatchSize
	c.mu.Unlock()

	if overflow {
		signal(c.full)
	}
	signal(c.kick)
}

// run is the flusher loop: a kick opens an idle window that closes on the
// flush interval, a size overflow, or shutdown; each close flushes whatever
// accumulated, paced by the rate limiter.
func (c *GridConsumer) run() {
	defer c.flusher.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-c.stop
		cancel()
	}()

	for {
		select {
		case <-c.stop:
			c.flushPending(ctx, true)
			return
		case <-c.full:
		case <-c.kick:
			idle := time.NewTimer(c.cfg.FlushInterval)
			select {
			case <-idle.C:
			case <-c.full:
				idle.Stop()
			case <-c.stop:
				idle.Stop()
				c.flushPending(ctx, true)
				return
			}
		}
		c.flushPending(ctx, false)
	}
}

func (c *GridConsumer) flushPending(ctx context.Context, final bool) {
	c.mu.Lock()
	if c.pending.size() == 0 {
		c.mu.Unlock()
		return
	}
	limiter := c.limiter
	c.mu.Unlock()

	if limiter != nil && !final {
		// A wait cut short by shutdown still delivers; dropping the
		// buffered rows would lose the last updates of the session.
		_ = limiter.Wait(ctx)
	}

	c.mu.Lock()
	diff := c.pending.drain(c.providerID)
	c.mu.Unlock()
	if !diff.empty() {
		c.emit(diff)
	}
}

func (c *GridConsumer) emit(diff Diff) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.flush(diff)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
