package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nndrao/gridfeed/config"
	"github.com/nndrao/gridfeed/errs"
	"github.com/nndrao/gridfeed/internal/schema"
	"github.com/nndrao/gridfeed/internal/transport"
)

type memConn struct {
	mu        sync.Mutex
	handlers  map[string]transport.FrameHandler
	published map[string][]string

	errCh     chan error
	done      chan struct{}
	closeOnce sync.Once
}

func newMemConn() *memConn {
	return &memConn{
		handlers:  make(map[string]transport.FrameHandler),
		published: make(map[string][]string),
		errCh:     make(chan error, 4),
		done:      make(chan struct{}),
	}
}

func (c *memConn) SubscribeTopic(topic string, onFrame transport.FrameHandler) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = onFrame
	return func() {
		c.mu.Lock()
		delete(c.handlers, topic)
		c.mu.Unlock()
	}, nil
}

func (c *memConn) Publish(_ context.Context, destination string, body []byte, _ map[string]string) error {
	c.mu.Lock()
	c.published[destination] = append(c.published[destination], string(body))
	c.mu.Unlock()
	return nil
}

func (c *memConn) Close(context.Context) error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *memConn) Done() <-chan struct{} { return c.done }
func (c *memConn) Err() error            { return nil }
func (c *memConn) Errs() <-chan error    { return c.errCh }

func (c *memConn) deliver(topic, body string) {
	c.mu.Lock()
	handler := c.handlers[topic]
	c.mu.Unlock()
	if handler != nil {
		handler(transport.Frame{Topic: topic, Body: []byte(body)})
	}
}

func (c *memConn) publishCount(destination string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.published[destination])
}

// memBroker maps datasource urls to their conns so tests can drive frames per
// provider.
type memBroker struct {
	mu    sync.Mutex
	conns map[string]*memConn
}

func newMemBroker() *memBroker {
	return &memBroker{conns: make(map[string]*memConn)}
}

func (b *memBroker) open(_ context.Context, cfg transport.Config) (transport.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	conn := newMemConn()
	b.conns[cfg.URL] = conn
	return conn, nil
}

func (b *memBroker) conn(url string) *memConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conns[url]
}

func datasource(id string) config.DataSourceConfig {
	cfg := config.DataSourceConfig{
		ID: id,
		Connection: config.ConnectionConfig{
			URL:       "mem://" + id,
			Transport: "mem",
		},
		Settings: config.SettingsConfig{
			ListenerTopic:      "/topic/" + id,
			TriggerDestination: "/app/" + id + "/start",
			TriggerMessage:     "START",
			SnapshotEndToken:   "EOS",
		},
	}
	cfg.Normalise()
	return cfg
}

func newTestManager(t *testing.T) (*Manager, *memBroker) {
	t.Helper()
	broker := newMemBroker()
	factory := transport.NewFactory()
	factory.Register("mem", broker.open)
	m := New(factory, nil, nil)
	t.Cleanup(m.Close)
	return m, broker
}

func connectProvider(t *testing.T, m *Manager, broker *memBroker, id string) *memConn {
	t.Helper()
	p, err := m.CreateProvider(datasource(id))
	if err != nil {
		t.Fatalf("CreateProvider(%s): %v", id, err)
	}
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect(%s): %v", id, err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for p.Status() != schema.StatusConnected {
		if time.Now().After(deadline) {
			t.Fatalf("provider %s never connected", id)
		}
		time.Sleep(5 * time.Millisecond)
	}
	conn := broker.conn("mem://" + id)
	if conn == nil {
		t.Fatalf("no conn for %s", id)
	}
	return conn
}

// collector records events for assertions, keyed by provider.
type collector struct {
	mu     sync.Mutex
	events []*schema.Event
}

func (c *collector) handle(evt *schema.Event) {
	c.mu.Lock()
	c.events = append(c.events, evt)
	c.mu.Unlock()
}

func (c *collector) byProvider(id string) []*schema.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*schema.Event
	for _, evt := range c.events {
		if evt.Provider == id {
			out = append(out, evt)
		}
	}
	return out
}

func (c *collector) countType(typ schema.EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, evt := range c.events {
		if evt.Type == typ {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDuplicateProviderRejected(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.CreateProvider(datasource("a")); err != nil {
		t.Fatalf("CreateProvider: %v", err)
	}
	_, err := m.CreateProvider(datasource("a"))
	if !errs.IsCode(err, errs.CodeDuplicateProvider) {
		t.Fatalf("err = %v, want duplicate provider", err)
	}
}

func TestGetAndRemoveProvider(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.GetProvider("missing"); !errs.IsCode(err, errs.CodeNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
	p, err := m.CreateProvider(datasource("a"))
	if err != nil {
		t.Fatalf("CreateProvider: %v", err)
	}
	got, err := m.GetProvider("a")
	if err != nil || got != p {
		t.Fatalf("GetProvider = %v, %v", got, err)
	}
	if err := m.RemoveProvider("a"); err != nil {
		t.Fatalf("RemoveProvider: %v", err)
	}
	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("removed provider was not closed")
	}
	if err := m.RemoveProvider("a"); !errs.IsCode(err, errs.CodeNotFound) {
		t.Fatalf("second remove err = %v, want not found", err)
	}
}

func TestScopedSubscriptionsIsolateProviders(t *testing.T) {
	m, broker := newTestManager(t)
	connA := connectProvider(t, m, broker, "a")
	connB := connectProvider(t, m, broker, "b")

	var onlyA, all collector
	if _, err := m.Subscribe(SubscriptionOptions{
		Providers: []string{"a"},
		Types:     []schema.EventType{schema.EventTypeSnapshot, schema.EventTypeData},
		Handler:   onlyA.handle,
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := m.Subscribe(SubscriptionOptions{Handler: all.handle}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	connA.deliver("/topic/a", `{"id":"a1"}`)
	connA.deliver("/topic/a", "EOS")
	connB.deliver("/topic/b", `{"id":"b1"}`)
	connB.deliver("/topic/b", "EOS")

	waitFor(t, "scoped snapshot", func() bool { return len(onlyA.byProvider("a")) >= 1 })
	waitFor(t, "both completions", func() bool { return all.countType(schema.EventTypeSnapshotComplete) >= 2 })

	if got := onlyA.byProvider("b"); len(got) != 0 {
		t.Fatalf("scoped subscription saw %d events from provider b", len(got))
	}
	for _, evt := range onlyA.byProvider("a") {
		if evt.Type != schema.EventTypeSnapshot && evt.Type != schema.EventTypeData {
			t.Fatalf("type filter leaked a %s event", evt.Type)
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	m, broker := newTestManager(t)
	conn := connectProvider(t, m, broker, "a")

	var c collector
	id, err := m.Subscribe(SubscriptionOptions{Handler: c.handle})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	conn.deliver("/topic/a", "EOS")
	waitFor(t, "first completion", func() bool { return c.countType(schema.EventTypeSnapshotComplete) == 1 })

	m.Unsubscribe(id)
	if err := m.Send(context.Background(), "a", schema.StructuredTrigger("refresh", nil)); err != nil {
		t.Fatalf("Send refresh: %v", err)
	}
	conn.deliver("/topic/a", "EOS")

	time.Sleep(100 * time.Millisecond)
	if got := c.countType(schema.EventTypeSnapshotComplete); got != 1 {
		t.Fatalf("completions after unsubscribe = %d, want 1", got)
	}
}

func TestSubscribersGetIsolatedCopies(t *testing.T) {
	m, broker := newTestManager(t)
	conn := connectProvider(t, m, broker, "a")

	var mu sync.Mutex
	values := make(map[string]any)
	record := func(name string) Handler {
		return func(evt *schema.Event) {
			if evt.Type != schema.EventTypeSnapshot || len(evt.Rows) == 0 {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if name == "mutator" {
				evt.Rows[0] = schema.Row{"id": "a1", "px": "clobbered"}
			}
			values[name] = evt.Rows[0]["px"]
		}
	}
	if _, err := m.Subscribe(SubscriptionOptions{Handler: record("mutator")}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := m.Subscribe(SubscriptionOptions{Handler: record("reader")}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	conn.deliver("/topic/a", `{"id":"a1","px":100}`)
	conn.deliver("/topic/a", "EOS")

	waitFor(t, "both handlers", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(values) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if values["reader"] == "clobbered" {
		t.Fatal("mutation leaked across subscriptions")
	}
}

func TestPanickingSubscriberDoesNotStopOthers(t *testing.T) {
	m, broker := newTestManager(t)
	conn := connectProvider(t, m, broker, "a")

	var c collector
	if _, err := m.Subscribe(SubscriptionOptions{Handler: func(*schema.Event) { panic("boom") }}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := m.Subscribe(SubscriptionOptions{Handler: c.handle}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	conn.deliver("/topic/a", "EOS")
	waitFor(t, "survivor delivery", func() bool { return c.countType(schema.EventTypeSnapshotComplete) == 1 })
}

func TestBroadcastAggregatesFailures(t *testing.T) {
	m, broker := newTestManager(t)
	connectProvider(t, m, broker, "a")
	connectProvider(t, m, broker, "b")

	// c is registered but never connected; Broadcast must skip it.
	if _, err := m.CreateProvider(datasource("c")); err != nil {
		t.Fatalf("CreateProvider: %v", err)
	}

	if err := m.Broadcast(context.Background(), schema.RawTrigger("PING")); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	waitFor(t, "broadcast publishes", func() bool {
		return broker.conn("mem://a").publishCount("/app/a/start") >= 1 &&
			broker.conn("mem://b").publishCount("/app/b/start") >= 1
	})
	if broker.conn("mem://c") != nil {
		t.Fatal("broadcast dialed a disconnected provider")
	}
}

func TestSendRoutesToOneProvider(t *testing.T) {
	m, broker := newTestManager(t)
	connA := connectProvider(t, m, broker, "a")
	connB := connectProvider(t, m, broker, "b")

	before := connB.publishCount("/app/b/start")
	if err := m.Send(context.Background(), "a", schema.RawTrigger("ONLY-A")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, "send to a", func() bool { return connA.publishCount("/app/a/start") >= 1 })
	// Allow the settle-delay trigger; anything beyond it means the send leaked.
	time.Sleep(50 * time.Millisecond)
	if got := connB.publishCount("/app/b/start"); got > before+1 {
		t.Fatalf("provider b saw %d publishes", got)
	}

	err := m.Send(context.Background(), "missing", schema.RawTrigger("x"))
	if !errs.IsCode(err, errs.CodeNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestCloseShutsDownProviders(t *testing.T) {
	m, broker := newTestManager(t)
	connectProvider(t, m, broker, "a")
	p, err := m.GetProvider("a")
	if err != nil {
		t.Fatalf("GetProvider: %v", err)
	}
	m.Close()
	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("provider still running after Close")
	}
	if _, err := m.CreateProvider(datasource("z")); !errs.IsCode(err, errs.CodeUnavailable) {
		t.Fatalf("err = %v, want unavailable", err)
	}
}

func TestConnectAllCollectsFailures(t *testing.T) {
	broker := newMemBroker()
	factory := transport.NewFactory()
	factory.Register("mem", broker.open)
	factory.Register("broken", func(context.Context, transport.Config) (transport.Conn, error) {
		return nil, errors.New("no route")
	})
	m := New(factory, nil, nil)
	t.Cleanup(m.Close)

	good := datasource("good")
	bad := datasource("bad")
	bad.Connection.Transport = "broken"
	for _, cfg := range []config.DataSourceConfig{good, bad} {
		if _, err := m.CreateProvider(cfg); err != nil {
			t.Fatalf("CreateProvider(%s): %v", cfg.ID, err)
		}
	}

	err := m.ConnectAll(context.Background())
	if err == nil {
		t.Fatal("ConnectAll should surface the broken provider")
	}
	p, _ := m.GetProvider("good")
	waitFor(t, "good provider connected", func() bool { return p.Status() == schema.StatusConnected })
	if !errs.IsCode(err, errs.CodeConnection) {
		t.Fatalf("err = %v, want connection error in aggregate", err)
	}
}

func TestFilterAndTransformRunBeforeHandler(t *testing.T) {
	m, broker := newTestManager(t)
	conn := connectProvider(t, m, broker, "a")

	var c collector
	if _, err := m.Subscribe(SubscriptionOptions{
		Types:  []schema.EventType{schema.EventTypeSnapshot},
		Filter: func(evt *schema.Event) bool { return len(evt.Rows) > 1 },
		Transform: func(evt *schema.Event) *schema.Event {
			evt.Reason = "transformed"
			return evt
		},
		Handler: c.handle,
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	// Second subscriber forces the clone path so the transform above cannot
	// leak into this one.
	var plain collector
	if _, err := m.Subscribe(SubscriptionOptions{
		Types:   []schema.EventType{schema.EventTypeSnapshot},
		Handler: plain.handle,
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	conn.deliver("/topic/a", `[{"id":"a1"}]`)
	conn.deliver("/topic/a", "EOS")
	waitFor(t, "plain delivery", func() bool { return plain.countType(schema.EventTypeSnapshot) == 1 })

	// One-row batch fails the predicate.
	if got := c.countType(schema.EventTypeSnapshot); got != 0 {
		t.Fatalf("filtered subscription got %d events", got)
	}

	if err := m.Send(context.Background(), "a", schema.StructuredTrigger("refresh", nil)); err != nil {
		t.Fatalf("Send refresh: %v", err)
	}
	conn.deliver("/topic/a", `[{"id":"a1"},{"id":"a2"}]`)
	conn.deliver("/topic/a", "EOS")
	waitFor(t, "transformed delivery", func() bool { return c.countType(schema.EventTypeSnapshot) == 1 })

	c.mu.Lock()
	transformed := c.events[0].Reason
	c.mu.Unlock()
	if transformed != "transformed" {
		t.Fatalf("transform did not run: %+v", transformed)
	}
	waitFor(t, "plain second delivery", func() bool { return plain.countType(schema.EventTypeSnapshot) == 2 })
	plain.mu.Lock()
	defer plain.mu.Unlock()
	for _, evt := range plain.events {
		if evt.Reason == "transformed" {
			t.Fatal("transform leaked across subscriptions")
		}
	}
}

func TestSubscriptionRequiresHandler(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.Subscribe(SubscriptionOptions{}); !errs.IsCode(err, errs.CodeInvalid) {
		t.Fatalf("err = %v, want invalid", err)
	}
}

func TestManyProvidersFanOut(t *testing.T) {
	m, broker := newTestManager(t)
	var c collector
	if _, err := m.Subscribe(SubscriptionOptions{
		Types:   []schema.EventType{schema.EventTypeSnapshotComplete},
		Handler: c.handle,
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	const n = 8
	for i := 0; i < n; i++ {
		conn := connectProvider(t, m, broker, fmt.Sprintf("ds%d", i))
		conn.deliver(fmt.Sprintf("/topic/ds%d", i), "EOS")
	}
	waitFor(t, "all completions", func() bool { return c.countType(schema.EventTypeSnapshotComplete) == n })
}
