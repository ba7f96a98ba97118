// Package provider implements the per-datasource connection state machine:
// trigger protocol, snapshot assembly, live-update buffering, and reconnection.
package provider

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"

	"github.com/nndrao/gridfeed/config"
	"github.com/nndrao/gridfeed/errs"
	"github.com/nndrao/gridfeed/internal/schema"
	"github.com/nndrao/gridfeed/internal/telemetry"
	"github.com/nndrao/gridfeed/internal/transport"
)

const (
	// settleDelay is the grace period between subscribing the result topic
	// and publishing the trigger, so the subscription is live server-side
	// before the snapshot starts.
	settleDelay = 200 * time.Millisecond

	eventBufferSize = 1024

	closeTimeout   = 5 * time.Second
	publishTimeout = 5 * time.Second
)

// Provider owns one transport connection for one configured datasource and
// emits the fixed event surface on its Events channel. Events are drained by
// the manager; providers never hold subscriber callbacks.
type Provider struct {
	cfg     config.DataSourceConfig
	factory *transport.Factory
	logger  *log.Logger
	metrics *telemetry.Metrics
	parser  RowParser
	clock   func() time.Time

	events    chan *schema.Event
	done      chan struct{}
	closeOnce sync.Once

	// mu guards all connection state below. Never held across a channel
	// send; emissions are serialised separately by emitMu so batch order
	// is preserved without blocking state transitions.
	mu             sync.Mutex
	status         schema.ProviderStatus
	lastErr        error
	meta           schema.ProviderMetadata
	conn           transport.Conn
	unsubscribe    func()
	epoch          uint64
	cycle          *snapshotCycle
	cycleSeq       uint64
	seq            uint64
	settleTimer    *time.Timer
	reconnectTimer *time.Timer
	retryPolicy    *backoff.ExponentialBackOff

	emitMu sync.Mutex
}

// New constructs a provider from an immutable datasource config. The provider
// does not connect until Connect is called.
func New(cfg config.DataSourceConfig, factory *transport.Factory, logger *log.Logger, metrics *telemetry.Metrics) (*Provider, error) {
	cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate datasource %q: %w", cfg.ID, err)
	}
	parser, err := newParser(cfg.Transform, cfg.Settings.KeyColumn)
	if err != nil {
		return nil, fmt.Errorf("build parser for %q: %w", cfg.ID, err)
	}
	if logger == nil {
		logger = log.New(log.Writer(), "provider "+cfg.ID+" ", log.LstdFlags|log.Lmicroseconds)
	}
	if metrics == nil {
		metrics = telemetry.NoopMetrics()
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = cfg.Connection.ReconnectInterval

	return &Provider{
		cfg:         cfg,
		factory:     factory,
		logger:      logger,
		metrics:     metrics,
		parser:      parser,
		clock:       time.Now,
		events:      make(chan *schema.Event, eventBufferSize),
		done:        make(chan struct{}),
		status:      schema.StatusDisconnected,
		retryPolicy: retry,
	}, nil
}

// ID returns the datasource id.
func (p *Provider) ID() string { return p.cfg.ID }

// Name returns the datasource display name.
func (p *Provider) Name() string { return p.cfg.Name }

// Config returns the immutable datasource configuration.
func (p *Provider) Config() config.DataSourceConfig { return p.cfg }

// Events returns the provider's event stream. The channel is never closed;
// consumers select against Done.
func (p *Provider) Events() <-chan *schema.Event { return p.events }

// Done is closed when the provider is destroyed.
func (p *Provider) Done() <-chan struct{} { return p.done }

// Status returns the current connection status.
func (p *Provider) Status() schema.ProviderStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// LastErr returns the most recent connection-level error.
func (p *Provider) LastErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Metadata returns a copy of the connection bookkeeping.
func (p *Provider) Metadata() schema.ProviderMetadata {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.meta
}

// Connect opens the transport, subscribes the result topic, and arms the
// trigger. A no-op when already connected. Fails with a connection error when
// the dial timeout elapses first.
func (p *Provider) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.isClosed() {
		p.mu.Unlock()
		return errs.New("provider/"+p.cfg.ID, errs.CodeUnavailable, errs.WithMessage("provider destroyed"))
	}
	switch p.status {
	case schema.StatusConnected:
		p.mu.Unlock()
		return nil
	case schema.StatusConnecting:
		p.mu.Unlock()
		return nil
	default:
	}
	p.cancelTimersLocked()
	evts := []*schema.Event{p.setStatusLocked(schema.StatusConnecting)}
	p.mu.Unlock()
	p.emit(evts...)

	conn, err := p.factory.Open(ctx, p.cfg.Connection.Transport, transport.Config{
		URL:     p.cfg.Connection.URL,
		Timeout: p.cfg.Connection.Timeout,
		Headers: p.cfg.Connection.Headers,
	})
	if err != nil {
		return p.failConnect(err)
	}

	p.mu.Lock()
	if p.isClosed() || p.status != schema.StatusConnecting {
		// Disconnect raced the dial; abandon the fresh connection.
		p.mu.Unlock()
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		_ = conn.Close(closeCtx)
		cancel()
		return nil
	}
	p.epoch++
	epoch := p.epoch
	p.conn = conn
	p.cycleSeq++
	p.cycle = newSnapshotCycle(p.cycleSeq)
	p.mu.Unlock()

	unsubscribe, err := conn.SubscribeTopic(p.cfg.Settings.ListenerTopic, func(f transport.Frame) {
		p.handleFrame(epoch, f)
	})
	if err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		_ = conn.Close(closeCtx)
		cancel()
		p.mu.Lock()
		if p.epoch == epoch {
			p.conn = nil
			p.cycle = nil
		}
		p.mu.Unlock()
		return p.failConnect(err)
	}

	p.mu.Lock()
	if p.isClosed() || p.epoch != epoch {
		p.mu.Unlock()
		unsubscribe()
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		_ = conn.Close(closeCtx)
		cancel()
		return nil
	}
	p.unsubscribe = unsubscribe
	p.meta.ConnectedAt = p.clock().UTC()
	p.meta.ReconnectAttempts = 0
	p.retryPolicy.Reset()
	p.lastErr = nil
	p.settleTimer = time.AfterFunc(settleDelay, func() {
		p.sendTriggerMessage(epoch, p.initialTrigger())
	})
	evts = []*schema.Event{
		p.setStatusLocked(schema.StatusConnected),
		p.newEventLocked(schema.EventTypeConnect),
	}
	p.mu.Unlock()
	p.emit(evts...)

	go p.watch(conn, epoch)
	return nil
}

// Disconnect unsubscribes, closes the transport, discards the snapshot cycle,
// and cancels pending timers. Safe to call from any state.
func (p *Provider) Disconnect() {
	p.mu.Lock()
	p.cancelTimersLocked()
	conn := p.conn
	unsubscribe := p.unsubscribe
	p.conn = nil
	p.unsubscribe = nil
	p.cycle = nil
	p.epoch++
	var evts []*schema.Event
	if p.status != schema.StatusDisconnected {
		p.meta.DisconnectedAt = p.clock().UTC()
		evts = append(evts, p.setStatusLocked(schema.StatusDisconnected))
		disconnect := p.newEventLocked(schema.EventTypeDisconnect)
		disconnect.Reason = "requested"
		evts = append(evts, disconnect)
	}
	p.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if conn != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		_ = conn.Close(closeCtx)
		cancel()
	}
	p.emit(evts...)
}

// Close destroys the provider. After Close no further events are observable.
func (p *Provider) Close() {
	p.Disconnect()
	p.closeOnce.Do(func() { close(p.done) })
}

// Send publishes a trigger. A structured refresh trigger resets the snapshot
// cycle in place and re-sends the initial trigger instead of publishing.
// Sending while disconnected fails synchronously; it is never queued.
func (p *Provider) Send(ctx context.Context, trigger schema.Trigger) error {
	p.mu.Lock()
	if p.status != schema.StatusConnected || p.conn == nil {
		p.mu.Unlock()
		return errs.New("provider/"+p.cfg.ID, errs.CodeSend, errs.WithMessage("not connected"))
	}
	epoch := p.epoch

	if trigger.IsRefresh() {
		p.cycleSeq++
		p.cycle = newSnapshotCycle(p.cycleSeq)
		p.mu.Unlock()
		return p.publishTrigger(ctx, epoch, p.initialTrigger())
	}
	p.mu.Unlock()
	return p.publishTrigger(ctx, epoch, trigger)
}

func (p *Provider) publishTrigger(ctx context.Context, epoch uint64, trigger schema.Trigger) error {
	body, err := trigger.Encode()
	if err != nil {
		return err
	}
	p.mu.Lock()
	conn := p.conn
	stale := p.epoch != epoch || conn == nil
	p.mu.Unlock()
	if stale {
		return errs.New("provider/"+p.cfg.ID, errs.CodeSend, errs.WithMessage("not connected"))
	}
	if err := conn.Publish(ctx, p.cfg.Settings.TriggerDestination, body, nil); err != nil {
		return fmt.Errorf("publish trigger: %w", err)
	}

	p.mu.Lock()
	evt := p.newEventLocked(schema.EventTypeMessageSent)
	trig := trigger
	evt.Trigger = &trig
	p.mu.Unlock()
	p.emit(evt)
	return nil
}

// sendTriggerMessage publishes from the settle timer; failures are surfaced
// as advisory error events rather than returned.
func (p *Provider) sendTriggerMessage(epoch uint64, trigger schema.Trigger) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.publishTrigger(ctx, epoch, trigger); err != nil {
		if errs.IsCode(err, errs.CodeSend) {
			return // connection superseded before the settle delay elapsed
		}
		p.logger.Printf("send trigger: %v", err)
		p.emitAdvisoryError(err)
	}
}

// initialTrigger builds the configured start trigger.
func (p *Provider) initialTrigger() schema.Trigger {
	message := p.cfg.Settings.TriggerMessage
	if p.cfg.Settings.TriggerFormat == config.TriggerFormatJSON {
		var payload map[string]any
		if err := json.Unmarshal([]byte(message), &payload); err == nil {
			return schema.StructuredTrigger("", payload)
		}
		p.logger.Printf("trigger message is not a JSON object; publishing verbatim")
	}
	return schema.RawTrigger(message)
}

// watch forwards transport-level failures until the connection terminates.
func (p *Provider) watch(conn transport.Conn, epoch uint64) {
	for {
		select {
		case <-p.done:
			return
		case err, ok := <-conn.Errs():
			if !ok {
				continue
			}
			// Remote protocol errors are advisory; they never change status.
			p.logger.Printf("transport error: %v", err)
			p.emitAdvisoryError(err)
		case <-conn.Done():
			p.handleTransportDown(epoch, conn.Err())
			return
		}
	}
}

func (p *Provider) handleTransportDown(epoch uint64, cause error) {
	p.mu.Lock()
	if p.isClosed() || p.epoch != epoch {
		p.mu.Unlock()
		return
	}
	p.conn = nil
	p.unsubscribe = nil
	p.cycle = nil
	p.meta.DisconnectedAt = p.clock().UTC()
	p.cancelTimersLocked()

	var evts []*schema.Event
	disconnect := p.newEventLocked(schema.EventTypeDisconnect)
	if cause != nil {
		disconnect.Reason = cause.Error()
		p.lastErr = cause
		errEvt := p.newEventLocked(schema.EventTypeError)
		errEvt.Err = cause
		evts = append(evts, errEvt)
	} else {
		disconnect.Reason = "closed"
	}
	evts = append(evts, disconnect)

	if p.cfg.Connection.AutoReconnect && p.meta.ReconnectAttempts < p.cfg.Connection.MaxReconnectAttempts {
		evts = append(evts, p.scheduleReconnectLocked())
	} else if cause != nil || p.cfg.Connection.AutoReconnect {
		evts = append(evts, p.setStatusLocked(schema.StatusError))
	} else {
		evts = append(evts, p.setStatusLocked(schema.StatusDisconnected))
	}
	p.mu.Unlock()
	p.emit(evts...)
}

// failConnect records a dial failure and applies the retry policy.
func (p *Provider) failConnect(cause error) error {
	connErr := errs.New("provider/"+p.cfg.ID, errs.CodeConnection,
		errs.WithMessage("connect failed"),
		errs.WithField("url", p.cfg.Connection.URL),
		errs.WithCause(cause))

	p.mu.Lock()
	if p.isClosed() || p.status != schema.StatusConnecting {
		p.mu.Unlock()
		return connErr
	}
	p.lastErr = connErr
	errEvt := p.newEventLocked(schema.EventTypeError)
	errEvt.Err = connErr
	evts := []*schema.Event{errEvt}

	if p.cfg.Connection.AutoReconnect && p.meta.ReconnectAttempts < p.cfg.Connection.MaxReconnectAttempts {
		evts = append(evts, p.scheduleReconnectLocked())
	} else {
		evts = append(evts, p.setStatusLocked(schema.StatusError))
	}
	p.mu.Unlock()
	p.emit(evts...)
	return connErr
}

// scheduleReconnectLocked increments the attempt counter and arms the retry
// timer. Caller holds mu.
func (p *Provider) scheduleReconnectLocked() *schema.Event {
	p.meta.ReconnectAttempts++
	p.metrics.Reconnects.Add(context.Background(), 1, telemetry.ProviderAttr(p.cfg.ID))

	delay := p.cfg.Connection.ReconnectInterval
	if p.cfg.Connection.Backoff {
		if next := p.retryPolicy.NextBackOff(); next != backoff.Stop {
			delay = next
		}
	}
	attempt := p.meta.ReconnectAttempts
	p.logger.Printf("reconnect attempt %d/%d in %v", attempt, p.cfg.Connection.MaxReconnectAttempts, delay)
	p.reconnectTimer = time.AfterFunc(delay, p.reconnect)
	return p.setStatusLocked(schema.StatusReconnecting)
}

func (p *Provider) reconnect() {
	p.mu.Lock()
	if p.isClosed() || p.status != schema.StatusReconnecting {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Connection.Timeout)
	defer cancel()
	if err := p.Connect(ctx); err != nil {
		p.logger.Printf("reconnect failed: %v", err)
	}
}

// handleFrame runs on the transport read loop; frames for one connection
// arrive here in order.
func (p *Provider) handleFrame(epoch uint64, frame transport.Frame) {
	p.metrics.FramesReceived.Add(context.Background(), 1, telemetry.ProviderAttr(p.cfg.ID))

	p.mu.Lock()
	if p.epoch != epoch || p.cycle == nil {
		p.mu.Unlock()
		return
	}
	cycle := p.cycle
	p.meta.MessageCount++

	body := string(frame.Body)
	if end, matched := matchSnapshotEnd(body, p.cfg.Settings.SnapshotEndToken); end && !cycle.complete {
		if len(matched) > 1 {
			p.logger.Printf("end-of-snapshot frame matched multiple indicators %v; configured token is authoritative", matched)
		}
		p.finishCycleLocked(cycle)
		return
	}

	rows, err := p.parser.Parse(frame.Body)
	if err != nil {
		// Unparseable frames are logged and dropped, never fatal.
		p.mu.Unlock()
		p.metrics.FramesDropped.Add(context.Background(), 1, telemetry.ProviderAttr(p.cfg.ID))
		p.logger.Printf("drop frame: %v", err)
		return
	}
	if len(rows) == 0 {
		p.mu.Unlock()
		return
	}
	p.metrics.RowsIngested.Add(context.Background(), int64(len(rows)), telemetry.ProviderAttr(p.cfg.ID))

	switch {
	case !cycle.complete:
		partials := cycle.ingest(rows)
		evts := make([]*schema.Event, 0, len(partials))
		for _, batch := range partials {
			evts = append(evts, p.snapshotEventLocked(batch.rows, &schema.SnapshotMeta{
				IsPartial:     true,
				TotalReceived: batch.total,
			}))
		}
		p.mu.Unlock()
		for _, evt := range evts {
			p.metrics.RecordBatch(context.Background(), p.cfg.ID, len(evt.Rows), true)
		}
		p.emit(evts...)
	case !cycle.finalEmitted:
		// Final batch emission is in flight; preserve ordering by queueing.
		cycle.bufferLive(rows)
		p.mu.Unlock()
	default:
		evt := p.newEventLocked(schema.EventTypeData)
		evt.Rows = rows
		p.mu.Unlock()
		p.metrics.LiveUpdates.Add(context.Background(), 1, telemetry.ProviderAttr(p.cfg.ID))
		p.emit(evt)
	}
}

// finishCycleLocked flushes the final batch, signals completion, then replays
// any live updates queued while the final emission was in flight. Enters with
// mu held, returns with it released.
func (p *Provider) finishCycleLocked(cycle *snapshotCycle) {
	final, total := cycle.finish()
	finalEvt := p.snapshotEventLocked(final, &schema.SnapshotMeta{
		IsPartial:     false,
		TotalReceived: total,
	})
	completeEvt := p.newEventLocked(schema.EventTypeSnapshotComplete)
	p.mu.Unlock()

	p.metrics.RecordBatch(context.Background(), p.cfg.ID, len(final), false)

	p.emitMu.Lock()
	p.send(finalEvt, completeEvt)

	p.mu.Lock()
	var replays []*schema.Event
	if p.cycle == cycle {
		cycle.finalEmitted = true
		for _, rows := range cycle.drainPending() {
			evt := p.newEventLocked(schema.EventTypeData)
			evt.Rows = rows
			replays = append(replays, evt)
		}
	}
	p.mu.Unlock()

	p.send(replays...)
	p.emitMu.Unlock()

	p.logger.Printf("snapshot complete: rows=%d", total)
}

func (p *Provider) snapshotEventLocked(rows []schema.Row, meta *schema.SnapshotMeta) *schema.Event {
	evt := p.newEventLocked(schema.EventTypeSnapshot)
	evt.Rows = rows
	evt.Snapshot = meta
	return evt
}

// newEventLocked stamps provider identity, cycle tag, and sequence. Caller
// holds mu.
func (p *Provider) newEventLocked(typ schema.EventType) *schema.Event {
	p.seq++
	var cycleID uint64
	if p.cycle != nil {
		cycleID = p.cycle.id
	}
	return &schema.Event{
		Provider: p.cfg.ID,
		Cycle:    cycleID,
		Type:     typ,
		Seq:      p.seq,
		EmitTS:   p.clock().UTC(),
	}
}

func (p *Provider) setStatusLocked(status schema.ProviderStatus) *schema.Event {
	p.status = status
	evt := p.newEventLocked(schema.EventTypeStatusChange)
	evt.Status = status
	return evt
}

func (p *Provider) emitAdvisoryError(err error) {
	p.mu.Lock()
	evt := p.newEventLocked(schema.EventTypeError)
	evt.Err = err
	p.mu.Unlock()
	p.emit(evt)
}

// emit serialises event delivery so concurrent emitters cannot interleave a
// batch.
func (p *Provider) emit(evts ...*schema.Event) {
	if len(evts) == 0 {
		return
	}
	p.emitMu.Lock()
	p.send(evts...)
	p.emitMu.Unlock()
}

func (p *Provider) send(evts ...*schema.Event) {
	for _, evt := range evts {
		if evt == nil {
			continue
		}
		select {
		case p.events <- evt:
		case <-p.done:
			return
		}
	}
}

func (p *Provider) cancelTimersLocked() {
	if p.settleTimer != nil {
		p.settleTimer.Stop()
		p.settleTimer = nil
	}
	if p.reconnectTimer != nil {
		p.reconnectTimer.Stop()
		p.reconnectTimer = nil
	}
}

func (p *Provider) isClosed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Describe renders a short human-readable summary for logs and control
// surfaces.
func (p *Provider) Describe() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("%s (%s) status=%s messages=%d reconnects=%d",
		p.cfg.ID, strings.TrimSpace(p.cfg.Name), p.status, p.meta.MessageCount, p.meta.ReconnectAttempts)
}
