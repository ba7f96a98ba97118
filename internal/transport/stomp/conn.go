// Package stomp implements the STOMP 1.2 over websocket transport used to
// reach streaming dashboard endpoints.
package stomp

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/nndrao/gridfeed/errs"
	"github.com/nndrao/gridfeed/internal/transport"
)

// Kind is the factory key for this transport.
const Kind = "stomp"

const (
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
	// Heartbeat interval offered to the server, in milliseconds, for both
	// directions of the heart-beat header.
	clientHeartBeatMillis = 10000
	// Missing this many consecutive expected server heartbeats terminates
	// the connection.
	heartbeatTolerance = 2
)

// Register binds the stomp transport into the provided factory.
func Register(factory *transport.Factory) {
	factory.Register(Kind, Open)
}

// Conn is a STOMP session over a single websocket connection.
type Conn struct {
	ws      *websocket.Conn
	cfg     transport.Config
	ctx     context.Context
	cancel  context.CancelFunc
	writeMu sync.Mutex

	subsMu sync.Mutex
	subs   map[string]*topicSub

	errCh chan error
	done  chan struct{}

	failOnce sync.Once
	termErr  error

	sendEvery   time.Duration
	expectEvery time.Duration

	aliveMu  sync.Mutex
	lastRead time.Time
}

type topicSub struct {
	id          string
	handler     transport.FrameHandler
	unsubscribe func()
}

// Open dials the endpoint and completes the STOMP handshake. The caller's
// context bounds the dial and handshake; cfg.Timeout applies when the context
// carries no deadline.
func Open(ctx context.Context, cfg transport.Config) (transport.Conn, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errs.New("transport/stomp", errs.CodeInvalid, errs.WithMessage("url required"))
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ws, _, err := websocket.Dial(dialCtx, cfg.URL, nil)
	if err != nil {
		return nil, errs.New("transport/stomp", errs.CodeConnection,
			errs.WithMessage("dial websocket"),
			errs.WithField("url", cfg.URL),
			errs.WithCause(err))
	}
	// Snapshot batches can be large; do not let the library cap reads.
	ws.SetReadLimit(-1)

	connCtx, connCancel := context.WithCancel(context.Background())
	conn := &Conn{
		ws:       ws,
		cfg:      cfg,
		ctx:      connCtx,
		cancel:   connCancel,
		subs:     make(map[string]*topicSub),
		errCh:    make(chan error, 8),
		done:     make(chan struct{}),
		lastRead: time.Now(),
	}

	if err := conn.handshake(dialCtx); err != nil {
		_ = ws.Close(websocket.StatusProtocolError, "handshake failed")
		connCancel()
		return nil, err
	}

	go conn.readLoop()
	if conn.sendEvery > 0 || conn.expectEvery > 0 {
		go conn.heartbeatLoop()
	}
	return conn, nil
}

func (c *Conn) handshake(ctx context.Context) error {
	host := hostFromURL(c.cfg.URL)
	headers := map[string]string{
		hdrAcceptVersion: "1.2",
		hdrHost:          host,
		hdrHeartBeat:     fmt.Sprintf("%d,%d", clientHeartBeatMillis, clientHeartBeatMillis),
	}
	for k, v := range c.cfg.Headers {
		headers[k] = v
	}
	if err := c.writeFrame(ctx, frame{Command: cmdConnect, Headers: headers}); err != nil {
		return errs.New("transport/stomp", errs.CodeConnection,
			errs.WithMessage("send CONNECT"), errs.WithCause(err))
	}

	for {
		_, raw, err := c.ws.Read(ctx)
		if err != nil {
			return errs.New("transport/stomp", errs.CodeConnection,
				errs.WithMessage("await CONNECTED"), errs.WithCause(err))
		}
		f, err := decodeFrame(raw)
		if err != nil {
			return errs.New("transport/stomp", errs.CodeConnection,
				errs.WithMessage("decode handshake frame"), errs.WithCause(err))
		}
		switch f.Command {
		case "":
			continue // heartbeat before CONNECTED; tolerate
		case cmdConnected:
			c.negotiateHeartbeats(f.Headers[hdrHeartBeat])
			return nil
		case cmdError:
			return errs.New("transport/stomp", errs.CodeConnection,
				errs.WithMessage("server rejected CONNECT"),
				errs.WithField("error", f.Headers[hdrMessage]))
		default:
			return errs.New("transport/stomp", errs.CodeConnection,
				errs.WithMessage("unexpected handshake frame"),
				errs.WithField("command", f.Command))
		}
	}
}

// negotiateHeartbeats applies the STOMP heart-beat rules: we send at the
// larger of our offer and the server's desired inbound rate, and we expect
// frames at the larger of our desire and the server's outbound rate.
func (c *Conn) negotiateHeartbeats(header string) {
	serverSend, serverWant := parseHeartBeat(header)
	if serverWant > 0 {
		c.sendEvery = time.Duration(max64(clientHeartBeatMillis, serverWant)) * time.Millisecond
	}
	if serverSend > 0 {
		c.expectEvery = time.Duration(max64(clientHeartBeatMillis, serverSend)) * time.Millisecond
	}
}

// SubscribeTopic registers for MESSAGE frames on the topic. Re-subscribing an
// already-subscribed topic is a no-op returning the existing unsubscribe.
func (c *Conn) SubscribeTopic(topic string, onFrame transport.FrameHandler) (func(), error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, errs.New("transport/stomp", errs.CodeInvalid, errs.WithMessage("topic required"))
	}
	if onFrame == nil {
		return nil, errs.New("transport/stomp", errs.CodeInvalid, errs.WithMessage("frame handler required"))
	}

	c.subsMu.Lock()
	if existing, ok := c.subs[topic]; ok {
		c.subsMu.Unlock()
		return existing.unsubscribe, nil
	}
	sub := &topicSub{id: uuid.NewString(), handler: onFrame}
	sub.unsubscribe = func() { c.unsubscribeTopic(topic, sub.id) }
	c.subs[topic] = sub
	c.subsMu.Unlock()

	writeCtx, cancel := context.WithTimeout(c.ctx, defaultWriteTimeout)
	defer cancel()
	err := c.writeFrame(writeCtx, frame{
		Command: cmdSubscribe,
		Headers: map[string]string{hdrID: sub.id, hdrDestination: topic},
	})
	if err != nil {
		c.subsMu.Lock()
		delete(c.subs, topic)
		c.subsMu.Unlock()
		return nil, errs.New("transport/stomp", errs.CodeConnection,
			errs.WithMessage("send SUBSCRIBE"),
			errs.WithField("topic", topic),
			errs.WithCause(err))
	}
	return sub.unsubscribe, nil
}

func (c *Conn) unsubscribeTopic(topic, id string) {
	c.subsMu.Lock()
	sub, ok := c.subs[topic]
	if ok && sub.id == id {
		delete(c.subs, topic)
	}
	c.subsMu.Unlock()
	if !ok || sub.id != id {
		return
	}
	writeCtx, cancel := context.WithTimeout(c.ctx, defaultWriteTimeout)
	defer cancel()
	_ = c.writeFrame(writeCtx, frame{Command: cmdUnsubscribe, Headers: map[string]string{hdrID: id}})
}

// Publish sends a SEND frame to the destination.
func (c *Conn) Publish(ctx context.Context, destination string, body []byte, headers map[string]string) error {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return errs.New("transport/stomp", errs.CodeInvalid, errs.WithMessage("destination required"))
	}
	select {
	case <-c.done:
		return errs.New("transport/stomp", errs.CodeSend, errs.WithMessage("connection closed"))
	default:
	}

	frameHeaders := map[string]string{
		hdrDestination:   destination,
		hdrContentLength: strconv.Itoa(len(body)),
	}
	for k, v := range headers {
		frameHeaders[k] = v
	}
	if err := c.writeFrame(ctx, frame{Command: cmdSend, Headers: frameHeaders, Body: body}); err != nil {
		return errs.New("transport/stomp", errs.CodeSend,
			errs.WithMessage("send frame"),
			errs.WithField("destination", destination),
			errs.WithCause(err))
	}
	return nil
}

// Close tears down the session. Safe to call repeatedly and from any state.
func (c *Conn) Close(ctx context.Context) error {
	c.fail(nil)
	writeCtx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	_ = c.writeFrame(writeCtx, frame{Command: cmdDisconnect, Headers: map[string]string{}})
	cancel()
	c.cancel()
	if err := c.ws.Close(websocket.StatusNormalClosure, "shutdown"); err != nil {
		if !errors.Is(err, context.Canceled) && !strings.Contains(err.Error(), "already wrote close") {
			return fmt.Errorf("close websocket: %w", err)
		}
	}
	return nil
}

// Done is closed when the connection terminates.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the terminal cause after Done closes.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.termErr
	default:
		return nil
	}
}

// Errs exposes remote ERROR frames.
func (c *Conn) Errs() <-chan error { return c.errCh }

func (c *Conn) readLoop() {
	for {
		_, raw, err := c.ws.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				c.fail(nil)
			} else {
				c.fail(fmt.Errorf("read frame: %w", err))
			}
			return
		}
		c.touch()

		f, err := decodeFrame(raw)
		if err != nil {
			c.reportError(errs.New("transport/stomp", errs.CodeProtocol,
				errs.WithMessage("decode frame"), errs.WithCause(err)))
			continue
		}
		if f.heartbeat() {
			continue
		}

		switch f.Command {
		case cmdMessage:
			c.dispatch(f)
		case cmdError:
			c.reportError(errs.New("transport/stomp", errs.CodeProtocol,
				errs.WithMessage("server error frame"),
				errs.WithField("error", f.Headers[hdrMessage]),
				errs.WithField("body", string(f.Body))))
		default:
			// RECEIPT and friends are not requested by this client; ignore.
		}
	}
}

func (c *Conn) dispatch(f frame) {
	topic := f.Headers[hdrDestination]
	c.subsMu.Lock()
	sub, ok := c.subs[topic]
	c.subsMu.Unlock()
	if !ok {
		return
	}
	sub.handler(transport.Frame{Topic: topic, Body: f.Body, Headers: f.Headers})
}

func (c *Conn) heartbeatLoop() {
	interval := c.sendEvery
	if interval <= 0 {
		interval = c.expectEvery
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			if c.expectEvery > 0 && time.Since(c.lastSeen()) > c.expectEvery*heartbeatTolerance {
				c.fail(errs.New("transport/stomp", errs.CodeConnection,
					errs.WithMessage("server heartbeats missed")))
				c.cancel()
				_ = c.ws.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
			if c.sendEvery > 0 {
				writeCtx, cancel := context.WithTimeout(c.ctx, defaultWriteTimeout)
				err := c.writeRaw(writeCtx, []byte("\n"))
				cancel()
				if err != nil && c.ctx.Err() == nil {
					c.fail(fmt.Errorf("send heartbeat: %w", err))
					return
				}
			}
		}
	}
}

func (c *Conn) writeFrame(ctx context.Context, f frame) error {
	return c.writeRaw(ctx, encodeFrame(f))
}

func (c *Conn) writeRaw(ctx context.Context, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, payload)
}

// fail records the terminal cause once and closes done.
func (c *Conn) fail(err error) {
	c.failOnce.Do(func() {
		c.termErr = err
		close(c.done)
	})
}

func (c *Conn) reportError(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func (c *Conn) touch() {
	c.aliveMu.Lock()
	c.lastRead = time.Now()
	c.aliveMu.Unlock()
}

func (c *Conn) lastSeen() time.Time {
	c.aliveMu.Lock()
	defer c.aliveMu.Unlock()
	return c.lastRead
}

func parseHeartBeat(header string) (serverSend, serverWant int64) {
	parts := strings.SplitN(strings.TrimSpace(header), ",", 2)
	if len(parts) != 2 {
		return 0, 0
	}
	sx, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil || sx < 0 {
		sx = 0
	}
	sy, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil || sy < 0 {
		sy = 0
	}
	return sx, sy
}

func hostFromURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Hostname() == "" {
		return raw
	}
	return parsed.Hostname()
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
