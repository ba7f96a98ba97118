// Package transport defines the capability interface providers use to reach a
// streaming endpoint, plus a factory keyed by configured transport kind.
package transport

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nndrao/gridfeed/errs"
)

// Frame is one inbound message delivered on a subscribed topic.
type Frame struct {
	Topic   string
	Body    []byte
	Headers map[string]string
}

// FrameHandler consumes inbound frames for a single topic. Handlers run on the
// connection read loop; frames for one connection arrive in order.
type FrameHandler func(Frame)

// Config carries the connection parameters a transport needs to dial.
type Config struct {
	URL     string
	Timeout time.Duration
	Headers map[string]string
}

// Conn is an open connection to a streaming endpoint. It performs no retries;
// retry policy lives with the owner.
type Conn interface {
	// SubscribeTopic registers a frame handler for the topic and returns an
	// unsubscribe function. Subscribing an already-subscribed topic is a
	// no-op returning the existing unsubscribe.
	SubscribeTopic(topic string, onFrame FrameHandler) (func(), error)
	// Publish sends a body to the destination. Blocks until the transport
	// accepts the write or ctx expires.
	Publish(ctx context.Context, destination string, body []byte, headers map[string]string) error
	// Close tears the connection down. Safe to call more than once.
	Close(ctx context.Context) error
	// Done is closed when the connection terminates for any reason.
	Done() <-chan struct{}
	// Err returns the terminal cause after Done is closed; nil on clean close.
	Err() error
	// Errs surfaces protocol-level errors from the remote end. These are
	// advisory and never terminate the connection by themselves.
	Errs() <-chan error
}

// OpenFunc dials a connection for a transport kind.
type OpenFunc func(ctx context.Context, cfg Config) (Conn, error)

// Factory resolves transport kinds to dialers. Constructed once per process
// and passed by reference; there is no package-level registry.
type Factory struct {
	mu    sync.RWMutex
	kinds map[string]OpenFunc
}

// NewFactory creates an empty transport factory.
func NewFactory() *Factory {
	return &Factory{kinds: make(map[string]OpenFunc)}
}

// Register binds a transport kind to its dialer. Later registrations replace
// earlier ones.
func (f *Factory) Register(kind string, open OpenFunc) {
	kind = normalizeKind(kind)
	if kind == "" || open == nil {
		return
	}
	f.mu.Lock()
	f.kinds[kind] = open
	f.mu.Unlock()
}

// Open dials a connection using the dialer registered for kind.
func (f *Factory) Open(ctx context.Context, kind string, cfg Config) (Conn, error) {
	f.mu.RLock()
	open, ok := f.kinds[normalizeKind(kind)]
	f.mu.RUnlock()
	if !ok {
		return nil, errs.New("transport/factory", errs.CodeNotFound,
			errs.WithMessage("unknown transport kind"), errs.WithField("kind", kind))
	}
	return open(ctx, cfg)
}

func normalizeKind(kind string) string {
	return strings.ToLower(strings.TrimSpace(kind))
}
