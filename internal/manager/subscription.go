package manager

import (
	"github.com/google/uuid"

	"github.com/nndrao/gridfeed/errs"
	"github.com/nndrao/gridfeed/internal/schema"
)

// Handler receives one event per invocation. Events from a single provider
// arrive in emission order; a subscription spanning several providers may see
// its handler invoked concurrently, so handlers keep their own locking.
type Handler func(*schema.Event)

// Filter is an optional predicate applied after the provider/type scope.
type Filter func(*schema.Event) bool

// Transform optionally rewrites an event before the handler sees it.
// Returning nil suppresses delivery.
type Transform func(*schema.Event) *schema.Event

// SubscriptionOptions scopes a subscription. Zero values mean "all": an empty
// provider list matches every provider, an empty type list every event type.
// Scope is checked first, then Filter, then Transform, then Handler.
type SubscriptionOptions struct {
	Providers []string
	Types     []schema.EventType
	Filter    Filter
	Transform Transform
	Handler   Handler
}

type subscription struct {
	id        uuid.UUID
	providers map[string]struct{}
	types     map[schema.EventType]struct{}
	filter    Filter
	transform Transform
	handler   Handler
}

func newSubscription(opts SubscriptionOptions) (*subscription, error) {
	if opts.Handler == nil {
		return nil, errs.New("manager", errs.CodeInvalid, errs.WithMessage("subscription handler required"))
	}
	sub := &subscription{
		filter:    opts.Filter,
		transform: opts.Transform,
		handler:   opts.Handler,
	}
	if len(opts.Providers) > 0 {
		sub.providers = make(map[string]struct{}, len(opts.Providers))
		for _, id := range opts.Providers {
			sub.providers[id] = struct{}{}
		}
	}
	if len(opts.Types) > 0 {
		sub.types = make(map[schema.EventType]struct{}, len(opts.Types))
		for _, typ := range opts.Types {
			sub.types[typ] = struct{}{}
		}
	}
	return sub, nil
}

func (s *subscription) matches(evt *schema.Event) bool {
	if s.providers != nil {
		if _, ok := s.providers[evt.Provider]; !ok {
			return false
		}
	}
	if s.types != nil {
		if _, ok := s.types[evt.Type]; !ok {
			return false
		}
	}
	if s.filter != nil && !s.filter(evt) {
		return false
	}
	return true
}
