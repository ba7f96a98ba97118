// Package schema defines the canonical event model shared by providers,
// the manager, and reconciliation consumers.
package schema

import (
	"time"
)

// ProviderStatus enumerates provider connection states.
type ProviderStatus string

const (
	// StatusDisconnected marks a provider with no open transport.
	StatusDisconnected ProviderStatus = "disconnected"
	// StatusConnecting marks a provider dialing its transport.
	StatusConnecting ProviderStatus = "connecting"
	// StatusConnected marks a provider with an established transport.
	StatusConnected ProviderStatus = "connected"
	// StatusReconnecting marks a provider waiting to redial after a drop.
	StatusReconnecting ProviderStatus = "reconnecting"
	// StatusError marks a provider that exhausted its reconnect budget.
	StatusError ProviderStatus = "error"
)

// Row is an opaque record identified by a configurable key column.
type Row map[string]any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Key extracts the row identity under the given key column.
func (r Row) Key(column string) (string, bool) {
	v, ok := r[column]
	if !ok {
		return "", false
	}
	switch key := v.(type) {
	case string:
		return key, key != ""
	case nil:
		return "", false
	default:
		return stringify(key), true
	}
}

// SnapshotMeta describes a snapshot batch.
//
// Invariant: the sum of row counts across all isPartial batches plus the final
// batch equals TotalReceived on the final batch.
type SnapshotMeta struct {
	IsPartial     bool `json:"isPartial"`
	TotalReceived int  `json:"totalReceived"`
}

// EventType enumerates the fixed event surface exposed to consumers.
type EventType string

const (
	// EventTypeConnect fires once per successful transport handshake.
	EventTypeConnect EventType = "connect"
	// EventTypeDisconnect fires when the transport closes.
	EventTypeDisconnect EventType = "disconnect"
	// EventTypeStatusChange fires on every provider state transition.
	EventTypeStatusChange EventType = "statusChange"
	// EventTypeError carries advisory transport or protocol failures.
	EventTypeError EventType = "error"
	// EventTypeData carries live-update rows delivered after snapshot completion.
	EventTypeData EventType = "data"
	// EventTypeSnapshot carries a snapshot batch with partial/final metadata.
	EventTypeSnapshot EventType = "snapshot"
	// EventTypeSnapshotComplete signals the end of the current snapshot cycle.
	EventTypeSnapshotComplete EventType = "snapshotComplete"
	// EventTypeMessageSent acknowledges a trigger publish.
	EventTypeMessageSent EventType = "messageSent"
)

// Event is the unit of fan-out between a provider and its subscriptions.
type Event struct {
	Provider string         `json:"provider"`
	Cycle    uint64         `json:"cycle"`
	Type     EventType      `json:"type"`
	Status   ProviderStatus `json:"status,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Err      error          `json:"-"`
	Rows     []Row          `json:"rows,omitempty"`
	Snapshot *SnapshotMeta  `json:"snapshot,omitempty"`
	Trigger  *Trigger       `json:"trigger,omitempty"`
	Seq      uint64         `json:"seq"`
	EmitTS   time.Time      `json:"emit_ts"`
}

// CloneEvent returns a copy safe to hand to a subscription transform. Rows are
// shared; transforms that mutate rows must clone them first.
func CloneEvent(evt *Event) *Event {
	if evt == nil {
		return nil
	}
	clone := *evt
	if evt.Snapshot != nil {
		meta := *evt.Snapshot
		clone.Snapshot = &meta
	}
	if evt.Rows != nil {
		clone.Rows = make([]Row, len(evt.Rows))
		copy(clone.Rows, evt.Rows)
	}
	return &clone
}

// ProviderMetadata carries connection bookkeeping read by the manager and consumers.
type ProviderMetadata struct {
	ConnectedAt       time.Time
	DisconnectedAt    time.Time
	MessageCount      uint64
	ReconnectAttempts int
}
