package schema

import (
	"strings"

	json "github.com/goccy/go-json"

	"github.com/nndrao/gridfeed/errs"
)

// TriggerKind discriminates the trigger tagged union.
type TriggerKind string

const (
	// TriggerRaw publishes the body verbatim to the trigger destination.
	TriggerRaw TriggerKind = "raw"
	// TriggerStructured JSON-encodes an action plus payload.
	TriggerStructured TriggerKind = "structured"
)

// ActionRefresh restarts the snapshot cycle in place instead of publishing.
const ActionRefresh = "refresh"

// Trigger is the message a provider publishes to start (or restart) a stream.
// The shape is decided at the boundary; nothing downstream branches on dynamic
// payload types.
type Trigger struct {
	Kind    TriggerKind    `json:"kind"`
	Body    string         `json:"body,omitempty"`
	Action  string         `json:"action,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// RawTrigger wraps a verbatim message body.
func RawTrigger(body string) Trigger {
	return Trigger{Kind: TriggerRaw, Body: body}
}

// StructuredTrigger wraps an action with an optional payload.
func StructuredTrigger(action string, payload map[string]any) Trigger {
	return Trigger{Kind: TriggerStructured, Action: strings.TrimSpace(action), Payload: payload}
}

// IsRefresh reports whether the trigger requests an in-place cycle restart.
func (t Trigger) IsRefresh() bool {
	return t.Kind == TriggerStructured && strings.EqualFold(t.Action, ActionRefresh)
}

// Encode renders the wire body for the trigger.
func (t Trigger) Encode() ([]byte, error) {
	switch t.Kind {
	case TriggerRaw:
		return []byte(t.Body), nil
	case TriggerStructured:
		body := make(map[string]any, len(t.Payload)+1)
		for k, v := range t.Payload {
			body[k] = v
		}
		if t.Action != "" {
			body["action"] = t.Action
		}
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, errs.New("schema/trigger", errs.CodeInvalid,
				errs.WithMessage("encode structured trigger"), errs.WithCause(err))
		}
		return encoded, nil
	default:
		return nil, errs.New("schema/trigger", errs.CodeInvalid,
			errs.WithMessage("unknown trigger kind"), errs.WithField("kind", string(t.Kind)))
	}
}
