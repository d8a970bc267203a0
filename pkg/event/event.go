// Package event holds the value objects passed between dispatch, the
// delivery queue and remote instances: the federated event itself and the
// per-destination delivery wrapper.
package event

import (
	"encoding/json"

	"github.com/nextcloud/circles-sub000/pkg/model"
)

// Severity decides whether a failed delivery is retried.
type Severity int

const (
	SeverityNormal Severity = 1
	SeverityHigh   Severity = 3
)

func (s Severity) String() string {
	if s == SeverityHigh {
		return "HIGH"
	}
	return "NORMAL"
}

// Bypass is a bitmask of policy checks an event is allowed to skip.
type Bypass int

const (
	BypassCircleCheck Bypass = 1 << iota
	BypassLocalCircleCheck
	BypassLocalMemberCheck
	BypassInitiatorCheck
	BypassInitiatorMembership
)

// FederatedEvent is a request to execute a named operation against a circle.
type FederatedEvent struct {
	Class    string         `json:"class"`
	Circle   *model.Circle  `json:"circle,omitempty"`
	Member   *model.Member  `json:"member,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
	Outcome  map[string]any `json:"outcome,omitempty"`
	Origin   string         `json:"origin"`
	Sender   string         `json:"sender,omitempty"`
	Severity Severity       `json:"severity"`
	Bypass   Bypass         `json:"bypass"`

	Async                       bool   `json:"async"`
	DataRequestOnly             bool   `json:"data_request_only"`
	LimitedToInstanceWithMember bool   `json:"limited_to_instance_with_member"`
	WrapperToken                string `json:"wrapper_token,omitempty"`

	// Internal carries values only meaningful on the instance that set them.
	Internal map[string]any `json:"-"`
	// Result is what a handler produced for the current destination.
	Result map[string]any `json:"-"`
}

// New returns an event for the operation class targeting circle.
func New(class string, circle *model.Circle) *FederatedEvent {
	return &FederatedEvent{
		Class:    class,
		Circle:   circle,
		Params:   map[string]any{},
		Severity: SeverityNormal,
	}
}

// CanBypass reports whether every bit of flag is set.
func (e *FederatedEvent) CanBypass(flag Bypass) bool {
	return e.Bypass&flag == flag
}

// SetBypass adds flag to the bypass mask.
func (e *FederatedEvent) SetBypass(flag Bypass) *FederatedEvent {
	e.Bypass |= flag
	return e
}

// HasCircle reports whether a circle snapshot is attached.
func (e *FederatedEvent) HasCircle() bool {
	return e.Circle != nil
}

// HasMember reports whether a target member is attached.
func (e *FederatedEvent) HasMember() bool {
	return e.Member != nil
}

// ResetOutcome clears any outcome left by a previous submission.
func (e *FederatedEvent) ResetOutcome() {
	e.Outcome = map[string]any{}
}

// SetOutcome records a value in the outcome returned to the caller.
func (e *FederatedEvent) SetOutcome(key string, value any) {
	if e.Outcome == nil {
		e.Outcome = map[string]any{}
	}
	e.Outcome[key] = value
}

// SetResult records a value in the per-destination result.
func (e *FederatedEvent) SetResult(key string, value any) {
	if e.Result == nil {
		e.Result = map[string]any{}
	}
	e.Result[key] = value
}

// SetInternal stores an instance-local value that never leaves this process.
func (e *FederatedEvent) SetInternal(key string, value any) {
	if e.Internal == nil {
		e.Internal = map[string]any{}
	}
	e.Internal[key] = value
}

// Param returns the raw parameter for key.
func (e *FederatedEvent) Param(key string) (any, bool) {
	v, ok := e.Params[key]
	return v, ok
}

// ParamString returns a string parameter or "".
func (e *FederatedEvent) ParamString(key string) string {
	v, _ := e.Params[key].(string)
	return v
}

// ParamInt returns an integer parameter; JSON numbers arrive as float64.
func (e *FederatedEvent) ParamInt(key string) (int, bool) {
	switch v := e.Params[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	}
	return 0, false
}

// ParamBool returns a boolean parameter or false.
func (e *FederatedEvent) ParamBool(key string) bool {
	v, _ := e.Params[key].(bool)
	return v
}

// Clone returns a copy suitable for serialization to another instance:
// internal-only fields are reset.
func (e *FederatedEvent) Clone() *FederatedEvent {
	c := *e
	c.Params = copyMap(e.Params)
	c.Outcome = copyMap(e.Outcome)
	c.Internal = nil
	c.Result = nil
	if e.Circle != nil {
		circle := *e.Circle
		c.Circle = &circle
	}
	if e.Member != nil {
		member := *e.Member
		c.Member = &member
	}
	return &c
}

// Marshal serializes the event for the wire.
func (e *FederatedEvent) Marshal() ([]byte, error) {
	return json.Marshal(e.Clone())
}

// Unmarshal decodes an event received from the wire.
func Unmarshal(data []byte) (*FederatedEvent, error) {
	e := &FederatedEvent{}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, err
	}
	if e.Params == nil {
		e.Params = map[string]any{}
	}
	return e, nil
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
