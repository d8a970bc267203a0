package federation

import (
	"context"
	"sort"
	"sync"

	"github.com/nextcloud/circles-sub000/pkg/event"
	"github.com/nextcloud/circles-sub000/pkg/fault"
)

// Handler is a federated operation. Verify runs pre-condition checks on the
// owning instance, Manage applies the mutation on every instance the event
// reaches, Result receives the per-instance wrappers once the broadcast is
// fully resolved.
type Handler interface {
	Verify(ctx context.Context, ev *event.FederatedEvent) error
	Manage(ctx context.Context, ev *event.FederatedEvent) error
	Result(ctx context.Context, ev *event.FederatedEvent, results map[string]*event.Wrapper) error
}

// Capability markers. A handler declares a policy by implementing the
// matching interface.
type (
	HighSeverity                    interface{ HighSeverity() }
	AsyncProcess                    interface{ AsyncProcess() }
	DataRequestOnly                 interface{ DataRequestOnly() }
	CircleCheckNotRequired          interface{ CircleCheckNotRequired() }
	MemberCheckNotRequired          interface{ MemberCheckNotRequired() }
	InitiatorCheckNotRequired       interface{ InitiatorCheckNotRequired() }
	InitiatorMembershipNotRequired  interface{ InitiatorMembershipNotRequired() }
	LimitedToInstanceWithMembership interface{ LimitedToInstanceWithMembership() }
	MustRunLocally                  interface{ MustRunLocally() }
)

// Factory builds the handler registered under a name. It returns any so a
// misregistered value is caught when the event is dispatched.
type Factory func() any

// Registry maps operation names to handler factories. It is filled at
// startup and read concurrently afterwards.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds name to factory, replacing any previous binding.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Resolve builds the handler for name.
func (r *Registry) Resolve(name string) (Handler, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok || factory == nil {
		return nil, fault.New(fault.ClassHandlerNotFound, "no handler registered for %q", name)
	}
	h, ok := factory().(Handler)
	if !ok {
		return nil, fault.New(fault.ClassInvalidHandler, "%q is not a federated operation handler", name)
	}
	return h, nil
}

// Names lists the registered operations.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// applyPolicy copies the declared capabilities of h onto ev.
func applyPolicy(h Handler, ev *event.FederatedEvent) {
	if _, ok := h.(HighSeverity); ok {
		ev.Severity = event.SeverityHigh
	}
	if _, ok := h.(AsyncProcess); ok {
		ev.Async = true
	}
	if _, ok := h.(DataRequestOnly); ok {
		ev.DataRequestOnly = true
	}
	if _, ok := h.(CircleCheckNotRequired); ok {
		ev.SetBypass(event.BypassCircleCheck)
	}
	if _, ok := h.(MemberCheckNotRequired); ok {
		ev.SetBypass(event.BypassLocalMemberCheck)
	}
	if _, ok := h.(InitiatorCheckNotRequired); ok {
		ev.SetBypass(event.BypassInitiatorCheck)
	}
	if _, ok := h.(InitiatorMembershipNotRequired); ok {
		ev.SetBypass(event.BypassInitiatorMembership)
	}
	if _, ok := h.(LimitedToInstanceWithMembership); ok {
		ev.LimitedToInstanceWithMember = true
	}
}
