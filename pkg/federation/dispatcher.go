// Package federation decides where a federated event runs: on this
// instance when it owns the circle, forwarded once to the owner otherwise.
// On the owner it runs the policy checks, the handler and the broadcast to
// every instance with a stake in the circle.
package federation

import (
	"context"
	"strings"

	"github.com/nextcloud/circles-sub000/pkg/event"
	"github.com/nextcloud/circles-sub000/pkg/fault"
	"github.com/nextcloud/circles-sub000/pkg/model"
	"github.com/nextcloud/circles-sub000/pkg/observability"
	"github.com/nextcloud/circles-sub000/pkg/queue"
	"github.com/nextcloud/circles-sub000/pkg/signatory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// Store is the local record lookup used by policy checks.
type Store interface {
	GetCircle(ctx context.Context, singleID string) (*model.Circle, error)
	GetMember(ctx context.Context, circleID, singleID string) (*model.Member, error)
	GetMembership(ctx context.Context, singleID, circleID string) (model.Membership, error)
}

// Queue creates delivery wrappers for the events run on this instance.
type Queue interface {
	Broadcast(ctx context.Context, ev *event.FederatedEvent) (bool, error)
	SetExecutor(executor queue.LocalExecutor, results queue.ResultHandler)
}

// Forwarder sends an event to the instance owning its circle.
type Forwarder interface {
	ForwardEvent(ctx context.Context, ev *event.FederatedEvent) (map[string]any, error)
}

// Options configures a Dispatcher.
type Options struct {
	Registry      *Registry
	Store         Store
	Queue         Queue
	Forwarder     Forwarder
	Metrics       *observability.Provider
	LocalInstance string
	IsLocal       func(instance string) bool
}

// Dispatcher is the federated event service.
type Dispatcher struct {
	registry      *Registry
	store         Store
	queue         Queue
	forwarder     Forwarder
	metrics       *observability.Provider
	localInstance string
	isLocal       func(string) bool
	logger        zerolog.Logger
}

// New creates a Dispatcher and binds it to the queue as the in-process
// executor and result handler.
func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		registry:      opts.Registry,
		store:         opts.Store,
		queue:         opts.Queue,
		forwarder:     opts.Forwarder,
		metrics:       opts.Metrics,
		localInstance: strings.ToLower(opts.LocalInstance),
		isLocal:       opts.IsLocal,
		logger:        log.With().Str("component", "federation").Logger(),
	}
	if d.registry == nil {
		d.registry = NewRegistry()
	}
	if d.isLocal == nil {
		d.isLocal = func(instance string) bool {
			return instance == "" || strings.EqualFold(instance, d.localInstance)
		}
	}
	if d.queue != nil {
		d.queue.SetExecutor(d, d)
	}
	return d
}

// Registry returns the handler registry.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Submit runs an event created on this instance and returns its outcome.
func (d *Dispatcher) Submit(ctx context.Context, ev *event.FederatedEvent) (map[string]any, error) {
	ctx, span := d.metrics.StartSpan(ctx, "federation.submit", attribute.String("class", ev.Class))
	defer span.End()

	ev.Origin = d.localInstance
	ev.ResetOutcome()

	h, err := d.registry.Resolve(ev.Class)
	if err != nil {
		return nil, err
	}
	applyPolicy(h, ev)

	if err := d.confirmInitiator(ev, d.isLocal); err != nil {
		return nil, err
	}

	owner := d.localInstance
	if ev.HasCircle() {
		owner = ev.Circle.Instance
	} else if !ev.CanBypass(event.BypassCircleCheck) {
		return nil, fault.New(fault.ClassCircleNotFound, "event %s carries no circle", ev.Class)
	}

	local := d.isLocal(owner)
	d.metrics.EventSubmitted(ctx, ev.Class, local)

	if !local {
		if _, ok := h.(MustRunLocally); ok {
			return nil, fault.New(fault.ClassMustRunLocally, "%s cannot run on a circle owned by %s", ev.Class, owner)
		}
		if d.forwarder == nil {
			return nil, fault.New(fault.ClassRemoteUnreachable, "no transport to reach %s", owner)
		}
		d.logger.Debug().Str("class", ev.Class).Str("owner", owner).Msg("forwarding event to owner")
		return d.forwarder.ForwardEvent(ctx, ev)
	}

	if err := d.checkInitiatorMembership(ctx, ev); err != nil {
		return nil, err
	}
	if err := d.run(ctx, h, ev); err != nil {
		return nil, err
	}
	return ev.Outcome, nil
}

// Requested runs an event forwarded by sender to this instance, the owner
// of the event's circle.
func (d *Dispatcher) Requested(ctx context.Context, ev *event.FederatedEvent, sender *signatory.RemoteInstance) (map[string]any, error) {
	ctx, span := d.metrics.StartSpan(ctx, "federation.requested", attribute.String("class", ev.Class))
	defer span.End()

	if sender == nil || sender.Type == signatory.TypeUnknown {
		if !d.isLocal(ev.Origin) || ev.Origin == "" {
			return nil, fault.New(fault.ClassSignatoryUnknown, "event %s from an unverified instance", ev.Class)
		}
	}
	if sender != nil {
		ev.Sender = sender.Instance
	}
	ev.ResetOutcome()

	h, err := d.registry.Resolve(ev.Class)
	if err != nil {
		return nil, err
	}
	if _, ok := h.(MustRunLocally); ok {
		return nil, fault.New(fault.ClassMustRunLocally, "%s cannot be requested by a remote instance", ev.Class)
	}
	applyPolicy(h, ev)

	if !ev.HasCircle() {
		return nil, fault.New(fault.ClassCircleNotFound, "event %s carries no circle", ev.Class)
	}
	stored, err := d.store.GetCircle(ctx, ev.Circle.SingleID)
	if err != nil {
		return nil, err
	}
	if !d.isLocal(stored.Instance) {
		return nil, fault.New(fault.ClassOwnerMismatch, "circle %s is not owned by this instance", stored.SingleID)
	}

	if err := d.confirmInitiator(ev, func(instance string) bool { return sender.Is(instance) }); err != nil {
		return nil, err
	}
	if !ev.CanBypass(event.BypassLocalCircleCheck) && !stored.Same(ev.Circle) {
		return nil, fault.New(fault.ClassResyncRequired, "circle %s differs from the local record, please resynchronize", stored.SingleID)
	}
	if err := d.checkLocalMember(ctx, ev); err != nil {
		return nil, err
	}

	stored.Initiator = ev.Circle.Initiator
	ev.Circle = stored

	if err := d.checkInitiatorMembership(ctx, ev); err != nil {
		return nil, err
	}
	if err := d.run(ctx, h, ev); err != nil {
		return nil, err
	}
	return ev.Outcome, nil
}

// Incoming applies a broadcast received from the owner of the event's
// circle and returns the handler's result for this instance.
func (d *Dispatcher) Incoming(ctx context.Context, ev *event.FederatedEvent, sender *signatory.RemoteInstance) (map[string]any, error) {
	ctx, span := d.metrics.StartSpan(ctx, "federation.incoming", attribute.String("class", ev.Class))
	defer span.End()

	if !sender.IsTrusted() {
		return nil, fault.New(fault.ClassSignatoryUnknown, "broadcast %s from an untrusted instance", ev.Class)
	}
	if !ev.HasCircle() {
		return nil, fault.New(fault.ClassCircleNotFound, "broadcast %s carries no circle", ev.Class)
	}
	if !sender.Is(ev.Circle.Instance) {
		return nil, fault.New(fault.ClassOwnerMismatch, "%s does not own circle %s", sender.Instance, ev.Circle.SingleID)
	}
	if d.isLocal(ev.Circle.Instance) {
		return nil, fault.New(fault.ClassOwnerMismatch, "circle %s is owned by this instance", ev.Circle.SingleID)
	}
	ev.Sender = sender.Instance

	return d.ManageLocal(ctx, ev)
}

// ManageLocal runs the handler's mutation in-process. The queue calls it
// for the loopback wrapper of async events.
func (d *Dispatcher) ManageLocal(ctx context.Context, ev *event.FederatedEvent) (map[string]any, error) {
	h, err := d.registry.Resolve(ev.Class)
	if err != nil {
		return nil, err
	}
	ev.Result = nil
	if err := h.Manage(ctx, ev); err != nil {
		return nil, err
	}
	if ev.Result == nil {
		return map[string]any{}, nil
	}
	return ev.Result, nil
}

// Result hands the wrappers of a resolved broadcast to the handler.
func (d *Dispatcher) Result(ctx context.Context, ev *event.FederatedEvent, results map[string]*event.Wrapper) error {
	h, err := d.registry.Resolve(ev.Class)
	if err != nil {
		return err
	}
	return h.Result(ctx, ev, results)
}

// run is the owner-side execution: verify, manage unless deferred, then
// broadcast. A fault before the broadcast means no wrapper is created.
func (d *Dispatcher) run(ctx context.Context, h Handler, ev *event.FederatedEvent) error {
	if err := h.Verify(ctx, ev); err != nil {
		return err
	}
	if ev.DataRequestOnly {
		return nil
	}
	if !ev.Async {
		if err := h.Manage(ctx, ev); err != nil {
			return err
		}
	}
	if d.queue == nil {
		return nil
	}
	created, err := d.queue.Broadcast(ctx, ev)
	if err != nil {
		return err
	}
	d.logger.Debug().
		Str("class", ev.Class).
		Bool("broadcast", created).
		Str("token", ev.WrapperToken).
		Msg("event executed")
	return nil
}

// confirmInitiator checks that the event carries an initiator whose
// instance passes confirmed.
func (d *Dispatcher) confirmInitiator(ev *event.FederatedEvent, confirmed func(instance string) bool) error {
	if ev.CanBypass(event.BypassInitiatorCheck) {
		return nil
	}
	if !ev.Circle.HasInitiator() {
		return fault.New(fault.ClassInitiatorNotFound, "event %s has no initiator", ev.Class)
	}
	if !confirmed(ev.Circle.Initiator.Instance) {
		return fault.New(fault.ClassInitiatorNotConfirmed, "initiator %s of %s could not be confirmed",
			ev.Circle.Initiator.SingleID, ev.Class)
	}
	return nil
}

// checkInitiatorMembership requires the initiator to hold at least member
// level in the circle. The stored closure answers first so that members of
// nested circles qualify; the direct row is consulted only without one.
func (d *Dispatcher) checkInitiatorMembership(ctx context.Context, ev *event.FederatedEvent) error {
	if !ev.HasCircle() || ev.CanBypass(event.BypassInitiatorCheck) || ev.CanBypass(event.BypassInitiatorMembership) {
		return nil
	}
	initiator := ev.Circle.Initiator
	ms, err := d.store.GetMembership(ctx, initiator.SingleID, ev.Circle.SingleID)
	switch {
	case err == nil && ms.Level >= model.LevelMember:
		initiator.Level = ms.Level
		initiator.Status = model.StatusMember
		return nil
	case err != nil && !fault.IsClass(err, fault.ClassNotFound):
		return err
	}

	m, err := d.store.GetMember(ctx, ev.Circle.SingleID, initiator.SingleID)
	if fault.IsClass(err, fault.ClassMemberNotFound) {
		return fault.New(fault.ClassMembershipRequired, "%s is not a member of %s", initiator.SingleID, ev.Circle.SingleID)
	}
	if err != nil {
		return err
	}
	if !m.IsMember() {
		return fault.New(fault.ClassMembershipRequired, "%s is not a member of %s", initiator.SingleID, ev.Circle.SingleID)
	}
	initiator.Level = m.Level
	initiator.Status = m.Status
	return nil
}

// checkLocalMember compares a claimed member snapshot with the local row,
// when there is one.
func (d *Dispatcher) checkLocalMember(ctx context.Context, ev *event.FederatedEvent) error {
	if !ev.HasMember() || ev.CanBypass(event.BypassLocalMemberCheck) {
		return nil
	}
	stored, err := d.store.GetMember(ctx, ev.Circle.SingleID, ev.Member.SingleID)
	if fault.IsClass(err, fault.ClassMemberNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !stored.Same(ev.Member) {
		return fault.New(fault.ClassResyncRequired, "member %s differs from the local record, please resynchronize", ev.Member.SingleID)
	}
	return nil
}
