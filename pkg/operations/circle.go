package operations

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/nextcloud/circles-sub000/pkg/event"
	"github.com/nextcloud/circles-sub000/pkg/fault"
	"github.com/nextcloud/circles-sub000/pkg/model"
)

type circleCreate struct{ base }

func (*circleCreate) MustRunLocally()                 {}
func (*circleCreate) InitiatorMembershipNotRequired() {}

func (h *circleCreate) Verify(ctx context.Context, ev *event.FederatedEvent) error {
	c := ev.Circle
	c.Name = CleanName(c.Name)
	if err := validName(c.Name); err != nil {
		return err
	}
	if c.DisplayName == "" {
		c.DisplayName = c.Name
	}
	c.SanitizedName = SanitizeName(c.Name)
	if c.SingleID == "" {
		c.SingleID = uuid.NewString()
	} else if _, err := h.Store.GetCircle(ctx, c.SingleID); err == nil {
		return fault.New(fault.ClassInvalidParameters, "circle %s already exists", c.SingleID)
	}
	c.Instance = h.LocalInstance
	if c.Creation.IsZero() {
		c.Creation = time.Now().UTC()
	}

	initiator := *c.Initiator
	c.Owner = &model.Member{
		ID:       uuid.NewString(),
		CircleID: c.SingleID,
		SingleID: initiator.SingleID,
		UserID:   initiator.UserID,
		UserType: initiator.UserType,
		Instance: h.LocalInstance,
		Level:    model.LevelOwner,
		Status:   model.StatusMember,
		Joined:   c.Creation,
	}
	return nil
}

func (h *circleCreate) Manage(ctx context.Context, ev *event.FederatedEvent) error {
	if err := h.saveMember(ctx, ev, ev.Circle.Owner); err != nil {
		return err
	}
	if err := h.saveCircle(ctx, ev); err != nil {
		return err
	}
	h.recompute(ctx, ev.Circle.Owner.SingleID)

	ev.SetOutcome("circle", ev.Circle)
	ev.SetResult("circle", ev.Circle.SingleID)
	return nil
}

type circleDestroy struct{ base }

// Destruction is deferred to the loopback wrapper so the broadcast still
// reaches the instances of the members about to be deleted.
func (*circleDestroy) HighSeverity() {}
func (*circleDestroy) AsyncProcess() {}

func (h *circleDestroy) Verify(_ context.Context, ev *event.FederatedEvent) error {
	return requireLevel(ev, model.LevelOwner)
}

func (h *circleDestroy) Manage(ctx context.Context, ev *event.FederatedEvent) error {
	circleID := ev.Circle.SingleID
	members, err := h.Store.ListMembers(ctx, circleID)
	if err != nil {
		return err
	}
	// the circle leaves every circle it was a member of
	rows, err := h.Store.MemberRowsOf(ctx, circleID)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := h.Store.DeleteMember(ctx, row.CircleID, circleID); err != nil {
			return err
		}
	}
	if err := h.Store.DeleteCircle(ctx, circleID); err != nil {
		return err
	}
	if err := h.Store.DeleteMembershipsOf(ctx, circleID); err != nil {
		return err
	}

	for _, m := range members {
		h.recompute(ctx, m.SingleID)
	}
	ev.SetOutcome("destroyed", circleID)
	ev.SetResult("destroyed", circleID)
	return nil
}

type circleConfig struct{ base }

func (h *circleConfig) Verify(_ context.Context, ev *event.FederatedEvent) error {
	if err := requireLevel(ev, model.LevelAdmin); err != nil {
		return err
	}
	config, ok := ev.ParamInt("config")
	if !ok || config < 0 {
		return fault.New(fault.ClassInvalidParameters, "config must be a non-negative integer")
	}
	// the kind of a circle is fixed at creation
	fixed := model.ConfigSingle | model.ConfigPersonal | model.ConfigSystem | model.ConfigApp
	if model.Config(config)&fixed != ev.Circle.Config&fixed {
		return fault.New(fault.ClassInvalidParameters, "config %d changes the kind of circle %s", config, ev.Circle.SingleID)
	}
	return nil
}

func (h *circleConfig) Manage(ctx context.Context, ev *event.FederatedEvent) error {
	config, _ := ev.ParamInt("config")
	ev.Circle.Config = model.Config(config)
	if err := h.saveCircle(ctx, ev); err != nil {
		return err
	}
	ev.SetOutcome("config", config)
	return nil
}
