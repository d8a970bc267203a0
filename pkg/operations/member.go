package operations

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/nextcloud/circles-sub000/pkg/event"
	"github.com/nextcloud/circles-sub000/pkg/fault"
	"github.com/nextcloud/circles-sub000/pkg/model"
)

type memberAdd struct{ base }

func (h *memberAdd) Verify(ctx context.Context, ev *event.FederatedEvent) error {
	if !ev.HasMember() {
		return fault.New(fault.ClassInvalidParameters, "no member to add")
	}
	if err := requireLevel(ev, model.LevelModerator); err != nil {
		return err
	}

	m := ev.Member
	if m.Instance == "" {
		m.Instance = h.LocalInstance
	}
	if m.SingleID == "" && h.IsLocal(m.Instance) && h.Directory != nil {
		singleID, displayName, err := h.Directory.Resolve(ctx, m.UserType, m.UserID)
		if err != nil {
			return err
		}
		m.SingleID = singleID
		if m.Note == "" {
			m.Note = displayName
		}
	}
	if m.SingleID == "" {
		return fault.New(fault.ClassInvalidParameters, "member %q could not be resolved", m.UserID)
	}
	if m.SingleID == ev.Circle.SingleID {
		return fault.New(fault.ClassInvalidParameters, "circle %s cannot contain itself", m.SingleID)
	}

	if m.Level == model.LevelNone {
		m.Level = model.LevelMember
	}
	initiator := ev.Circle.Initiator
	if !m.Level.Valid() || m.Level == model.LevelOwner ||
		(initiator.Level != model.LevelOwner && m.Level >= initiator.Level) {
		return fault.New(fault.ClassMemberLevelForbidden, "%s cannot add a member at level %s", initiator.SingleID, m.Level)
	}

	if _, err := h.Store.GetMember(ctx, ev.Circle.SingleID, m.SingleID); err == nil {
		return fault.New(fault.ClassMemberAlreadyExists, "%s is already a member of %s", m.SingleID, ev.Circle.SingleID)
	} else if !fault.IsClass(err, fault.ClassMemberNotFound) {
		return err
	}
	if limit := ev.Circle.MembersLimit; limit > 0 {
		n, err := h.Store.CountMembers(ctx, ev.Circle.SingleID)
		if err != nil {
			return err
		}
		if n >= limit {
			return fault.New(fault.ClassMembersLimitReached, "circle %s is limited to %d members", ev.Circle.SingleID, limit)
		}
	}

	m.ID = uuid.NewString()
	m.CircleID = ev.Circle.SingleID
	m.Status = model.StatusMember
	m.Joined = time.Now().UTC()
	return nil
}

func (h *memberAdd) Manage(ctx context.Context, ev *event.FederatedEvent) error {
	if !h.owned(ev) {
		if err := h.saveCircle(ctx, ev); err != nil {
			return err
		}
	}
	if err := h.saveMember(ctx, ev, ev.Member); err != nil {
		return err
	}
	h.recompute(ctx, ev.Member.SingleID)

	ev.SetOutcome("member", ev.Member)
	ev.SetResult("member", ev.Member.ID)
	return nil
}

type memberRemove struct{ base }

func (h *memberRemove) Verify(ctx context.Context, ev *event.FederatedEvent) error {
	if !ev.HasMember() {
		return fault.New(fault.ClassInvalidParameters, "no member to remove")
	}
	stored, err := h.Store.GetMember(ctx, ev.Circle.SingleID, ev.Member.SingleID)
	if err != nil {
		return err
	}
	if stored.Level == model.LevelOwner {
		return fault.New(fault.ClassMemberLevelForbidden, "the owner of %s cannot be removed", ev.Circle.SingleID)
	}

	initiator := ev.Circle.Initiator
	leaving := initiator != nil && initiator.SingleID == stored.SingleID
	if !leaving {
		if err := requireLevel(ev, model.LevelModerator); err != nil {
			return err
		}
		if initiator.Level <= stored.Level {
			return fault.New(fault.ClassMemberLevelForbidden, "%s cannot remove %s", initiator.SingleID, stored.SingleID)
		}
	}
	ev.Member = stored
	return nil
}

func (h *memberRemove) Manage(ctx context.Context, ev *event.FederatedEvent) error {
	if err := h.Store.DeleteMember(ctx, ev.Circle.SingleID, ev.Member.SingleID); err != nil {
		return err
	}
	h.recompute(ctx, ev.Member.SingleID)

	ev.SetOutcome("removed", ev.Member.SingleID)
	return nil
}

type memberLevel struct{ base }

func (h *memberLevel) Verify(ctx context.Context, ev *event.FederatedEvent) error {
	if !ev.HasMember() {
		return fault.New(fault.ClassInvalidParameters, "no member to update")
	}
	n, ok := ev.ParamInt("level")
	level := model.Level(n)
	if !ok || !level.Valid() || level == model.LevelNone {
		return fault.New(fault.ClassInvalidParameters, "invalid level %v", ev.Params["level"])
	}
	if level == model.LevelOwner {
		return fault.New(fault.ClassMemberLevelForbidden, "ownership cannot be given through a level change")
	}

	stored, err := h.Store.GetMember(ctx, ev.Circle.SingleID, ev.Member.SingleID)
	if err != nil {
		return err
	}
	if err := requireLevel(ev, model.LevelModerator); err != nil {
		return err
	}
	initiator := ev.Circle.Initiator
	if initiator.Level != model.LevelOwner && (initiator.Level <= stored.Level || initiator.Level <= level) {
		return fault.New(fault.ClassMemberLevelForbidden, "%s cannot set %s to level %s", initiator.SingleID, stored.SingleID, level)
	}
	if stored.Level == model.LevelOwner {
		return fault.New(fault.ClassMemberLevelForbidden, "the owner level of %s cannot be changed", ev.Circle.SingleID)
	}
	ev.Member = stored
	return nil
}

func (h *memberLevel) Manage(ctx context.Context, ev *event.FederatedEvent) error {
	n, _ := ev.ParamInt("level")
	m := *ev.Member
	m.Level = model.Level(n)
	if err := h.saveMember(ctx, ev, &m); err != nil {
		return err
	}
	ev.Member = &m
	h.recompute(ctx, m.SingleID)

	ev.SetOutcome("level", int(m.Level))
	return nil
}
