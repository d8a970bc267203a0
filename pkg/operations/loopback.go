package operations

import (
	"context"

	"github.com/google/uuid"
	"github.com/nextcloud/circles-sub000/pkg/event"
	"github.com/nextcloud/circles-sub000/pkg/model"
)

// loopback checks that the delivery queue executes deferred work on this
// instance: the nonce set at verification must come back in the result.
type loopback struct{ base }

func (*loopback) MustRunLocally()                 {}
func (*loopback) AsyncProcess()                   {}
func (*loopback) CircleCheckNotRequired()         {}
func (*loopback) InitiatorCheckNotRequired()      {}
func (*loopback) InitiatorMembershipNotRequired() {}

func (h *loopback) Verify(_ context.Context, ev *event.FederatedEvent) error {
	if !ev.HasCircle() {
		ev.Circle = &model.Circle{
			SingleID: "loopback",
			Name:     "loopback",
			Instance: h.LocalInstance,
			Config:   model.ConfigLocal | model.ConfigHidden,
		}
	}
	if ev.Params == nil {
		ev.Params = map[string]any{}
	}
	nonce := uuid.NewString()
	ev.Params["nonce"] = nonce
	ev.SetOutcome("nonce", nonce)
	return nil
}

func (h *loopback) Manage(_ context.Context, ev *event.FederatedEvent) error {
	ev.SetResult("nonce", ev.ParamString("nonce"))
	return nil
}

func (h *loopback) Result(_ context.Context, ev *event.FederatedEvent, results map[string]*event.Wrapper) error {
	nonce := ev.ParamString("nonce")
	for instance, w := range results {
		if got, _ := w.Result["nonce"].(string); got == nonce && w.Status != event.StatusFailed {
			h.logger.Info().Str("instance", instance).Str("token", w.Token).Msg("loopback confirmed")
			continue
		}
		h.logger.Warn().Str("instance", instance).Str("token", w.Token).Msg("loopback result mismatch")
	}
	return nil
}
