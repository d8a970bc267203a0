// Package operations holds the federated operation handlers: circle
// creation, destruction and configuration, member addition, removal and
// level changes, and a loopback test of the delivery queue.
package operations

import (
	"context"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/nextcloud/circles-sub000/pkg/event"
	"github.com/nextcloud/circles-sub000/pkg/fault"
	"github.com/nextcloud/circles-sub000/pkg/federation"
	"github.com/nextcloud/circles-sub000/pkg/model"
	"github.com/nextcloud/circles-sub000/pkg/signatory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/unicode/norm"
)

// Operation names.
const (
	CircleCreate  = "circle.create"
	CircleDestroy = "circle.destroy"
	CircleConfig  = "circle.config"
	MemberAdd     = "member.add"
	MemberRemove  = "member.remove"
	MemberLevel   = "member.level"
	LoopbackTest  = "loopback.test"
)

// MinNameLength is the shortest accepted circle name, in runes.
const MinNameLength = 3

// Store is the row store the handlers mutate.
type Store interface {
	GetCircle(ctx context.Context, singleID string) (*model.Circle, error)
	SaveCircle(ctx context.Context, c *model.Circle) error
	DeleteCircle(ctx context.Context, singleID string) error
	UpsertRemoteCircle(ctx context.Context, c *model.Circle, isLocal func(string) bool,
		isSameInstance func(known, claimed string) bool) error

	GetMember(ctx context.Context, circleID, singleID string) (*model.Member, error)
	MemberRowsOf(ctx context.Context, singleID string) ([]*model.Member, error)
	ListMembers(ctx context.Context, circleID string) ([]*model.Member, error)
	CountMembers(ctx context.Context, circleID string) (int, error)
	SaveMember(ctx context.Context, m *model.Member) error
	DeleteMember(ctx context.Context, circleID, singleID string) error
	UpsertRemoteMember(ctx context.Context, m *model.Member, isSameInstance func(known, claimed string) bool) error

	DeleteMembershipsOf(ctx context.Context, singleID string) error
	GetInstance(ctx context.Context, instance string) (*signatory.RemoteInstance, error)
}

// Memberships keeps the inherited closure up to date after a mutation.
type Memberships interface {
	ManageAsync(ctx context.Context, subject string) error
}

// Directory resolves a local account, group, contact or mail address to a
// single id and a display name.
type Directory interface {
	Resolve(ctx context.Context, userType model.UserType, userID string) (singleID, displayName string, err error)
}

// Deps are shared by every handler.
type Deps struct {
	Store         Store
	Memberships   Memberships
	Directory     Directory
	LocalInstance string
	IsLocal       func(instance string) bool
}

type base struct {
	*Deps
	logger zerolog.Logger
}

// Register binds every operation to registry.
func Register(registry *federation.Registry, deps *Deps) {
	if deps.IsLocal == nil {
		local := strings.ToLower(deps.LocalInstance)
		deps.IsLocal = func(instance string) bool { return instance == "" || strings.EqualFold(instance, local) }
	}
	b := base{Deps: deps, logger: log.With().Str("component", "operations").Logger()}

	registry.Register(CircleCreate, func() any { return &circleCreate{b} })
	registry.Register(CircleDestroy, func() any { return &circleDestroy{b} })
	registry.Register(CircleConfig, func() any { return &circleConfig{b} })
	registry.Register(MemberAdd, func() any { return &memberAdd{b} })
	registry.Register(MemberRemove, func() any { return &memberRemove{b} })
	registry.Register(MemberLevel, func() any { return &memberLevel{b} })
	registry.Register(LoopbackTest, func() any { return &loopback{b} })
}

// owned reports whether this instance holds the authoritative record of
// the event's circle.
func (b base) owned(ev *event.FederatedEvent) bool {
	return ev.HasCircle() && b.IsLocal(ev.Circle.Instance)
}

// saveCircle writes the circle snapshot: as the owner, or as a replica of
// the owner's record.
func (b base) saveCircle(ctx context.Context, ev *event.FederatedEvent) error {
	if b.owned(ev) {
		return b.Store.SaveCircle(ctx, ev.Circle)
	}
	return b.Store.UpsertRemoteCircle(ctx, ev.Circle, b.IsLocal, b.sameInstance(ctx))
}

func (b base) saveMember(ctx context.Context, ev *event.FederatedEvent, m *model.Member) error {
	if b.owned(ev) {
		return b.Store.SaveMember(ctx, m)
	}
	return b.Store.UpsertRemoteMember(ctx, m, b.sameInstance(ctx))
}

// sameInstance matches two addresses through the stored instance records,
// so that a replica known under one alias is updated under another.
func (b base) sameInstance(ctx context.Context) func(known, claimed string) bool {
	return func(known, claimed string) bool {
		if strings.EqualFold(known, claimed) {
			return true
		}
		if r, err := b.Store.GetInstance(ctx, known); err == nil && r.Is(claimed) {
			return true
		}
		r, err := b.Store.GetInstance(ctx, claimed)
		return err == nil && r.Is(known)
	}
}

// recompute schedules the closure update of subject. A failure to schedule
// is logged: the mutation itself already happened.
func (b base) recompute(ctx context.Context, subject string) {
	if b.Memberships == nil {
		return
	}
	if err := b.Memberships.ManageAsync(ctx, subject); err != nil {
		b.logger.Error().Err(err).Str("subject", subject).Msg("membership update failed")
	}
}

// Result logs the per-instance outcome of a broadcast. Handlers with
// nothing else to do on completion use it as is.
func (b base) Result(_ context.Context, ev *event.FederatedEvent, results map[string]*event.Wrapper) error {
	for instance, w := range results {
		if f, ok := w.Result["fault"]; ok {
			b.logger.Warn().
				Str("class", ev.Class).
				Str("token", w.Token).
				Str("instance", instance).
				Interface("fault", f).
				Msg("broadcast not applied on instance")
		}
	}
	b.logger.Debug().Str("class", ev.Class).Int("instances", len(results)).Msg("broadcast resolved")
	return nil
}

// requireLevel fails unless the initiator holds at least min in the circle.
func requireLevel(ev *event.FederatedEvent, min model.Level) error {
	if !ev.Circle.HasInitiator() || ev.Circle.Initiator.Level < min {
		return fault.New(fault.ClassMemberLevelForbidden, "%s requires level %s in %s", ev.Class, min, ev.Circle.SingleID)
	}
	return nil
}

var (
	spaces        = regexp.MustCompile(`\s+`)
	notSanitized  = regexp.MustCompile(`[^\p{L}\p{N}_.-]+`)
	dashesAtEdges = regexp.MustCompile(`^-+|-+$`)
)

// CleanName normalizes a display name to NFC and collapses whitespace.
func CleanName(name string) string {
	return spaces.ReplaceAllString(strings.TrimSpace(norm.NFC.String(name)), " ")
}

// SanitizeName derives the lowercase identifier-safe form of a name.
func SanitizeName(name string) string {
	s := strings.ToLower(CleanName(name))
	s = notSanitized.ReplaceAllString(s, "-")
	return dashesAtEdges.ReplaceAllString(s, "")
}

func validName(name string) error {
	if utf8.RuneCountInString(name) < MinNameLength {
		return fault.New(fault.ClassCircleNameTooShort, "circle name %q is shorter than %d characters", name, MinNameLength)
	}
	return nil
}
