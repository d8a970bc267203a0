// Package membership maintains the materialized transitive closure of
// circle memberships: for every subject, each circle it belongs to directly
// or through nested circles, at which level, and through which path.
package membership

import (
	"context"
	"sort"

	"github.com/nextcloud/circles-sub000/pkg/cache"
	"github.com/nextcloud/circles-sub000/pkg/fault"
	"github.com/nextcloud/circles-sub000/pkg/model"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Store is the row store the closure is computed from and written to.
type Store interface {
	GetCircle(ctx context.Context, singleID string) (*model.Circle, error)
	MemberRowsOf(ctx context.Context, singleID string) ([]*model.Member, error)
	MembershipsOf(ctx context.Context, singleID string) ([]model.Membership, error)
	InheritedMembers(ctx context.Context, circleID string) ([]model.Membership, error)
	ApplyMemberships(ctx context.Context, singleID string, removed []string, upserts []model.Membership) error
	SetPopulation(ctx context.Context, circleID string, population int) error
}

// Invalidator drops cached values derived from a subject's memberships.
// The values themselves are read and written by collaborators such as the
// API read endpoints.
type Invalidator interface {
	InvalidatePrefix(ctx context.Context, prefix string) (int, error)
}

// Runner defers work out of the caller's request.
type Runner interface {
	Submit(name string, task func(ctx context.Context)) error
}

// Changes is the reported difference of one recomputation. Silent path
// corrections are not part of it.
type Changes struct {
	Created []model.Membership
	Removed []model.Membership
}

// Count returns the number of reported changes.
func (c Changes) Count() int {
	return len(c.Created) + len(c.Removed)
}

// Service recomputes membership closures.
type Service struct {
	store  Store
	cache  Invalidator
	runner Runner
	logger zerolog.Logger
}

// New creates a Service. c and runner may be nil.
func New(store Store, c Invalidator, runner Runner) *Service {
	return &Service{
		store:  store,
		cache:  c,
		runner: runner,
		logger: log.With().Str("component", "membership").Logger(),
	}
}

type step struct {
	circleID string
	path     []string
}

// Closure computes the closure of subject without touching stored rows.
//
// Each circle is expanded again only when reached by a strictly shorter
// path than before. The level of a candidate only depends on the last hop,
// so a deeper path can never improve what a shallower one already produced;
// the same rule stops circular containment.
func (s *Service) Closure(ctx context.Context, subject string) (map[string]model.Membership, error) {
	result := map[string]model.Membership{}
	expanded := map[string]int{subject: 0}
	configs := map[string]model.Config{}

	work := []step{{circleID: subject}}
	for len(work) > 0 {
		cur := work[len(work)-1]
		work = work[:len(work)-1]

		rows, err := s.store.MemberRowsOf(ctx, cur.circleID)
		if err != nil {
			return nil, errors.Wrapf(err, "member rows of %s", cur.circleID)
		}
		for _, row := range rows {
			level, err := s.effectiveLevel(ctx, row, configs)
			if err != nil {
				return nil, err
			}
			if level < model.LevelMember {
				continue
			}

			path := make([]string, len(cur.path), len(cur.path)+1)
			copy(path, cur.path)
			path = append(path, row.CircleID)

			candidate := model.NewMembership(subject, level, path)
			if known, ok := result[row.CircleID]; !ok || candidate.Better(known) {
				result[row.CircleID] = candidate
			}

			if depth, seen := expanded[row.CircleID]; seen && depth <= len(path) {
				continue
			}
			expanded[row.CircleID] = len(path)
			work = append(work, step{circleID: row.CircleID, path: path})
		}
	}
	return result, nil
}

// effectiveLevel is the level a direct member row grants for inheritance.
// The placeholder owner of an ownerless circle only counts as a member.
func (s *Service) effectiveLevel(ctx context.Context, row *model.Member, configs map[string]model.Config) (model.Level, error) {
	if row.Level != model.LevelOwner {
		return row.Level, nil
	}
	config, ok := configs[row.CircleID]
	if !ok {
		circle, err := s.store.GetCircle(ctx, row.CircleID)
		switch {
		case err == nil:
			config = circle.Config
		case fault.IsClass(err, fault.ClassCircleNotFound):
		default:
			return 0, err
		}
		configs[row.CircleID] = config
	}
	if config.Has(model.ConfigNoOwner) {
		return model.LevelMember, nil
	}
	return row.Level, nil
}

// Recompute rebuilds the closure of subject and writes the difference with
// the stored rows. Any written change invalidates every cache entry of subject.
func (s *Service) Recompute(ctx context.Context, subject string) (Changes, error) {
	computed, err := s.Closure(ctx, subject)
	if err != nil {
		return Changes{}, err
	}
	stored, err := s.store.MembershipsOf(ctx, subject)
	if err != nil {
		return Changes{}, errors.Wrapf(err, "stored memberships of %s", subject)
	}

	changes, removedIDs, upserts := diff(stored, computed)
	if len(removedIDs) == 0 && len(upserts) == 0 {
		return changes, nil
	}
	if err := s.store.ApplyMemberships(ctx, subject, removedIDs, upserts); err != nil {
		return Changes{}, err
	}

	if s.cache != nil {
		if _, err := s.cache.InvalidatePrefix(ctx, cache.SubjectPrefix(subject)); err != nil {
			s.logger.Warn().Err(err).Str("subject", subject).Msg("cache invalidation failed")
		}
	}

	s.logger.Debug().
		Str("subject", subject).
		Int("created", len(changes.Created)).
		Int("removed", len(changes.Removed)).
		Msg("memberships recomputed")
	return changes, nil
}

// diff compares the stored rows of one subject with a fresh closure.
func diff(stored []model.Membership, computed map[string]model.Membership) (Changes, []string, []model.Membership) {
	var (
		changes Changes
		removed []string
		upserts []model.Membership
	)

	known := make(map[string]model.Membership, len(stored))
	for _, m := range stored {
		known[m.CircleID] = m
		if _, ok := computed[m.CircleID]; !ok {
			removed = append(removed, m.CircleID)
			changes.Removed = append(changes.Removed, m)
		}
	}

	ids := make([]string, 0, len(computed))
	for id := range computed {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		m := computed[id]
		prev, ok := known[id]
		switch {
		case !ok || !prev.SameFact(m):
			upserts = append(upserts, m)
			changes.Created = append(changes.Created, m)
		case prev.PathKey() != m.PathKey():
			upserts = append(upserts, m)
		}
	}
	return changes, removed, upserts
}

// Manage recomputes subject, then every subject whose closure goes through
// it, then refreshes the population of every circle whose members changed.
// It returns the total number of reported changes.
func (s *Service) Manage(ctx context.Context, subject string) (int, error) {
	changes, err := s.manageSubject(ctx, subject)
	if err != nil {
		return 0, err
	}
	n, err := s.manageDescendants(ctx, subject)
	return changes.Count() + n, err
}

// ManageAsync recomputes subject and persists the result before returning.
// Descendants are handed to the runner when one is configured; a runner
// refusing the work makes them run inline.
func (s *Service) ManageAsync(ctx context.Context, subject string) error {
	if _, err := s.manageSubject(ctx, subject); err != nil {
		return err
	}
	if s.runner == nil {
		_, err := s.manageDescendants(ctx, subject)
		return err
	}
	err := s.runner.Submit("membership:"+subject, func(ctx context.Context) {
		if _, err := s.manageDescendants(ctx, subject); err != nil {
			s.logger.Error().Err(err).Str("subject", subject).Msg("deferred membership update failed")
		}
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("subject", subject).Msg("runner refused membership update, running inline")
		_, err = s.manageDescendants(ctx, subject)
	}
	return err
}

// manageSubject recomputes subject alone and refreshes the population of
// the circles it entered or left.
func (s *Service) manageSubject(ctx context.Context, subject string) (Changes, error) {
	changes, err := s.Recompute(ctx, subject)
	if err != nil {
		return changes, err
	}
	touched := map[string]struct{}{}
	collect(touched, changes)
	return changes, s.updatePopulations(ctx, touched)
}

// manageDescendants recomputes every subject inheriting a membership of
// subject, then the population of the circles they changed.
func (s *Service) manageDescendants(ctx context.Context, subject string) (int, error) {
	descendants, err := s.store.InheritedMembers(ctx, subject)
	if err != nil {
		return 0, errors.Wrapf(err, "inherited members of %s", subject)
	}
	touched := map[string]struct{}{}
	total := 0
	for _, d := range descendants {
		if d.SingleID == subject {
			continue
		}
		c, err := s.Recompute(ctx, d.SingleID)
		if err != nil {
			return total, err
		}
		total += c.Count()
		collect(touched, c)
	}
	return total, s.updatePopulations(ctx, touched)
}

func (s *Service) updatePopulations(ctx context.Context, touched map[string]struct{}) error {
	ids := make([]string, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if _, err := s.UpdatePopulation(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// UpdatePopulation stores the number of subjects inheriting circleID.
func (s *Service) UpdatePopulation(ctx context.Context, circleID string) (int, error) {
	members, err := s.store.InheritedMembers(ctx, circleID)
	if err != nil {
		return 0, errors.Wrapf(err, "inherited members of %s", circleID)
	}
	n := 0
	for _, m := range members {
		if m.Level >= model.LevelMember {
			n++
		}
	}
	if err := s.store.SetPopulation(ctx, circleID, n); err != nil {
		return 0, err
	}
	return n, nil
}

func collect(into map[string]struct{}, c Changes) {
	for _, m := range c.Created {
		into[m.CircleID] = struct{}{}
	}
	for _, m := range c.Removed {
		into[m.CircleID] = struct{}{}
	}
}
