package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/nextcloud/circles-sub000/pkg/fault"
	"github.com/nextcloud/circles-sub000/pkg/model"
	"github.com/pkg/errors"
)

const memberColumns = `id, circle_id, single_id, user_id, user_type, instance, level, status, note, joined`

// GetMember loads the direct member row of singleID in circleID.
func (s *Store) GetMember(ctx context.Context, circleID, singleID string) (*model.Member, error) {
	row := s.queryRow(ctx, `SELECT `+memberColumns+` FROM members WHERE circle_id = ? AND single_id = ?`,
		circleID, singleID)
	m, err := scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.ClassMemberNotFound, "%s is not a member of %s", singleID, circleID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get member %s/%s", circleID, singleID)
	}
	return m, nil
}

// GetMemberByID loads a member row by its id.
func (s *Store) GetMemberByID(ctx context.Context, id string) (*model.Member, error) {
	row := s.queryRow(ctx, `SELECT `+memberColumns+` FROM members WHERE id = ?`, id)
	m, err := scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.ClassMemberNotFound, "member %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get member %s", id)
	}
	return m, nil
}

// ListMembers returns the direct members of a circle.
func (s *Store) ListMembers(ctx context.Context, circleID string) ([]*model.Member, error) {
	return s.listMembers(ctx, `SELECT `+memberColumns+` FROM members WHERE circle_id = ? ORDER BY joined ASC`, circleID)
}

// MemberRowsOf returns every direct member row held by singleID, that is
// one row per circle singleID directly belongs to.
func (s *Store) MemberRowsOf(ctx context.Context, singleID string) ([]*model.Member, error) {
	return s.listMembers(ctx, `SELECT `+memberColumns+` FROM members WHERE single_id = ? ORDER BY circle_id ASC`, singleID)
}

func (s *Store) listMembers(ctx context.Context, query string, args ...any) ([]*model.Member, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list members")
	}
	defer func() { _ = rows.Close() }()

	var members []*model.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// CountMembers returns the number of direct member rows at member level or above.
func (s *Store) CountMembers(ctx context.Context, circleID string) (int, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM members WHERE circle_id = ? AND level >= ?`,
		circleID, int(model.LevelMember)).Scan(&n)
	return n, errors.Wrapf(err, "count members of %s", circleID)
}

// SaveMember inserts or replaces a direct member row.
func (s *Store) SaveMember(ctx context.Context, m *model.Member) error {
	if m.Joined.IsZero() {
		m.Joined = time.Now().UTC()
	}
	_, err := s.exec(ctx, `
		INSERT INTO members (`+memberColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (circle_id, single_id) DO UPDATE SET
			id = excluded.id,
			user_id = excluded.user_id,
			user_type = excluded.user_type,
			instance = excluded.instance,
			level = excluded.level,
			status = excluded.status,
			note = excluded.note`,
		m.ID, m.CircleID, m.SingleID, m.UserID, int(m.UserType), m.Instance, int(m.Level),
		string(m.Status), m.Note, m.Joined.UnixMilli(),
	)
	return errors.Wrapf(err, "save member %s/%s", m.CircleID, m.SingleID)
}

// DeleteMember removes a direct member row.
func (s *Store) DeleteMember(ctx context.Context, circleID, singleID string) error {
	_, err := s.exec(ctx, `DELETE FROM members WHERE circle_id = ? AND single_id = ?`, circleID, singleID)
	return errors.Wrapf(err, "delete member %s/%s", circleID, singleID)
}

// UpsertRemoteMember stores a member row claimed by a remote instance. A
// row already known under another instance is never overwritten; aliases
// are resolved by isSameInstance as in UpsertRemoteCircle.
func (s *Store) UpsertRemoteMember(ctx context.Context, m *model.Member, isSameInstance func(known, claimed string) bool) error {
	if m.Instance == "" {
		return fault.Conflict(fault.ConflictFederatedUserHasNoSource, m.SingleID)
	}

	known, err := s.GetMember(ctx, m.CircleID, m.SingleID)
	switch {
	case err == nil:
		if !sameInstance(isSameInstance, known.Instance, m.Instance) {
			return fault.Conflict(fault.ConflictNotAnAliasOfKnownRecord, m.SingleID)
		}
		if m.Joined.IsZero() {
			m.Joined = known.Joined
		}
	case fault.IsClass(err, fault.ClassMemberNotFound):
	default:
		return err
	}
	return s.SaveMember(ctx, m)
}

// InstancesWithMembers lists the instances of every member of circleID.
// When direct is false, members inherited through nested circles are
// included as well.
func (s *Store) InstancesWithMembers(ctx context.Context, circleID string, direct bool) ([]string, error) {
	query := `SELECT DISTINCT instance FROM members WHERE circle_id = ? AND level >= ?`
	args := []any{circleID, int(model.LevelMember)}
	if !direct {
		query = `
			SELECT DISTINCT instance FROM (
				SELECT m.instance AS instance FROM members m
				WHERE m.circle_id = ? AND m.level >= ?
				UNION
				SELECT m.instance AS instance FROM members m
				JOIN memberships ms ON ms.single_id = m.single_id
				WHERE ms.circle_id = ?
			) AS destinations`
		args = append(args, circleID)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "instances of %s", circleID)
	}
	defer func() { _ = rows.Close() }()

	var instances []string
	for rows.Next() {
		var instance string
		if err := rows.Scan(&instance); err != nil {
			return nil, err
		}
		if instance != "" {
			instances = append(instances, instance)
		}
	}
	return instances, rows.Err()
}

func scanMember(row scanner) (*model.Member, error) {
	var (
		m        model.Member
		userType int
		level    int
		status   string
		joined   int64
	)
	if err := row.Scan(&m.ID, &m.CircleID, &m.SingleID, &m.UserID, &userType, &m.Instance,
		&level, &status, &m.Note, &joined); err != nil {
		return nil, err
	}
	m.UserType = model.UserType(userType)
	m.Level = model.Level(level)
	m.Status = model.MemberStatus(status)
	m.Joined = time.UnixMilli(joined).UTC()
	return &m, nil
}
