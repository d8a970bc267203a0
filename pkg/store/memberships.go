package store

import (
	"context"
	"database/sql"

	"github.com/nextcloud/circles-sub000/pkg/fault"
	"github.com/nextcloud/circles-sub000/pkg/model"
	"github.com/pkg/errors"
)

// MembershipsOf returns the stored closure of singleID.
func (s *Store) MembershipsOf(ctx context.Context, singleID string) ([]model.Membership, error) {
	rows, err := s.query(ctx, `
		SELECT single_id, circle_id, level, inheritance_path
		FROM memberships WHERE single_id = ? ORDER BY circle_id ASC`, singleID)
	if err != nil {
		return nil, errors.Wrapf(err, "memberships of %s", singleID)
	}
	defer func() { _ = rows.Close() }()

	return scanMemberships(rows)
}

// GetMembership returns the closure row of singleID in circleID.
func (s *Store) GetMembership(ctx context.Context, singleID, circleID string) (model.Membership, error) {
	rows, err := s.query(ctx, `
		SELECT single_id, circle_id, level, inheritance_path
		FROM memberships WHERE single_id = ? AND circle_id = ?`, singleID, circleID)
	if err != nil {
		return model.Membership{}, errors.Wrapf(err, "membership %s/%s", singleID, circleID)
	}
	defer func() { _ = rows.Close() }()

	found, err := scanMemberships(rows)
	if err != nil {
		return model.Membership{}, errors.Wrapf(err, "membership %s/%s", singleID, circleID)
	}
	if len(found) == 0 {
		return model.Membership{}, fault.New(fault.ClassNotFound, "%s has no membership in %s", singleID, circleID)
	}
	return found[0], nil
}

// InheritedMembers returns every subject holding a membership in circleID.
func (s *Store) InheritedMembers(ctx context.Context, circleID string) ([]model.Membership, error) {
	rows, err := s.query(ctx, `
		SELECT single_id, circle_id, level, inheritance_path
		FROM memberships WHERE circle_id = ? ORDER BY single_id ASC`, circleID)
	if err != nil {
		return nil, errors.Wrapf(err, "inherited members of %s", circleID)
	}
	defer func() { _ = rows.Close() }()

	return scanMemberships(rows)
}

// ApplyMemberships writes the diff of one recomputation atomically:
// removed rows are deleted, upserts are inserted or overwritten.
func (s *Store) ApplyMemberships(ctx context.Context, singleID string, removed []string, upserts []model.Membership) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		del := s.rebind(`DELETE FROM memberships WHERE single_id = ? AND circle_id = ?`)
		for _, circleID := range removed {
			if _, err := tx.ExecContext(ctx, del, singleID, circleID); err != nil {
				return errors.Wrapf(err, "delete membership %s/%s", singleID, circleID)
			}
		}

		ins := s.rebind(`
			INSERT INTO memberships (single_id, circle_id, level, inheritance_first, inheritance_last,
				inheritance_path, inheritance_depth)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (single_id, circle_id) DO UPDATE SET
				level = excluded.level,
				inheritance_first = excluded.inheritance_first,
				inheritance_last = excluded.inheritance_last,
				inheritance_path = excluded.inheritance_path,
				inheritance_depth = excluded.inheritance_depth`)
		for _, m := range upserts {
			if _, err := tx.ExecContext(ctx, ins, singleID, m.CircleID, int(m.Level),
				m.InheritanceFirst(), m.InheritanceLast(), m.PathKey(), m.InheritanceDepth); err != nil {
				return errors.Wrapf(err, "save membership %s/%s", singleID, m.CircleID)
			}
		}
		return nil
	})
}

// DeleteMembershipsOf drops the whole closure of singleID.
func (s *Store) DeleteMembershipsOf(ctx context.Context, singleID string) error {
	_, err := s.exec(ctx, `DELETE FROM memberships WHERE single_id = ?`, singleID)
	return errors.Wrapf(err, "delete memberships of %s", singleID)
}

func scanMemberships(rows *sql.Rows) ([]model.Membership, error) {
	var out []model.Membership
	for rows.Next() {
		var (
			m     model.Membership
			level int
			path  string
		)
		if err := rows.Scan(&m.SingleID, &m.CircleID, &level, &path); err != nil {
			return nil, err
		}
		m.Level = model.Level(level)
		m.InheritancePath = model.SplitPath(path)
		m.InheritanceDepth = len(m.InheritancePath)
		out = append(out, m)
	}
	return out, rows.Err()
}
