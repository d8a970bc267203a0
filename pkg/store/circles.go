package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/nextcloud/circles-sub000/pkg/fault"
	"github.com/nextcloud/circles-sub000/pkg/model"
	"github.com/pkg/errors"
)

const circleColumns = `single_id, name, display_name, sanitized_name, config, instance, source,
	population, description, owner_single_id, members_limit, creation`

// GetCircle loads a circle with its owner row.
func (s *Store) GetCircle(ctx context.Context, singleID string) (*model.Circle, error) {
	row := s.queryRow(ctx, `SELECT `+circleColumns+` FROM circles WHERE single_id = ?`, singleID)
	circle, ownerID, err := scanCircle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.ClassCircleNotFound, "circle %s not found", singleID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get circle %s", singleID)
	}
	if ownerID != "" {
		owner, err := s.GetMember(ctx, singleID, ownerID)
		if err != nil && !fault.IsClass(err, fault.ClassMemberNotFound) {
			return nil, err
		}
		circle.Owner = owner
	}
	return circle, nil
}

// ListCircles returns every known circle, optionally restricted to instance.
func (s *Store) ListCircles(ctx context.Context, instance string) ([]*model.Circle, error) {
	query := `SELECT ` + circleColumns + ` FROM circles`
	var args []any
	if instance != "" {
		query += ` WHERE instance = ?`
		args = append(args, instance)
	}
	query += ` ORDER BY creation ASC`

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list circles")
	}
	defer func() { _ = rows.Close() }()

	var circles []*model.Circle
	for rows.Next() {
		c, _, err := scanCircle(rows)
		if err != nil {
			return nil, err
		}
		circles = append(circles, c)
	}
	return circles, rows.Err()
}

// SaveCircle inserts or replaces a circle row.
func (s *Store) SaveCircle(ctx context.Context, c *model.Circle) error {
	if c.Creation.IsZero() {
		c.Creation = time.Now().UTC()
	}
	ownerID := ""
	if c.Owner != nil {
		ownerID = c.Owner.SingleID
	}
	_, err := s.exec(ctx, `
		INSERT INTO circles (`+circleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (single_id) DO UPDATE SET
			name = excluded.name,
			display_name = excluded.display_name,
			sanitized_name = excluded.sanitized_name,
			config = excluded.config,
			instance = excluded.instance,
			source = excluded.source,
			description = excluded.description,
			owner_single_id = excluded.owner_single_id,
			members_limit = excluded.members_limit`,
		c.SingleID, c.Name, c.DisplayName, c.SanitizedName, int(c.Config), c.Instance, c.Source,
		c.Population, c.Description, ownerID, c.MembersLimit, c.Creation.UnixMilli(),
	)
	return errors.Wrapf(err, "save circle %s", c.SingleID)
}

// SetPopulation stores the inherited member count of a circle.
func (s *Store) SetPopulation(ctx context.Context, circleID string, population int) error {
	_, err := s.exec(ctx, `UPDATE circles SET population = ? WHERE single_id = ?`, population, circleID)
	return errors.Wrapf(err, "set population of %s", circleID)
}

// DeleteCircle removes a circle and its direct member rows.
func (s *Store) DeleteCircle(ctx context.Context, singleID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM members WHERE circle_id = ?`), singleID); err != nil {
			return errors.Wrap(err, "delete members")
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM circles WHERE single_id = ?`), singleID); err != nil {
			return errors.Wrap(err, "delete circle")
		}
		return nil
	})
}

// UpsertRemoteCircle stores a circle snapshot claimed by a remote instance.
// It refuses to overwrite a record that belongs to another source.
// isSameInstance decides whether the stored and claimed instances designate
// the same remote; nil compares the addresses.
func (s *Store) UpsertRemoteCircle(ctx context.Context, c *model.Circle, isLocal func(string) bool,
	isSameInstance func(known, claimed string) bool) error {
	if c.Instance == "" {
		return fault.Conflict(fault.ConflictNoKnownSource, c.SingleID)
	}
	if isLocal(c.Instance) {
		return fault.Conflict(fault.ConflictDuplicateFromOtherInstance, c.SingleID)
	}

	known, err := s.GetCircle(ctx, c.SingleID)
	switch {
	case err == nil:
		if isLocal(known.Instance) {
			return fault.Conflict(fault.ConflictDuplicateFromOtherInstance, c.SingleID)
		}
		if !sameInstance(isSameInstance, known.Instance, c.Instance) {
			return fault.Conflict(fault.ConflictDuplicateIsNotAnAlias, c.SingleID)
		}
		c.Population = known.Population
	case fault.IsClass(err, fault.ClassCircleNotFound):
	default:
		return err
	}
	return s.SaveCircle(ctx, c)
}

func sameInstance(pred func(known, claimed string) bool, known, claimed string) bool {
	if pred == nil {
		return strings.EqualFold(known, claimed)
	}
	return pred(known, claimed)
}

func scanCircle(row scanner) (*model.Circle, string, error) {
	var (
		c        model.Circle
		config   int
		ownerID  string
		creation int64
	)
	if err := row.Scan(&c.SingleID, &c.Name, &c.DisplayName, &c.SanitizedName, &config, &c.Instance,
		&c.Source, &c.Population, &c.Description, &ownerID, &c.MembersLimit, &creation); err != nil {
		return nil, "", err
	}
	c.Config = model.Config(config)
	c.Creation = time.UnixMilli(creation).UTC()
	return &c, ownerID, nil
}
