package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/nextcloud/circles-sub000/pkg/fault"
	"github.com/nextcloud/circles-sub000/pkg/signatory"
	"github.com/pkg/errors"
)

const instanceColumns = `instance, href, type, interface, public_key, document, aliases, creation`

// GetInstance loads a remote instance by canonical address.
func (s *Store) GetInstance(ctx context.Context, instance string) (*signatory.RemoteInstance, error) {
	row := s.queryRow(ctx, `SELECT `+instanceColumns+` FROM remote_instances WHERE instance = ?`, strings.ToLower(instance))
	return s.oneInstance(row, instance)
}

// GetInstanceByKeyID loads a remote instance by the key id it signs with.
func (s *Store) GetInstanceByKeyID(ctx context.Context, keyID string) (*signatory.RemoteInstance, error) {
	row := s.queryRow(ctx, `SELECT `+instanceColumns+` FROM remote_instances WHERE href = ?`, keyID)
	return s.oneInstance(row, keyID)
}

func (s *Store) oneInstance(row *sql.Row, ref string) (*signatory.RemoteInstance, error) {
	r, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.ClassNotFound, "unknown remote instance %s", ref)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get remote instance %s", ref)
	}
	return r, nil
}

// ListInstances returns every known remote instance.
func (s *Store) ListInstances(ctx context.Context) ([]*signatory.RemoteInstance, error) {
	rows, err := s.query(ctx, `SELECT `+instanceColumns+` FROM remote_instances ORDER BY instance ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "list remote instances")
	}
	defer func() { _ = rows.Close() }()

	var out []*signatory.RemoteInstance
	for rows.Next() {
		r, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveInstance inserts or replaces a remote instance.
func (s *Store) SaveInstance(ctx context.Context, r *signatory.RemoteInstance) error {
	if r.Creation.IsZero() {
		r.Creation = time.Now().UTC()
	}
	doc, err := json.Marshal(r.Document)
	if err != nil {
		return errors.Wrap(err, "encode identity document")
	}
	_, err = s.exec(ctx, `
		INSERT INTO remote_instances (`+instanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (instance) DO UPDATE SET
			href = excluded.href,
			type = excluded.type,
			interface = excluded.interface,
			public_key = excluded.public_key,
			document = excluded.document,
			aliases = excluded.aliases`,
		strings.ToLower(r.Instance), r.ID, string(r.Type), r.Interface, r.PublicKey, string(doc),
		strings.Join(r.Aliases, ","), r.Creation.UnixMilli(),
	)
	return errors.Wrapf(err, "save remote instance %s", r.Instance)
}

// DeleteInstance forgets a remote instance.
func (s *Store) DeleteInstance(ctx context.Context, instance string) error {
	_, err := s.exec(ctx, `DELETE FROM remote_instances WHERE instance = ?`, strings.ToLower(instance))
	return errors.Wrapf(err, "delete remote instance %s", instance)
}

func scanInstance(row scanner) (*signatory.RemoteInstance, error) {
	var (
		r        signatory.RemoteInstance
		typ      string
		doc      string
		aliases  string
		creation int64
	)
	if err := row.Scan(&r.Instance, &r.ID, &typ, &r.Interface, &r.PublicKey, &doc, &aliases, &creation); err != nil {
		return nil, err
	}
	r.Type = signatory.InstanceType(typ)
	r.Creation = time.UnixMilli(creation).UTC()
	if aliases != "" {
		r.Aliases = strings.Split(aliases, ",")
	}
	if doc != "" && doc != "null" {
		r.Document = &signatory.Document{}
		if err := json.Unmarshal([]byte(doc), r.Document); err != nil {
			return nil, errors.Wrapf(err, "corrupt identity document for %s", r.Instance)
		}
	}
	return &r, nil
}
