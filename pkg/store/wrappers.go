package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/nextcloud/circles-sub000/pkg/event"
	"github.com/nextcloud/circles-sub000/pkg/fault"
	"github.com/pkg/errors"
)

const wrapperColumns = `token, instance, interface, status, retry, severity, event, result, creation`

// CreateWrappers persists the wrappers of one broadcast together with the
// token row that guards result aggregation.
func (s *Store) CreateWrappers(ctx context.Context, token string, wrappers []*event.Wrapper) error {
	now := time.Now().UTC()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO event_tokens (token, aggregated, creation) VALUES (?, 0, ?)
			ON CONFLICT (token) DO NOTHING`), token, now.UnixMilli()); err != nil {
			return errors.Wrap(err, "insert token")
		}

		ins := s.rebind(`INSERT INTO event_wrappers (` + wrapperColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		for _, w := range wrappers {
			if w.Creation.IsZero() {
				w.Creation = now
			}
			eventJSON, err := json.Marshal(w.Event.Clone())
			if err != nil {
				return errors.Wrap(err, "encode event")
			}
			resultJSON, err := json.Marshal(orEmpty(w.Result))
			if err != nil {
				return errors.Wrap(err, "encode result")
			}
			if _, err := tx.ExecContext(ctx, ins, token, w.Instance, int(w.Interface), int(w.Status), w.Retry,
				int(w.Severity), string(eventJSON), string(resultJSON), w.Creation.UnixMilli()); err != nil {
				return errors.Wrapf(err, "insert wrapper %s/%s", token, w.Instance)
			}
		}
		return nil
	})
}

// GetWrapper loads one wrapper.
func (s *Store) GetWrapper(ctx context.Context, token, instance string) (*event.Wrapper, error) {
	row := s.queryRow(ctx, `SELECT `+wrapperColumns+` FROM event_wrappers WHERE token = ? AND instance = ?`,
		token, instance)
	w, err := scanWrapper(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.ClassNotFound, "wrapper %s/%s not found", token, instance)
	}
	return w, errors.Wrapf(err, "get wrapper %s/%s", token, instance)
}

// WrappersByToken returns every wrapper of a broadcast.
func (s *Store) WrappersByToken(ctx context.Context, token string) ([]*event.Wrapper, error) {
	return s.listWrappers(ctx, `SELECT `+wrapperColumns+` FROM event_wrappers WHERE token = ? ORDER BY instance ASC`, token)
}

// FailedInBand returns FAILED wrappers whose retry count is in [minRetry, maxRetry).
func (s *Store) FailedInBand(ctx context.Context, minRetry, maxRetry int) ([]*event.Wrapper, error) {
	return s.listWrappers(ctx, `
		SELECT `+wrapperColumns+` FROM event_wrappers
		WHERE status = ? AND retry >= ? AND retry < ?
		ORDER BY creation ASC`, int(event.StatusFailed), minRetry, maxRetry)
}

// StaleInit returns INIT wrappers created before the given time.
func (s *Store) StaleInit(ctx context.Context, before time.Time) ([]*event.Wrapper, error) {
	return s.listWrappers(ctx, `
		SELECT `+wrapperColumns+` FROM event_wrappers
		WHERE status = ? AND creation < ?
		ORDER BY creation ASC`, int(event.StatusInit), before.UnixMilli())
}

// UpdateWrapper stores status, retry count and result of a wrapper.
func (s *Store) UpdateWrapper(ctx context.Context, w *event.Wrapper) error {
	resultJSON, err := json.Marshal(orEmpty(w.Result))
	if err != nil {
		return errors.Wrap(err, "encode result")
	}
	_, err = s.exec(ctx, `UPDATE event_wrappers SET status = ?, retry = ?, result = ? WHERE token = ? AND instance = ?`,
		int(w.Status), w.Retry, string(resultJSON), w.Token, w.Instance)
	return errors.Wrapf(err, "update wrapper %s/%s", w.Token, w.Instance)
}

// Rearm moves a FAILED wrapper, or an INIT one left behind, back to INIT.
// It reports whether the row was re-armed.
func (s *Store) Rearm(ctx context.Context, token, instance string) (bool, error) {
	res, err := s.exec(ctx, `UPDATE event_wrappers SET status = ? WHERE token = ? AND instance = ? AND status IN (?, ?)`,
		int(event.StatusInit), token, instance, int(event.StatusInit), int(event.StatusFailed))
	if err != nil {
		return false, errors.Wrapf(err, "rearm wrapper %s/%s", token, instance)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ClaimAggregation marks the token as aggregated. Only the first caller
// gets true, however many workers race on the same token.
func (s *Store) ClaimAggregation(ctx context.Context, token string) (bool, error) {
	res, err := s.exec(ctx, `UPDATE event_tokens SET aggregated = 1 WHERE token = ? AND aggregated = 0`, token)
	if err != nil {
		return false, errors.Wrapf(err, "claim token %s", token)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CloseToken moves every DONE wrapper of the token to OVER.
func (s *Store) CloseToken(ctx context.Context, token string) error {
	_, err := s.exec(ctx, `UPDATE event_wrappers SET status = ? WHERE token = ? AND status = ?`,
		int(event.StatusOver), token, int(event.StatusDone))
	return errors.Wrapf(err, "close token %s", token)
}

// PendingTokens returns tokens whose results were not aggregated yet.
func (s *Store) PendingTokens(ctx context.Context) ([]string, error) {
	rows, err := s.query(ctx, `SELECT token FROM event_tokens WHERE aggregated = 0 ORDER BY creation ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "pending tokens")
	}
	defer func() { _ = rows.Close() }()

	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

// CleanupWrappers deletes wrappers created before the given time that are
// either OVER or permanently failed, then drops tokens left without wrappers.
//
// A token that loses a wrapper before its results were aggregated can no
// longer be aggregated completely: it is marked abandoned (aggregated = 2),
// which ClaimAggregation and PendingTokens never pick up, and its DONE
// wrappers are closed so that a later cleanup removes them.
func (s *Store) CleanupWrappers(ctx context.Context, before time.Time) (int64, error) {
	var deleted int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE event_tokens SET aggregated = 2
			WHERE aggregated = 0 AND token IN (
				SELECT token FROM event_wrappers
				WHERE creation < ? AND (status = ? OR retry > ?))`),
			before.UnixMilli(), int(event.StatusOver), event.RetryLimit); err != nil {
			return errors.Wrap(err, "abandon tokens")
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE event_wrappers SET status = ?
			WHERE status = ? AND token IN (SELECT token FROM event_tokens WHERE aggregated = 2)`),
			int(event.StatusOver), int(event.StatusDone)); err != nil {
			return errors.Wrap(err, "close abandoned tokens")
		}

		res, err := tx.ExecContext(ctx, s.rebind(`
			DELETE FROM event_wrappers
			WHERE creation < ? AND (status = ? OR retry > ?)`),
			before.UnixMilli(), int(event.StatusOver), event.RetryLimit)
		if err != nil {
			return errors.Wrap(err, "delete wrappers")
		}
		if deleted, err = res.RowsAffected(); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.rebind(`
			DELETE FROM event_tokens
			WHERE creation < ? AND token NOT IN (SELECT token FROM event_wrappers)`), before.UnixMilli())
		return errors.Wrap(err, "delete tokens")
	})
	return deleted, err
}

func (s *Store) listWrappers(ctx context.Context, query string, args ...any) ([]*event.Wrapper, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list wrappers")
	}
	defer func() { _ = rows.Close() }()

	var wrappers []*event.Wrapper
	for rows.Next() {
		w, err := scanWrapper(rows)
		if err != nil {
			return nil, err
		}
		wrappers = append(wrappers, w)
	}
	return wrappers, rows.Err()
}

func scanWrapper(row scanner) (*event.Wrapper, error) {
	var (
		w          event.Wrapper
		iface      int
		status     int
		severity   int
		eventJSON  string
		resultJSON string
		creation   int64
	)
	if err := row.Scan(&w.Token, &w.Instance, &iface, &status, &w.Retry, &severity,
		&eventJSON, &resultJSON, &creation); err != nil {
		return nil, err
	}
	w.Interface = event.Interface(iface)
	w.Status = event.Status(status)
	w.Severity = event.Severity(severity)
	w.Creation = time.UnixMilli(creation).UTC()

	ev, err := event.Unmarshal([]byte(eventJSON))
	if err != nil {
		return nil, errors.Wrapf(err, "corrupt event in wrapper %s/%s", w.Token, w.Instance)
	}
	w.Event = ev
	if err := json.Unmarshal([]byte(resultJSON), &w.Result); err != nil {
		return nil, errors.Wrapf(err, "corrupt result in wrapper %s/%s", w.Token, w.Instance)
	}
	return &w, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
