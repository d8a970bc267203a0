package signatory

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/nextcloud/circles-sub000/pkg/fault"
)

const maxDocumentSize = 64 << 10

// Discover fetches and validates the identity document of address. The
// returned instance is always of type Unknown; promoting it is an operator
// decision.
func (s *Signatory) Discover(ctx context.Context, address string) (*RemoteInstance, error) {
	target := s.scheme + "://" + address + WellKnownPath

	fetch := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return nil, fault.New(fault.ClassRemoteResponse, "%s answered %d", address, resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, backoff.Permanent(fault.New(fault.ClassSignatoryUnknown,
				"%s answered %d on %s", address, resp.StatusCode, WellKnownPath))
		}
		return data, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	raw, err := backoff.Retry(ctx, fetch, backoff.WithBackOff(b), backoff.WithMaxTries(s.maxTries))
	if err != nil {
		if _, ok := fault.As(err); ok {
			return nil, err
		}
		return nil, fault.Transport(err, "discover %s", address)
	}

	doc, err := ParseDocument(raw)
	if err != nil {
		return nil, err
	}

	// Aliases are only learned from the canonical host's own document.
	if !strings.EqualFold(doc.Instance, address) {
		return nil, fault.New(fault.ClassSignatoryUnknown, "document served by %s claims instance %s", address, doc.Instance)
	}

	remote := &RemoteInstance{
		Instance:  doc.Instance,
		ID:        doc.KeyID,
		Type:      TypeUnknown,
		PublicKey: doc.PublicKey,
		Document:  doc,
		Aliases:   doc.Aliases,
		Creation:  s.now().UTC(),
	}
	s.logger.Debug().Str("instance", doc.Instance).Str("key_id", doc.KeyID).Msg("discovered remote instance")
	return remote, nil
}

// Refresh discovers address again and stores the result, keeping the trust
// type previously granted unless the published key changed.
func (s *Signatory) Refresh(ctx context.Context, address string) (*RemoteInstance, error) {
	remote, err := s.Discover(ctx, address)
	if err != nil {
		return nil, err
	}
	known, err := s.store.GetInstance(ctx, remote.Instance)
	switch {
	case err == nil:
		remote.Creation = known.Creation
		if known.PublicKey == remote.PublicKey {
			remote.Type = known.Type
			remote.Interface = known.Interface
		} else {
			s.logger.Warn().Str("instance", remote.Instance).Msg("published key changed, trust reset to Unknown")
		}
	case fault.IsClass(err, fault.ClassNotFound):
	default:
		return nil, err
	}
	if err := s.store.SaveInstance(ctx, remote); err != nil {
		return nil, err
	}
	return remote, nil
}

// SetType grants a trust type to a stored instance.
func (s *Signatory) SetType(ctx context.Context, instance string, t InstanceType) (*RemoteInstance, error) {
	if !t.Valid() || t == TypeLocal {
		return nil, fault.New(fault.ClassInvalidParameters, "invalid instance type %q", t)
	}
	remote, err := s.store.GetInstance(ctx, instance)
	if err != nil {
		return nil, err
	}
	remote.Type = t
	return remote, s.store.SaveInstance(ctx, remote)
}
