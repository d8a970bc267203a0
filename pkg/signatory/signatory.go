package signatory

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nextcloud/circles-sub000/pkg/fault"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InstanceStore persists known remote instances.
type InstanceStore interface {
	GetInstance(ctx context.Context, instance string) (*RemoteInstance, error)
	GetInstanceByKeyID(ctx context.Context, keyID string) (*RemoteInstance, error)
	SaveInstance(ctx context.Context, r *RemoteInstance) error
}

// Options configures a Signatory.
type Options struct {
	Instance   string
	Aliases    []string
	Scheme     string
	Key        *KeyPair
	Store      InstanceStore
	HTTPClient *http.Client
	MaxTries   uint
	Now        func() time.Time
}

// Signatory signs outgoing requests and identifies the callers of incoming ones.
type Signatory struct {
	instance string
	aliases  []string
	scheme   string
	key      *KeyPair
	store    InstanceStore
	client   *http.Client
	maxTries uint
	now      func() time.Time
	logger   zerolog.Logger
}

// New creates a Signatory.
func New(opts Options) *Signatory {
	if opts.Scheme == "" {
		opts.Scheme = "https"
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.MaxTries == 0 {
		opts.MaxTries = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Signatory{
		instance: opts.Instance,
		aliases:  opts.Aliases,
		scheme:   opts.Scheme,
		key:      opts.Key,
		store:    opts.Store,
		client:   opts.HTTPClient,
		maxTries: opts.MaxTries,
		now:      opts.Now,
		logger:   log.With().Str("component", "signatory").Logger(),
	}
}

// Instance returns the canonical address of this instance.
func (s *Signatory) Instance() string {
	return s.instance
}

// Key returns the signing key.
func (s *Signatory) Key() *KeyPair {
	return s.key
}

// Document returns the identity document of this instance.
func (s *Signatory) Document() *Document {
	return LocalDocument(s.scheme, s.instance, s.aliases, s.key)
}

// Sign signs an outgoing request. A request that cannot be signed must not be sent.
func (s *Signatory) Sign(req *http.Request, body []byte) error {
	return Sign(req, body, s.key)
}

// Verify identifies the signer of an incoming request. On any failure it
// returns an Unknown instance together with a verification fault; callers
// must treat Unknown as untrusted.
func (s *Signatory) Verify(ctx context.Context, req *http.Request, body []byte) (*RemoteInstance, error) {
	params, err := ParseSignature(req)
	if err != nil {
		return Unknown(""), err
	}
	address := instanceFromKeyID(params.KeyID)
	if err := checkRequest(req, body, params, s.now()); err != nil {
		return Unknown(address), err
	}

	remote, err := s.store.GetInstanceByKeyID(ctx, params.KeyID)
	if err != nil {
		if !fault.IsClass(err, fault.ClassNotFound) {
			return Unknown(address), err
		}
		remote, err = s.Discover(ctx, address)
		if err != nil {
			return Unknown(address), err
		}
		if remote.ID != params.KeyID {
			return Unknown(address), fault.New(fault.ClassSignatoryUnknown, "%s does not publish key %s", address, params.KeyID)
		}
		// A known instance signing with a new key is not re-keyed here;
		// Refresh or the operator decides.
		known, err := s.store.GetInstance(ctx, remote.Instance)
		switch {
		case err == nil:
			s.logger.Warn().Str("instance", remote.Instance).Str("key_id", params.KeyID).
				Str("stored_key_id", known.ID).Msg("request signed with a key not stored for this instance")
			return Unknown(address), fault.New(fault.ClassSignatoryUnknown,
				"key %s is not the stored key of %s", params.KeyID, remote.Instance)
		case !fault.IsClass(err, fault.ClassNotFound):
			return Unknown(address), err
		}
		if err := s.store.SaveInstance(ctx, remote); err != nil {
			return Unknown(address), err
		}
	}

	pub, err := ParsePublicKey(remote.PublicKey)
	if err != nil {
		return Unknown(address), fault.New(fault.ClassSignatoryUnknown, "stored key of %s is unusable: %v", remote.Instance, err)
	}
	if err := verifySignature(req, params, pub); err != nil {
		s.logger.Warn().Str("instance", remote.Instance).Str("key_id", params.KeyID).Msg("signature verification failed")
		return Unknown(address), err
	}
	return remote, nil
}

// Do signs and sends req with body, returning the response body capped at limit bytes.
func (s *Signatory) Do(ctx context.Context, req *http.Request, body []byte, limit int64) (*http.Response, []byte, error) {
	if err := s.Sign(req, body); err != nil {
		return nil, nil, errors.Wrap(err, "sign request")
	}
	resp, err := s.client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return resp, nil, err
	}
	if int64(len(data)) > limit {
		return resp, nil, errors.Errorf("response from %s exceeds %d bytes", req.URL.Host, limit)
	}
	return resp, data, nil
}

func instanceFromKeyID(keyID string) string {
	u, err := url.Parse(keyID)
	if err != nil || u.Host == "" {
		host, _, _ := strings.Cut(keyID, "#")
		return host
	}
	return u.Host
}
