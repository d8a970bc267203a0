package signatory

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nextcloud/circles-sub000/pkg/fault"
	"github.com/pkg/errors"
)

const challengeTTL = time.Minute

// ChallengeRequest is the body posted to a remote test endpoint.
type ChallengeRequest struct {
	Nonce string `json:"nonce"`
}

// ChallengeResponse carries the signed answer.
type ChallengeResponse struct {
	Token string `json:"token"`
}

type challengeClaims struct {
	Nonce string `json:"nonce"`
	jwt.RegisteredClaims
}

// IssueChallengeResponse signs nonce as this instance.
func (s *Signatory) IssueChallengeResponse(nonce string) (string, error) {
	if nonce == "" {
		return "", fault.New(fault.ClassInvalidParameters, "empty nonce")
	}
	now := s.now()
	claims := challengeClaims{
		Nonce: nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.instance,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(challengeTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = s.key.KeyID
	return token.SignedString(s.key.Private())
}

// ConfirmChallenge asks remote to sign nonce and checks the answer against
// the key its identity document publishes.
func (s *Signatory) ConfirmChallenge(ctx context.Context, remote *RemoteInstance, nonce string) error {
	endpoint, ok := remote.Document.Endpoint(EndpointTest)
	if !ok {
		return fault.New(fault.ClassRemoteEndpointUnknown, "%s publishes no test endpoint", remote.Instance)
	}
	body, err := json.Marshal(ChallengeRequest{Nonce: nonce})
	if err != nil {
		return errors.Wrap(err, "encode challenge")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build challenge request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, data, err := s.Do(ctx, req, body, maxDocumentSize)
	if err != nil {
		return fault.Transport(err, "challenge %s", remote.Instance)
	}
	if resp.StatusCode != http.StatusOK {
		return fault.New(fault.ClassSignatoryUnknown, "%s answered %d to challenge", remote.Instance, resp.StatusCode)
	}

	var answer ChallengeResponse
	if err := json.Unmarshal(data, &answer); err != nil {
		return fault.New(fault.ClassSignatoryUnknown, "malformed challenge answer from %s", remote.Instance)
	}
	return s.checkChallengeToken(remote, nonce, answer.Token)
}

func (s *Signatory) checkChallengeToken(remote *RemoteInstance, nonce, token string) error {
	pub, err := ParsePublicKey(remote.PublicKey)
	if err != nil {
		return fault.New(fault.ClassSignatoryUnknown, "key of %s is unusable: %v", remote.Instance, err)
	}

	claims := &challengeClaims{}
	_, err = jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return pub, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(remote.Instance),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return fault.New(fault.ClassSignatureInvalid, "challenge answer from %s rejected: %v", remote.Instance, err)
	}
	if claims.Nonce != nonce {
		return fault.New(fault.ClassSignatureInvalid, "challenge answer from %s signs another nonce", remote.Instance)
	}
	return nil
}
