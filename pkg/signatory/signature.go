package signatory

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/nextcloud/circles-sub000/pkg/fault"
	"github.com/pkg/errors"
)

// MaxClockSkew bounds how far the Date header of a signed request may drift.
const MaxClockSkew = 5 * time.Minute

const signedHeaders = "(request-target) host date digest"

// Digest returns the Digest header value for body. JSON bodies are
// canonicalized first so that re-encoding on either side does not break
// the signature.
func Digest(body []byte) string {
	data := body
	if len(body) > 0 && json.Valid(body) {
		if canonical, err := jcs.Transform(body); err == nil {
			data = canonical
		}
	}
	sum := sha256.Sum256(data)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

// Sign adds Date, Digest and Signature headers to req.
func Sign(req *http.Request, body []byte, key *KeyPair) error {
	if key == nil || len(key.private) == 0 {
		return errors.New("no signing key")
	}
	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	req.Header.Set("Digest", Digest(body))

	payload := signingString(req, requestHost(req))
	sig := base64.StdEncoding.EncodeToString(key.SignBytes([]byte(payload)))

	req.Header.Set("Signature", fmt.Sprintf(`keyId="%s",algorithm="ed25519",headers="%s",signature="%s"`,
		key.KeyID, signedHeaders, sig))
	return nil
}

// SignatureParams is the parsed Signature header.
type SignatureParams struct {
	KeyID     string
	Algorithm string
	Headers   []string
	Signature []byte
}

// ParseSignature parses the Signature header of req.
func ParseSignature(req *http.Request) (*SignatureParams, error) {
	raw := req.Header.Get("Signature")
	if raw == "" {
		return nil, fault.New(fault.ClassSignatoryUnknown, "request is not signed")
	}

	fields := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		fields[k] = strings.Trim(v, `"`)
	}

	p := &SignatureParams{
		KeyID:     fields["keyId"],
		Algorithm: fields["algorithm"],
		Headers:   strings.Fields(fields["headers"]),
	}
	if p.KeyID == "" {
		return nil, fault.New(fault.ClassSignatoryUnknown, "signature has no keyId")
	}
	if p.Algorithm != "ed25519" {
		return nil, fault.New(fault.ClassSignatureInvalid, "unsupported algorithm %q", p.Algorithm)
	}
	sig, err := base64.StdEncoding.DecodeString(fields["signature"])
	if err != nil {
		return nil, fault.New(fault.ClassSignatureInvalid, "signature is not base64")
	}
	p.Signature = sig
	return p, nil
}

// checkRequest validates the parts of a signed request that do not depend
// on the signer's key: date skew, digest, and the signed header list.
func checkRequest(req *http.Request, body []byte, p *SignatureParams, now time.Time) error {
	if strings.Join(p.Headers, " ") != signedHeaders {
		return fault.New(fault.ClassSignatureInvalid, "unexpected signed headers %q", strings.Join(p.Headers, " "))
	}

	date, err := http.ParseTime(req.Header.Get("Date"))
	if err != nil {
		return fault.New(fault.ClassSignatureInvalid, "missing or malformed Date header")
	}
	if skew := now.Sub(date); skew > MaxClockSkew || skew < -MaxClockSkew {
		return fault.New(fault.ClassSignatureInvalid, "date skew of %s exceeds %s", skew.Round(time.Second), MaxClockSkew)
	}

	if req.Header.Get("Digest") != Digest(body) {
		return fault.New(fault.ClassSignatureInvalid, "digest mismatch")
	}
	return nil
}

// verifySignature checks p against the public key pub.
func verifySignature(req *http.Request, p *SignatureParams, pub ed25519.PublicKey) error {
	payload := signingString(req, requestHost(req))
	if !ed25519.Verify(pub, []byte(payload), p.Signature) {
		return fault.New(fault.ClassSignatureInvalid, "signature does not verify for %s", p.KeyID)
	}
	return nil
}

func signingString(req *http.Request, host string) string {
	target := strings.ToLower(req.Method) + " " + req.URL.RequestURI()
	return strings.Join([]string{
		"(request-target): " + target,
		"host: " + host,
		"date: " + req.Header.Get("Date"),
		"digest: " + req.Header.Get("Digest"),
	}, "\n")
}

func requestHost(req *http.Request) string {
	if req.Host != "" {
		return req.Host
	}
	return req.URL.Host
}
