package signatory

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/nextcloud/circles-sub000/pkg/fault"
	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const documentSchemaURL = "https://circles.schemas.local/identity-document.schema.json"

const documentSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["id", "instance", "version", "public_key", "key_id", "endpoints"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"instance": {"type": "string", "minLength": 1},
		"version": {"type": "string", "minLength": 1},
		"public_key": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
		"key_id": {"type": "string", "minLength": 1},
		"endpoints": {
			"type": "object",
			"required": ["event", "incoming", "test"],
			"additionalProperties": {"type": "string"}
		},
		"aliases": {"type": "array", "items": {"type": "string"}}
	}
}`

// SupportedVersions is the protocol range this build talks to.
const SupportedVersions = "^1.0.0"

var (
	compiledSchema     *jsonschema.Schema
	versionConstraints *semver.Constraints
)

func init() {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(documentSchemaURL, strings.NewReader(documentSchema)); err != nil {
		panic(err)
	}
	compiledSchema = c.MustCompile(documentSchemaURL)
	versionConstraints = mustConstraint(SupportedVersions)
}

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

// ParseDocument validates raw against the identity document schema and the
// supported protocol range, then decodes it.
func ParseDocument(raw []byte) (*Document, error) {
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&generic); err != nil {
		return nil, fault.New(fault.ClassSignatoryUnknown, "identity document is not JSON: %v", err)
	}
	if err := compiledSchema.Validate(generic); err != nil {
		return nil, fault.New(fault.ClassSignatoryUnknown, "identity document rejected: %v", err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrap(err, "decode identity document")
	}

	v, err := semver.NewVersion(doc.Version)
	if err != nil {
		return nil, fault.New(fault.ClassSignatoryUnknown, "invalid protocol version %q", doc.Version)
	}
	if !versionConstraints.Check(v) {
		return nil, fault.New(fault.ClassSignatoryUnknown, "protocol version %s not in %s", doc.Version, SupportedVersions)
	}
	return &doc, nil
}

// LocalDocument builds the identity document published by this instance.
func LocalDocument(scheme, instance string, aliases []string, key *KeyPair) *Document {
	base := scheme + "://" + instance + "/circles/federation"
	return &Document{
		ID:        scheme + "://" + instance + WellKnownPath,
		Instance:  instance,
		Version:   ProtocolVersion,
		PublicKey: key.PublicKey(),
		KeyID:     key.KeyID,
		Aliases:   aliases,
		Endpoints: map[string]string{
			EndpointEvent:       base + "/event",
			EndpointIncoming:    base + "/incoming",
			EndpointTest:        base + "/test",
			EndpointCircles:     base + "/circles",
			EndpointCircle:      base + "/circles/{circleId}",
			EndpointMembers:     base + "/circles/{circleId}/members",
			EndpointMember:      base + "/circles/{circleId}/members/{memberId}",
			EndpointMemberships: base + "/memberships/{singleId}",
			EndpointInherited:   base + "/circles/{circleId}/inherited",
		},
	}
}

// KeyIDFor returns the key id an instance publishes for its main key.
func KeyIDFor(scheme, instance string) string {
	return scheme + "://" + instance + WellKnownPath + "#main-key"
}
