// Package signatory holds the identity of this instance and of the remote
// instances it federates with: Ed25519 keys, HTTP request signatures,
// discovery of identity documents and challenge confirmation.
package signatory

import (
	"strings"
	"time"
)

// InstanceType is the trust an operator granted a remote instance.
type InstanceType string

const (
	TypeUnknown  InstanceType = "Unknown"
	TypePassive  InstanceType = "Passive"
	TypeExternal InstanceType = "External"
	TypeTrusted  InstanceType = "Trusted"
	TypeLocal    InstanceType = "Local"
)

// Valid reports whether t is a known type.
func (t InstanceType) Valid() bool {
	switch t {
	case TypeUnknown, TypePassive, TypeExternal, TypeTrusted, TypeLocal:
		return true
	}
	return false
}

// ProtocolVersion is the federation protocol spoken by this build.
const ProtocolVersion = "1.0.0"

// WellKnownPath is where every instance publishes its identity document.
const WellKnownPath = "/.well-known/circles"

// Endpoint keys of the identity document.
const (
	EndpointEvent       = "event"
	EndpointIncoming    = "incoming"
	EndpointTest        = "test"
	EndpointCircles     = "circles"
	EndpointCircle      = "circle"
	EndpointMembers     = "members"
	EndpointMember      = "member"
	EndpointMemberships = "memberships"
	EndpointInherited   = "inherited"
)

// Document is the identity document an instance publishes.
type Document struct {
	ID        string            `json:"id"`
	Instance  string            `json:"instance"`
	Version   string            `json:"version"`
	PublicKey string            `json:"public_key"`
	KeyID     string            `json:"key_id"`
	Endpoints map[string]string `json:"endpoints"`
	Aliases   []string          `json:"aliases,omitempty"`
}

// Endpoint returns the URL template published under key.
func (d *Document) Endpoint(key string) (string, bool) {
	if d == nil {
		return "", false
	}
	u, ok := d.Endpoints[key]
	return u, ok && u != ""
}

// RemoteInstance is a known peer.
type RemoteInstance struct {
	Instance  string       `json:"instance"`
	ID        string       `json:"id"`
	Type      InstanceType `json:"type"`
	Interface int          `json:"interface"`
	PublicKey string       `json:"public_key"`
	Document  *Document    `json:"document,omitempty"`
	Aliases   []string     `json:"aliases,omitempty"`
	Creation  time.Time    `json:"creation"`
}

// Unknown returns the placeholder used when a caller could not be identified.
func Unknown(instance string) *RemoteInstance {
	return &RemoteInstance{Instance: instance, Type: TypeUnknown}
}

// IsTrusted reports whether the instance may push state to this one.
func (r *RemoteInstance) IsTrusted() bool {
	if r == nil {
		return false
	}
	switch r.Type {
	case TypeTrusted, TypeExternal, TypeLocal:
		return true
	}
	return false
}

// Is reports whether address designates this remote instance.
func (r *RemoteInstance) Is(address string) bool {
	if r == nil || address == "" {
		return false
	}
	if strings.EqualFold(r.Instance, address) {
		return true
	}
	for _, alias := range r.Aliases {
		if strings.EqualFold(alias, address) {
			return true
		}
	}
	return false
}
