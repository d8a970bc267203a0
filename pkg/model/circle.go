// Package model holds the value objects shared by the federation engine:
// circles, their direct members and the materialized membership closure.
package model

import "time"

// Config is the circle configuration bitmask.
type Config int

const (
	ConfigSingle       Config = 1
	ConfigPersonal     Config = 2
	ConfigSystem       Config = 4
	ConfigVisible      Config = 8
	ConfigOpen         Config = 16
	ConfigInvite       Config = 32
	ConfigRequest      Config = 64
	ConfigFriend       Config = 128
	ConfigProtected    Config = 256
	ConfigNoOwner      Config = 512
	ConfigHidden       Config = 1024
	ConfigBackend      Config = 2048
	ConfigLocal        Config = 4096
	ConfigRoot         Config = 8192
	ConfigCircleInvite Config = 16384
	ConfigFederated    Config = 32768
	ConfigMountpoint   Config = 65536
	ConfigApp          Config = 131072
)

// Has reports whether every bit of flag is set.
func (c Config) Has(flag Config) bool {
	return c&flag == flag
}

// Circle is a snapshot of a federated group as carried by events.
type Circle struct {
	SingleID       string    `json:"id"`
	Name           string    `json:"name"`
	DisplayName    string    `json:"display_name"`
	SanitizedName  string    `json:"sanitized_name"`
	Config         Config    `json:"config"`
	Instance       string    `json:"instance"`
	Source         int       `json:"source"`
	Population     int       `json:"population"`
	Description    string    `json:"description,omitempty"`
	Creation       time.Time `json:"creation"`
	Owner          *Member   `json:"owner,omitempty"`
	Initiator      *Member   `json:"initiator,omitempty"`
	MembersLimit   int       `json:"members_limit,omitempty"`
	ContainsMember bool      `json:"-"`
}

// IsConfig is a shorthand for c.Config.Has(flag).
func (c *Circle) IsConfig(flag Config) bool {
	return c != nil && c.Config.Has(flag)
}

// HasInitiator reports whether the snapshot carries a confirmed initiator.
func (c *Circle) HasInitiator() bool {
	return c != nil && c.Initiator != nil
}

// Same compares the authoritative fields of two snapshots of the same circle.
// Population and initiator are request-scoped and not compared.
func (c *Circle) Same(other *Circle) bool {
	if c == nil || other == nil {
		return c == other
	}
	if c.SingleID != other.SingleID ||
		c.Name != other.Name ||
		c.Config != other.Config ||
		c.Instance != other.Instance {
		return false
	}
	if (c.Owner == nil) != (other.Owner == nil) {
		return false
	}
	if c.Owner != nil && c.Owner.SingleID != other.Owner.SingleID {
		return false
	}
	return true
}
