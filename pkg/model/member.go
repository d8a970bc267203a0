package model

import "time"

// Level is the privilege a member holds in a circle.
type Level int

const (
	LevelNone      Level = 0
	LevelMember    Level = 1
	LevelModerator Level = 4
	LevelAdmin     Level = 8
	LevelOwner     Level = 9
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelMember:
		return "member"
	case LevelModerator:
		return "moderator"
	case LevelAdmin:
		return "admin"
	case LevelOwner:
		return "owner"
	default:
		return "unknown"
	}
}

// Valid reports whether l is one of the known levels.
func (l Level) Valid() bool {
	switch l {
	case LevelNone, LevelMember, LevelModerator, LevelAdmin, LevelOwner:
		return true
	}
	return false
}

// UserType identifies what kind of entity a member row points at.
type UserType int

const (
	TypeUser    UserType = 1
	TypeGroup   UserType = 2
	TypeMail    UserType = 4
	TypeContact UserType = 8
	TypeCircle  UserType = 16
	TypeApp     UserType = 10000
)

// MemberStatus is the lifecycle state of a member row.
type MemberStatus string

const (
	StatusInvited    MemberStatus = "Invited"
	StatusRequesting MemberStatus = "Requesting"
	StatusMember     MemberStatus = "Member"
	StatusBlocked    MemberStatus = "Blocked"
)

// Member is a direct membership of an entity (SingleID) in a circle (CircleID).
type Member struct {
	ID       string       `json:"id"`
	CircleID string       `json:"circle_id"`
	SingleID string       `json:"single_id"`
	UserID   string       `json:"user_id"`
	UserType UserType     `json:"user_type"`
	Instance string       `json:"instance"`
	Level    Level        `json:"level"`
	Status   MemberStatus `json:"status"`
	Note     string       `json:"note,omitempty"`
	Joined   time.Time    `json:"joined"`

	// Circle is the containing circle, when it was loaded alongside the row.
	Circle *Circle `json:"circle,omitempty"`
}

// IsMember reports whether the row grants at least member level with an accepted status.
func (m *Member) IsMember() bool {
	return m != nil && m.Level >= LevelMember && m.Status == StatusMember
}

// Same compares the fields a remote instance is allowed to claim about a member.
func (m *Member) Same(other *Member) bool {
	if m == nil || other == nil {
		return m == other
	}
	return m.ID == other.ID &&
		m.CircleID == other.CircleID &&
		m.SingleID == other.SingleID &&
		m.Instance == other.Instance &&
		m.Level == other.Level &&
		m.Status == other.Status
}
