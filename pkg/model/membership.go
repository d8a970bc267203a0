package model

import "strings"

// Membership is one materialized transitive-membership fact: SingleID is a
// member of CircleID at Level, reached through InheritancePath.
//
// InheritancePath lists circle ids from the first containing circle to
// CircleID; the subject itself is not repeated, so the depth is len(path).
type Membership struct {
	SingleID         string   `json:"single_id"`
	CircleID         string   `json:"circle_id"`
	Level            Level    `json:"level"`
	InheritancePath  []string `json:"inheritance_path"`
	InheritanceDepth int      `json:"inheritance_depth"`
}

// NewMembership builds a membership whose depth is derived from path.
func NewMembership(singleID string, level Level, path []string) Membership {
	p := make([]string, len(path))
	copy(p, path)
	circleID := ""
	if len(p) > 0 {
		circleID = p[len(p)-1]
	}
	return Membership{
		SingleID:         singleID,
		CircleID:         circleID,
		Level:            level,
		InheritancePath:  p,
		InheritanceDepth: len(p),
	}
}

// InheritanceFirst is the circle the subject is a direct member of.
func (m Membership) InheritanceFirst() string {
	if len(m.InheritancePath) == 0 {
		return ""
	}
	return m.InheritancePath[0]
}

// InheritanceLast is the circle the subject directly reaches CircleID through.
func (m Membership) InheritanceLast() string {
	if len(m.InheritancePath) < 2 {
		return m.SingleID
	}
	return m.InheritancePath[len(m.InheritancePath)-2]
}

// Better reports whether m should replace other for the same (subject, circle):
// the higher level wins, and among equal levels the shorter path.
func (m Membership) Better(other Membership) bool {
	if m.Level != other.Level {
		return m.Level > other.Level
	}
	return m.InheritanceDepth < other.InheritanceDepth
}

// SameFact reports whether level and depth match; the path may still differ.
func (m Membership) SameFact(other Membership) bool {
	return m.Level == other.Level && m.InheritanceDepth == other.InheritanceDepth
}

// PathKey joins the path for storage and comparison.
func (m Membership) PathKey() string {
	return strings.Join(m.InheritancePath, ",")
}

// SplitPath is the inverse of PathKey.
func SplitPath(s string) []string {
	if s == "" {
		return []string{}
	}
	return strings.Split(s, ",")
}
