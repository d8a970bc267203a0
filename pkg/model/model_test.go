package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMembership_Paths(t *testing.T) {
	m := NewMembership("alice", LevelMember, []string{"A", "B", "C"})
	assert.Equal(t, "C", m.CircleID)
	assert.Equal(t, 3, m.InheritanceDepth)
	assert.Equal(t, "A", m.InheritanceFirst())
	assert.Equal(t, "B", m.InheritanceLast())
	assert.Equal(t, "A,B,C", m.PathKey())
	assert.Equal(t, m.InheritancePath, SplitPath(m.PathKey()))

	direct := NewMembership("alice", LevelAdmin, []string{"A"})
	assert.Equal(t, "alice", direct.InheritanceLast())
	assert.Empty(t, SplitPath(""))
}

func TestMembership_Better(t *testing.T) {
	deepAdmin := NewMembership("alice", LevelAdmin, []string{"A", "B", "C"})
	shallowMember := NewMembership("alice", LevelMember, []string{"C"})
	shallowAdmin := NewMembership("alice", LevelAdmin, []string{"X", "C"})

	assert.True(t, deepAdmin.Better(shallowMember), "level first")
	assert.True(t, shallowAdmin.Better(deepAdmin), "then depth")
	assert.False(t, deepAdmin.Better(deepAdmin))
	assert.True(t, deepAdmin.SameFact(NewMembership("alice", LevelAdmin, []string{"Q", "R", "C"})))
}

func TestCircleSame(t *testing.T) {
	a := &Circle{SingleID: "c1", Name: "Team", Config: ConfigOpen | ConfigVisible, Instance: "", Owner: &Member{SingleID: "o"}, Population: 3}
	b := *a
	b.Population = 9
	b.Initiator = &Member{SingleID: "someone"}
	assert.True(t, a.Same(&b))

	b.Owner = &Member{SingleID: "other"}
	assert.False(t, a.Same(&b))

	var nilCircle *Circle
	assert.True(t, nilCircle.Same(nil))
	assert.False(t, a.Same(nil))
	assert.True(t, a.IsConfig(ConfigOpen))
	assert.False(t, a.IsConfig(ConfigOpen|ConfigLocal))
}

func TestMember(t *testing.T) {
	m := &Member{SingleID: "bob", Level: LevelModerator, Status: StatusMember}
	assert.True(t, m.IsMember())
	m.Status = StatusInvited
	assert.False(t, m.IsMember())
	assert.False(t, (*Member)(nil).IsMember())

	assert.True(t, LevelOwner.Valid())
	assert.False(t, Level(5).Valid())
	assert.Equal(t, "moderator", LevelModerator.String())
}
