package store

import (
	"context"
	"testing"
	"time"

	"github.com/nextcloud/circles-sub000/pkg/event"
	"github.com/nextcloud/circles-sub000/pkg/fault"
	"github.com/nextcloud/circles-sub000/pkg/model"
	"github.com/nextcloud/circles-sub000/pkg/signatory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := New(context.Background(), db, DialectSQLite)
	require.NoError(t, err)
	return s
}

func isLocal(instance string) bool {
	return instance == "local.example"
}

func TestCircleRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	owner := &model.Member{ID: "m-owner", CircleID: "c1", SingleID: "alice", UserID: "alice",
		UserType: model.TypeUser, Instance: "local.example", Level: model.LevelOwner, Status: model.StatusMember}
	require.NoError(t, s.SaveMember(ctx, owner))
	require.NoError(t, s.SaveCircle(ctx, &model.Circle{
		SingleID: "c1", Name: "Friends", Config: model.ConfigVisible | model.ConfigOpen,
		Instance: "local.example", Owner: owner,
	}))

	c, err := s.GetCircle(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Friends", c.Name)
	assert.True(t, c.IsConfig(model.ConfigOpen))
	require.NotNil(t, c.Owner)
	assert.Equal(t, model.LevelOwner, c.Owner.Level)

	require.NoError(t, s.SetPopulation(ctx, "c1", 7))
	c, err = s.GetCircle(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 7, c.Population)

	require.NoError(t, s.DeleteCircle(ctx, "c1"))
	_, err = s.GetCircle(ctx, "c1")
	assert.True(t, fault.IsClass(err, fault.ClassCircleNotFound))
	_, err = s.GetMember(ctx, "c1", "alice")
	assert.True(t, fault.IsClass(err, fault.ClassMemberNotFound))
}

func TestUpsertRemoteCircle_Conflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveCircle(ctx, &model.Circle{SingleID: "local-c", Name: "mine", Instance: "local.example"}))
	require.NoError(t, s.UpsertRemoteCircle(ctx, &model.Circle{SingleID: "remote-c", Name: "theirs", Instance: "a.example"}, isLocal, nil))

	tests := []struct {
		name   string
		circle *model.Circle
		code   fault.ConflictCode
	}{
		{"no source", &model.Circle{SingleID: "x", Name: "x"}, fault.ConflictNoKnownSource},
		{"claims local instance", &model.Circle{SingleID: "y", Name: "y", Instance: "local.example"}, fault.ConflictDuplicateFromOtherInstance},
		{"overwrites local record", &model.Circle{SingleID: "local-c", Name: "mine", Instance: "a.example"}, fault.ConflictDuplicateFromOtherInstance},
		{"other remote source", &model.Circle{SingleID: "remote-c", Name: "theirs", Instance: "b.example"}, fault.ConflictDuplicateIsNotAnAlias},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.UpsertRemoteCircle(ctx, tt.circle, isLocal, nil)
			code, ok := fault.ConflictCodeOf(err)
			require.True(t, ok, "expected a conflict, got %v", err)
			assert.Equal(t, tt.code, code)
		})
	}

	// same source updates in place
	require.NoError(t, s.UpsertRemoteCircle(ctx, &model.Circle{SingleID: "remote-c", Name: "renamed", Instance: "a.example"}, isLocal, nil))
	c, err := s.GetCircle(ctx, "remote-c")
	require.NoError(t, err)
	assert.Equal(t, "renamed", c.Name)
}

func TestUpsertRemoteMember_Conflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := &model.Member{ID: "m1", CircleID: "c1", SingleID: "bob", Instance: "a.example", Level: model.LevelMember, Status: model.StatusMember}
	require.NoError(t, s.UpsertRemoteMember(ctx, m, nil))

	err := s.UpsertRemoteMember(ctx, &model.Member{ID: "m2", CircleID: "c1", SingleID: "carol"}, nil)
	code, ok := fault.ConflictCodeOf(err)
	require.True(t, ok)
	assert.Equal(t, fault.ConflictFederatedUserHasNoSource, code)

	err = s.UpsertRemoteMember(ctx, &model.Member{ID: "m1", CircleID: "c1", SingleID: "bob", Instance: "b.example"}, nil)
	code, ok = fault.ConflictCodeOf(err)
	require.True(t, ok)
	assert.Equal(t, fault.ConflictNotAnAliasOfKnownRecord, code)

	m.Level = model.LevelAdmin
	require.NoError(t, s.UpsertRemoteMember(ctx, m, nil))
	got, err := s.GetMember(ctx, "c1", "bob")
	require.NoError(t, err)
	assert.Equal(t, model.LevelAdmin, got.Level)
}

func TestUpsertRemote_AcceptsAliasOfKnownSource(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	owner := &signatory.RemoteInstance{Instance: "a.example", Aliases: []string{"cloud.a.example"}}
	same := func(known, claimed string) bool {
		return owner.Is(known) && owner.Is(claimed)
	}

	require.NoError(t, s.UpsertRemoteCircle(ctx, &model.Circle{SingleID: "remote-c", Name: "theirs", Instance: "a.example"}, isLocal, same))
	require.NoError(t, s.UpsertRemoteCircle(ctx, &model.Circle{SingleID: "remote-c", Name: "renamed", Instance: "CLOUD.a.example"}, isLocal, same))
	c, err := s.GetCircle(ctx, "remote-c")
	require.NoError(t, err)
	assert.Equal(t, "renamed", c.Name)

	err = s.UpsertRemoteCircle(ctx, &model.Circle{SingleID: "remote-c", Name: "stolen", Instance: "b.example"}, isLocal, same)
	code, ok := fault.ConflictCodeOf(err)
	require.True(t, ok)
	assert.Equal(t, fault.ConflictDuplicateIsNotAnAlias, code)

	m := &model.Member{ID: "m1", CircleID: "remote-c", SingleID: "bob", Instance: "a.example", Level: model.LevelMember, Status: model.StatusMember}
	require.NoError(t, s.UpsertRemoteMember(ctx, m, same))
	require.NoError(t, s.UpsertRemoteMember(ctx, &model.Member{ID: "m1", CircleID: "remote-c", SingleID: "bob",
		Instance: "cloud.a.example", Level: model.LevelAdmin, Status: model.StatusMember}, same))
	got, err := s.GetMember(ctx, "remote-c", "bob")
	require.NoError(t, err)
	assert.Equal(t, model.LevelAdmin, got.Level)

	err = s.UpsertRemoteMember(ctx, &model.Member{ID: "m1", CircleID: "remote-c", SingleID: "bob", Instance: "b.example"}, same)
	code, ok = fault.ConflictCodeOf(err)
	require.True(t, ok)
	assert.Equal(t, fault.ConflictNotAnAliasOfKnownRecord, code)
}

func TestInstancesWithMembers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// outer contains inner; inner contains dave@b.example
	require.NoError(t, s.SaveMember(ctx, &model.Member{ID: "1", CircleID: "outer", SingleID: "alice", Instance: "local.example", Level: model.LevelOwner, Status: model.StatusMember}))
	require.NoError(t, s.SaveMember(ctx, &model.Member{ID: "2", CircleID: "outer", SingleID: "bob", Instance: "a.example", Level: model.LevelMember, Status: model.StatusMember}))
	require.NoError(t, s.SaveMember(ctx, &model.Member{ID: "3", CircleID: "outer", SingleID: "inner", Instance: "local.example", Level: model.LevelMember, Status: model.StatusMember, UserType: model.TypeCircle}))
	require.NoError(t, s.SaveMember(ctx, &model.Member{ID: "4", CircleID: "inner", SingleID: "dave", Instance: "b.example", Level: model.LevelMember, Status: model.StatusMember}))
	require.NoError(t, s.SaveMember(ctx, &model.Member{ID: "5", CircleID: "outer", SingleID: "eve", Instance: "c.example", Level: model.LevelNone, Status: model.StatusInvited}))
	require.NoError(t, s.ApplyMemberships(ctx, "dave", nil, []model.Membership{
		model.NewMembership("dave", model.LevelMember, []string{"inner"}),
		model.NewMembership("dave", model.LevelMember, []string{"inner", "outer"}),
	}))

	direct, err := s.InstancesWithMembers(ctx, "outer", true)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"local.example", "a.example"}, direct)

	all, err := s.InstancesWithMembers(ctx, "outer", false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"local.example", "a.example", "b.example"}, all)
}

func TestApplyMemberships(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.ApplyMemberships(ctx, "alice", nil, []model.Membership{
		model.NewMembership("alice", model.LevelAdmin, []string{"b"}),
		model.NewMembership("alice", model.LevelMember, []string{"b", "a"}),
	}))
	rows, err := s.MembershipsOf(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "a", rows[0].CircleID)
	assert.Equal(t, []string{"b", "a"}, rows[0].InheritancePath)
	assert.Equal(t, 2, rows[0].InheritanceDepth)

	require.NoError(t, s.ApplyMemberships(ctx, "alice", []string{"a"}, []model.Membership{
		model.NewMembership("alice", model.LevelOwner, []string{"b"}),
	}))
	rows, err = s.MembershipsOf(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, model.LevelOwner, rows[0].Level)

	inherited, err := s.InheritedMembers(ctx, "b")
	require.NoError(t, err)
	require.Len(t, inherited, 1)
	assert.Equal(t, "alice", inherited[0].SingleID)

	row, err := s.GetMembership(ctx, "alice", "b")
	require.NoError(t, err)
	assert.Equal(t, model.LevelOwner, row.Level)
	_, err = s.GetMembership(ctx, "alice", "a")
	assert.True(t, fault.IsClass(err, fault.ClassNotFound))
}

func newWrapper(token, instance string, status event.Status) *event.Wrapper {
	ev := event.New("circle.test", &model.Circle{SingleID: "c1", Instance: "local.example"})
	ev.Origin = "local.example"
	return &event.Wrapper{
		Token: token, Instance: instance, Status: status,
		Severity: event.SeverityHigh, Event: ev,
	}
}

func TestWrapperLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateWrappers(ctx, "tok", []*event.Wrapper{
		newWrapper("tok", "a.example", event.StatusInit),
		newWrapper("tok", "b.example", event.StatusInit),
	}))

	w, err := s.GetWrapper(ctx, "tok", "a.example")
	require.NoError(t, err)
	assert.Equal(t, "circle.test", w.Event.Class)
	assert.Equal(t, event.SeverityHigh, w.Severity)

	w.Status = event.StatusFailed
	w.Retry = 1
	w.Result = map[string]any{"message": "down"}
	require.NoError(t, s.UpdateWrapper(ctx, w))

	failed, err := s.FailedInBand(ctx, 0, 5)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "down", failed[0].Result["message"])

	ok, err := s.Rearm(ctx, "tok", "a.example")
	require.NoError(t, err)
	assert.True(t, ok)

	stale, err := s.StaleInit(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, stale, 2)

	pending, err := s.PendingTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"tok"}, pending)
}

func TestClaimAggregation_OnlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateWrappers(ctx, "tok", []*event.Wrapper{newWrapper("tok", "a.example", event.StatusDone)}))

	first, err := s.ClaimAggregation(ctx, "tok")
	require.NoError(t, err)
	second, err := s.ClaimAggregation(ctx, "tok")
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)

	require.NoError(t, s.CloseToken(ctx, "tok"))
	w, err := s.GetWrapper(ctx, "tok", "a.example")
	require.NoError(t, err)
	assert.Equal(t, event.StatusOver, w.Status)
}

func TestCleanupWrappers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	over := newWrapper("t1", "a.example", event.StatusOver)
	over.Creation = old
	dead := newWrapper("t1", "b.example", event.StatusFailed)
	dead.Creation = old
	dead.Retry = event.RetryLimit + 1
	alive := newWrapper("t1", "c.example", event.StatusFailed)
	alive.Creation = old
	alive.Retry = 40
	require.NoError(t, s.CreateWrappers(ctx, "t1", []*event.Wrapper{over, dead, alive}))

	n, err := s.CleanupWrappers(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	left, err := s.WrappersByToken(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "c.example", left[0].Instance)
}

func TestCleanupWrappers_AbandonsUnaggregatedTokens(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	done := newWrapper("t1", "a.example", event.StatusDone)
	done.Creation = old
	dead := newWrapper("t1", "b.example", event.StatusFailed)
	dead.Creation = old
	dead.Retry = event.RetryLimit + 1
	require.NoError(t, s.CreateWrappers(ctx, "t1", []*event.Wrapper{done, dead}))

	n, err := s.CleanupWrappers(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "the DONE wrapper of an abandoned token is closed and removed")

	pending, err := s.PendingTokens(ctx)
	require.NoError(t, err)
	assert.NotContains(t, pending, "t1")
}

func TestCleanupWrappers_AbandonedTokenCannotBeClaimed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dead := newWrapper("t2", "b.example", event.StatusFailed)
	dead.Creation = time.Now().Add(-48 * time.Hour)
	dead.Retry = event.RetryLimit + 1
	late := newWrapper("t2", "c.example", event.StatusFailed)
	late.Retry = 3
	require.NoError(t, s.CreateWrappers(ctx, "t2", []*event.Wrapper{dead, late}))

	_, err := s.CleanupWrappers(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)

	claimed, err := s.ClaimAggregation(ctx, "t2")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestRemoteInstances(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := &signatory.RemoteInstance{
		Instance:  "A.example",
		ID:        "https://a.example/.well-known/circles#main-key",
		Type:      signatory.TypeUnknown,
		PublicKey: "00",
		Aliases:   []string{"alias.example"},
		Document:  &signatory.Document{Instance: "a.example", Endpoints: map[string]string{"event": "https://a.example/e"}},
	}
	require.NoError(t, s.SaveInstance(ctx, r))

	got, err := s.GetInstanceByKeyID(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "a.example", got.Instance)
	assert.True(t, got.Is("alias.example"))
	u, ok := got.Document.Endpoint("event")
	assert.True(t, ok)
	assert.Equal(t, "https://a.example/e", u)

	got.Type = signatory.TypeTrusted
	require.NoError(t, s.SaveInstance(ctx, got))
	got, err = s.GetInstance(ctx, "a.example")
	require.NoError(t, err)
	assert.True(t, got.IsTrusted())

	_, err = s.GetInstance(ctx, "nobody.example")
	assert.True(t, fault.IsClass(err, fault.ClassNotFound))

	require.NoError(t, s.DeleteInstance(ctx, "A.EXAMPLE"))
	_, err = s.GetInstance(ctx, "a.example")
	assert.True(t, fault.IsClass(err, fault.ClassNotFound))
}

func TestGetMemberByID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveMember(ctx, &model.Member{ID: "m-1", CircleID: "c1", SingleID: "bob", Level: model.LevelMember, Status: model.StatusMember}))

	m, err := s.GetMemberByID(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, "bob", m.SingleID)

	_, err = s.GetMemberByID(ctx, "m-2")
	assert.True(t, fault.IsClass(err, fault.ClassMemberNotFound))
}
