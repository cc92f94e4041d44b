package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemory_UserLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()

	ok, err := s.AddUser(ctx, "alice", "pk1", "tag1")
	require.NoError(t, err)
	require.True(t, ok)

	// duplicate insert is a harmless false, regardless of key content
	ok, err = s.AddUser(ctx, "alice", "pk-other", "tag2")
	require.NoError(t, err)
	assert.False(t, ok)

	u, err := s.User(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "pk1", u.PublicKey)
	assert.Equal(t, "tag1", u.SenderTag)

	_, err = s.User(ctx, "bob")
	assert.True(t, errors.Is(err, ErrNotFound))

	ok, err = s.BindTag(ctx, "alice", "tag3")
	require.NoError(t, err)
	require.True(t, ok)

	u, err = s.UserByTag(ctx, "tag3")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)

	_, err = s.UserByTag(ctx, "tag1")
	assert.True(t, errors.Is(err, ErrNotFound), "stale tag must not resolve")

	_, err = s.UserByTag(ctx, "")
	assert.True(t, errors.Is(err, ErrNotFound))

	ok, err = s.BindTag(ctx, "bob", "tag9")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInMemory_PendingPromotion(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()

	ok, err := s.AddPendingUser(ctx, "bob", "pk2")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.AddPendingUser(ctx, "bob", "pk2")
	require.NoError(t, err)
	assert.False(t, ok)

	p, err := s.PendingUser(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "pk2", p.PublicKey)

	ok, err = s.PromotePendingUser(ctx, "bob", "tag-b")
	require.NoError(t, err)
	require.True(t, ok)

	// the pending row is consumed and the user exists with the pending key
	_, err = s.PendingUser(ctx, "bob")
	assert.True(t, errors.Is(err, ErrNotFound))
	u, err := s.User(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "pk2", u.PublicKey)
	assert.Equal(t, "tag-b", u.SenderTag)

	// repeated approval has nothing to promote
	ok, err = s.PromotePendingUser(ctx, "bob", "tag-b")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.RemovePendingUser(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInMemory_GroupFlows(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()

	_, err := s.AddUser(ctx, "alice", "pk1", "t1")
	require.NoError(t, err)
	_, err = s.AddUser(ctx, "bob", "pk2", "t2")
	require.NoError(t, err)

	g := &Group{ID: "g1", Name: "Group1", Admin: "alice", IsPublic: false, IsDiscoverable: true}
	ok, err := s.CreateGroup(ctx, g)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.CreateGroup(ctx, g)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.Group(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Admin)
	assert.False(t, got.IsPublic)

	ok, err = s.AddMember(ctx, "g1", "alice")
	require.NoError(t, err)
	require.True(t, ok)

	admin, err := s.IsAdmin(ctx, "g1", "alice")
	require.NoError(t, err)
	assert.True(t, admin)
	admin, err = s.IsAdmin(ctx, "g1", "bob")
	require.NoError(t, err)
	assert.False(t, admin)

	members, err := s.Members(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, members)

	groups, err := s.GroupsFor(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"g1"}, groups)
}

func TestInMemory_InviteConsumption(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()

	_, err := s.AddUser(ctx, "alice", "pk1", "t1")
	require.NoError(t, err)
	_, err = s.AddUser(ctx, "bob", "pk2", "t2")
	require.NoError(t, err)
	_, err = s.CreateGroup(ctx, &Group{ID: "g1", Name: "g", Admin: "alice"})
	require.NoError(t, err)

	ok, err := s.AddInvite(ctx, "g1", "bob")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.AddInvite(ctx, "g1", "bob")
	require.NoError(t, err)
	assert.False(t, ok, "at most one outstanding invite per (group, user)")

	invited, err := s.IsInvited(ctx, "g1", "bob")
	require.NoError(t, err)
	assert.True(t, invited)

	ok, err = s.ApproveInvite(ctx, "g1", "bob")
	require.NoError(t, err)
	require.True(t, ok)

	// the invite is consumed into membership
	invited, err = s.IsInvited(ctx, "g1", "bob")
	require.NoError(t, err)
	assert.False(t, invited)
	member, err := s.IsMember(ctx, "g1", "bob")
	require.NoError(t, err)
	assert.True(t, member)

	ok, err = s.ApproveInvite(ctx, "g1", "bob")
	require.NoError(t, err)
	assert.False(t, ok, "repeated approval must fail without side effects")

	ok, err = s.RemoveInvite(ctx, "g1", "bob")
	require.NoError(t, err)
	assert.False(t, ok)
}
