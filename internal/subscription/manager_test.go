package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dial0ut/nymstr-group/internal/bus"
	"github.com/dial0ut/nymstr-group/internal/logging"
	"github.com/dial0ut/nymstr-group/internal/mixnet"
	"github.com/dial0ut/nymstr-group/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.InMemory, *bus.Memory, *mixnet.Loopback) {
	s := store.NewInMemory()
	b := bus.NewMemory()
	tr := mixnet.NewLoopback()
	m := NewManager(context.Background(), b, s, tr, logging.Nop{})
	t.Cleanup(m.Close)
	return m, s, b, tr
}

func publish(t *testing.T, b *bus.Memory, groupID string, payload string) {
	require.NoError(t, b.Publish(context.Background(), bus.GroupChannel(groupID), []byte(payload)))
}

func replyCount(tr *mixnet.Loopback, tag string) func() int {
	return func() int { return len(tr.Replies(mixnet.SenderTag(tag))) }
}

func TestForwardsToMemberTag(t *testing.T) {
	m, s, b, tr := newTestManager(t)

	_, err := s.AddUser(context.Background(), "alice", "KEY-A", "tag-1")
	require.NoError(t, err)

	m.Replace("alice", []string{"g1"})
	publish(t, b, "g1", "m1")

	require.Eventually(t, func() bool { return replyCount(tr, "tag-1")() == 1 },
		time.Second, 10*time.Millisecond)
	assert.Equal(t, "m1", string(tr.Replies("tag-1")[0]))
}

func TestDeliveryUsesCurrentTag(t *testing.T) {
	m, s, b, tr := newTestManager(t)

	_, err := s.AddUser(context.Background(), "alice", "KEY-A", "tag-1")
	require.NoError(t, err)
	m.Replace("alice", []string{"g1"})

	publish(t, b, "g1", "m1")
	require.Eventually(t, func() bool { return replyCount(tr, "tag-1")() == 1 },
		time.Second, 10*time.Millisecond)

	// the user reconnects under a new tag; the same forwarder must follow it
	_, err = s.BindTag(context.Background(), "alice", "tag-2")
	require.NoError(t, err)

	publish(t, b, "g1", "m2")
	require.Eventually(t, func() bool { return replyCount(tr, "tag-2")() == 1 },
		time.Second, 10*time.Millisecond)
	assert.Equal(t, "m2", string(tr.Replies("tag-2")[0]))
	assert.Equal(t, 1, replyCount(tr, "tag-1")(), "old tag must not receive new messages")
}

func TestReplaceStopsPreviousGeneration(t *testing.T) {
	m, s, b, tr := newTestManager(t)

	_, err := s.AddUser(context.Background(), "alice", "KEY-A", "tag-1")
	require.NoError(t, err)
	m.Replace("alice", []string{"g1"})

	publish(t, b, "g1", "m1")
	require.Eventually(t, func() bool { return replyCount(tr, "tag-1")() == 1 },
		time.Second, 10*time.Millisecond)

	// reconnect with no memberships left
	m.Replace("alice", nil)

	publish(t, b, "g1", "m2")
	assert.Never(t, func() bool { return replyCount(tr, "tag-1")() > 1 },
		200*time.Millisecond, 10*time.Millisecond,
		"a replaced generation must not keep forwarding")
}

func TestAddIsIdempotent(t *testing.T) {
	m, s, b, tr := newTestManager(t)

	_, err := s.AddUser(context.Background(), "alice", "KEY-A", "tag-1")
	require.NoError(t, err)

	m.Add("alice", "g1")
	m.Add("alice", "g1")

	publish(t, b, "g1", "m1")
	require.Eventually(t, func() bool { return replyCount(tr, "tag-1")() >= 1 },
		time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return replyCount(tr, "tag-1")() > 1 },
		200*time.Millisecond, 10*time.Millisecond,
		"a duplicate Add must not double deliveries")
}

func TestSurvivesDeliveryFailure(t *testing.T) {
	m, s, b, tr := newTestManager(t)

	_, err := s.AddUser(context.Background(), "alice", "KEY-A", "tag-1")
	require.NoError(t, err)
	m.Replace("alice", []string{"g1"})

	// the reply capability expires; delivery fails but the forwarder lives on
	tr.Invalidate("tag-1")
	publish(t, b, "g1", "m1")

	_, err = s.BindTag(context.Background(), "alice", "tag-2")
	require.NoError(t, err)

	publish(t, b, "g1", "m2")
	require.Eventually(t, func() bool { return replyCount(tr, "tag-2")() == 1 },
		time.Second, 10*time.Millisecond)
	assert.Equal(t, "m2", string(tr.Replies("tag-2")[0]))
}

func TestSkipsMemberWithoutTag(t *testing.T) {
	m, s, b, tr := newTestManager(t)

	_, err := s.AddUser(context.Background(), "alice", "KEY-A", "")
	require.NoError(t, err)
	m.Replace("alice", []string{"g1"})

	publish(t, b, "g1", "m1")
	assert.Never(t, func() bool { return replyCount(tr, "")() > 0 },
		200*time.Millisecond, 10*time.Millisecond)
}

func TestCloseStopsAllForwarders(t *testing.T) {
	m, s, b, tr := newTestManager(t)

	_, err := s.AddUser(context.Background(), "alice", "KEY-A", "tag-1")
	require.NoError(t, err)
	_, err = s.AddUser(context.Background(), "bob", "KEY-B", "tag-2")
	require.NoError(t, err)

	m.Replace("alice", []string{"g1", "g2"})
	m.Replace("bob", []string{"g1"})

	m.Close()

	publish(t, b, "g1", "m1")
	assert.Never(t, func() bool {
		return replyCount(tr, "tag-1")() > 0 || replyCount(tr, "tag-2")() > 0
	}, 200*time.Millisecond, 10*time.Millisecond)
}
