package syncer

import (
	"context"
	"testing"
	"time"

	"concord/internal/gateway"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleBanEvent(t *testing.T) {
	ctx := context.Background()

	t.Run("new ban is adopted and propagated", func(t *testing.T) {
		s1 := newFakeSession("s1")
		s2 := newFakeSession("s2")
		s3 := newFakeSession("s3")
		s1.bans["u1"] = true

		e, _, _ := newTestEngine(s1, s2, s3)

		e.handleBanEvent(ctx, "s1", "u1", true)

		assert.True(t, e.bannedState("u1"))
		assert.True(t, s2.bans["u1"])
		assert.True(t, s3.bans["u1"])
	})

	t.Run("event agreeing with canonical state is ignored", func(t *testing.T) {
		s1 := newFakeSession("s1")
		s2 := newFakeSession("s2")
		s1.bans["u1"] = true
		s2.bans["u1"] = true

		e, store, _ := newTestEngine(s1, s2)
		e.snap.Bans["u1"] = true

		e.handleBanEvent(ctx, "s1", "u1", true)

		assert.Empty(t, s1.mutationCalls())
		assert.Empty(t, s2.mutationCalls())
		assert.Zero(t, store.writes)
	})

	t.Run("unban clears everywhere", func(t *testing.T) {
		s1 := newFakeSession("s1")
		s2 := newFakeSession("s2")
		s2.bans["u1"] = true

		e, _, _ := newTestEngine(s1, s2)
		e.snap.Bans["u1"] = true

		e.handleBanEvent(ctx, "s1", "u1", false)

		assert.False(t, e.bannedState("u1"))
		assert.False(t, s2.bans["u1"])
	})
}

func TestHandleMemberUpdate_Timeout(t *testing.T) {
	ctx := context.Background()

	t.Run("new timeout propagates to other servers", func(t *testing.T) {
		s1 := newFakeSession("s1")
		s2 := newFakeSession("s2")
		s1.addMember("u1")
		s2.addMember("u1")

		until := time.Now().Add(15 * time.Minute)
		s1.member("u1").TimeoutUntil = &until

		e, _, _ := newTestEngine(s1, s2)

		e.handleMemberUpdate(ctx, gateway.MemberUpdateEvent{
			Server: "s1",
			User:   "u1",
			Old:    gateway.Member{UserID: "u1"},
			New:    gateway.Member{UserID: "u1", TimeoutUntil: &until},
		})

		m := s2.member("u1")
		require.NotNil(t, m.TimeoutUntil)
		assert.WithinDuration(t, until, *m.TimeoutUntil, 2*time.Second)
	})

	t.Run("guarded user is discarded", func(t *testing.T) {
		s1 := newFakeSession("s1")
		s2 := newFakeSession("s2")
		s1.addMember("u1")
		s2.addMember("u1")

		e, _, _ := newTestEngine(s1, s2)
		e.guard.Begin("u1")
		defer e.guard.End("u1")

		until := time.Now().Add(time.Hour)
		e.handleMemberUpdate(ctx, gateway.MemberUpdateEvent{
			Server: "s1",
			User:   "u1",
			New:    gateway.Member{UserID: "u1", TimeoutUntil: &until},
		})

		assert.Empty(t, s2.mutationCalls())
	})
}

func TestHandleMemberUpdate_Mute(t *testing.T) {
	ctx := context.Background()

	// Scenario: a user gets the muted role on s1 with no prior record, the
	// role spreads, then a moderator strips it on s2.
	t.Run("discovery then non-origin revert", func(t *testing.T) {
		s1 := newFakeSession("s1")
		s2 := newFakeSession("s2")
		s3 := newFakeSession("s3")
		roles := map[gateway.ServerID]*gateway.Role{}
		for _, s := range []*fakeSession{s1, s2, s3} {
			s.addMember("u1")
			roles[s.id] = s.seedRole("Muted")
		}
		s1.grantRole("u1", roles["s1"].ID)

		e, _, _ := newTestEngine(s1, s2, s3)

		// Discovery: s1 becomes origin, role propagates to s2 and s3
		e.handleMemberUpdate(ctx, gateway.MemberUpdateEvent{
			Server: "s1",
			User:   "u1",
			Old:    gateway.Member{UserID: "u1"},
			New:    gateway.Member{UserID: "u1", RoleIDs: []string{roles["s1"].ID}},
		})

		ms, ok := e.muteState("u1")
		require.True(t, ok)
		assert.Equal(t, MuteState{Muted: true, Origin: "s1"}, ms)
		assert.True(t, s2.hasRole("u1", roles["s2"].ID))
		assert.True(t, s3.hasRole("u1", roles["s3"].ID))

		// Manual removal on non-origin s2: reverted in place
		s2.revokeRole("u1", roles["s2"].ID)
		e.handleMemberUpdate(ctx, gateway.MemberUpdateEvent{
			Server: "s2",
			User:   "u1",
			Old:    gateway.Member{UserID: "u1", RoleIDs: []string{roles["s2"].ID}},
			New:    gateway.Member{UserID: "u1"},
		})

		assert.True(t, s2.hasRole("u1", roles["s2"].ID), "non-origin removal must be reverted")
		ms, _ = e.muteState("u1")
		assert.Equal(t, gateway.ServerID("s1"), ms.Origin, "origin must not change")
		assert.True(t, ms.Muted, "canonical value must not change")

		// s3 saw only the engine's own writes
		assert.Equal(t, []string{"addRole:u1"}, s3.mutationCalls())
	})

	t.Run("origin removal propagates unmute", func(t *testing.T) {
		s1 := newFakeSession("s1")
		s2 := newFakeSession("s2")
		roles := map[gateway.ServerID]*gateway.Role{}
		for _, s := range []*fakeSession{s1, s2} {
			s.addMember("u1")
			roles[s.id] = s.seedRole("Muted")
		}
		s2.grantRole("u1", roles["s2"].ID)

		e, _, _ := newTestEngine(s1, s2)
		e.snap.Mutes["u1"] = MuteState{Muted: true, Origin: "s1"}

		e.handleMemberUpdate(ctx, gateway.MemberUpdateEvent{
			Server: "s1",
			User:   "u1",
			Old:    gateway.Member{UserID: "u1", RoleIDs: []string{roles["s1"].ID}},
			New:    gateway.Member{UserID: "u1"},
		})

		ms, _ := e.muteState("u1")
		assert.False(t, ms.Muted)
		assert.False(t, s2.hasRole("u1", roles["s2"].ID))
	})

	t.Run("unrelated role change is ignored", func(t *testing.T) {
		s1 := newFakeSession("s1")
		s2 := newFakeSession("s2")
		s1.addMember("u1")
		s2.addMember("u1")
		s1.seedRole("Muted")
		s2.seedRole("Muted")

		e, store, _ := newTestEngine(s1, s2)

		e.handleMemberUpdate(ctx, gateway.MemberUpdateEvent{
			Server: "s1",
			User:   "u1",
			Old:    gateway.Member{UserID: "u1"},
			New:    gateway.Member{UserID: "u1", RoleIDs: []string{"some-other-role"}},
		})

		assert.Empty(t, s2.mutationCalls())
		assert.Zero(t, store.writes)
	})
}

// A role mutation performed by the mute replicator itself must never trigger
// a second application: the echo arrives while the user is still owned and
// is discarded, bounding propagation to exactly one guarded pass.
func TestMuteLoopSuppression(t *testing.T) {
	ctx := context.Background()

	s1 := newFakeSession("s1")
	s2 := newFakeSession("s2")
	roles := map[gateway.ServerID]*gateway.Role{}
	for _, s := range []*fakeSession{s1, s2} {
		s.addMember("u1")
		roles[s.id] = s.seedRole("Muted")
	}
	s1.grantRole("u1", roles["s1"].ID)

	e, _, _ := newTestEngine(s1, s2)

	// echoes collects the member updates the engine's own writes would
	// generate; they are replayed against the engine mid-sweep.
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.handleMemberUpdate(ctx, gateway.MemberUpdateEvent{
			Server: "s1",
			User:   "u1",
			Old:    gateway.Member{UserID: "u1"},
			New:    gateway.Member{UserID: "u1", RoleIDs: []string{roles["s1"].ID}},
		})
	}()
	<-done

	// Replay the echo of the engine's write on s2 as if it raced in after
	// the guard cleared: canonical agreement makes it a no-op.
	before := len(s2.mutationCalls())
	e.handleMemberUpdate(ctx, gateway.MemberUpdateEvent{
		Server: "s2",
		User:   "u1",
		Old:    gateway.Member{UserID: "u1"},
		New:    gateway.Member{UserID: "u1", RoleIDs: []string{roles["s2"].ID}},
	})
	assert.Len(t, s2.mutationCalls(), before, "echo must not cause further mutations")

	// And an echo arriving while the user is owned is discarded outright.
	e.guard.Begin("u1")
	e.handleMemberUpdate(ctx, gateway.MemberUpdateEvent{
		Server: "s2",
		User:   "u1",
		Old:    gateway.Member{UserID: "u1", RoleIDs: []string{roles["s2"].ID}},
		New:    gateway.Member{UserID: "u1"},
	})
	e.guard.End("u1")
	assert.Len(t, s2.mutationCalls(), before)
}

func TestCatchUpServer(t *testing.T) {
	ctx := context.Background()

	s1 := newFakeSession("s1")
	sNew := newFakeSession("s9")
	sNew.addMember("u2")
	sNew.addMember("u3")
	sNew.seedRole("Muted")

	e, _, _ := newTestEngine(s1, sNew)
	until := time.Now().Add(time.Hour)
	e.snap.Bans["u1"] = true
	e.snap.Timeouts["u2"] = until
	e.snap.Mutes["u3"] = MuteState{Muted: true, Origin: "s1"}

	require.NoError(t, e.CatchUpServer(ctx, "s9"))

	assert.True(t, sNew.bans["u1"])
	m := sNew.member("u2")
	require.NotNil(t, m.TimeoutUntil)
	assert.WithinDuration(t, until, *m.TimeoutUntil, 2*time.Second)
	role, err := sNew.FindRoleByName(ctx, "Muted")
	require.NoError(t, err)
	assert.True(t, sNew.hasRole("u3", role.ID))

	// Other servers are not touched by a catch-up sweep
	assert.Empty(t, s1.mutationCalls())
}

func TestDispatchServerJoin(t *testing.T) {
	ctx := context.Background()

	s1 := newFakeSession("s1")
	e, _, _ := newTestEngine(s1)

	joined := newFakeSession("s2")
	e.SetSessionFactory(func(id gateway.ServerID) gateway.Session {
		require.Equal(t, gateway.ServerID("s2"), id)
		return joined
	})
	e.snap.Bans["u1"] = true

	e.handleServerJoin(ctx, "s2")

	assert.True(t, joined.bans["u1"])
	assert.Equal(t, 2, e.ServerCount())
}
