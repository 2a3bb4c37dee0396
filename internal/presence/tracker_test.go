package presence

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benmeehan/presence-hub/internal/clock"
	"github.com/benmeehan/presence-hub/internal/constants"
	"github.com/benmeehan/presence-hub/internal/events"
	"github.com/benmeehan/presence-hub/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T) (*Tracker, *clock.ManualClock, *events.Recorder) {
	t.Helper()
	mc := clock.NewManualClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	rec := &events.Recorder{}
	tr := NewTracker(NewRegistry(), mc, Config{}, rec, nil, zerolog.Nop())
	return tr, mc, rec
}

func TestJoin(t *testing.T) {
	tr, mc, rec := newTestTracker(t)

	id, err := tr.Join("document:42", "alice", json.RawMessage(`{"name":"Alice"}`), json.RawMessage(`{"ua":"firefox"}`))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	roster := tr.Registry().ListSessions("document:42")
	require.Len(t, roster, 1)
	s := roster[0]
	assert.Equal(t, id, s.ID)
	assert.Equal(t, "alice", s.UserID)
	assert.Equal(t, constants.StatusOnline, s.Status)
	assert.Equal(t, mc.Now(), s.LastHeartbeat)
	assert.JSONEq(t, `{"name":"Alice"}`, string(s.PresenceData))

	joined := rec.OfType(constants.EventSessionJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, "document:42", joined[0].Channel)
	assert.Equal(t, id, joined[0].SessionID)
}

func TestJoin_Validation(t *testing.T) {
	tr, _, rec := newTestTracker(t)

	_, err := tr.Join("", "alice", nil, nil)
	assert.ErrorIs(t, err, models.ErrInvalidChannelName)

	_, err = tr.Join("  ", "alice", nil, nil)
	assert.ErrorIs(t, err, models.ErrInvalidChannelName)

	_, err = tr.Join("document:1", "", nil, nil)
	assert.ErrorIs(t, err, models.ErrInvalidUserID)

	assert.Equal(t, 0, tr.Registry().ChannelCount())
	assert.Empty(t, rec.Events())
}

func TestRosterScenario(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	reg := tr.Registry()

	a, err := tr.Join("document:42", "alice", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, reg.SessionCount("document:42"))

	b, err := tr.Join("document:42", "bob", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, reg.SessionCount("document:42"))

	roster := reg.ListSessions("document:42")
	require.Len(t, roster, 2)
	assert.Equal(t, a, roster[0].ID)
	assert.Equal(t, b, roster[1].ID)
	assert.Equal(t, 1, reg.ChannelCount())
	assert.Equal(t, []string{"document:42"}, reg.Channels())
}

func TestHeartbeatKeepsSessionListed(t *testing.T) {
	tr, mc, _ := newTestTracker(t)
	id, err := tr.Join("typing:c1", "alice", nil, nil)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		now := mc.Advance(29 * time.Second)
		require.NoError(t, tr.Heartbeat(id))
		assert.Empty(t, tr.ReapExpired(now))
		assert.Len(t, tr.Registry().ListSessions("typing:c1"), 1)
	}
}

func TestExpiredSessionIsReaped(t *testing.T) {
	tr, mc, rec := newTestTracker(t)
	reg := tr.Registry()
	id, err := tr.Join("document:7", "alice", nil, nil)
	require.NoError(t, err)

	now := mc.Advance(constants.DefaultSessionTTL)
	assert.Equal(t, []string{id}, tr.ReapExpired(now))

	assert.Empty(t, reg.ListSessions("document:7"))
	assert.Equal(t, 0, reg.SessionCount("document:7"))
	assert.Equal(t, 0, reg.ChannelCount())
	assert.ErrorIs(t, tr.Heartbeat(id), models.ErrSessionNotFound)

	left := rec.OfType(constants.EventSessionLeft)
	require.Len(t, left, 1)
	assert.Equal(t, constants.ReasonExpired, left[0].Reason)
	assert.Equal(t, constants.StatusOffline, left[0].Status)
}

func TestHeartbeatOnExpiredButUnreapedSession(t *testing.T) {
	tr, mc, rec := newTestTracker(t)
	id, err := tr.Join("document:7", "alice", nil, nil)
	require.NoError(t, err)

	mc.Advance(31 * time.Second)
	assert.ErrorIs(t, tr.Heartbeat(id), models.ErrSessionNotFound)
	assert.False(t, tr.IsLive(id))
	assert.Equal(t, 0, tr.Registry().ChannelCount())
	assert.Len(t, rec.OfType(constants.EventSessionLeft), 1)

	// Nothing left for the reaper to emit.
	assert.Empty(t, tr.ReapExpired(mc.Now()))
	assert.Len(t, rec.OfType(constants.EventSessionLeft), 1)
}

func TestIdleTransitions(t *testing.T) {
	tr, mc, rec := newTestTracker(t)
	id, err := tr.Join("document:1", "alice", nil, nil)
	require.NoError(t, err)

	require.NoError(t, tr.SetIdle(id))
	s, ok := tr.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, constants.StatusIdle, s.Status)
	assert.Equal(t, mc.Now(), s.LastHeartbeat)

	mc.Advance(time.Second)
	require.NoError(t, tr.Heartbeat(id))
	s, _ = tr.Lookup(id)
	assert.Equal(t, constants.StatusOnline, s.Status)

	changes := rec.OfType(constants.EventSessionStatusChanged)
	require.Len(t, changes, 2)
	assert.Equal(t, constants.ReasonIdle, changes[0].Reason)
	assert.Equal(t, constants.ReasonActive, changes[1].Reason)

	assert.ErrorIs(t, tr.SetIdle("missing"), models.ErrSessionNotFound)
}

func TestMarkIdle(t *testing.T) {
	tr, mc, _ := newTestTracker(t)
	quiet, err := tr.Join("document:1", "alice", nil, nil)
	require.NoError(t, err)
	busy, err := tr.Join("document:1", "bob", nil, nil)
	require.NoError(t, err)

	mc.Advance(15 * time.Second)
	require.NoError(t, tr.Heartbeat(busy))

	now := mc.Advance(constants.DefaultIdleThreshold - 15*time.Second)
	assert.Equal(t, []string{quiet}, tr.MarkIdle(now))
	assert.Empty(t, tr.MarkIdle(now))

	s, _ := tr.Lookup(quiet)
	assert.Equal(t, constants.StatusIdle, s.Status)
	s, _ = tr.Lookup(busy)
	assert.Equal(t, constants.StatusOnline, s.Status)
}

func TestUpdatePresence(t *testing.T) {
	tr, mc, rec := newTestTracker(t)
	id, err := tr.Join("document:1", "alice", json.RawMessage(`{"cursor":1}`), nil)
	require.NoError(t, err)
	require.NoError(t, tr.SetIdle(id))

	now := mc.Advance(10 * time.Second)
	require.NoError(t, tr.UpdatePresence(id, json.RawMessage(`{"cursor":9}`)))

	s, _ := tr.Lookup(id)
	assert.JSONEq(t, `{"cursor":9}`, string(s.PresenceData))
	assert.Equal(t, now, s.LastHeartbeat)
	assert.Equal(t, constants.StatusOnline, s.Status)

	changes := rec.OfType(constants.EventSessionStatusChanged)
	assert.Equal(t, constants.ReasonPresence, changes[len(changes)-1].Reason)
}

func TestLeaveIsIdempotent(t *testing.T) {
	tr, _, rec := newTestTracker(t)
	id, err := tr.Join("document:1", "alice", nil, nil)
	require.NoError(t, err)

	tr.Leave(id)
	tr.Leave(id)
	tr.Leave("never-existed")

	assert.Equal(t, 0, tr.Registry().ChannelCount())
	assert.Equal(t, 0, tr.Registry().TotalSessions())
	left := rec.OfType(constants.EventSessionLeft)
	require.Len(t, left, 1)
	assert.Equal(t, constants.ReasonLeave, left[0].Reason)
	assert.ErrorIs(t, tr.Heartbeat(id), models.ErrSessionNotFound)
}

func TestLiveSessionsForUser(t *testing.T) {
	tr, mc, _ := newTestTracker(t)
	stale, err := tr.Join("document:1", "alice", nil, nil)
	require.NoError(t, err)

	mc.Advance(20 * time.Second)
	fresh, err := tr.Join("typing:c9", "alice", nil, nil)
	require.NoError(t, err)
	_, err = tr.Join("document:1", "bob", nil, nil)
	require.NoError(t, err)

	assert.Len(t, tr.Registry().SessionsForUser("alice"), 2)

	mc.Advance(10 * time.Second)
	live := tr.LiveSessionsForUser("alice")
	require.Len(t, live, 1)
	assert.Equal(t, fresh, live[0].ID)
	assert.NotEqual(t, stale, live[0].ID)
	assert.Empty(t, tr.LiveSessionsForUser("nobody"))
}

func TestSnapshotsAreCopies(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	id, err := tr.Join("document:1", "alice", json.RawMessage(`{"a":1}`), nil)
	require.NoError(t, err)

	s, _ := tr.Lookup(id)
	s.PresenceData[2] = 'b'

	again, _ := tr.Lookup(id)
	assert.JSONEq(t, `{"a":1}`, string(again.PresenceData))
}

func TestConcurrentJoinLeaveLeavesNoPhantomChannels(t *testing.T) {
	tr, _, rec := newTestTracker(t)
	reg := tr.Registry()

	const workers = 32
	const perWorker = 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			channel := fmt.Sprintf("document:%d", w%4)
			for i := 0; i < perWorker; i++ {
				id, err := tr.Join(channel, fmt.Sprintf("user-%d", w), nil, nil)
				if !assert.NoError(t, err) {
					return
				}
				_ = tr.Heartbeat(id)
				_ = reg.ListSessions(channel)
				tr.Leave(id)
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 0, reg.ChannelCount())
	assert.Equal(t, 0, reg.TotalSessions())
	for i := 0; i < 4; i++ {
		assert.Empty(t, reg.ListSessions(fmt.Sprintf("document:%d", i)))
	}
	assert.Len(t, rec.OfType(constants.EventSessionLeft), workers*perWorker)
}

func TestConcurrentLeaveAndReapRemoveOnce(t *testing.T) {
	tr, mc, rec := newTestTracker(t)

	ids := make([]string, 100)
	for i := range ids {
		id, err := tr.Join("document:race", fmt.Sprintf("u%d", i), nil, nil)
		require.NoError(t, err)
		ids[i] = id
	}
	now := mc.Advance(time.Minute)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for _, id := range ids {
			tr.Leave(id)
		}
	}()
	go func() {
		defer wg.Done()
		tr.ReapExpired(now)
	}()
	wg.Wait()

	assert.Len(t, rec.OfType(constants.EventSessionLeft), len(ids))
	assert.Equal(t, 0, tr.Registry().ChannelCount())
}

func TestJoinEventReportsOnlineWhileSweeping(t *testing.T) {
	tr, mc, rec := newTestTracker(t)
	sweepAt := mc.Now().Add(constants.DefaultIdleThreshold)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				tr.MarkIdle(sweepAt)
			}
		}
	}()
	for i := 0; i < 200; i++ {
		_, err := tr.Join("document:sweep", fmt.Sprintf("u%d", i), nil, nil)
		require.NoError(t, err)
	}
	close(done)
	wg.Wait()

	joined := rec.OfType(constants.EventSessionJoined)
	require.Len(t, joined, 200)
	for _, ev := range joined {
		assert.Equal(t, constants.StatusOnline, ev.Status)
	}
}
