package services

import (
	"testing"
	"time"

	"github.com/benmeehan/presence-hub/internal/clock"
	"github.com/benmeehan/presence-hub/internal/constants"
	"github.com/benmeehan/presence-hub/internal/documents"
	"github.com/benmeehan/presence-hub/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaper_ExpiresSessionsAndFreesTheirLocks(t *testing.T) {
	c := newCore(t)
	hb := clock.NewHeartbeatClock(c.clock, constants.DefaultReapInterval, zerolog.Nop())
	NewReaperService(hb, c.tracker, c.locks, c.dispatcher, zerolog.Nop())

	docID, err := c.realtime.CreateDocument(documents.CreateRequest{Name: "Notes"})
	require.NoError(t, err)
	channel := models.DocumentChannel(docID)
	alice, err := c.realtime.JoinChannel(channel, "alice", nil, nil)
	require.NoError(t, err)
	bob, err := c.realtime.JoinChannel(channel, "bob", nil, nil)
	require.NoError(t, err)
	_, err = c.realtime.AcquireLock(docID, alice)
	require.NoError(t, err)

	c.clock.Advance(constants.DefaultIdleThreshold)
	require.NoError(t, c.realtime.Heartbeat(bob))
	hb.Tick()

	roster := c.realtime.ListSessions(channel)
	require.Len(t, roster, 2)
	assert.Equal(t, constants.StatusIdle, roster[0].Status)
	assert.Equal(t, constants.StatusOnline, roster[1].Status)

	c.clock.Advance(constants.DefaultSessionTTL - constants.DefaultIdleThreshold)
	require.NoError(t, c.realtime.Heartbeat(bob))
	hb.Tick()

	roster = c.realtime.ListSessions(channel)
	require.Len(t, roster, 1)
	assert.Equal(t, bob, roster[0].ID)

	_, held := c.realtime.LockHolder(docID)
	assert.False(t, held)
	_, err = c.realtime.AcquireLock(docID, bob)
	assert.NoError(t, err)

	left := c.events.OfType(constants.EventSessionLeft)
	require.Len(t, left, 1)
	assert.Equal(t, constants.ReasonExpired, left[0].Reason)
	assert.Equal(t, constants.StatusOffline, left[0].Status)
}

func TestReaper_ReapResult(t *testing.T) {
	c := newCore(t)
	hb := clock.NewHeartbeatClock(c.clock, time.Second, zerolog.Nop())
	reaper := NewReaperService(hb, c.tracker, c.locks, c.dispatcher, zerolog.Nop())

	a, err := c.realtime.JoinChannel("typing:t", "alice", nil, nil)
	require.NoError(t, err)

	res := reaper.Reap(c.clock.Now())
	assert.Empty(t, res.Idled)
	assert.Empty(t, res.ExpiredSessions)

	res = reaper.Reap(c.clock.Advance(constants.DefaultSessionTTL))
	assert.Equal(t, []string{a}, res.ExpiredSessions)
	assert.Equal(t, 0, c.tracker.Registry().ChannelCount())
}

func TestReaper_OptionalCollaborators(t *testing.T) {
	c := newCore(t)
	hb := clock.NewHeartbeatClock(c.clock, time.Second, zerolog.Nop())
	reaper := NewReaperService(hb, c.tracker, nil, nil, zerolog.Nop())

	res := reaper.Reap(c.clock.Now())
	assert.Nil(t, res.FreedLocks)
	assert.Zero(t, res.PrunedDedupe)
}

func TestReaper_StartStop(t *testing.T) {
	c := newCore(t)
	hb := clock.NewHeartbeatClock(c.clock, 10*time.Millisecond, zerolog.Nop())
	reaper := NewReaperService(hb, c.tracker, c.locks, c.dispatcher, zerolog.Nop())

	require.NoError(t, reaper.Start())
	assert.EqualError(t, reaper.Start(), "heartbeat clock is already running")
	require.NoError(t, reaper.Stop())
	assert.EqualError(t, reaper.Stop(), "heartbeat clock is not running")
}
