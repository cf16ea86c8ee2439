package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchorsync/anchorsync/internal/core/anchor"
	"github.com/anchorsync/anchorsync/internal/core/anchor/resolver"
	"github.com/anchorsync/anchorsync/internal/core/observability/log"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	return New("user-b", log.New(log.LevelError), opts...)
}

func testAnchor(id string) anchor.Anchor {
	return anchor.Anchor{
		ID:       id,
		Position: &anchor.Vector3{X: 1},
		Region:   "room_kitchen",
	}
}

func TestPublishAssignsSequentialVersions(t *testing.T) {
	s := newTestStore(t)

	for want := int64(1); want <= 3; want++ {
		result, err := s.Publish(testAnchor("a1"))
		require.NoError(t, err)
		assert.Equal(t, want, result.Version)
	}

	current, ok := s.Get("a1")
	require.True(t, ok)
	assert.Equal(t, int64(3), current.Version)
	assert.Len(t, s.History("a1"), 3)
}

func TestPublishValidation(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Publish(anchor.Anchor{Position: &anchor.Vector3{}})
	assert.ErrorIs(t, err, anchor.ErrMissingID)

	_, err = s.Publish(anchor.Anchor{ID: "a1"})
	assert.ErrorIs(t, err, anchor.ErrMissingPosition)

	// A rejected publish must not touch the store.
	_, ok := s.Get("a1")
	assert.False(t, ok)
	assert.Empty(t, s.History("a1"))
}

func TestPublishMarksUnsyncedWhenProbeFails(t *testing.T) {
	synced := false
	s := newTestStore(t, WithSyncProbe(func() bool { return synced }))

	_, err := s.Publish(testAnchor("a1"))
	require.NoError(t, err)
	current, _ := s.Get("a1")
	assert.True(t, current.Unsynced)

	synced = true
	_, err = s.Publish(testAnchor("a1"))
	require.NoError(t, err)
	current, _ = s.Get("a1")
	assert.False(t, current.Unsynced)
}

func TestIngestRemoteInstallsUnknownAnchor(t *testing.T) {
	s := newTestStore(t)

	remote := testAnchor("a1")
	remote.CreatorID = "user-a"
	remote.Version = 1
	remote.SyncedAt = time.UnixMilli(1700000000000)
	s.IngestRemote(remote)

	current, ok := s.Get("a1")
	require.True(t, ok)
	assert.Equal(t, "user-a", current.CreatorID)
	assert.Equal(t, uint64(0), s.Metrics().ConflictsResolved)
}

func TestIngestRemoteStaleUpdateLosesUnderLastWriteWins(t *testing.T) {
	// Client B holds version 1 with a later syncedAt; a remote update also at
	// version 1 but older must lose, and B's record must stand.
	now := time.UnixMilli(1700000005000)
	s := newTestStore(t, WithClock(func() time.Time { return now }))

	_, err := s.Publish(testAnchor("a1"))
	require.NoError(t, err)

	remote := anchor.Anchor{
		ID:        "a1",
		Position:  &anchor.Vector3{X: 42},
		CreatorID: "user-a",
		Region:    "room_kitchen",
		Version:   1,
		SyncedAt:  time.UnixMilli(1700000000000),
	}
	s.IngestRemote(remote)

	current, ok := s.Get("a1")
	require.True(t, ok)
	assert.Equal(t, "user-b", current.CreatorID, "own later record must win")
	assert.Equal(t, float64(1), current.Position.X)
	assert.Equal(t, uint64(1), s.Metrics().ConflictsResolved,
		"resolution must be counted even though the winner did not change")
}

func TestIngestRemoteNewerRemoteWins(t *testing.T) {
	earlier := time.UnixMilli(1700000000000)
	s := newTestStore(t, WithClock(func() time.Time { return earlier }))

	_, err := s.Publish(testAnchor("a1"))
	require.NoError(t, err)

	remote := anchor.Anchor{
		ID:        "a1",
		Position:  &anchor.Vector3{X: 42},
		CreatorID: "user-a",
		Region:    "room_kitchen",
		Version:   2,
		SyncedAt:  earlier.Add(time.Second),
	}
	s.IngestRemote(remote)

	current, _ := s.Get("a1")
	assert.Equal(t, "user-a", current.CreatorID)
	assert.Equal(t, float64(42), current.Position.X)
}

func TestIngestRemoteIdenticalRedeliveryIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	remote := testAnchor("a1")
	remote.CreatorID = "user-a"
	remote.Version = 1
	remote.SyncedAt = time.UnixMilli(1700000000000)

	s.IngestRemote(remote)
	s.IngestRemote(remote)

	assert.Equal(t, uint64(0), s.Metrics().ConflictsResolved)
	assert.Equal(t, uint64(2), s.Metrics().Ingested)
}

func TestCreatorWinsPolicyKeepsLocalRecord(t *testing.T) {
	s := newTestStore(t, WithPolicy(resolver.CreatorWins))

	_, err := s.Publish(testAnchor("a1"))
	require.NoError(t, err)

	remote := anchor.Anchor{
		ID:        "a1",
		Position:  &anchor.Vector3{X: 42},
		CreatorID: "user-a",
		Region:    "room_kitchen",
		Version:   7,
		SyncedAt:  time.Now().Add(time.Hour),
	}
	s.IngestRemote(remote)

	current, _ := s.Get("a1")
	assert.Equal(t, "user-b", current.CreatorID)
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Publish(testAnchor("a1"))
	require.NoError(t, err)

	s.Delete("a1")
	s.Delete("a1") // second delete is a silent no-op

	_, ok := s.Get("a1")
	assert.False(t, ok)
	assert.Empty(t, s.History("a1"))
	assert.Equal(t, uint64(1), s.Metrics().Deleted)
}

func TestListByRegion(t *testing.T) {
	s := newTestStore(t)

	kitchen := testAnchor("a1")
	lobby := testAnchor("a2")
	lobby.Region = "room_lobby"

	_, err := s.Publish(kitchen)
	require.NoError(t, err)
	_, err = s.Publish(lobby)
	require.NoError(t, err)

	anchors := s.ListByRegion("room_kitchen")
	require.Len(t, anchors, 1)
	assert.Equal(t, "a1", anchors[0].ID)
	assert.Empty(t, s.ListByRegion("room_garage"))
}

func TestGetReturnsClone(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Publish(testAnchor("a1"))
	require.NoError(t, err)

	first, _ := s.Get("a1")
	first.Position.X = 99

	second, _ := s.Get("a1")
	assert.Equal(t, float64(1), second.Position.X)
}

func TestDisposeClearsEverything(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Publish(testAnchor("a1"))
	require.NoError(t, err)

	s.Dispose()

	_, ok := s.Get("a1")
	assert.False(t, ok)
	assert.Empty(t, s.History("a1"))
}
