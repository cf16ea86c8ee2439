package resolver

import (
	"testing"
	"time"

	"github.com/anchorsync/anchorsync/internal/core/anchor"
)

func record(creator string, version int64, syncedAt time.Time) anchor.Anchor {
	return anchor.Anchor{
		ID:        "a1",
		Position:  &anchor.Vector3{X: float64(version)},
		CreatorID: creator,
		Region:    "room_kitchen",
		Version:   version,
		SyncedAt:  syncedAt,
	}
}

func TestResolvePolicies(t *testing.T) {
	base := time.UnixMilli(1700000000000)
	earlier := record("user-a", 5, base)
	later := record("user-b", 2, base.Add(time.Second))

	tests := []struct {
		name    string
		a, b    anchor.Anchor
		policy  Policy
		localID string
		winner  string
	}{
		{
			name:   "last-write-wins picks later timestamp",
			a:      earlier,
			b:      later,
			policy: LastWriteWins,
			winner: "user-b",
		},
		{
			name:   "last-write-wins tie breaks on version",
			a:      record("user-a", 3, base),
			b:      record("user-b", 2, base),
			policy: LastWriteWins,
			winner: "user-a",
		},
		{
			name:   "higher-version picks greater version",
			a:      earlier,
			b:      later,
			policy: HigherVersion,
			winner: "user-a",
		},
		{
			name:   "higher-version tie falls back to timestamp",
			a:      record("user-a", 2, base),
			b:      record("user-b", 2, base.Add(time.Second)),
			policy: HigherVersion,
			winner: "user-b",
		},
		{
			name:    "creator-wins prefers local creator",
			a:       earlier,
			b:       later,
			policy:  CreatorWins,
			localID: "user-a",
			winner:  "user-a",
		},
		{
			name:    "creator-wins falls back when neither side is local",
			a:       earlier,
			b:       later,
			policy:  CreatorWins,
			localID: "user-z",
			winner:  "user-b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			winner := Resolve(tt.a, tt.b, tt.policy, tt.localID)
			if winner.CreatorID != tt.winner {
				t.Fatalf("expected %s to win, got %s", tt.winner, winner.CreatorID)
			}
		})
	}
}

func TestResolveDeterministic(t *testing.T) {
	base := time.UnixMilli(1700000000000)
	a := record("user-a", 1, base)
	b := record("user-b", 1, base.Add(time.Millisecond))

	for _, policy := range []Policy{LastWriteWins, HigherVersion, CreatorWins} {
		first := Resolve(a, b, policy, "user-a")
		second := Resolve(a, b, policy, "user-a")
		if first.CreatorID != second.CreatorID {
			t.Errorf("policy %s not deterministic: %s vs %s", policy, first.CreatorID, second.CreatorID)
		}
	}
}

func TestResolveSymmetric(t *testing.T) {
	base := time.UnixMilli(1700000000000)
	pairs := []struct {
		a, b anchor.Anchor
	}{
		{record("user-a", 5, base), record("user-b", 2, base.Add(time.Second))},
		{record("user-a", 2, base), record("user-b", 2, base)},
		{record("user-a", 1, base), record("user-b", 1, base)},
	}

	for _, pair := range pairs {
		for _, policy := range []Policy{LastWriteWins, HigherVersion, CreatorWins} {
			forward := Resolve(pair.a, pair.b, policy, "user-a")
			backward := Resolve(pair.b, pair.a, policy, "user-a")
			if forward.CreatorID != backward.CreatorID || forward.Version != backward.Version {
				t.Errorf("policy %s depends on argument order: %+v vs %+v",
					policy, forward, backward)
			}
		}
	}
}
