// Package resolver decides the winner between two conflicting anchor records.
// Resolution is a pure function: timestamps are inputs, never sampled, so the
// same pair and policy always produce the same winner on every client.
package resolver

import "github.com/anchorsync/anchorsync/internal/core/anchor"

// Policy selects the conflict-resolution rule.
type Policy string

const (
	// LastWriteWins picks the record with the greater SyncedAt; ties go to
	// the greater version.
	LastWriteWins Policy = "last-write-wins"
	// HigherVersion picks the record with the greater version; ties fall
	// back to LastWriteWins.
	HigherVersion Policy = "higher-version"
	// CreatorWins picks the record authored by the resolving client, if
	// either is; otherwise falls back to LastWriteWins.
	CreatorWins Policy = "creator-wins"
)

// Resolve picks the winner between a and b under the given policy. localID is
// the resolving client's own id, consulted only by CreatorWins. The result is
// independent of argument order: every rule ends in a deterministic
// tie-break.
func Resolve(a, b anchor.Anchor, policy Policy, localID string) anchor.Anchor {
	switch policy {
	case HigherVersion:
		if a.Version != b.Version {
			if a.Version > b.Version {
				return a
			}
			return b
		}
		return lastWriteWins(a, b)
	case CreatorWins:
		aLocal := a.CreatorID == localID
		bLocal := b.CreatorID == localID
		if aLocal != bLocal {
			if aLocal {
				return a
			}
			return b
		}
		return lastWriteWins(a, b)
	default:
		return lastWriteWins(a, b)
	}
}

func lastWriteWins(a, b anchor.Anchor) anchor.Anchor {
	if !a.SyncedAt.Equal(b.SyncedAt) {
		if a.SyncedAt.After(b.SyncedAt) {
			return a
		}
		return b
	}
	if a.Version != b.Version {
		if a.Version > b.Version {
			return a
		}
		return b
	}
	// Full tie: break on creator id lexicographically so both sides of a
	// symmetric conflict converge on the same record.
	if a.CreatorID >= b.CreatorID {
		return a
	}
	return b
}
