// Package anchor defines the unit of shared spatial state and its validation
// rules. An anchor is a uniquely identified, versioned record of position,
// orientation, scale and ownership that is synchronized across clients.
package anchor

import (
	"errors"
	"time"
)

// Validation errors
var (
	ErrValidation      = errors.New("anchor validation failed")
	ErrMissingID       = errors.New("anchor id is required")
	ErrMissingPosition = errors.New("anchor position is required")
)

// Vector3 is a 3-component spatial vector.
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Quaternion is a 4-component rotation.
type Quaternion struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// Identity returns the identity rotation.
func Identity() Quaternion {
	return Quaternion{W: 1}
}

// Anchor is a piece of shared spatial state. Position, Rotation and Scale are
// pointers so that presence can be distinguished from the zero vector both on
// publish validation and on wire decoding.
type Anchor struct {
	ID        string      `json:"id"`
	Position  *Vector3    `json:"position"`
	Rotation  *Quaternion `json:"rotation,omitempty"`
	Scale     *Vector3    `json:"scale,omitempty"`
	CreatorID string      `json:"creatorId"`
	Region    string      `json:"region"`
	Version   int64       `json:"version"`
	SyncedAt  time.Time   `json:"syncedAt"`

	// Unsynced marks a record that was committed locally while the transport
	// was not registered. It is cleared once a later commit goes out on the
	// wire.
	Unsynced bool `json:"unsynced,omitempty"`
}

// Validate checks the fields a publish call requires. ID and Position must be
// present; everything else has workable defaults.
func (a *Anchor) Validate() error {
	if a.ID == "" {
		return ErrMissingID
	}
	if a.Position == nil {
		return ErrMissingPosition
	}
	return nil
}

// Clone returns a deep copy. Stores hand out clones so callers can't mutate
// committed records behind the store's back.
func (a Anchor) Clone() Anchor {
	c := a
	if a.Position != nil {
		p := *a.Position
		c.Position = &p
	}
	if a.Rotation != nil {
		r := *a.Rotation
		c.Rotation = &r
	}
	if a.Scale != nil {
		s := *a.Scale
		c.Scale = &s
	}
	return c
}
