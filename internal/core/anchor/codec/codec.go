// Package codec implements the compact, lossy wire form of an anchor.
// Vector components are rounded to a fixed decimal precision and field names
// are shortened, trading exact reproduction for bandwidth. Decoding keeps the
// rounded values as-is, so decode(encode(a)) equals a only within the
// rounding tolerance.
package codec

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/anchorsync/anchorsync/internal/core/anchor"
)

// ErrMalformedPayload is returned when a compact record is missing required
// fields. Malformed wire data must never reach a store.
var ErrMalformedPayload = errors.New("malformed anchor payload")

// Rounding precision, in decimal places.
const (
	positionPrecision = 2
	scalePrecision    = 2
	rotationPrecision = 3
)

type compactVec struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type compactQuat struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// Compact is the wire form of an anchor. Keys are single characters.
type Compact struct {
	I string       `json:"i"`
	P *compactVec  `json:"p"`
	R *compactQuat `json:"r,omitempty"`
	S *compactVec  `json:"s,omitempty"`
	C string       `json:"c"`
	G string       `json:"g"`
	V int64        `json:"v"`
	T int64        `json:"t"`
}

// Encode produces the compact form of an anchor with rounded components.
func Encode(a anchor.Anchor) (Compact, error) {
	if a.ID == "" || a.Position == nil {
		return Compact{}, errors.Wrap(ErrMalformedPayload, "missing id or position")
	}

	c := Compact{
		I: a.ID,
		P: roundVec(*a.Position, positionPrecision),
		C: a.CreatorID,
		G: a.Region,
		V: a.Version,
		T: a.SyncedAt.UnixMilli(),
	}
	if a.Rotation != nil {
		c.R = roundQuat(*a.Rotation, rotationPrecision)
	}
	if a.Scale != nil {
		c.S = roundVec(*a.Scale, scalePrecision)
	}
	return c, nil
}

// Decode reverses the field renaming. Rounded values are kept as-is.
func Decode(c Compact) (anchor.Anchor, error) {
	if c.I == "" || c.P == nil {
		return anchor.Anchor{}, errors.Wrap(ErrMalformedPayload, "missing id or position")
	}

	a := anchor.Anchor{
		ID:        c.I,
		Position:  &anchor.Vector3{X: c.P.X, Y: c.P.Y, Z: c.P.Z},
		CreatorID: c.C,
		Region:    c.G,
		Version:   c.V,
		SyncedAt:  time.UnixMilli(c.T),
	}
	if c.R != nil {
		a.Rotation = &anchor.Quaternion{X: c.R.X, Y: c.R.Y, Z: c.R.Z, W: c.R.W}
	}
	if c.S != nil {
		a.Scale = &anchor.Vector3{X: c.S.X, Y: c.S.Y, Z: c.S.Z}
	}
	return a, nil
}

// EncodeBytes encodes an anchor straight to its JSON wire bytes.
func EncodeBytes(a anchor.Anchor) ([]byte, error) {
	c, err := Encode(a)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal compact anchor")
	}
	return data, nil
}

// DecodeBytes decodes JSON wire bytes into an anchor.
func DecodeBytes(data []byte) (anchor.Anchor, error) {
	var c Compact
	if err := json.Unmarshal(data, &c); err != nil {
		return anchor.Anchor{}, errors.Wrap(ErrMalformedPayload, err.Error())
	}
	return Decode(c)
}

func roundVec(v anchor.Vector3, places int) *compactVec {
	return &compactVec{
		X: round(v.X, places),
		Y: round(v.Y, places),
		Z: round(v.Z, places),
	}
}

func roundQuat(q anchor.Quaternion, places int) *compactQuat {
	return &compactQuat{
		X: round(q.X, places),
		Y: round(q.Y, places),
		Z: round(q.Z, places),
		W: round(q.W, places),
	}
}
