// Package protocol defines the JSON message envelope exchanged between a
// client and the relay. Every message carries a type tag plus a type-specific
// payload; decoding always goes through the typed dispatcher so a new message
// type cannot silently fall through a default branch.
package protocol

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/anchorsync/anchorsync/internal/core/anchor/codec"
)

// MessageType tags the envelope.
type MessageType string

const (
	TypeRegister        MessageType = "register"
	TypeAnchorSync      MessageType = "anchor_sync"
	TypeAnchorUpdate    MessageType = "anchor_update"
	TypeAnchorDelete    MessageType = "anchor_delete"
	TypeFetchAnchors    MessageType = "fetch_anchors"
	TypeAnchorsResponse MessageType = "anchors_response"
	TypePollUpdates     MessageType = "poll_updates"
	TypeConflict        MessageType = "conflict_detected"
	TypeSyncAck         MessageType = "sync_ack"
)

// Protocol errors
var (
	ErrUnknownType   = errors.New("unknown message type")
	ErrInvalidFrame  = errors.New("invalid message frame")
	ErrMissingType   = errors.New("message type missing")
	ErrEmptyEnvelope = errors.New("empty message envelope")
)

// Register announces a client session to the relay.
type Register struct {
	Type      MessageType `json:"type"`
	UserID    string      `json:"userId"`
	SessionID string      `json:"sessionId"`
	Region    string      `json:"region"`
	Timestamp int64       `json:"timestamp"`
}

// AnchorSync carries a locally committed anchor to the relay.
type AnchorSync struct {
	Type       MessageType   `json:"type"`
	Anchor     codec.Compact `json:"anchor"`
	UserID     string        `json:"userId"`
	Region     string        `json:"region"`
	Compressed bool          `json:"compressed"`
}

// AnchorUpdate fans a remote anchor out to room members.
type AnchorUpdate struct {
	Type       MessageType   `json:"type"`
	Anchor     codec.Compact `json:"anchor"`
	Compressed bool          `json:"compressed"`
}

// AnchorDelete removes an anchor from the relay cache and peers.
type AnchorDelete struct {
	Type     MessageType `json:"type"`
	AnchorID string      `json:"anchorId"`
	UserID   string      `json:"userId"`
	Region   string      `json:"region"`
}

// FetchAnchors requests the relay's current anchors for a region.
type FetchAnchors struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"requestId"`
	Region    string      `json:"region"`
	UserID    string      `json:"userId"`
}

// AnchorsResponse answers a FetchAnchors request.
type AnchorsResponse struct {
	Type       MessageType     `json:"type"`
	RequestID  string          `json:"requestId"`
	Anchors    []codec.Compact `json:"anchors"`
	Compressed bool            `json:"compressed"`
}

// PollUpdates asks the relay for anchors newer than LastUpdate.
type PollUpdates struct {
	Type       MessageType `json:"type"`
	Region     string      `json:"region"`
	UserID     string      `json:"userId"`
	LastUpdate int64       `json:"lastUpdate"`
}

// Conflict reports that the relay observed two writers on one anchor id.
type Conflict struct {
	Type         MessageType   `json:"type"`
	LocalAnchor  codec.Compact `json:"localAnchor"`
	RemoteAnchor codec.Compact `json:"remoteAnchor"`
}

// SyncAck is an empty diagnostic acknowledgment.
type SyncAck struct {
	Type MessageType `json:"type"`
}

// Marshal serializes any envelope struct to its wire bytes.
func Marshal(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal message")
	}
	return data, nil
}

// PeekType reads only the type tag from a raw frame.
func PeekType(data []byte) (MessageType, error) {
	if len(data) == 0 {
		return "", ErrEmptyEnvelope
	}
	var envelope struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", errors.Wrap(ErrInvalidFrame, err.Error())
	}
	if envelope.Type == "" {
		return "", ErrMissingType
	}
	return envelope.Type, nil
}
