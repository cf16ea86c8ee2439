package protocol

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Handler holds one callback per message type. Adding a message type means
// adding a field here and a case to Dispatch, so the compiler keeps the two
// in step. Nil callbacks mean the handler is not interested in that type.
type Handler struct {
	OnRegister        func(Register) error
	OnAnchorSync      func(AnchorSync) error
	OnAnchorUpdate    func(AnchorUpdate) error
	OnAnchorDelete    func(AnchorDelete) error
	OnFetchAnchors    func(FetchAnchors) error
	OnAnchorsResponse func(AnchorsResponse) error
	OnPollUpdates     func(PollUpdates) error
	OnConflict        func(Conflict) error
	OnSyncAck         func(SyncAck) error
}

// Dispatch decodes a raw frame and routes it to the matching callback.
// Unknown types return ErrUnknownType so the caller can drop and log them
// without crashing the handler loop.
func Dispatch(h Handler, data []byte) error {
	msgType, err := PeekType(data)
	if err != nil {
		return err
	}

	switch msgType {
	case TypeRegister:
		return decodeInto(data, h.OnRegister)
	case TypeAnchorSync:
		return decodeInto(data, h.OnAnchorSync)
	case TypeAnchorUpdate:
		return decodeInto(data, h.OnAnchorUpdate)
	case TypeAnchorDelete:
		return decodeInto(data, h.OnAnchorDelete)
	case TypeFetchAnchors:
		return decodeInto(data, h.OnFetchAnchors)
	case TypeAnchorsResponse:
		return decodeInto(data, h.OnAnchorsResponse)
	case TypePollUpdates:
		return decodeInto(data, h.OnPollUpdates)
	case TypeConflict:
		return decodeInto(data, h.OnConflict)
	case TypeSyncAck:
		return decodeInto(data, h.OnSyncAck)
	default:
		return errors.Wrapf(ErrUnknownType, "type %q", msgType)
	}
}

func decodeInto[T any](data []byte, callback func(T) error) error {
	if callback == nil {
		return nil
	}
	var msg T
	if err := json.Unmarshal(data, &msg); err != nil {
		return errors.Wrap(ErrInvalidFrame, err.Error())
	}
	return callback(msg)
}
