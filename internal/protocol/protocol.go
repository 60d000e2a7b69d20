// Package protocol frames the messages exchanged between the relay and its
// peers. Sync and presence traffic share one socket and are told apart by a
// leading message-type byte.
package protocol

import (
	"errors"
	"fmt"

	"github.com/fentz26/cineflow/internal/document"
)

// MessageType is the first byte of every frame.
type MessageType byte

const (
	MessageSync     MessageType = 0
	MessagePresence MessageType = 1
)

func (t MessageType) String() string {
	switch t {
	case MessageSync:
		return "sync"
	case MessagePresence:
		return "presence"
	}
	return fmt.Sprintf("type(%d)", byte(t))
}

// SyncKind is the second byte of a sync frame.
type SyncKind byte

const (
	// SyncStart carries the sender's full state and asks for the peer's.
	SyncStart SyncKind = 0
	// SyncState is the full-state answer to a SyncStart.
	SyncState SyncKind = 1
	// SyncUpdate carries an incremental delta.
	SyncUpdate SyncKind = 2
)

func (k SyncKind) String() string {
	switch k {
	case SyncStart:
		return "start"
	case SyncState:
		return "state"
	case SyncUpdate:
		return "update"
	}
	return fmt.Sprintf("kind(%d)", byte(k))
}

// ErrMalformedFrame is returned for frames that cannot be parsed.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is a parsed message.
type Frame struct {
	Type     MessageType
	Kind     SyncKind
	Delta    document.Delta
	Presence []byte
}

// EncodeSync frames a document delta.
func EncodeSync(kind SyncKind, d document.Delta) ([]byte, error) {
	body, err := document.Encode(d)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+2)
	out = append(out, byte(MessageSync), byte(kind))
	return append(out, body...), nil
}

// EncodePresence frames an already encoded presence update.
func EncodePresence(body []byte) []byte {
	out := make([]byte, 0, len(body)+1)
	out = append(out, byte(MessagePresence))
	return append(out, body...)
}

// Decode parses a frame. Presence bodies are returned raw so the presence
// package owns their format.
func Decode(b []byte) (Frame, error) {
	if len(b) == 0 {
		return Frame{}, fmt.Errorf("%w: empty", ErrMalformedFrame)
	}
	switch t := MessageType(b[0]); t {
	case MessageSync:
		if len(b) < 2 {
			return Frame{}, fmt.Errorf("%w: sync frame without kind", ErrMalformedFrame)
		}
		kind := SyncKind(b[1])
		if kind > SyncUpdate {
			return Frame{}, fmt.Errorf("%w: unknown sync %s", ErrMalformedFrame, kind)
		}
		d, err := document.Decode(b[2:])
		if err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return Frame{Type: t, Kind: kind, Delta: d}, nil
	case MessagePresence:
		if len(b) < 2 {
			return Frame{}, fmt.Errorf("%w: empty presence frame", ErrMalformedFrame)
		}
		return Frame{Type: t, Presence: b[1:]}, nil
	default:
		return Frame{}, fmt.Errorf("%w: unknown %s", ErrMalformedFrame, t)
	}
}
