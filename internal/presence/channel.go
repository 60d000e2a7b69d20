package presence

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/fentz26/cineflow/internal/models"
	"github.com/fentz26/cineflow/internal/protocol"
)

// Fields accepted by Channel.Publish.
const (
	FieldCursor         = "cursor"
	FieldSelectedNodeID = "selectedNodeId"
	FieldDisplayName    = "displayName"
	FieldColor          = "color"
)

var (
	// ErrUnknownField is returned by Publish for fields other than the ones above.
	ErrUnknownField = errors.New("unknown presence field")
	// ErrInvalidValue is returned by Publish when the value has the wrong type.
	ErrInvalidValue = errors.New("invalid presence value")
)

// Palette is the set of colours handed to local users.
var Palette = []string{
	"#6366f1", "#ec4899", "#f59e0b", "#10b981",
	"#3b82f6", "#ef4444", "#8b5cf6", "#14b8a6",
}

// RandomColor picks a colour from Palette.
func RandomColor() string {
	return Palette[rand.Intn(len(Palette))]
}

// Sender delivers an encoded frame to the relay. A nil Sender keeps the
// channel local, which is how a solo client behaves.
type Sender func(frame []byte) error

// Channel is the client side of presence: it owns the local user's entry and
// mirrors the entries of the room's other users.
type Channel struct {
	reg *Registry

	mu      sync.Mutex
	local   models.PresenceEntry
	version uint64
	send    Sender
}

// NewChannel creates a channel for the local user.
func NewChannel(userID, displayName string, send Sender) *Channel {
	return &Channel{
		reg: NewRegistry(),
		local: models.PresenceEntry{
			UserID:      userID,
			DisplayName: displayName,
			Color:       RandomColor(),
		},
		send: send,
	}
}

// SetSender swaps the frame sender, for example after a reconnect.
func (c *Channel) SetSender(send Sender) {
	c.mu.Lock()
	c.send = send
	c.mu.Unlock()
}

// Local returns a copy of the local user's entry.
func (c *Channel) Local() models.PresenceEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneEntry(c.local)
}

// Publish sets one field of the local entry and sends the new entry to the
// relay.
func (c *Channel) Publish(field string, value any) error {
	c.mu.Lock()
	next := cloneEntry(c.local)
	if err := setField(&next, field, value); err != nil {
		c.mu.Unlock()
		return err
	}
	c.local = next
	c.version++
	frame, err := c.frameLocked()
	send := c.send
	c.mu.Unlock()

	if err != nil || send == nil {
		return err
	}
	return send(frame)
}

// Announce resends the local entry. Used when a connection is (re)established.
func (c *Channel) Announce() error {
	c.mu.Lock()
	c.version++
	frame, err := c.frameLocked()
	send := c.send
	c.mu.Unlock()

	if err != nil || send == nil {
		return err
	}
	return send(frame)
}

func (c *Channel) frameLocked() ([]byte, error) {
	e := cloneEntry(c.local)
	body, err := EncodeUpdate(Update{States: []State{{UserID: e.UserID, Version: c.version, Entry: &e}}})
	if err != nil {
		return nil, err
	}
	return protocol.EncodePresence(body), nil
}

// HandleUpdate merges a presence body received from the relay. States about
// the local user are ignored.
func (c *Channel) HandleUpdate(body []byte) error {
	u, err := DecodeUpdate(body)
	if err != nil {
		return err
	}
	self := c.Local().UserID
	peers := u.States[:0]
	for _, s := range u.States {
		if s.UserID != self {
			peers = append(peers, s)
		}
	}
	c.reg.Merge(Update{States: peers})
	return nil
}

// Peers returns the entries of the other users in the room.
func (c *Channel) Peers() []models.PresenceEntry {
	return c.reg.Snapshot()
}

// Subscribe calls onChange with the other users' entries whenever one of
// them changes.
func (c *Channel) Subscribe(onChange func([]models.PresenceEntry)) func() {
	return c.reg.Subscribe(onChange)
}

// Reset forgets every peer, as when the connection to the relay drops.
func (c *Channel) Reset() {
	var ids []string
	for _, e := range c.reg.Snapshot() {
		ids = append(ids, e.UserID)
	}
	c.reg.Remove(ids)
}

func setField(e *models.PresenceEntry, field string, value any) error {
	switch field {
	case FieldCursor:
		switch v := value.(type) {
		case nil:
			e.Cursor = nil
		case models.Point:
			e.Cursor = &v
		case *models.Point:
			if v == nil {
				e.Cursor = nil
			} else {
				p := *v
				e.Cursor = &p
			}
		default:
			return fmt.Errorf("%w: %s wants a point, got %T", ErrInvalidValue, field, value)
		}
	case FieldSelectedNodeID:
		switch v := value.(type) {
		case nil:
			e.SelectedNodeID = nil
		case string:
			e.SelectedNodeID = &v
		case *string:
			if v == nil {
				e.SelectedNodeID = nil
			} else {
				s := *v
				e.SelectedNodeID = &s
			}
		default:
			return fmt.Errorf("%w: %s wants a string, got %T", ErrInvalidValue, field, value)
		}
	case FieldDisplayName, FieldColor:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("%w: %s wants a string, got %T", ErrInvalidValue, field, value)
		}
		if field == FieldColor {
			e.Color = s
		} else {
			e.DisplayName = s
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	return nil
}
