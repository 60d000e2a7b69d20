package presence

import (
	"testing"

	"github.com/fentz26/cineflow/internal/models"
	"github.com/fentz26/cineflow/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(id string) *models.PresenceEntry {
	return &models.PresenceEntry{UserID: id, DisplayName: id, Color: "#fff"}
}

func TestRegistryLastWriterWins(t *testing.T) {
	r := NewRegistry()

	eff := r.Merge(Update{States: []State{{UserID: "u1", Version: 2, Entry: entry("u1")}}})
	assert.Len(t, eff.States, 1)

	stale := entry("u1")
	stale.DisplayName = "stale"
	eff = r.Merge(Update{States: []State{{UserID: "u1", Version: 1, Entry: stale}}})
	assert.True(t, eff.Empty())

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "u1", snap[0].DisplayName)
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()
	r.Merge(Update{States: []State{
		{UserID: "u1", Version: 1, Entry: entry("u1")},
		{UserID: "u2", Version: 1, Entry: entry("u2")},
	}})

	var calls int
	r.Subscribe(func([]models.PresenceEntry) { calls++ })

	removal := r.Remove([]string{"u1", "ghost"})
	require.Len(t, removal.States, 1)
	assert.Nil(t, removal.States[0].Entry)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, r.Len())

	// a peer registry applying the broadcast removal drops the user too
	peer := NewRegistry()
	peer.Merge(Update{States: []State{{UserID: "u1", Version: 1, Entry: entry("u1")}}})
	peer.Merge(removal)
	assert.Equal(t, 0, peer.Len())
}

func TestChannelPublishSendsFrame(t *testing.T) {
	var sent [][]byte
	c := NewChannel("me", "Me", func(frame []byte) error {
		sent = append(sent, frame)
		return nil
	})
	assert.Contains(t, Palette, c.Local().Color)

	require.NoError(t, c.Publish(FieldCursor, models.Point{X: 1, Y: 2}))
	require.NoError(t, c.Publish(FieldSelectedNodeID, "n1"))
	require.Len(t, sent, 2)

	f, err := protocol.Decode(sent[1])
	require.NoError(t, err)
	require.Equal(t, protocol.MessagePresence, f.Type)
	u, err := DecodeUpdate(f.Presence)
	require.NoError(t, err)
	require.Len(t, u.States, 1)
	assert.Equal(t, uint64(2), u.States[0].Version)
	require.NotNil(t, u.States[0].Entry.Cursor)
	assert.Equal(t, 2.0, u.States[0].Entry.Cursor.Y)
	assert.Equal(t, "n1", *u.States[0].Entry.SelectedNodeID)
}

func TestChannelPublishRejectsBadInput(t *testing.T) {
	c := NewChannel("me", "Me", nil)
	assert.ErrorIs(t, c.Publish("zoom", 1), ErrUnknownField)
	assert.ErrorIs(t, c.Publish(FieldCursor, "here"), ErrInvalidValue)
	assert.ErrorIs(t, c.Publish(FieldColor, 3), ErrInvalidValue)
	require.NoError(t, c.Publish(FieldCursor, nil))
	assert.Nil(t, c.Local().Cursor)
}

func TestChannelSubscribeExcludesSelf(t *testing.T) {
	c := NewChannel("me", "Me", nil)
	var got []models.PresenceEntry
	c.Subscribe(func(peers []models.PresenceEntry) { got = peers })

	body, err := EncodeUpdate(Update{States: []State{
		{UserID: "me", Version: 9, Entry: entry("me")},
		{UserID: "other", Version: 1, Entry: entry("other")},
	}})
	require.NoError(t, err)
	require.NoError(t, c.HandleUpdate(body))

	require.Len(t, got, 1)
	assert.Equal(t, "other", got[0].UserID)

	c.Reset()
	assert.Empty(t, got)
}

func TestDecodeUpdateRejectsMismatch(t *testing.T) {
	body, err := EncodeUpdate(Update{States: []State{{UserID: "a", Version: 1, Entry: entry("b")}}})
	require.NoError(t, err)
	_, err = DecodeUpdate(body)
	assert.ErrorIs(t, err, ErrMalformedUpdate)

	_, err = DecodeUpdate([]byte{0xc1})
	assert.ErrorIs(t, err, ErrMalformedUpdate)
}
