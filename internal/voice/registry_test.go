package voice

import (
	"testing"

	"github.com/diamondburned/arikawa/v3/discord"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryInsertRejectsDuplicate(t *testing.T) {
	r := NewSessionRegistry()
	ch := discord.ChannelID(1)

	first := &Orchestrator{}
	second := &Orchestrator{}

	require.NoError(t, r.Insert(ch, first))
	assert.ErrorIs(t, r.Insert(ch, second), ErrSessionAlreadyExists)
	assert.Equal(t, 1, r.Len())

	got, exists := r.Get(ch)
	require.True(t, exists)
	assert.Same(t, first, got)
}

func TestRegistryRemoveOnlyMatchingInstance(t *testing.T) {
	r := NewSessionRegistry()
	ch := discord.ChannelID(1)

	first := &Orchestrator{}
	require.NoError(t, r.Insert(ch, first))

	// A stale removal from a previous session must not evict the
	// current one.
	stale := &Orchestrator{}
	r.Remove(ch, stale)
	assert.Equal(t, 1, r.Len())

	r.Remove(ch, first)
	assert.Equal(t, 0, r.Len())

	// Removing again is a no-op.
	r.Remove(ch, first)
}

func TestRegistrySnapshot(t *testing.T) {
	r := NewSessionRegistry()

	assert.Empty(t, r.Snapshot())

	require.NoError(t, r.Insert(discord.ChannelID(1), &Orchestrator{}))
	require.NoError(t, r.Insert(discord.ChannelID(2), &Orchestrator{}))

	assert.Len(t, r.Snapshot(), 2)
	assert.Equal(t, 2, r.Len())
}
