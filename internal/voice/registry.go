package voice

import (
	"sync"

	"github.com/diamondburned/arikawa/v3/discord"
)

// SessionRegistry maps voice channels to their single active
// orchestrator. Insert is the only mutation that can create an entry,
// and it is an atomic check-and-insert.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[discord.ChannelID]*Orchestrator
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[discord.ChannelID]*Orchestrator),
	}
}

// Insert registers an orchestrator for a channel. Returns
// ErrSessionAlreadyExists when the channel already has one.
func (r *SessionRegistry) Insert(channelID discord.ChannelID, o *Orchestrator) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[channelID]; exists {
		return ErrSessionAlreadyExists
	}

	r.sessions[channelID] = o

	return nil
}

// Get returns the channel's orchestrator, if any.
func (r *SessionRegistry) Get(channelID discord.ChannelID) (*Orchestrator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, exists := r.sessions[channelID]

	return o, exists
}

// Remove drops the entry for a channel, but only if it still maps to
// the given orchestrator. A stale removal after a replacement session
// started is a no-op.
func (r *SessionRegistry) Remove(channelID discord.ChannelID, o *Orchestrator) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, exists := r.sessions[channelID]; exists && current == o {
		delete(r.sessions, channelID)
	}
}

// Len is the number of active sessions.
func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.sessions)
}

// Snapshot returns the current orchestrators.
func (r *SessionRegistry) Snapshot() []*Orchestrator {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Orchestrator, 0, len(r.sessions))
	for _, o := range r.sessions {
		out = append(out, o)
	}

	return out
}
