// Package mood keeps short-lived conversational context shared between
// the text side of the bot and live voice sessions: recent message
// snippets per channel, per-user sentiment markers, and a rolling
// voice-mood window used to decide whether the bot should try to
// de-escalate a heated conversation.
package mood

import (
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/diamondburned/arikawa/v3/discord"

	"github.com/harmonia-bot/harmonia/pkg/util"
)

const (
	// snippetMaxLen caps each text snippet handed to a voice session.
	snippetMaxLen = 100

	// voiceMoodWindow is how many recent voice utterances count toward
	// the aggregate mood of a channel.
	voiceMoodWindow = 8

	channelHistoryCap = 32
)

// Marker is a single sentiment observation attributed to a user.
type Marker struct {
	UserID    discord.UserID
	ChannelID discord.ChannelID
	Score     float64
	Text      string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the marker has outlived its TTL. The
// expirable LRU evicts lazily, so reads filter on this as well.
func (m Marker) Expired(now time.Time) bool {
	return now.After(m.ExpiresAt)
}

type channelHistory struct {
	mu       sync.Mutex
	snippets []snippet
}

type snippet struct {
	text string
	at   time.Time
}

// ContextMarker is a transient typed hint left for other
// decision-making components: a low-confidence classification with a
// topic and its own TTL, not a hard fact.
type ContextMarker struct {
	ChannelID  discord.ChannelID
	UserID     discord.UserID
	Type       string
	Topic      string
	Confidence float64
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the marker has outlived its TTL.
func (m ContextMarker) Expired(now time.Time) bool {
	return now.After(m.ExpiresAt)
}

// markerKey dedupes context markers: a newer marker of the same type in
// the same channel replaces the older one.
type markerKey struct {
	channelID  discord.ChannelID
	markerType string
}

// Store aggregates mood signal across channels and users.
type Store struct {
	ttl           time.Duration
	contextDepth  int
	contextMaxAge time.Duration

	markers        *expirable.LRU[discord.UserID, Marker]
	contextMarkers *expirable.LRU[markerKey, ContextMarker]

	mu        sync.Mutex
	histories *lru.Cache[discord.ChannelID, *channelHistory]
	voiceMood map[discord.ChannelID]*moodRing
}

// NewStore builds a Store. ttl bounds marker lifetime, capacity bounds
// the number of tracked users, contextDepth is how many snippets
// ContextFor returns.
func NewStore(ttl time.Duration, capacity, contextDepth int, contextMaxAge time.Duration) (*Store, error) {
	histories, err := lru.New[discord.ChannelID, *channelHistory](channelHistoryCap)
	if err != nil {
		return nil, err
	}

	return &Store{
		ttl:            ttl,
		contextDepth:   contextDepth,
		contextMaxAge:  contextMaxAge,
		markers:        expirable.NewLRU[discord.UserID, Marker](capacity, nil, ttl),
		contextMarkers: expirable.NewLRU[markerKey, ContextMarker](capacity, nil, ttl),
		histories:      histories,
		voiceMood:      make(map[discord.ChannelID]*moodRing),
	}, nil
}

// PushMarker stores a typed context marker for a channel. Markers of
// the same type replace each other; ttl is capped by the store TTL
// since the backing cache expires at that bound.
func (s *Store) PushMarker(channelID discord.ChannelID, userID discord.UserID, markerType, topic string, confidence float64, ttl time.Duration) {
	if markerType == "" {
		return
	}
	if ttl <= 0 || ttl > s.ttl {
		ttl = s.ttl
	}

	now := time.Now()
	s.contextMarkers.Add(markerKey{channelID: channelID, markerType: markerType}, ContextMarker{
		ChannelID:  channelID,
		UserID:     userID,
		Type:       markerType,
		Topic:      truncate(topic, snippetMaxLen),
		Confidence: confidence,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	})
}

// MarkersFor returns the live context markers for a channel, oldest
// first.
func (s *Store) MarkersFor(channelID discord.ChannelID) []ContextMarker {
	now := time.Now()

	var out []ContextMarker
	for _, m := range s.contextMarkers.Values() {
		if m.ChannelID != channelID || m.Expired(now) {
			continue
		}
		out = append(out, m)
	}

	return out
}

// ObserveText records a text message: a snippet for voice-session
// context plus a sentiment marker for its author.
func (s *Store) ObserveText(channelID discord.ChannelID, userID discord.UserID, content string) {
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}

	now := time.Now()
	s.recordSnippet(channelID, content, now)

	score := EstimateSentiment(content)
	s.markers.Add(userID, Marker{
		UserID:    userID,
		ChannelID: channelID,
		Score:     score,
		Text:      truncate(content, snippetMaxLen),
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	})
}

// ObserveVoice records a transcribed voice utterance from a session.
func (s *Store) ObserveVoice(channelID discord.ChannelID, userID discord.UserID, transcript string) {
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return
	}

	now := time.Now()
	score := EstimateSentiment(transcript)

	s.markers.Add(userID, Marker{
		UserID:    userID,
		ChannelID: channelID,
		Score:     score,
		Text:      truncate(transcript, snippetMaxLen),
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	})

	s.mu.Lock()
	ring, ok := s.voiceMood[channelID]
	if !ok {
		ring = newMoodRing(voiceMoodWindow)
		s.voiceMood[channelID] = ring
	}
	s.mu.Unlock()
	ring.push(score)
}

// ContextFor returns up to contextDepth recent text snippets for a
// channel, oldest first, skipping anything older than contextMaxAge.
func (s *Store) ContextFor(channelID discord.ChannelID) []string {
	hist, ok := s.histories.Get(channelID)
	if !ok {
		return nil
	}

	now := time.Now()
	hist.mu.Lock()
	defer hist.mu.Unlock()

	var out []string
	start := len(hist.snippets) - s.contextDepth
	if start < 0 {
		start = 0
	}
	for _, sn := range hist.snippets[start:] {
		if now.Sub(sn.at) > s.contextMaxAge {
			continue
		}
		out = append(out, sn.text)
	}
	return out
}

// userScore returns the current sentiment marker score for a user, or
// 0 with ok=false when no live marker exists.
func (s *Store) userScore(userID discord.UserID) (float64, bool) {
	m, ok := s.markers.Get(userID)
	if !ok || m.Expired(time.Now()) {
		return 0, false
	}
	return m.Score, true
}

// ChannelMood returns the mean sentiment of the recent voice window
// for a channel, or 0 with ok=false when nothing has been heard.
func (s *Store) ChannelMood(channelID discord.ChannelID) (float64, bool) {
	s.mu.Lock()
	ring, ok := s.voiceMood[channelID]
	s.mu.Unlock()
	if !ok {
		return 0, false
	}
	return ring.mean()
}

// ForgetChannel drops all channel-scoped state except context markers,
// which carry their own TTL and may inform a later session. Called
// when a voice session is destroyed so the next one starts fresh.
func (s *Store) ForgetChannel(channelID discord.ChannelID) {
	s.histories.Remove(channelID)
	s.mu.Lock()
	delete(s.voiceMood, channelID)
	s.mu.Unlock()
}

func (s *Store) recordSnippet(channelID discord.ChannelID, content string, now time.Time) {
	hist, ok := s.histories.Get(channelID)
	if !ok {
		hist = &channelHistory{}
		s.histories.Add(channelID, hist)
	}

	hist.mu.Lock()
	defer hist.mu.Unlock()
	hist.snippets = append(hist.snippets, snippet{text: truncate(content, snippetMaxLen), at: now})
	if len(hist.snippets) > channelHistoryCap {
		hist.snippets = hist.snippets[len(hist.snippets)-channelHistoryCap:]
	}
}

func truncate(sn string, limit int) string {
	return util.TruncateUTF8(sn, limit)
}

// moodRing is a fixed-size ring of recent sentiment scores.
type moodRing struct {
	mu     sync.Mutex
	scores []float64
	next   int
	filled bool
}

func newMoodRing(size int) *moodRing {
	return &moodRing{scores: make([]float64, size)}
}

func (r *moodRing) push(score float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scores[r.next] = score
	r.next++
	if r.next == len(r.scores) {
		r.next = 0
		r.filled = true
	}
}

func (r *moodRing) mean() (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.next
	if r.filled {
		n = len(r.scores)
	}
	if n == 0 {
		return 0, false
	}

	var sum float64
	for _, s := range r.scores[:n] {
		sum += s
	}
	return sum / float64(n), true
}
