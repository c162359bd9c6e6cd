package mood

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diamondburned/arikawa/v3/discord"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(time.Minute, 16, 3, 5*time.Minute)
	require.NoError(t, err)
	return s
}

func TestEstimateSentiment(t *testing.T) {
	assert.Positive(t, EstimateSentiment("this is great, thanks!"))
	assert.Negative(t, EstimateSentiment("this is terrible and I hate it"))
	assert.Zero(t, EstimateSentiment("the meeting is at noon"))
	assert.Zero(t, EstimateSentiment(""))
}

func TestContextForReturnsRecentSnippets(t *testing.T) {
	s := newTestStore(t)
	ch := discord.ChannelID(100)
	user := discord.UserID(1)

	s.ObserveText(ch, user, "first")
	s.ObserveText(ch, user, "second")
	s.ObserveText(ch, user, "third")
	s.ObserveText(ch, user, "fourth")

	ctx := s.ContextFor(ch)
	require.Len(t, ctx, 3)
	assert.Equal(t, []string{"second", "third", "fourth"}, ctx)
}

func TestContextForTruncatesLongSnippets(t *testing.T) {
	s := newTestStore(t)
	ch := discord.ChannelID(100)

	long := strings.Repeat("a", 500)
	s.ObserveText(ch, discord.UserID(1), long)

	ctx := s.ContextFor(ch)
	require.Len(t, ctx, 1)
	assert.Len(t, ctx[0], snippetMaxLen)
}

func TestContextForUnknownChannel(t *testing.T) {
	s := newTestStore(t)
	assert.Empty(t, s.ContextFor(discord.ChannelID(999)))
}

func TestUserScoreTracksLatestMarker(t *testing.T) {
	s := newTestStore(t)
	user := discord.UserID(2)

	s.ObserveText(discord.ChannelID(100), user, "I hate this awful thing")
	score, ok := s.userScore(user)
	require.True(t, ok)
	assert.Negative(t, score)

	s.ObserveText(discord.ChannelID(100), user, "actually this is great, love it")
	score, ok = s.userScore(user)
	require.True(t, ok)
	assert.Positive(t, score)
}

func TestUserScoreUnknownUser(t *testing.T) {
	s := newTestStore(t)
	_, ok := s.userScore(discord.UserID(404))
	assert.False(t, ok)
}

func TestChannelMoodAggregatesVoice(t *testing.T) {
	s := newTestStore(t)
	ch := discord.ChannelID(200)

	_, ok := s.ChannelMood(ch)
	assert.False(t, ok)

	s.ObserveVoice(ch, discord.UserID(1), "this is awful, I hate it")
	s.ObserveVoice(ch, discord.UserID(2), "so stupid and annoying")

	mood, ok := s.ChannelMood(ch)
	require.True(t, ok)
	assert.Negative(t, mood)
}

func TestForgetChannelClearsState(t *testing.T) {
	s := newTestStore(t)
	ch := discord.ChannelID(300)

	s.ObserveText(ch, discord.UserID(1), "hello there")
	s.ObserveVoice(ch, discord.UserID(1), "great stuff")

	s.ForgetChannel(ch)

	assert.Empty(t, s.ContextFor(ch))
	_, ok := s.ChannelMood(ch)
	assert.False(t, ok)
}

func TestMoodRingWindow(t *testing.T) {
	r := newMoodRing(3)

	_, ok := r.mean()
	assert.False(t, ok)

	r.push(1)
	r.push(1)
	mean, ok := r.mean()
	require.True(t, ok)
	assert.InDelta(t, 1.0, mean, 1e-9)

	// Overflow the window; oldest entries fall out.
	r.push(-1)
	r.push(-1)
	r.push(-1)
	mean, ok = r.mean()
	require.True(t, ok)
	assert.InDelta(t, -1.0, mean, 1e-9)
}

func TestPushMarkerAndMarkersFor(t *testing.T) {
	s := newTestStore(t)
	ch := discord.ChannelID(300)
	user := discord.UserID(7)

	s.PushMarker(ch, user, "tension", "argument about scheduling", 0.8, time.Minute)
	s.PushMarker(discord.ChannelID(999), user, "tension", "elsewhere", 0.5, time.Minute)

	markers := s.MarkersFor(ch)
	require.Len(t, markers, 1)
	assert.Equal(t, "tension", markers[0].Type)
	assert.Equal(t, "argument about scheduling", markers[0].Topic)
	assert.InDelta(t, 0.8, markers[0].Confidence, 1e-9)
	assert.Equal(t, user, markers[0].UserID)
}

func TestPushMarkerReplacesSameType(t *testing.T) {
	s := newTestStore(t)
	ch := discord.ChannelID(301)

	s.PushMarker(ch, discord.UserID(1), "tension", "old topic", 0.3, time.Minute)
	s.PushMarker(ch, discord.UserID(2), "tension", "new topic", 0.9, time.Minute)
	s.PushMarker(ch, discord.UserID(2), "farewell", "said goodbye", 0.9, time.Minute)

	markers := s.MarkersFor(ch)
	require.Len(t, markers, 2)
	for _, m := range markers {
		if m.Type == "tension" {
			assert.Equal(t, "new topic", m.Topic)
		}
	}
}

func TestMarkersForSkipsExpired(t *testing.T) {
	s := newTestStore(t)
	ch := discord.ChannelID(302)

	s.PushMarker(ch, discord.UserID(1), "tension", "short lived", 0.5, 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	assert.Empty(t, s.MarkersFor(ch))
}

func TestTruncateKeepsRunesIntact(t *testing.T) {
	s := newTestStore(t)
	ch := discord.ChannelID(303)

	// 🙂 is 4 bytes; 26 of them exceed snippetMaxLen by a non-multiple
	// so a byte cut would land mid-rune.
	s.ObserveText(ch, discord.UserID(1), strings.Repeat("🙂", 26))

	ctx := s.ContextFor(ch)
	require.Len(t, ctx, 1)
	assert.True(t, utf8.ValidString(ctx[0]))
	assert.LessOrEqual(t, len(ctx[0]), snippetMaxLen)
}
