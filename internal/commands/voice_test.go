package commands

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/harmonia-bot/harmonia/internal/voice"
)

func TestChannelMoodLine(t *testing.T) {
	assert.Contains(t, channelMoodLine(0.5), "upbeat")
	assert.Contains(t, channelMoodLine(-0.5), "tense")
	assert.Contains(t, channelMoodLine(0.0), "neutral")
	assert.Contains(t, channelMoodLine(0.1), "neutral")
}

func TestJoinFailureMessage(t *testing.T) {
	assert.Contains(t, joinFailureMessage(voice.ErrSessionAlreadyExists), "already a session")
	assert.Contains(t, joinFailureMessage(voice.ErrMaxSessionsReached), "Try again later")
	assert.Contains(t, joinFailureMessage(voice.ErrPresetNotAllowed), "preset")
	assert.Contains(t, joinFailureMessage(voice.ErrJoinTimeout), "in time")
	assert.Contains(t, joinFailureMessage(errors.New("boom")), "boom")
}
