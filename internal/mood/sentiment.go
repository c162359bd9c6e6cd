package mood

import (
	"math"
	"strings"
)

// Coarse valence lexicon. This is deliberately a cheap estimator: it
// feeds low-confidence context markers and the de-escalation heuristic,
// not any user-visible analysis.
var positiveWords = map[string]struct{}{
	"good": {}, "great": {}, "awesome": {}, "nice": {}, "love": {},
	"happy": {}, "thanks": {}, "thank": {}, "cool": {}, "fun": {},
	"glad": {}, "excellent": {}, "wonderful": {}, "amazing": {},
	"perfect": {}, "yes": {}, "sure": {}, "haha": {}, "lol": {},
}

var negativeWords = map[string]struct{}{
	"bad": {}, "hate": {}, "angry": {}, "mad": {}, "terrible": {},
	"awful": {}, "stupid": {}, "annoying": {}, "shut": {}, "stop": {},
	"worst": {}, "ugh": {}, "wrong": {}, "horrible": {}, "sucks": {},
	"idiot": {}, "dumb": {}, "no": {}, "never": {}, "fight": {},
}

// EstimateSentiment produces a score in [-1, 1] from word valence
// counts, dampened by utterance length so a single loaded word in a
// long sentence does not dominate.
func EstimateSentiment(text string) float64 {
	fields := strings.Fields(strings.ToLower(text))
	if len(fields) == 0 {
		return 0
	}

	var pos, neg int
	for _, w := range fields {
		w = strings.Trim(w, ".,!?;:'\"()")
		if _, ok := positiveWords[w]; ok {
			pos++
		}
		if _, ok := negativeWords[w]; ok {
			neg++
		}
	}

	if pos == 0 && neg == 0 {
		return 0
	}

	score := float64(pos-neg) / math.Sqrt(float64(len(fields)))
	if score > 1 {
		score = 1
	} else if score < -1 {
		score = -1
	}
	return score
}
