package models

import (
	"strings"
	"time"
)

// Emotion is the closed set of learner states the classifier may report.
type Emotion string

const (
	EmotionConfused  Emotion = "confused"
	EmotionHappy     Emotion = "happy"
	EmotionBored     Emotion = "bored"
	EmotionNeutral   Emotion = "neutral"
	EmotionSurprised Emotion = "surprised"
)

// Emotions lists the enumeration in schema order.
var Emotions = []Emotion{EmotionConfused, EmotionHappy, EmotionBored, EmotionNeutral, EmotionSurprised}

// ParseEmotion normalizes s and reports whether it is in the enumeration.
func ParseEmotion(s string) (Emotion, bool) {
	e := Emotion(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Emotions {
		if e == known {
			return e, true
		}
	}
	return "", false
}

// EmotionSample is a transient classification of one webcam frame.
type EmotionSample struct {
	Emotion             Emotion   `json:"emotion"`
	Confidence          float64   `json:"confidence"`
	NeedsSimplification bool      `json:"needs_simplification"`
	CapturedAt          time.Time `json:"captured_at"`
}
