// internal/models/story.go
package models

import (
	"time"
)

// MediaKind tags the media a scene asks for.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
)

// ParseMediaKind maps model output to a kind; anything unknown is an image.
func ParseMediaKind(s string) MediaKind {
	if MediaKind(s) == MediaVideo {
		return MediaVideo
	}
	return MediaImage
}

// Story is one generated lesson: ordered scenes, a quiz and summary notes.
type Story struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Language  string     `json:"language"`
	Scenes    []Scene    `json:"scenes"`
	Quiz      []QuizItem `json:"quiz"`
	Notes     []string   `json:"notes,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Scene is one narrative beat paired with a visual directive.
type Scene struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	ImagePrompt string    `json:"image_prompt"`
	MediaType   MediaKind `json:"media_type"`
	MediaURL    string    `json:"media_url,omitempty"` // data: URL once resolved
}

// QuizItem is a multiple choice question shown after the last scene.
type QuizItem struct {
	Question string       `json:"question"`
	Options  []QuizOption `json:"options"`
	Feedback string       `json:"feedback"`
}

type QuizOption struct {
	Text      string `json:"text"`
	IsCorrect bool   `json:"is_correct"`
}

// SceneIndex returns the index of the scene with the given ID, or -1.
func (s *Story) SceneIndex(sceneID string) int {
	for i := range s.Scenes {
		if s.Scenes[i].ID == sceneID {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy so callers can hand stories out without sharing slices.
func (s *Story) Clone() *Story {
	if s == nil {
		return nil
	}
	out := *s
	out.Scenes = append([]Scene(nil), s.Scenes...)
	out.Notes = append([]string(nil), s.Notes...)
	out.Quiz = make([]QuizItem, len(s.Quiz))
	for i, q := range s.Quiz {
		q.Options = append([]QuizOption(nil), q.Options...)
		out.Quiz[i] = q
	}
	return &out
}
