// internal/services/parser.go
package services

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Corphon/StoryLoom/internal/models"
)

// StoryPayload is the shape the text model is asked to return.
type StoryPayload struct {
	Title  string         `json:"title"`
	Scenes []ScenePayload `json:"scenes"`
	Quiz   []QuizPayload  `json:"quiz"`
	Notes  []string       `json:"notes"`
}

type ScenePayload struct {
	Text        string `json:"text"`
	ImagePrompt string `json:"imagePrompt"`
	MediaType   string `json:"mediaType"`
}

type QuizPayload struct {
	Question string `json:"question"`
	Options  []struct {
		Text      string `json:"text"`
		IsCorrect bool   `json:"isCorrect"`
	} `json:"options"`
	Feedback string `json:"feedback"`
}

var fenceReplacer = strings.NewReplacer("```json", "", "```JSON", "", "```", "", "\ufeff", "")

// ParseStructured decodes model output into v. Markdown fences are stripped
// first; if the whole text still fails to decode, the outermost {...} span is
// tried. It never panics and reports false when both attempts fail.
func ParseStructured(raw string, v interface{}) bool {
	cleaned := strings.TrimSpace(fenceReplacer.Replace(raw))
	if cleaned == "" {
		return false
	}
	if json.Unmarshal([]byte(cleaned), v) == nil {
		return true
	}

	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start < 0 || end <= start {
		return false
	}
	return json.Unmarshal([]byte(cleaned[start:end+1]), v) == nil
}

// ParseStory returns nil for unparsable output or a story without scenes.
func ParseStory(raw string) *StoryPayload {
	var payload StoryPayload
	if !ParseStructured(raw, &payload) {
		return nil
	}
	if len(payload.Scenes) == 0 {
		return nil
	}
	return &payload
}

// BuildStory assigns identities and normalizes the payload into a Story.
func BuildStory(payload *StoryPayload, language string, now time.Time) *models.Story {
	story := &models.Story{
		ID:        uuid.NewString(),
		Title:     strings.TrimSpace(payload.Title),
		Language:  language,
		Scenes:    make([]models.Scene, 0, len(payload.Scenes)),
		Quiz:      make([]models.QuizItem, 0, len(payload.Quiz)),
		Notes:     append([]string(nil), payload.Notes...),
		CreatedAt: now,
	}

	for _, sp := range payload.Scenes {
		story.Scenes = append(story.Scenes, models.Scene{
			ID:          uuid.NewString(),
			Text:        sp.Text,
			ImagePrompt: sp.ImagePrompt,
			MediaType:   models.ParseMediaKind(strings.ToLower(strings.TrimSpace(sp.MediaType))),
		})
	}

	for _, qp := range payload.Quiz {
		item := models.QuizItem{Question: qp.Question, Feedback: qp.Feedback}
		for _, opt := range qp.Options {
			item.Options = append(item.Options, models.QuizOption{Text: opt.Text, IsCorrect: opt.IsCorrect})
		}
		story.Quiz = append(story.Quiz, item)
	}
	return story
}
