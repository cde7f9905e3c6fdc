// internal/services/story_generator.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/Corphon/StoryLoom/internal/errors"
	"github.com/Corphon/StoryLoom/internal/llm"
	"github.com/Corphon/StoryLoom/internal/models"
	"github.com/Corphon/StoryLoom/internal/utils"
)

var errMalformedOutput = errors.New("model output did not match the story schema")

type StoryGeneratorConfig struct {
	TextModel         string
	FallbackTextModel string
	SceneCount        int
	ThinkingBudget    int
}

// StoryGenerator asks the text model for a structured story, trying the
// primary model first and the fallback model once.
type StoryGenerator struct {
	text llm.TextGenerator
	cfg  StoryGeneratorConfig
	now  func() time.Time
}

func NewStoryGenerator(text llm.TextGenerator, cfg StoryGeneratorConfig) *StoryGenerator {
	if cfg.SceneCount != 4 && cfg.SceneCount != 5 {
		cfg.SceneCount = 5
	}
	return &StoryGenerator{text: text, cfg: cfg, now: time.Now}
}

func quizItemSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "OBJECT",
		"properties": map[string]interface{}{
			"question": map[string]interface{}{"type": "STRING"},
			"options": map[string]interface{}{
				"type": "ARRAY",
				"items": map[string]interface{}{
					"type": "OBJECT",
					"properties": map[string]interface{}{
						"text":      map[string]interface{}{"type": "STRING"},
						"isCorrect": map[string]interface{}{"type": "BOOLEAN"},
					},
					"required": []string{"text", "isCorrect"},
				},
			},
			"feedback": map[string]interface{}{"type": "STRING"},
		},
		"required": []string{"question", "options", "feedback"},
	}
}

func storySchema(sceneCount int) map[string]interface{} {
	return map[string]interface{}{
		"type": "OBJECT",
		"properties": map[string]interface{}{
			"title": map[string]interface{}{"type": "STRING"},
			"scenes": map[string]interface{}{
				"type":     "ARRAY",
				"minItems": sceneCount,
				"maxItems": sceneCount,
				"items": map[string]interface{}{
					"type": "OBJECT",
					"properties": map[string]interface{}{
						"text":        map[string]interface{}{"type": "STRING"},
						"imagePrompt": map[string]interface{}{"type": "STRING"},
						"mediaType": map[string]interface{}{
							"type": "STRING",
							"enum": []string{"image", "video"},
						},
					},
					"required": []string{"text", "imagePrompt", "mediaType"},
				},
			},
			"quiz": map[string]interface{}{
				"type":  "ARRAY",
				"items": quizItemSchema(),
			},
			"notes": map[string]interface{}{
				"type":  "ARRAY",
				"items": map[string]interface{}{"type": "STRING"},
			},
		},
		"required": []string{"title", "scenes", "quiz", "notes"},
	}
}

var simplifySchema = map[string]interface{}{
	"type": "OBJECT",
	"properties": map[string]interface{}{
		"text": map[string]interface{}{"type": "STRING"},
	},
	"required": []string{"text"},
}

func (g *StoryGenerator) systemPrompt(language string) string {
	return fmt.Sprintf(`You are a children's educational storyteller.
Write in language %q for readers aged 6 to 10.
Produce exactly %d scenes. Each scene has 2-4 short sentences, a vivid visual directive for an illustrator,
and a mediaType of "image" (use "video" for at most one scene with strong motion).
Finish with 3 multiple choice quiz questions, each with exactly one correct option and kind feedback,
and 5 short learning notes summarizing the facts taught.`, language, g.cfg.SceneCount)
}

func (g *StoryGenerator) models() []string {
	list := []string{g.cfg.TextModel}
	if g.cfg.FallbackTextModel != "" && g.cfg.FallbackTextModel != g.cfg.TextModel {
		list = append(list, g.cfg.FallbackTextModel)
	}
	return list
}

// Generate returns a Story, or an AppError typed malformed_response when every
// model answered with unusable output, upstream_unavailable otherwise.
func (g *StoryGenerator) Generate(ctx context.Context, topic, language string) (*models.Story, error) {
	start := time.Now()
	defer utils.GetMetricsCollector().ObserveSince(utils.MetricGenerationLatency, start)

	req := llm.CompletionRequest{
		Prompt:         "Create an educational story about: " + strings.TrimSpace(topic),
		SystemPrompt:   g.systemPrompt(language),
		Temperature:    0.8,
		ResponseSchema: storySchema(g.cfg.SceneCount),
		ThinkingBudget: g.cfg.ThinkingBudget,
	}

	malformed := 0
	var chain []Strategy[*StoryPayload]
	for _, model := range g.models() {
		model := model
		chain = append(chain, Strategy[*StoryPayload]{
			Name: model,
			Run: func(ctx context.Context) (*StoryPayload, error) {
				r := req
				r.Model = model
				resp, err := g.text.CompleteText(ctx, r)
				if err != nil {
					return nil, err
				}
				payload := ParseStory(resp.Text)
				if payload == nil {
					malformed++
					return nil, errMalformedOutput
				}
				if len(payload.Scenes) != g.cfg.SceneCount {
					malformed++
					return nil, fmt.Errorf("%w: got %d scenes, want %d", errMalformedOutput, len(payload.Scenes), g.cfg.SceneCount)
				}
				return payload, nil
			},
		})
	}

	payload, model, err := AttemptChain(ctx, chain)
	if err != nil {
		utils.GetMetricsCollector().IncrementCounter(utils.MetricStoryFailed)
		if malformed == len(chain) {
			return nil, apperrors.NewMalformedResponseError("could not create this story, please try another topic", err)
		}
		return nil, apperrors.NewUpstreamError("the story service is unavailable right now", err)
	}

	story := BuildStory(payload, language, g.now())
	utils.GetMetricsCollector().IncrementCounter(utils.MetricStoryGenerated)
	utils.GetLogger().Info("story generated", map[string]interface{}{
		"story_id": story.ID,
		"model":    model,
		"scenes":   len(story.Scenes),
	})
	return story, nil
}

// Simplify rewrites one scene's text at a lower reading level.
func (g *StoryGenerator) Simplify(ctx context.Context, text, language string) (string, error) {
	req := llm.CompletionRequest{
		Prompt: "Rewrite this passage so a younger child who is confused can follow it. " +
			"Use short sentences and simple words, keep every fact:\n\n" + text,
		SystemPrompt:   fmt.Sprintf("Answer in language %q.", language),
		Temperature:    0.4,
		ResponseSchema: simplifySchema,
	}

	var chain []Strategy[string]
	for _, model := range g.models() {
		model := model
		chain = append(chain, Strategy[string]{
			Name: model,
			Run: func(ctx context.Context) (string, error) {
				r := req
				r.Model = model
				resp, err := g.text.CompleteText(ctx, r)
				if err != nil {
					return "", err
				}
				var out struct {
					Text string `json:"text"`
				}
				if !ParseStructured(resp.Text, &out) || strings.TrimSpace(out.Text) == "" {
					return "", errMalformedOutput
				}
				return strings.TrimSpace(out.Text), nil
			},
		})
	}

	simplified, _, err := AttemptChain(ctx, chain)
	if err != nil {
		return "", apperrors.NewUpstreamError("could not simplify this scene", err)
	}
	return simplified, nil
}
