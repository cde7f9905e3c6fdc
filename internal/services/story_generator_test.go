package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Corphon/StoryLoom/internal/errors"
	"github.com/Corphon/StoryLoom/internal/llm"
)

func testGenerator(text *fakeText) *StoryGenerator {
	return NewStoryGenerator(text, StoryGeneratorConfig{
		TextModel:         "pro",
		FallbackTextModel: "flash",
		SceneCount:        5,
		ThinkingBudget:    1024,
	})
}

func TestGenerateMarsRoverEndToEnd(t *testing.T) {
	text := &fakeText{fn: func(req llm.CompletionRequest) (string, error) {
		return marsRoverJSON(), nil
	}}

	story, err := testGenerator(text).Generate(context.Background(), "A robot exploring Mars", "en")
	require.NoError(t, err)

	assert.Equal(t, "Mars Rover Max", story.Title)
	assert.Len(t, story.Scenes, 5)
	assert.Len(t, story.Quiz, 3)
	assert.Len(t, story.Notes, 5)
	ids := map[string]bool{}
	for _, s := range story.Scenes {
		ids[s.ID] = true
	}
	assert.Len(t, ids, 5)

	require.Len(t, text.calls, 1)
	req := text.calls[0]
	assert.Equal(t, "pro", req.Model)
	assert.Equal(t, 1024, req.ThinkingBudget)
	assert.NotNil(t, req.ResponseSchema)
	assert.Contains(t, req.SystemPrompt, "exactly 5 scenes")
	assert.Contains(t, req.Prompt, "A robot exploring Mars")
}

func TestGenerateFallsBackToSecondModel(t *testing.T) {
	text := &fakeText{fn: func(req llm.CompletionRequest) (string, error) {
		if req.Model == "pro" {
			return "", errBoom
		}
		return marsRoverJSON(), nil
	}}

	story, err := testGenerator(text).Generate(context.Background(), "Mars", "en")
	require.NoError(t, err)
	assert.NotNil(t, story)
	assert.Equal(t, []string{"pro", "flash"}, text.models())
}

func TestGenerateMalformedEverywhere(t *testing.T) {
	text := &fakeText{fn: func(req llm.CompletionRequest) (string, error) {
		return "I cannot write that story.", nil
	}}

	_, err := testGenerator(text).Generate(context.Background(), "Mars", "en")
	require.Error(t, err)
	assert.True(t, apperrors.IsMalformedResponseError(err))
	assert.Len(t, text.calls, 2)
}

func TestGenerateUpstreamFailure(t *testing.T) {
	text := &fakeText{fn: func(req llm.CompletionRequest) (string, error) {
		if req.Model == "pro" {
			return "garbage", nil
		}
		return "", errBoom
	}}

	_, err := testGenerator(text).Generate(context.Background(), "Mars", "en")
	assert.True(t, apperrors.IsUpstreamError(err))
}

func TestGenerateRejectsWrongSceneCount(t *testing.T) {
	text := &fakeText{fn: func(req llm.CompletionRequest) (string, error) {
		if req.Model == "pro" {
			return `{"title":"Short","scenes":[{"text":"Only one.","imagePrompt":"one","mediaType":"image"}],"quiz":[],"notes":[]}`, nil
		}
		return marsRoverJSON(), nil
	}}

	story, err := testGenerator(text).Generate(context.Background(), "Mars", "en")
	require.NoError(t, err)
	assert.Len(t, story.Scenes, 5)
	assert.Equal(t, []string{"pro", "flash"}, text.models())

	scenes := text.calls[0].ResponseSchema["properties"].(map[string]interface{})["scenes"].(map[string]interface{})
	assert.Equal(t, 5, scenes["minItems"])
	assert.Equal(t, 5, scenes["maxItems"])
}

func TestGenerateWrongSceneCountEverywhereIsMalformed(t *testing.T) {
	text := &fakeText{fn: func(req llm.CompletionRequest) (string, error) {
		return marsRoverJSON(), nil
	}}
	g := NewStoryGenerator(text, StoryGeneratorConfig{TextModel: "pro", SceneCount: 4})

	_, err := g.Generate(context.Background(), "Mars", "en")
	require.Error(t, err)
	assert.True(t, apperrors.IsMalformedResponseError(err))
}

func TestSceneCountDefaultsToFive(t *testing.T) {
	g := NewStoryGenerator(&fakeText{}, StoryGeneratorConfig{SceneCount: 9})
	assert.Equal(t, 5, g.cfg.SceneCount)

	g = NewStoryGenerator(&fakeText{}, StoryGeneratorConfig{SceneCount: 4})
	assert.Equal(t, 4, g.cfg.SceneCount)
}

func TestSimplify(t *testing.T) {
	text := &fakeText{fn: func(req llm.CompletionRequest) (string, error) {
		return `{"text":"  Max is a robot. He drives on Mars.  "}`, nil
	}}

	out, err := testGenerator(text).Simplify(context.Background(), "Max, an autonomous rover...", "en")
	require.NoError(t, err)
	assert.Equal(t, "Max is a robot. He drives on Mars.", out)
	assert.Contains(t, text.calls[0].Prompt, "Max, an autonomous rover...")
}

func TestSimplifyEmptyResult(t *testing.T) {
	text := &fakeText{fn: func(req llm.CompletionRequest) (string, error) { return `{"text":""}`, nil }}
	_, err := testGenerator(text).Simplify(context.Background(), "x", "en")
	assert.Error(t, err)
}
