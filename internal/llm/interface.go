// internal/llm/interface.go
package llm

import (
	"context"
	"errors"
)

var (
	ErrUnknownProvider = errors.New("unknown generative provider")
	// ErrNotAuthorized is returned when the key lacks access to a model (common for video).
	ErrNotAuthorized = errors.New("provider refused the request: not authorized")
	ErrEmptyResponse = errors.New("provider returned no content")
)

// InlineData is binary input sent alongside a prompt (a webcam frame).
type InlineData struct {
	MimeType string `json:"mime_type"`
	Data     []byte `json:"-"`
}

// CompletionRequest asks for text, optionally constrained to a JSON schema.
type CompletionRequest struct {
	Prompt         string                 `json:"prompt"`
	SystemPrompt   string                 `json:"system_prompt,omitempty"`
	Model          string                 `json:"model,omitempty"`
	Temperature    float32                `json:"temperature,omitempty"`
	MaxTokens      int                    `json:"max_tokens,omitempty"`
	ResponseSchema map[string]interface{} `json:"response_schema,omitempty"`
	ThinkingBudget int                    `json:"thinking_budget,omitempty"`
	Images         []InlineData           `json:"-"`
}

type CompletionResponse struct {
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason,omitempty"`
	TokensUsed   int    `json:"tokens_used,omitempty"`
	ModelName    string `json:"model_name,omitempty"`
	ProviderName string `json:"provider_name,omitempty"`
}

type ImageRequest struct {
	Prompt      string `json:"prompt"`
	Model       string `json:"model"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
}

type ImageResult struct {
	Data     []byte `json:"-"`
	MimeType string `json:"mime_type"`
}

type VideoRequest struct {
	Prompt      string `json:"prompt"`
	Model       string `json:"model"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
}

// VideoOperation is the state of a long-running video generation.
type VideoOperation struct {
	Name     string `json:"name"`
	Done     bool   `json:"done"`
	VideoURI string `json:"video_uri,omitempty"`
	Error    string `json:"error,omitempty"`
}

type SpeechRequest struct {
	Text     string `json:"text"`
	Voice    string `json:"voice"`
	Language string `json:"language,omitempty"`
	Model    string `json:"model"`
}

// SpeechResult carries raw audio as produced by the backend.
type SpeechResult struct {
	Data     []byte `json:"-"`
	MimeType string `json:"mime_type"`
}

// TextGenerator produces text (and structured JSON) completions.
type TextGenerator interface {
	CompleteText(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// ImageGenerator produces still images.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, req ImageRequest) (*ImageResult, error)
}

// VideoGenerator drives asynchronous video generation.
type VideoGenerator interface {
	StartVideo(ctx context.Context, req VideoRequest) (*VideoOperation, error)
	PollVideo(ctx context.Context, name string) (*VideoOperation, error)
	FetchVideo(ctx context.Context, uri string) ([]byte, string, error)
}

// SpeechSynthesizer produces narration audio.
type SpeechSynthesizer interface {
	SynthesizeSpeech(ctx context.Context, req SpeechRequest) (*SpeechResult, error)
}

// Provider is everything a generative backend must offer.
type Provider interface {
	Initialize(config map[string]string) error
	GetName() string
	TextGenerator
	ImageGenerator
	VideoGenerator
	SpeechSynthesizer
}

// ProviderFactory builds an uninitialized provider.
type ProviderFactory func() Provider

var providers = make(map[string]ProviderFactory)

// Register makes a provider available by name; providers call it from init.
func Register(name string, factory ProviderFactory) {
	providers[name] = factory
}

// GetProvider creates and initializes the named provider.
func GetProvider(name string, config map[string]string) (Provider, error) {
	factory, exists := providers[name]
	if !exists {
		return nil, ErrUnknownProvider
	}

	provider := factory()
	if err := provider.Initialize(config); err != nil {
		return nil, err
	}
	return provider, nil
}

// ListProviders returns the registered provider names.
func ListProviders() []string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	return names
}
