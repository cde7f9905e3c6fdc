// internal/llm/providers/google/google.go
package google

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Corphon/StoryLoom/internal/llm"
)

func init() {
	llm.Register("google", func() llm.Provider {
		return &Provider{
			baseURL: "https://generativelanguage.googleapis.com/v1beta",
		}
	})
}

// Provider talks to the Gemini REST API: text, Imagen, Veo and TTS.
type Provider struct {
	apiKey       string
	baseURL      string
	client       *http.Client
	defaultModel string
}

func (p *Provider) Initialize(config map[string]string) error {
	apiKey, exists := config["api_key"]
	if !exists || apiKey == "" {
		return errors.New("google api key not provided")
	}

	p.apiKey = apiKey
	p.client = &http.Client{Timeout: 3 * time.Minute}

	if model := config["default_model"]; model != "" {
		p.defaultModel = model
	} else {
		p.defaultModel = "gemini-2.5-flash"
	}
	if baseURL := config["base_url"]; baseURL != "" {
		p.baseURL = strings.TrimRight(baseURL, "/")
	}
	return nil
}

func (p *Provider) GetName() string {
	return "google gemini"
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generateContentResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		TotalTokenCount int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (r *generateContentResponse) parts() []part {
	if len(r.Candidates) == 0 {
		return nil
	}
	return r.Candidates[0].Content.Parts
}

// do sends a JSON request and decodes the JSON response into out.
func (p *Provider) do(ctx context.Context, method, url string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(jsonData)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.apiKey)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return err
	}
	if httpResp.StatusCode != http.StatusOK {
		return apiError(httpResp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func apiError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	var errorResp struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &errorResp) == nil && errorResp.Error.Message != "" {
		msg = errorResp.Error.Message
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return fmt.Errorf("%w (%d): %s", llm.ErrNotAuthorized, status, msg)
	}
	return fmt.Errorf("google gemini API error (%d): %s", status, msg)
}

func (p *Provider) modelURL(model, method string) string {
	return fmt.Sprintf("%s/models/%s:%s", p.baseURL, model, method)
}

func (p *Provider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	userParts := []part{{Text: req.Prompt}}
	for _, img := range req.Images {
		userParts = append(userParts, part{InlineData: &inlineData{
			MimeType: img.MimeType,
			Data:     base64.StdEncoding.EncodeToString(img.Data),
		}})
	}

	generationConfig := map[string]interface{}{}
	if req.Temperature > 0 {
		generationConfig["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		generationConfig["maxOutputTokens"] = req.MaxTokens
	}
	if req.ResponseSchema != nil {
		generationConfig["responseMimeType"] = "application/json"
		generationConfig["responseSchema"] = req.ResponseSchema
	}
	if req.ThinkingBudget > 0 {
		generationConfig["thinkingConfig"] = map[string]interface{}{"thinkingBudget": req.ThinkingBudget}
	}

	requestBody := map[string]interface{}{
		"contents":         []content{{Role: "user", Parts: userParts}},
		"generationConfig": generationConfig,
	}
	if req.SystemPrompt != "" {
		requestBody["systemInstruction"] = content{Parts: []part{{Text: req.SystemPrompt}}}
	}

	var response generateContentResponse
	if err := p.do(ctx, http.MethodPost, p.modelURL(model, "generateContent"), requestBody, &response); err != nil {
		return nil, err
	}
	if len(response.Candidates) == 0 {
		return nil, llm.ErrEmptyResponse
	}

	var resultText strings.Builder
	for _, pt := range response.parts() {
		resultText.WriteString(pt.Text)
	}

	return &llm.CompletionResponse{
		Text:         resultText.String(),
		FinishReason: response.Candidates[0].FinishReason,
		TokensUsed:   response.UsageMetadata.TotalTokenCount,
		ModelName:    model,
		ProviderName: p.GetName(),
	}, nil
}

// GenerateImage uses the Imagen predict endpoint for imagen-* models and
// multimodal generateContent for Gemini image models.
func (p *Provider) GenerateImage(ctx context.Context, req llm.ImageRequest) (*llm.ImageResult, error) {
	if strings.HasPrefix(req.Model, "imagen") {
		return p.predictImage(ctx, req)
	}

	requestBody := map[string]interface{}{
		"contents": []content{{Role: "user", Parts: []part{{Text: req.Prompt}}}},
		"generationConfig": map[string]interface{}{
			"responseModalities": []string{"TEXT", "IMAGE"},
		},
	}

	var response generateContentResponse
	if err := p.do(ctx, http.MethodPost, p.modelURL(req.Model, "generateContent"), requestBody, &response); err != nil {
		return nil, err
	}
	for _, pt := range response.parts() {
		if pt.InlineData == nil || !strings.HasPrefix(pt.InlineData.MimeType, "image/") {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(pt.InlineData.Data)
		if err != nil {
			return nil, fmt.Errorf("decode image: %w", err)
		}
		return &llm.ImageResult{Data: data, MimeType: pt.InlineData.MimeType}, nil
	}
	return nil, llm.ErrEmptyResponse
}

func (p *Provider) predictImage(ctx context.Context, req llm.ImageRequest) (*llm.ImageResult, error) {
	parameters := map[string]interface{}{"sampleCount": 1}
	if req.AspectRatio != "" {
		parameters["aspectRatio"] = req.AspectRatio
	}
	requestBody := map[string]interface{}{
		"instances":  []map[string]string{{"prompt": req.Prompt}},
		"parameters": parameters,
	}

	var response struct {
		Predictions []struct {
			BytesBase64Encoded string `json:"bytesBase64Encoded"`
			MimeType           string `json:"mimeType"`
		} `json:"predictions"`
	}
	if err := p.do(ctx, http.MethodPost, p.modelURL(req.Model, "predict"), requestBody, &response); err != nil {
		return nil, err
	}
	if len(response.Predictions) == 0 || response.Predictions[0].BytesBase64Encoded == "" {
		return nil, llm.ErrEmptyResponse
	}

	data, err := base64.StdEncoding.DecodeString(response.Predictions[0].BytesBase64Encoded)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	mime := response.Predictions[0].MimeType
	if mime == "" {
		mime = "image/png"
	}
	return &llm.ImageResult{Data: data, MimeType: mime}, nil
}

type operationResponse struct {
	Name     string `json:"name"`
	Done     bool   `json:"done"`
	Response struct {
		GenerateVideoResponse struct {
			GeneratedSamples []struct {
				Video struct {
					URI string `json:"uri"`
				} `json:"video"`
			} `json:"generatedSamples"`
		} `json:"generateVideoResponse"`
	} `json:"response"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (o *operationResponse) toOperation() *llm.VideoOperation {
	op := &llm.VideoOperation{Name: o.Name, Done: o.Done}
	if o.Error != nil {
		op.Error = o.Error.Message
		if op.Error == "" {
			op.Error = "video generation failed"
		}
	}
	if samples := o.Response.GenerateVideoResponse.GeneratedSamples; len(samples) > 0 {
		op.VideoURI = samples[0].Video.URI
	}
	return op
}

// StartVideo starts a Veo long-running operation.
func (p *Provider) StartVideo(ctx context.Context, req llm.VideoRequest) (*llm.VideoOperation, error) {
	parameters := map[string]interface{}{}
	if req.AspectRatio != "" {
		parameters["aspectRatio"] = req.AspectRatio
	}
	requestBody := map[string]interface{}{
		"instances":  []map[string]string{{"prompt": req.Prompt}},
		"parameters": parameters,
	}

	var response operationResponse
	if err := p.do(ctx, http.MethodPost, p.modelURL(req.Model, "predictLongRunning"), requestBody, &response); err != nil {
		return nil, err
	}
	if response.Name == "" {
		return nil, errors.New("video operation missing name")
	}
	return response.toOperation(), nil
}

// PollVideo reads the current state of an operation.
func (p *Provider) PollVideo(ctx context.Context, name string) (*llm.VideoOperation, error) {
	var response operationResponse
	if err := p.do(ctx, http.MethodGet, p.baseURL+"/"+strings.TrimLeft(name, "/"), nil, &response); err != nil {
		return nil, err
	}
	return response.toOperation(), nil
}

// FetchVideo downloads the finished asset; the URI is only valid with the API key.
func (p *Provider) FetchVideo(ctx context.Context, uri string) ([]byte, string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, "", err
	}
	httpReq.Header.Set("x-goog-api-key", p.apiKey)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, "", err
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, "", err
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, "", apiError(httpResp.StatusCode, raw)
	}

	mime := strings.TrimSpace(strings.Split(httpResp.Header.Get("Content-Type"), ";")[0])
	if mime == "" || mime == "application/octet-stream" {
		mime = http.DetectContentType(raw)
	}
	return raw, mime, nil
}

// SynthesizeSpeech returns raw PCM audio from a TTS model.
func (p *Provider) SynthesizeSpeech(ctx context.Context, req llm.SpeechRequest) (*llm.SpeechResult, error) {
	requestBody := map[string]interface{}{
		"contents": []content{{Role: "user", Parts: []part{{Text: req.Text}}}},
		"generationConfig": map[string]interface{}{
			"responseModalities": []string{"AUDIO"},
			"speechConfig": map[string]interface{}{
				"voiceConfig": map[string]interface{}{
					"prebuiltVoiceConfig": map[string]string{"voiceName": req.Voice},
				},
			},
		},
	}
	if req.Language != "" {
		requestBody["generationConfig"].(map[string]interface{})["speechConfig"].(map[string]interface{})["languageCode"] = req.Language
	}

	var response generateContentResponse
	if err := p.do(ctx, http.MethodPost, p.modelURL(req.Model, "generateContent"), requestBody, &response); err != nil {
		return nil, err
	}
	for _, pt := range response.parts() {
		if pt.InlineData == nil || pt.InlineData.Data == "" {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(pt.InlineData.Data)
		if err != nil {
			return nil, fmt.Errorf("decode audio: %w", err)
		}
		return &llm.SpeechResult{Data: data, MimeType: pt.InlineData.MimeType}, nil
	}
	return nil, llm.ErrEmptyResponse
}
