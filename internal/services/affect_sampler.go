// internal/services/affect_sampler.go
package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"sync"
	"time"

	"golang.org/x/image/draw"

	"github.com/Corphon/StoryLoom/internal/llm"
	"github.com/Corphon/StoryLoom/internal/models"
	"github.com/Corphon/StoryLoom/internal/utils"
)

var (
	// ErrNoFrame means the feed is inactive or has not delivered a frame yet.
	ErrNoFrame = errors.New("no frame available")
	// ErrFrameTooLarge rejects frames whose header declares oversized dimensions.
	ErrFrameTooLarge = errors.New("frame dimensions too large")
)

const (
	DefaultAffectInterval     = 12 * time.Second
	DefaultConfusionThreshold = 0.6
	frameJPEGQuality          = 70

	// MaxFrameDimension bounds either side of an uploaded frame.
	MaxFrameDimension = 4096
)

// FrameSource captures one still from the live video feed.
type FrameSource interface {
	CaptureFrame(ctx context.Context) (image.Image, error)
}

// FrameBuffer holds the latest frame uploaded by the browser.
type FrameBuffer struct {
	mu     sync.RWMutex
	active bool
	latest image.Image
}

func NewFrameBuffer() *FrameBuffer {
	return &FrameBuffer{}
}

// Start begins accepting frames.
func (b *FrameBuffer) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active = true
}

// Stop ends capture and drops the held frame.
func (b *FrameBuffer) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active = false
	b.latest = nil
}

func (b *FrameBuffer) Active() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.active
}

// Update decodes a JPEG or PNG frame. Frames sent while inactive are dropped.
// The header is checked before decoding so a forged size never allocates.
func (b *FrameBuffer) Update(data []byte) error {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width > MaxFrameDimension || cfg.Height > MaxFrameDimension {
		return fmt.Errorf("%w: %dx%d", ErrFrameTooLarge, cfg.Width, cfg.Height)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.active {
		return ErrNoFrame
	}
	b.latest = img
	return nil
}

func (b *FrameBuffer) CaptureFrame(ctx context.Context) (image.Image, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.active || b.latest == nil {
		return nil, ErrNoFrame
	}
	return b.latest, nil
}

// Classification is the raw classifier output for one frame.
type Classification struct {
	Emotion    string  `json:"emotion"`
	Confidence float64 `json:"confidence"`
}

// EmotionClassifier labels one JPEG frame.
type EmotionClassifier interface {
	Classify(ctx context.Context, frame []byte) (*Classification, error)
}

var emotionSchema = map[string]interface{}{
	"type": "OBJECT",
	"properties": map[string]interface{}{
		"emotion": map[string]interface{}{
			"type": "STRING",
			"enum": []string{"confused", "happy", "bored", "neutral", "surprised"},
		},
		"confidence": map[string]interface{}{"type": "NUMBER"},
	},
	"required": []string{"emotion", "confidence"},
}

const emotionPrompt = "Look at the learner's face in this webcam frame and classify their emotional state. " +
	"Reply with one emotion and a confidence between 0 and 1."

// VisionClassifier classifies frames with a multimodal text model.
type VisionClassifier struct {
	text  llm.TextGenerator
	model string
}

func NewVisionClassifier(text llm.TextGenerator, model string) *VisionClassifier {
	return &VisionClassifier{text: text, model: model}
}

func (c *VisionClassifier) Classify(ctx context.Context, frame []byte) (*Classification, error) {
	resp, err := c.text.CompleteText(ctx, llm.CompletionRequest{
		Prompt:         emotionPrompt,
		Model:          c.model,
		ResponseSchema: emotionSchema,
		Images:         []llm.InlineData{{MimeType: "image/jpeg", Data: frame}},
	})
	if err != nil {
		return nil, err
	}

	var out Classification
	if !ParseStructured(resp.Text, &out) {
		return nil, errors.New("unparsable classification")
	}
	return &out, nil
}

type AffectSamplerConfig struct {
	Interval           time.Duration
	ConfusionThreshold float64
	FrameWidth         int
	FrameHeight        int
}

// AffectSampler periodically classifies the learner's webcam frame while the
// gate allows it and hands each valid sample to OnSample.
type AffectSampler struct {
	source     FrameSource
	classifier EmotionClassifier
	gate       func() bool
	cfg        AffectSamplerConfig

	// OnSample receives every accepted sample.
	OnSample func(models.EmotionSample)
	now      func() time.Time
}

func NewAffectSampler(source FrameSource, classifier EmotionClassifier, gate func() bool, cfg AffectSamplerConfig) *AffectSampler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultAffectInterval
	}
	if cfg.ConfusionThreshold <= 0 {
		cfg.ConfusionThreshold = DefaultConfusionThreshold
	}
	if cfg.FrameWidth <= 0 || cfg.FrameHeight <= 0 {
		cfg.FrameWidth, cfg.FrameHeight = 320, 240
	}
	return &AffectSampler{source: source, classifier: classifier, gate: gate, cfg: cfg, now: time.Now}
}

// Run samples on every tick until ctx is done.
func (s *AffectSampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if sample, ok := s.SampleOnce(ctx); ok && s.OnSample != nil {
				s.OnSample(*sample)
			}
		}
	}
}

// SampleOnce captures, downscales, encodes and classifies a single frame.
// Every failure is a silent skip.
func (s *AffectSampler) SampleOnce(ctx context.Context) (*models.EmotionSample, bool) {
	if s.gate != nil && !s.gate() {
		return nil, false
	}

	frame, err := s.source.CaptureFrame(ctx)
	if err != nil || frame == nil {
		if err != nil && !errors.Is(err, ErrNoFrame) {
			utils.GetLogger().Debug("frame capture failed", map[string]interface{}{"error": err})
		}
		return nil, false
	}

	encoded, err := s.encode(frame)
	if err != nil {
		utils.GetLogger().Warn("frame encode failed", map[string]interface{}{"error": err})
		return nil, false
	}

	result, err := s.classifier.Classify(ctx, encoded)
	if err != nil {
		utils.GetLogger().Warn("emotion classification failed", map[string]interface{}{"error": err})
		return nil, false
	}

	emotion, ok := models.ParseEmotion(result.Emotion)
	if !ok {
		utils.GetLogger().Warn("classifier returned unknown emotion", map[string]interface{}{"emotion": result.Emotion})
		return nil, false
	}

	utils.GetMetricsCollector().IncrementCounter(utils.MetricAffectSamples)
	return &models.EmotionSample{
		Emotion:             emotion,
		Confidence:          result.Confidence,
		NeedsSimplification: emotion == models.EmotionConfused && result.Confidence > s.cfg.ConfusionThreshold,
		CapturedAt:          s.now(),
	}, true
}

func (s *AffectSampler) encode(frame image.Image) ([]byte, error) {
	dst := image.NewRGBA(image.Rect(0, 0, s.cfg.FrameWidth, s.cfg.FrameHeight))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), frame, frame.Bounds(), draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: frameJPEGQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
