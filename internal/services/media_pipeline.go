// internal/services/media_pipeline.go
package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Corphon/StoryLoom/internal/llm"
	"github.com/Corphon/StoryLoom/internal/models"
	"github.com/Corphon/StoryLoom/internal/utils"
)

// ErrMediaUnavailable means every tier of the fallback chain failed.
var ErrMediaUnavailable = errors.New("media unavailable")

const (
	TierVideo     = "video"
	TierImageHigh = "image_high"
	TierImageFast = "image_fast"
)

type MediaPipelineConfig struct {
	ImageModel     string
	FastImageModel string
	VideoModel     string
	StyleSuffix    string
	AspectRatio    string
	PollInterval   time.Duration
	MaxPolls       int
}

// MediaPipeline turns a scene's visual directive into a MediaAsset,
// degrading video -> high tier image -> fast image.
type MediaPipeline struct {
	images llm.ImageGenerator
	videos llm.VideoGenerator
	cfg    MediaPipelineConfig

	// sleep is replaced in tests so polling does not wait on the clock.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewMediaPipeline(images llm.ImageGenerator, videos llm.VideoGenerator, cfg MediaPipelineConfig) *MediaPipeline {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 6 * time.Second
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = 60
	}
	return &MediaPipeline{images: images, videos: videos, cfg: cfg, sleep: sleepContext}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (p *MediaPipeline) decorate(directive string) string {
	directive = strings.TrimSpace(directive)
	if p.cfg.StyleSuffix == "" {
		return directive
	}
	return directive + ". Style: " + p.cfg.StyleSuffix
}

// Acquire runs the fallback chain for one directive.
func (p *MediaPipeline) Acquire(ctx context.Context, directive string, kind models.MediaKind) (*models.MediaAsset, error) {
	start := time.Now()
	metrics := utils.GetMetricsCollector()
	metrics.IncGauge(utils.GaugeActiveAcquisitions)
	defer metrics.DecGauge(utils.GaugeActiveAcquisitions)
	defer metrics.ObserveSince(utils.MetricMediaLatency, start)

	var chain []Strategy[*models.MediaAsset]
	if kind == models.MediaVideo && p.videos != nil && p.cfg.VideoModel != "" {
		chain = append(chain, Strategy[*models.MediaAsset]{
			Name: TierVideo,
			Run:  func(ctx context.Context) (*models.MediaAsset, error) { return p.acquireVideo(ctx, directive) },
		})
	}

	decorated := p.decorate(directive)
	for _, tier := range []struct{ name, model string }{
		{TierImageHigh, p.cfg.ImageModel},
		{TierImageFast, p.cfg.FastImageModel},
	} {
		if tier.model == "" || p.images == nil {
			continue
		}
		model := tier.model
		chain = append(chain, Strategy[*models.MediaAsset]{
			Name: tier.name,
			Run:  func(ctx context.Context) (*models.MediaAsset, error) { return p.acquireImage(ctx, decorated, model) },
		})
	}

	asset, tier, err := AttemptChain(ctx, chain)
	if err != nil {
		metrics.IncrementCounter(utils.MetricMediaUnavailable)
		return nil, fmt.Errorf("%w: %w", ErrMediaUnavailable, err)
	}
	asset.Source = tier
	metrics.IncrementCounter("media." + tier + ".success")
	return asset, nil
}

func (p *MediaPipeline) acquireImage(ctx context.Context, prompt, model string) (*models.MediaAsset, error) {
	img, err := p.images.GenerateImage(ctx, llm.ImageRequest{
		Prompt:      prompt,
		Model:       model,
		AspectRatio: p.cfg.AspectRatio,
	})
	if err != nil {
		return nil, err
	}
	if len(img.Data) == 0 {
		return nil, llm.ErrEmptyResponse
	}
	return &models.MediaAsset{Kind: models.MediaImage, MimeType: img.MimeType, Data: img.Data}, nil
}

// acquireVideo starts a long-running operation, polls it at a fixed interval
// up to MaxPolls times, then downloads the clip so it can be stored inline.
func (p *MediaPipeline) acquireVideo(ctx context.Context, directive string) (*models.MediaAsset, error) {
	op, err := p.videos.StartVideo(ctx, llm.VideoRequest{
		Prompt:      directive,
		Model:       p.cfg.VideoModel,
		AspectRatio: p.cfg.AspectRatio,
	})
	if err != nil {
		return nil, err
	}

	for polls := 0; !op.Done; polls++ {
		if polls >= p.cfg.MaxPolls {
			return nil, fmt.Errorf("video operation %s not done after %d polls", op.Name, polls)
		}
		if err := p.sleep(ctx, p.cfg.PollInterval); err != nil {
			return nil, err
		}
		name := op.Name
		op, err = p.videos.PollVideo(ctx, name)
		if err != nil {
			return nil, err
		}
	}

	if op.Error != "" {
		return nil, fmt.Errorf("video operation failed: %s", op.Error)
	}
	if op.VideoURI == "" {
		return nil, errors.New("video operation finished without an asset")
	}

	data, mime, err := p.fetchVideo(ctx, op.VideoURI)
	if err != nil {
		return nil, fmt.Errorf("fetch video: %w", err)
	}
	if len(data) == 0 {
		return nil, llm.ErrEmptyResponse
	}
	return &models.MediaAsset{Kind: models.MediaVideo, MimeType: mime, Data: data}, nil
}

// fetchVideo also accepts inline data: URIs some backends return directly.
func (p *MediaPipeline) fetchVideo(ctx context.Context, uri string) ([]byte, string, error) {
	if strings.HasPrefix(uri, "data:") {
		header, payload, ok := strings.Cut(strings.TrimPrefix(uri, "data:"), ",")
		if !ok {
			return nil, "", errors.New("malformed data uri")
		}
		mime, _, _ := strings.Cut(header, ";")
		data, err := base64.StdEncoding.DecodeString(payload)
		return data, mime, err
	}
	data, mime, err := p.videos.FetchVideo(ctx, uri)
	if err != nil {
		return nil, "", err
	}
	if mime == "" || !strings.HasPrefix(mime, "video/") {
		mime = "video/mp4"
	}
	return data, mime, nil
}
