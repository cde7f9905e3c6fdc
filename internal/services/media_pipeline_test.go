package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/StoryLoom/internal/llm"
	"github.com/Corphon/StoryLoom/internal/models"
)

func newTestPipeline(images *fakeImages, videos *fakeVideos, maxPolls int) (*MediaPipeline, *[]time.Duration) {
	p := NewMediaPipeline(images, videos, MediaPipelineConfig{
		ImageModel:     "imagen",
		FastImageModel: "flash-image",
		VideoModel:     "veo",
		StyleSuffix:    "storybook",
		AspectRatio:    "16:9",
		PollInterval:   6 * time.Second,
		MaxPolls:       maxPolls,
	})
	var slept []time.Duration
	p.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return p, &slept
}

func TestAcquireVideoPollsUntilDone(t *testing.T) {
	images := &fakeImages{}
	videos := &fakeVideos{pollsUntil: 3}
	p, slept := newTestPipeline(images, videos, 60)

	asset, err := p.Acquire(context.Background(), "rover driving", models.MediaVideo)
	require.NoError(t, err)

	assert.Equal(t, models.MediaVideo, asset.Kind)
	assert.Equal(t, TierVideo, asset.Source)
	assert.Equal(t, "data:video/mp4;base64,bXA0", asset.StorageRef())
	assert.Equal(t, 3, videos.polls)
	assert.Equal(t, []time.Duration{6 * time.Second, 6 * time.Second, 6 * time.Second}, *slept)
	assert.Empty(t, images.calls)
}

func TestAcquireVideoBoundedPolling(t *testing.T) {
	images := &fakeImages{}
	videos := &fakeVideos{pollsUntil: 100}
	p, _ := newTestPipeline(images, videos, 2)

	asset, err := p.Acquire(context.Background(), "rover", models.MediaVideo)
	require.NoError(t, err)
	assert.Equal(t, 2, videos.polls)
	assert.Equal(t, TierImageHigh, asset.Source)
}

func TestAcquireFallsThroughEveryTier(t *testing.T) {
	images := &fakeImages{fail: map[string]bool{"imagen": true, "flash-image": true}}
	videos := &fakeVideos{startErr: llm.ErrNotAuthorized}
	p, _ := newTestPipeline(images, videos, 60)

	asset, err := p.Acquire(context.Background(), "rover", models.MediaVideo)
	assert.Nil(t, asset)
	assert.ErrorIs(t, err, ErrMediaUnavailable)

	require.Len(t, images.calls, 2)
	assert.Equal(t, "imagen", images.calls[0].Model)
	assert.Equal(t, "flash-image", images.calls[1].Model)
	assert.Equal(t, "rover. Style: storybook", images.calls[0].Prompt)
	assert.Equal(t, images.calls[0].Prompt, images.calls[1].Prompt)
}

func TestAcquireFastImageAfterHighTierFails(t *testing.T) {
	images := &fakeImages{fail: map[string]bool{"imagen": true}}
	p, _ := newTestPipeline(images, &fakeVideos{opError: "blocked", pollsUntil: 1}, 60)

	asset, err := p.Acquire(context.Background(), "rover", models.MediaVideo)
	require.NoError(t, err)
	assert.Equal(t, TierImageFast, asset.Source)
	assert.Equal(t, []byte("img-flash-image"), asset.Data)
}

func TestAcquireImageSkipsVideo(t *testing.T) {
	images := &fakeImages{}
	videos := &fakeVideos{pollsUntil: 1}
	p, _ := newTestPipeline(images, videos, 60)

	asset, err := p.Acquire(context.Background(), "rover", models.MediaImage)
	require.NoError(t, err)
	assert.Equal(t, TierImageHigh, asset.Source)
	assert.Equal(t, 0, videos.polls)
	assert.Equal(t, "16:9", images.calls[0].AspectRatio)
}
