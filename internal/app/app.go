// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/Corphon/StoryLoom/internal/api"
	"github.com/Corphon/StoryLoom/internal/config"
	"github.com/Corphon/StoryLoom/internal/di"
	"github.com/Corphon/StoryLoom/internal/llm"
	_ "github.com/Corphon/StoryLoom/internal/llm/providers/google"
	"github.com/Corphon/StoryLoom/internal/models"
	"github.com/Corphon/StoryLoom/internal/services"
	"github.com/Corphon/StoryLoom/internal/storage"
	"github.com/Corphon/StoryLoom/internal/utils"
)

const (
	shutdownTimeout     = 30 * time.Second
	maintenanceInterval = 10 * time.Minute
	taskRetention       = time.Hour
)

var errNoAPIKey = fmt.Errorf("%w: no api key configured", llm.ErrNotAuthorized)

// App owns every long-lived component of the process.
type App struct {
	config    *config.Config
	container *di.Container

	store   storage.KeyValueStore
	hub     *api.Hub
	handler *api.Handler
	limiter *api.RateLimiter
	router  *gin.Engine
	orch    *services.Orchestrator
	sampler *services.AffectSampler
	tasks   *services.ProgressService
}

// New builds the application, creating the configured provider. A missing
// API key leaves the server up with generation unavailable.
func New(cfg *config.Config) (*App, error) {
	provider, err := llm.GetProvider(cfg.LLM.Provider, map[string]string{
		"api_key":       cfg.LLM.APIKey,
		"base_url":      cfg.LLM.BaseURL,
		"default_model": cfg.LLM.TextModel,
	})
	if err != nil {
		if errors.Is(err, llm.ErrUnknownProvider) {
			return nil, fmt.Errorf("provider %q: %w", cfg.LLM.Provider, err)
		}
		utils.GetLogger().Warn("generative provider unavailable", map[string]interface{}{"provider": cfg.LLM.Provider, "error": err})
		provider = unconfiguredProvider{}
	}
	return NewWithProvider(cfg, provider)
}

// NewWithProvider builds the application around an existing provider.
func NewWithProvider(cfg *config.Config, provider llm.Provider) (*App, error) {
	store, err := storage.Open(cfg.Storage.Driver, cfg.DataDir, cfg.Storage.QuotaBytes)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	a := &App{
		config:    cfg,
		container: di.NewContainer(),
		store:     store,
		hub:       api.NewHub(),
		limiter:   api.NewRateLimiter(),
		tasks:     services.NewProgressService(),
	}
	c := a.container
	c.Register(di.Storage, store)
	c.Register(di.Provider, provider)
	c.Register(di.Hub, a.hub)
	c.Register(di.Tasks, a.tasks)

	a.tasks.OnUpdate = func(update services.ProgressUpdate) {
		a.hub.Publish(services.Event{Type: services.EventTaskProgress, Payload: update})
	}

	cache := services.NewStoryCache(store, cfg.Story.CacheLimit)
	c.Register(di.StoryCache, cache)

	author := services.NewStoryGenerator(provider, services.StoryGeneratorConfig{
		TextModel:         cfg.LLM.TextModel,
		FallbackTextModel: cfg.LLM.FallbackTextModel,
		SceneCount:        cfg.Story.SceneCount,
		ThinkingBudget:    cfg.LLM.ThinkingBudget,
	})
	c.Register(di.StoryAuthor, author)

	pipeline := services.NewMediaPipeline(provider, provider, services.MediaPipelineConfig{
		ImageModel:     cfg.LLM.ImageModel,
		FastImageModel: cfg.LLM.FastImageModel,
		VideoModel:     cfg.LLM.VideoModel,
		StyleSuffix:    cfg.Media.StyleSuffix,
		AspectRatio:    cfg.Media.AspectRatio,
		PollInterval:   cfg.Media.VideoPollInterval,
		MaxPolls:       cfg.Media.VideoMaxPolls,
	})
	c.Register(di.MediaPipeline, pipeline)

	connectivity := services.NewConnectivity(true)
	connectivity.OnChange(func(online bool) {
		utils.GetLogger().Info("connectivity changed", map[string]interface{}{"online": online})
	})
	c.Register(di.Connectivity, connectivity)

	narrator := services.NewNarrator(
		services.NewNarrationAdapter(provider, cfg.LLM.SpeechModel),
		api.NewSocketAudioPlayer(a.hub),
		api.NewSocketOfflineSpeaker(a.hub),
		connectivity.Online,
	)
	c.Register(di.Narrator, narrator)

	progress := services.NewLearningProgress()
	c.Register(di.Progress, progress)

	a.orch = services.NewOrchestrator(services.OrchestratorDeps{
		Author:       author,
		Media:        pipeline,
		Cache:        cache,
		Narrator:     narrator,
		Progress:     progress,
		Connectivity: connectivity,
		Sink:         a.hub,
	}, services.OrchestratorConfig{
		SimplifyMinLen:  cfg.Story.SimplifyMinLen,
		DefaultLanguage: cfg.Story.DefaultLanguage,
		DefaultVoice:    cfg.Story.DefaultVoice,
	})
	c.Register(di.Orchestrator, a.orch)

	frames := services.NewFrameBuffer()
	c.Register(di.Frames, frames)

	a.sampler = services.NewAffectSampler(frames, services.NewVisionClassifier(provider, cfg.LLM.VisionModel), a.orch.SamplingAllowed, services.AffectSamplerConfig{
		Interval:           cfg.Affect.Interval,
		ConfusionThreshold: cfg.Affect.ConfusionThreshold,
		FrameWidth:         cfg.Affect.FrameWidth,
		FrameHeight:        cfg.Affect.FrameHeight,
	})
	a.sampler.OnSample = func(sample models.EmotionSample) {
		a.orch.HandleEmotion(sample)
	}
	c.Register(di.Sampler, a.sampler)

	a.hub.OnMessage = a.handleClientMessage

	a.handler = api.NewHandler(api.HandlerDeps{
		Orchestrator: a.orch,
		Cache:        cache,
		Tasks:        a.tasks,
		Frames:       frames,
		Hub:          a.hub,
	})
	a.router = api.SetupRouter(a.handler, a.hub, api.RouterOptions{
		DebugMode:     cfg.DebugMode,
		GenerateLimit: cfg.GenerateRateLimit,
		Limiter:       a.limiter,
	})

	utils.GetLogger().Info("application initialized", map[string]interface{}{
		"provider": provider.GetName(),
		"storage":  cfg.Storage.Driver,
		"services": len(c.GetNames()),
	})
	return a, nil
}

func (a *App) handleClientMessage(msg api.ClientMessage) {
	switch msg.Type {
	case "narration_finished":
		a.orch.NarrationFinished()
	case "connectivity":
		if msg.Online != nil {
			a.orch.SetOnline(*msg.Online)
		}
	default:
		utils.GetLogger().Debug("ignoring client message", map[string]interface{}{"type": msg.Type})
	}
}

func (a *App) Config() *config.Config {
	return a.config
}

func (a *App) Container() *di.Container {
	return a.container
}

func (a *App) Router() *gin.Engine {
	return a.router
}

func (a *App) Orchestrator() *services.Orchestrator {
	return a.orch
}

// Run serves HTTP, the event hub and the affect sampler until ctx is done,
// then shuts the server down gracefully.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    ":" + a.config.Port,
		Handler: a.router,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		utils.GetLogger().Info("server listening", map[string]interface{}{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.sampler.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.maintain(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		utils.GetLogger().Info("shutting down server", nil)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// maintain drops finished tasks and expired rate limit windows.
func (a *App) maintain(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tasks := a.tasks.CleanupCompletedTasks(taskRetention)
			windows := a.limiter.Cleanup()
			if tasks > 0 || windows > 0 {
				utils.GetLogger().Debug("maintenance", map[string]interface{}{"tasks_removed": tasks, "windows_removed": windows})
			}
		}
	}
}

// Close stops background work and releases storage.
func (a *App) Close() error {
	a.handler.Close()
	a.orch.Close()
	return a.store.Close()
}

// unconfiguredProvider stands in until an API key is configured.
type unconfiguredProvider struct{}

func (unconfiguredProvider) Initialize(map[string]string) error { return nil }

func (unconfiguredProvider) GetName() string { return "unconfigured" }

func (unconfiguredProvider) CompleteText(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return nil, errNoAPIKey
}

func (unconfiguredProvider) GenerateImage(context.Context, llm.ImageRequest) (*llm.ImageResult, error) {
	return nil, errNoAPIKey
}

func (unconfiguredProvider) StartVideo(context.Context, llm.VideoRequest) (*llm.VideoOperation, error) {
	return nil, errNoAPIKey
}

func (unconfiguredProvider) PollVideo(context.Context, string) (*llm.VideoOperation, error) {
	return nil, errNoAPIKey
}

func (unconfiguredProvider) FetchVideo(context.Context, string) ([]byte, string, error) {
	return nil, "", errNoAPIKey
}

func (unconfiguredProvider) SynthesizeSpeech(context.Context, llm.SpeechRequest) (*llm.SpeechResult, error) {
	return nil, errNoAPIKey
}
