// internal/api/router.go
package api

import (
	"time"

	"github.com/gin-gonic/gin"
)

// RouterOptions tunes the HTTP surface.
type RouterOptions struct {
	DebugMode bool
	// GenerateLimit caps story generation requests per client per minute; 0 disables it.
	GenerateLimit int
	Limiter       *RateLimiter
}

// SetupRouter wires every route onto a new gin engine.
func SetupRouter(handler *Handler, hub *Hub, opts RouterOptions) *gin.Engine {
	if opts.Limiter == nil {
		opts.Limiter = NewRateLimiter()
	}
	if !opts.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(RequestLogger())
	r.Use(corsMiddleware())

	r.GET("/ws/session", hub.ServeWS)

	api := r.Group("/api")
	{
		api.GET("/health", handler.Health)
		api.GET("/progress", handler.GetProgress)
		api.GET("/metrics", handler.GetMetrics)

		generate := []gin.HandlerFunc{handler.GenerateStory}
		if opts.GenerateLimit > 0 {
			generate = append([]gin.HandlerFunc{RateLimitByIP(opts.Limiter, opts.GenerateLimit, time.Minute)}, generate...)
		}
		api.POST("/story", generate...)

		tasksGroup := api.Group("/tasks")
		{
			tasksGroup.GET("/:id", handler.GetTask)
			tasksGroup.GET("/:id/stream", handler.StreamTask)
		}

		storiesGroup := api.Group("/stories")
		{
			storiesGroup.GET("", handler.ListStories)
			storiesGroup.POST("/:id/load", handler.LoadStory)
		}

		sessionGroup := api.Group("/session")
		{
			sessionGroup.GET("", handler.GetSession)
			sessionGroup.POST("/next", handler.NextScene)
			sessionGroup.POST("/previous", handler.PreviousScene)
			sessionGroup.POST("/quiz/:item/answer", handler.AnswerQuiz)
			sessionGroup.POST("/finish", handler.FinishStory)
			sessionGroup.POST("/prefetch", handler.PrefetchMedia)
			sessionGroup.POST("/narration", handler.ToggleNarration)
			sessionGroup.POST("/narration/finished", handler.NarrationFinished)
			sessionGroup.POST("/connectivity", handler.SetConnectivity)
			sessionGroup.POST("/camera", handler.SetCamera)
			sessionGroup.POST("/frame", handler.PushFrame)
		}
	}

	return r
}
