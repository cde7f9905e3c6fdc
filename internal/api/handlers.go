// internal/api/handlers.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/StoryLoom/internal/services"
	"github.com/Corphon/StoryLoom/internal/utils"
)

const (
	maxFrameBytes      = 5 << 20
	defaultTaskTimeout = 5 * time.Minute
	sseHeartbeat       = 15 * time.Second
)

// HandlerDeps are the services the HTTP surface drives.
type HandlerDeps struct {
	Orchestrator *services.Orchestrator
	Cache        *services.StoryCache
	Tasks        *services.ProgressService
	Frames       *services.FrameBuffer
	Hub          *Hub
	TaskTimeout  time.Duration
}

// Handler serves the session API.
type Handler struct {
	orch        *services.Orchestrator
	cache       *services.StoryCache
	tasks       *services.ProgressService
	frames      *services.FrameBuffer
	hub         *Hub
	rh          *ResponseHelper
	taskTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewHandler(deps HandlerDeps) *Handler {
	if deps.Tasks == nil {
		deps.Tasks = services.NewProgressService()
	}
	if deps.Frames == nil {
		deps.Frames = services.NewFrameBuffer()
	}
	if deps.TaskTimeout <= 0 {
		deps.TaskTimeout = defaultTaskTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		orch:        deps.Orchestrator,
		cache:       deps.Cache,
		tasks:       deps.Tasks,
		frames:      deps.Frames,
		hub:         deps.Hub,
		rh:          NewResponseHelper(),
		taskTimeout: deps.TaskTimeout,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Wait blocks until every background task has returned.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// Close cancels background tasks and waits for them.
func (h *Handler) Close() {
	h.cancel()
	h.wg.Wait()
}

// runTask starts fn in the background under a tracker and returns the task ID.
func (h *Handler) runTask(name string, fn func(ctx context.Context, tracker *services.ProgressTracker)) string {
	tracker := h.tasks.CreateTracker("")
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(h.ctx, h.taskTimeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				utils.GetLogger().Error("background task panicked", map[string]interface{}{"task": name, "panic": fmt.Sprint(r)})
				tracker.Fail("internal error")
			}
		}()
		fn(ctx, tracker)
	}()
	return tracker.TaskID
}

// bindOptionalJSON accepts an empty body.
func bindOptionalJSON(c *gin.Context, v interface{}) error {
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ===============================
// Stories
// ===============================

type generateRequest struct {
	Topic    string `json:"topic"`
	Language string `json:"language"`
}

// GenerateStory starts story generation and answers 202 with a task ID.
func (h *Handler) GenerateStory(c *gin.Context) {
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.rh.BadRequest(c, "invalid request body", err.Error())
		return
	}
	if strings.TrimSpace(req.Topic) == "" {
		h.rh.Success(c, gin.H{"task_id": ""}, "nothing to generate")
		return
	}
	if h.orch.Snapshot().State == services.StateGenerating {
		h.rh.Error(c, http.StatusConflict, ErrorSessionState, "a story is already being generated")
		return
	}

	taskID := h.runTask("generate", func(ctx context.Context, tracker *services.ProgressTracker) {
		tracker.UpdateProgress(10, "writing the story")
		story, err := h.orch.Generate(ctx, req.Topic, req.Language)
		if err != nil {
			tracker.Fail(err.Error())
			return
		}
		if story == nil {
			tracker.Complete("nothing to generate", "")
			return
		}
		tracker.Complete("story ready", story.ID)
	})
	h.rh.Accepted(c, gin.H{"task_id": taskID}, "generation started")
}

type storySummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Language  string    `json:"language"`
	Scenes    int       `json:"scenes"`
	CreatedAt time.Time `json:"created_at"`
}

// ListStories returns the cached stories, newest first.
func (h *Handler) ListStories(c *gin.Context) {
	stories := h.cache.List()
	summaries := make([]storySummary, 0, len(stories))
	for _, story := range stories {
		summaries = append(summaries, storySummary{
			ID:        story.ID,
			Title:     story.Title,
			Language:  story.Language,
			Scenes:    len(story.Scenes),
			CreatedAt: story.CreatedAt,
		})
	}
	h.rh.Success(c, summaries)
}

func (h *Handler) LoadStory(c *gin.Context) {
	story, err := h.orch.LoadStory(c.Param("id"))
	if err != nil {
		h.rh.FromError(c, err)
		return
	}
	h.rh.Success(c, story)
}

// ===============================
// Tasks
// ===============================

func (h *Handler) GetTask(c *gin.Context) {
	tracker, exists := h.tasks.GetTracker(c.Param("id"))
	if !exists {
		h.rh.NotFound(c, ErrorTaskNotFound, "task not found")
		return
	}
	h.rh.Success(c, tracker.Snapshot())
}

// StreamTask pushes task progress as server-sent events until the task ends.
func (h *Handler) StreamTask(c *gin.Context) {
	tracker, exists := h.tasks.GetTracker(c.Param("id"))
	if !exists {
		h.rh.NotFound(c, ErrorTaskNotFound, "task not found")
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	clientGone := c.Request.Context().Done()
	updates := tracker.Subscribe()
	defer tracker.Unsubscribe(updates)

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-clientGone:
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			data, _ := json.Marshal(update)
			fmt.Fprintf(c.Writer, "event: progress\ndata: %s\n\n", data)
			c.Writer.Flush()

			if update.Status == services.TaskCompleted || update.Status == services.TaskFailed {
				return
			}
		case <-ticker.C:
			fmt.Fprintf(c.Writer, "event: heartbeat\ndata: {\"time\":%d}\n\n", time.Now().Unix())
			c.Writer.Flush()
		}
	}
}

// ===============================
// Session
// ===============================

func (h *Handler) GetSession(c *gin.Context) {
	h.rh.Success(c, h.orch.Snapshot())
}

func (h *Handler) NextScene(c *gin.Context) {
	snap, err := h.orch.Next()
	if err != nil {
		h.rh.FromError(c, err)
		return
	}
	h.rh.Success(c, snap)
}

func (h *Handler) PreviousScene(c *gin.Context) {
	snap, err := h.orch.Previous()
	if err != nil {
		h.rh.FromError(c, err)
		return
	}
	h.rh.Success(c, snap)
}

type answerRequest struct {
	Option *int `json:"option"`
}

func (h *Handler) AnswerQuiz(c *gin.Context) {
	item, err := strconv.Atoi(c.Param("item"))
	if err != nil {
		h.rh.Error(c, http.StatusBadRequest, ErrorQuizInvalid, "quiz item must be a number")
		return
	}
	var req answerRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Option == nil {
		h.rh.Error(c, http.StatusBadRequest, ErrorQuizInvalid, "option is required")
		return
	}

	result, err := h.orch.AnswerQuiz(item, *req.Option)
	if err != nil {
		h.rh.FromError(c, err)
		return
	}
	h.rh.Success(c, result)
}

func (h *Handler) FinishStory(c *gin.Context) {
	result, err := h.orch.Finish()
	if err != nil {
		h.rh.FromError(c, err)
		return
	}
	h.rh.Success(c, result)
}

// PrefetchMedia acquires media for every remaining scene in the background.
func (h *Handler) PrefetchMedia(c *gin.Context) {
	snap := h.orch.Snapshot()
	if snap.Story == nil {
		h.rh.Error(c, http.StatusConflict, ErrorSessionState, "no story is loaded")
		return
	}
	storyID := snap.Story.ID

	taskID := h.runTask("prefetch", func(ctx context.Context, tracker *services.ProgressTracker) {
		tracker.UpdateProgress(10, "fetching scene media")
		if err := h.orch.PrefetchMedia(ctx); err != nil {
			tracker.Fail(err.Error())
			return
		}
		tracker.Complete("media prefetched", storyID)
	})
	h.rh.Accepted(c, gin.H{"task_id": taskID}, "prefetch started")
}

type narrationRequest struct {
	Voice string `json:"voice"`
}

// ToggleNarration starts or stops reading the current scene aloud.
func (h *Handler) ToggleNarration(c *gin.Context) {
	var req narrationRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		h.rh.BadRequest(c, "invalid request body", err.Error())
		return
	}

	playing, err := h.orch.ToggleNarration(c.Request.Context(), req.Voice)
	if err != nil {
		h.rh.FromError(c, err)
		return
	}
	h.rh.Success(c, gin.H{"playing": playing})
}

func (h *Handler) NarrationFinished(c *gin.Context) {
	h.orch.NarrationFinished()
	h.rh.Success(c, gin.H{"playing": false})
}

type connectivityRequest struct {
	Online *bool `json:"online"`
}

func (h *Handler) SetConnectivity(c *gin.Context) {
	var req connectivityRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Online == nil {
		h.rh.BadRequest(c, "online is required")
		return
	}
	h.orch.SetOnline(*req.Online)
	h.rh.Success(c, gin.H{"online": *req.Online})
}

type cameraRequest struct {
	Active *bool `json:"active"`
}

// SetCamera turns frame capture on or off.
func (h *Handler) SetCamera(c *gin.Context) {
	var req cameraRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Active == nil {
		h.rh.BadRequest(c, "active is required")
		return
	}
	if *req.Active {
		h.frames.Start()
	} else {
		h.frames.Stop()
	}
	h.rh.Success(c, gin.H{"active": h.frames.Active()})
}

// PushFrame stores the latest camera frame (JPEG or PNG body).
func (h *Handler) PushFrame(c *gin.Context) {
	if !h.frames.Active() {
		h.rh.Error(c, http.StatusConflict, ErrorCameraInactive, "camera is not active")
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxFrameBytes))
	if err != nil {
		h.rh.Error(c, http.StatusRequestEntityTooLarge, ErrorFrameInvalid, "frame too large")
		return
	}
	if err := h.frames.Update(data); err != nil {
		if errors.Is(err, services.ErrNoFrame) {
			h.rh.Error(c, http.StatusConflict, ErrorCameraInactive, "camera is not active")
			return
		}
		if errors.Is(err, services.ErrFrameTooLarge) {
			h.rh.Error(c, http.StatusBadRequest, ErrorFrameInvalid, "frame dimensions are too large")
			return
		}
		h.rh.Error(c, http.StatusBadRequest, ErrorFrameInvalid, "frame is not a JPEG or PNG image")
		return
	}
	c.Status(http.StatusNoContent)
}

// ===============================
// Progress and diagnostics
// ===============================

func (h *Handler) GetProgress(c *gin.Context) {
	h.rh.Success(c, h.orch.Progress())
}

func (h *Handler) GetMetrics(c *gin.Context) {
	metrics := utils.GetMetricsCollector().GetMetrics()
	if h.hub != nil {
		metrics["websocket_clients"] = h.hub.ClientCount()
	}
	h.rh.Success(c, metrics)
}

func (h *Handler) Health(c *gin.Context) {
	snap := h.orch.Snapshot()
	h.rh.Success(c, gin.H{
		"status": "ok",
		"state":  snap.State,
		"online": snap.Online,
	})
}
