package api

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/StoryLoom/internal/models"
	"github.com/Corphon/StoryLoom/internal/services"
	"github.com/Corphon/StoryLoom/internal/storage"
)

type stubAuthor struct {
	calls int32
}

func (a *stubAuthor) Generate(ctx context.Context, topic, language string) (*models.Story, error) {
	n := atomic.AddInt32(&a.calls, 1)
	return &models.Story{
		ID:       fmt.Sprintf("story-%d", n),
		Title:    topic,
		Language: language,
		Scenes: []models.Scene{
			{ID: "scene-0", Text: "Rovers roll across the red dust of Mars looking for signs of water.", ImagePrompt: "rover", MediaType: models.MediaImage},
			{ID: "scene-1", Text: "At night the rover sleeps and sends pictures home.", ImagePrompt: "night", MediaType: models.MediaImage},
		},
		Quiz: []models.QuizItem{{
			Question: "What colour is Mars?",
			Options:  []models.QuizOption{{Text: "Red", IsCorrect: true}, {Text: "Blue"}},
			Feedback: "Mars is covered in red dust.",
		}},
		CreatedAt: time.Now(),
	}, nil
}

func (a *stubAuthor) Simplify(ctx context.Context, text, language string) (string, error) {
	return "Short text.", nil
}

type stubMedia struct{}

func (stubMedia) Acquire(ctx context.Context, directive string, kind models.MediaKind) (*models.MediaAsset, error) {
	return &models.MediaAsset{Kind: kind, MimeType: "image/png", Data: []byte(directive), Source: "image_fast"}, nil
}

type testServer struct {
	router  *gin.Engine
	handler *Handler
	hub     *Hub
	orch    *services.Orchestrator
	cache   *services.StoryCache
}

func newTestServer(t *testing.T, opts RouterOptions) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := storage.NewFileStorage(t.TempDir(), 0)
	require.NoError(t, err)

	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	cache := services.NewStoryCache(store, 5)
	orch := services.NewOrchestrator(services.OrchestratorDeps{
		Author: &stubAuthor{},
		Media:  stubMedia{},
		Cache:  cache,
		Sink:   hub,
	}, services.OrchestratorConfig{})
	handler := NewHandler(HandlerDeps{Orchestrator: orch, Cache: cache, Hub: hub})

	t.Cleanup(func() {
		handler.Close()
		orch.Close()
		cancel()
	})

	opts.DebugMode = true
	return &testServer{
		router:  SetupRouter(handler, hub, opts),
		handler: handler,
		hub:     hub,
		orch:    orch,
		cache:   cache,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var resp APIResponse
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &resp)
	}
	return w, resp
}

func (s *testServer) generate(t *testing.T, topic string) string {
	t.Helper()
	w, resp := s.do(t, http.MethodPost, "/api/story", gin.H{"topic": topic, "language": "en"})
	require.Equal(t, http.StatusAccepted, w.Code)
	taskID := resp.Data.(map[string]interface{})["task_id"].(string)
	require.NotEmpty(t, taskID)

	s.handler.Wait()
	s.orch.Wait()
	return taskID
}

func pngFrame(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, RouterOptions{})

	w, resp := s.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, resp.Success)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, "idle", resp.Data.(map[string]interface{})["state"])
}

func TestGenerateBlankTopicIsNoop(t *testing.T) {
	s := newTestServer(t, RouterOptions{})

	w, resp := s.do(t, http.MethodPost, "/api/story", gin.H{"topic": "   "})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "", resp.Data.(map[string]interface{})["task_id"])
	assert.Equal(t, services.StateIdle, s.orch.Snapshot().State)
}

func TestGenerateRejectsBadBody(t *testing.T) {
	s := newTestServer(t, RouterOptions{})

	w, resp := s.do(t, http.MethodPost, "/api/story", []byte("{not json"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrorBadRequest, resp.Error.Code)
}

func TestGenerateTaskCompletesWithStoryID(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	taskID := s.generate(t, "Mars Rover")

	w, resp := s.do(t, http.MethodGet, "/api/tasks/"+taskID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	task := resp.Data.(map[string]interface{})
	assert.Equal(t, services.TaskCompleted, task["status"])
	assert.Equal(t, "story-1", task["result"])
	assert.EqualValues(t, 100, task["progress"])

	snap := s.orch.Snapshot()
	assert.Equal(t, services.StatePresenting, snap.State)
	assert.Equal(t, services.MediaResolved, snap.Media["scene-0"])

	w, resp = s.do(t, http.MethodGet, "/api/stories", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := resp.Data.([]interface{})
	require.Len(t, list, 1)
	assert.Equal(t, "Mars Rover", list[0].(map[string]interface{})["title"])
}

func TestUnknownTask(t *testing.T) {
	s := newTestServer(t, RouterOptions{})

	w, resp := s.do(t, http.MethodGet, "/api/tasks/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, ErrorTaskNotFound, resp.Error.Code)

	w, _ = s.do(t, http.MethodGet, "/api/tasks/missing/stream", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStreamFinishedTask(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	taskID := s.generate(t, "Volcanoes")

	w, _ := s.do(t, http.MethodGet, "/api/tasks/"+taskID+"/stream", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "event: progress")
	assert.Contains(t, w.Body.String(), `"status":"completed"`)
}

func TestSessionFlowThroughQuiz(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	s.generate(t, "Mars Rover")

	w, _ := s.do(t, http.MethodPost, "/api/session/previous", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, resp := s.do(t, http.MethodPost, "/api/session/next", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, resp.Data.(map[string]interface{})["scene_index"])

	w, resp = s.do(t, http.MethodPost, "/api/session/next", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "quiz", resp.Data.(map[string]interface{})["state"])

	w, _ = s.do(t, http.MethodPost, "/api/session/next", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w, resp = s.do(t, http.MethodPost, "/api/session/quiz/0/answer", gin.H{"option": 0})
	require.Equal(t, http.StatusOK, w.Code)
	result := resp.Data.(map[string]interface{})
	assert.Equal(t, true, result["accepted"])
	assert.Equal(t, true, result["correct"])
	assert.EqualValues(t, services.PointsCorrect, result["points"])

	w, resp = s.do(t, http.MethodPost, "/api/session/quiz/0/answer", gin.H{"option": 1})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, resp.Data.(map[string]interface{})["accepted"])

	w, resp = s.do(t, http.MethodPost, "/api/session/quiz/5/answer", gin.H{"option": 0})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, ErrorQuizInvalid, resp.Error.Code)

	w, _ = s.do(t, http.MethodPost, "/api/session/quiz/x/answer", gin.H{"option": 0})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, resp = s.do(t, http.MethodPost, "/api/session/finish", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, resp.Data.(map[string]interface{})["perfect"])

	w, resp = s.do(t, http.MethodGet, "/api/progress", nil)
	require.Equal(t, http.StatusOK, w.Code)
	progress := resp.Data.(map[string]interface{})
	assert.EqualValues(t, 1, progress["stories_completed"])
	assert.EqualValues(t, services.PointsCorrect, progress["total_points"])
}

func TestSessionConflictsWhenIdle(t *testing.T) {
	s := newTestServer(t, RouterOptions{})

	w, resp := s.do(t, http.MethodPost, "/api/session/next", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, ErrorSessionState, resp.Error.Code)

	w, _ = s.do(t, http.MethodPost, "/api/session/finish", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = s.do(t, http.MethodPost, "/api/session/prefetch", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestLoadStory(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	s.generate(t, "Mars Rover")

	w, resp := s.do(t, http.MethodPost, "/api/stories/missing/load", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, ErrorStoryNotFound, resp.Error.Code)

	_, _ = s.do(t, http.MethodPost, "/api/session/next", nil)
	w, resp = s.do(t, http.MethodPost, "/api/stories/story-1/load", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "story-1", resp.Data.(map[string]interface{})["id"])
	assert.Equal(t, 0, s.orch.Snapshot().SceneIndex)
}

func TestPrefetchRunsAsTask(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	s.generate(t, "Mars Rover")

	w, resp := s.do(t, http.MethodPost, "/api/session/prefetch", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	taskID := resp.Data.(map[string]interface{})["task_id"].(string)
	s.handler.Wait()

	tracker, ok := s.handler.tasks.GetTracker(taskID)
	require.True(t, ok)
	assert.Equal(t, services.TaskCompleted, tracker.Snapshot().Status)

	snap := s.orch.Snapshot()
	assert.Equal(t, services.MediaResolved, snap.Media["scene-0"])
	assert.Equal(t, services.MediaResolved, snap.Media["scene-1"])
}

func TestNarrationUnavailableWithoutNarrator(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	s.generate(t, "Mars Rover")

	w, resp := s.do(t, http.MethodPost, "/api/session/narration", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, ErrorFeatureUnavailable, resp.Error.Code)
}

func TestConnectivity(t *testing.T) {
	s := newTestServer(t, RouterOptions{})

	w, _ := s.do(t, http.MethodPost, "/api/session/connectivity", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = s.do(t, http.MethodPost, "/api/session/connectivity", gin.H{"online": false})
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, s.orch.Snapshot().Online)
}

func TestCameraAndFrames(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	frame := pngFrame(t)

	w, resp := s.do(t, http.MethodPost, "/api/session/frame", frame)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, ErrorCameraInactive, resp.Error.Code)

	w, _ = s.do(t, http.MethodPost, "/api/session/camera", gin.H{"active": true})
	require.Equal(t, http.StatusOK, w.Code)

	w, resp = s.do(t, http.MethodPost, "/api/session/frame", []byte("not an image"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, ErrorFrameInvalid, resp.Error.Code)

	huge := pngFrame(t)
	binary.BigEndian.PutUint32(huge[16:20], 50000)
	binary.BigEndian.PutUint32(huge[20:24], 50000)
	binary.BigEndian.PutUint32(huge[29:33], crc32.ChecksumIEEE(huge[12:29]))
	w, resp = s.do(t, http.MethodPost, "/api/session/frame", huge)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, ErrorFrameInvalid, resp.Error.Code)

	w, _ = s.do(t, http.MethodPost, "/api/session/frame", frame)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w, _ = s.do(t, http.MethodPost, "/api/session/camera", gin.H{"active": false})
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, s.handler.frames.Active())
}

func TestGenerateRateLimit(t *testing.T) {
	s := newTestServer(t, RouterOptions{GenerateLimit: 1})
	s.generate(t, "Mars Rover")

	w, resp := s.do(t, http.MethodPost, "/api/story", gin.H{"topic": "Oceans"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, ErrorRateLimited, resp.Error.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
}

func TestMetricsIncludesSocketClients(t *testing.T) {
	s := newTestServer(t, RouterOptions{})

	w, resp := s.do(t, http.MethodGet, "/api/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, resp.Data.(map[string]interface{})["websocket_clients"])
}

func TestWebSocketReceivesSessionEvents(t *testing.T) {
	s := newTestServer(t, RouterOptions{})

	online := make(chan bool, 1)
	s.hub.OnMessage = func(msg ClientMessage) {
		if msg.Type == "connectivity" && msg.Online != nil {
			online <- *msg.Online
		}
	}

	srv := httptest.NewServer(s.router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/session", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	s.generate(t, "Mars Rover")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	seen := map[string]bool{}
	for !seen[services.EventStoryReady] || !seen[services.EventMediaReady] {
		var msg struct {
			Type string `json:"type"`
		}
		require.NoError(t, conn.ReadJSON(&msg))
		seen[msg.Type] = true
	}

	require.NoError(t, conn.WriteJSON(gin.H{"type": "connectivity", "online": false}))
	select {
	case got := <-online:
		assert.False(t, got)
	case <-time.After(2 * time.Second):
		t.Fatal("client message not delivered")
	}
}

func TestSocketNarrationAdapters(t *testing.T) {
	hub := NewHub()
	player := NewSocketAudioPlayer(hub)
	speaker := NewSocketOfflineSpeaker(hub)

	require.NoError(t, player.Play(context.Background(), []byte("RIFF"), "audio/wav"))
	require.NoError(t, speaker.Speak("hello", "en"))
	player.Stop()

	var types []string
	for i := 0; i < 3; i++ {
		var msg struct {
			Type    string                 `json:"type"`
			Payload map[string]interface{} `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(<-hub.broadcast, &msg))
		types = append(types, msg.Type)
		if msg.Type == services.EventNarrationPlay {
			assert.Equal(t, "UklGRg==", msg.Payload["audio"])
		}
	}
	assert.Equal(t, []string{services.EventNarrationPlay, services.EventOfflineSpeech, services.EventNarrationStop}, types)
}
