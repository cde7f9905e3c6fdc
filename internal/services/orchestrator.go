// internal/services/orchestrator.go
package services

import (
	"context"
	"strings"
	"sync"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/Corphon/StoryLoom/internal/errors"
	"github.com/Corphon/StoryLoom/internal/models"
	"github.com/Corphon/StoryLoom/internal/utils"
)

// SessionState is the orchestrator's position in the storytelling flow.
type SessionState string

const (
	StateIdle        SessionState = "idle"
	StateGenerating  SessionState = "generating"
	StatePresenting  SessionState = "presenting"
	StateSimplifying SessionState = "simplifying"
	StateQuiz        SessionState = "quiz"
)

// Event types pushed to the client.
const (
	EventStoryReady       = "story_ready"
	EventGenerationFailed = "generation_failed"
	EventSceneChanged     = "scene_changed"
	EventMediaReady       = "media_ready"
	EventMediaUnavailable = "media_unavailable"
	EventSceneSimplified  = "scene_simplified"
	EventEmotion          = "emotion"
	EventNarrationPlay    = "narration_play"
	EventNarrationStop    = "narration_stop"
	EventOfflineSpeech    = "offline_speech"
	EventQuizAnswered     = "quiz_answered"
	EventStoryFinished    = "story_finished"
	EventTaskProgress     = "task_progress"
)

type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// EventSink receives session events. Publish must not block.
type EventSink interface {
	Publish(event Event)
}

type discardSink struct{}

func (discardSink) Publish(Event) {}

// StoryAuthor produces and simplifies stories.
type StoryAuthor interface {
	Generate(ctx context.Context, topic, language string) (*models.Story, error)
	Simplify(ctx context.Context, text, language string) (string, error)
}

// MediaSource resolves a scene's visual directive.
type MediaSource interface {
	Acquire(ctx context.Context, directive string, kind models.MediaKind) (*models.MediaAsset, error)
}

type MediaStatus string

const (
	MediaPending  MediaStatus = "pending"
	MediaResolved MediaStatus = "resolved"
	MediaFailed   MediaStatus = "failed"
)

type QuizAnswer struct {
	Option  int  `json:"option"`
	Correct bool `json:"correct"`
}

type QuizResult struct {
	Accepted bool   `json:"accepted"`
	Correct  bool   `json:"correct"`
	Points   int    `json:"points"`
	Feedback string `json:"feedback"`
}

type FinishResult struct {
	Perfect   bool                   `json:"perfect"`
	NewBadges []string               `json:"new_badges"`
	Progress  models.SessionProgress `json:"progress"`
}

// Snapshot is a copy of the session for the client.
type Snapshot struct {
	State       SessionState           `json:"state"`
	Story       *models.Story          `json:"story,omitempty"`
	SceneIndex  int                    `json:"scene_index"`
	Simplifying bool                   `json:"simplifying"`
	Online      bool                   `json:"online"`
	Narrating   bool                   `json:"narrating"`
	Media       map[string]MediaStatus `json:"media"`
	Answers     map[int]QuizAnswer     `json:"answers"`
}

type OrchestratorConfig struct {
	SimplifyMinLen  int
	DefaultLanguage string
	DefaultVoice    string
	PrefetchLimit   int
}

type OrchestratorDeps struct {
	Author       StoryAuthor
	Media        MediaSource
	Cache        *StoryCache
	Narrator     *Narrator
	Progress     *LearningProgress
	Connectivity *Connectivity
	Sink         EventSink
}

// Orchestrator owns the single storytelling session.
type Orchestrator struct {
	author       StoryAuthor
	media        MediaSource
	cache        *StoryCache
	narrator     *Narrator
	progress     *LearningProgress
	connectivity *Connectivity
	sink         EventSink
	cfg          OrchestratorConfig

	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup

	mu          sync.Mutex
	state       SessionState
	story       *models.Story
	sceneIndex  int
	session     uint64 // bumped on every reset; stale background work compares against it
	simplifying bool
	mediaStates map[string]MediaStatus // per session, keyed by scene ID
	inflight    map[string]struct{}    // "storyID/sceneID" acquisitions running across sessions
	answers     map[int]QuizAnswer
}

func NewOrchestrator(deps OrchestratorDeps, cfg OrchestratorConfig) *Orchestrator {
	if cfg.SimplifyMinLen <= 0 {
		cfg.SimplifyMinLen = 50
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = "en"
	}
	if cfg.DefaultVoice == "" {
		cfg.DefaultVoice = DefaultVoice
	}
	if cfg.PrefetchLimit <= 0 {
		cfg.PrefetchLimit = 2
	}
	if deps.Sink == nil {
		deps.Sink = discardSink{}
	}
	if deps.Connectivity == nil {
		deps.Connectivity = NewConnectivity(true)
	}
	if deps.Progress == nil {
		deps.Progress = NewLearningProgress()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		author:       deps.Author,
		media:        deps.Media,
		cache:        deps.Cache,
		narrator:     deps.Narrator,
		progress:     deps.Progress,
		connectivity: deps.Connectivity,
		sink:         deps.Sink,
		cfg:          cfg,
		ctx:          ctx,
		cancel:       cancel,
		state:        StateIdle,
		mediaStates:  make(map[string]MediaStatus),
		inflight:     make(map[string]struct{}),
		answers:      make(map[int]QuizAnswer),
	}
}

// Close stops background work and waits for it to return.
func (o *Orchestrator) Close() {
	o.cancel()
	o.bg.Wait()
}

// Wait blocks until background media and simplification work is idle.
func (o *Orchestrator) Wait() {
	o.bg.Wait()
}

func (o *Orchestrator) publish(eventType string, payload interface{}) {
	o.sink.Publish(Event{Type: eventType, Payload: payload})
}

func (o *Orchestrator) stopNarration() {
	if o.narrator != nil {
		o.narrator.Stop()
	}
}

func (o *Orchestrator) presentingLocked() bool {
	return o.state == StatePresenting || o.state == StateSimplifying
}

// Generate creates a story for topic and starts presenting it. A blank topic
// is a no-op returning (nil, nil).
func (o *Orchestrator) Generate(ctx context.Context, topic, language string) (*models.Story, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, nil
	}
	if language == "" {
		language = o.cfg.DefaultLanguage
	}

	o.mu.Lock()
	if o.state == StateGenerating {
		o.mu.Unlock()
		return nil, apperrors.NewConflictError("a story is already being generated", nil)
	}
	o.state = StateGenerating
	o.mu.Unlock()
	o.stopNarration()

	story, err := o.author.Generate(ctx, topic, language)
	if err == nil && (story == nil || len(story.Scenes) == 0) {
		err = apperrors.NewMalformedResponseError("could not create this story, please try another topic", nil)
	}
	if err != nil {
		if _, ok := err.(*apperrors.AppError); !ok {
			err = apperrors.NewUpstreamError("the story service is unavailable right now", err)
		}
		o.mu.Lock()
		o.resetLocked()
		o.mu.Unlock()

		utils.GetLogger().Warn("story generation failed", map[string]interface{}{"topic": topic, "error": err})
		o.publish(EventGenerationFailed, map[string]interface{}{"message": err.(*apperrors.AppError).Message})
		return nil, err
	}

	if o.cache != nil {
		o.cache.Save(story)
	}
	o.startSession(story)
	return story.Clone(), nil
}

// LoadStory resumes a cached story from its first scene.
func (o *Orchestrator) LoadStory(id string) (*models.Story, error) {
	if o.cache == nil {
		return nil, apperrors.NewNotFoundError("story not found", nil)
	}
	story, ok := o.cache.Get(id)
	if !ok {
		return nil, apperrors.NewNotFoundError("story not found", nil)
	}

	o.mu.Lock()
	if o.state == StateGenerating {
		o.mu.Unlock()
		return nil, apperrors.NewConflictError("a story is being generated", nil)
	}
	o.mu.Unlock()
	o.stopNarration()

	o.startSession(story)
	return story.Clone(), nil
}

func (o *Orchestrator) resetLocked() {
	o.state = StateIdle
	o.story = nil
	o.sceneIndex = 0
	o.session++
	o.simplifying = false
	o.mediaStates = make(map[string]MediaStatus)
	o.answers = make(map[int]QuizAnswer)
}

func (o *Orchestrator) startSession(story *models.Story) {
	o.mu.Lock()
	o.resetLocked()
	o.story = story.Clone()
	o.state = StatePresenting
	for _, scene := range o.story.Scenes {
		if scene.MediaURL != "" {
			o.mediaStates[scene.ID] = MediaResolved
		}
	}
	snapshot := o.story.Clone()
	o.mu.Unlock()

	o.publish(EventStoryReady, map[string]interface{}{"story": snapshot, "scene_index": 0})

	o.mu.Lock()
	if o.story != nil && o.story.ID == snapshot.ID && o.presentingLocked() {
		o.ensureMediaLocked(o.sceneIndex)
	}
	o.mu.Unlock()
}

// ensureMediaLocked starts acquisition for scene idx unless it is resolved,
// pending or failed in this session.
func (o *Orchestrator) ensureMediaLocked(idx int) {
	if o.story == nil || o.media == nil || idx < 0 || idx >= len(o.story.Scenes) {
		return
	}
	scene := o.story.Scenes[idx]
	storyID := o.story.ID
	if !o.claimLocked(storyID, scene) {
		return
	}

	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		o.acquire(o.ctx, storyID, scene)
	}()
}

// claimLocked marks scene pending and reports whether the caller should run
// the acquisition.
func (o *Orchestrator) claimLocked(storyID string, scene models.Scene) bool {
	if scene.MediaURL != "" {
		o.mediaStates[scene.ID] = MediaResolved
		return false
	}
	if _, seen := o.mediaStates[scene.ID]; seen {
		return false
	}
	o.mediaStates[scene.ID] = MediaPending
	key := storyID + "/" + scene.ID
	if _, running := o.inflight[key]; running {
		return false
	}
	o.inflight[key] = struct{}{}
	return true
}

func (o *Orchestrator) acquire(ctx context.Context, storyID string, scene models.Scene) {
	asset, err := o.media.Acquire(ctx, scene.ImagePrompt, scene.MediaType)

	o.mu.Lock()
	delete(o.inflight, storyID+"/"+scene.ID)
	live := o.story != nil && o.story.ID == storyID && o.story.SceneIndex(scene.ID) >= 0

	if err != nil {
		if live {
			o.mediaStates[scene.ID] = MediaFailed
		}
		o.mu.Unlock()

		utils.GetLogger().Warn("media unavailable", map[string]interface{}{
			"story_id": storyID,
			"scene_id": scene.ID,
			"error":    err,
		})
		if live {
			o.publish(EventMediaUnavailable, map[string]interface{}{"story_id": storyID, "scene_id": scene.ID})
		}
		return
	}

	ref := asset.StorageRef()
	if live {
		o.story.Scenes[o.story.SceneIndex(scene.ID)].MediaURL = ref
		o.mediaStates[scene.ID] = MediaResolved
	}
	o.mu.Unlock()

	if o.cache != nil {
		o.cache.PatchSceneMedia(storyID, scene.ID, ref)
	}
	if live {
		o.publish(EventMediaReady, map[string]interface{}{
			"story_id":  storyID,
			"scene_id":  scene.ID,
			"kind":      asset.Kind,
			"source":    asset.Source,
			"media_url": ref,
		})
	}
}

// PrefetchMedia acquires media for every scene that has none yet, two at a time.
func (o *Orchestrator) PrefetchMedia(ctx context.Context) error {
	o.mu.Lock()
	if o.story == nil || o.media == nil {
		o.mu.Unlock()
		return apperrors.NewConflictError("no story is loaded", nil)
	}
	storyID := o.story.ID
	var claimed []models.Scene
	for _, scene := range o.story.Scenes {
		if o.claimLocked(storyID, scene) {
			claimed = append(claimed, scene)
		}
	}
	o.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.PrefetchLimit)
	for _, scene := range claimed {
		scene := scene
		g.Go(func() error {
			o.acquire(gctx, storyID, scene)
			return nil
		})
	}
	return g.Wait()
}

// Next advances one scene; past the last scene it enters quiz mode.
func (o *Orchestrator) Next() (Snapshot, error) {
	o.mu.Lock()
	if !o.presentingLocked() {
		o.mu.Unlock()
		return o.Snapshot(), apperrors.NewConflictError("no scene is being presented", nil)
	}
	if o.sceneIndex < len(o.story.Scenes)-1 {
		o.sceneIndex++
		o.ensureMediaLocked(o.sceneIndex)
	} else {
		o.state = StateQuiz
	}
	o.mu.Unlock()

	o.stopNarration()
	snap := o.Snapshot()
	o.publish(EventSceneChanged, map[string]interface{}{"state": snap.State, "scene_index": snap.SceneIndex})
	return snap, nil
}

// Previous steps back one scene; at the first scene it is a no-op.
func (o *Orchestrator) Previous() (Snapshot, error) {
	o.mu.Lock()
	if !o.presentingLocked() {
		o.mu.Unlock()
		return o.Snapshot(), apperrors.NewConflictError("no scene is being presented", nil)
	}
	if o.sceneIndex == 0 {
		o.mu.Unlock()
		return o.Snapshot(), nil
	}
	o.sceneIndex--
	o.ensureMediaLocked(o.sceneIndex)
	o.mu.Unlock()

	o.stopNarration()
	snap := o.Snapshot()
	o.publish(EventSceneChanged, map[string]interface{}{"state": snap.State, "scene_index": snap.SceneIndex})
	return snap, nil
}

// HandleEmotion reacts to one affect sample and reports whether a
// simplification was started. The result is applied to the scene that was
// current when the request was issued, even if the learner moved on.
func (o *Orchestrator) HandleEmotion(sample models.EmotionSample) bool {
	o.progress.RecordEmotion(sample)
	o.publish(EventEmotion, sample)

	if !sample.NeedsSimplification {
		return false
	}

	o.mu.Lock()
	if o.state != StatePresenting || o.simplifying {
		o.mu.Unlock()
		return false
	}
	scene := o.story.Scenes[o.sceneIndex]
	if utf8.RuneCountInString(scene.Text) <= o.cfg.SimplifyMinLen {
		o.mu.Unlock()
		return false
	}
	o.simplifying = true
	o.state = StateSimplifying
	session, storyID, language := o.session, o.story.ID, o.story.Language
	o.bg.Add(1)
	o.mu.Unlock()

	utils.GetMetricsCollector().IncrementCounter(utils.MetricSimplifyRequested)
	go func() {
		defer o.bg.Done()
		o.simplify(session, storyID, scene.ID, scene.Text, language)
	}()
	return true
}

func (o *Orchestrator) simplify(session uint64, storyID, sceneID, text, language string) {
	simplified, err := o.author.Simplify(o.ctx, text, language)

	o.mu.Lock()
	if o.session != session {
		// a newer session owns the simplifying flag now
		o.mu.Unlock()
		utils.GetLogger().Debug("dropping simplification from a previous session", map[string]interface{}{"story_id": storyID, "scene_id": sceneID})
		return
	}
	o.simplifying = false
	if o.state == StateSimplifying {
		o.state = StatePresenting
	}
	if err != nil {
		o.mu.Unlock()
		utils.GetLogger().Warn("simplification failed", map[string]interface{}{"scene_id": sceneID, "error": err})
		return
	}
	if o.story == nil {
		o.mu.Unlock()
		return
	}
	idx := o.story.SceneIndex(sceneID)
	if idx < 0 {
		o.mu.Unlock()
		return
	}
	o.story.Scenes[idx].Text = simplified
	if o.state == StatePresenting && idx == o.sceneIndex {
		o.ensureMediaLocked(idx)
	}
	o.mu.Unlock()

	o.publish(EventSceneSimplified, map[string]interface{}{
		"story_id":    storyID,
		"scene_id":    sceneID,
		"scene_index": idx,
		"text":        simplified,
	})
}

// AnswerQuiz locks in the first answer for item. Later submissions for the
// same item are ignored and reported with Accepted=false.
func (o *Orchestrator) AnswerQuiz(item, option int) (QuizResult, error) {
	o.mu.Lock()
	if o.state != StateQuiz {
		o.mu.Unlock()
		return QuizResult{}, apperrors.NewConflictError("the quiz is not open", nil)
	}
	if item < 0 || item >= len(o.story.Quiz) {
		o.mu.Unlock()
		return QuizResult{}, apperrors.NewValidationError("unknown quiz item", nil)
	}
	quizItem := o.story.Quiz[item]
	if option < 0 || option >= len(quizItem.Options) {
		o.mu.Unlock()
		return QuizResult{}, apperrors.NewValidationError("unknown quiz option", nil)
	}
	if prev, answered := o.answers[item]; answered {
		o.mu.Unlock()
		return QuizResult{Accepted: false, Correct: prev.Correct, Feedback: quizItem.Feedback}, nil
	}
	correct := quizItem.Options[option].IsCorrect
	o.answers[item] = QuizAnswer{Option: option, Correct: correct}
	o.mu.Unlock()

	points := o.progress.RecordAnswer(correct)
	result := QuizResult{Accepted: true, Correct: correct, Points: points, Feedback: quizItem.Feedback}
	o.publish(EventQuizAnswered, map[string]interface{}{
		"item":     item,
		"option":   option,
		"correct":  correct,
		"points":   points,
		"feedback": quizItem.Feedback,
	})
	return result, nil
}

// Finish closes the quiz, counts the story as completed and returns to idle.
func (o *Orchestrator) Finish() (FinishResult, error) {
	o.mu.Lock()
	if o.state != StateQuiz {
		o.mu.Unlock()
		return FinishResult{}, apperrors.NewConflictError("the quiz is not open", nil)
	}
	perfect := len(o.story.Quiz) > 0
	for i := range o.story.Quiz {
		if answer, ok := o.answers[i]; !ok || !answer.Correct {
			perfect = false
			break
		}
	}
	storyID := o.story.ID
	o.resetLocked()
	o.mu.Unlock()
	o.stopNarration()

	badges := o.progress.RecordStoryCompleted(perfect)
	result := FinishResult{Perfect: perfect, NewBadges: badges, Progress: o.progress.Snapshot()}
	o.publish(EventStoryFinished, map[string]interface{}{
		"story_id":   storyID,
		"perfect":    perfect,
		"new_badges": badges,
		"progress":   result.Progress,
	})
	return result, nil
}

// ToggleNarration reads the current scene aloud, or stops the reading in progress.
func (o *Orchestrator) ToggleNarration(ctx context.Context, voice string) (bool, error) {
	if o.narrator == nil {
		return false, apperrors.NewEnvironmentError("narration is not available", nil)
	}
	if voice == "" {
		voice = o.cfg.DefaultVoice
	}

	o.mu.Lock()
	var text, language string
	if o.presentingLocked() {
		text = o.story.Scenes[o.sceneIndex].Text
		language = o.story.Language
	}
	o.mu.Unlock()

	if text == "" && !o.narrator.Playing() {
		return false, apperrors.NewConflictError("no scene is being presented", nil)
	}
	playing, err := o.narrator.Toggle(ctx, text, language, voice)
	if err != nil {
		return false, apperrors.NewUpstreamError("narration failed", err)
	}
	return playing, nil
}

// NarrationFinished records that the client finished playback.
func (o *Orchestrator) NarrationFinished() {
	if o.narrator != nil {
		o.narrator.Finished()
	}
}

func (o *Orchestrator) SetOnline(online bool) {
	o.connectivity.Set(online)
}

// SamplingAllowed gates the affect sampler: a scene is on screen and the
// environment is online.
func (o *Orchestrator) SamplingAllowed() bool {
	o.mu.Lock()
	presenting := o.presentingLocked()
	o.mu.Unlock()
	return presenting && o.connectivity.Online()
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	snap := Snapshot{
		State:       o.state,
		Story:       o.story.Clone(),
		SceneIndex:  o.sceneIndex,
		Simplifying: o.simplifying,
		Online:      o.connectivity.Online(),
		Media:       make(map[string]MediaStatus, len(o.mediaStates)),
		Answers:     make(map[int]QuizAnswer, len(o.answers)),
	}
	if o.narrator != nil {
		snap.Narrating = o.narrator.Playing()
	}
	for k, v := range o.mediaStates {
		snap.Media[k] = v
	}
	for k, v := range o.answers {
		snap.Answers[k] = v
	}
	return snap
}

// Progress returns the learner's accumulated progress.
func (o *Orchestrator) Progress() models.SessionProgress {
	return o.progress.Snapshot()
}
