package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Corphon/StoryLoom/internal/llm"
	"github.com/Corphon/StoryLoom/internal/models"
	"github.com/Corphon/StoryLoom/internal/storage"
)

var errBoom = errors.New("boom")

// memStore is an in-memory KeyValueStore with switchable failures.
type memStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	failSet error
	writes  int
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (m *memStore) Get(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return v, nil
}

func (m *memStore) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSet != nil {
		return m.failSet
	}
	m.writes++
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *memStore) Close() error { return nil }

// fakeText answers completion requests through a per-model function.
type fakeText struct {
	mu    sync.Mutex
	calls []llm.CompletionRequest
	fn    func(req llm.CompletionRequest) (string, error)
}

func (f *fakeText) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	text, err := f.fn(req)
	if err != nil {
		return nil, err
	}
	return &llm.CompletionResponse{Text: text, ModelName: req.Model}, nil
}

func (f *fakeText) models() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		out = append(out, c.Model)
	}
	return out
}

type fakeImages struct {
	mu    sync.Mutex
	calls []llm.ImageRequest
	fail  map[string]bool
}

func (f *fakeImages) GenerateImage(ctx context.Context, req llm.ImageRequest) (*llm.ImageResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.fail[req.Model] {
		return nil, errBoom
	}
	return &llm.ImageResult{Data: []byte("img-" + req.Model), MimeType: "image/png"}, nil
}

type fakeVideos struct {
	startErr   error
	pollsUntil int
	polls      int
	opError    string
	fetchErr   error
}

func (f *fakeVideos) StartVideo(ctx context.Context, req llm.VideoRequest) (*llm.VideoOperation, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &llm.VideoOperation{Name: "operations/1"}, nil
}

func (f *fakeVideos) PollVideo(ctx context.Context, name string) (*llm.VideoOperation, error) {
	f.polls++
	op := &llm.VideoOperation{Name: name, Done: f.polls >= f.pollsUntil}
	if op.Done {
		op.VideoURI = "https://example.test/clip.mp4"
		op.Error = f.opError
	}
	return op, nil
}

func (f *fakeVideos) FetchVideo(ctx context.Context, uri string) ([]byte, string, error) {
	if f.fetchErr != nil {
		return nil, "", f.fetchErr
	}
	return []byte("mp4"), "video/mp4", nil
}

// fakeAuthor returns a canned story and records simplification calls.
type fakeAuthor struct {
	story       *models.Story
	err         error
	simplified  string
	simplifyErr error
	release     chan struct{}   // when set, Simplify blocks until closed
	gates       []chan struct{} // when set, the nth Simplify call blocks on gates[n-1]
	simplifies  int32
	returned    int32
}

func (f *fakeAuthor) Generate(ctx context.Context, topic, language string) (*models.Story, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.story.Clone(), nil
}

func (f *fakeAuthor) Simplify(ctx context.Context, text, language string) (string, error) {
	n := atomic.AddInt32(&f.simplifies, 1)
	if f.release != nil {
		<-f.release
	}
	if int(n) <= len(f.gates) {
		<-f.gates[n-1]
	}
	defer atomic.AddInt32(&f.returned, 1)
	return f.simplified, f.simplifyErr
}

// fakeMedia counts acquisitions per directive.
type fakeMedia struct {
	mu      sync.Mutex
	calls   map[string]int
	fail    bool
	release chan struct{}
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{calls: make(map[string]int)}
}

func (f *fakeMedia) Acquire(ctx context.Context, directive string, kind models.MediaKind) (*models.MediaAsset, error) {
	f.mu.Lock()
	f.calls[directive]++
	f.mu.Unlock()
	if f.release != nil {
		<-f.release
	}
	if f.fail {
		return nil, ErrMediaUnavailable
	}
	return &models.MediaAsset{Kind: kind, MimeType: "image/png", Data: []byte(directive), Source: TierImageHigh}, nil
}

func (f *fakeMedia) count(directive string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[directive]
}

func (f *fakeMedia) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

func (s *recordingSink) count(eventType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

type fakeSpeech struct {
	calls   int32
	audio   []byte
	err     error
	release chan struct{} // when set, the second and later calls block until closed
}

func (f *fakeSpeech) Synthesize(ctx context.Context, text, language, voice string) ([]byte, error) {
	if n := atomic.AddInt32(&f.calls, 1); n > 1 && f.release != nil {
		<-f.release
	}
	return f.audio, f.err
}

type fakePlayer struct {
	plays int32
	stops int32
}

func (p *fakePlayer) Play(ctx context.Context, audio []byte, mimeType string) error {
	atomic.AddInt32(&p.plays, 1)
	return nil
}

func (p *fakePlayer) Stop() { atomic.AddInt32(&p.stops, 1) }

type fakeOffline struct {
	spoken []string
	stops  int
}

func (o *fakeOffline) Speak(text, language string) error {
	o.spoken = append(o.spoken, text)
	return nil
}

func (o *fakeOffline) Stop() { o.stops++ }

// sampleStory builds a story with n scenes whose texts are long enough to simplify.
func sampleStory(n int) *models.Story {
	story := &models.Story{ID: "story-1", Title: "Mars Rover Max", Language: "en"}
	for i := 0; i < n; i++ {
		story.Scenes = append(story.Scenes, models.Scene{
			ID:          fmt.Sprintf("scene-%d", i),
			Text:        fmt.Sprintf("Scene %d: %s", i, strings.Repeat("Max rolls across the red dusty plains. ", 3)),
			ImagePrompt: fmt.Sprintf("prompt-%d", i),
			MediaType:   models.MediaImage,
		})
	}
	story.Quiz = []models.QuizItem{
		{Question: "Where is Max?", Options: []models.QuizOption{{Text: "Mars", IsCorrect: true}, {Text: "Moon"}}, Feedback: "Max is on Mars."},
		{Question: "What is Max?", Options: []models.QuizOption{{Text: "A cat"}, {Text: "A rover", IsCorrect: true}}, Feedback: "Max is a rover."},
	}
	return story
}
