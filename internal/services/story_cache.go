// internal/services/story_cache.go
package services

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/Corphon/StoryLoom/internal/models"
	"github.com/Corphon/StoryLoom/internal/storage"
	"github.com/Corphon/StoryLoom/internal/utils"
)

const (
	storyCacheKey     = "storyloom.stories"
	DefaultCacheLimit = 5
)

// StoryCache keeps the most recent stories, newest first, mirrored into a
// KeyValueStore. Persistence failures only degrade durability.
type StoryCache struct {
	store storage.KeyValueStore
	limit int

	mu      sync.RWMutex
	stories []*models.Story
	loaded  bool
}

func NewStoryCache(store storage.KeyValueStore, limit int) *StoryCache {
	if limit <= 0 {
		limit = DefaultCacheLimit
	}
	return &StoryCache{store: store, limit: limit}
}

// ensureLoaded reads the persisted list once. Callers hold mu for writing.
func (c *StoryCache) ensureLoaded() {
	if c.loaded {
		return
	}
	c.loaded = true

	raw, err := c.store.Get(storyCacheKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			utils.GetLogger().Warn("story cache unreadable, starting empty", map[string]interface{}{"error": err})
		}
		return
	}

	var stories []*models.Story
	if err := json.Unmarshal(raw, &stories); err != nil {
		utils.GetLogger().Warn("story cache corrupt, starting empty", map[string]interface{}{"error": err})
		return
	}
	valid := stories[:0]
	for _, s := range stories {
		if s == nil || s.ID == "" {
			continue
		}
		valid = append(valid, s)
	}
	if dropped := len(stories) - len(valid); dropped > 0 {
		utils.GetLogger().Warn("story cache had invalid entries, dropping them", map[string]interface{}{"dropped": dropped})
	}
	if len(valid) > c.limit {
		valid = valid[:c.limit]
	}
	c.stories = valid
}

func (c *StoryCache) persist() {
	data, err := json.Marshal(c.stories)
	if err != nil {
		utils.GetLogger().Warn("story cache encode failed", map[string]interface{}{"error": err})
		return
	}
	if err := c.store.Set(storyCacheKey, data); err != nil {
		utils.GetMetricsCollector().IncrementCounter(utils.MetricStorageWriteFail)
		utils.GetLogger().Warn("story cache write failed, keeping in-memory copy", map[string]interface{}{
			"error": err,
			"quota": errors.Is(err, storage.ErrQuotaExceeded),
			"bytes": len(data),
		})
	}
}

// Save upserts story at the front and drops anything past the bound.
func (c *StoryCache) Save(story *models.Story) {
	if story == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureLoaded()

	next := make([]*models.Story, 0, len(c.stories)+1)
	next = append(next, story.Clone())
	for _, s := range c.stories {
		if s.ID != story.ID {
			next = append(next, s)
		}
	}
	if len(next) > c.limit {
		next = next[:c.limit]
	}
	c.stories = next
	c.persist()
}

// List returns copies of all cached stories, newest first.
func (c *StoryCache) List() []*models.Story {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureLoaded()

	out := make([]*models.Story, 0, len(c.stories))
	for _, s := range c.stories {
		out = append(out, s.Clone())
	}
	return out
}

func (c *StoryCache) Get(id string) (*models.Story, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureLoaded()

	for _, s := range c.stories {
		if s.ID == id {
			return s.Clone(), true
		}
	}
	return nil, false
}

// PatchSceneMedia records a resolved media reference. It reports false when
// the story or scene is no longer cached.
func (c *StoryCache) PatchSceneMedia(storyID, sceneID, mediaRef string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureLoaded()

	for _, s := range c.stories {
		if s.ID != storyID {
			continue
		}
		idx := s.SceneIndex(sceneID)
		if idx < 0 {
			return false
		}
		s.Scenes[idx].MediaURL = mediaRef
		c.persist()
		return true
	}
	return false
}
