// internal/services/learning_progress.go
package services

import (
	"math"
	"sync"

	"github.com/Corphon/StoryLoom/internal/models"
)

const (
	BadgeFirstStory   = "first_story"
	BadgeBookworm     = "bookworm"
	BadgeQuizWhiz     = "quiz_whiz"
	BadgePerfectScore = "perfect_score"

	PointsCorrect   = 50
	PointsIncorrect = 10

	bookwormStories = 5
	quizWhizPasses  = 10
)

var engagementByEmotion = map[models.Emotion]float64{
	models.EmotionHappy:     90,
	models.EmotionSurprised: 80,
	models.EmotionNeutral:   60,
	models.EmotionConfused:  40,
	models.EmotionBored:     20,
}

const defaultEngagement = 60

// LearningProgress accumulates the learner's score for the process lifetime.
type LearningProgress struct {
	mu          sync.Mutex
	progress    models.SessionProgress
	lastEmotion models.Emotion

	subscribers map[chan models.SessionProgress]struct{}
}

func NewLearningProgress() *LearningProgress {
	return &LearningProgress{
		progress:    models.SessionProgress{Badges: []string{}, LiteracyScores: []float64{}, EngagementScores: []float64{}},
		subscribers: make(map[chan models.SessionProgress]struct{}),
	}
}

// RecordEmotion remembers the latest classified emotion for the engagement series.
func (lp *LearningProgress) RecordEmotion(sample models.EmotionSample) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.lastEmotion = sample.Emotion
}

// RecordAnswer scores one resolved quiz item and returns the points awarded.
func (lp *LearningProgress) RecordAnswer(correct bool) int {
	lp.mu.Lock()
	defer lp.mu.Unlock()

	points := PointsIncorrect
	if correct {
		points = PointsCorrect
		lp.progress.QuizzesPassed++
	}
	lp.progress.QuizzesAnswered++
	lp.progress.TotalPoints += points

	accuracy := float64(lp.progress.QuizzesPassed) / float64(lp.progress.QuizzesAnswered) * 100
	lp.progress.LiteracyScores = append(lp.progress.LiteracyScores, math.Round(accuracy*10)/10)

	engagement, ok := engagementByEmotion[lp.lastEmotion]
	if !ok {
		engagement = defaultEngagement
	}
	lp.progress.EngagementScores = append(lp.progress.EngagementScores, engagement)

	if lp.progress.QuizzesPassed >= quizWhizPasses {
		lp.awardLocked(BadgeQuizWhiz)
	}
	lp.notifyLocked()
	return points
}

// RecordStoryCompleted counts a finished story and returns badges newly awarded.
func (lp *LearningProgress) RecordStoryCompleted(perfect bool) []string {
	lp.mu.Lock()
	defer lp.mu.Unlock()

	lp.progress.StoriesCompleted++

	var awarded []string
	if lp.awardLocked(BadgeFirstStory) {
		awarded = append(awarded, BadgeFirstStory)
	}
	if lp.progress.StoriesCompleted >= bookwormStories && lp.awardLocked(BadgeBookworm) {
		awarded = append(awarded, BadgeBookworm)
	}
	if perfect && lp.awardLocked(BadgePerfectScore) {
		awarded = append(awarded, BadgePerfectScore)
	}
	lp.notifyLocked()
	return awarded
}

func (lp *LearningProgress) awardLocked(badge string) bool {
	if lp.progress.HasBadge(badge) {
		return false
	}
	lp.progress.Badges = append(lp.progress.Badges, badge)
	return true
}

func (lp *LearningProgress) snapshotLocked() models.SessionProgress {
	out := lp.progress
	out.Badges = append([]string{}, lp.progress.Badges...)
	out.LiteracyScores = append([]float64{}, lp.progress.LiteracyScores...)
	out.EngagementScores = append([]float64{}, lp.progress.EngagementScores...)
	return out
}

func (lp *LearningProgress) Snapshot() models.SessionProgress {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	return lp.snapshotLocked()
}

func (lp *LearningProgress) notifyLocked() {
	snap := lp.snapshotLocked()
	for ch := range lp.subscribers {
		select {
		case ch <- snap:
		default:
		}
	}
}

// Subscribe returns a channel that receives a snapshot after every change.
func (lp *LearningProgress) Subscribe() chan models.SessionProgress {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	ch := make(chan models.SessionProgress, 8)
	lp.subscribers[ch] = struct{}{}
	return ch
}

func (lp *LearningProgress) Unsubscribe(ch chan models.SessionProgress) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	if _, ok := lp.subscribers[ch]; ok {
		delete(lp.subscribers, ch)
		close(ch)
	}
}
