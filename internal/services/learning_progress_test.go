package services

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Corphon/StoryLoom/internal/models"
)

func TestRecordAnswerScoring(t *testing.T) {
	lp := NewLearningProgress()

	assert.Equal(t, 50, lp.RecordAnswer(true))
	assert.Equal(t, 10, lp.RecordAnswer(false))

	p := lp.Snapshot()
	assert.Equal(t, 60, p.TotalPoints)
	assert.Equal(t, 1, p.QuizzesPassed)
	assert.Equal(t, 2, p.QuizzesAnswered)
	assert.Equal(t, []float64{100, 50}, p.LiteracyScores)
	assert.Equal(t, []float64{60, 60}, p.EngagementScores)
}

func TestEngagementFollowsLatestEmotion(t *testing.T) {
	lp := NewLearningProgress()
	lp.RecordEmotion(models.EmotionSample{Emotion: models.EmotionHappy})
	lp.RecordAnswer(true)
	lp.RecordEmotion(models.EmotionSample{Emotion: models.EmotionBored})
	lp.RecordAnswer(true)

	assert.Equal(t, []float64{90, 20}, lp.Snapshot().EngagementScores)
}

func TestBadges(t *testing.T) {
	lp := NewLearningProgress()

	assert.Equal(t, []string{BadgeFirstStory}, lp.RecordStoryCompleted(false))
	assert.Equal(t, []string{BadgePerfectScore}, lp.RecordStoryCompleted(true))
	assert.Empty(t, lp.RecordStoryCompleted(true))
	lp.RecordStoryCompleted(false)
	assert.Equal(t, []string{BadgeBookworm}, lp.RecordStoryCompleted(false))

	for i := 0; i < 10; i++ {
		lp.RecordAnswer(true)
	}
	p := lp.Snapshot()
	assert.Equal(t, 5, p.StoriesCompleted)
	assert.ElementsMatch(t, []string{BadgeFirstStory, BadgePerfectScore, BadgeBookworm, BadgeQuizWhiz}, p.Badges)
}

func TestProgressSubscribers(t *testing.T) {
	lp := NewLearningProgress()
	ch := lp.Subscribe()

	lp.RecordAnswer(true)
	snap := <-ch
	assert.Equal(t, 50, snap.TotalPoints)

	lp.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)
}
