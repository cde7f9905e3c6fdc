package models

// SessionProgress is the learner's running score for the process lifetime.
type SessionProgress struct {
	Badges           []string  `json:"badges"`
	StoriesCompleted int       `json:"stories_completed"`
	QuizzesPassed    int       `json:"quizzes_passed"`
	QuizzesAnswered  int       `json:"quizzes_answered"`
	TotalPoints      int       `json:"total_points"`
	LiteracyScores   []float64 `json:"literacy_scores"`
	EngagementScores []float64 `json:"engagement_scores"`
}

// HasBadge reports whether badge was already awarded.
func (p *SessionProgress) HasBadge(badge string) bool {
	for _, b := range p.Badges {
		if b == badge {
			return true
		}
	}
	return false
}
