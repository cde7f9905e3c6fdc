// internal/services/progress_service.go
package services

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// ProgressUpdate is one step of a tracked task.
type ProgressUpdate struct {
	TaskID   string `json:"task_id"`
	Progress int    `json:"progress"` // 0-100
	Message  string `json:"message"`
	Status   string `json:"status"`
	Result   string `json:"result,omitempty"` // story ID once completed
}

// ProgressTracker follows a long-running task such as story generation.
type ProgressTracker struct {
	TaskID     string
	Progress   int
	Message    string
	Status     string
	Result     string
	StartTime  time.Time
	UpdateTime time.Time
	Done       chan struct{}

	subscribers map[chan ProgressUpdate]bool
	onUpdate    func(ProgressUpdate)
	mutex       sync.Mutex
}

// ProgressService owns all trackers.
type ProgressService struct {
	trackers map[string]*ProgressTracker
	mutex    sync.RWMutex

	// OnUpdate, when set before trackers are created, sees every update.
	OnUpdate func(ProgressUpdate)
}

func NewProgressService() *ProgressService {
	return &ProgressService{
		trackers: make(map[string]*ProgressTracker),
	}
}

// CreateTracker registers a new task; an empty taskID gets a fresh UUID.
func (s *ProgressService) CreateTracker(taskID string) *ProgressTracker {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if taskID == "" {
		taskID = uuid.NewString()
	}
	if tracker, exists := s.trackers[taskID]; exists {
		return tracker
	}

	now := time.Now()
	tracker := &ProgressTracker{
		TaskID:      taskID,
		Message:     "starting",
		Status:      TaskRunning,
		StartTime:   now,
		UpdateTime:  now,
		Done:        make(chan struct{}),
		subscribers: make(map[chan ProgressUpdate]bool),
		onUpdate:    s.OnUpdate,
	}
	s.trackers[taskID] = tracker
	return tracker
}

func (s *ProgressService) GetTracker(taskID string) (*ProgressTracker, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	tracker, exists := s.trackers[taskID]
	return tracker, exists
}

func (t *ProgressTracker) snapshotLocked() ProgressUpdate {
	return ProgressUpdate{
		TaskID:   t.TaskID,
		Progress: t.Progress,
		Message:  t.Message,
		Status:   t.Status,
		Result:   t.Result,
	}
}

// Snapshot returns the current state.
func (t *ProgressTracker) Snapshot() ProgressUpdate {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.snapshotLocked()
}

func (t *ProgressTracker) broadcastLocked() {
	update := t.snapshotLocked()
	for subscriber := range t.subscribers {
		// skip slow subscribers
		select {
		case subscriber <- update:
		default:
		}
	}
	if t.onUpdate != nil {
		t.onUpdate(update)
	}
}

// UpdateProgress moves the task forward; progress never goes backwards.
func (t *ProgressTracker) UpdateProgress(progress int, message string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.Status != TaskRunning {
		return
	}

	if progress > t.Progress {
		t.Progress = progress
	}
	if message != "" {
		t.Message = message
	}
	t.UpdateTime = time.Now()
	t.broadcastLocked()
}

// Complete marks the task done with its result.
func (t *ProgressTracker) Complete(message, result string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.Status != TaskRunning {
		return
	}

	t.Progress = 100
	t.Message = message
	if t.Message == "" {
		t.Message = "completed"
	}
	t.Result = result
	t.Status = TaskCompleted
	t.UpdateTime = time.Now()
	t.broadcastLocked()
	close(t.Done)
}

func (t *ProgressTracker) Fail(errorMsg string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.Status != TaskRunning {
		return
	}

	t.Message = fmt.Sprintf("failed: %s", errorMsg)
	t.Status = TaskFailed
	t.UpdateTime = time.Now()
	t.broadcastLocked()
	close(t.Done)
}

// Subscribe returns a buffered channel primed with the current state.
func (t *ProgressTracker) Subscribe() chan ProgressUpdate {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	subscriber := make(chan ProgressUpdate, 10)
	t.subscribers[subscriber] = true
	subscriber <- t.snapshotLocked()
	return subscriber
}

func (t *ProgressTracker) Unsubscribe(subscriber chan ProgressUpdate) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.subscribers[subscriber] {
		delete(t.subscribers, subscriber)
		close(subscriber)
	}
}

// CleanupCompletedTasks drops finished trackers older than maxAge.
func (s *ProgressService) CleanupCompletedTasks(maxAge time.Duration) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	removed := 0
	now := time.Now()
	for id, tracker := range s.trackers {
		tracker.mutex.Lock()
		finished := tracker.Status == TaskCompleted || tracker.Status == TaskFailed
		isOld := now.Sub(tracker.UpdateTime) > maxAge
		tracker.mutex.Unlock()

		if finished && isOld {
			delete(s.trackers, id)
			removed++
		}
	}
	return removed
}
