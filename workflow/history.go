package workflow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ExecutionStatus is the status of an instance or of one activity execution
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusPaused    ExecutionStatus = "paused"
	ExecutionStatusSuspended ExecutionStatus = "suspended"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// ActivityExecution records one execution of an activity by one token
type ActivityExecution struct {
	ActivityID string          `json:"activity_id"`
	TokenID    string          `json:"token_id"`
	StartTime  time.Time       `json:"start_time"`
	EndTime    time.Time       `json:"end_time,omitempty"`
	Duration   time.Duration   `json:"duration"`
	Status     ExecutionStatus `json:"status"`
	Error      string          `json:"error,omitempty"`
}

// ExecutionHistory is the execution path of one process instance, rebuilt
// from engine events.
type ExecutionHistory struct {
	ProcessInstanceID string               `json:"process_instance_id"`
	GraphID           string               `json:"graph_id"`
	StartTime         time.Time            `json:"start_time"`
	EndTime           time.Time            `json:"end_time,omitempty"`
	Status            ExecutionStatus      `json:"status"`
	Activities        []*ActivityExecution `json:"activities"`
	Error             string               `json:"error,omitempty"`
}

func (h *ExecutionHistory) clone() *ExecutionHistory {
	c := *h
	c.Activities = make([]*ActivityExecution, len(h.Activities))
	for i, a := range h.Activities {
		ac := *a
		c.Activities[i] = &ac
	}
	return &c
}

// running returns the open execution of an activity by a token
func (h *ExecutionHistory) running(activityID, tokenID string) *ActivityExecution {
	for i := len(h.Activities) - 1; i >= 0; i-- {
		a := h.Activities[i]
		if a.ActivityID == activityID && a.TokenID == tokenID && a.Status == ExecutionStatusRunning {
			return a
		}
	}
	return nil
}

func (h *ExecutionHistory) close(ev Event, status ExecutionStatus) {
	a := h.running(ev.ActivityID, ev.TokenID)
	if a == nil {
		a = &ActivityExecution{ActivityID: ev.ActivityID, TokenID: ev.TokenID, StartTime: ev.Timestamp}
		h.Activities = append(h.Activities, a)
	}
	a.EndTime = ev.Timestamp
	a.Duration = a.EndTime.Sub(a.StartTime)
	a.Status = status
	a.Error = ev.Error
}

// HistoryStore keeps the execution history of recent process instances in
// memory. It is a Listener; register it with WithListener.
type HistoryStore struct {
	mu        sync.RWMutex
	histories map[string]*ExecutionHistory
	limit     int
}

// NewHistoryStore creates a history store holding at most limit instances.
// When full, the instance with the oldest start time is evicted. limit <= 0
// means unbounded.
func NewHistoryStore(limit int) *HistoryStore {
	return &HistoryStore{
		histories: make(map[string]*ExecutionHistory),
		limit:     limit,
	}
}

// OnEvent folds an engine event into the history of its instance
func (s *HistoryStore) OnEvent(_ context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.histories[ev.ProcessInstanceID]
	if !ok {
		s.evictLocked()
		h = &ExecutionHistory{
			ProcessInstanceID: ev.ProcessInstanceID,
			GraphID:           ev.GraphID,
			StartTime:         ev.Timestamp,
			Status:            ExecutionStatusRunning,
			Activities:        make([]*ActivityExecution, 0),
		}
		s.histories[ev.ProcessInstanceID] = h
	}

	switch ev.Type {
	case EventActivityStarted:
		h.Activities = append(h.Activities, &ActivityExecution{
			ActivityID: ev.ActivityID,
			TokenID:    ev.TokenID,
			StartTime:  ev.Timestamp,
			Status:     ExecutionStatusRunning,
		})
	case EventActivityCompleted, EventForkStarted:
		h.close(ev, ExecutionStatusCompleted)
	case EventJoinAdvanced:
		h.close(ev, ExecutionStatusCompleted)
	case EventJoinPaused:
		h.close(ev, ExecutionStatusPaused)
	case EventBranchSuspended:
		h.close(ev, ExecutionStatusSuspended)
		h.Status = ExecutionStatusSuspended
	case EventBranchFailed:
		h.close(ev, ExecutionStatusFailed)
		h.Status = ExecutionStatusFailed
		h.Error = ev.Error
	case EventInstanceResumed:
		h.Status = ExecutionStatusRunning
	case EventInstanceCompleted:
		h.EndTime = ev.Timestamp
		if h.Status != ExecutionStatusFailed {
			h.Status = ExecutionStatusCompleted
		}
	}
}

func (s *HistoryStore) evictLocked() {
	if s.limit <= 0 || len(s.histories) < s.limit {
		return
	}
	var oldest *ExecutionHistory
	for _, h := range s.histories {
		if oldest == nil || h.StartTime.Before(oldest.StartTime) {
			oldest = h
		}
	}
	if oldest != nil {
		delete(s.histories, oldest.ProcessInstanceID)
	}
}

// Get returns a copy of the history of an instance
func (s *HistoryStore) Get(instanceID string) (*ExecutionHistory, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.histories[instanceID]
	if !ok {
		return nil, false
	}
	return h.clone(), true
}

// ListByGraph returns the histories of a graph ordered by start time
func (s *HistoryStore) ListByGraph(graphID string) []*ExecutionHistory {
	return s.list(func(h *ExecutionHistory) bool { return h.GraphID == graphID })
}

// ListByStatus returns the histories with a status ordered by start time
func (s *HistoryStore) ListByStatus(status ExecutionStatus) []*ExecutionHistory {
	return s.list(func(h *ExecutionHistory) bool { return h.Status == status })
}

func (s *HistoryStore) list(match func(*ExecutionHistory) bool) []*ExecutionHistory {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*ExecutionHistory
	for _, h := range s.histories {
		if match(h) {
			result = append(result, h.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartTime.Before(result[j].StartTime)
	})
	return result
}
