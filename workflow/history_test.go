package workflow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func activityStatuses(h *ExecutionHistory, activityID string) []ExecutionStatus {
	var result []ExecutionStatus
	for _, a := range h.Activities {
		if a.ActivityID == activityID {
			result = append(result, a.Status)
		}
	}
	return result
}

func TestHistoryStore_RecordsRun(t *testing.T) {
	history := NewHistoryStore(0)
	f := newFixture(WithListener(history))
	f.register(t, diamond(t, "g", "a", "b", "c"), nil)

	_, err := f.engine.Run(context.Background(), RunRequest{GraphID: "g", ProcessInstanceID: "i"})
	require.NoError(t, err)

	h, ok := history.Get("i")
	require.True(t, ok)
	assert.Equal(t, "g", h.GraphID)
	assert.Equal(t, ExecutionStatusCompleted, h.Status)
	assert.False(t, h.EndTime.IsZero())

	assert.Equal(t, []ExecutionStatus{ExecutionStatusCompleted}, activityStatuses(h, "fork"))
	assert.Equal(t, []ExecutionStatus{
		ExecutionStatusPaused, ExecutionStatusPaused, ExecutionStatusCompleted,
	}, activityStatuses(h, "join"))
	assert.Equal(t, []ExecutionStatus{ExecutionStatusCompleted}, activityStatuses(h, "after"))
	for _, a := range h.Activities {
		assert.NotEqual(t, ExecutionStatusRunning, a.Status, a.ActivityID)
	}
}

func TestHistoryStore_SuspendAndResume(t *testing.T) {
	ctx := context.Background()
	history := NewHistoryStore(0)
	f := newFixture(WithListener(history))
	f.register(t, diamond(t, "g", "a", "b"), map[string]ActivityHandler{
		"b": f.recorder.suspendOnce(),
	})

	_, err := f.engine.Run(ctx, RunRequest{GraphID: "g", ProcessInstanceID: "i"})
	require.NoError(t, err)

	h, _ := history.Get("i")
	assert.Equal(t, ExecutionStatusSuspended, h.Status)
	assert.Equal(t, []ExecutionStatus{ExecutionStatusSuspended}, activityStatuses(h, "b"))
	assert.Len(t, history.ListByStatus(ExecutionStatusSuspended), 1)

	_, err = f.engine.Resume(ctx, ResumeRequest{ProcessInstanceID: "i", TargetActivityID: "b"})
	require.NoError(t, err)

	h, _ = history.Get("i")
	assert.Equal(t, ExecutionStatusCompleted, h.Status)
	assert.Equal(t, []ExecutionStatus{ExecutionStatusSuspended, ExecutionStatusCompleted}, activityStatuses(h, "b"))
	assert.Empty(t, history.ListByStatus(ExecutionStatusSuspended))
}

func TestHistoryStore_Failure(t *testing.T) {
	history := NewHistoryStore(0)
	f := newFixture(WithListener(history))
	f.register(t, diamond(t, "g", "a", "b"), map[string]ActivityHandler{
		"a": HandlerFunc(func(ctx context.Context, ac *ActivityContext) (Outcome, error) {
			return Outcome{}, fmt.Errorf("boom")
		}),
	})

	_, err := f.engine.Run(context.Background(), RunRequest{GraphID: "g", ProcessInstanceID: "i"})
	require.Error(t, err)

	h, _ := history.Get("i")
	assert.Equal(t, ExecutionStatusFailed, h.Status)
	assert.Equal(t, "boom", h.Error)
	assert.Equal(t, []ExecutionStatus{ExecutionStatusFailed}, activityStatuses(h, "a"))
}

func TestHistoryStore_EvictsOldest(t *testing.T) {
	history := NewHistoryStore(2)
	base := time.Now()
	for i := 0; i < 3; i++ {
		history.OnEvent(context.Background(), Event{
			Type:              EventActivityStarted,
			ProcessInstanceID: fmt.Sprintf("i%d", i),
			GraphID:           "g",
			ActivityID:        "start",
			Timestamp:         base.Add(time.Duration(i) * time.Second),
		})
	}

	_, ok := history.Get("i0")
	assert.False(t, ok)
	assert.Len(t, history.ListByGraph("g"), 2)
}

func TestHistoryStore_GetReturnsCopy(t *testing.T) {
	history := NewHistoryStore(0)
	history.OnEvent(context.Background(), Event{Type: EventActivityStarted, ProcessInstanceID: "i", ActivityID: "a"})

	h, _ := history.Get("i")
	h.Activities[0].Status = ExecutionStatusFailed

	again, _ := history.Get("i")
	assert.Equal(t, ExecutionStatusRunning, again.Activities[0].Status)
}
