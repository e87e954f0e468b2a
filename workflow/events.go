package workflow

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// EventType identifies an engine event
type EventType string

const (
	EventActivityStarted   EventType = "activity_started"
	EventActivityCompleted EventType = "activity_completed"
	EventForkStarted       EventType = "fork_started"
	EventJoinPaused        EventType = "join_paused"
	EventJoinAdvanced      EventType = "join_advanced"
	EventBranchSuspended   EventType = "branch_suspended"
	EventBranchFailed      EventType = "branch_failed"
	EventInstanceResumed   EventType = "instance_resumed"
	EventInstanceCompleted EventType = "instance_completed"
)

// Event is emitted by the engine while it drives an instance
type Event struct {
	Type              EventType `json:"type"`
	ProcessInstanceID string    `json:"process_instance_id"`
	GraphID           string    `json:"graph_id"`
	ActivityID        string    `json:"activity_id,omitempty"`
	ForkID            string    `json:"fork_id,omitempty"`
	TokenID           string    `json:"token_id,omitempty"`
	Mode              string    `json:"mode,omitempty"`
	Reached           int       `json:"reached,omitempty"`
	Required          int       `json:"required,omitempty"`
	Error             string    `json:"error,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// Listener receives engine events. OnEvent is called synchronously from the
// branch that produced the event and may be called concurrently.
type Listener interface {
	OnEvent(ctx context.Context, event Event)
}

// ListenerFunc adapts a function to Listener
type ListenerFunc func(ctx context.Context, event Event)

// OnEvent calls f
func (f ListenerFunc) OnEvent(ctx context.Context, event Event) {
	f(ctx, event)
}

// LoggingListener writes every event to a zap logger
type LoggingListener struct {
	logger *zap.Logger
}

// NewLoggingListener creates a logging listener
func NewLoggingListener(logger *zap.Logger) *LoggingListener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingListener{logger: logger.With(zap.String("component", "workflow_events"))}
}

// OnEvent logs the event
func (l *LoggingListener) OnEvent(ctx context.Context, event Event) {
	fields := []zap.Field{
		zap.String("event", string(event.Type)),
		zap.String("instance_id", event.ProcessInstanceID),
		zap.String("graph_id", event.GraphID),
	}
	if event.ActivityID != "" {
		fields = append(fields, zap.String("activity_id", event.ActivityID))
	}
	if event.ForkID != "" {
		fields = append(fields, zap.String("fork_id", event.ForkID))
	}
	if event.TokenID != "" {
		fields = append(fields, zap.String("token_id", event.TokenID))
	}
	if event.Required > 0 {
		fields = append(fields, zap.Int("reached", event.Reached), zap.Int("required", event.Required))
	}

	if event.Error != "" {
		l.logger.Warn("workflow event", append(fields, zap.String("error", event.Error))...)
		return
	}
	l.logger.Debug("workflow event", fields...)
}

// listeners fans an event out to several listeners
type listeners []Listener

func (ls listeners) OnEvent(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	for _, l := range ls {
		l.OnEvent(ctx, event)
	}
}
