package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/BaSui01/flowgate/internal/ctxkeys"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ResumeRequest re-enters a suspended process instance at an activity
type ResumeRequest struct {
	ProcessInstanceID string         `json:"process_instance_id"`
	TargetActivityID  string         `json:"target_activity_id"`
	Payload           map[string]any `json:"payload,omitempty"`
}

// Validate checks the required fields
func (r ResumeRequest) Validate() error {
	if r.ProcessInstanceID == "" {
		return fmt.Errorf("%w: process instance id is required", ErrInvalidResumeRequest)
	}
	if r.TargetActivityID == "" {
		return fmt.Errorf("%w: target activity id is required", ErrInvalidResumeRequest)
	}
	return nil
}

// Resume re-enters a suspended branch at the target activity. The handler of
// the target runs again with the request payload. Pending siblings of
// async-sequential forks on the branch's fork stack are entered afterwards.
//
// A request that finds no suspended token at the target returns
// StatusIgnored, so delivering the same signal twice runs the branch once.
func (e *Engine) Resume(ctx context.Context, req ResumeRequest) (Outcome, error) {
	ignored := Outcome{Status: StatusIgnored, ActivityID: req.TargetActivityID}
	if err := req.Validate(); err != nil {
		return ignored, err
	}

	ctx = ctxkeys.WithInstanceID(ctx, req.ProcessInstanceID)
	ctx, span := e.tracer.Start(ctx, "flowgate.resume", trace.WithAttributes(
		attribute.String("flowgate.instance_id", req.ProcessInstanceID),
		attribute.String("flowgate.activity_id", req.TargetActivityID)))
	defer span.End()

	out, err := e.resume(ctx, req)
	switch {
	case err != nil:
		recordSpanError(span, err)
		e.metrics.RecordResume("failed")
		e.logger.Error("resume failed",
			zap.String("instance_id", req.ProcessInstanceID),
			zap.String("activity_id", req.TargetActivityID),
			zap.Error(err))
	case out.Status == StatusIgnored:
		e.metrics.RecordResume("ignored")
		e.logger.Info("resume ignored",
			zap.String("instance_id", req.ProcessInstanceID),
			zap.String("activity_id", req.TargetActivityID))
	default:
		e.metrics.RecordResume(out.Status.String())
	}
	return out, err
}

func (e *Engine) resume(ctx context.Context, req ResumeRequest) (Outcome, error) {
	ignored := Outcome{Status: StatusIgnored, ActivityID: req.TargetActivityID}

	snap, err := e.snapshots.LoadSnapshot(ctx, req.ProcessInstanceID)
	if errors.Is(err, ErrSnapshotNotFound) {
		return ignored, nil
	}
	if err != nil {
		return ignored, fmt.Errorf("load snapshot: %w", err)
	}

	g, err := e.Graph(snap.GraphID)
	if err != nil {
		return ignored, err
	}
	act, ok := g.Activity(req.TargetActivityID)
	if !ok {
		return ignored, fmt.Errorf("%w: %w: %s", ErrInvalidResumeRequest, ErrActivityNotFound, req.TargetActivityID)
	}
	if act.Kind != ActivityTask && act.Kind != ActivityStart {
		return ignored, fmt.Errorf("%w: activity %s is a %s", ErrInvalidResumeRequest, act.ID, act.Kind)
	}

	rc, err := DecodeRequestContext(snap.Context)
	if err != nil {
		return ignored, err
	}

	end := e.ledger.Begin(req.ProcessInstanceID)
	defer end()

	token, err := e.claim(ctx, req.ProcessInstanceID, act.ID)
	if err != nil || token == nil {
		return ignored, err
	}

	refs, _ := rc.takeBranch(token.ID)
	frames, err := e.rebuildFrames(ctx, req.ProcessInstanceID, refs)
	if err != nil {
		return ignored, err
	}
	rc.Merge(req.Payload)

	x := &execution{
		graph:      g,
		instanceID: req.ProcessInstanceID,
		rc:         rc,
		token:      token,
		frames:     frames,
		resume:     &resumeSignal{activityID: act.ID, payload: req.Payload},
		restored:   true,
	}
	e.emit(ctx, x, Event{Type: EventInstanceResumed, ActivityID: act.ID})
	e.logger.Info("resuming branch",
		zap.String("instance_id", req.ProcessInstanceID),
		zap.String("activity_id", act.ID),
		zap.String("token_id", token.ID),
		zap.Int("depth", len(frames)))

	out, err := e.walk(ctx, x, act.ID)
	if err != nil {
		return out, e.checkpointFailed(ctx, x, err)
	}
	if !out.Suspended() {
		cont, ran, err := e.continuePending(ctx, g, req.ProcessInstanceID, rc, refs)
		if err != nil {
			return cont, e.checkpointFailed(ctx, x, err)
		}
		if ran {
			out = mergeOutcomes(out, cont)
		}
	}

	if err := e.checkpoint(ctx, x, nil); err != nil {
		return out, err
	}
	return out, nil
}

// claim takes the suspended token parked at an activity. Returns nil when no
// such token exists.
func (e *Engine) claim(ctx context.Context, instanceID, activityID string) (*Token, error) {
	lease, err := e.acquire(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	defer e.release(ctx, lease)

	active, err := e.ledger.ActiveTokens(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	for _, t := range active {
		if !t.Suspended || t.ActivityID != activityID {
			continue
		}
		t.Suspended = false
		if err := e.ledger.Record(ctx, t); err != nil {
			return nil, err
		}
		return t, nil
	}
	return nil, nil
}

// continuePending enters the remaining siblings of async-sequential forks on
// a resumed branch's fork stack, innermost fork first. It stops at the first
// suspension.
func (e *Engine) continuePending(ctx context.Context, g *Graph, instanceID string, rc *RequestContext, refs []FrameRef) (Outcome, bool, error) {
	var outs []Outcome
	for i := len(refs) - 1; i >= 0; i-- {
		p, ok := rc.pending(refs[i].ForkID)
		if !ok {
			continue
		}
		gw, ok := g.Activity(p.GatewayID)
		if !ok {
			return Outcome{ActivityID: p.GatewayID}, false, fmt.Errorf("%w: %s", ErrActivityNotFound, p.GatewayID)
		}
		frames, err := e.rebuildFrames(ctx, instanceID, p.Frames)
		if err != nil {
			return Outcome{ActivityID: gw.ID}, false, err
		}

		scope := &forkScope{
			graph:      g,
			instanceID: instanceID,
			rc:         rc,
			forkID:     p.ForkID,
			gateway:    gw,
			outgoing:   g.Outgoing(gw.ID),
			frames:     frames,
		}
		out, err := e.forkAsync(ctx, scope, p.NextBranch)
		if err != nil {
			return out, true, err
		}
		outs = append(outs, out)
		if out.Suspended() {
			break
		}
	}
	if len(outs) == 0 {
		return Outcome{}, false, nil
	}
	return mergeOutcomes(outs...), true, nil
}
