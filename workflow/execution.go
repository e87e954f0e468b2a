package workflow

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// frame is one level of the fork stack: the fork a branch belongs to and the
// token that entered that fork.
type frame struct {
	forkID    string
	gatewayID string
	parent    *Token
}

type resumeSignal struct {
	activityID string
	payload    map[string]any
}

// execution is one branch being driven through the graph
type execution struct {
	graph      *Graph
	instanceID string
	rc         *RequestContext
	token      *Token
	frames     []frame
	resume     *resumeSignal
	// restored is set for passes that started from a snapshot
	restored bool
}

func (x *execution) frameRefs() []FrameRef {
	refs := make([]FrameRef, len(x.frames))
	for i, f := range x.frames {
		refs[i] = FrameRef{ForkID: f.forkID, GatewayID: f.gatewayID, TokenID: f.parent.ID}
	}
	return refs
}

func (x *execution) pop() (frame, bool) {
	if len(x.frames) == 0 {
		return frame{}, false
	}
	f := x.frames[len(x.frames)-1]
	x.frames = x.frames[:len(x.frames)-1]
	return f, true
}

// walk drives an execution from activityID until it ends, pauses at a join,
// suspends or fans out at a fork.
func (e *Engine) walk(ctx context.Context, x *execution, activityID string) (Outcome, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Outcome{ActivityID: activityID}, err
		}

		act, ok := x.graph.Activity(activityID)
		if !ok {
			return Outcome{ActivityID: activityID}, fmt.Errorf("%w: %s", ErrActivityNotFound, activityID)
		}

		switch act.Kind {
		case ActivityGateway:
			role, err := x.graph.Classify(act.ID)
			if err != nil {
				return Outcome{ActivityID: act.ID}, err
			}
			if role == GatewayFork {
				x.token.ActivityID = act.ID
				e.ledger.Track(x.token)
				return e.fork(ctx, x, act)
			}
			// the arrival becomes visible only under the instance lock
			out, err := e.join(ctx, x, act)
			if err != nil || out.Status != StatusAdvanced {
				return out, err
			}

		case ActivityEnd:
			x.token.ActivityID = act.ID
			e.ledger.Track(x.token)
			return e.finish(ctx, x, act)

		default:
			x.token.ActivityID = act.ID
			e.ledger.Track(x.token)
			out, err := e.execute(ctx, x, act)
			if err != nil {
				return Outcome{ActivityID: act.ID}, err
			}
			if out.Suspended() {
				return e.suspend(ctx, x, act)
			}
		}

		next := x.graph.Outgoing(act.ID)
		if len(next) == 0 {
			return e.finish(ctx, x, act)
		}
		activityID = next[0].Target
	}
}

// execute runs the handler of a start or task activity
func (e *Engine) execute(ctx context.Context, x *execution, act *Activity) (Outcome, error) {
	h, err := e.handlers.resolve(act)
	if err != nil {
		return Outcome{ActivityID: act.ID}, err
	}

	e.emit(ctx, x, Event{Type: EventActivityStarted, ActivityID: act.ID})

	ac := &ActivityContext{
		ProcessInstanceID: x.instanceID,
		GraphID:           x.graph.ID(),
		Activity:          act,
		Token:             x.token.Clone(),
		Request:           x.rc,
	}
	if x.resume != nil && x.resume.activityID == act.ID {
		ac.Resumed = true
		ac.Payload = x.resume.payload
		x.resume = nil
	}

	out := Continue()
	if h != nil {
		out, err = e.guarded(ctx, x, act, h, ac)
		if err != nil {
			e.metrics.RecordBranchFailure()
			e.emit(ctx, x, Event{Type: EventBranchFailed, ActivityID: act.ID, Error: err.Error()})
			return Outcome{ActivityID: act.ID}, fmt.Errorf("activity %s: %w", act.ID, err)
		}
	}
	out.ActivityID = act.ID

	if !out.Suspended() {
		e.emit(ctx, x, Event{Type: EventActivityCompleted, ActivityID: act.ID})
	}
	return out, nil
}

// guarded runs a handler behind the activity's circuit breaker
func (e *Engine) guarded(ctx context.Context, x *execution, act *Activity, h ActivityHandler, ac *ActivityContext) (Outcome, error) {
	if e.breakers == nil {
		return h.Execute(ctx, ac)
	}

	b := e.breakers.get(x.graph.ID(), act.ID)
	before, err := b.allow(e.breakers.cfg, e.breakers.now())
	if err != nil {
		return Outcome{}, err
	}

	out, err := h.Execute(ctx, ac)
	after := b.record(e.breakers.cfg, err != nil, e.breakers.now())
	if after != before {
		e.logger.Warn("activity circuit breaker state changed",
			zap.String("instance_id", x.instanceID),
			zap.String("graph_id", x.graph.ID()),
			zap.String("activity_id", act.ID),
			zap.String("from", before.String()),
			zap.String("to", after.String()))
	}
	return out, err
}

// finish consumes the token of a path that reached its end
func (e *Engine) finish(ctx context.Context, x *execution, act *Activity) (Outcome, error) {
	if act.Kind == ActivityEnd {
		e.emit(ctx, x, Event{Type: EventActivityStarted, ActivityID: act.ID})
	}
	if len(x.frames) > 0 {
		e.logger.Warn("branch ended without reaching its join",
			zap.String("instance_id", x.instanceID),
			zap.String("activity_id", act.ID),
			zap.String("token_id", x.token.ID))
	}

	lease, err := e.acquire(ctx, x.instanceID)
	if err != nil {
		return Outcome{ActivityID: act.ID}, err
	}
	defer e.release(ctx, lease)

	if err := e.ledger.MarkDone(ctx, x.token); err != nil {
		return Outcome{ActivityID: act.ID}, err
	}
	x.token.Done = true

	if act.Kind == ActivityEnd {
		e.emit(ctx, x, Event{Type: EventActivityCompleted, ActivityID: act.ID})
	}
	return Outcome{Status: StatusAdvanced, ActivityID: act.ID}, nil
}

// suspend parks a branch until Resume targets its activity. The branch token
// and the tokens of its fork stack are written through so another process can
// rebuild the branch.
func (e *Engine) suspend(ctx context.Context, x *execution, act *Activity) (Outcome, error) {
	lease, err := e.acquire(ctx, x.instanceID)
	if err != nil {
		return Outcome{ActivityID: act.ID}, err
	}
	defer e.release(ctx, lease)

	for _, f := range x.frames {
		if err := e.ledger.Record(ctx, f.parent); err != nil {
			return Outcome{ActivityID: act.ID}, err
		}
	}

	x.token.ActivityID = act.ID
	x.token.Suspended = true
	if err := e.ledger.Record(ctx, x.token); err != nil {
		return Outcome{ActivityID: act.ID}, err
	}
	x.rc.setBranch(x.token.ID, x.frameRefs())

	e.metrics.RecordSuspension()
	e.emit(ctx, x, Event{Type: EventBranchSuspended, ActivityID: act.ID})
	e.logger.Info("branch suspended",
		zap.String("instance_id", x.instanceID),
		zap.String("activity_id", act.ID),
		zap.String("token_id", x.token.ID),
		zap.Int("depth", len(x.frames)))

	return Outcome{Status: StatusSuspended, ActivityID: act.ID}, nil
}

// rebuildFrames restores a fork stack from its serialized form
func (e *Engine) rebuildFrames(ctx context.Context, instanceID string, refs []FrameRef) ([]frame, error) {
	frames := make([]frame, 0, len(refs))
	for _, ref := range refs {
		parent, err := e.ledger.Lookup(ctx, instanceID, ref.TokenID)
		if err != nil {
			return nil, fmt.Errorf("rebuild fork %s: %w", ref.ForkID, err)
		}
		frames = append(frames, frame{forkID: ref.ForkID, gatewayID: ref.GatewayID, parent: parent})
	}
	return frames, nil
}

func instanceAttrs(instanceID, graphID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("flowgate.instance_id", instanceID),
		attribute.String("flowgate.graph_id", graphID),
	}
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
