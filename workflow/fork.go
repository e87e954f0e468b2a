package workflow

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// forkScope describes the branches of one fork
type forkScope struct {
	graph      *Graph
	instanceID string
	rc         *RequestContext
	forkID     string
	gateway    *Activity
	outgoing   []*Transition
	// frames of every branch, this fork's frame last
	frames []frame
}

// branch creates the execution of the i-th outgoing transition.
// The token ID only depends on the fork and the transition, so re-creating a
// branch after a resume yields the same logical arrival.
func (s *forkScope) branch(e *Engine, i int) *execution {
	t := s.outgoing[i]
	tok := NewBranchToken(s.instanceID, s.forkID, t.ID, t.Target)
	e.ledger.Track(tok)
	return &execution{
		graph:      s.graph,
		instanceID: s.instanceID,
		rc:         s.rc,
		token:      tok,
		frames:     append([]frame(nil), s.frames...),
	}
}

func (s *forkScope) frameRefs() []FrameRef {
	x := execution{frames: s.frames}
	return x.frameRefs()
}

// fork enters every outgoing transition of a fork gateway
func (e *Engine) fork(ctx context.Context, x *execution, gw *Activity) (Outcome, error) {
	role, err := x.graph.Classify(gw.ID)
	if err != nil {
		return Outcome{ActivityID: gw.ID}, err
	}
	if role != GatewayFork {
		return Outcome{ActivityID: gw.ID}, &ConfigurationError{GatewayID: gw.ID, Reason: "entered as fork but classified as " + string(role)}
	}

	mode := e.Mode()
	forkID := uuid.NewString()

	ctx, span := e.tracer.Start(ctx, "flowgate.fork", trace.WithAttributes(
		append(instanceAttrs(x.instanceID, x.graph.ID()),
			attribute.String("flowgate.gateway_id", gw.ID),
			attribute.String("flowgate.fork_id", forkID),
			attribute.String("flowgate.fork_mode", string(mode)))...))
	defer span.End()

	// exactly once per fork, before any branch is entered
	e.emit(ctx, x, Event{Type: EventActivityStarted, ActivityID: gw.ID})

	scope := &forkScope{
		graph:      x.graph,
		instanceID: x.instanceID,
		rc:         x.rc,
		forkID:     forkID,
		gateway:    gw,
		outgoing:   x.graph.Outgoing(gw.ID),
		frames: append(append([]frame(nil), x.frames...), frame{
			forkID:    forkID,
			gatewayID: gw.ID,
			parent:    x.token.Clone(),
		}),
	}

	e.metrics.RecordFork(string(mode))
	e.emit(ctx, x, Event{Type: EventForkStarted, ActivityID: gw.ID, ForkID: forkID, Mode: string(mode)})
	e.logger.Debug("fork started",
		zap.String("instance_id", x.instanceID),
		zap.String("gateway_id", gw.ID),
		zap.String("fork_id", forkID),
		zap.String("mode", string(mode)),
		zap.Int("branches", len(scope.outgoing)))

	var out Outcome
	switch mode {
	case ModeConcurrent:
		out, err = e.forkConcurrent(ctx, scope)
	case ModeAsyncSequential:
		out, err = e.forkAsync(ctx, scope, 0)
	default:
		out, err = e.forkSequential(ctx, scope)
	}
	if err != nil {
		recordSpanError(span, err)
	}
	return out, err
}

// forkSequential runs each branch to its end in declaration order. A suspended
// branch does not stop the siblings.
func (e *Engine) forkSequential(ctx context.Context, s *forkScope) (Outcome, error) {
	outs := make([]Outcome, 0, len(s.outgoing))
	for i, t := range s.outgoing {
		out, err := e.walk(ctx, s.branch(e, i), t.Target)
		if err != nil {
			return out, fmt.Errorf("branch %s: %w", t.ID, err)
		}
		outs = append(outs, out)
	}
	return mergeOutcomes(outs...), nil
}

// forkConcurrent submits all branches to the executor and waits for every one
// of them. The first error wins; results of the other branches are discarded.
func (e *Engine) forkConcurrent(ctx context.Context, s *forkScope) (Outcome, error) {
	outs := make([]Outcome, len(s.outgoing))
	tasks := make([]func(context.Context) error, len(s.outgoing))
	for i, t := range s.outgoing {
		i, t := i, t
		branch := s.branch(e, i)
		tasks[i] = func(ctx context.Context) error {
			out, err := e.walk(ctx, branch, t.Target)
			if err != nil {
				return fmt.Errorf("branch %s: %w", t.ID, err)
			}
			outs[i] = out
			return nil
		}
	}

	if err := e.executor.RunAll(ctx, tasks...); err != nil {
		return Outcome{ActivityID: s.gateway.ID}, err
	}
	return mergeOutcomes(outs...), nil
}

// forkAsync enters branches in declaration order starting at index start and
// stops at the first suspended branch. The pending entry keeps the index of
// the next sibling so Resume can carry on from there.
func (e *Engine) forkAsync(ctx context.Context, s *forkScope, start int) (Outcome, error) {
	outs := make([]Outcome, 0, len(s.outgoing))
	for i := start; i < len(s.outgoing); i++ {
		if i == 0 {
			s.rc.markIfAbsent(s.instanceID, SuspendMarker{ForkActivityID: s.gateway.ID, ForkID: s.forkID})
		}
		s.rc.setPending(&PendingFork{
			ForkID:     s.forkID,
			GatewayID:  s.gateway.ID,
			NextBranch: i + 1,
			Frames:     s.frameRefs(),
		})

		t := s.outgoing[i]
		out, err := e.walk(ctx, s.branch(e, i), t.Target)
		if err != nil {
			return out, fmt.Errorf("branch %s: %w", t.ID, err)
		}
		if out.Suspended() {
			e.logger.Debug("fork fan-out suspended",
				zap.String("instance_id", s.instanceID),
				zap.String("fork_id", s.forkID),
				zap.Int("next_branch", i+1))
			return out, nil
		}
		outs = append(outs, out)
	}

	s.rc.deletePending(s.forkID)
	if len(outs) == 0 {
		return Outcome{Status: StatusPaused, ActivityID: s.gateway.ID}, nil
	}
	return mergeOutcomes(outs...), nil
}
