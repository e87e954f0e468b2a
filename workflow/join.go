package workflow

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// join evaluates the arrival of a branch at a join gateway. The
// read-count-decide-write sequence runs under the instance lock; the
// downstream activities are entered by the caller after the lock is released.
func (e *Engine) join(ctx context.Context, x *execution, gw *Activity) (Outcome, error) {
	role, err := x.graph.Classify(gw.ID)
	if err != nil {
		return Outcome{ActivityID: gw.ID}, err
	}
	if role != GatewayJoin {
		return Outcome{ActivityID: gw.ID}, &ConfigurationError{GatewayID: gw.ID, Reason: "entered as join but classified as " + string(role)}
	}

	required := len(x.graph.Incoming(gw.ID))

	ctx, span := e.tracer.Start(ctx, "flowgate.join", trace.WithAttributes(
		append(instanceAttrs(x.instanceID, x.graph.ID()),
			attribute.String("flowgate.gateway_id", gw.ID),
			attribute.String("flowgate.token_id", x.token.ID),
			attribute.Int("flowgate.required", required))...))
	defer span.End()

	out, reached, err := e.evaluateJoin(ctx, x, gw, required)
	span.SetAttributes(attribute.Int("flowgate.reached", reached))
	if err != nil {
		recordSpanError(span, err)
		if IsFatal(err) {
			e.metrics.RecordJoin("inconsistent")
			e.logger.Error("join rejected",
				zap.String("instance_id", x.instanceID),
				zap.String("gateway_id", gw.ID),
				zap.String("token_id", x.token.ID),
				zap.Int("reached", reached),
				zap.Int("required", required),
				zap.Error(err))
		}
		return out, err
	}

	switch out.Status {
	case StatusAdvanced:
		e.metrics.RecordJoin("advanced")
		e.emit(ctx, x, Event{Type: EventJoinAdvanced, ActivityID: gw.ID, Reached: reached, Required: required})
	default:
		e.metrics.RecordJoin("paused")
		e.emit(ctx, x, Event{Type: EventJoinPaused, ActivityID: gw.ID, Reached: reached, Required: required})
	}
	e.logger.Debug("join evaluated",
		zap.String("instance_id", x.instanceID),
		zap.String("gateway_id", gw.ID),
		zap.String("token_id", x.token.ID),
		zap.Int("reached", reached),
		zap.Int("required", required),
		zap.String("status", out.Status.String()))
	return out, nil
}

func (e *Engine) evaluateJoin(ctx context.Context, x *execution, gw *Activity, required int) (Outcome, int, error) {
	paused := Outcome{Status: StatusPaused, ActivityID: gw.ID}

	lease, err := e.acquire(ctx, x.instanceID)
	if err != nil {
		return paused, 0, err
	}
	defer e.release(ctx, lease)

	prev, err := e.ledger.Lookup(ctx, x.instanceID, x.token.ID)
	switch {
	case err == nil && prev.Done:
		return paused, 0, &ConsistencyError{
			GatewayID:  gw.ID,
			InstanceID: x.instanceID,
			Required:   required,
			Reason:     "arrival of consumed token " + x.token.ID,
		}
	case err != nil && !errors.Is(err, ErrTokenNotFound):
		return paused, 0, err
	}

	x.token.ActivityID = gw.ID
	x.token.Suspended = false
	if err := e.ledger.Record(ctx, x.token); err != nil {
		return paused, 0, err
	}

	active, err := e.ledger.ActiveTokens(ctx, x.instanceID)
	if err != nil {
		return paused, 0, err
	}
	arrived := make([]*Token, 0, required)
	for _, t := range active {
		if t.ActivityID == gw.ID {
			arrived = append(arrived, t)
		}
	}
	reached := len(arrived)

	switch {
	case reached > required:
		return paused, reached, &ConsistencyError{
			GatewayID:  gw.ID,
			InstanceID: x.instanceID,
			Reached:    reached,
			Required:   required,
			Reason:     "more arrivals than incoming transitions",
		}
	case reached < required:
		return paused, reached, nil
	}

	if err := e.ledger.MarkDone(ctx, arrived...); err != nil {
		return paused, reached, err
	}

	closed := make(map[string]bool, 1)
	for _, t := range arrived {
		if t.ForkID != "" && !closed[t.ForkID] {
			x.rc.closeFork(x.instanceID, t.ForkID)
			closed[t.ForkID] = true
		}
	}

	// the token that entered the fork carries on past the join
	if f, ok := x.pop(); ok {
		x.rc.closeFork(x.instanceID, f.forkID)
		x.token = f.parent.Clone()
	} else {
		x.token = x.token.Clone()
		x.token.Done = false
	}
	x.token.ActivityID = gw.ID

	return Outcome{Status: StatusAdvanced, ActivityID: gw.ID}, reached, nil
}
