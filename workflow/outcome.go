package workflow

// Status is the result of driving an execution as far as it can go.
type Status int

const (
	// StatusAdvanced means the execution ran to the end of its path
	StatusAdvanced Status = iota
	// StatusPaused means the execution stopped at a join waiting for siblings
	StatusPaused
	// StatusSuspended means a branch is waiting on an external signal
	StatusSuspended
	// StatusIgnored means a resume request found nothing to resume
	StatusIgnored
)

func (s Status) String() string {
	switch s {
	case StatusAdvanced:
		return "advanced"
	case StatusPaused:
		return "paused"
	case StatusSuspended:
		return "suspended"
	case StatusIgnored:
		return "ignored"
	default:
		return "unknown"
	}
}

// Outcome is returned by every step of the engine in place of control-flow
// panics or sentinel errors. Failures travel in the accompanying error.
type Outcome struct {
	Status Status
	// ActivityID is where the execution stopped
	ActivityID string
}

// Continue is returned by a handler to let the execution proceed
func Continue() Outcome {
	return Outcome{Status: StatusAdvanced}
}

// Suspend is returned by a handler whose branch must wait for an external
// signal before it can proceed.
func Suspend() Outcome {
	return Outcome{Status: StatusSuspended}
}

// Suspended reports whether the outcome is a suspension
func (o Outcome) Suspended() bool {
	return o.Status == StatusSuspended
}

// rank orders statuses for aggregation across branches
func (s Status) rank() int {
	switch s {
	case StatusSuspended:
		return 3
	case StatusAdvanced:
		return 2
	case StatusPaused:
		return 1
	default:
		return 0
	}
}

// mergeOutcomes aggregates branch outcomes: suspended > advanced > paused
func mergeOutcomes(outcomes ...Outcome) Outcome {
	var result Outcome
	set := false
	for _, o := range outcomes {
		if !set || o.Status.rank() > result.Status.rank() {
			result = o
			set = true
		}
	}
	return result
}
