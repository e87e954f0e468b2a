package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrGraphNotFound is returned when a graph ID is not registered
	ErrGraphNotFound = errors.New("graph not found")
	// ErrActivityNotFound is returned when an activity ID is not part of the graph
	ErrActivityNotFound = errors.New("activity not found")
	// ErrTokenNotFound is returned by token stores for unknown tokens
	ErrTokenNotFound = errors.New("token not found")
	// ErrSnapshotNotFound is returned by snapshot stores for unknown instances
	ErrSnapshotNotFound = errors.New("snapshot not found")
	// ErrInvalidResumeRequest is returned when a resume request is incomplete
	ErrInvalidResumeRequest = errors.New("invalid resume request")
	// ErrInstanceExists is returned by Run for an instance ID that already ran
	ErrInstanceExists = errors.New("process instance already exists")
)

// ConfigurationError reports a gateway whose transition cardinality makes it
// neither a fork nor a join. It aborts the whole process instance.
type ConfigurationError struct {
	GatewayID string
	Reason    string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("gateway %s: invalid configuration: %s", e.GatewayID, e.Reason)
}

// ConsistencyError reports a join that observed more arrivals than it has
// incoming transitions, or an arrival for a token that was already consumed.
// The join never advances when this error is returned.
type ConsistencyError struct {
	GatewayID  string
	InstanceID string
	Reached    int
	Required   int
	Reason     string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("gateway %s: inconsistent join state for instance %s (reached=%d required=%d): %s",
		e.GatewayID, e.InstanceID, e.Reached, e.Required, e.Reason)
}

// IsFatal reports whether err aborts the process instance without retry.
func IsFatal(err error) bool {
	var cfgErr *ConfigurationError
	var consErr *ConsistencyError
	return errors.As(err, &cfgErr) || errors.As(err, &consErr)
}
