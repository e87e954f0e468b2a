package workflow

import (
	"fmt"
)

// ActivityKind defines the kind of an activity in the graph
type ActivityKind string

const (
	// ActivityStart is the single entry point of a graph
	ActivityStart ActivityKind = "start"
	// ActivityTask executes a handler
	ActivityTask ActivityKind = "task"
	// ActivityGateway forks or joins parallel branches
	ActivityGateway ActivityKind = "gateway"
	// ActivityEnd terminates the path that reaches it
	ActivityEnd ActivityKind = "end"
)

// GatewayRole is derived from the transition cardinality of a gateway
type GatewayRole string

const (
	// GatewayFork has one incoming and at least two outgoing transitions
	GatewayFork GatewayRole = "fork"
	// GatewayJoin has at least two incoming and one outgoing transition
	GatewayJoin GatewayRole = "join"
)

// Activity is a node of the activity graph
type Activity struct {
	// ID is the unique identifier of the activity
	ID string
	// Kind specifies the activity kind
	Kind ActivityKind
	// Name is a human readable label
	Name string
	// Handler names the registered handler for task activities.
	// Empty means the activity ID is used for the lookup.
	Handler string
	// Metadata stores additional activity information
	Metadata map[string]any
}

// Transition is a directed edge between two activities
type Transition struct {
	ID     string
	Source string
	Target string
}

// Graph is the activity graph of a process definition.
// A Graph is immutable once registered with an Engine.
type Graph struct {
	id          string
	activities  map[string]*Activity
	order       []string
	transitions []*Transition
	incoming    map[string][]*Transition
	outgoing    map[string][]*Transition
	start       string
}

// NewGraph creates a new empty graph
func NewGraph(id string) *Graph {
	return &Graph{
		id:         id,
		activities: make(map[string]*Activity),
		incoming:   make(map[string][]*Transition),
		outgoing:   make(map[string][]*Transition),
	}
}

// ID returns the graph ID
func (g *Graph) ID() string {
	return g.id
}

// AddActivity adds an activity to the graph
func (g *Graph) AddActivity(a *Activity) error {
	if a == nil || a.ID == "" {
		return fmt.Errorf("activity id is required")
	}
	if _, exists := g.activities[a.ID]; exists {
		return fmt.Errorf("duplicate activity: %s", a.ID)
	}
	if a.Kind == "" {
		a.Kind = ActivityTask
	}
	if a.Kind == ActivityStart {
		if g.start != "" {
			return fmt.Errorf("graph %s already has start activity %s", g.id, g.start)
		}
		g.start = a.ID
	}
	g.activities[a.ID] = a
	g.order = append(g.order, a.ID)
	return nil
}

// AddTransition adds a directed transition. Declaration order is preserved
// and drives the order in which sequential forks enter their branches.
func (g *Graph) AddTransition(t *Transition) error {
	if t == nil {
		return fmt.Errorf("transition is nil")
	}
	if _, ok := g.activities[t.Source]; !ok {
		return fmt.Errorf("transition source not found: %s", t.Source)
	}
	if _, ok := g.activities[t.Target]; !ok {
		return fmt.Errorf("transition target not found: %s", t.Target)
	}
	if t.ID == "" {
		t.ID = t.Source + "->" + t.Target
	}
	for _, existing := range g.transitions {
		if existing.ID == t.ID {
			return fmt.Errorf("duplicate transition: %s", t.ID)
		}
	}
	g.transitions = append(g.transitions, t)
	g.outgoing[t.Source] = append(g.outgoing[t.Source], t)
	g.incoming[t.Target] = append(g.incoming[t.Target], t)
	return nil
}

// Activity retrieves an activity by ID
func (g *Graph) Activity(id string) (*Activity, bool) {
	a, ok := g.activities[id]
	return a, ok
}

// Activities returns all activities in declaration order
func (g *Graph) Activities() []*Activity {
	result := make([]*Activity, 0, len(g.order))
	for _, id := range g.order {
		result = append(result, g.activities[id])
	}
	return result
}

// Transitions returns all transitions in declaration order
func (g *Graph) Transitions() []*Transition {
	return append([]*Transition(nil), g.transitions...)
}

// Incoming returns the transitions entering an activity
func (g *Graph) Incoming(activityID string) []*Transition {
	return g.incoming[activityID]
}

// Outgoing returns the transitions leaving an activity in declaration order
func (g *Graph) Outgoing(activityID string) []*Transition {
	return g.outgoing[activityID]
}

// Start returns the start activity ID
func (g *Graph) Start() string {
	return g.start
}

// Classify derives the role of a gateway from its transition cardinality.
func (g *Graph) Classify(gatewayID string) (GatewayRole, error) {
	in := len(g.incoming[gatewayID])
	out := len(g.outgoing[gatewayID])

	switch {
	case in == 1 && out >= 2:
		return GatewayFork, nil
	case in >= 2 && out == 1:
		return GatewayJoin, nil
	default:
		return "", &ConfigurationError{
			GatewayID: gatewayID,
			Reason:    fmt.Sprintf("%d incoming / %d outgoing transitions is neither a fork nor a join", in, out),
		}
	}
}

// Validate checks the structural rules the engine relies on
func (g *Graph) Validate() error {
	if g.id == "" {
		return fmt.Errorf("graph id is required")
	}
	if g.start == "" {
		return fmt.Errorf("graph %s has no start activity", g.id)
	}
	if n := len(g.incoming[g.start]); n > 0 {
		return fmt.Errorf("start activity %s has %d incoming transitions", g.start, n)
	}

	for _, id := range g.order {
		a := g.activities[id]
		out := len(g.outgoing[id])

		switch a.Kind {
		case ActivityGateway:
			if _, err := g.Classify(id); err != nil {
				return err
			}
		case ActivityEnd:
			if out > 0 {
				return fmt.Errorf("end activity %s has outgoing transitions", id)
			}
		case ActivityStart, ActivityTask:
			if out > 1 {
				return fmt.Errorf("activity %s has %d outgoing transitions, use a gateway to fork", id, out)
			}
		default:
			return fmt.Errorf("activity %s has unknown kind %q", id, a.Kind)
		}
	}

	return nil
}
