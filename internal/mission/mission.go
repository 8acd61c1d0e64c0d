package mission

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/nidhogg/nuka-swarm/internal/apperr"
	"github.com/nidhogg/nuka-swarm/internal/registry"
)

// Status is the lifecycle state of a mission.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// validTransitions defines allowed state transitions.
var validTransitions = map[Status][]Status{
	StatusPending: {StatusActive, StatusCancelled},
	StatusActive:  {StatusCompleted, StatusFailed, StatusCancelled},
}

// Transition returns nil if from → to is a legal move for mission id.
func Transition(id string, from, to Status) error {
	if slices.Contains(validTransitions[from], to) {
		return nil
	}
	return apperr.Transition("mission", id, from, to)
}

// Priority orders missions on the board.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 0
	}
	return -1
}

// Requirements constrain which agents may be assigned. Zero fields impose
// nothing; Extra is carried for planners and never interpreted here.
type Requirements struct {
	Skills     []string                   `json:"skills,omitempty"`
	AgentTypes []registry.Type            `json:"agent_types,omitempty"`
	MinLevel   int                        `json:"min_level,omitempty"`
	Extra      map[string]json.RawMessage `json:"extra,omitempty"`
}

func (r Requirements) clone() Requirements {
	r.Skills = slices.Clone(r.Skills)
	r.AgentTypes = slices.Clone(r.AgentTypes)
	if r.Extra != nil {
		extra := make(map[string]json.RawMessage, len(r.Extra))
		for k, v := range r.Extra {
			extra[k] = slices.Clone(v)
		}
		r.Extra = extra
	}
	return r
}

// unmet returns why a does not satisfy the requirements, or "".
func (r Requirements) unmet(a *registry.Agent) string {
	if len(r.AgentTypes) > 0 && !slices.Contains(r.AgentTypes, a.Type) {
		return fmt.Sprintf("agent type %s not accepted", a.Type)
	}
	if a.Level < r.MinLevel {
		return fmt.Sprintf("level %d below required %d", a.Level, r.MinLevel)
	}
	for _, s := range r.Skills {
		if !a.HasSkill(s) {
			return fmt.Sprintf("missing skill %q", s)
		}
	}
	return ""
}

// Mission is a unit of work agents are assigned to.
type Mission struct {
	ID             string       `json:"id"`
	Title          string       `json:"title"`
	Description    string       `json:"description"`
	MissionType    string       `json:"mission_type"`
	Status         Status       `json:"status"`
	Priority       Priority     `json:"priority"`
	AssignedAgents []string     `json:"assigned_agents"`
	Requirements   Requirements `json:"requirements"`
	Progress       float64      `json:"progress"`
	Deadline       *time.Time   `json:"deadline,omitempty"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

func (m Mission) clone() Mission {
	m.AssignedAgents = slices.Clone(m.AssignedAgents)
	m.Requirements = m.Requirements.clone()
	if m.Deadline != nil {
		d := *m.Deadline
		m.Deadline = &d
	}
	if m.CompletedAt != nil {
		c := *m.CompletedAt
		m.CompletedAt = &c
	}
	return m
}

// Spec is the input to Create.
type Spec struct {
	ID           string       `json:"id,omitempty"`
	Title        string       `json:"title"`
	Description  string       `json:"description"`
	MissionType  string       `json:"mission_type"`
	Priority     Priority     `json:"priority"`
	Requirements Requirements `json:"requirements"`
	Deadline     *time.Time   `json:"deadline,omitempty"`
}

func (s *Spec) validate() error {
	if s.Title == "" {
		return apperr.Invalid("mission title is required")
	}
	if s.Priority == "" {
		s.Priority = PriorityMedium
	}
	if s.Priority.rank() < 0 {
		return apperr.Invalid("unknown mission priority %q", s.Priority)
	}
	if s.Requirements.MinLevel < 0 {
		return apperr.Invalid("requirements.min_level must be >= 0")
	}
	for _, t := range s.Requirements.AgentTypes {
		if !t.Valid() {
			return apperr.Invalid("requirements: unknown agent type %q", t)
		}
	}
	return nil
}

// Outcome is the terminal result passed to Complete.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// Rejection reports one agent id that could not be assigned.
type Rejection struct {
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason"`
	err     error
}

// Err returns the typed error for the rejection.
func (r Rejection) Err() error { return r.err }

// AssignResult reports a partial-success assignment.
type AssignResult struct {
	Assigned []string    `json:"assigned"`
	Rejected []Rejection `json:"rejected,omitempty"`
}

// Filter selects missions in List.
type Filter struct {
	Status   Status
	Priority Priority
	AgentID  string
}

func (f Filter) match(m *Mission) bool {
	if f.Status != "" && m.Status != f.Status {
		return false
	}
	if f.Priority != "" && m.Priority != f.Priority {
		return false
	}
	if f.AgentID != "" && !slices.Contains(m.AssignedAgents, f.AgentID) {
		return false
	}
	return true
}
