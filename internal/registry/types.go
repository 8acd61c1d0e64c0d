package registry

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/nidhogg/nuka-swarm/internal/apperr"
)

// Type is the agent's structural role in the hierarchy.
type Type string

const (
	TypeController Type = "Controller"
	TypeOracle     Type = "Oracle"
	TypeDispatcher Type = "Dispatcher"
	TypeModular    Type = "Modular"
)

// Valid reports whether t is a known agent type.
func (t Type) Valid() bool {
	switch t {
	case TypeController, TypeOracle, TypeDispatcher, TypeModular:
		return true
	}
	return false
}

// CanSupervise reports whether agents of this type may be a parent.
func (t Type) CanSupervise() bool {
	return t == TypeController || t == TypeDispatcher
}

// Status is the agent's operational status.
type Status string

const (
	StatusOnline          Status = "online"
	StatusOffline         Status = "offline"
	StatusMissionCritical Status = "mission-critical"
	StatusInitializing    Status = "initializing"
	StatusError           Status = "error"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusMissionCritical, StatusInitializing, StatusError:
		return true
	}
	return false
}

// Available reports whether an agent in this status may take assignments.
func (s Status) Available() bool {
	return s == StatusOnline || s == StatusMissionCritical
}

// Stats is the agent stat block. It is always copied and replaced as a whole.
type Stats struct {
	Experience     float64 `json:"experience"`
	Efficiency     float64 `json:"efficiency"`
	Accuracy       float64 `json:"accuracy"`
	Adaptability   float64 `json:"adaptability"`
	Specialization float64 `json:"specialization"`
}

// Agent is a registered agent. ParentID is an id back-reference resolved
// through the Registry, never a pointer.
type Agent struct {
	ID            string        `json:"id"`
	Type          Type          `json:"agent_type"`
	Role          string        `json:"role"`
	Status        Status        `json:"status"`
	ParentID      string        `json:"parent_id,omitempty"`
	Level         int           `json:"level"`
	Stats         Stats         `json:"stats"`
	Skills        []string      `json:"skills"`
	Tools         []string      `json:"collected_tools"`
	Configuration Configuration `json:"configuration"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// HasSkill reports whether the agent has the named skill.
func (a *Agent) HasSkill(skill string) bool {
	_, found := slices.BinarySearch(a.Skills, skill)
	return found
}

func (a Agent) clone() Agent {
	a.Skills = slices.Clone(a.Skills)
	a.Tools = slices.Clone(a.Tools)
	a.Configuration = a.Configuration.clone()
	return a
}

// ConfigKind tags which variant of Configuration is populated.
type ConfigKind string

const (
	ConfigManual  ConfigKind = "manual"
	ConfigDerived ConfigKind = "derived"
)

// Configuration is a tagged variant. Exactly the struct matching Kind is set;
// Extra carries plugin metadata the core does not interpret.
type Configuration struct {
	Kind    ConfigKind                 `json:"kind,omitempty"`
	Manual  *ManualConfig              `json:"manual,omitempty"`
	Derived *DerivedConfig             `json:"derived,omitempty"`
	Extra   map[string]json.RawMessage `json:"extra,omitempty"`
}

// ManualConfig describes an agent registered by an operator.
type ManualConfig struct {
	Owner string `json:"owner,omitempty"`
	Notes string `json:"notes,omitempty"`
}

// DerivedConfig describes an agent synthesized by an ECRR pipeline.
type DerivedConfig struct {
	PipelineID string  `json:"pipeline_id"`
	Target     string  `json:"target"`
	TargetType string  `json:"target_type"`
	Depth      string  `json:"depth"`
	Confidence float64 `json:"confidence"`
}

// Validate checks that the populated variant matches Kind.
func (c Configuration) Validate() error {
	switch c.Kind {
	case "":
		if c.Manual != nil || c.Derived != nil {
			return apperr.Invalid("configuration: variant set without kind")
		}
	case ConfigManual:
		if c.Derived != nil {
			return apperr.Invalid("configuration: manual kind with derived variant")
		}
	case ConfigDerived:
		if c.Derived == nil || c.Manual != nil {
			return apperr.Invalid("configuration: derived kind requires only the derived variant")
		}
		if c.Derived.PipelineID == "" {
			return apperr.Invalid("configuration: derived variant requires pipeline_id")
		}
	default:
		return apperr.Invalid("configuration: unknown kind %q", c.Kind)
	}
	return nil
}

func (c Configuration) clone() Configuration {
	if c.Manual != nil {
		m := *c.Manual
		c.Manual = &m
	}
	if c.Derived != nil {
		d := *c.Derived
		c.Derived = &d
	}
	if c.Extra != nil {
		extra := make(map[string]json.RawMessage, len(c.Extra))
		for k, v := range c.Extra {
			extra[k] = slices.Clone(v)
		}
		c.Extra = extra
	}
	return c
}

// Tool is a capability shared by reference between agents.
type Tool struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	Category     string    `json:"category"`
	AcquiredFrom string    `json:"acquired_from"`
	Capabilities []string  `json:"capabilities"`
	CreatedAt    time.Time `json:"created_at"`
}

func (t Tool) validate() error {
	if t.ID == "" {
		return apperr.Invalid("tool id is required")
	}
	if t.Name == "" {
		return apperr.Invalid("tool %s: name is required", t.ID)
	}
	return nil
}

// Filter selects agents in Query. Zero fields match anything.
type Filter struct {
	Type     Type
	Status   Status
	Skill    string
	ParentID string
	// Tool matches agents that collected this tool id.
	Tool string
}

// Match reports whether a passes the filter.
func (f Filter) Match(a *Agent) bool {
	if f.Type != "" && a.Type != f.Type {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.ParentID != "" && a.ParentID != f.ParentID {
		return false
	}
	if f.Skill != "" && !a.HasSkill(f.Skill) {
		return false
	}
	if f.Tool != "" && !slices.Contains(a.Tools, f.Tool) {
		return false
	}
	return true
}

// DecommissionOptions controls what happens to the children of a
// decommissioned agent. With neither set, an agent with children cannot be
// decommissioned.
type DecommissionOptions struct {
	ReparentTo string `json:"reparent_to,omitempty"`
	Cascade    bool   `json:"cascade,omitempty"`
}

func (o DecommissionOptions) validate() error {
	if o.ReparentTo != "" && o.Cascade {
		return apperr.Invalid("decommission: reparent_to and cascade are mutually exclusive")
	}
	return nil
}

// normalizeSkills returns a sorted, de-duplicated copy without empty entries.
func normalizeSkills(skills []string) []string {
	out := make([]string, 0, len(skills))
	for _, s := range skills {
		if s != "" {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// experiencePerLevel is the experience needed per level step: reaching level
// n+1 from n costs experiencePerLevel*n.
const experiencePerLevel = 100

// levelFor returns the level reached with the given cumulative experience.
func levelFor(experience float64) int {
	level := 1
	threshold := float64(experiencePerLevel)
	for experience >= threshold {
		level++
		threshold += float64(experiencePerLevel * level)
	}
	return level
}

func validateAgent(a *Agent) error {
	if a.ID == "" {
		return apperr.Invalid("agent id is required")
	}
	if !a.Type.Valid() {
		return apperr.Invalid("agent %s: unknown type %q", a.ID, a.Type)
	}
	if !a.Status.Valid() {
		return apperr.Invalid("agent %s: unknown status %q", a.ID, a.Status)
	}
	if a.Level < 0 {
		return apperr.Invalid("agent %s: level must be >= 0", a.ID)
	}
	if a.ParentID == a.ID {
		return fmt.Errorf("agent %s cannot supervise itself: %w", a.ID, apperr.ErrInvalidHierarchy)
	}
	return a.Configuration.Validate()
}
