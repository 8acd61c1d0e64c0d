package pipeline

import (
	"context"
	"encoding/json"
	"math"
	"slices"
	"time"

	"github.com/nidhogg/nuka-swarm/internal/apperr"
	"github.com/nidhogg/nuka-swarm/internal/registry"
)

// Phase is one step of the ECRR state machine.
type Phase string

const (
	PhaseEmulate   Phase = "emulate"
	PhaseCondense  Phase = "condense"
	PhaseRepurpose Phase = "repurpose"
	PhaseRedeploy  Phase = "redeploy"
	PhaseComplete  Phase = "complete"
)

// Phases lists the producer-backed phases in execution order.
var Phases = []Phase{PhaseEmulate, PhaseCondense, PhaseRepurpose, PhaseRedeploy}

// nextPhase is the only forward edge out of each phase.
var nextPhase = map[Phase]Phase{
	PhaseEmulate:   PhaseCondense,
	PhaseCondense:  PhaseRepurpose,
	PhaseRepurpose: PhaseRedeploy,
	PhaseRedeploy:  PhaseComplete,
}

// Valid reports whether p is a producer-backed phase.
func (p Phase) Valid() bool { return slices.Contains(Phases, p) }

// Depth controls how thorough (and how slow) each phase is.
type Depth string

const (
	DepthBasic    Depth = "basic"
	DepthStandard Depth = "standard"
	DepthDeep     Depth = "deep"
)

// Valid reports whether d is a known depth.
func (d Depth) Valid() bool {
	switch d {
	case DepthBasic, DepthStandard, DepthDeep:
		return true
	}
	return false
}

// Status is the lifecycle state of a pipeline record.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

var validTransitions = map[Status][]Status{
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return len(validTransitions[s]) == 0 }

func transition(id string, from, to Status) error {
	if slices.Contains(validTransitions[from], to) {
		return nil
	}
	return apperr.Transition("pipeline", id, from, to)
}

// Target types accepted by Submit.
const (
	TargetTool       = "tool"
	TargetSystem     = "system"
	TargetCapability = "capability"
)

// Score is the phase-local confidence and cost reported by a producer.
type Score struct {
	Confidence float64 `json:"confidence"`
	Cost       float64 `json:"cost"`
}

func (s Score) validate(phase Phase) error {
	if math.IsNaN(s.Confidence) || s.Confidence < 0 || s.Confidence > 1 {
		return apperr.Invalid("%s result: confidence %v outside [0,1]", phase, s.Confidence)
	}
	if math.IsNaN(s.Cost) || s.Cost < 0 {
		return apperr.Invalid("%s result: negative cost %v", phase, s.Cost)
	}
	return nil
}

// EmulationResult describes the observed surface of the target.
type EmulationResult struct {
	Score
	Interfaces   []string                   `json:"interfaces"`
	Behaviors    []string                   `json:"behaviors"`
	Observations int                        `json:"observations"`
	Metadata     map[string]json.RawMessage `json:"metadata,omitempty"`
}

// Capability is one distilled unit of function.
type Capability struct {
	Name        string  `json:"name"`
	Category    string  `json:"category"`
	Description string  `json:"description,omitempty"`
	Weight      float64 `json:"weight"`
}

// CondensationResult is the emulated surface reduced to capabilities.
type CondensationResult struct {
	Score
	Capabilities []Capability               `json:"capabilities"`
	Patterns     []string                   `json:"patterns,omitempty"`
	Metadata     map[string]json.RawMessage `json:"metadata,omitempty"`
}

// ToolSpec is a tool the repurposed agent should carry.
type ToolSpec struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Category     string   `json:"category"`
	Capabilities []string `json:"capabilities"`
}

// RepurposeResult maps capabilities onto an agent shape.
type RepurposeResult struct {
	Score
	AgentType registry.Type              `json:"agent_type"`
	Role      string                     `json:"role"`
	Skills    []string                   `json:"skills"`
	Tools     []ToolSpec                 `json:"tools"`
	Metadata  map[string]json.RawMessage `json:"metadata,omitempty"`
}

// DeploymentResult is the plan for placing the synthesized agent.
type DeploymentResult struct {
	Score
	Strategy string                     `json:"strategy"`
	ParentID string                     `json:"parent_id,omitempty"`
	Status   registry.Status            `json:"status,omitempty"`
	Notes    string                     `json:"notes,omitempty"`
	Metadata map[string]json.RawMessage `json:"metadata,omitempty"`
}

// Input is what a producer receives: the raw target plus every result
// produced so far. Emulate sees only the target.
type Input struct {
	PipelineID   string              `json:"pipeline_id"`
	Phase        Phase               `json:"phase"`
	Target       string              `json:"target"`
	TargetType   string              `json:"target_type"`
	Emulation    *EmulationResult    `json:"emulation,omitempty"`
	Condensation *CondensationResult `json:"condensation,omitempty"`
	Repurpose    *RepurposeResult    `json:"repurpose,omitempty"`
}

// Output is a tagged result: exactly the bundle for the phase that ran is set.
type Output struct {
	Emulation    *EmulationResult    `json:"emulation,omitempty"`
	Condensation *CondensationResult `json:"condensation,omitempty"`
	Repurpose    *RepurposeResult    `json:"repurpose,omitempty"`
	Deployment   *DeploymentResult   `json:"deployment,omitempty"`
}

// Score returns the score of the bundle set for phase.
func (o Output) Score(phase Phase) Score {
	switch phase {
	case PhaseEmulate:
		if o.Emulation != nil {
			return o.Emulation.Score
		}
	case PhaseCondense:
		if o.Condensation != nil {
			return o.Condensation.Score
		}
	case PhaseRepurpose:
		if o.Repurpose != nil {
			return o.Repurpose.Score
		}
	case PhaseRedeploy:
		if o.Deployment != nil {
			return o.Deployment.Score
		}
	}
	return Score{}
}

// validate rejects outputs that do not carry a usable bundle for phase.
func (o Output) validate(phase Phase) error {
	switch phase {
	case PhaseEmulate:
		if o.Emulation == nil {
			return apperr.Invalid("emulate: producer returned no emulation result")
		}
		if len(o.Emulation.Interfaces) == 0 && len(o.Emulation.Behaviors) == 0 {
			return apperr.Invalid("emulate: empty emulation result")
		}
		return o.Emulation.Score.validate(phase)
	case PhaseCondense:
		if o.Condensation == nil || len(o.Condensation.Capabilities) == 0 {
			return apperr.Invalid("condense: producer returned no capabilities")
		}
		return o.Condensation.Score.validate(phase)
	case PhaseRepurpose:
		r := o.Repurpose
		if r == nil || len(r.Skills) == 0 {
			return apperr.Invalid("repurpose: producer returned no skills")
		}
		if r.AgentType != "" && !r.AgentType.Valid() {
			return apperr.Invalid("repurpose: unknown agent type %q", r.AgentType)
		}
		for _, t := range r.Tools {
			if t.Name == "" {
				return apperr.Invalid("repurpose: tool without name")
			}
		}
		return r.Score.validate(phase)
	case PhaseRedeploy:
		d := o.Deployment
		if d == nil || d.Strategy == "" {
			return apperr.Invalid("redeploy: producer returned no deployment strategy")
		}
		if d.Status != "" && !d.Status.Valid() {
			return apperr.Invalid("redeploy: unknown agent status %q", d.Status)
		}
		return d.Score.validate(phase)
	}
	return apperr.Invalid("unknown phase %q", phase)
}

// Producer implements one ECRR phase. Run must return promptly once ctx is
// done and must be safe to call again after an error marked apperr.Transient.
type Producer interface {
	Run(ctx context.Context, in Input, depth Depth) (Output, error)
}

// ProducerFunc adapts a function to Producer.
type ProducerFunc func(ctx context.Context, in Input, depth Depth) (Output, error)

func (f ProducerFunc) Run(ctx context.Context, in Input, depth Depth) (Output, error) {
	return f(ctx, in, depth)
}

// ReconcileStatus tracks hand-off of the derived capability to the registry.
type ReconcileStatus string

const (
	ReconcilePending ReconcileStatus = "pending"
	ReconcileDone    ReconcileStatus = "done"
	ReconcileFailed  ReconcileStatus = "failed"
)

// Reconciliation is the registry hand-off state of a completed pipeline.
type Reconciliation struct {
	Status    ReconcileStatus `json:"status"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
}

// Pipeline is the engine-owned record of one ECRR run. Result bundles are set
// only once their phase has completed and are never modified afterwards.
type Pipeline struct {
	ID         string `json:"id"`
	Target     string `json:"target"`
	TargetType string `json:"target_type"`
	Depth      Depth  `json:"depth"`
	Status     Status `json:"status"`
	Phase      Phase  `json:"phase"`

	EmulationResult    *EmulationResult    `json:"emulation_result,omitempty"`
	CondensationResult *CondensationResult `json:"condensation_result,omitempty"`
	RepurposeResult    *RepurposeResult    `json:"repurpose_result,omitempty"`
	DeploymentResult   *DeploymentResult   `json:"deployment_result,omitempty"`

	Summary     string `json:"summary,omitempty"`
	Error       string `json:"error,omitempty"`
	FailedPhase Phase  `json:"failed_phase,omitempty"`

	AgentID        string          `json:"agent_id,omitempty"`
	ToolIDs        []string        `json:"tool_ids,omitempty"`
	Reconciliation *Reconciliation `json:"reconciliation,omitempty"`
	RestartOf      string          `json:"restart_of,omitempty"`

	DurationMS  int64      `json:"pipeline_duration_ms,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// PhasesCompleted counts the result bundles present.
func (p *Pipeline) PhasesCompleted() int {
	n := 0
	if p.EmulationResult != nil {
		n++
	}
	if p.CondensationResult != nil {
		n++
	}
	if p.RepurposeResult != nil {
		n++
	}
	if p.DeploymentResult != nil {
		n++
	}
	return n
}

func (p *Pipeline) input(phase Phase) Input {
	return Input{
		PipelineID:   p.ID,
		Phase:        phase,
		Target:       p.Target,
		TargetType:   p.TargetType,
		Emulation:    p.EmulationResult,
		Condensation: p.CondensationResult,
		Repurpose:    p.RepurposeResult,
	}
}

func (p *Pipeline) store(phase Phase, out Output) {
	switch phase {
	case PhaseEmulate:
		p.EmulationResult = out.Emulation
	case PhaseCondense:
		p.CondensationResult = out.Condensation
	case PhaseRepurpose:
		p.RepurposeResult = out.Repurpose
	case PhaseRedeploy:
		p.DeploymentResult = out.Deployment
	}
}

// clone copies the mutable parts of the record. Result bundles are immutable
// once stored, so they are shared.
func (p Pipeline) clone() Pipeline {
	p.ToolIDs = slices.Clone(p.ToolIDs)
	if p.Reconciliation != nil {
		r := *p.Reconciliation
		p.Reconciliation = &r
	}
	if p.StartedAt != nil {
		t := *p.StartedAt
		p.StartedAt = &t
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		p.CompletedAt = &t
	}
	return p
}

// Request is the input to Submit.
type Request struct {
	ID         string `json:"id,omitempty"`
	Target     string `json:"target"`
	TargetType string `json:"target_type,omitempty"`
	Depth      Depth  `json:"depth,omitempty"`
}

func (r *Request) normalize() error {
	if r.Target == "" {
		return apperr.Invalid("pipeline target is required")
	}
	if r.Depth == "" {
		r.Depth = DepthBasic
	}
	if !r.Depth.Valid() {
		return apperr.Invalid("unknown depth %q", r.Depth)
	}
	switch r.TargetType {
	case "":
		r.TargetType = TargetSystem
	case TargetTool, TargetSystem, TargetCapability:
	default:
		return apperr.Invalid("unknown target type %q", r.TargetType)
	}
	return nil
}

// Filter selects pipelines in List. Zero fields match anything.
type Filter struct {
	Status Status
	Target string
}
