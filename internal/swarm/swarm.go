package swarm

import (
	"maps"
	"slices"
	"time"

	"github.com/nidhogg/nuka-swarm/internal/apperr"
)

// Status is the operational state of a swarm.
type Status string

const (
	StatusActive     Status = "active"
	StatusStandby    Status = "standby"
	StatusDeployed   Status = "deployed"
	StatusTerminated Status = "terminated"
)

// validTransitions defines allowed state transitions. Terminated is final.
var validTransitions = map[Status][]Status{
	StatusStandby:  {StatusActive, StatusDeployed, StatusTerminated},
	StatusActive:   {StatusStandby, StatusDeployed, StatusTerminated},
	StatusDeployed: {StatusActive, StatusStandby, StatusTerminated},
}

// Transition returns nil if from → to is a legal move for swarm id.
func Transition(id string, from, to Status) error {
	if slices.Contains(validTransitions[from], to) {
		return nil
	}
	return apperr.Transition("swarm", id, from, to)
}

// Deployment is a grouping of registry agents under optional controller
// supervision. PerformanceMetrics is the last aggregation view.
type Deployment struct {
	ID                 string             `json:"id"`
	SwarmType          string             `json:"swarm_type"`
	ControllerID       string             `json:"controller_id,omitempty"`
	AgentIDs           []string           `json:"agent_ids"`
	Status             Status             `json:"status"`
	PerformanceMetrics map[string]float64 `json:"performance_metrics"`
	AggregatedAt       *time.Time         `json:"aggregated_at,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
	RetiredAt          *time.Time         `json:"retired_at,omitempty"`
}

func (d Deployment) clone() Deployment {
	d.AgentIDs = slices.Clone(d.AgentIDs)
	d.PerformanceMetrics = maps.Clone(d.PerformanceMetrics)
	if d.AggregatedAt != nil {
		t := *d.AggregatedAt
		d.AggregatedAt = &t
	}
	if d.RetiredAt != nil {
		t := *d.RetiredAt
		d.RetiredAt = &t
	}
	return d
}

// FormSpec is the input to Form.
type FormSpec struct {
	ID           string   `json:"id,omitempty"`
	SwarmType    string   `json:"swarm_type"`
	AgentIDs     []string `json:"agent_ids"`
	ControllerID string   `json:"controller_id,omitempty"`
	Status       Status   `json:"status,omitempty"`
}
