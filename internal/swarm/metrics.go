package swarm

import (
	"github.com/nidhogg/nuka-swarm/internal/registry"
)

// Metric names produced by Reduce.
const (
	MetricAgentCount         = "agent_count"
	MetricMissingAgents      = "missing_agents"
	MetricAvailableRatio     = "available_ratio"
	MetricMeanLevel          = "mean_level"
	MetricMeanExperience     = "mean_experience"
	MetricMeanEfficiency     = "mean_efficiency"
	MetricMeanAccuracy       = "mean_accuracy"
	MetricMeanAdaptability   = "mean_adaptability"
	MetricMeanSpecialization = "mean_specialization"
	MetricWeightedAccuracy   = "efficiency_weighted_accuracy"
	MetricDistinctSkills     = "distinct_skills"
	MetricDistinctTools      = "distinct_tools"
)

// Reduce folds member stat blocks into swarm metrics. Agents must be given in
// a fixed order (Aggregate sorts by id) so float sums are reproducible.
func Reduce(agents []registry.Agent, missing int) map[string]float64 {
	m := map[string]float64{
		MetricAgentCount:    float64(len(agents)),
		MetricMissingAgents: float64(missing),
	}
	if len(agents) == 0 {
		return m
	}

	var available int
	var level, xp, eff, acc, adapt, spec, wAcc float64
	skills := map[string]struct{}{}
	tools := map[string]struct{}{}
	for _, a := range agents {
		if a.Status.Available() {
			available++
		}
		level += float64(a.Level)
		xp += a.Stats.Experience
		eff += a.Stats.Efficiency
		acc += a.Stats.Accuracy
		adapt += a.Stats.Adaptability
		spec += a.Stats.Specialization
		wAcc += a.Stats.Efficiency * a.Stats.Accuracy
		for _, s := range a.Skills {
			skills[s] = struct{}{}
		}
		for _, t := range a.Tools {
			tools[t] = struct{}{}
		}
	}

	n := float64(len(agents))
	m[MetricAvailableRatio] = float64(available) / n
	m[MetricMeanLevel] = level / n
	m[MetricMeanExperience] = xp / n
	m[MetricMeanEfficiency] = eff / n
	m[MetricMeanAccuracy] = acc / n
	m[MetricMeanAdaptability] = adapt / n
	m[MetricMeanSpecialization] = spec / n
	if eff > 0 {
		m[MetricWeightedAccuracy] = wAcc / eff
	} else {
		m[MetricWeightedAccuracy] = acc / n
	}
	m[MetricDistinctSkills] = float64(len(skills))
	m[MetricDistinctTools] = float64(len(tools))
	return m
}
