// Package producer provides the capability producers the pipeline engine
// delegates phases to: deterministic builtin producers and an HTTP plugin
// client.
package producer

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/cespare/xxhash/v2"
	"github.com/nidhogg/nuka-swarm/internal/apperr"
	"github.com/nidhogg/nuka-swarm/internal/pipeline"
	"github.com/nidhogg/nuka-swarm/internal/registry"
)

type profile struct {
	steps       int
	confidence  float64
	costPerStep float64
}

var profiles = map[pipeline.Depth]profile{
	pipeline.DepthBasic:    {steps: 3, confidence: 0.6, costPerStep: 0.5},
	pipeline.DepthStandard: {steps: 6, confidence: 0.75, costPerStep: 0.5},
	pipeline.DepthDeep:     {steps: 12, confidence: 0.88, costPerStep: 0.5},
}

var strategies = map[pipeline.Depth]string{
	pipeline.DepthBasic:    "direct",
	pipeline.DepthStandard: "canary",
	pipeline.DepthDeep:     "blue-green",
}

// Builtin derives phase results from the target name alone. The same target
// and depth always produce the same output. Each depth step is a cancellation
// checkpoint, optionally padded with StepDelay.
type Builtin struct {
	phase     pipeline.Phase
	stepDelay time.Duration
}

// NewBuiltin returns the builtin producer for phase.
func NewBuiltin(phase pipeline.Phase, stepDelay time.Duration) *Builtin {
	return &Builtin{phase: phase, stepDelay: stepDelay}
}

func (b *Builtin) Run(ctx context.Context, in pipeline.Input, depth pipeline.Depth) (pipeline.Output, error) {
	prof, ok := profiles[depth]
	if !ok {
		return pipeline.Output{}, apperr.Invalid("builtin %s: unknown depth %q", b.phase, depth)
	}
	for range prof.steps {
		if err := checkpoint(ctx, b.stepDelay); err != nil {
			return pipeline.Output{}, err
		}
	}
	score := pipeline.Score{
		Confidence: confidence(prof.confidence, string(b.phase)+":"+in.Target),
		Cost:       float64(prof.steps) * prof.costPerStep,
	}

	switch b.phase {
	case pipeline.PhaseEmulate:
		return emulate(in, depth, prof, score), nil
	case pipeline.PhaseCondense:
		if in.Emulation == nil {
			return pipeline.Output{}, apperr.Invalid("builtin condense: missing emulation result")
		}
		return condense(in, depth, score), nil
	case pipeline.PhaseRepurpose:
		if in.Condensation == nil {
			return pipeline.Output{}, apperr.Invalid("builtin repurpose: missing condensation result")
		}
		return repurpose(in, depth, score), nil
	case pipeline.PhaseRedeploy:
		if in.Repurpose == nil {
			return pipeline.Output{}, apperr.Invalid("builtin redeploy: missing repurpose result")
		}
		return redeploy(in, depth, score), nil
	}
	return pipeline.Output{}, apperr.Invalid("builtin: unknown phase %q", b.phase)
}

func emulate(in pipeline.Input, depth pipeline.Depth, prof profile, score pipeline.Score) pipeline.Output {
	toks := tokens(in.Target)
	res := &pipeline.EmulationResult{Score: score, Observations: prof.steps * len(toks)}
	for _, t := range toks {
		res.Interfaces = append(res.Interfaces, "api:"+t)
		res.Behaviors = append(res.Behaviors, "responds:"+t)
		if depth != pipeline.DepthBasic {
			res.Behaviors = append(res.Behaviors, "state:"+t)
		}
		if depth == pipeline.DepthDeep {
			res.Behaviors = append(res.Behaviors, "timing:"+t)
		}
	}
	return pipeline.Output{Emulation: res}
}

func condense(in pipeline.Input, depth pipeline.Depth, score pipeline.Score) pipeline.Output {
	ifaces := in.Emulation.Interfaces
	res := &pipeline.CondensationResult{Score: score}
	names := make([]string, 0, len(ifaces))
	for _, iface := range ifaces {
		name := strings.TrimPrefix(iface, "api:")
		names = append(names, name)
		res.Capabilities = append(res.Capabilities, pipeline.Capability{
			Name:        name,
			Category:    in.TargetType,
			Description: fmt.Sprintf("%s capability distilled from %s", name, in.Target),
			Weight:      1 / float64(len(ifaces)),
		})
	}
	if depth == pipeline.DepthDeep && len(names) > 1 {
		res.Patterns = []string{"composite:" + strings.Join(names, "+")}
	}
	return pipeline.Output{Condensation: res}
}

func repurpose(in pipeline.Input, depth pipeline.Depth, score pipeline.Score) pipeline.Output {
	res := &pipeline.RepurposeResult{
		Score:     score,
		AgentType: agentTypeFor(in.TargetType),
		Role:      in.TargetType + "-specialist",
	}
	for _, c := range in.Condensation.Capabilities {
		res.Skills = append(res.Skills, "operate-"+c.Name)
		caps := []string{"invoke:" + c.Name}
		if depth != pipeline.DepthBasic {
			res.Skills = append(res.Skills, "analyze-"+c.Name)
		}
		if depth == pipeline.DepthDeep {
			res.Skills = append(res.Skills, "optimize-"+c.Name)
			caps = append(caps, "inspect:"+c.Name)
		}
		res.Tools = append(res.Tools, pipeline.ToolSpec{
			Name:         c.Name + "-adapter",
			Description:  c.Description,
			Category:     c.Category,
			Capabilities: caps,
		})
	}
	return pipeline.Output{Repurpose: res}
}

func redeploy(in pipeline.Input, depth pipeline.Depth, score pipeline.Score) pipeline.Output {
	return pipeline.Output{Deployment: &pipeline.DeploymentResult{
		Score:    score,
		Strategy: strategies[depth],
		Status:   registry.StatusOnline,
		Notes:    fmt.Sprintf("%d skills, %d tools", len(in.Repurpose.Skills), len(in.Repurpose.Tools)),
	}}
}

func agentTypeFor(targetType string) registry.Type {
	switch targetType {
	case pipeline.TargetCapability:
		return registry.TypeOracle
	case pipeline.TargetSystem:
		return registry.TypeDispatcher
	default:
		return registry.TypeModular
	}
}

// tokens splits a target name into lower-case words of two or more runes.
func tokens(target string) []string {
	fields := strings.FieldsFunc(strings.ToLower(target), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var out []string
	seen := map[string]bool{}
	for _, f := range fields {
		if len([]rune(f)) < 2 || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	if len(out) == 0 {
		out = []string{strings.ToLower(target)}
	}
	return out
}

// confidence adds a stable per-target offset of up to 0.08 to base.
func confidence(base float64, key string) float64 {
	jitter := float64(xxhash.Sum64String(key)%1000) / 1000 * 0.08
	return min(base+jitter, 1)
}

func checkpoint(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
