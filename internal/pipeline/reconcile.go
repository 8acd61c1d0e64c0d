package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/nidhogg/nuka-swarm/internal/apperr"
	"github.com/nidhogg/nuka-swarm/internal/registry"
	"go.uber.org/zap"
)

// DerivedAgentID is the id of the agent a pipeline registers on completion.
// It is stable so a retried hand-off finds the agent an earlier attempt made.
func DerivedAgentID(pipelineID string) string {
	return derivedID(pipelineID, "agent")
}

func derivedID(pipelineID, name string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:nuka-swarm:pipeline:"+pipelineID+":"+name)).String()
}

// synthesize builds the agent and tools a completed pipeline contributes.
func synthesize(p Pipeline) (registry.Agent, []registry.Tool) {
	rep, dep := p.RepurposeResult, p.DeploymentResult

	agentType := rep.AgentType
	if agentType == "" {
		agentType = registry.TypeModular
	}
	status := dep.Status
	if status == "" {
		status = registry.StatusOnline
	}
	role := rep.Role
	if role == "" {
		role = "ecrr:" + p.Target
	}

	scores := []Score{p.EmulationResult.Score, p.CondensationResult.Score, rep.Score, dep.Score}
	var conf, cost float64
	for _, s := range scores {
		conf += s.Confidence
		cost += s.Cost
	}
	conf /= float64(len(scores))

	agent := registry.Agent{
		ID:       DerivedAgentID(p.ID),
		Type:     agentType,
		Role:     role,
		Status:   status,
		ParentID: dep.ParentID,
		Level:    1,
		Stats: registry.Stats{
			Efficiency:     1 / (1 + cost),
			Accuracy:       conf,
			Adaptability:   p.CondensationResult.Confidence,
			Specialization: rep.Confidence,
		},
		Skills: slices.Clone(rep.Skills),
		Configuration: registry.Configuration{
			Kind: registry.ConfigDerived,
			Derived: &registry.DerivedConfig{
				PipelineID: p.ID,
				Target:     p.Target,
				TargetType: p.TargetType,
				Depth:      string(p.Depth),
				Confidence: conf,
			},
		},
	}

	tools := make([]registry.Tool, 0, len(rep.Tools))
	for _, spec := range rep.Tools {
		tools = append(tools, registry.Tool{
			ID:           derivedID(p.ID, "tool/"+spec.Name),
			Name:         spec.Name,
			Description:  spec.Description,
			Category:     spec.Category,
			AcquiredFrom: p.ID,
			Capabilities: slices.Clone(spec.Capabilities),
		})
	}
	return agent, tools
}

// reconcile hands the derived capability to the registry, retrying with
// backoff. It never changes the pipeline's status.
func (e *Engine) reconcile(r *run) {
	defer e.wg.Done()
	defer close(r.reconciled)

	r.mu.Lock()
	p := r.p.clone()
	r.mu.Unlock()
	agent, tools := synthesize(p)

	var attempts int
	op := func() error {
		attempts++
		err := e.handOff(e.ctx, agent, tools)
		if errors.Is(err, apperr.ErrInvalidArgument) || errors.Is(err, apperr.ErrInvalidHierarchy) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.RetryNotify(op, backoff.WithContext(e.opts.Reconcile.backoff(), e.ctx), func(err error, wait time.Duration) {
		e.logger.Warn("reconciliation failed, retrying",
			zap.String("pipeline", p.ID),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err))
	})

	if err != nil && e.ctx.Err() != nil {
		// left pending for the next Load
		e.logger.Info("reconciliation interrupted", zap.String("pipeline", p.ID))
		return
	}

	ctx := context.Background()
	if err != nil {
		err = fmt.Errorf("pipeline %s: %w: %w", p.ID, apperr.ErrReconciliationFailure, err)
		e.logger.Error("reconciliation failed", zap.String("pipeline", p.ID), zap.Int("attempts", attempts), zap.Error(err))
		uerr := e.update(ctx, r, func(p *Pipeline) (string, any, error) {
			p.Reconciliation = &Reconciliation{Status: ReconcileFailed, Attempts: attempts, LastError: err.Error()}
			return "pipeline.reconciliation_failed", map[string]any{
				"error":    err.Error(),
				"attempts": attempts,
				"target":   p.Target,
			}, nil
		})
		if uerr != nil {
			e.logger.Error("record reconciliation failure", zap.String("pipeline", p.ID), zap.Error(uerr))
		}
		return
	}

	toolIDs := make([]string, 0, len(tools))
	for _, t := range tools {
		if !slices.Contains(toolIDs, t.ID) {
			toolIDs = append(toolIDs, t.ID)
		}
	}
	uerr := e.update(ctx, r, func(p *Pipeline) (string, any, error) {
		p.AgentID = agent.ID
		p.ToolIDs = toolIDs
		p.Reconciliation = &Reconciliation{Status: ReconcileDone, Attempts: attempts}
		return "pipeline.reconciled", map[string]any{"agent_id": agent.ID, "tool_ids": toolIDs}, nil
	})
	if uerr != nil {
		e.logger.Error("record reconciliation", zap.String("pipeline", p.ID), zap.Error(uerr))
		return
	}
	e.logger.Info("pipeline reconciled",
		zap.String("pipeline", p.ID),
		zap.String("agent", agent.ID),
		zap.Int("tools", len(toolIDs)))
}

// handOff registers the agent (an agent left by an earlier attempt counts) and
// attaches every tool. Both registry calls are idempotent for these ids.
func (e *Engine) handOff(ctx context.Context, agent registry.Agent, tools []registry.Tool) error {
	if _, err := e.registrar.Register(ctx, agent); err != nil && !errors.Is(err, apperr.ErrDuplicateID) {
		return fmt.Errorf("register agent %s: %w", agent.ID, err)
	}
	for _, t := range tools {
		if err := e.registrar.AttachTool(ctx, agent.ID, t); err != nil {
			return fmt.Errorf("attach tool %s: %w", t.Name, err)
		}
	}
	return nil
}
