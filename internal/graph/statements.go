package graph

import (
	"fmt"

	"github.com/nidhogg/nuka-swarm/internal/bus"
	"github.com/nidhogg/nuka-swarm/internal/registry"
	"github.com/nidhogg/nuka-swarm/internal/swarm"
)

const (
	mergeAgent = `MERGE (a:Agent {id: $id})
		SET a.type = $type, a.role = $role, a.status = $status, a.level = $level`

	mergeTool = `MERGE (t:Tool {id: $id})
		SET t.name = $name, t.category = $category, t.acquired_from = $acquired_from`

	linkParent = `MATCH (a:Agent {id: $id}), (p:Agent {id: $parent})
		MERGE (p)-[:SUPERVISES]->(a)`

	linkTool = `MATCH (a:Agent {id: $id})
		MERGE (t:Tool {id: $tool})
		MERGE (a)-[:COLLECTED]->(t)`

	mergeSwarm = `MERGE (s:Swarm {id: $id})
		SET s.type = $type, s.status = $status
		WITH s
		OPTIONAL MATCH (c:Agent {id: $controller})
		FOREACH (_ IN CASE WHEN c IS NULL THEN [] ELSE [1] END | MERGE (c)-[:CONTROLS]->(s))
		WITH s
		UNWIND $members AS member
		MATCH (a:Agent {id: member})
		MERGE (a)-[:MEMBER_OF]->(s)`

	registerAgent = mergeAgent + `
		WITH a
		OPTIONAL MATCH (p:Agent {id: $parent})
		FOREACH (_ IN CASE WHEN p IS NULL THEN [] ELSE [1] END | MERGE (p)-[:SUPERVISES]->(a))`

	reparentAgent = `MATCH (a:Agent {id: $id})
		OPTIONAL MATCH (:Agent)-[old:SUPERVISES]->(a)
		DELETE old
		WITH DISTINCT a
		OPTIONAL MATCH (p:Agent {id: $parent})
		FOREACH (_ IN CASE WHEN p IS NULL THEN [] ELSE [1] END | MERGE (p)-[:SUPERVISES]->(a))`

	removeAgent = `MATCH (a:Agent {id: $id}) DETACH DELETE a`

	setAgentStatus = `MATCH (a:Agent {id: $id}) SET a.status = $status`

	setAgentLevel = `MATCH (a:Agent {id: $id}) SET a.level = $level`

	addMember = `MATCH (s:Swarm {id: $id}), (a:Agent {id: $agent})
		MERGE (a)-[:MEMBER_OF]->(s)`

	removeMember = `MATCH (:Agent {id: $agent})-[r:MEMBER_OF]->(:Swarm {id: $id}) DELETE r`

	setSwarmStatus = `MATCH (s:Swarm {id: $id}) SET s.status = $status`

	retireSwarm = `MATCH (s:Swarm {id: $id})
		SET s.status = $status
		WITH s
		OPTIONAL MATCH (:Agent)-[r:MEMBER_OF]->(s)
		DELETE r`
)

func agentParams(a registry.Agent) map[string]any {
	return map[string]any{
		"id":     a.ID,
		"type":   string(a.Type),
		"role":   a.Role,
		"status": string(a.Status),
		"level":  int64(a.Level),
		"parent": a.ParentID,
	}
}

func toolParams(t registry.Tool) map[string]any {
	return map[string]any{
		"id":            t.ID,
		"name":          t.Name,
		"category":      t.Category,
		"acquired_from": t.AcquiredFrom,
	}
}

func swarmParams(d swarm.Deployment) map[string]any {
	members := make([]any, len(d.AgentIDs))
	for i, id := range d.AgentIDs {
		members[i] = id
	}
	return map[string]any{
		"id":         d.ID,
		"type":       d.SwarmType,
		"status":     string(d.Status),
		"controller": d.ControllerID,
		"members":    members,
	}
}

// statementFor translates a bus event into one Cypher statement.
func statementFor(ev bus.Event) (string, map[string]any, bool) {
	data, _ := ev.Data.(map[string]any)
	field := func(k string) string {
		if data == nil || data[k] == nil {
			return ""
		}
		return fmt.Sprint(data[k])
	}
	id := map[string]any{"id": ev.EntityID}
	with := func(k string, v any) map[string]any {
		return map[string]any{"id": ev.EntityID, k: v}
	}

	switch ev.Type {
	case "agent.registered":
		a, ok := ev.Data.(registry.Agent)
		if !ok {
			return "", nil, false
		}
		return registerAgent, agentParams(a), true
	case "agent.reparented":
		return reparentAgent, with("parent", field("parent_id")), true
	case "agent.decommissioned":
		return removeAgent, id, true
	case "agent.heartbeat":
		return setAgentStatus, with("status", field("status")), true
	case "agent.stale":
		return setAgentStatus, with("status", string(registry.StatusOffline)), true
	case "agent.leveled_up":
		level, ok := data["level"].(int)
		if !ok {
			return "", nil, false
		}
		return setAgentLevel, with("level", int64(level)), true
	case "agent.tool_attached":
		return linkTool, with("tool", field("tool_id")), true
	case "tool.created":
		t, ok := ev.Data.(registry.Tool)
		if !ok {
			return "", nil, false
		}
		return mergeTool, toolParams(t), true
	case "swarm.formed":
		d, ok := ev.Data.(swarm.Deployment)
		if !ok {
			return "", nil, false
		}
		return mergeSwarm, swarmParams(d), true
	case "swarm.member_added":
		return addMember, with("agent", field("agent_id")), true
	case "swarm.member_removed":
		return removeMember, with("agent", field("agent_id")), true
	case "swarm.status_changed":
		return setSwarmStatus, with("status", field("status")), true
	case "swarm.retired":
		return retireSwarm, with("status", string(swarm.StatusTerminated)), true
	}
	return "", nil, false
}
