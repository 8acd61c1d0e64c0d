package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/nidhogg/nuka-swarm/internal/registry"
	"github.com/spf13/cobra"
)

func agentsCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "agents",
		Aliases: []string{"agent"},
		Short:   "Register, inspect and decommission agents",
	}

	var filter struct{ agentType, status, skill, parent string }
	list := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			setIf(q, "type", filter.agentType)
			setIf(q, "status", filter.status)
			setIf(q, "skill", filter.skill)
			setIf(q, "parent_id", filter.parent)
			return o.call(cmd, func(ctx context.Context, c *client, out *json.RawMessage) error {
				return c.get(ctx, "/agents", q, out)
			})
		},
	}
	list.Flags().StringVar(&filter.agentType, "type", "", "Controller, Oracle, Dispatcher or Modular")
	list.Flags().StringVar(&filter.status, "status", "", "Agent status")
	list.Flags().StringVar(&filter.skill, "skill", "", "Required skill")
	list.Flags().StringVar(&filter.parent, "parent", "", "Supervisor id")

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.call(cmd, func(ctx context.Context, c *client, out *json.RawMessage) error {
				return c.get(ctx, "/agents/"+args[0], nil, out)
			})
		},
	}

	var a registry.Agent
	var agentType, skills string
	register := &cobra.Command{
		Use:   "register",
		Short: "Register an agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a.Type = registry.Type(agentType)
			a.Skills = splitList(skills)
			return o.call(cmd, func(ctx context.Context, c *client, out *json.RawMessage) error {
				return c.post(ctx, "/agents", a, out)
			})
		},
	}
	register.Flags().StringVar(&a.ID, "id", "", "Agent id (generated when empty)")
	register.Flags().StringVar(&agentType, "type", string(registry.TypeModular), "Agent type")
	register.Flags().StringVar(&a.Role, "role", "", "Free-form role")
	register.Flags().StringVar(&a.ParentID, "parent", "", "Supervisor id")
	register.Flags().StringVar(&skills, "skills", "", "Comma-separated skills")

	var status string
	heartbeat := &cobra.Command{
		Use:   "heartbeat <id>",
		Short: "Report an agent heartbeat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.call(cmd, func(ctx context.Context, c *client, out *json.RawMessage) error {
				return c.post(ctx, "/agents/"+args[0]+"/heartbeat", map[string]string{"status": status}, out)
			})
		},
	}
	heartbeat.Flags().StringVar(&status, "status", string(registry.StatusOnline), "Reported status")

	var parent string
	reparent := &cobra.Command{
		Use:   "reparent <id>",
		Short: "Move an agent under another supervisor (empty makes it a root)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.call(cmd, func(ctx context.Context, c *client, out *json.RawMessage) error {
				return c.post(ctx, "/agents/"+args[0]+"/reparent", map[string]string{"parent_id": parent}, out)
			})
		},
	}
	reparent.Flags().StringVar(&parent, "parent", "", "New supervisor id")

	var reparentTo string
	var cascade bool
	decommission := &cobra.Command{
		Use:     "decommission <id>",
		Aliases: []string{"rm"},
		Short:   "Remove an agent",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			setIf(q, "reparent_to", reparentTo)
			if cascade {
				q.Set("cascade", strconv.FormatBool(cascade))
			}
			return o.call(cmd, func(ctx context.Context, c *client, out *json.RawMessage) error {
				return c.delete(ctx, "/agents/"+args[0], q, out)
			})
		},
	}
	decommission.Flags().StringVar(&reparentTo, "reparent-to", "", "Hand direct children to this supervisor")
	decommission.Flags().BoolVar(&cascade, "cascade", false, "Also remove the whole subtree")

	lineage := graphCmd(o, "lineage <id>", "Show the supervisor chain, nearest first", "/agents/%s/lineage")
	subtree := graphCmd(o, "subtree <id>", "Show every agent below an agent", "/agents/%s/subtree")

	cmd.AddCommand(list, get, register, heartbeat, reparent, decommission, lineage, subtree)
	return cmd
}

func toolsCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect and search collected tools",
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.call(cmd, func(ctx context.Context, c *client, out *json.RawMessage) error {
				return c.get(ctx, "/tools", nil, out)
			})
		},
	}
	var limit int
	search := &cobra.Command{
		Use:   "search <query...>",
		Short: "Find tools by description",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{"q": {strings.Join(args, " ")}, "limit": {strconv.Itoa(limit)}}
			return o.call(cmd, func(ctx context.Context, c *client, out *json.RawMessage) error {
				return c.get(ctx, "/tools/search", q, out)
			})
		},
	}
	search.Flags().IntVar(&limit, "limit", 10, "Maximum results")
	holders := graphCmd(o, "holders <tool-id>", "Show the agents that collected a tool", "/tools/%s/holders")
	cmd.AddCommand(list, search, holders)
	return cmd
}

// graphCmd builds a read command answered by the registry, or by the Neo4j
// mirror with --graph.
func graphCmd(o *options, use, short, pathFmt string) *cobra.Command {
	var fromGraph bool
	c := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if fromGraph {
				q.Set("source", "graph")
			}
			return o.call(cmd, func(ctx context.Context, c *client, out *json.RawMessage) error {
				return c.get(ctx, fmt.Sprintf(pathFmt, url.PathEscape(args[0])), q, out)
			})
		},
	}
	c.Flags().BoolVar(&fromGraph, "graph", false, "Answer from the Neo4j mirror")
	return c
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
