package main

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"

	"github.com/nidhogg/nuka-swarm/internal/mission"
	"github.com/nidhogg/nuka-swarm/internal/swarm"
	"github.com/spf13/cobra"
)

func missionsCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "missions",
		Aliases: []string{"mission"},
		Short:   "Create and drive missions",
	}

	var status, priority, agentID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List missions, highest priority first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			setIf(q, "status", status)
			setIf(q, "priority", priority)
			setIf(q, "agent_id", agentID)
			return o.call(cmd, func(ctx context.Context, c *client, out *json.RawMessage) error {
				return c.get(ctx, "/missions", q, out)
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "Mission status")
	list.Flags().StringVar(&priority, "priority", "", "Mission priority")
	list.Flags().StringVar(&agentID, "agent", "", "Assigned agent id")

	var spec mission.Spec
	var specPriority, skills string
	create := &cobra.Command{
		Use:   "create <title>",
		Short: "Create a pending mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec.Title = args[0]
			spec.Priority = mission.Priority(specPriority)
			spec.Requirements.Skills = splitList(skills)
			return o.call(cmd, func(ctx context.Context, c *client, out *json.RawMessage) error {
				return c.post(ctx, "/missions", spec, out)
			})
		},
	}
	create.Flags().StringVar(&spec.ID, "id", "", "Mission id (generated when empty)")
	create.Flags().StringVar(&spec.Description, "description", "", "Description")
	create.Flags().StringVar(&spec.MissionType, "type", "", "Mission type")
	create.Flags().StringVar(&specPriority, "priority", string(mission.PriorityMedium), "low, medium, high or critical")
	create.Flags().StringVar(&skills, "skills", "", "Comma-separated required skills")
	create.Flags().IntVar(&spec.Requirements.MinLevel, "min-level", 0, "Minimum agent level")

	assign := &cobra.Command{
		Use:   "assign <id> <agent-id...>",
		Short: "Assign agents; ineligible ones are reported, not fatal",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.call(cmd, func(ctx context.Context, c *client, out *json.RawMessage) error {
				return c.post(ctx, "/missions/"+args[0]+"/assign", map[string][]string{"agent_ids": args[1:]}, out)
			})
		},
	}

	advance := &cobra.Command{
		Use:   "advance <id> <delta>",
		Short: "Add progress percentage points",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			delta, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return err
			}
			return o.call(cmd, func(ctx context.Context, c *client, out *json.RawMessage) error {
				return c.post(ctx, "/missions/"+args[0]+"/advance", map[string]float64{"delta": delta}, out)
			})
		},
	}

	var outcome string
	complete := &cobra.Command{
		Use:   "complete <id>",
		Short: "Finish an active mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.call(cmd, func(ctx context.Context, c *client, out *json.RawMessage) error {
				return c.post(ctx, "/missions/"+args[0]+"/complete", map[string]string{"outcome": outcome}, out)
			})
		},
	}
	complete.Flags().StringVar(&outcome, "outcome", string(mission.OutcomeCompleted), "completed or failed")

	cmd.AddCommand(list, create, assign, advance, complete,
		idCmd(o, "get <id>", "Show one mission", "/missions/%s", false),
		idCmd(o, "start <id>", "Activate a pending mission", "/missions/%s/start", true),
		idCmd(o, "cancel <id>", "Cancel a mission", "/missions/%s/cancel", true),
	)
	return cmd
}

func swarmsCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "swarms",
		Aliases: []string{"swarm"},
		Short:   "Form, aggregate and retire swarms",
	}

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List swarms",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			setIf(q, "status", status)
			return o.call(cmd, func(ctx context.Context, c *client, out *json.RawMessage) error {
				return c.get(ctx, "/swarms", q, out)
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "Swarm status")

	var spec swarm.FormSpec
	form := &cobra.Command{
		Use:   "form <agent-id...>",
		Short: "Form a swarm from agents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec.AgentIDs = args
			return o.call(cmd, func(ctx context.Context, c *client, out *json.RawMessage) error {
				return c.post(ctx, "/swarms", spec, out)
			})
		},
	}
	form.Flags().StringVar(&spec.ID, "id", "", "Swarm id (generated when empty)")
	form.Flags().StringVar(&spec.SwarmType, "type", "", "Swarm type")
	form.Flags().StringVar(&spec.ControllerID, "controller", "", "Controller agent id")

	retire := &cobra.Command{
		Use:   "retire <id>",
		Short: "Terminate a swarm and release its members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.call(cmd, func(ctx context.Context, c *client, out *json.RawMessage) error {
				return c.delete(ctx, "/swarms/"+args[0], nil, out)
			})
		},
	}

	cmd.AddCommand(list, form, retire,
		idCmd(o, "get <id>", "Show one swarm", "/swarms/%s", false),
		idCmd(o, "aggregate <id>", "Recompute performance metrics", "/swarms/%s/aggregate", true),
	)
	return cmd
}
