package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nidhogg/nuka-swarm/internal/pipeline"
	"github.com/spf13/cobra"
)

func pipelinesCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "pipelines",
		Aliases: []string{"pipeline", "ecrr"},
		Short:   "Run and inspect ECRR pipelines",
	}

	var status, target string
	list := &cobra.Command{
		Use:   "list",
		Short: "List pipelines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			setIf(q, "status", status)
			setIf(q, "target", target)
			return o.call(cmd, func(ctx context.Context, c *client, out *json.RawMessage) error {
				return c.get(ctx, "/pipelines", q, out)
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "running, completed, failed or cancelled")
	list.Flags().StringVar(&target, "target", "", "Target name")

	var req pipeline.Request
	var depth, key string
	var wait bool
	submit := &cobra.Command{
		Use:   "submit <target>",
		Short: "Start an Emulate, Condense, Repurpose, Redeploy run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Target = args[0]
			req.Depth = pipeline.Depth(depth)
			if key == "" {
				key = uuid.NewString()
			}
			c := o.client()
			c.header.Set("Idempotency-Key", key)

			ctx, cancel := o.context(cmd)
			defer cancel()
			var p pipeline.Pipeline
			if err := c.post(ctx, "/pipelines", req, &p); err != nil {
				return err
			}
			if wait {
				var err error
				if p, err = waitTerminal(cmd.Context(), c, p.ID); err != nil {
					return err
				}
			}
			raw, err := json.Marshal(p)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
	submit.Flags().StringVar(&req.ID, "id", "", "Pipeline id (generated when empty)")
	submit.Flags().StringVar(&req.TargetType, "target-type", "", "tool, system or capability")
	submit.Flags().StringVar(&depth, "depth", string(pipeline.DepthBasic), "basic, standard or deep")
	submit.Flags().StringVar(&key, "idempotency-key", "", "Reuse to make retried submits safe (random when empty)")
	submit.Flags().BoolVar(&wait, "wait", false, "Block until the pipeline finishes")

	cmd.AddCommand(list, submit,
		idCmd(o, "get <id>", "Show one pipeline", "/pipelines/%s", false),
		idCmd(o, "cancel <id>", "Request cancellation", "/pipelines/%s/cancel", true),
		idCmd(o, "restart <id>", "Run a finished pipeline's target again", "/pipelines/%s/restart", true),
	)
	return cmd
}

const pollInterval = 500 * time.Millisecond

func waitTerminal(ctx context.Context, c *client, id string) (pipeline.Pipeline, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		var p pipeline.Pipeline
		if err := c.get(ctx, "/pipelines/"+id, nil, &p); err != nil {
			return p, err
		}
		if p.Status.Terminal() {
			return p, nil
		}
		select {
		case <-ctx.Done():
			return p, ctx.Err()
		case <-ticker.C:
		}
	}
}

func eventsCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow the event feed",
	}
	var kinds []string
	var entity string
	watch := &cobra.Command{
		Use:   "watch",
		Short: "Print events as they happen, one JSON object per line",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			for _, k := range kinds {
				q.Add("kind", k)
			}
			setIf(q, "id", entity)

			ctx := cmd.Context()
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, o.client().wsURL("/events/ws", q), nil)
			if err != nil {
				return fmt.Errorf("connect event feed: %w", err)
			}
			defer conn.Close()
			go func() {
				<-ctx.Done()
				conn.Close()
			}()

			out := cmd.OutOrStdout()
			for {
				_, msg, err := conn.ReadMessage()
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("event feed: %w", err)
				}
				fmt.Fprintln(out, string(msg))
			}
		},
	}
	watch.Flags().StringSliceVar(&kinds, "kind", nil, "agent, tool, mission, swarm or pipeline (repeatable)")
	watch.Flags().StringVar(&entity, "id", "", "Only events about this entity")
	cmd.AddCommand(watch)
	return cmd
}

// idCmd builds a command that takes one id and either GETs or POSTs the path.
func idCmd(o *options, use, short, pathFmt string, post bool) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf(pathFmt, url.PathEscape(args[0]))
			return o.call(cmd, func(ctx context.Context, c *client, out *json.RawMessage) error {
				if post {
					return c.post(ctx, path, nil, out)
				}
				return c.get(ctx, path, nil, out)
			})
		},
	}
}
