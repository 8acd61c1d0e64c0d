package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

type options struct {
	server  string
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "swarmctl",
		Short: "Operate a Nuka Swarm orchestration core",
		Long: `swarmctl talks to swarmd over HTTP.

Examples:
  swarmctl agents list --status online
  swarmctl pipelines submit router-X --depth standard --wait
  swarmctl events watch --kind pipeline`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	server := os.Getenv("SWARM_SERVER")
	if server == "" {
		server = "http://localhost:8080"
	}
	root.PersistentFlags().StringVarP(&opts.server, "server", "s", server, "swarmd base URL (or set SWARM_SERVER)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "Request timeout")

	root.AddCommand(
		healthCmd(opts),
		agentsCmd(opts),
		toolsCmd(opts),
		missionsCmd(opts),
		swarmsCmd(opts),
		pipelinesCmd(opts),
		eventsCmd(opts),
	)
	return root
}

func (o *options) client() *client { return newClient(o.server) }

func (o *options) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), o.timeout)
}

// call runs one request and prints the JSON answer.
func (o *options) call(cmd *cobra.Command, fn func(ctx context.Context, c *client, out *json.RawMessage) error) error {
	ctx, cancel := o.context(cmd)
	defer cancel()
	var out json.RawMessage
	if err := fn(ctx, o.client(), &out); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, err = fmt.Fprintln(w, string(raw))
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

func healthCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show service health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.call(cmd, func(ctx context.Context, c *client, out *json.RawMessage) error {
				return c.get(ctx, "/health", nil, out)
			})
		},
	}
}
