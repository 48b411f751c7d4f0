package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"mesh-nms/pkg/api"
	"mesh-nms/pkg/client"
	"mesh-nms/pkg/version"
)

const envServer = "NMSCTL_SERVER"

type globalFlags struct {
	server  string
	timeout time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "nmsctl:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "nmsctl",
		Short:         "Inspect a running nmsd",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	server := os.Getenv(envServer)
	if server == "" {
		server = "http://localhost:8088"
	}
	root.PersistentFlags().StringVarP(&g.server, "server", "s", server, "nmsd base URL (env: "+envServer+")")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", 10*time.Second, "request timeout")
	root.AddCommand(
		newNetworksCmd(g),
		newStateCmd(g),
		newReloadCmd(g),
		newWatchCmd(g),
		&cobra.Command{
			Use:   "version",
			Short: "Print the build version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version.String())
			},
		},
	)
	return root
}

func (g *globalFlags) client() (*client.Client, error) {
	return client.New(client.Config{Endpoint: g.server})
}

func (g *globalFlags) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), g.timeout)
}

func newNetworksCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "networks",
		Short: "List managed networks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl, err := g.client()
			if err != nil {
				return err
			}
			ctx, cancel := g.context(cmd)
			defer cancel()
			names, err := cl.Networks(ctx)
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		},
	}
}

func newStateCmd(g *globalFlags) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "state <network>",
		Short: "Print the merged state of a network",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := g.client()
			if err != nil {
				return err
			}
			ctx, cancel := g.context(cmd)
			defer cancel()
			raw, err := cl.StateJSON(ctx, args[0])
			if err != nil {
				return err
			}
			return writeDocument(cmd.OutOrStdout(), raw, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "json", "output format: json|yaml|summary")
	return cmd
}

func newReloadCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Re-read the instance config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl, err := g.client()
			if err != nil {
				return err
			}
			ctx, cancel := g.context(cmd)
			defer cancel()
			names, err := cl.Reload(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reloaded %d networks\n", len(names))
			return nil
		},
	}
}

func newWatchCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [network]",
		Short: "Stream state updates, reconnecting as needed",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := g.client()
			if err != nil {
				return err
			}
			network := ""
			if len(args) == 1 {
				network = args[0]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			out := cmd.OutOrStdout()
			err = cl.Watch(ctx, network, func(m api.StreamMessage) {
				writeSummary(out, m.Payload)
			})
			if errors.IsNotFound(err) {
				return errors.Errorf("unknown network %q", network)
			}
			return err
		},
	}
}
