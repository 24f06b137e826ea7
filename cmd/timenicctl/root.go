package main

import (
	"context"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/timenic/timenic-daemon/pkg/client"
	"github.com/timenic/timenic-daemon/pkg/config"
	"github.com/timenic/timenic-daemon/pkg/errs"
)

const envServer = "TIMENICCTL_SERVER"

// GitCommit of current build set at build time
var GitCommit = "Undefined"

// cli is the state shared by every subcommand, set in PersistentPreRunE.
type cli struct {
	server  string
	format  string
	verbose bool
	timeout time.Duration

	client *client.Client
	out    printer
}

func (c *cli) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.timeout)
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "timenicctl",
		Short: "Operate a TimeNIC manager",
		Long: `timenicctl drives the TimeNIC manager HTTP API: adapter discovery,
PPS pins, TCXO and PTM, synchronization sessions and the stored
configuration.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if c.verbose {
				log.SetLevel(log.DebugLevel)
			}
			if !validFormat(c.format) {
				return fmt.Errorf("output format %q, want table, json or yaml: %w", c.format, errs.ErrInvalidArgument)
			}
			var err error
			if c.client, err = client.New(c.server); err != nil {
				return err
			}
			c.out = printer{format: c.format, out: cmd.OutOrStdout()}
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&c.server, "server", "s", config.EnvOrDefault(envServer, "http://localhost"+config.DefaultListenAddress),
		"TimeNIC manager URL (env "+envServer+")")
	root.PersistentFlags().StringVarP(&c.format, "output", "o", "table", "output format: table, json, yaml")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "log API requests")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", client.DefaultTimeout, "request timeout")

	root.AddCommand(
		newStatusCmd(c),
		newNICsCmd(c),
		newPPSCmd(c),
		newTCXOCmd(c),
		newPTMCmd(c),
		newSetupCmd(c),
		newSyncCmd(c),
		newPTPCmd(c),
		newConfigCmd(c),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the timenicctl build",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "timenicctl git commit %s\n", GitCommit)
			return nil
		},
	}
}

func main() {
	log.SetOutput(os.Stderr)
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
