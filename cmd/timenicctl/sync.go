package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/timenic/timenic-daemon/pkg/controller"
	"github.com/timenic/timenic-daemon/pkg/errs"
)

func newSyncCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Start, stop and inspect synchronization sessions",
	}

	var (
		iface string
		pin   int
	)
	start := &cobra.Command{
		Use:   "start",
		Short: "Lock an adapter PHC to the pulse on its PPS input",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.context()
			defer cancel()
			var pinIndex *int
			if cmd.Flags().Changed("pin") {
				pinIndex = &pin
			}
			h, msg, err := c.client.StartSync(ctx, iface, pinIndex)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (session %s)\n", msg, h.ID)
			return nil
		},
	}
	start.Flags().StringVarP(&iface, "interface", "i", "", "adapter, the configured default when empty")
	start.Flags().IntVar(&pin, "pin", 1, "input pin index")

	pair := &cobra.Command{
		Use:   "pair <phc2sys|ts2phc> <source> <target>",
		Short: "Discipline one PHC from another",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := controller.Mode(args[0])
			if mode != controller.ModePHC2Sys && mode != controller.ModeTS2PHC {
				return fmt.Errorf("pair mode %q: %w", args[0], errs.ErrInvalidArgument)
			}
			ctx, cancel := c.context()
			defer cancel()
			h, msg, err := c.client.StartPair(ctx, mode, args[1], args[2])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (session %s)\n", msg, h.ID)
			return nil
		},
	}

	var mode string
	stop := &cobra.Command{
		Use:   "stop",
		Short: "Stop every session of a mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.context()
			defer cancel()
			msg, err := c.client.StopSync(ctx, controller.Mode(mode))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}
	stop.Flags().StringVarP(&mode, "mode", "m", string(controller.ModePPS), "pps, phc2sys or ts2phc")

	status := &cobra.Command{
		Use:   "status",
		Short: "List sessions with their servo state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.context()
			defer cancel()
			list, err := c.client.Sessions(ctx)
			if err != nil {
				return err
			}
			if done, err := c.out.structured(list); done {
				return err
			}
			rows := make([][]string, 0, len(list))
			for _, s := range list {
				state := string(s.State)
				if s.Failure != "" {
					state = badStyle.Render(state)
				}
				rows = append(rows, []string{
					s.ID, string(s.Mode), s.Source, s.Target, state,
					fmt.Sprintf("%.0f", s.OffsetNs), fmt.Sprintf("%.1f", s.RMSNs),
					fmt.Sprintf("%.1f", s.FrequencyPPB), yesNo(s.IsSynced), strconv.Itoa(s.Samples),
				})
			}
			c.out.table([]string{"ID", "MODE", "SOURCE", "TARGET", "STATE", "OFFSET(ns)", "RMS(ns)", "FREQ(ppb)", "SYNCED", "SAMPLES"}, rows)
			for _, s := range list {
				if s.Failure != "" {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", s.ID, s.Failure)
				}
			}
			return nil
		},
	}

	cmd.AddCommand(start, pair, stop, status)
	return cmd
}

func newPTPCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ptp",
		Short: "Inspect PTP hardware clocks",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "devices",
		Short: "List /dev/ptp* clocks and their pins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.context()
			defer cancel()
			list, err := c.client.PTPDevices(ctx)
			if err != nil {
				return err
			}
			if done, err := c.out.structured(list); done {
				return err
			}
			rows := make([][]string, 0, len(list))
			for _, d := range list {
				rows = append(rows, []string{
					d.Path, orDash(d.Interface), d.Name, yesNo(d.Available),
					strconv.FormatInt(d.NPins, 10), orDash(d.Pins),
				})
			}
			c.out.table([]string{"DEVICE", "INTERFACE", "CLOCK", "AVAILABLE", "PINS", "PIN FUNCTIONS"}, rows)
			return nil
		},
	})
	return cmd
}
