package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/timenic/timenic-daemon/pkg/config"
	"github.com/timenic/timenic-daemon/pkg/device"
	"github.com/timenic/timenic-daemon/pkg/errs"
	"github.com/timenic/timenic-daemon/pkg/status"
)

func newStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the primary adapter, PPS, PTM and sync state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.context()
			defer cancel()
			v, err := c.client.Status(ctx)
			if err != nil {
				return err
			}
			if done, err := c.out.structured(v); done {
				return err
			}
			printStatus(c.out, v)
			return nil
		},
	}
}

func printStatus(p printer, v status.View) {
	kv := [][2]string{}
	if v.Device != nil {
		kv = append(kv,
			[2]string{"Device", v.Device.Interface},
			[2]string{"PHC", orDash(v.Device.PTPDevice)},
		)
	} else {
		kv = append(kv, [2]string{"Device", "-"})
	}
	kv = append(kv,
		[2]string{"PPS output", ppsFlag(v.PPSOutput)},
		[2]string{"PPS input", yesNo(v.PPSInput.Enabled)},
		[2]string{"PTM", v.PTMStatus},
	)
	if s := v.SyncStatus; s != nil {
		kv = append(kv,
			[2]string{"Synced", yesNo(s.IsSynced)},
			[2]string{"Offset", fmt.Sprintf("%.0f ns", s.OffsetNs)},
			[2]string{"RMS", fmt.Sprintf("%.1f ns", s.RMSNs)},
			[2]string{"Frequency", fmt.Sprintf("%.1f ppb", s.FrequencyPPB)},
		)
	} else {
		kv = append(kv, [2]string{"Synced", "-"})
	}
	kv = append(kv, [2]string{"Sessions", strconv.Itoa(len(v.Sessions))})
	p.fields(kv)
}

func ppsFlag(f status.Flag) string {
	if !f.Enabled {
		return yesNo(false)
	}
	return fmt.Sprintf("%s (%d Hz)", yesNo(true), f.FrequencyHz)
}

func newNICsCmd(c *cli) *cobra.Command {
	var onlyTimeNIC, refresh bool
	cmd := &cobra.Command{
		Use:   "nics [name]",
		Short: "List network adapters or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.context()
			defer cancel()
			if len(args) == 1 {
				d, err := c.client.Device(ctx, args[0])
				if err != nil {
					return err
				}
				if done, err := c.out.structured(d); done {
					return err
				}
				printDevice(c.out, d)
				return nil
			}
			list, err := c.client.Devices(ctx, onlyTimeNIC, refresh)
			if err != nil {
				return err
			}
			if done, err := c.out.structured(list); done {
				return err
			}
			rows := make([][]string, 0, len(list))
			for _, d := range list {
				rows = append(rows, []string{
					d.Name, d.LinkStatus, orDash(d.PTPDevice), d.PPSMode,
					yesNo(d.TCXOEnabled), d.PTMStatus, yesNo(d.IsTimeNIC),
				})
			}
			c.out.table([]string{"NAME", "LINK", "PHC", "PPS", "TCXO", "PTM", "TIMENIC"}, rows)
			return nil
		},
	}
	cmd.Flags().BoolVar(&onlyTimeNIC, "timenic", false, "only TimeNIC-class adapters")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "re-enumerate the hardware first")
	return cmd
}

func printDevice(p printer, d device.Device) {
	temp := "-"
	if d.Temperature != nil {
		temp = fmt.Sprintf("%.1f C", *d.Temperature)
	}
	p.fields([][2]string{
		{"Name", d.Name},
		{"MAC", d.MACAddress},
		{"IP", orDash(d.IPAddress)},
		{"Link", fmt.Sprintf("%s %s %s", d.LinkStatus, d.Speed, d.Duplex)},
		{"Driver", d.Driver},
		{"PCI", d.PCIAddress},
		{"PHC", orDash(d.PTPDevice)},
		{"PPS mode", d.PPSMode},
		{"SMA1 (out)", d.SMA1Status},
		{"SMA2 (in)", d.SMA2Status},
		{"TCXO", yesNo(d.TCXOEnabled)},
		{"PTM", d.PTMStatus},
		{"Temperature", temp},
		{"TimeNIC", yesNo(d.IsTimeNIC)},
	})
}

func newPPSCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pps",
		Short: "Configure PPS pins and read input events",
	}
	var hz int
	set := &cobra.Command{
		Use:   "set <name> <disabled|output|input|both>",
		Short: "Set the PPS mode of an adapter",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !config.ValidPPSMode(args[1]) {
				return fmt.Errorf("pps mode %q: %w", args[1], errs.ErrInvalidArgument)
			}
			ctx, cancel := c.context()
			defer cancel()
			msg, err := c.client.SetPPS(ctx, args[0], args[1], hz)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}
	set.Flags().IntVar(&hz, "frequency", 0, "output frequency in Hz, 0 keeps the current one")

	var (
		iface string
		count int
	)
	events := &cobra.Command{
		Use:   "events",
		Short: "Read external timestamps from the PPS input",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// the server waits up to count seconds, the client extends its deadline
			list, err := c.client.PPSEvents(context.Background(), iface, count)
			if err != nil {
				return err
			}
			if done, err := c.out.structured(list); done {
				return err
			}
			rows := make([][]string, 0, len(list))
			for _, e := range list {
				rows = append(rows, []string{strconv.Itoa(e.Index), strconv.Itoa(e.Channel), e.Time})
			}
			c.out.table([]string{"#", "CHANNEL", "TIME"}, rows)
			return nil
		},
	}
	events.Flags().StringVarP(&iface, "interface", "i", "", "adapter, the configured default when empty")
	events.Flags().IntVarP(&count, "count", "n", 5, "number of events to read")

	cmd.AddCommand(set, events)
	return cmd
}

func parseOnOff(s string) (bool, error) {
	switch s {
	case "on", "enable", "enabled", "true":
		return true, nil
	case "off", "disable", "disabled", "false":
		return false, nil
	}
	return false, fmt.Errorf("%q is neither on nor off: %w", s, errs.ErrInvalidArgument)
}

func newTCXOCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "tcxo <name> <on|off>",
		Short: "Switch the on-board TCXO",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			on, err := parseOnOff(args[1])
			if err != nil {
				return err
			}
			ctx, cancel := c.context()
			defer cancel()
			msg, err := c.client.SetTCXO(ctx, args[0], on)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}
}

func newPTMCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "ptm <name>",
		Short: "Enable PCIe Precision Time Measurement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.context()
			defer cancel()
			msg, err := c.client.EnablePTM(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}
}

func newSetupCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "setup [name]",
		Short: "Enable PPS output, PPS input and PTM in one step",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			ctx, cancel := c.context()
			defer cancel()
			steps, err := c.client.QuickSetup(ctx, name)
			if err != nil {
				return err
			}
			if done, err := c.out.structured(steps); done {
				return err
			}
			for _, s := range steps {
				fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("✓"), s)
			}
			return nil
		},
	}
}
