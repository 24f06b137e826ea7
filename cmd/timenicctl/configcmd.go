package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"
)

func newConfigCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Export or import the stored configuration",
	}

	var file string
	export := &cobra.Command{
		Use:   "export",
		Short: "Write the configuration document to stdout or a file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.context()
			defer cancel()
			data, err := c.client.ExportConfig(ctx)
			if err != nil {
				return err
			}
			// the document is returned as stored; yaml output converts it
			if c.format == "yaml" {
				if data, err = yaml.JSONToYAML(data); err != nil {
					return fmt.Errorf("converting config to yaml: %w", err)
				}
			} else if len(data) > 0 && data[len(data)-1] != '\n' {
				data = append(data, '\n')
			}
			if file == "" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(file, data, 0o644)
		},
	}
	export.Flags().StringVarP(&file, "file", "f", "", "destination file")

	imp := &cobra.Command{
		Use:   "import <file|->",
		Short: "Replace the configuration with a JSON or YAML document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}
			ctx, cancel := c.context()
			defer cancel()
			msg, err := c.client.ImportConfig(ctx, data)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}

	cmd.AddCommand(export, imp)
	return cmd
}
