package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shadowmesh/vpntun/pkg/config"
)

func newConfigCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "config",
		Short: "manage vpntun YAML configuration files",
	}
	root.AddCommand(newConfigInitCmd())
	return root
}

func newConfigInitCmd() *cobra.Command {
	var mode string
	var out string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "write a default configuration file for the given mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			if mode != "server" && mode != "client" {
				return fmt.Errorf("mode must be \"server\" or \"client\", got %q", mode)
			}
			cfg := config.GenerateDefaultConfig(mode)
			if err := config.WriteConfigFile(cfg, out); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Printf("wrote default %s config to %s\n", mode, out)
			return nil
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "server", "\"server\" or \"client\"")
	cmd.Flags().StringVarP(&out, "output", "o", "vpntun.yaml", "output file path")

	return cmd
}
