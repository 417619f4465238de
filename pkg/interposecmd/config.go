package interposecmd

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"go.interpose.dev/interpose/pkg/interposed"
)

func newCreateConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create-config <path>",
		Short: "writes a default config to path. The format is TOML if path ends in .toml, otherwise YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := args[0]
			if _, err := os.Stat(p); err == nil {
				return errors.Errorf("%s already exists", p)
			}
			return interposed.SaveConfig(interposed.DefaultConfig(), p)
		},
	}
}

func newCheckConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config <path>",
		Short: "validates the config at path without starting anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := interposed.LoadConfig(args[0])
			if err != nil {
				return err
			}
			if err := c.Validate(); err != nil {
				return err
			}
			cmd.Printf("%s: %d listener(s) OK\n", args[0], len(c.Listeners))
			return nil
		},
	}
}
