package interposecmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.brendoncarroll.net/stdctx/logctx"

	"go.interpose.dev/interpose/pkg/interposed"
)

func newDaemonCmd() *cobra.Command {
	var configPath string
	c := &cobra.Command{
		Use:   "daemon",
		Short: "Runs the interpose daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				return errors.New("must provide config path")
			}
			config, err := interposed.LoadConfig(configPath)
			if err != nil {
				return err
			}
			logctx.Infof(ctx, "using config from path: %v", configPath)
			ctx, cf := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer cf()
			params, err := interposed.MakeParams(ctx, *config)
			if err != nil {
				return err
			}
			d := interposed.New(*params)
			return d.Run(ctx)
		},
	}
	c.Flags().StringVar(&configPath, "config", "", "--config=./path/to/config.yaml")
	return c
}
