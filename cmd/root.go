// Package cmd implements the peakshave command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kilianp07/peakshave/app"
	"github.com/kilianp07/peakshave/config"
	"github.com/kilianp07/peakshave/infra/logger"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:          "peakshave",
	Short:        "Receding horizon battery peak shaving",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "configuration file")
	for _, role := range []string{config.RoleBattery, config.RoleController, config.RoleForecast, config.RoleMonitor} {
		rootCmd.AddCommand(agentCommand(role))
	}
}

// Execute runs the CLI.
func Execute() error { return rootCmd.Execute() }

func loadConfig() (*config.Config, error) {
	path := cfgPath
	if _, err := os.Stat(path); os.IsNotExist(err) && !rootCmd.PersistentFlags().Changed("config") {
		// defaults and K_ environment only
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func notifyContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

var agentShort = map[string]string{
	config.RoleBattery:    "Run the battery agent",
	config.RoleController: "Run the peak shaving controller",
	config.RoleForecast:   "Publish load forecasts, live or replayed",
	config.RoleMonitor:    "Persist plans and measurements",
}

func agentCommand(role string) *cobra.Command {
	return &cobra.Command{
		Use:   role,
		Short: agentShort[role],
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := notifyContext()
			defer stop()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			svc, err := app.New(ctx, cfg, role)
			if err != nil {
				return err
			}
			defer func() {
				if err := svc.Close(); err != nil {
					logger.New("main").Errorf("service close: %v", err)
				}
			}()
			return svc.Run(ctx)
		},
	}
}
