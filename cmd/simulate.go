package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kilianp07/peakshave/app"
	"github.com/kilianp07/peakshave/infra/logger"
)

var simulateFlags struct {
	scenario  string
	duplicate bool
	maxSteps  int
	reportDir string
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run every agent in process over a replayed load series",
	Args:  cobra.NoArgs,
	RunE:  simulate,
}

func init() {
	f := simulateCmd.Flags()
	f.StringVar(&simulateFlags.scenario, "scenario", "", "scenario file, overrides forecast.scenario")
	f.BoolVar(&simulateFlags.duplicate, "duplicate", false, "deliver every message twice")
	f.IntVar(&simulateFlags.maxSteps, "max-steps", 0, "stop after this many steps")
	f.StringVar(&simulateFlags.reportDir, "report-dir", "", "report directory, overrides monitor.report_dir")
	rootCmd.AddCommand(simulateCmd)
}

func simulate(cmd *cobra.Command, _ []string) error {
	ctx, stop := notifyContext()
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if simulateFlags.scenario != "" {
		cfg.Forecast.Scenario = simulateFlags.scenario
	}
	if cmd.Flags().Changed("duplicate") {
		cfg.Simulation.Duplicate = simulateFlags.duplicate
	}
	if simulateFlags.maxSteps > 0 {
		cfg.Simulation.MaxSteps = simulateFlags.maxSteps
	}
	if simulateFlags.reportDir != "" {
		cfg.Monitor.ReportDir = simulateFlags.reportDir
	}

	sim, err := app.NewSimulation(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := sim.Close(); err != nil {
			logger.New("main").Errorf("simulation close: %v", err)
		}
	}()
	res, err := sim.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "steps=%d completed=%t peak_kw=%.3f final_soc=%.3f\n",
		res.Steps, res.Completed, res.PeakKW, res.FinalSoC)
	return nil
}
