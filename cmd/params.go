package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kilianp07/peakshave/app"
	"github.com/kilianp07/peakshave/config"
	"github.com/kilianp07/peakshave/core/model"
	"github.com/kilianp07/peakshave/infra/mqtt"
)

var paramsCmd = &cobra.Command{
	Use:   "params battery|controller key=value...",
	Short: "Publish a partial parameter update",
	Example: "  peakshave params controller p_net_threshold=3.5 mpc_window=48\n" +
		"  peakshave params battery soc_min=0.2",
	Args: cobra.MinimumNArgs(2),
	RunE: publishParams,
}

func init() {
	rootCmd.AddCommand(paramsCmd)
}

func parseUpdate(args []string) (model.ParameterUpdate, error) {
	u := make(model.ParameterUpdate, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", a)
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		u[k] = f
	}
	return u, nil
}

func publishParams(cmd *cobra.Command, args []string) error {
	u, err := parseUpdate(args[1:])
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateFor(config.RoleParams); err != nil {
		return err
	}
	mqttCfg := cfg.MQTT
	if mqttCfg.ClientID == "" {
		mqttCfg.ClientID = "peakshave-params"
	}
	client, err := mqtt.NewPahoClient(mqttCfg)
	if err != nil {
		return fmt.Errorf("mqtt client: %w", err)
	}
	defer func() { _ = client.Close() }()
	if err := app.PublishParameters(client, cfg, args[0], u); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s update published: %v\n", args[0], u.Keys())
	return nil
}
