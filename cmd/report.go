package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilianp07/peakshave/core/monitor"
	"github.com/kilianp07/peakshave/pkg/export"

	// registers the sqlite and influx row stores
	_ "github.com/kilianp07/peakshave/infra/store"
)

var reportFlags struct {
	out     string
	start   string
	end     string
	formats []string
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Render CSV and HTML reports from the monitor store",
	Args:  cobra.NoArgs,
	RunE:  report,
}

func init() {
	f := reportCmd.Flags()
	f.StringVarP(&reportFlags.out, "out", "o", "", "output directory, defaults to monitor.report_dir")
	f.StringVar(&reportFlags.start, "start", "", "first timestamp (RFC3339)")
	f.StringVar(&reportFlags.end, "end", "", "last timestamp (RFC3339)")
	f.StringSliceVar(&reportFlags.formats, "format", nil, "csv and/or html")
	rootCmd.AddCommand(reportCmd)
}

func parseTime(name, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: %w", name, err)
	}
	return t, nil
}

func report(cmd *cobra.Command, _ []string) error {
	ctx, stop := notifyContext()
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	q := monitor.Query{}
	if q.Start, err = parseTime("start", reportFlags.start); err != nil {
		return err
	}
	if q.End, err = parseTime("end", reportFlags.end); err != nil {
		return err
	}
	if len(cfg.Monitor.Stores) == 0 {
		return fmt.Errorf("monitor.stores is empty, nothing to report")
	}
	dir := reportFlags.out
	if dir == "" {
		dir = cfg.Monitor.ReportDir
	}
	if dir == "" {
		dir = "report"
	}
	formats := reportFlags.formats
	if len(formats) == 0 {
		formats = cfg.Monitor.ReportFormats
	}
	rep, err := export.NewReporter(dir, formats)
	if err != nil {
		return err
	}

	store, err := monitor.NewStore(cfg.Monitor.Stores)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	rows, err := store.Rows(ctx, q)
	if err != nil {
		return fmt.Errorf("read rows: %w", err)
	}
	if err := rep.Report(ctx, rows); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d rows written to %s\n", len(rows), dir)
	return nil
}
