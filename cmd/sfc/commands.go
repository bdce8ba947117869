package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/pankaj-dahiya-devops/sandfly-collector/internal/config"
	"github.com/pankaj-dahiya-devops/sandfly-collector/internal/engine"
	"github.com/pankaj-dahiya-devops/sandfly-collector/internal/models"
	"github.com/pankaj-dahiya-devops/sandfly-collector/internal/output"
	"github.com/pankaj-dahiya-devops/sandfly-collector/internal/version"
)

// envPrefix namespaces environment overrides of the global flags, e.g.
// SFC_CONFIG or SFC_LOG_LEVEL.
const envPrefix = "SFC"

func newRootCmd() *cobra.Command {
	return newRootCmdWith(defaultProviders())
}

func newRootCmdWith(p providers) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           version.AppName,
		Short:         "Sandfly Collector: forwards Sandfly hosts and scan results as events",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	global := globalFlags()
	root.PersistentFlags().AddFlagSet(global)
	_ = v.BindPFlags(global)

	a := &app{v: v, providers: p}
	root.AddCommand(newCollectCmd(a))
	root.AddCommand(newDoctorCmd(a))
	root.AddCommand(newAlertCmd(a))
	root.AddCommand(newVersionCmd())
	return root
}

// globalFlags are shared by every subcommand. Each can also be set through
// the environment as SFC_<NAME>, with dashes replaced by underscores.
func globalFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("global", pflag.ContinueOnError)
	fs.String("config", "sfc.yaml", "Path to the collector config file")
	fs.String("log-level", "info", "Log level: debug, info, warn or error")
	fs.String("log-format", "text", `Log format: "text" or "json"`)
	return fs
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprint(cmd.OutOrStdout(), version.Info())
			return err
		},
	}
}

func newCollectCmd(a *app) *cobra.Command {
	var (
		reportFmt  string
		only       []string
		outputPath string
		color      bool
		timing     bool
	)

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Collect hosts and new scan results from the configured sources",
		Long: `Runs one collection pass. For every source the host inventory is
emitted in full, then every result newer than the source's checkpoint is
emitted in ascending ID order. The checkpoint only advances once all events
of the pass were delivered, so a failed pass is repeated on the next run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format := engine.ReportFormat(reportFmt)
			if format != engine.ReportFormatJSON && format != engine.ReportFormatTable {
				return fmt.Errorf("unsupported --format %q: must be json or table", reportFmt)
			}

			ctx := cmd.Context()
			logger, err := a.newLogger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}

			shutdown, err := a.initTelemetry(ctx, cfg)
			if err != nil {
				return fmt.Errorf("init telemetry: %w", err)
			}
			defer func() {
				if err := shutdown(context.WithoutCancel(ctx)); err != nil {
					logger.Warn("telemetry shutdown failed", "error", err)
				}
			}()

			store, err := a.buildStore(ctx, cfg)
			if err != nil {
				return err
			}
			out, err := a.buildSink(ctx, cfg, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer func() {
				if err := out.Close(); err != nil {
					logger.Warn("close sink failed", "error", err)
				}
			}()
			publisher, err := a.buildMetrics(ctx, cfg)
			if err != nil {
				return err
			}

			eng := engine.NewDefaultEngine(
				engine.SandflyConnector{Logger: logger, Options: a.providers.sandfly},
				store,
				out,
				engine.WithMetrics(publisher),
				engine.WithLogger(logger),
			)

			report, runErr := eng.RunCollection(ctx, engine.CollectOptions{
				Sources: cfg.Sources,
				Only:    only,
			})
			if report == nil {
				return fmt.Errorf("collection failed: %w", runErr)
			}

			if outputPath != "" {
				if err := writeReportToFile(outputPath, report); err != nil {
					return err
				}
			}

			// Events own stdout when the sink is stdout.
			w := cmd.OutOrStdout()
			if cfg.Sink.Type == config.SinkStdout {
				w = cmd.ErrOrStderr()
			}
			if format == engine.ReportFormatJSON {
				if err := printJSON(w, report); err != nil {
					return err
				}
			} else {
				output.RenderReport(w, report, output.TableOptions{Colored: color, IncludeTiming: timing})
			}

			if runErr != nil {
				return fmt.Errorf("collection failed: %w", runErr)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&reportFmt, "format", "table", "Report format: json or table")
	cmd.Flags().StringSliceVar(&only, "source", nil, "Collect only the named source(s) (default: all)")
	cmd.Flags().StringVar(&outputPath, "output", "", "Write the full JSON report to this file path (in addition to the rendered report)")
	cmd.Flags().BoolVar(&color, "color", false, "Colorize the status column")
	cmd.Flags().BoolVar(&timing, "timing", false, "Include per-source duration in the table")

	return cmd
}

// printJSON writes the report as indented JSON to w.
func printJSON(w io.Writer, report *models.CollectionReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// writeReportToFile serialises report as indented JSON and writes it to path,
// creating or overwriting the file.
func writeReportToFile(path string, report *models.CollectionReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write report file %q: %w", path, err)
	}
	return nil
}
