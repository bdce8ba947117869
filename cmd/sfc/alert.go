package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/pankaj-dahiya-devops/sandfly-collector/internal/config"
	"github.com/pankaj-dahiya-devops/sandfly-collector/internal/notifier"
)

func newAlertCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alert",
		Short: "Forward saved-search alerts to incident tools",
	}
	cmd.AddCommand(newPagerDutyCmd(a))
	return cmd
}

func newPagerDutyCmd(a *app) *cobra.Command {
	var (
		payloadPath string
		eventsURL   string
	)

	cmd := &cobra.Command{
		Use:   "pagerduty",
		Short: "Trigger a PagerDuty incident from an alert payload",
		Long: `Reads an alert payload (JSON with search_name, result and
configuration) and triggers a PagerDuty Events v2 incident. Values in the
payload's configuration override the notifier.pagerduty section of the config
file; the config file is optional unless --config or SFC_CONFIG names one.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := a.newLogger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			var settings notifier.PagerDutySettings
			cfg, err := config.Load(a.configPath())
			switch {
			case err == nil:
				settings = cfg.Notifier.PagerDuty
			case errors.Is(err, os.ErrNotExist) && !configExplicit(cmd):
				logger.Debug("no config file; using payload configuration only", "path", a.configPath())
			default:
				return err
			}
			if eventsURL != "" {
				settings.EventsURL = eventsURL
			}

			data, err := readPayload(cmd, payloadPath)
			if err != nil {
				return err
			}
			payload, err := notifier.ParseAlertPayload(data)
			if err != nil {
				return err
			}

			msg, err := notifier.NewPagerDutyClient(settings, logger).Send(cmd.Context(), payload)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}

	cmd.Flags().StringVar(&payloadPath, "payload", "-", `Alert payload file, or "-" for stdin`)
	cmd.Flags().StringVar(&eventsURL, "events-url", "", "Override the PagerDuty Events API URL")
	return cmd
}

// configExplicit reports whether the user named a config file rather than
// relying on the default path.
func configExplicit(cmd *cobra.Command) bool {
	if f := cmd.Flags().Lookup("config"); f != nil && f.Changed {
		return true
	}
	_, ok := os.LookupEnv(envPrefix + "_CONFIG")
	return ok
}

func readPayload(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("read payload from stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read payload %s: %w", path, err)
	}
	return data, nil
}
