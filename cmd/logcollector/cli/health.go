package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"logcollector/internal/health"
)

// NewHealthCommand returns the "health" command with all subcommands
// wired in.
func NewHealthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Manage periodic health reporting",
		Long:  "Health reporting posts a system snapshot (cpu, memory, disk, network, source counters) to a Splunk HEC endpoint at a fixed interval.",
	}
	cmd.AddCommand(
		newHealthConfigureCmd(),
		newHealthShowCmd(),
		newHealthDisableCmd(),
	)
	return cmd
}

func newHealthConfigureCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Enable health reporting against a HEC endpoint",
		Long:  "The endpoint is probed with a test event before the settings are saved.",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("hec-url")
			token, _ := cmd.Flags().GetString("hec-token")
			interval, _ := cmd.Flags().GetInt("interval")

			rep, err := openHealth(cmd)
			if err != nil {
				return err
			}
			if err := rep.Configure(cmd.Context(), url, token, interval); err != nil {
				return err
			}
			fmt.Printf("Health reporting enabled (every %ds)\n", rep.Settings().Interval)
			return nil
		},
	}
	cmd.Flags().String("hec-url", "", "HEC endpoint URL (required)")
	cmd.Flags().String("hec-token", "", "HEC authentication token (required)")
	cmd.Flags().Int("interval", health.DefaultInterval, "reporting interval in seconds")
	_ = cmd.MarkFlagRequired("hec-url")
	_ = cmd.MarkFlagRequired("hec-token")
	return cmd
}

func newHealthShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the current health reporting settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := openHealth(cmd)
			if err != nil {
				return err
			}
			settings := rep.Settings()
			settings.HECToken = maskToken(settings.HECToken)

			p := newPrinter(outputFormat(cmd))
			if outputFormat(cmd) == "json" {
				return p.json(settings)
			}
			p.kv([][2]string{
				{"Enabled", strconv.FormatBool(settings.Enabled)},
				{"HEC URL", settings.HECURL},
				{"HEC Token", settings.HECToken},
				{"Interval", fmt.Sprintf("%ds", settings.Interval)},
			})
			return nil
		},
	}
}

func newHealthDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable",
		Short: "Disable health reporting",
		Long:  "The endpoint settings are kept so reporting can be re-enabled with configure.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := openHealth(cmd)
			if err != nil {
				return err
			}
			if err := rep.Disable(); err != nil {
				return err
			}
			fmt.Println("Health reporting disabled")
			return nil
		},
	}
}
