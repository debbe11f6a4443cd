// Package cli implements the logcollector command tree for managing
// sources, filters, aggregation policies, templates, and health
// reporting. Commands operate directly on the collector's data
// directory; a running service picks the changes up from disk.
package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"logcollector/internal/aggregate"
	"logcollector/internal/filter"
	"logcollector/internal/health"
	"logcollector/internal/home"
	"logcollector/internal/sink"
	"logcollector/internal/source"
)

// DirsFromCmd resolves the data and log directories from the persistent
// flags, falling back to the platform default location.
func DirsFromCmd(cmd *cobra.Command) (home.Dirs, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	logDir, _ := cmd.Flags().GetString("log-dir")
	if dataDir == "" {
		dirs, err := home.Default()
		if err != nil {
			return home.Dirs{}, err
		}
		if logDir != "" {
			dirs = home.New(dirs.DataDir(), logDir)
		}
		return dirs, nil
	}
	return home.New(dataDir, logDir), nil
}

func openRegistry(cmd *cobra.Command) (*source.Registry, error) {
	dirs, err := DirsFromCmd(cmd)
	if err != nil {
		return nil, err
	}
	if err := dirs.EnsureExists(); err != nil {
		return nil, err
	}
	return source.NewRegistry(source.Config{
		Path:   dirs.SourcesPath(),
		Prober: sink.NewHECClient(nil),
	})
}

func openFilters(cmd *cobra.Command) (*filter.Manager, error) {
	dirs, err := DirsFromCmd(cmd)
	if err != nil {
		return nil, err
	}
	if err := dirs.EnsureExists(); err != nil {
		return nil, err
	}
	return filter.NewManager(filter.Config{Path: dirs.FiltersPath()})
}

func openAggregator(cmd *cobra.Command) (*aggregate.Manager, error) {
	dirs, err := DirsFromCmd(cmd)
	if err != nil {
		return nil, err
	}
	if err := dirs.EnsureExists(); err != nil {
		return nil, err
	}
	return aggregate.NewManager(aggregate.Config{Path: dirs.PolicyPath()})
}

func openHealth(cmd *cobra.Command) (*health.Reporter, error) {
	dirs, err := DirsFromCmd(cmd)
	if err != nil {
		return nil, err
	}
	if err := dirs.EnsureExists(); err != nil {
		return nil, err
	}
	return health.NewReporter(health.Config{
		Path:   dirs.HealthPath(),
		Client: sink.NewHECClient(nil),
	})
}

// outputFormat returns "json" or "table" from the --output flag.
func outputFormat(cmd *cobra.Command) string {
	f, _ := cmd.Flags().GetString("output")
	return f
}

// maskToken hides all but the last four characters of a secret.
func maskToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 4 {
		return strings.Repeat("*", len(token))
	}
	return strings.Repeat("*", len(token)-4) + token[len(token)-4:]
}
