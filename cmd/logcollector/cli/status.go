package cli

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"logcollector/internal/store"
	"logcollector/internal/supervisor"
)

// staleAfter is how old the status file may be before we assume the
// service died without cleaning it up.
const staleAfter = 30 * time.Second

// NewStatusCommand returns the "status" command.
func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the running service's status",
		Long:  "Reads the status file the service refreshes while running; it is removed on clean shutdown.",
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs, err := DirsFromCmd(cmd)
			if err != nil {
				return err
			}
			var st supervisor.Status
			ok, err := store.Load(dirs.StatusPath(), &st)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("Service is not running.")
				return nil
			}

			p := newPrinter(outputFormat(cmd))
			if outputFormat(cmd) == "json" {
				return p.json(st)
			}

			if time.Since(st.UpdatedAt) > staleAfter {
				fmt.Printf("Warning: status last updated %s ago; the service may have crashed.\n\n",
					time.Since(st.UpdatedAt).Truncate(time.Second))
			}

			p.kv([][2]string{
				{"PID", strconv.Itoa(st.PID)},
				{"Uptime", time.Since(st.Started).Truncate(time.Second).String()},
				{"Sources", strconv.Itoa(st.Sources)},
				{"Listeners", strconv.Itoa(st.Listeners)},
				{"Workers", strconv.Itoa(st.Workers)},
				{"Received", strconv.FormatUint(st.Received, 10)},
				{"Dropped", strconv.FormatUint(st.Dropped, 10)},
				{"Processed", strconv.FormatUint(st.Processed, 10)},
				{"Filtered", strconv.FormatUint(st.Filtered, 10)},
				{"Failures", strconv.FormatUint(st.Failures, 10)},
			})

			if len(st.SourceStats) == 0 {
				return nil
			}
			fmt.Println()

			ids := make([]string, 0, len(st.SourceStats))
			for id := range st.SourceStats {
				ids = append(ids, id)
			}
			sort.Slice(ids, func(i, j int) bool {
				return st.SourceStats[ids[i]].Name < st.SourceStats[ids[j]].Name
			})

			var rows [][]string
			for _, id := range ids {
				ss := st.SourceStats[id]
				rows = append(rows, []string{
					ss.Name,
					strconv.Itoa(ss.Queued),
					strconv.Itoa(ss.Workers),
					strconv.FormatUint(ss.Processed, 10),
				})
			}
			p.table([]string{"SOURCE", "QUEUED", "WORKERS", "PROCESSED"}, rows)
			return nil
		},
	}
}
