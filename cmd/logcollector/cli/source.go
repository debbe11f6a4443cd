package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/spf13/cobra"

	"logcollector/internal/aggregate"
	"logcollector/internal/source"
)

// NewSourceCommand returns the "source" command with all subcommands
// wired in.
func NewSourceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "source",
		Short: "Manage log sources",
	}
	cmd.AddCommand(
		newSourceAddCmd(),
		newSourceListCmd(),
		newSourceShowCmd(),
		newSourceUpdateCmd(),
		newSourceDeleteCmd(),
	)
	return cmd
}

// sourceFlags registers the flags shared by add and update.
func sourceFlags(cmd *cobra.Command) {
	cmd.Flags().String("name", "", "source name (default: generated)")
	cmd.Flags().String("ip", "", "sender IPv4 address")
	cmd.Flags().Int("port", 0, "listening port")
	cmd.Flags().String("protocol", "UDP", "transport: UDP or TCP")
	cmd.Flags().String("target", "FOLDER", "delivery target: FOLDER or HEC")
	cmd.Flags().String("folder", "", "output directory (FOLDER target)")
	cmd.Flags().Bool("compress", false, "gzip batch files (FOLDER target)")
	cmd.Flags().Int("compression-level", 0, "gzip level 1-9 (default 6 when compressing)")
	cmd.Flags().String("hec-url", "", "HTTP Event Collector endpoint (HEC target)")
	cmd.Flags().String("hec-token", "", "HTTP Event Collector token (HEC target)")
	cmd.Flags().Int("batch-size", 0, "records per batch (default 500 for HEC, 5000 for FOLDER)")
}

// applySourceFlags copies every flag the user set onto src.
func applySourceFlags(cmd *cobra.Command, src *source.Source) {
	fl := cmd.Flags()
	if fl.Changed("name") {
		src.Name, _ = fl.GetString("name")
	}
	if fl.Changed("ip") {
		src.PeerIP, _ = fl.GetString("ip")
	}
	if fl.Changed("port") {
		src.Port, _ = fl.GetInt("port")
	}
	if fl.Changed("protocol") {
		v, _ := fl.GetString("protocol")
		src.Protocol = source.Protocol(strings.ToUpper(v))
	}
	if fl.Changed("target") {
		v, _ := fl.GetString("target")
		src.Target = source.Target(strings.ToUpper(v))
	}
	if fl.Changed("folder") {
		src.FolderPath, _ = fl.GetString("folder")
	}
	if fl.Changed("compress") {
		src.CompressionEnabled, _ = fl.GetBool("compress")
	}
	if fl.Changed("compression-level") {
		src.CompressionLevel, _ = fl.GetInt("compression-level")
	}
	if fl.Changed("hec-url") {
		src.HECURL, _ = fl.GetString("hec-url")
	}
	if fl.Changed("hec-token") {
		src.HECToken, _ = fl.GetString("hec-token")
	}
	if fl.Changed("batch-size") {
		src.BatchSize, _ = fl.GetInt("batch-size")
	}
}

func newSourceAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a log source",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry(cmd)
			if err != nil {
				return err
			}

			src := source.Source{
				Protocol: source.UDP,
				Target:   source.Folder,
			}
			applySourceFlags(cmd, &src)
			if src.Name == "" {
				src.Name = petname.Generate(2, "-")
			}

			added, err := reg.Add(cmd.Context(), src)
			if err != nil {
				return err
			}
			fmt.Printf("Created source %q (%s)\n", added.Name, added.ID)
			return nil
		},
	}
	sourceFlags(cmd)
	_ = cmd.MarkFlagRequired("ip")
	_ = cmd.MarkFlagRequired("port")
	return cmd
}

func newSourceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry(cmd)
			if err != nil {
				return err
			}
			sources := reg.List()
			p := newPrinter(outputFormat(cmd))
			if outputFormat(cmd) == "json" {
				return p.json(sources)
			}
			var rows [][]string
			for _, src := range sources {
				rows = append(rows, []string{
					src.ID, src.Name, src.PeerIP,
					strconv.Itoa(src.Port),
					string(src.Protocol),
					string(src.Target),
					strconv.Itoa(src.BatchSize),
				})
			}
			p.table([]string{"ID", "NAME", "PEER IP", "PORT", "PROTOCOL", "TARGET", "BATCH"}, rows)
			return nil
		},
	}
}

func newSourceShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name-or-id>",
		Short: "Show source details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry(cmd)
			if err != nil {
				return err
			}
			src, err := resolveSource(reg, args[0])
			if err != nil {
				return err
			}

			p := newPrinter(outputFormat(cmd))
			if outputFormat(cmd) == "json" {
				return p.json(src)
			}

			pairs := [][2]string{
				{"ID", src.ID},
				{"Name", src.Name},
				{"Peer IP", src.PeerIP},
				{"Port", strconv.Itoa(src.Port)},
				{"Protocol", string(src.Protocol)},
				{"Target", string(src.Target)},
				{"Batch size", strconv.Itoa(src.BatchSize)},
				{"Created", src.Created.Format("2006-01-02 15:04:05")},
			}
			switch src.Target {
			case source.Folder:
				pairs = append(pairs, [2]string{"Folder", src.FolderPath})
				if src.CompressionEnabled {
					pairs = append(pairs, [2]string{"Compression", fmt.Sprintf("gzip level %d", src.CompressionLevel)})
				} else {
					pairs = append(pairs, [2]string{"Compression", "off"})
				}
			case source.HEC:
				pairs = append(pairs,
					[2]string{"HEC URL", src.HECURL},
					[2]string{"HEC token", maskToken(src.HECToken)},
				)
			}

			// Related state, best effort.
			if agg, err := openAggregator(cmd); err == nil {
				if tpl, ok := agg.Template(src.ID); ok {
					pairs = append(pairs, [2]string{"Template", fmt.Sprintf("%d fields, captured %s", len(tpl.Fields), tpl.Timestamp.Format("2006-01-02 15:04:05"))})
				} else {
					pairs = append(pairs, [2]string{"Template", "not captured"})
				}
				if pol, ok := agg.Policy(src.ID); ok {
					state := "disabled"
					if pol.Enabled {
						state = "enabled"
					}
					pairs = append(pairs, [2]string{"Aggregation", fmt.Sprintf("%s on %s", state, strings.Join(pol.Fields, ", "))})
				}
			}
			if filters, err := openFilters(cmd); err == nil {
				pairs = append(pairs, [2]string{"Filter rules", strconv.Itoa(len(filters.RulesFor(src.ID)))})
			}

			p.kv(pairs)
			return nil
		},
	}
}

func newSourceUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update <name-or-id>",
		Short: "Update a source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry(cmd)
			if err != nil {
				return err
			}
			src, err := resolveSource(reg, args[0])
			if err != nil {
				return err
			}
			applySourceFlags(cmd, &src)

			updated, err := reg.Update(cmd.Context(), src)
			if err != nil {
				return err
			}
			fmt.Printf("Updated source %q (%s)\n", updated.Name, updated.ID)
			return nil
		},
	}
	sourceFlags(cmd)
	return cmd
}

func newSourceDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name-or-id>",
		Short: "Delete a source and its filters, template, and policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry(cmd)
			if err != nil {
				return err
			}
			src, err := resolveSource(reg, args[0])
			if err != nil {
				return err
			}

			if err := reg.Delete(src.ID); err != nil {
				return err
			}
			if filters, err := openFilters(cmd); err == nil {
				_, _ = filters.ClearRules(src.ID)
			}
			if agg, err := openAggregator(cmd); err == nil {
				if err := agg.DeleteTemplate(src.ID); err != nil && !errors.Is(err, aggregate.ErrNoTemplate) {
					return err
				}
			}
			fmt.Printf("Deleted source %q (%s)\n", src.Name, src.ID)
			return nil
		},
	}
}
