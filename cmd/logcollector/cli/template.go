package cli

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"
)

// NewTemplateCommand returns the "template" command with all subcommands
// wired in.
func NewTemplateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Inspect captured record templates",
		Long:  "A template is captured from the first record a source delivers and defines the fields an aggregation policy may group by.",
	}
	cmd.AddCommand(
		newTemplateShowCmd(),
		newTemplateDeleteCmd(),
	)
	return cmd
}

func newTemplateShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <source>",
		Short: "Show a source's captured template",
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
			agg, err := openAggregator(cmd)
			if err != nil {
				return err
			}
			tpl, ok := agg.Template(src.ID)
			if !ok {
				return fmt.Errorf("no template captured for %q yet; it is taken from the first record the source delivers", src.Name)
			}

			p := newPrinter(outputFormat(cmd))
			if outputFormat(cmd) == "json" {
				return p.json(tpl)
			}

			p.kv([][2]string{
				{"Source", src.Name},
				{"Captured", tpl.Timestamp.Format("2006-01-02 15:04:05")},
				{"Sample", tpl.Log},
			})
			fmt.Println()

			names := make([]string, 0, len(tpl.Fields))
			for name := range tpl.Fields {
				names = append(names, name)
			}
			sort.Strings(names)

			var rows [][]string
			for _, name := range names {
				f := tpl.Fields[name]
				example := fmt.Sprintf("%v", f.Example)
				if f.Formatted != "" {
					example = f.Formatted
				}
				rows = append(rows, []string{name, f.Type, example, strconv.Itoa(f.Length)})
			}
			p.table([]string{"FIELD", "TYPE", "EXAMPLE", "LENGTH"}, rows)
			return nil
		},
	}
}

func newTemplateDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <source>",
		Short: "Delete a source's template and its policy",
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
			agg, err := openAggregator(cmd)
			if err != nil {
				return err
			}
			if err := agg.DeleteTemplate(src.ID); err != nil {
				return err
			}
			fmt.Printf("Deleted template for %q; the next record recaptures it\n", src.Name)
			return nil
		},
	}
}
