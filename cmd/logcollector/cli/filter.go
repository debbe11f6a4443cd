package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewFilterCommand returns the "filter" command with all subcommands
// wired in.
func NewFilterCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "filter",
		Short: "Manage per-source filter rules",
	}
	cmd.AddCommand(
		newFilterAddCmd(),
		newFilterListCmd(),
		newFilterRemoveCmd(),
		newFilterToggleCmd(),
		newFilterClearCmd(),
	)
	return cmd
}

func newFilterAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <source>",
		Short: "Add a filter rule (drops records whose field equals value)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			field, _ := cmd.Flags().GetString("field")
			value, _ := cmd.Flags().GetString("value")

			reg, err := openRegistry(cmd)
			if err != nil {
				return err
			}
			src, err := resolveSource(reg, args[0])
			if err != nil {
				return err
			}
			filters, err := openFilters(cmd)
			if err != nil {
				return err
			}
			if _, err := filters.AddRule(src.ID, field, value); err != nil {
				return err
			}
			fmt.Printf("Filter on %q: drop records where %s = %q\n", src.Name, field, value)
			return nil
		},
	}
	cmd.Flags().String("field", "", "field path, dotted for nested (required)")
	cmd.Flags().String("value", "", "value to match (required)")
	_ = cmd.MarkFlagRequired("field")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

func newFilterListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <source>",
		Short: "List a source's filter rules",
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
			filters, err := openFilters(cmd)
			if err != nil {
				return err
			}
			rules := filters.RulesFor(src.ID)
			p := newPrinter(outputFormat(cmd))
			if outputFormat(cmd) == "json" {
				return p.json(rules)
			}
			var rows [][]string
			for _, r := range rules {
				rows = append(rows, []string{
					r.Field, r.Value,
					strconv.FormatBool(r.Enabled),
					r.Created.Format("2006-01-02 15:04:05"),
				})
			}
			p.table([]string{"FIELD", "VALUE", "ENABLED", "CREATED"}, rows)
			return nil
		},
	}
}

func newFilterRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <source> <field>",
		Short: "Remove the rule on a field",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry(cmd)
			if err != nil {
				return err
			}
			src, err := resolveSource(reg, args[0])
			if err != nil {
				return err
			}
			filters, err := openFilters(cmd)
			if err != nil {
				return err
			}
			if err := filters.RemoveRule(src.ID, args[1]); err != nil {
				return err
			}
			fmt.Printf("Removed filter on %s from %q\n", args[1], src.Name)
			return nil
		},
	}
}

func newFilterToggleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "toggle <source> <field>",
		Short: "Enable or disable the rule on a field",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry(cmd)
			if err != nil {
				return err
			}
			src, err := resolveSource(reg, args[0])
			if err != nil {
				return err
			}
			filters, err := openFilters(cmd)
			if err != nil {
				return err
			}
			enabled, err := filters.Toggle(src.ID, args[1])
			if err != nil {
				return err
			}
			state := "disabled"
			if enabled {
				state = "enabled"
			}
			fmt.Printf("Filter on %s is now %s\n", args[1], state)
			return nil
		},
	}
}

func newFilterClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear <source>",
		Short: "Remove every rule for a source",
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
			filters, err := openFilters(cmd)
			if err != nil {
				return err
			}
			n, err := filters.ClearRules(src.ID)
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d rule(s) from %q\n", n, src.Name)
			return nil
		},
	}
}
