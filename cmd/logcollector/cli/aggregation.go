package cli

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// NewAggregationCommand returns the "aggregation" command with all
// subcommands wired in.
func NewAggregationCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "aggregation",
		Short: "Manage aggregation policies",
		Long:  "Aggregation collapses each batch's duplicate records, grouped by the chosen template fields, into one annotated record.",
	}
	cmd.AddCommand(
		newAggregationCreateCmd(),
		newAggregationUpdateCmd(),
		newAggregationListCmd(),
		newAggregationEnableCmd(true),
		newAggregationEnableCmd(false),
		newAggregationDeleteCmd(),
	)
	return cmd
}

func newAggregationCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <source>",
		Short: "Create a policy grouping records by template fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, _ := cmd.Flags().GetStringSlice("fields")

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
			policy, err := agg.CreatePolicy(src.ID, fields)
			if err != nil {
				return err
			}
			fmt.Printf("Aggregating %q by %s\n", src.Name, strings.Join(policy.Fields, ", "))
			return nil
		},
	}
	cmd.Flags().StringSlice("fields", nil, "template fields to group by (required)")
	_ = cmd.MarkFlagRequired("fields")
	return cmd
}

func newAggregationUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update <source>",
		Short: "Replace a policy's field list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, _ := cmd.Flags().GetStringSlice("fields")

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
			policy, err := agg.UpdatePolicyFields(src.ID, fields)
			if err != nil {
				return err
			}
			fmt.Printf("Aggregating %q by %s\n", src.Name, strings.Join(policy.Fields, ", "))
			return nil
		},
	}
	cmd.Flags().StringSlice("fields", nil, "template fields to group by (required)")
	_ = cmd.MarkFlagRequired("fields")
	return cmd
}

func newAggregationListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all aggregation policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry(cmd)
			if err != nil {
				return err
			}
			agg, err := openAggregator(cmd)
			if err != nil {
				return err
			}
			policies := agg.Policies()
			p := newPrinter(outputFormat(cmd))
			if outputFormat(cmd) == "json" {
				return p.json(policies)
			}

			names := make(map[string]string)
			for _, src := range reg.List() {
				names[src.ID] = src.Name
			}
			ids := make([]string, 0, len(policies))
			for id := range policies {
				ids = append(ids, id)
			}
			sort.Strings(ids)

			var rows [][]string
			for _, id := range ids {
				pol := policies[id]
				name := names[id]
				if name == "" {
					name = id
				}
				rows = append(rows, []string{
					name,
					strings.Join(pol.Fields, ", "),
					strconv.FormatBool(pol.Enabled),
					pol.Created.Format("2006-01-02 15:04:05"),
				})
			}
			p.table([]string{"SOURCE", "FIELDS", "ENABLED", "CREATED"}, rows)
			return nil
		},
	}
}

func newAggregationEnableCmd(enable bool) *cobra.Command {
	use, short := "enable <source>", "Enable a source's policy"
	if !enable {
		use, short = "disable <source>", "Disable a source's policy without deleting it"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
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
			if _, err := agg.SetPolicyEnabled(src.ID, enable); err != nil {
				return err
			}
			state := "disabled"
			if enable {
				state = "enabled"
			}
			fmt.Printf("Aggregation %s for %q\n", state, src.Name)
			return nil
		},
	}
}

func newAggregationDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <source>",
		Short: "Delete a source's policy (keeps the template)",
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
			if err := agg.DeletePolicy(src.ID); err != nil {
				return err
			}
			fmt.Printf("Deleted aggregation policy for %q\n", src.Name)
			return nil
		},
	}
}
