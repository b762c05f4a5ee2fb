package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Inspect the category schema registry",
}

var schemaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List categories and their expected fields",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		w := cmd.OutOrStdout()
		cyan := color.New(color.FgCyan).SprintFunc()

		categories := registry.Categories()
		fmt.Fprintf(w, "%d categories:\n\n", len(categories))
		for _, name := range categories {
			cs, err := registry.SchemaFor(name)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "  %-26s %s", cyan(name), strings.Join(cs.RequiredFields, ", "))
			if cs.ArrayField != "" {
				fmt.Fprintf(w, " + [%s]", cs.ArrayField)
			}
			fmt.Fprintln(w)
		}
		return nil
	},
}

var schemaShowCmd = &cobra.Command{
	Use:   "show <category>",
	Short: "Show the fields of one category with shapes, aliases and options",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cs, err := registry.SchemaFor(args[0])
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		cyan := color.New(color.FgCyan).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()

		fmt.Fprintf(w, "\n%s\n", cyan(cs.Category))
		if len(cs.CostFields) > 0 {
			fmt.Fprintf(w, "Cost fields: %s\n", strings.Join(cs.CostFields, ", "))
		}
		fmt.Fprintln(w)

		for _, field := range cs.ExpectedFields() {
			def, err := registry.Field(field)
			if err != nil {
				return err
			}
			role := "required"
			if field == cs.ArrayField {
				role = "multi-value"
			}
			fmt.Fprintf(w, "%s (%s, %s)\n", yellow(field), def.Shape, role)
			if len(def.Aliases) > 0 {
				fmt.Fprintf(w, "  Aliases: %s\n", strings.Join(def.Aliases, ", "))
			}
			if len(def.Options) > 0 {
				fmt.Fprintf(w, "  Options: %s\n", strings.Join(def.Options, " | "))
			}
		}
		return nil
	},
}

func init() {
	schemaCmd.AddCommand(schemaListCmd, schemaShowCmd)
	rootCmd.AddCommand(schemaCmd)
}
