package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/whatworked/distengine/internal/types"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Manage raw contributor reports",
}

var reportAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Record one contributor report for a pair",
	Long: `Record a raw report. The pair is created (or its category and title
updated) first. Reports are append-only; run aggregate to fold them into
the pair's distributions.

Examples:
  distengine report add --goal goal-anxiety --variant sertraline-50mg \
    --category medications --title Sertraline \
    --fields '{"frequency": "Once daily", "side_effects": ["Nausea"]}'`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		goal, _ := cmd.Flags().GetString("goal")
		variant, _ := cmd.Flags().GetString("variant")
		category, _ := cmd.Flags().GetString("category")
		title, _ := cmd.Flags().GetString("title")
		fieldsJSON, _ := cmd.Flags().GetString("fields")
		id, _ := cmd.Flags().GetString("id")

		if category == "" {
			return fmt.Errorf("--category is required")
		}
		if _, err := registry.SchemaFor(category); err != nil {
			return err
		}

		var fields map[string]any
		if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
			return fmt.Errorf("--fields must be a JSON object: %w", err)
		}
		for name := range fields {
			if _, err := registry.Canonical(name); err != nil {
				return fmt.Errorf("--fields: %w", err)
			}
		}
		if id == "" {
			id = uuid.NewString()
		}

		s, err := openStore(cmd.Context())
		if err != nil {
			return err
		}

		pair := &types.Pair{
			Key:           types.PairKey{GoalID: goal, VariantID: variant},
			Category:      category,
			SolutionTitle: title,
		}
		if title == "" {
			existing, err := s.GetPair(cmd.Context(), pair.Key)
			if err != nil {
				return err
			}
			if existing != nil {
				pair.SolutionTitle = existing.SolutionTitle
			}
		}
		if err := s.UpsertPair(cmd.Context(), pair); err != nil {
			return fmt.Errorf("failed to save pair: %w", err)
		}
		report := &types.RawReport{
			ID:        id,
			Key:       pair.Key,
			Fields:    fields,
			CreatedAt: time.Now(),
		}
		if err := s.AddReport(cmd.Context(), report); err != nil {
			return fmt.Errorf("failed to save report: %w", err)
		}

		green := color.New(color.FgGreen).SprintFunc()
		fmt.Fprintf(cmd.OutOrStdout(), "%s Added report %s for %s (%d fields)\n", green("✓"), id, pair.Key, len(fields))
		return nil
	},
}

func init() {
	reportAddCmd.Flags().String("goal", "", "Goal ID")
	reportAddCmd.Flags().String("variant", "", "Solution variant ID")
	reportAddCmd.Flags().String("category", "", "Solution category")
	reportAddCmd.Flags().String("title", "", "Solution title")
	reportAddCmd.Flags().String("fields", "", "Reported fields as a JSON object")
	reportAddCmd.Flags().String("id", "", "Report ID (default: random UUID)")
	_ = reportAddCmd.MarkFlagRequired("goal")
	_ = reportAddCmd.MarkFlagRequired("variant")
	_ = reportAddCmd.MarkFlagRequired("fields")
	reportCmd.AddCommand(reportAddCmd)
	rootCmd.AddCommand(reportCmd)
}
