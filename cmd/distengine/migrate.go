package main

import (
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/whatworked/distengine/internal/logging"
	"github.com/whatworked/distengine/internal/merge"
	"github.com/whatworked/distengine/internal/types"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Explicit data migrations on stored aggregates",
}

var renameFieldCmd = &cobra.Command{
	Use:   "rename-field",
	Short: "Move a field stored under a legacy name to its canonical name",
	Long: `Move a stored field from --from to --to: the value is copied to the new
key, then the old key is removed. A target that already holds data is never
overwritten. This is the only operation that removes a stored field.

Examples:
  # Fix one record flagged by audit
  distengine migrate rename-field --from time_to_impact --to time_to_results \
    --goal goal-anxiety --variant sertraline-50mg

  # Every medications record
  distengine migrate rename-field --from dosage_frequency --to frequency --category medications`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")
		goal, _ := cmd.Flags().GetString("goal")
		variant, _ := cmd.Flags().GetString("variant")

		if from == "" || to == "" {
			return fmt.Errorf("--from and --to are required")
		}
		canonical, err := registry.Canonical(from)
		if err != nil {
			return fmt.Errorf("--from: %w", err)
		}
		if canonical != to {
			return fmt.Errorf("%s is an alias of %s, not %s", from, canonical, to)
		}
		if variant != "" && goal == "" {
			return fmt.Errorf("--variant requires --goal")
		}

		s, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		log := logging.New("migrate")

		var keys []types.PairKey
		if variant != "" {
			keys = append(keys, types.PairKey{GoalID: goal, VariantID: variant})
		} else {
			pairs, err := s.ListPairs(cmd.Context(), filterFromFlags(cmd))
			if err != nil {
				return err
			}
			for _, p := range pairs {
				keys = append(keys, p.Key)
			}
		}

		var renamed, skipped, failed int
		for _, key := range keys {
			if err := cmd.Context().Err(); err != nil {
				return err
			}
			ok, err := s.RenameField(cmd.Context(), key, from, to)
			switch {
			case errors.Is(err, merge.ErrFieldExists):
				skipped++
				log.Warn("skipped: target already holds data", zap.String("pair", key.String()), zap.String("field", to))
			case err != nil:
				failed++
				log.Error("rename failed", zap.String("pair", key.String()), zap.Error(err))
			case ok:
				renamed++
				log.Info("renamed field", zap.String("pair", key.String()), zap.String("from", from), zap.String("to", to))
			}
		}

		w := cmd.OutOrStdout()
		green := color.New(color.FgGreen).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		fmt.Fprintf(w, "%s Renamed %s → %s in %d of %d record(s)\n", green("✓"), from, to, renamed, len(keys))
		if skipped > 0 {
			fmt.Fprintf(w, "%s Skipped %d record(s) where %s already holds data\n", yellow("⚠"), skipped, to)
		}
		if failed > 0 {
			return fmt.Errorf("rename failed for %d of %d record(s); see the log", failed, len(keys))
		}
		return nil
	},
}

func init() {
	renameFieldCmd.Flags().String("from", "", "Stored (legacy) field name")
	renameFieldCmd.Flags().String("to", "", "Canonical field name")
	renameFieldCmd.Flags().String("variant", "", "Only this solution variant (requires --goal)")
	addFilterFlags(renameFieldCmd)
	migrateCmd.AddCommand(renameFieldCmd)
	rootCmd.AddCommand(migrateCmd)
}
