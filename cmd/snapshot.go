package main

import (
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/nb-research/internal/model"
	"github.com/sells-group/nb-research/internal/versioning"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Capture, list and compare research snapshots",
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create <run-id>",
	Short: "Snapshot a completed run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		id, err := env.Versions.CreateSnapshot(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "snapshot create")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created snapshot %s\n", id)
		return nil
	},
}

var snapshotHistoryCmd = &cobra.Command{
	Use:   "history <company-id>",
	Short: "List a company's snapshots, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		hist, err := env.Versions.GetHistory(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "snapshot history")
		}
		if len(hist) == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "No snapshots found.")
			return nil
		}
		formatHistory(cmd.OutOrStdout(), hist)
		return nil
	},
}

var snapshotDiffCmd = &cobra.Command{
	Use:   "diff [<from-snapshot> <to-snapshot>]",
	Short: "Compare two snapshots",
	Long:  "Compares two snapshots by id, or with --latest the two newest snapshots of a company.",
	Args:  cobra.RangeArgs(0, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		latest, _ := cmd.Flags().GetString("latest")
		asJSON, _ := cmd.Flags().GetBool("json")
		if latest == "" && len(args) != 2 {
			return eris.New("snapshot diff: give two snapshot ids or --latest <company-id>")
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		var d *model.Diff
		if latest != "" {
			d, err = env.Versions.DiffLatest(ctx, latest)
		} else {
			d, err = env.Versions.GetOrCreateDiff(ctx, args[0], args[1])
		}
		if err != nil {
			return eris.Wrap(err, "snapshot diff")
		}

		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(d)
		}
		fmt.Fprint(cmd.OutOrStdout(), versioning.FormatDiffDisplay(*d))
		return nil
	},
}

func init() {
	snapshotDiffCmd.Flags().String("latest", "", "diff the two newest snapshots of this company")
	snapshotDiffCmd.Flags().Bool("json", false, "print the diff as JSON")

	snapshotCmd.AddCommand(snapshotCreateCmd)
	snapshotCmd.AddCommand(snapshotHistoryCmd)
	snapshotCmd.AddCommand(snapshotDiffCmd)
	rootCmd.AddCommand(snapshotCmd)
}
