package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/ragstore/internal/engine"
)

var (
	cpUser       string
	cpOutputJSON bool
)

func init() {
	checkpointCmd.AddCommand(checkpointCreateCmd)
	checkpointCmd.AddCommand(checkpointListCmd)
	checkpointCmd.AddCommand(checkpointRestoreCmd)

	checkpointCmd.PersistentFlags().StringVar(&cpUser, "user", "", "Acting user ID (required)")
	checkpointCmd.PersistentFlags().BoolVar(&cpOutputJSON, "json", false, "Output results as JSON")
	_ = checkpointCmd.MarkPersistentFlagRequired("user")
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Manage database checkpoints",
	Long: `Manage checkpoints of database state. A checkpoint captures every
record in the database; restoring one rewinds the database to that
snapshot, rebuilding the index from it.

Examples:
  # Snapshot a database
  ragstored checkpoint create research --user alice

  # List checkpoints for a database
  ragstored checkpoint list research --user alice

  # Rewind to the latest checkpoint
  ragstored checkpoint restore research --user alice

  # Rewind to a specific checkpoint
  ragstored checkpoint restore research 4fa0...c21 --user alice`,
}

var checkpointCreateCmd = &cobra.Command{
	Use:   "create <database>",
	Short: "Snapshot the database's current state",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointCreate,
}

var checkpointListCmd = &cobra.Command{
	Use:   "list <database>",
	Short: "List checkpoints for a database",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointList,
}

var checkpointRestoreCmd = &cobra.Command{
	Use:   "restore <database> [checkpoint-id]",
	Short: "Rewind the database to a checkpoint",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runCheckpointRestore,
}

func runCheckpointCreate(cmd *cobra.Command, args []string) error {
	env, err := openEnvironment()
	if err != nil {
		return err
	}
	defer env.Close()

	ctx := cmd.Context()
	session, err := env.manager.OpenSession(ctx, args[0], cpUser, engine.SessionConfig{})
	if err != nil {
		return err
	}
	id, err := env.manager.CreateCheckpoint(ctx, session.ID, cpUser)
	if err != nil {
		return err
	}

	if cpOutputJSON {
		return printJSON(map[string]string{"checkpoint_id": id, "database": args[0]})
	}
	fmt.Printf("Checkpoint %s created for %q\n", id, args[0])
	return nil
}

func runCheckpointList(cmd *cobra.Command, args []string) error {
	env, err := openEnvironment()
	if err != nil {
		return err
	}
	defer env.Close()

	ctx := cmd.Context()
	if _, err := env.manager.OpenSession(ctx, args[0], cpUser, engine.SessionConfig{}); err != nil {
		return err
	}

	history := env.manager.Recovery().History(args[0])
	if cpOutputJSON {
		infos := make([]any, 0, len(history))
		for _, cp := range history {
			info, err := env.manager.Recovery().Metadata(args[0], cp.ID)
			if err != nil {
				continue
			}
			infos = append(infos, info)
		}
		return printJSON(infos)
	}

	if len(history) == 0 {
		fmt.Printf("No checkpoints for %q.\n", args[0])
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCREATED\tSIZE\tCHECKSUM")
	for _, cp := range history {
		fmt.Fprintf(w, "%s\t%s\t%d\t%.12s\n",
			cp.ID, cp.CreatedAt.Format("2006-01-02 15:04:05"), cp.SizeBytes, cp.Checksum)
	}
	return w.Flush()
}

func runCheckpointRestore(cmd *cobra.Command, args []string) error {
	env, err := openEnvironment()
	if err != nil {
		return err
	}
	defer env.Close()

	ctx := cmd.Context()
	session, err := env.manager.OpenSession(ctx, args[0], cpUser, engine.SessionConfig{})
	if err != nil {
		return err
	}

	checkpointID := ""
	if len(args) == 2 {
		checkpointID = args[1]
	}
	if err := env.manager.RestoreState(ctx, session.ID, cpUser, checkpointID); err != nil {
		return err
	}

	if checkpointID == "" {
		fmt.Printf("Restored %q to its latest checkpoint\n", args[0])
	} else {
		fmt.Printf("Restored %q to checkpoint %s\n", args[0], checkpointID)
	}
	return nil
}
