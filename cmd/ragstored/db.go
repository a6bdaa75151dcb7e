package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/ragstore/internal/engine"
)

var (
	dbOwner       string
	dbUser        string
	dbDimension   int
	dbChunkSize   int
	dbCacheBudget int
	dbEncrypt     bool
	dbEndpoint    string
	dbOutputJSON  bool
)

func init() {
	dbCmd.AddCommand(dbCreateCmd)
	dbCmd.AddCommand(dbListCmd)
	dbCmd.AddCommand(dbStatsCmd)
	dbCmd.AddCommand(dbDestroyCmd)

	dbCmd.PersistentFlags().BoolVar(&dbOutputJSON, "json", false, "Output results as JSON")

	dbCreateCmd.Flags().StringVar(&dbOwner, "owner", "", "Owner user ID (required)")
	dbCreateCmd.Flags().IntVar(&dbDimension, "dimension", 0, "Embedding dimension (default 384)")
	dbCreateCmd.Flags().IntVar(&dbChunkSize, "chunk-size", 0, "Ingestion batch size (default 100)")
	dbCreateCmd.Flags().IntVar(&dbCacheBudget, "cache-budget", 0, "Max cached searches for this database (0 = engine limit)")
	dbCreateCmd.Flags().BoolVar(&dbEncrypt, "encrypt-at-rest", false, "Ask the storage backend to encrypt persisted data")
	dbCreateCmd.Flags().StringVar(&dbEndpoint, "storage-endpoint", "", "Remote index endpoint URL")
	_ = dbCreateCmd.MarkFlagRequired("owner")

	dbStatsCmd.Flags().StringVar(&dbUser, "user", "", "Acting user ID (required)")
	_ = dbStatsCmd.MarkFlagRequired("user")

	dbDestroyCmd.Flags().StringVar(&dbUser, "user", "", "Acting user ID, must hold the owner role (required)")
	_ = dbDestroyCmd.MarkFlagRequired("user")
}

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage vector databases",
	Long: `Manage vector databases in the configured store.

Examples:
  # Create a database
  ragstored db create research --owner alice

  # List all databases
  ragstored db list

  # Show statistics for a database
  ragstored db stats research --user alice

  # Destroy a database and everything attached to it
  ragstored db destroy research --user alice`,
}

var dbCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a database",
	Args:  cobra.ExactArgs(1),
	RunE:  runDBCreate,
}

var dbListCmd = &cobra.Command{
	Use:   "list",
	Short: "List databases",
	Args:  cobra.NoArgs,
	RunE:  runDBList,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats <name>",
	Short: "Show database statistics",
	Args:  cobra.ExactArgs(1),
	RunE:  runDBStats,
}

var dbDestroyCmd = &cobra.Command{
	Use:   "destroy <name>",
	Short: "Destroy a database, its grants, and its checkpoints",
	Args:  cobra.ExactArgs(1),
	RunE:  runDBDestroy,
}

func runDBCreate(cmd *cobra.Command, args []string) error {
	env, err := openEnvironment()
	if err != nil {
		return err
	}
	defer env.Close()

	session, err := env.manager.CreateSession(cmd.Context(), args[0], dbOwner, engine.SessionConfig{
		Dimension:       dbDimension,
		ChunkSize:       dbChunkSize,
		CacheBudget:     dbCacheBudget,
		EncryptAtRest:   dbEncrypt,
		StorageEndpoint: dbEndpoint,
	})
	if err != nil {
		return err
	}

	if dbOutputJSON {
		return printJSON(map[string]any{
			"database":  session.Database,
			"owner":     dbOwner,
			"dimension": session.Config.Dimension,
		})
	}
	fmt.Printf("Created database %q (dimension %d, owner %s)\n",
		session.Database, session.Config.Dimension, dbOwner)
	return nil
}

func runDBList(cmd *cobra.Command, args []string) error {
	env, err := openEnvironment()
	if err != nil {
		return err
	}
	defer env.Close()

	databases, err := env.manager.Metadata().List(cmd.Context())
	if err != nil {
		return err
	}

	if dbOutputJSON {
		return printJSON(databases)
	}

	if len(databases) == 0 {
		fmt.Println("No databases found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tOWNER\tVECTORS\tSIZE\tCREATED")
	for _, db := range databases {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
			db.Name, db.Owner, db.VectorCount, db.StorageSize,
			db.CreatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func runDBStats(cmd *cobra.Command, args []string) error {
	env, err := openEnvironment()
	if err != nil {
		return err
	}
	defer env.Close()

	ctx := cmd.Context()
	session, err := env.manager.OpenSession(ctx, args[0], dbUser, engine.SessionConfig{})
	if err != nil {
		return err
	}
	stats, err := env.manager.Stats(ctx, session.ID, dbUser)
	if err != nil {
		return err
	}

	if dbOutputJSON {
		return printJSON(stats)
	}

	fmt.Printf("Database:      %s\n", stats.Database)
	fmt.Printf("Status:        %s\n", stats.Status)
	fmt.Printf("Vectors:       %d\n", stats.VectorCount)
	fmt.Printf("Storage bytes: %d\n", stats.StorageSize)
	fmt.Printf("Created:       %s\n", stats.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Last access:   %s\n", stats.LastAccessAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Cache hits:    %d (%.0f%% hit rate)\n", stats.Cache.Hits, stats.Cache.HitRate()*100)
	fmt.Printf("Checks passed: %.0f%%\n", stats.Consistency.SuccessRate*100)
	return nil
}

func runDBDestroy(cmd *cobra.Command, args []string) error {
	env, err := openEnvironment()
	if err != nil {
		return err
	}
	defer env.Close()

	ctx := cmd.Context()
	session, err := env.manager.OpenSession(ctx, args[0], dbUser, engine.SessionConfig{})
	if err != nil {
		return err
	}
	if err := env.manager.DestroySession(ctx, session.ID, dbUser); err != nil {
		return err
	}

	fmt.Printf("Destroyed database %q\n", args[0])
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
