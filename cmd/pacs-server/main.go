package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pacs/pacs/internal/archive"
	"github.com/pacs/pacs/internal/config"
	"github.com/pacs/pacs/internal/platform/db"
	"github.com/pacs/pacs/internal/platform/filestore"
	"github.com/pacs/pacs/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pacs-server",
		Short: "PACS site server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(partitionCmd())
	rootCmd.AddCommand(importCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// backend bundles the stores a command works against.
type backend struct {
	store  archive.Store
	files  filestore.Store
	pinger db.Pinger
	stats  func() *db.PoolStats
	close  func()
}

// openBackend connects to Postgres, or builds an in-memory store seeded with
// the default partition when DATABASE_URL is empty.
func openBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backend, error) {
	b := &backend{close: func() {}}

	switch cfg.StorageBackend {
	case config.StorageGCS:
		gcs, err := filestore.NewGCS(ctx, cfg.GCSBucket)
		if err != nil {
			return nil, err
		}
		b.files = gcs
		b.close = func() { gcs.Close() }
	default:
		b.files = filestore.NewLocal()
	}

	if cfg.UseMemoryStore() {
		mem := archive.NewMemoryStore()
		id, err := cfg.PartitionID()
		if err != nil {
			return nil, err
		}
		if id != uuid.Nil {
			if err := mem.CreatePartition(ctx, &archive.Partition{ID: id, Name: "default"}); err != nil {
				return nil, err
			}
		}
		logger.Warn().Msg("DATABASE_URL is empty, using the in-memory store; nothing survives a restart")
		b.store = mem
		return b, nil
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		b.close()
		return nil, err
	}
	closeFiles := b.close
	b.store = archive.NewStorePG(pool)
	b.pinger = pool
	b.stats = func() *db.PoolStats { return db.GetPoolStats(pool) }
	b.close = func() {
		pool.Close()
		closeFiles()
	}
	logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")
	return b, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the archive API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServer(cfg, newLogger(cfg))
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.UseMemoryStore() {
				return fmt.Errorf("DATABASE_URL is required")
			}

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, "", cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", cfg.DBSchema)
			if err := db.CreateSchema(ctx, pool, cfg.DBSchema, nil); err != nil {
				return err
			}
			count, err := db.NewMigrator(pool, migrations.FS).Up(ctx, cfg.DBSchema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.UseMemoryStore() {
				return fmt.Errorf("DATABASE_URL is required")
			}

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, "", cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx, cfg.DBSchema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Migration status for schema: %s\n", cfg.DBSchema)
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	cmd.AddCommand(statusCmd)

	return cmd
}

func partitionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "partition",
		Short: "Manage partitions",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a partition",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			rawPolicy, _ := cmd.Flags().GetString("policy")
			idFlag, _ := cmd.Flags().GetString("id")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			p, err := newPartition(name, rawPolicy, idFlag)
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.UseMemoryStore() {
				return fmt.Errorf("DATABASE_URL is required")
			}
			ctx := cmd.Context()
			b, err := openBackend(ctx, cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			defer b.close()

			if err := b.store.CreatePartition(ctx, p); err != nil {
				return fmt.Errorf("create partition: %w", err)
			}
			return printJSON(cmd, archive.RenderPartition(p, archive.IncludeIdentity, archive.IncludePolicy))
		},
	}
	createCmd.Flags().String("name", "", "Partition name")
	createCmd.Flags().String("policy", "", "Partition policy as JSON")
	createCmd.Flags().String("id", "", "Partition id (generated when empty)")
	cmd.AddCommand(createCmd)

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a partition and its effective policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid partition id: %w", err)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.UseMemoryStore() {
				return fmt.Errorf("DATABASE_URL is required")
			}
			ctx := cmd.Context()
			b, err := openBackend(ctx, cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			defer b.close()

			p, err := b.store.GetPartition(ctx, id)
			if err != nil {
				return fmt.Errorf("get partition: %w", err)
			}
			includes, _ := archive.ParseIncludes("all")
			return printJSON(cmd, archive.RenderPartition(p, includes...))
		},
	}
	cmd.AddCommand(showCmd)

	return cmd
}

// newPartition validates the CLI input and stores the policy normalized.
func newPartition(name, rawPolicy, id string) (*archive.Partition, error) {
	policy, err := archive.ParsePolicy([]byte(rawPolicy))
	if err != nil {
		return nil, err
	}
	normalized, err := policy.Marshal()
	if err != nil {
		return nil, err
	}
	p := &archive.Partition{Name: name, Policy: normalized}
	if id != "" {
		if p.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("invalid --id: %w", err)
		}
	}
	return p, nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
