package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/metadeploy/internal/config"
	"github.com/ehr/metadeploy/internal/domain/metadata"
	"github.com/ehr/metadeploy/internal/platform/db"
	"github.com/ehr/metadeploy/internal/platform/deploy"
	"github.com/ehr/metadeploy/internal/platform/session"
	"github.com/ehr/metadeploy/migrations"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "metadeploy",
		Short:         "Install and uninstall EHR metadata",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			envFile, _ := cmd.Flags().GetString("env-file")
			if envFile == "" {
				return nil
			}
			if err := godotenv.Load(envFile); err != nil {
				return fmt.Errorf("load env file %s: %w", envFile, err)
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().String("env-file", "", "Extra dotenv file loaded before configuration")
	rootCmd.PersistentFlags().String("log-level", "", "Override LOG_LEVEL (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(installCmd())
	rootCmd.AddCommand(uninstallCmd())
	rootCmd.AddCommand(fetchCmd())
	rootCmd.AddCommand(kindsCmd())
	return rootCmd
}

// newLogger writes JSON to out, or human-readable lines in development.
func newLogger(cfg *config.Config, out io.Writer, levelOverride string) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(out).With().Timestamp().Logger()
	}

	level := cfg.Level()
	if levelOverride != "" {
		if lvl, err := zerolog.ParseLevel(levelOverride); err == nil {
			level = lvl
		}
	}
	return logger.Level(level)
}

// migrationSource returns the directory when one is configured and the
// migrations compiled into the binary otherwise.
func migrationSource(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

// runtimeEnv is what every database-backed command needs.
type runtimeEnv struct {
	cfg    *config.Config
	logger zerolog.Logger
	pool   *pgxpool.Pool
	svc    *deploy.Service
}

func (r *runtimeEnv) Close() {
	r.pool.Close()
}

func openRuntime(ctx context.Context, cmd *cobra.Command) (*runtimeEnv, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := db.ValidateSchema(cfg.DBSchema); err != nil {
		return nil, fmt.Errorf("DB_SCHEMA: %w", err)
	}
	levelOverride, _ := cmd.Flags().GetString("log-level")
	logger := newLogger(cfg, cmd.ErrOrStderr(), levelOverride)

	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
		Schema:   cfg.DBSchema,
	})
	if err != nil {
		return nil, err
	}

	reg, err := metadata.NewRegistry(logger, metadata.NewRepositories(pool))
	if err != nil {
		pool.Close()
		return nil, err
	}

	return &runtimeEnv{
		cfg:    cfg,
		logger: logger,
		pool:   pool,
		svc:    deploy.NewService(reg, session.ContextEvicter{}, deploy.WithLogger(logger)),
	}, nil
}

// cliContext opens the identity session a single CLI run works in.
func cliContext() context.Context {
	return session.WithSession(context.Background(), session.New())
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	migrator := func(cmd *cobra.Command) (*db.Migrator, func(), error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, nil, err
		}
		schema, _ := cmd.Flags().GetString("schema")
		if schema == "" {
			schema = cfg.DBSchema
		}
		dir, _ := cmd.Flags().GetString("dir")
		if dir == "" {
			dir = cfg.MigrationsDir
		}
		levelOverride, _ := cmd.Flags().GetString("log-level")
		logger := newLogger(cfg, cmd.ErrOrStderr(), levelOverride)

		pool, err := db.NewPool(cmd.Context(), db.PoolConfig{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		})
		if err != nil {
			return nil, nil, err
		}
		return db.NewMigrator(pool, migrationSource(dir), schema, logger), pool.Close, nil
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, closeFn, err := migrator(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			count, err := m.Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, closeFn, err := migrator(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := m.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	}

	for _, c := range []*cobra.Command{upCmd, statusCmd} {
		c.Flags().String("schema", "", "Target schema (default DB_SCHEMA)")
		c.Flags().String("dir", "", "Migrations directory (default MIGRATIONS_DIR, else the embedded set)")
		cmd.AddCommand(c)
	}
	return cmd
}

func printStatus(w io.Writer, statuses []db.MigrationStatus) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Version", "Name", "Status", "Applied at"})
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		t.AppendRow(table.Row{s.Version, s.Name, status, appliedAt})
	}
	t.Render()
}

func installCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install every object in a YAML bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			if path == "" {
				return fmt.Errorf("--file is required")
			}

			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()

			objs, err := metadata.LoadBundle(f)
			if err != nil {
				return fmt.Errorf("load bundle %s: %w", path, err)
			}

			rt, err := openRuntime(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			res, err := metadata.InstallBundle(cliContext(), rt.svc, objs)
			fmt.Fprintf(cmd.OutOrStdout(), "Created %d, replaced %d object(s).\n", res.Created, res.Replaced)
			return err
		},
	}
	cmd.Flags().StringP("file", "f", "", "YAML bundle to install")
	return cmd
}

func uninstallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Uninstall one object",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, _ := cmd.Flags().GetString("kind")
			id, _ := cmd.Flags().GetString("id")
			reason, _ := cmd.Flags().GetString("reason")
			if kind == "" || id == "" {
				return fmt.Errorf("--kind and --id are required")
			}
			if reason == "" {
				reason = defaultReason()
			}
			if err := metadata.ValidateRetireReason(reason); err != nil {
				return err
			}

			rt, err := openRuntime(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx := cliContext()
			obj, err := rt.svc.FetchObject(ctx, kind, id)
			if err != nil {
				return err
			}
			if obj == nil {
				return fmt.Errorf("%s %s not found", kind, id)
			}
			if err := rt.svc.Uninstall(ctx, obj, reason); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Uninstalled %s %s.\n", kind, id)
			return nil
		},
	}
	cmd.Flags().String("kind", "", "Object kind")
	cmd.Flags().String("id", "", "Unique identifier (uuid or natural key)")
	cmd.Flags().String("reason", "", "Reason recorded on retirement")
	return cmd
}

func defaultReason() string {
	if user := os.Getenv("USER"); user != "" {
		return "uninstalled by " + user
	}
	return "uninstalled by cli"
}

func fetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Print one object as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, _ := cmd.Flags().GetString("kind")
			id, _ := cmd.Flags().GetString("id")
			if kind == "" || id == "" {
				return fmt.Errorf("--kind and --id are required")
			}

			rt, err := openRuntime(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			obj, err := rt.svc.FetchObject(cliContext(), kind, id)
			if err != nil {
				return err
			}
			if obj == nil {
				return fmt.Errorf("%s %s not found", kind, id)
			}
			return writeJSON(cmd.OutOrStdout(), obj)
		},
	}
	cmd.Flags().String("kind", "", "Object kind")
	cmd.Flags().String("id", "", "Unique identifier (uuid or natural key)")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// kinds lists the registry built over the codec's kinds; it needs no
// database connection.
func kindsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kinds",
		Short: "List installable metadata kinds",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := metadata.NewRegistry(zerolog.Nop(), metadata.Repositories{})
			if err != nil {
				return err
			}
			for _, k := range reg.Kinds() {
				fmt.Fprintln(cmd.OutOrStdout(), k)
			}
			return nil
		},
	}
}
