package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medbook/medbook/internal/config"
	"github.com/medbook/medbook/internal/domain/reservation"
	"github.com/medbook/medbook/internal/platform/auth"
	"github.com/medbook/medbook/internal/platform/db"
	"github.com/medbook/medbook/internal/platform/metrics"
	"github.com/medbook/medbook/internal/platform/websocket"
	"github.com/medbook/medbook/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "medbook-server",
		Short:        "Provider slot booking and rating API",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reclaimCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(seedCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and the stale-slot reclaimer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrationFiles(cfg)).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationFiles(cfg)).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatus(cmd, statuses)
			return nil
		},
	})

	return cmd
}

func printStatus(cmd *cobra.Command, statuses []db.MigrationStatus) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
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
}

func reclaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reclaim",
		Short: "Run one stale-slot sweep and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg, os.Stdout)

			ctx := cmd.Context()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			app := newApp(cfg, pool, metrics.NewReservationMetrics(prometheus.NewRegistry()), logger)
			res, err := app.reclaimer.Run(ctx)
			if err != nil {
				return fmt.Errorf("reclaim: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Scanned %d, deleted %d, skipped %d slot(s) in %s.\n",
				res.Scanned, res.Deleted, res.Skipped, res.Duration.Round(time.Millisecond))
			return nil
		},
	}
}

// tokenCmd issues a bearer token for local testing against AUTH_MODE=jwt.
func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed access token for a provider or client",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			role, _ := cmd.Flags().GetString("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			key, _ := cmd.Flags().GetString("key")
			issuer, _ := cmd.Flags().GetString("issuer")
			audience, _ := cmd.Flags().GetString("audience")
			if id == "" {
				id = uuid.NewString()
			}
			p, err := auth.ParsePrincipal(id, role)
			if err != nil {
				return err
			}
			if len(key) < 32 {
				return fmt.Errorf("--key (or AUTH_SIGNING_KEY) must be at least 32 bytes")
			}

			token, err := auth.NewToken(auth.JWTConfig{Issuer: issuer, Audience: audience, SigningKey: []byte(key)}, p, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("id", "", "Profile id (UUID); a random one when empty")
	cmd.Flags().String("role", string(auth.RoleClient), "provider or client")
	cmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	cmd.Flags().String("key", os.Getenv("AUTH_SIGNING_KEY"), "HS256 signing key")
	cmd.Flags().String("issuer", os.Getenv("AUTH_ISSUER"), "Token issuer")
	cmd.Flags().String("audience", os.Getenv("AUTH_AUDIENCE"), "Token audience")
	return cmd
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

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
}

// migrationFiles prefers MIGRATIONS_DIR and falls back to the embedded schema.
func migrationFiles(cfg *config.Config) fs.FS {
	if cfg.MigrationsDir != "" {
		return os.DirFS(cfg.MigrationsDir)
	}
	return migrations.FS
}

// app holds the wired reservation components.
type app struct {
	svc       *reservation.Service
	reclaimer *reservation.Reclaimer
	hub       *websocket.Hub
}

func newApp(cfg *config.Config, pool db.Pool, m *metrics.ReservationMetrics, logger zerolog.Logger) *app {
	txm := db.NewTxManager(pool)
	providers := reservation.NewProviderRepoPG(pool)
	bookingRepo := reservation.NewBookingRepoPG(pool)

	policy := reservation.RebookPolicy(cfg.SlotRebookPolicy)
	slots := reservation.NewSlotStore(txm, reservation.NewSlotRepoPG(pool), providers, policy)
	bookings := reservation.NewBookingManager(txm, slots, bookingRepo, policy, m, logger)
	ratings := reservation.NewRatingAggregator(txm, bookingRepo, reservation.NewRatingRepoPG(pool), providers, m, logger)

	hub := websocket.NewHub(logger)
	svc := reservation.NewService(slots, bookings, ratings)
	svc.SetEvents(reservation.NewEvents(hub, logger))

	return &app{
		svc:       svc,
		reclaimer: reservation.NewReclaimer(slots, cfg.ReclaimBatchSize, m, logger),
		hub:       hub,
	}
}
