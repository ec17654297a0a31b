package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/claimsdesk/internal/config"
	"github.com/ehr/claimsdesk/internal/domain/claims"
	"github.com/ehr/claimsdesk/internal/platform/crm"
	"github.com/ehr/claimsdesk/internal/platform/db"
	"github.com/ehr/claimsdesk/internal/platform/logging"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "claims-server",
		Short: "Insurance claims workspace API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(unbilledCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the claims API server",
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
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			ctx := context.Background()

			migrator, closePool, err := openMigrator(ctx, schema)
			if err != nil {
				return err
			}
			defer closePool()

			fmt.Printf("Running migrations on schema: %s\n", schema)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			ctx := context.Background()

			migrator, closePool, err := openMigrator(ctx, schema)
			if err != nil {
				return err
			}
			defer closePool()

			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			fmt.Printf("Migration status for schema: %s\n", schema)
			renderMigrations(os.Stdout, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(statusCmd)

	return cmd
}

func openMigrator(ctx context.Context, schema string) (*db.Migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: 2})
	if err != nil {
		return nil, nil, err
	}
	migrator, err := db.NewMigrator(pool, db.Migrations(), schema)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return migrator, pool.Close, nil
}

func renderMigrations(w io.Writer, statuses []db.MigrationStatus) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Version", "Name", "Status", "Applied At"})
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		table.Append([]string{fmt.Sprintf("%03d", s.Version), s.Name, status, appliedAt})
	}
	table.Render()
}

// unbilled runs one aggregation pass against the CRM and prints the result,
// without starting the server.
func unbilledCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unbilled",
		Short: "List completed sessions that have no claim yet",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger, closeLog := logging.New(logging.Options{Level: "warn", Console: true})
			defer closeLog()

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: 2})
			if err != nil {
				return err
			}
			defer pool.Close()

			client, err := newCRMClient(cfg, logger, nil)
			if err != nil {
				return err
			}
			agg := claims.NewAggregator(client, client, client, claims.NewRepo(pool), cfg.OrgDefaults(), logger)
			agg.SetLookback(cfg.Lookback())

			sessions, err := agg.UnbilledSessions(ctx, cfg.CRMLocationID, time.Now())
			if err != nil {
				return err
			}
			renderSessions(os.Stdout, sessions)
			return nil
		},
	}
}

func renderSessions(w io.Writer, sessions []claims.UnbilledSession) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Appointment", "Date", "Patient", "Clinician", "Payer", "Charge"})
	for _, s := range sessions {
		table.Append([]string{
			s.Appointment.ID,
			s.Appointment.SessionDate(),
			s.PatientName(),
			s.ClinicianName,
			s.PayerName,
			s.ChargeAmount.StringFixed(2),
		})
	}
	table.SetFooter([]string{"", "", "", "", "Sessions", fmt.Sprintf("%d", len(sessions))})
	table.Render()
}

func newCRMClient(cfg *config.Config, logger zerolog.Logger, observe func(string, int, time.Duration)) (*crm.Client, error) {
	return crm.NewClient(crm.Options{
		BaseURL:       cfg.CRMBaseURL,
		APIKey:        cfg.CRMAPIKey,
		Timeout:       cfg.CRMTimeout,
		LocationID:    cfg.CRMLocationID,
		RatePerSecond: cfg.CRMRateLimitRPS,
		Burst:         cfg.CRMRateLimitBurst,
		Observe:       observe,
	}, logger)
}
