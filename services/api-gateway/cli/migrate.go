package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-part-flow/internal/postgres"
	"github.com/ramiqadoumi/go-part-flow/internal/postgres/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long: `Connect to PostgreSQL and apply the attempt-history schema.

Reads the DSN from --postgres-dsn flag, POSTGRES_DSN env var, or config file.
Every migration is idempotent, so running it twice is safe.`,
	RunE: runMigrate,
}

func init() {
	// serve binds postgres_dsn to its own flag, so this one is read directly.
	migrateCmd.Flags().String("postgres-dsn", "", "PostgreSQL DSN")
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	dsn := viper.GetString("postgres_dsn")
	if cmd.Flags().Changed("postgres-dsn") {
		dsn, _ = cmd.Flags().GetString("postgres-dsn")
	}
	if dsn == "" {
		return fmt.Errorf("postgres_dsn is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	files, err := migrations.Files()
	if err != nil {
		return err
	}
	for _, f := range files {
		sql, err := migrations.FS.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("execute migration %s: %w", f, err)
		}
		fmt.Printf("applied %s\n", f)
	}

	fmt.Println("migrations complete")
	return nil
}
