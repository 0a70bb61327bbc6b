package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vauxoo-dev/upgrade-util/internal/logging"
	"github.com/vauxoo-dev/upgrade-util/pkg/pgutil"
	"github.com/vauxoo-dev/upgrade-util/pkg/report"
	"github.com/vauxoo-dev/upgrade-util/pkg/upgrade"
)

var (
	verbose bool
	logger  *zap.Logger
	dbName  string
)

var rootCmd = &cobra.Command{
	Use:   "upgrade-util",
	Short: "Migration helpers for moving a database between server series",
	Long: `upgrade-util applies the bulk renames, merges and removals of a
series upgrade against the instance metadata tables. The database is
taken from the PG* environment variables or DATABASE_URL; a .env file
next to the working directory is loaded when present.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		for _, p := range []string{".env", "../.env"} {
			if err := godotenv.Load(p); err == nil {
				break
			}
		}
		var err error
		logger, err = logging.New(verbose)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(reportCmd)
}

// openEnv connects using the PG* environment and binds a migration
// environment to the database.
func openEnv(ctx context.Context) (*sql.DB, *upgrade.Env, error) {
	cfg := pgutil.FromEnv()
	dbName = cfg.Database
	db, err := pgutil.Open(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	env, err := upgrade.NewEnv(ctx, db, upgrade.Options{Logger: logger})
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, env, nil
}

// deliverReport mails the review document when SMTP is configured,
// otherwise prints it.
func deliverReport(env *upgrade.Env) error {
	rep := env.Report()
	if rep.Empty() {
		return nil
	}
	html, err := rep.Render(dbName)
	if err != nil {
		return err
	}
	if mailer, ok := report.MailerFromEnv(); ok {
		logger.Info("mailing migration report", zap.Strings("to", mailer.To))
		err := mailer.Send("Migration report for "+dbName, html)
		if err == nil {
			return nil
		}
		// the migration already committed; the report is advisory
		logger.Warn("mailing report failed, printing it instead", zap.Error(err))
	}
	fmt.Println(html)
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
