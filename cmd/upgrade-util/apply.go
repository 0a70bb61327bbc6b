package main

import (
	"database/sql"

	"github.com/spf13/cobra"

	"github.com/vauxoo-dev/upgrade-util/pkg/pgutil"
	"github.com/vauxoo-dev/upgrade-util/pkg/plan"
)

var (
	applyPlanPath string
	applyDryRun   bool
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a declarative upgrade plan",
	Long: `Apply runs the steps of a YAML upgrade plan in one transaction; a
failing step rolls everything back. With --dry-run the guards are
evaluated and the steps that would run are logged, nothing is written.`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringVar(&applyPlanPath, "plan", "", "plan file (required)")
	applyCmd.Flags().BoolVar(&applyDryRun, "dry-run", false, "evaluate guards without applying")
	_ = applyCmd.MarkFlagRequired("plan")
}

func runApply(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	p, err := plan.Load(applyPlanPath)
	if err != nil {
		return err
	}

	db, env, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	if applyDryRun {
		return p.Apply(ctx, env, plan.ApplyOptions{DryRun: true})
	}

	err = pgutil.WithTransaction(ctx, db, func(tx *sql.Tx) error {
		return p.Apply(ctx, env.WithQueryer(tx), plan.ApplyOptions{})
	})
	if err != nil {
		return err
	}
	return deliverReport(env)
}
