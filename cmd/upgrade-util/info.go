package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show database identity and module inventory",
	RunE:  runInfo,
}

func runInfo(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	db, env, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	uuid, err := env.DBUUID(ctx)
	if err != nil {
		return err
	}
	saas, err := env.IsSaaS(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("database: %s\n", dbName)
	fmt.Printf("series:   %s\n", env.Version())
	fmt.Printf("dbuuid:   %s\n", uuid)
	fmt.Printf("saas:     %t\n", saas)

	rows, err := db.QueryContext(ctx, `
        SELECT state, count(*)
          FROM ir_module_module
      GROUP BY state
      ORDER BY state
    `)
	if err != nil {
		return err
	}
	defer rows.Close()
	fmt.Println("modules:")
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return err
		}
		fmt.Printf("  %-14s %d\n", state, n)
	}
	return rows.Err()
}
