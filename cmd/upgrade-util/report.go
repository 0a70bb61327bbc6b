package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vauxoo-dev/upgrade-util/pkg/report"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Review-document tools",
}

var reportPreviewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Render a sample review document",
	Long: `Preview renders the HTML document a run would produce, filled with
sample content, so the template and the SMTP delivery can be checked
without running a migration.`,
	RunE: runReportPreview,
}

func init() {
	reportCmd.AddCommand(reportPreviewCmd)
}

func runReportPreview(cmd *cobra.Command, args []string) error {
	col := report.NewCollector(logger)
	col.Add("Removed modules", "account_voucher is installed but no longer exists in this series")
	col.AddRecord("Defaults", "ir.default", 42, "credit_limit", "kept for review")
	col.AddHTML("Multi-company inconsistencies",
		"sale.order/analytic_account_id (2 records affected)<br>record #3 (company=1) -&gt; record #17 (company=2)")
	html, err := col.Render("sample")
	if err != nil {
		return err
	}
	fmt.Println(html)
	return nil
}
