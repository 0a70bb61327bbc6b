package main

import (
	"fmt"
	"html"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vauxoo-dev/upgrade-util/pkg/upgrade"
)

var (
	checkModel          string
	checkField          string
	checkModelCompany   string
	checkComodelCompany string
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Consistency checks against the instance metadata",
}

var checkCompanyCmd = &cobra.Command{
	Use:   "company",
	Short: "Report records whose company differs from the record they reference",
	RunE:  runCheckCompany,
}

func init() {
	checkCompanyCmd.Flags().StringVarP(&checkModel, "model", "m", "", "model to check (required)")
	checkCompanyCmd.Flags().StringVarP(&checkField, "field", "f", "", "relational field to follow (required)")
	checkCompanyCmd.Flags().StringVar(&checkModelCompany, "model-company-field", "", "company column on the model (default company_id)")
	checkCompanyCmd.Flags().StringVar(&checkComodelCompany, "comodel-company-field", "", "company column on the comodel (default company_id)")
	_ = checkCompanyCmd.MarkFlagRequired("model")
	_ = checkCompanyCmd.MarkFlagRequired("field")

	checkCmd.AddCommand(checkCompanyCmd)
}

func runCheckCompany(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	db, env, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	err = env.CheckCompanyConsistency(ctx, checkModel, checkField, upgrade.CheckCompanyConsistencyOptions{
		ModelCompanyField:   checkModelCompany,
		ComodelCompanyField: checkComodelCompany,
	})
	if err != nil {
		return err
	}

	rep := env.Report()
	if rep.Empty() {
		fmt.Println("no inconsistency found")
		return nil
	}
	for _, e := range rep.Entries() {
		msg := e.Message
		if e.HTML {
			// entries are written for the mail document
			msg = html.UnescapeString(strings.ReplaceAll(msg, "<br>", "\n  "))
		}
		fmt.Printf("%s:\n  %s\n", e.Category, msg)
	}
	return nil
}
