package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"golang-reconciliation-service/cmd/reconciler/config"
	"golang-reconciliation-service/internal/gateway"
	"golang-reconciliation-service/internal/models"
	"golang-reconciliation-service/pkg/logger"
)

var checkNames []string

// checkCmd authenticates against every selected endpoint without touching
// any record.
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check the credentials of the configured reconciliations",
	Long: `Check authenticates against the accounting service of each configured
reconciliation and reports the user id it was given. No record is read or
written.

Examples:
  reconciler check --config reconciler.yaml
  reconciler check --config reconciler.yaml --name "main bank"`,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)

	checkCmd.Flags().StringSliceVarP(&checkNames, "name", "n", nil, "reconciliation names to check (default: all)")
}

func runCheck(cmd *cobra.Command, args []string) error {
	appCfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	configs, err := appCfg.Select(checkNames)
	if err != nil {
		return err
	}

	policy := appCfg.RetryPolicy()
	gw := gateway.New(gateway.Options{
		RetryPolicy: &policy,
		Timeout:     appCfg.Gateway.Timeout,
		Logger:      logger.GetGlobalLogger(),
	})
	return checkCredentials(cmd.Context(), gw, configs, cmd.OutOrStdout())
}

// checkCredentials authenticates each config in turn and stops at the first
// failure.
func checkCredentials(ctx context.Context, gw *gateway.Gateway, configs []*models.ReconciliationConfig, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for _, cfg := range configs {
		session, err := gw.Authenticate(ctx, gateway.Credentials{
			Endpoint: cfg.URL,
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		})
		if err != nil {
			fmt.Fprintf(out, "FAIL %s (%s, db %s)\n", cfg.Name, cfg.URL, cfg.Database)
			return err
		}
		fmt.Fprintf(out, "OK   %s (%s, db %s) uid %d\n", cfg.Name, session.Endpoint, session.Database, session.UID)
		session.Close()
	}
	return nil
}
