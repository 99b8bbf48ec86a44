package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"golang-reconciliation-service/cmd/reconciler/config"
	"golang-reconciliation-service/pkg/logger"
)

var (
	cfgFile   string
	envFile   string
	verbose   bool
	logFormat string
	logLevel  string
	version   = "dev"
	commit    = "unknown"
	date      = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "reconciler",
	Short: "Bank statement reconciliation against a remote ledger",
	Long: `Reconciler matches unreconciled bank statement lines with open ledger lines
on a remote accounting service over XML-RPC, links the matched entries and marks
the bank lines reconciled.

Each entry under "reconciliations" in the config file describes one journal,
date range and set of accounts. Passwords can be kept out of the file with
password_env and a .env file.

Examples:
  reconciler run --config reconciler.yaml
  reconciler run --config reconciler.yaml --name "main bank" --output-format json
  reconciler check --config reconciler.yaml
  reconciler version`,
	Version:           getVersionString(),
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setupLogging,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./reconciler.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with secrets (optional)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text, json")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")

	// Bind flags to viper
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// initConfig reads in the dotenv file, the config file and ENV variables.
func initConfig() {
	if err := loadEnvFile(envFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error reading env file: %s\n", err)
		os.Exit(1)
	}

	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("reconciler")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.config/reconciler")
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "Error reading config file: %s\n", err)
			os.Exit(1)
		}
	} else if viper.GetBool("verbose") {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}

	// Read environment variables that match
	config.ApplyEnv(viper.GetViper())
}

// loadEnvFile loads path into the environment. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// setupLogging installs the global logger from the config file and flags.
func setupLogging(cmd *cobra.Command, args []string) error {
	settings := config.DefaultAppConfig().Log
	if level := viper.GetString("log.level"); level != "" {
		settings.Level = level
	}
	if format := viper.GetString("log.format"); format != "" {
		settings.Format = format
	}

	app := &config.AppConfig{Log: settings}
	log, err := logger.NewLogger(app.LoggerConfig(logLevel, logFormat, viper.GetBool("verbose")))
	if err != nil {
		return err
	}
	logger.SetGlobalLogger(log)
	return nil
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

func getVersionString() string {
	if version == "dev" {
		return fmt.Sprintf("%s (commit %s, built %s)", version, commit, date)
	}
	return version
}
