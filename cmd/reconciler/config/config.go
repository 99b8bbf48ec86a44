package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"golang-reconciliation-service/internal/gateway"
	"golang-reconciliation-service/internal/models"
	"golang-reconciliation-service/internal/reporter"
	"golang-reconciliation-service/pkg/errors"
	"golang-reconciliation-service/pkg/logger"
)

// GatewaySettings tunes the XML-RPC client.
type GatewaySettings struct {
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
}

// RedisSettings locates the Redis server used for the run lock. An empty
// address disables locking.
type RedisSettings struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

// LogSettings selects the log level and format.
type LogSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AppConfig is the whole configuration file.
type AppConfig struct {
	Reconciliations []*models.ReconciliationConfig `mapstructure:"-"`
	Gateway         GatewaySettings                `mapstructure:"gateway"`
	Redis           RedisSettings                  `mapstructure:"redis"`
	Log             LogSettings                    `mapstructure:"log"`
}

// DefaultAppConfig returns the settings used when the file omits them.
func DefaultAppConfig() *AppConfig {
	policy := gateway.DefaultRetryPolicy()
	return &AppConfig{
		Gateway: GatewaySettings{
			Timeout:    gateway.DefaultTimeout,
			MaxRetries: policy.MaxRetries,
			BaseDelay:  policy.BaseDelay,
		},
		Log: LogSettings{
			Level:  string(logger.InfoLevel),
			Format: string(logger.TextFormat),
		},
	}
}

// Load reads the configuration held by v. Passwords named by password_env are
// resolved from the environment.
func Load(v *viper.Viper) (*AppConfig, error) {
	cfg := DefaultAppConfig()

	for _, section := range []struct {
		name   string
		keys   []string
		target interface{}
	}{
		{"gateway", []string{"timeout", "max_retries", "base_delay"}, &cfg.Gateway},
		{"redis", []string{"addr", "password", "db", "lock_ttl"}, &cfg.Redis},
		{"log", []string{"level", "format"}, &cfg.Log},
	} {
		if err := decodeSection(v, section.name, section.keys, section.target); err != nil {
			return nil, errors.ConfigurationError(errors.CodeInvalidConfig, section.name, nil, err)
		}
	}

	entries, err := reconciliationEntries(v.Get("reconciliations"))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(entries))
	for i, entry := range entries {
		rc, err := decodeReconciliation(i, entry)
		if err != nil {
			return nil, err
		}
		if seen[rc.Name] {
			return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "reconciliations.name", rc.Name, nil).
				WithSuggestion("Give every reconciliation a unique name")
		}
		seen[rc.Name] = true
		cfg.Reconciliations = append(cfg.Reconciliations, rc)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// EnvPrefix prefixes environment overrides, e.g. RECONCILER_REDIS_ADDR for
// redis.addr.
const EnvPrefix = "RECONCILER"

// ApplyEnv makes v read overrides from RECONCILER_* variables. Dots and
// dashes in keys map to underscores.
func ApplyEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

// decodeSection decodes the known keys of a settings section into target.
// Each key is read on its own so environment overrides of nested keys apply
// even when the file has no such section.
func decodeSection(v *viper.Viper, section string, keys []string, target interface{}) error {
	values := make(map[string]interface{}, len(keys))
	for _, key := range keys {
		full := section + "." + key
		if err := v.BindEnv(full); err != nil {
			return err
		}
		if v.IsSet(full) {
			values[key] = v.Get(full)
		}
	}
	if len(values) == 0 {
		return nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		Result:           target,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(values)
}

func reconciliationEntries(raw interface{}) ([]interface{}, error) {
	switch entries := raw.(type) {
	case nil:
		return nil, nil
	case []interface{}:
		return entries, nil
	case []map[string]interface{}:
		out := make([]interface{}, len(entries))
		for i, entry := range entries {
			out[i] = entry
		}
		return out, nil
	default:
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "reconciliations", fmt.Sprintf("%T", raw), nil).
			WithSuggestion("reconciliations must be a list of entries")
	}
}

func decodeReconciliation(index int, entry interface{}) (*models.ReconciliationConfig, error) {
	rc := models.DefaultReconciliationConfig()
	if err := models.DecodeRecord(entry, rc); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, fmt.Sprintf("reconciliations[%d]", index), nil, err)
	}

	if strings.TrimSpace(rc.Name) == "" {
		rc.Name = fmt.Sprintf("reconciliation-%d", index+1)
	}
	if rc.PasswordEnv != "" {
		password, ok := os.LookupEnv(rc.PasswordEnv)
		if !ok {
			return nil, errors.ConfigurationError(errors.CodeMissingConfig, rc.PasswordEnv, nil, nil).
				WithContext("config", rc.Name).
				WithSuggestion("Export the variable or add it to the .env file")
		}
		rc.Password = password
	}
	rc.URL = strings.TrimRight(strings.TrimSpace(rc.URL), "/")
	return rc, nil
}

// Validate checks the loaded settings. Each reconciliation is validated
// again by the orchestrator before it runs.
func (c *AppConfig) Validate() error {
	if c.Gateway.MaxRetries < 0 {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "gateway.max_retries", c.Gateway.MaxRetries, nil)
	}
	if c.Gateway.BaseDelay < 0 {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "gateway.base_delay", c.Gateway.BaseDelay, nil)
	}
	if c.Gateway.Timeout < 0 {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "gateway.timeout", c.Gateway.Timeout, nil)
	}
	for _, rc := range c.Reconciliations {
		if err := rc.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Select returns the reconciliations with the given names, in file order.
// No names selects all of them.
func (c *AppConfig) Select(names []string) ([]*models.ReconciliationConfig, error) {
	if len(c.Reconciliations) == 0 {
		return nil, errors.ConfigurationError(errors.CodeMissingConfig, "reconciliations", nil, nil).
			WithSuggestion("Add at least one entry under reconciliations in the config file")
	}
	if len(names) == 0 {
		return c.Reconciliations, nil
	}

	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	var selected []*models.ReconciliationConfig
	for _, rc := range c.Reconciliations {
		if wanted[rc.Name] {
			selected = append(selected, rc)
			delete(wanted, rc.Name)
		}
	}
	if len(wanted) > 0 {
		missing := make([]string, 0, len(wanted))
		for _, name := range names {
			if wanted[name] {
				missing = append(missing, name)
			}
		}
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "name", strings.Join(missing, ","), nil).
			WithSuggestion("Use one of the names listed under reconciliations")
	}
	return selected, nil
}

// RetryPolicy returns the gateway retry policy.
func (c *AppConfig) RetryPolicy() gateway.RetryPolicy {
	return gateway.RetryPolicy{
		MaxRetries: c.Gateway.MaxRetries,
		BaseDelay:  c.Gateway.BaseDelay,
	}
}

// LoggerConfig builds the logger configuration, with overrides from flags.
func (c *AppConfig) LoggerConfig(level, format string, verbose bool) *logger.Config {
	lc := logger.DefaultConfig()
	if c.Log.Level != "" {
		lc.Level = logger.Level(c.Log.Level)
	}
	if c.Log.Format != "" {
		lc.Format = logger.Format(c.Log.Format)
	}
	if level != "" {
		lc.Level = logger.Level(level)
	}
	if format != "" {
		lc.Format = logger.Format(format)
	}
	if verbose {
		lc.Level = logger.DebugLevel
	}
	return lc
}

// CreateReportConfig creates a report configuration for the specified output format
func CreateReportConfig(format string, verbose bool) *reporter.ReportConfig {
	config := reporter.DefaultReportConfig()

	switch format {
	case "json":
		config.Format = reporter.FormatJSON
		config.IncludeSagaSteps = true
	case "csv":
		config.Format = reporter.FormatCSV
		config.CSVHeaders = true
		config.CSVDelimiter = ','
		config.SortByLineID = true
	default:
		config.Format = reporter.FormatConsole
		config.IncludeSagaSteps = verbose
	}

	return config
}
