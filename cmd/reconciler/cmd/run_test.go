package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"golang-reconciliation-service/internal/gateway"
	"golang-reconciliation-service/internal/metrics"
	"golang-reconciliation-service/internal/models"
	"golang-reconciliation-service/internal/reconciler"
	"golang-reconciliation-service/internal/runlock"
	recerrors "golang-reconciliation-service/pkg/errors"
	"golang-reconciliation-service/pkg/logger"
)

// fakeService answers authenticate with uid and every execute_kw with
// records, or an empty list when records is nil.
type fakeService struct {
	uid       interface{}
	records   []interface{}
	onExecute func()
	calls     []string
}

func (f *fakeService) Call(service, method string, params ...interface{}) (interface{}, error) {
	f.calls = append(f.calls, service+"."+method)
	if service == gateway.ServiceCommon {
		return f.uid, nil
	}
	if f.onExecute != nil {
		f.onExecute()
	}
	if f.records == nil {
		return []interface{}{}, nil
	}
	return f.records, nil
}

func (f *fakeService) Close() error { return nil }

func newFakeGateway(services map[string]*fakeService) *gateway.Gateway {
	return gateway.New(gateway.Options{
		Dialer: func(endpoint string) (gateway.Transport, error) {
			svc, ok := services[endpoint]
			if !ok {
				return nil, errors.New("unknown endpoint")
			}
			return svc, nil
		},
		Sleep:  func(context.Context, time.Duration) error { return nil },
		Logger: logger.Discard(),
	})
}

func testReconciliation(name, url string) *models.ReconciliationConfig {
	cfg := models.DefaultReconciliationConfig()
	cfg.Name = name
	cfg.URL = url
	cfg.Database = "prod"
	cfg.Username = "bot"
	cfg.Password = "secret"
	cfg.JournalID = 7
	cfg.TargetAccountID = 101
	cfg.CreditAccountID = 101
	cfg.DebitAccountID = 202
	cfg.StartDate = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	cfg.EndDate = time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)
	cfg.Tolerance = decimal.RequireFromString("0.01")
	return cfg
}

func TestExecuteRuns(t *testing.T) {
	good := &fakeService{uid: int64(7)}
	rejected := &fakeService{uid: false}
	gw := newFakeGateway(map[string]*fakeService{
		"https://good.example.com": good,
		"https://bad.example.com":  rejected,
	})

	var notify bytes.Buffer
	env := &runEnvironment{
		connect: reconciler.GatewayConnector(gw),
		locker:  runlock.NoopLocker{},
		metrics: metrics.New(),
		logger:  logger.Discard(),
		notify:  &notify,
	}

	configs := []*models.ReconciliationConfig{
		testReconciliation("bad", "https://bad.example.com"),
		testReconciliation("good", "https://good.example.com"),
	}

	reports, err := executeRuns(context.Background(), env, configs)
	rerr, ok := recerrors.AsReconcilerError(err)
	if !ok || rerr.Category != recerrors.CategoryAuthentication {
		t.Fatalf("expected the authentication failure to be returned, got %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("expected both reconciliations to run, got %d reports", len(reports))
	}
	if reports[0].Error == "" || !reports[1].Completed() {
		t.Errorf("unexpected reports %+v / %+v", reports[0], reports[1])
	}

	output := notify.String()
	if !strings.Contains(output, "[FAILED] bad:") {
		t.Errorf("expected failure notification, got:\n%s", output)
	}
	if !strings.Contains(output, "[OK] good: Reconciled: 0, Not reconciled: 0") {
		t.Errorf("expected success notification, got:\n%s", output)
	}

	expectedCalls := []string{"common.authenticate", "object.execute_kw"}
	if strings.Join(good.calls, ",") != strings.Join(expectedCalls, ",") {
		t.Errorf("expected calls %v, got %v", expectedCalls, good.calls)
	}
}

func TestExecuteRunsStopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc := &fakeService{
		uid:       int64(7),
		records:   []interface{}{map[string]interface{}{"id": int64(11)}},
		onExecute: cancel,
	}
	gw := newFakeGateway(map[string]*fakeService{"https://good.example.com": svc})
	env := &runEnvironment{
		connect: reconciler.GatewayConnector(gw),
		logger:  logger.Discard(),
		notify:  &bytes.Buffer{},
	}

	configs := []*models.ReconciliationConfig{
		testReconciliation("first", "https://good.example.com"),
		testReconciliation("second", "https://good.example.com"),
	}
	reports, err := executeRuns(ctx, env, configs)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("expected the batch to stop after the first run, got %d reports", len(reports))
	}
	if reports[0].Found != 1 || len(reports[0].Outcomes) != 0 {
		t.Errorf("expected 1 found line and no outcome, got %d/%d", reports[0].Found, len(reports[0].Outcomes))
	}
}

func TestCheckCredentials(t *testing.T) {
	gw := newFakeGateway(map[string]*fakeService{
		"https://good.example.com": {uid: int64(9)},
		"https://bad.example.com":  {uid: int64(0)},
	})

	var out bytes.Buffer
	err := checkCredentials(context.Background(), gw, []*models.ReconciliationConfig{
		testReconciliation("good", "https://good.example.com"),
	}, &out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.String(), "OK   good") || !strings.Contains(out.String(), "uid 9") {
		t.Errorf("unexpected output %q", out.String())
	}

	out.Reset()
	err = checkCredentials(context.Background(), gw, []*models.ReconciliationConfig{
		testReconciliation("bad", "https://bad.example.com"),
		testReconciliation("good", "https://good.example.com"),
	}, &out)
	if gateway.Classify(err) != recerrors.CategoryAuthentication {
		t.Errorf("expected authentication error, got %v", err)
	}
	if strings.Contains(out.String(), "OK") {
		t.Errorf("expected check to stop at the first failure, got %q", out.String())
	}
}

func TestValidateRunFlags(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name          string
		setupFlags    func()
		expectError   bool
		errorContains string
	}{
		{
			name: "valid flags",
			setupFlags: func() {
				viper.Set("output-format", "json")
				viper.Set("output-file", filepath.Join(tmpDir, "report.json"))
			},
			expectError: false,
		},
		{
			name: "invalid output format",
			setupFlags: func() {
				viper.Set("output-format", "xml")
			},
			expectError:   true,
			errorContains: "invalid output format",
		},
		{
			name: "missing output directory",
			setupFlags: func() {
				viper.Set("output-format", "console")
				viper.Set("output-file", "/non/existent/dir/report.txt")
			},
			expectError:   true,
			errorContains: "output directory does not exist",
		},
		{
			name: "missing metrics directory",
			setupFlags: func() {
				viper.Set("output-format", "console")
				viper.Set("metrics-file", "/non/existent/dir/reconciler.prom")
			},
			expectError:   true,
			errorContains: "output directory does not exist",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			viper.Reset()
			lockTTL = reconciler.DefaultLockTTL
			tt.setupFlags()

			err := validateRunFlags(&cobra.Command{}, []string{})

			if tt.expectError {
				if err == nil {
					t.Errorf("expected error but got none")
				} else if tt.errorContains != "" && !strings.Contains(err.Error(), tt.errorContains) {
					t.Errorf("expected error to contain '%s', got: %v", tt.errorContains, err)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}

	viper.Reset()
	lockTTL = -time.Second
	viper.Set("output-format", "console")
	if err := validateRunFlags(&cobra.Command{}, nil); err == nil {
		t.Error("expected error for negative lock ttl")
	}
	lockTTL = reconciler.DefaultLockTTL
}

func TestRunCommandHelp(t *testing.T) {
	cmd := runCmd

	for _, name := range []string{"name", "output-format", "output-file", "metrics-file", "redis-addr", "lock-ttl", "progress"} {
		if cmd.Flags().Lookup(name) == nil {
			t.Errorf("%s flag not found", name)
		}
	}

	var helpOutput bytes.Buffer
	cmd.SetOut(&helpOutput)
	cmd.Help()

	helpText := helpOutput.String()
	expectedSections := []string{
		"Usage:",
		"Examples:",
		"Flags:",
		"--output-format",
		"--redis-addr",
		"--config",
	}
	for _, section := range expectedSections {
		if !strings.Contains(helpText, section) {
			t.Errorf("help text should contain '%s'", section)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)

	if !strings.Contains(out.String(), "reconciler dev") {
		t.Errorf("unexpected version output %q", out.String())
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("TEST_RECONCILER_ENV_SECRET=s3cret\n"), 0600); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("TEST_RECONCILER_ENV_SECRET") })

	if err := loadEnvFile(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := os.Getenv("TEST_RECONCILER_ENV_SECRET"); got != "s3cret" {
		t.Errorf("expected s3cret, got %q", got)
	}

	if err := loadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("expected a missing env file to be ignored, got %v", err)
	}
}

func TestCLIErrorHandler(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		exitCode int
		contains string
	}{
		{
			name:     "authentication",
			err:      recerrors.AuthenticationError("https://erp.example.com", "prod", "bot"),
			exitCode: 5,
			contains: "reconciler check",
		},
		{
			name:     "rate limit",
			err:      &gateway.ProtocolError{Code: 429, Status: "429 Too Many Requests"},
			exitCode: 6,
			contains: "even after retrying",
		},
		{
			name:     "protocol",
			err:      &gateway.ProtocolError{Code: 502, Status: "502 Bad Gateway"},
			exitCode: 6,
			contains: "(code 502)",
		},
		{
			name:     "configuration",
			err:      recerrors.ConfigurationError(recerrors.CodeMissingConfig, "reconciliations", nil, nil),
			exitCode: 4,
			contains: "Configuration error help",
		},
		{
			name:     "permission",
			err:      os.ErrPermission,
			exitCode: 2,
			contains: "Permission denied",
		},
		{
			name:     "unexpected",
			err:      errors.New("boom"),
			exitCode: 7,
			contains: "boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			h := &CLIErrorHandler{logger: logger.Discard(), out: &out}

			if code := h.HandleError(tt.err); code != tt.exitCode {
				t.Errorf("expected exit code %d, got %d", tt.exitCode, code)
			}
			if !strings.Contains(out.String(), tt.contains) {
				t.Errorf("expected output to contain %q, got:\n%s", tt.contains, out.String())
			}
		})
	}

	if code := (&CLIErrorHandler{logger: logger.Discard(), out: &bytes.Buffer{}}).HandleError(nil); code != 0 {
		t.Errorf("expected exit code 0 for nil error, got %d", code)
	}
}
