package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/mailpilot/internal/config"
	"github.com/xkilldash9x/mailpilot/internal/observability"
)

// resetForTest gives each test a fresh logger and an environment free of overrides.
func resetForTest(t *testing.T) {
	t.Helper()
	observability.ResetForTest()
	t.Cleanup(observability.ResetForTest)
	for _, key := range []string{"MAILPILOT_AGENT_PROVIDER", "MAILPILOT_AGENT_MAX_STEPS", "MAILPILOT_BROWSER_HEADLESS", "MAILPILOT_GEMINI_API_KEY", "GEMINI_API_KEY"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

// createTempConfig writes a config file whose storage paths all live under a temp dir.
func createTempConfig(t *testing.T, extra string) (path string, dir string) {
	t.Helper()
	dir = t.TempDir()
	content := fmt.Sprintf(`
logger:
  level: fatal
session:
  dir: %s
journal:
  type: sqlite
  sqlite_path: %s
browser:
  screenshots_dir: %s
%s`, filepath.Join(dir, "sessions"), filepath.Join(dir, "journal.db"), filepath.Join(dir, "screenshots"), extra)

	path = filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path, dir
}

// executeCommand runs a fresh command tree and returns what it wrote.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(bytes.NewReader(nil))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// captureConfig runs args with the named subcommand's RunE replaced by one
// that records the loaded configuration.
func captureConfig(t *testing.T, sub string, args ...string) (*config.Config, error) {
	t.Helper()
	root := NewRootCommand()
	target, _, err := root.Find([]string{sub})
	require.NoError(t, err)

	var captured *config.Config
	target.RunE = func(cmd *cobra.Command, _ []string) error {
		cfg, err := getConfigFromContext(cmd.Context())
		captured = cfg
		return err
	}
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{sub}, args...))
	err = root.ExecuteContext(context.Background())
	return captured, err
}
