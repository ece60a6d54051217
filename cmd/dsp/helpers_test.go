package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func writeTestFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0644)
}

// writeSQLiteConfig writes a minimal sqlite config into a temp dir and
// returns its path. The database file lives alongside it.
func writeSQLiteConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "despacho.yaml")
	cfg := fmt.Sprintf(`
owner: testuser
db:
  driver: sqlite
  path: %s
`, filepath.Join(dir, "despacho.db"))
	if err := writeTestFile(cfgPath, cfg); err != nil {
		t.Fatal(err)
	}
	return cfgPath
}

// runCommand executes the root command with args and returns its output.
func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// initDB runs dsp db init against the given config and fails the test on
// error.
func initDB(t *testing.T, cfgPath string) {
	t.Helper()
	if out, err := runCommand(t, "db", "init", "--config", cfgPath); err != nil {
		t.Fatalf("db init failed: %v\noutput: %s", err, out)
	}
}
