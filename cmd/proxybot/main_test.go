package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/circlerelay/proxybot/internal/lockfile"
	"github.com/circlerelay/proxybot/internal/ui"
)

const sampleExport = `{
  "relays": {"support": {"username": "bob", "display_name": "Bob", "chat_id": "2"}},
  "pending": {"carl": ["ops", "support"]},
  "requesters": {"zoe": {"display_name": "Zoe", "chat_id": 9}}
}`

var ansi = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// execute runs the root command with args and returns stdout. Flag
// variables persist between runs, so every call passes the flags it
// depends on.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	dumpFormat, exportFormat, exportOut, importFormat = "text", "", "", ""
	configInitForce, versionJSON, dumpNoPager = false, false, false
	err := rootCmd.Execute()
	return ansi.ReplaceAllString(out.String(), ""), err
}

func setupEnv(t *testing.T) string {
	t.Helper()
	ui.DisableColor()
	t.Chdir(t.TempDir())
	for _, k := range []string{"ONBOARD_KEY", "BOT_TOKEN", "TRANSPORT", "STORAGE_DIR", "STORAGE_BACKEND", "ADMINS"} {
		t.Setenv("PROXYBOT_"+k, "")
		require.NoError(t, os.Unsetenv("PROXYBOT_"+k))
	}
	t.Setenv("PROXYBOT_NO_PAGER", "1")
	return filepath.Join(t.TempDir(), "data")
}

func TestImportDumpExport(t *testing.T) {
	data := setupEnv(t)
	src := filepath.Join(t.TempDir(), "backup.json")
	require.NoError(t, os.WriteFile(src, []byte(sampleExport), 0o600))

	out, err := execute(t, "import", src, "--data-dir", data, "--backend", "json")
	require.NoError(t, err)
	assert.Contains(t, out, "Imported")
	assert.Contains(t, out, "relays     0 -> 1")

	out, err = execute(t, "dump", "--data-dir", data, "--backend", "json", "--format", "json")
	require.NoError(t, err)
	var doc map[string]map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	assert.Contains(t, doc["relays"], "support")
	assert.Contains(t, doc["pending"], "carl")
	assert.Contains(t, doc["requesters"], "zoe")

	out, err = execute(t, "dump", "--data-dir", data, "--backend", "json", "--format", "text")
	require.NoError(t, err)
	assert.Contains(t, out, "RELAYS")
	assert.Contains(t, out, "@carl awaiting ops, support")

	yml := filepath.Join(t.TempDir(), "backup.yaml")
	_, err = execute(t, "export", "--data-dir", data, "--backend", "json", "--out", yml)
	require.NoError(t, err)
	body, err := os.ReadFile(yml)
	require.NoError(t, err)
	assert.Contains(t, string(body), "support:")

	// The sqlite backend accepts the same document.
	sqliteData := filepath.Join(t.TempDir(), "sqlite")
	_, err = execute(t, "import", yml, "--data-dir", sqliteData, "--backend", "sqlite")
	require.NoError(t, err)
	out, err = execute(t, "export", "--data-dir", sqliteData, "--backend", "sqlite", "--format", "json")
	require.NoError(t, err)
	assert.JSONEq(t, mustDump(t, data), out)
}

func mustDump(t *testing.T, data string) string {
	t.Helper()
	out, err := execute(t, "export", "--data-dir", data, "--backend", "json", "--format", "json")
	require.NoError(t, err)
	return out
}

func TestImportRefusesWhileLocked(t *testing.T) {
	data := setupEnv(t)
	src := filepath.Join(t.TempDir(), "backup.json")
	require.NoError(t, os.WriteFile(src, []byte(sampleExport), 0o600))

	lock, err := lockfile.Acquire(data, lockfile.LockInfo{Command: "run"})
	require.NoError(t, err)
	defer func() { _ = lock.Release() }()

	_, err = execute(t, "import", src, "--data-dir", data, "--backend", "json")
	require.Error(t, err)
	assert.True(t, errors.Is(err, lockfile.ErrLockBusy))
}

func TestImportRejectsInvalidDocument(t *testing.T) {
	data := setupEnv(t)
	src := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(src, []byte(`{"pending": {"carl": []}}`), 0o600))

	_, err := execute(t, "import", src, "--data-dir", data, "--backend", "json")
	require.Error(t, err)
}

func TestCheck(t *testing.T) {
	data := setupEnv(t)

	out, err := execute(t, "check", "--data-dir", data, "--backend", "json")
	var ee *exitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 2, ee.code)
	assert.Contains(t, out, "✗ config")
	assert.Contains(t, out, "onboard_key is required")

	t.Setenv("PROXYBOT_ONBOARD_KEY", "s3cret")
	t.Setenv("PROXYBOT_BOT_TOKEN", "123:abc")
	out, err = execute(t, "check", "--data-dir", data, "--backend", "json")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ config")
	assert.Contains(t, out, "✓ lock: free")
	assert.Contains(t, out, "✓ store: json in "+data+": 0 relays")
}

func TestCheckReportsStaleLockRecord(t *testing.T) {
	data := setupEnv(t)
	t.Setenv("PROXYBOT_ONBOARD_KEY", "s3cret")
	t.Setenv("PROXYBOT_BOT_TOKEN", "123:abc")
	require.NoError(t, os.MkdirAll(data, 0o750))
	require.NoError(t, os.WriteFile(lockfile.Path(data), []byte(`{"pid": -1, "command": "run"}`), 0o600))

	out, err := execute(t, "check", "--data-dir", data, "--backend", "json")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ lock: free (pid -1 exited without releasing it")
}

func TestConfigInitAndShow(t *testing.T) {
	setupEnv(t)

	out, err := execute(t, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote proxybot.yaml")
	_, err = execute(t, "config", "init")
	require.Error(t, err, "refuses to overwrite")
	_, err = execute(t, "config", "init", "--force")
	require.NoError(t, err)

	t.Setenv("PROXYBOT_ONBOARD_KEY", "supersecret")
	out, err = execute(t, "config", "show", "--data-dir", "/srv/proxybot")
	require.NoError(t, err)
	assert.Contains(t, out, "# from proxybot.yaml")
	assert.Contains(t, out, "su******et")
	assert.NotContains(t, out, "supersecret")
	assert.Contains(t, out, "/srv/proxybot")
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "proxybot version "+Version))

	out, err = execute(t, "version", "--json")
	require.NoError(t, err)
	var v map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Equal(t, Version, v["version"])
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, "warn", "json")
	log.Info("hidden")
	log.Warn("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	buf.Reset()
	newLogger(&buf, "bogus", "text").Info("fallback")
	assert.Contains(t, buf.String(), "msg=fallback")
}
