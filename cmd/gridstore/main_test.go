package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// newTestConfig writes a configuration selecting a fresh SQLite database.
func newTestConfig(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "gridstore.toml")
	content := fmt.Sprintf(`
engine = "sqlite"
log_level = "error"

[sqlite]
path = %q
chunk_size_bytes = 8
`, filepath.Join(dir, "blobs.sqlite"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644), "writing config file")
	return path
}

func run(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()

	var stdout bytes.Buffer
	err := Run(context.Background(), append([]string{"-config", configPath}, args...), &stdout, io.Discard)
	return stdout.String(), err
}

func TestCLIWorkflow(t *testing.T) {
	configPath := newTestConfig(t)
	dir := t.TempDir()

	first := filepath.Join(dir, "first report.txt")
	second := filepath.Join(dir, "second.bin")
	require.NoError(t, os.WriteFile(first, []byte("the first file, spanning several chunks"), 0o644))
	require.NoError(t, os.WriteFile(second, []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, 0o644))

	out, err := run(t, configPath, "put", "-meta", `{"project":"apollo"}`, first, second)
	require.NoError(t, err, "put error")

	var created []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &created), "put prints the created records")
	require.Len(t, created, 2)
	require.Equal(t, "first report.txt", created[0]["filename"], "filename survives percent-encoding")
	require.Equal(t, "apollo", created[0]["project"])
	firstID := created[0]["_id"].(string)
	secondID := created[1]["_id"].(string)

	out, err = run(t, configPath, "count", "-where", `{"project":"apollo"}`)
	require.NoError(t, err, "count error")
	require.Equal(t, "2", strings.TrimSpace(out))

	out, err = run(t, configPath, "ls", "-limit", "1")
	require.NoError(t, err, "ls error")
	var listed []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Len(t, listed, 1)
	require.Equal(t, firstID, listed[0]["_id"])

	target := filepath.Join(dir, "downloaded.bin")
	_, err = run(t, configPath, "get", "-o", target, secondID)
	require.NoError(t, err, "get error")
	got, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)

	out, err = run(t, configPath, "get", "-o", "-", firstID)
	require.NoError(t, err)
	require.Equal(t, "the first file, spanning several chunks", out)

	out, err = run(t, configPath, "set", firstID, `{"status":"reviewed"}`)
	require.NoError(t, err, "set error")
	var updated map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &updated))
	require.Equal(t, "reviewed", updated["status"])
	require.Equal(t, "apollo", updated["project"])

	out, err = run(t, configPath, "show", firstID)
	require.NoError(t, err, "show error")
	require.Contains(t, out, `"status": "reviewed"`)

	_, err = run(t, configPath, "rm", firstID)
	require.NoError(t, err, "rm error")

	_, err = run(t, configPath, "show", firstID)
	require.Error(t, err, "removed record is gone")

	out, err = run(t, configPath, "count")
	require.NoError(t, err)
	require.Equal(t, "1", strings.TrimSpace(out))
}

func TestCLIErrors(t *testing.T) {
	configPath := newTestConfig(t)

	_, err := run(t, configPath)
	require.Error(t, err, "missing command")

	_, err = run(t, configPath, "frobnicate")
	require.Error(t, err, "unknown command")

	_, err = run(t, configPath, "put")
	require.Error(t, err, "put without files")

	_, err = run(t, configPath, "get", "not-an-id")
	require.Error(t, err, "invalid id")

	_, err = run(t, configPath, "ls", "-where", `{"broken"`)
	require.Error(t, err, "invalid where clause")

	_, err = run(t, configPath, "-log-level", "loud", "ls")
	require.Error(t, err, "invalid log level")
}
