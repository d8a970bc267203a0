package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, k := range []string{"CIRCLES_PROFILE", "REDIS_ADDR", "OTEL_ENABLED", "LOCAL_ALIASES", "FRONTAL_SCHEME"} {
		t.Setenv(k, "")
	}
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("DATABASE_URL", filepath.Join(dir, "circles.db"))
	t.Setenv("KEY_FILE", filepath.Join(dir, "circles.key"))
	t.Setenv("LOCAL_INSTANCE", "cloud.example.net")
	return dir
}

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestKeygen(t *testing.T) {
	setupEnv(t)

	code, out, _ := run("keygen")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "https://cloud.example.net/.well-known/circles#main-key")

	code, _, errOut := run("keygen")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "already exists")

	code, _, _ = run("keygen", "--force")
	assert.Equal(t, 0, code)
}

func TestQueueCommands(t *testing.T) {
	setupEnv(t)
	code, _, _ := run("keygen")
	require.Equal(t, 0, code)

	code, out, errOut := run("retry", "asap")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "retry asap: done")

	code, out, errOut = run("cleanup", "--older-than", "1h")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "removed 0 wrappers")

	code, out, errOut = run("recompute", "alice")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "alice: 0 changes")
}

func TestLoopbackCommand(t *testing.T) {
	setupEnv(t)
	code, _, _ := run("keygen")
	require.Equal(t, 0, code)

	code, out, errOut := run("test")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "on cloud.example.net: ok")
}

func TestSubmitCommand(t *testing.T) {
	dir := setupEnv(t)
	code, _, _ := run("keygen")
	require.Equal(t, 0, code)

	file := filepath.Join(dir, "create.json")
	require.NoError(t, os.WriteFile(file, []byte(`{
		"class": "circle.create",
		"circle": {
			"name": "Team",
			"instance": "cloud.example.net",
			"initiator": {"single_id": "alice", "user_id": "alice", "user_type": 1, "instance": "cloud.example.net"}
		}
	}`), 0o600))

	code, out, errOut := run("submit", file)
	require.Equal(t, 0, code, errOut)
	var got struct {
		Outcome struct {
			Circle struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"circle"`
		} `json:"outcome"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "Team", got.Outcome.Circle.Name)
	require.NotEmpty(t, got.Outcome.Circle.ID)

	code, out, errOut = run("recompute", "alice")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "alice: 0 changes", "closure written by the submitted event")

	require.NoError(t, os.WriteFile(file, []byte(`{"class": "circle.create", "circle": {"name": "x",
		"initiator": {"single_id": "alice", "instance": "cloud.example.net"}}}`), 0o600))
	code, _, errOut = run("submit", file)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "shorter than")

	code, _, errOut = run("submit", filepath.Join(dir, "missing.json"))
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "missing.json")
}

func TestRetry_UnknownTier(t *testing.T) {
	setupEnv(t)

	code, _, errOut := run("retry", "weekly")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "weekly")
}

func TestCommandsNeedAKey(t *testing.T) {
	setupEnv(t)

	code, _, errOut := run("retry", "hourly")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "keygen")
}

func TestUnknownCommand(t *testing.T) {
	code, _, errOut := run("frobnicate")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "unknown command")
}
