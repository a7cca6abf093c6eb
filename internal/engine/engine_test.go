package engine

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingManifestFallsBack(t *testing.T) {
	m, err := Load(filepath.Join(t.TempDir(), "engines.yaml"))
	require.NoError(t, err)
	require.Len(t, m.Engines, 1)
	assert.Equal(t, "claude", m.Engines[0].Name)
	assert.True(t, m.Engines[0].Markers)
}

func TestLoadManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engines.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engines:
  - name: claude
    command: claude
    args: ["--print"]
    markers: true
  - name: aider
    command: aider
    env:
      AIDER_NO_AUTO_COMMITS: "1"
    markers: false
`), 0o644))

	m, err := Load(path)
	require.NoError(t, err)
	require.Len(t, m.Engines, 2)

	e, err := m.Resolve("aider")
	require.NoError(t, err)
	assert.False(t, e.Markers)
	assert.Equal(t, "1", e.Env["AIDER_NO_AUTO_COMMITS"])

	_, err = m.Resolve("nope")
	assert.Error(t, err)

	// Empty name resolves to the first engine.
	e, err = m.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "claude", e.Name)
}

func TestLoadManifestValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engines.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engines:
  - name: claude
    command: claude
  - name: claude
    command: other
`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestBuildEnv(t *testing.T) {
	t.Setenv("npm_config_registry", "https://example.invalid")
	t.Setenv("KEEP_ME", "yes")

	e := &Engine{Name: "claude", Command: "claude", Env: map[string]string{"FROM_MANIFEST": "a"}}
	env := BuildEnv(e, map[string]string{"FROM_TASK": "b", "FROM_MANIFEST": "override"}, &Credentials{
		ConfigDir: "/tmp/profiles/default",
		Token:     "tok",
	})

	got := make(map[string]string, len(env))
	for _, entry := range env {
		k, v, ok := strings.Cut(entry, "=")
		require.True(t, ok)
		got[k] = v
	}

	assert.NotContains(t, got, "npm_config_registry")
	assert.Equal(t, "yes", got["KEEP_ME"])
	assert.Equal(t, "1", got["PYTHONUNBUFFERED"])
	assert.Equal(t, "utf-8", got["PYTHONIOENCODING"])
	assert.Equal(t, "override", got["FROM_MANIFEST"], "task overrides beat manifest env")
	assert.Equal(t, "b", got["FROM_TASK"])
	assert.Equal(t, "/tmp/profiles/default", got["CLAUDE_CONFIG_DIR"])
	assert.Equal(t, "tok", got["CLAUDE_CODE_OAUTH_TOKEN"])
}
