package engine

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// Credentials is the per-profile environment an engine run needs to
// authenticate as the active profile.
type Credentials struct {
	// ConfigDir becomes CLAUDE_CONFIG_DIR so the engine reads this
	// profile's state instead of the user default.
	ConfigDir string

	// Token, when set, is passed as CLAUDE_CODE_OAUTH_TOKEN.
	Token string
}

// BuildEnv assembles the environment for an engine run: the parent
// environment minus npm noise, unbuffered-output flags, the engine's
// manifest env, per-task overrides, and finally profile credentials.
// Later layers win.
func BuildEnv(e *Engine, overrides map[string]string, creds *Credentials) []string {
	base := make(map[string]string, len(os.Environ()))
	for _, entry := range os.Environ() {
		eq := strings.IndexByte(entry, '=')
		if eq < 0 {
			continue
		}
		key := entry[:eq]
		if isNpmEnvVar(key) {
			continue
		}
		base[key] = entry[eq+1:]
	}

	// The engine's output is consumed line-by-line; buffering on the
	// child side would delay marker delivery.
	base["PYTHONUNBUFFERED"] = "1"
	base["PYTHONIOENCODING"] = "utf-8"

	for k, v := range e.Env {
		base[k] = v
	}
	for k, v := range overrides {
		base[k] = v
	}

	if creds != nil {
		if creds.ConfigDir != "" {
			base["CLAUDE_CONFIG_DIR"] = creds.ConfigDir
		}
		if creds.Token != "" {
			base["CLAUDE_CODE_OAUTH_TOKEN"] = creds.Token
		}
	}

	merged := make([]string, 0, len(base))
	for k, v := range base {
		merged = append(merged, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(merged)
	return merged
}

// isNpmEnvVar reports whether key is npm bookkeeping that triggers
// warnings when inherited by npx-launched tools.
func isNpmEnvVar(key string) bool {
	for _, prefix := range []string{
		"npm_config_",
		"npm_package_",
		"npm_lifecycle_",
		"npm_execpath",
		"npm_node_execpath",
	} {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}
