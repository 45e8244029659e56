package tools

import (
	"os"
	"strings"
)

// credentialPrefix namespaces per-toolset secrets in the host environment:
//
//	TOOLHOST_TOOLS_WEB__BRAVE_API_KEY=xxx  → toolset "web", variable BRAVE_API_KEY
const credentialPrefix = "TOOLHOST_TOOLS_"

// envSetName maps a toolset name onto its environment form: upper case, with
// anything that is not a letter or digit replaced by '_'.
func envSetName(set string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(set) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// ToolsetCredentials returns the TOOLHOST_TOOLS_{SET}__{VAR} variables for set,
// keyed by bare variable name.
func ToolsetCredentials(set string) map[string]string {
	prefix := credentialPrefix + envSetName(set) + "__"
	creds := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, _ := strings.Cut(kv, "=")
		if name, ok := strings.CutPrefix(k, prefix); ok && name != "" {
			creds[name] = v
		}
	}
	return creds
}

// Credential looks up key for set: the namespaced variable wins over the bare one.
func Credential(set, key string) string {
	if v, ok := os.LookupEnv(credentialPrefix + envSetName(set) + "__" + key); ok {
		return v
	}
	return os.Getenv(key)
}

// BuildToolEnv builds the environment for a shell tool of set. It starts from
// the host environment with every TOOLHOST_* variable removed, then adds the
// set's own credentials under their bare names, then extra.
func BuildToolEnv(set string, extra map[string]string) []string {
	merged := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(k, "TOOLHOST_") {
			continue
		}
		merged[k] = v
	}
	for k, v := range ToolsetCredentials(set) {
		merged[k] = v
	}
	for k, v := range extra {
		if k != "" {
			merged[k] = v
		}
	}

	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	return env
}
