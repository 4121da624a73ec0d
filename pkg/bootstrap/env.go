package bootstrap

import (
	"fmt"
	"log/slog"
	"strings"
)

const envLogPrefix = "bootstrap:env"

// DaemonEnvPrefix marks environment entries that pre-seed a worker.
const DaemonEnvPrefix = "DAEMON_"

// reservedDaemonKeys are gateway settings that share the DAEMON_ prefix.
var reservedDaemonKeys = map[string]bool{
	"DAEMON_CALL_TIMEOUT":    true,
	"DAEMON_CONFLICT_POLICY": true,
	"DAEMON_PROTOCOL":        true,
	"DAEMON_REQUIRE_KNOWN":   true,
}

// NormalizeDaemonName lower-cases a worker name and maps underscores to hyphens.
func NormalizeDaemonName(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "_", "-")
}

// DaemonsFromEnv extracts DAEMON_<NAME>=<token> entries from environ (as
// returned by os.Environ). Entries with an empty name or token are skipped.
func DaemonsFromEnv(environ []string) map[string]string {
	out := make(map[string]string)
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, DaemonEnvPrefix) || reservedDaemonKeys[key] {
			continue
		}
		name := NormalizeDaemonName(strings.TrimPrefix(key, DaemonEnvPrefix))
		if name == "" || value == "" {
			slog.Warn(fmt.Sprintf("%s - skipping incomplete daemon entry %s", envLogPrefix, key))
			continue
		}
		out[name] = value
	}
	return out
}
