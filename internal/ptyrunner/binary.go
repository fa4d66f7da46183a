package ptyrunner

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/aipper/relay/internal/relayerr"
)

// ErrUnresolvedBinary is returned by ResolveBinary when none of the three
// resolution steps produce a real executable.
var ErrUnresolvedBinary = fmt.Errorf("ptyrunner: unresolved binary: %w", relayerr.NotFound)

// ResolveBinary finds the real executable for tool, breaking recursion
// when a command shim with the same name as tool shadows the real binary
// on PATH. Resolution order: (a) a per-tool override environment variable
// named RELAY_BIN_<TOOL> (tool upper-cased, each non-alphanumeric
// character replaced by an underscore), (b) overrides, a binary-map loaded from the
// daemon's YAML config, (c) PATH via exec.LookPath.
func ResolveBinary(tool string, overrides map[string]string) (string, error) {
	envKey := "RELAY_BIN_" + envSafe(tool)
	if v := os.Getenv(envKey); v != "" {
		return v, nil
	}
	if v, ok := overrides[tool]; ok && v != "" {
		return v, nil
	}
	path, err := exec.LookPath(tool)
	if err != nil {
		return "", fmt.Errorf("tool %q: %w", tool, ErrUnresolvedBinary)
	}
	return path, nil
}

func envSafe(tool string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(tool) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
