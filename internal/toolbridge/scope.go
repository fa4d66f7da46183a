package toolbridge

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aipper/relay/internal/relayerr"
)

// resolveScoped implements the tool bridge's scope rule (spec §4.5): only
// relative paths are accepted, and the path is resolved against cwd after
// canonicalization; any resolved path escaping cwd via "..", a symlink, an
// absolute path, or a Windows drive letter is rejected with OutOfScope.
//
// The target need not exist (fs.write creates new files), so symlinks are
// only resolved along the longest existing prefix of the joined path; the
// remaining, not-yet-created suffix is appended after Clean without
// further resolution.
func resolveScoped(cwd, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("empty path: %w", relayerr.OutOfScope)
	}
	if filepath.IsAbs(rel) || hasWindowsDriveLetter(rel) {
		return "", fmt.Errorf("path %q must be relative: %w", rel, relayerr.OutOfScope)
	}

	realCwd, err := filepath.EvalSymlinks(cwd)
	if err != nil {
		return "", fmt.Errorf("resolve cwd %q: %w", cwd, err)
	}

	joined := filepath.Clean(filepath.Join(realCwd, rel))
	resolved, err := resolveExistingPrefix(joined)
	if err != nil {
		return "", err
	}

	if resolved != realCwd && !strings.HasPrefix(resolved, realCwd+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes run cwd: %w", rel, relayerr.OutOfScope)
	}
	return resolved, nil
}

// resolveExistingPrefix walks from path up to the filesystem root looking
// for the longest prefix that already exists, resolves symlinks on that
// prefix only, then reattaches the (not yet materialized) remainder.
func resolveExistingPrefix(path string) (string, error) {
	if _, err := os.Lstat(path); err == nil {
		real, err := filepath.EvalSymlinks(path)
		if err != nil {
			return "", fmt.Errorf("resolve symlinks for %q: %w", path, err)
		}
		return real, nil
	}

	parent := filepath.Dir(path)
	if parent == path {
		return path, nil
	}
	realParent, err := resolveExistingPrefix(parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(realParent, filepath.Base(path)), nil
}

func hasWindowsDriveLetter(p string) bool {
	if len(p) < 2 {
		return false
	}
	c := p[0]
	return p[1] == ':' && ((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z'))
}
