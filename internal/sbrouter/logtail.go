package sbrouter

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"
)

// tailFile reads at most the last maxBytes of path, then — if lines > 0 —
// further narrows the result to its last lines newline-delimited lines.
// truncated reports whether the file was larger than maxBytes or lines
// were dropped by the line limit.
func tailFile(path string, maxBytes, lines int) (text string, truncated bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", false, fmt.Errorf("open log %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", false, fmt.Errorf("stat log %s: %w", path, err)
	}

	size := info.Size()
	start := int64(0)
	if maxBytes > 0 && size > int64(maxBytes) {
		start = size - int64(maxBytes)
		truncated = true
	}
	if _, err := f.Seek(start, 0); err != nil {
		return "", false, fmt.Errorf("seek log %s: %w", path, err)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(bufio.NewReader(f)); err != nil {
		return "", false, fmt.Errorf("read log %s: %w", path, err)
	}
	content := buf.String()

	if lines > 0 {
		all := strings.Split(content, "\n")
		if len(all) > lines {
			all = all[len(all)-lines:]
			truncated = true
		}
		content = strings.Join(all, "\n")
	}
	return content, truncated, nil
}
