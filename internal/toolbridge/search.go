package toolbridge

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
)

func (b *Bridge) fsSearch(ctx context.Context, cwd string, params map[string]any) (Result, error) {
	query, ok := stringParam(params, "q")
	if !ok || query == "" {
		return Result{Error: "missing or invalid 'q' parameter"}, nil
	}

	rg := b.RipgrepPath
	if rg == "" {
		rg = "rg"
	}
	cmd := exec.CommandContext(ctx, rg, "--line-number", "--no-heading", "--max-count", "200", query, ".")
	cmd.Dir = cwd

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	// rg exits 1 when there are no matches; that is not a bridge error.
	err := cmd.Run()
	if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
		err = nil
	}
	if err != nil {
		return Result{Error: err.Error()}, nil
	}

	scanner := bufio.NewScanner(&stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var lines []string
	for scanner.Scan() && len(lines) < MaxSearchMatches {
		lines = append(lines, scanner.Text())
	}

	truncated := len(lines) >= MaxSearchMatches
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return Result{Output: out, Truncated: truncated}, nil
}
