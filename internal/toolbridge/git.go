package toolbridge

import (
	"context"
	"os/exec"
)

func (b *Bridge) gitStatus(ctx context.Context, cwd string) (Result, error) {
	return b.runCapped(ctx, cwd, "git", []string{"status", "--porcelain=v1", "--branch"})
}

func (b *Bridge) gitDiff(ctx context.Context, cwd string, params map[string]any) (Result, error) {
	args := []string{"diff"}
	if rel, ok := stringParam(params, "path"); ok && rel != "" {
		if _, err := resolveScoped(cwd, rel); err != nil {
			return Result{}, err
		}
		args = append(args, "--", rel)
	}
	return b.runCapped(ctx, cwd, "git", args)
}

func (b *Bridge) runCapped(ctx context.Context, cwd, name string, args []string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = cwd
	output, err := cmd.CombinedOutput()

	truncated := false
	if len(output) > MaxOutputBytes {
		output = output[:MaxOutputBytes]
		truncated = true
	}

	res := Result{Output: string(output), Truncated: truncated}
	if err != nil {
		res.Error = err.Error()
	}
	return res, nil
}
