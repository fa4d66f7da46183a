package toolbridge

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

func (b *Bridge) bash(ctx context.Context, cwd string, params map[string]any) (Result, error) {
	command, ok := stringParam(params, "command")
	if !ok {
		return Result{Error: "missing or invalid 'command' parameter"}, nil
	}

	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.Dir = cwd

	var stdout, stderr cappedBuffer
	stdout.limit = MaxOutputBytes
	stderr.limit = MaxOutputBytes
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	out := stdout.String()
	if stderr.Len() > 0 {
		if out != "" {
			out += "\n"
		}
		out += stderr.String()
	}

	res := Result{
		Output:    out,
		Truncated: stdout.truncated || stderr.truncated,
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res, nil
}

// cappedBuffer is a bytes.Buffer that silently stops accepting writes past
// limit and remembers that it did, rather than growing unbounded for a
// chatty or runaway child process.
type cappedBuffer struct {
	bytes.Buffer
	limit     int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if c.Buffer.Len() >= c.limit {
		c.truncated = true
		return len(p), nil
	}
	remaining := c.limit - c.Buffer.Len()
	if len(p) > remaining {
		c.truncated = true
		p = p[:remaining]
	}
	return c.Buffer.Write(p)
}

var _ fmt.Stringer = (*cappedBuffer)(nil)
