package toolbridge

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"unicode/utf8"
)

func stringParam(params map[string]any, key string) (string, bool) {
	v, ok := params[key].(string)
	return v, ok
}

func (b *Bridge) fsRead(cwd string, params map[string]any) (Result, error) {
	rel, ok := stringParam(params, "path")
	if !ok {
		return Result{Error: "missing or invalid 'path' parameter"}, nil
	}
	abs, err := resolveScoped(cwd, rel)
	if err != nil {
		return Result{}, err
	}

	f, err := os.Open(abs)
	if err != nil {
		return Result{Error: fmt.Sprintf("open %s: %v", rel, err)}, nil
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Result{Error: fmt.Sprintf("stat %s: %v", rel, err)}, nil
	}
	if info.IsDir() {
		return Result{Error: fmt.Sprintf("%s is a directory", rel)}, nil
	}

	limit := int64(MaxBinaryBytes)
	truncated := info.Size() > limit
	data, err := io.ReadAll(io.LimitReader(f, limit))
	if err != nil {
		return Result{Error: fmt.Sprintf("read %s: %v", rel, err)}, nil
	}

	var out string
	if utf8.Valid(data) {
		out = string(data)
	} else {
		out = base64.StdEncoding.EncodeToString(data)
	}
	return Result{Output: out, Truncated: truncated}, nil
}

func (b *Bridge) fsList(cwd string, params map[string]any) (Result, error) {
	rel, _ := stringParam(params, "path")
	if rel == "" {
		rel = "."
	}
	abs, err := resolveScoped(cwd, rel)
	if err != nil {
		return Result{}, err
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return Result{Error: fmt.Sprintf("list %s: %v", rel, err)}, nil
	}

	var out string
	for _, e := range entries {
		size := int64(-1)
		if info, err := e.Info(); err == nil && !e.IsDir() {
			size = info.Size()
		}
		kind := "file"
		if e.IsDir() {
			kind = "dir"
		}
		if size >= 0 {
			out += fmt.Sprintf("%s\t%s\t%d\n", kind, e.Name(), size)
		} else {
			out += fmt.Sprintf("%s\t%s\n", kind, e.Name())
		}
	}
	return Result{Output: out}, nil
}

func (b *Bridge) fsWrite(cwd string, params map[string]any) (Result, error) {
	rel, ok := stringParam(params, "path")
	if !ok {
		return Result{Error: "missing or invalid 'path' parameter"}, nil
	}
	content, ok := stringParam(params, "content")
	if !ok {
		return Result{Error: "missing or invalid 'content' parameter"}, nil
	}
	abs, err := resolveScoped(cwd, rel)
	if err != nil {
		return Result{}, err
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return Result{Error: fmt.Sprintf("create parent dirs for %s: %v", rel, err)}, nil
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return Result{Error: fmt.Sprintf("write %s: %v", rel, err)}, nil
	}
	return Result{Output: fmt.Sprintf("wrote %d bytes to %s", len(content), rel)}, nil
}
