package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mentatlabs/mentat/pkg/tool/functiontool"
)

// maxReadSize caps read_file at 1 MiB; bigger files blow the context
// window anyway.
const maxReadSize = 1 << 20

type nowArgs struct{}

type readFileArgs struct {
	Path      string `json:"path" jsonschema:"required,description=File path relative to the working directory"`
	StartLine int    `json:"start_line,omitempty" jsonschema:"description=First line to include (1-indexed),minimum=1"`
	EndLine   int    `json:"end_line,omitempty" jsonschema:"description=Last line to include (inclusive),minimum=1"`
}

type listDirArgs struct {
	Path string `json:"path,omitempty" jsonschema:"description=Directory path relative to the working directory (default: current directory)"`
}

// builtinToolset is the always-on local provider: a clock and
// read-only access to files under the working directory.
func builtinToolset() (*functiontool.Set, error) {
	set := functiontool.NewSet("local")

	if err := functiontool.Add(set, functiontool.Config{
		Name:        "now",
		Description: "Current date and time in UTC, RFC 3339 format.",
	}, func(ctx context.Context, args nowArgs) (any, error) {
		return time.Now().UTC().Format(time.RFC3339), nil
	}); err != nil {
		return nil, err
	}

	if err := functiontool.Add(set, functiontool.Config{
		Name:        "read_file",
		Description: "Read a text file under the working directory, optionally restricted to a line range.",
	}, readFile); err != nil {
		return nil, err
	}

	if err := functiontool.Add(set, functiontool.Config{
		Name:        "list_dir",
		Description: "List the entries of a directory under the working directory.",
	}, listDir); err != nil {
		return nil, err
	}

	return set, nil
}

func readFile(ctx context.Context, args readFileArgs) (any, error) {
	path, err := resolveLocal(args.Path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory, use list_dir", args.Path)
	}
	if info.Size() > maxReadSize {
		return nil, fmt.Errorf("file too large: %d bytes (max %d)", info.Size(), maxReadSize)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	if args.StartLine == 0 && args.EndLine == 0 {
		return string(content), nil
	}

	lines := strings.Split(string(content), "\n")
	start := 1
	if args.StartLine > 0 {
		start = args.StartLine
	}
	if start > len(lines) {
		return nil, fmt.Errorf("start_line %d exceeds file length (%d lines)", start, len(lines))
	}
	end := len(lines)
	if args.EndLine > 0 && args.EndLine < end {
		end = args.EndLine
	}
	if start > end {
		return nil, fmt.Errorf("invalid range: start_line %d > end_line %d", start, end)
	}

	return strings.Join(lines[start-1:end], "\n"), nil
}

func listDir(ctx context.Context, args listDirArgs) (any, error) {
	path, err := resolveLocal(args.Path)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	return strings.Join(names, "\n"), nil
}

// resolveLocal confines a relative path to the working directory.
func resolveLocal(path string) (string, error) {
	if path == "" {
		return ".", nil
	}
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute paths not allowed, use relative paths")
	}
	cleaned := filepath.Clean(path)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes working directory")
	}
	return cleaned, nil
}
