// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tools implements the external tool executor boundary: named
// functions a model can request mid-turn, executed synchronously, with
// errors returned as structured payloads rather than Go errors.
package tools

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// =============================================================================
// EXECUTOR BOUNDARY
// =============================================================================

// Result is a tool's structured answer. A failed execution sets OK false and
// Error; it is never surfaced as a Go error to the continuation path.
type Result struct {
	OK      bool           `json:"ok"`
	Error   string         `json:"error,omitempty"`
	Payload map[string]any `json:"-"`
}

// Map flattens the result into the payload shape embedded in continuation
// requests.
func (r Result) Map() map[string]any {
	out := map[string]any{"ok": r.OK}
	if r.Error != "" {
		out["error"] = r.Error
	}
	for k, v := range r.Payload {
		out[k] = v
	}
	return out
}

// Executor runs one named tool. May perform file I/O or network fetches.
type Executor interface {
	Execute(ctx context.Context, name string, args map[string]any) Result
}

// Func adapts a function to the Executor-compatible tool signature.
type Func func(ctx context.Context, args map[string]any) Result

// =============================================================================
// REGISTRY
// =============================================================================

// Registry is an Executor dispatching to registered tool functions.
type Registry struct {
	tools map[string]Func
	log   zerolog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		tools: make(map[string]Func),
		log:   log.With().Str("component", "tools").Logger(),
	}
}

// Register adds a tool. Re-registering a name replaces it.
func (r *Registry) Register(name string, fn Func) {
	r.tools[name] = fn
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute implements Executor. Unknown tools fail structurally.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) Result {
	fn, ok := r.tools[name]
	if !ok {
		r.log.Warn().Str("tool", name).Msg("unknown tool requested")
		return Result{OK: false, Error: fmt.Sprintf("unknown tool: %s", name)}
	}
	r.log.Debug().Str("tool", name).Msg("executing tool")
	return fn(ctx, args)
}

// =============================================================================
// TOOL SPECS
// =============================================================================

// Spec describes one tool to a model: its name, what it does, and a JSON
// Schema fragment for its arguments. Providers that advertise tools
// serialize specs into their request body.
type Spec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

var builtinSpecs = map[string]Spec{
	"listFiles": {
		Name:        "listFiles",
		Description: "List the entries of a directory inside the project. Directories end with a slash.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string", "description": "Directory path relative to the project root. Defaults to the root."},
			},
		},
	},
	"readFile": {
		Name:        "readFile",
		Description: "Read the full content of one project file.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string", "description": "File path relative to the project root."},
			},
			"required": []string{"path"},
		},
	},
	"listProjectTree": {
		Name:        "listProjectTree",
		Description: "List every file and directory in the project, recursively.",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
	},
	"searchInProject": {
		Name:        "searchInProject",
		Description: "Search project files for lines containing a literal string.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string", "description": "Literal text to search for."},
			},
			"required": []string{"query"},
		},
	},
}

// BuiltinSpecs resolves tool names against the built-in catalog, preserving
// order. Unknown names are dropped; the registry would refuse them at
// execution time anyway.
func BuiltinSpecs(names []string) []Spec {
	var out []Spec
	for _, n := range names {
		if s, ok := builtinSpecs[n]; ok {
			out = append(out, s)
		}
	}
	return out
}

// =============================================================================
// PROJECT TOOLS
// =============================================================================

// NewProjectRegistry builds a registry of read-only project tools confined
// to root. Paths escaping root fail structurally.
func NewProjectRegistry(root string, log zerolog.Logger) *Registry {
	r := NewRegistry(log)
	r.Register("listFiles", func(_ context.Context, args map[string]any) Result {
		dir, err := resolve(root, stringArg(args, "path", "."))
		if err != nil {
			return Result{OK: false, Error: err.Error()}
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return Result{OK: false, Error: err.Error()}
		}
		files := make([]string, 0, len(entries))
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() {
				name += "/"
			}
			files = append(files, name)
		}
		return Result{OK: true, Payload: map[string]any{"files": files}}
	})
	r.Register("readFile", func(_ context.Context, args map[string]any) Result {
		path, err := resolve(root, stringArg(args, "path", ""))
		if err != nil {
			return Result{OK: false, Error: err.Error()}
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return Result{OK: false, Error: err.Error()}
		}
		return Result{OK: true, Payload: map[string]any{"content": string(data)}}
	})
	r.Register("listProjectTree", func(_ context.Context, _ map[string]any) Result {
		var tree []string
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			rel, relErr := filepath.Rel(root, path)
			if relErr != nil || rel == "." {
				return nil
			}
			if d.IsDir() && strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			if d.IsDir() {
				rel += "/"
			}
			tree = append(tree, rel)
			return nil
		})
		if err != nil {
			return Result{OK: false, Error: err.Error()}
		}
		return Result{OK: true, Payload: map[string]any{"tree": tree}}
	})
	r.Register("searchInProject", func(_ context.Context, args map[string]any) Result {
		query := stringArg(args, "query", "")
		if query == "" {
			return Result{OK: false, Error: "missing query"}
		}
		var matches []map[string]any
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				if d != nil && d.IsDir() && strings.HasPrefix(d.Name(), ".") {
					return fs.SkipDir
				}
				return nil
			}
			data, readErr := os.ReadFile(path)
			if readErr != nil {
				return nil
			}
			rel, _ := filepath.Rel(root, path)
			for i, line := range strings.Split(string(data), "\n") {
				if strings.Contains(line, query) {
					matches = append(matches, map[string]any{
						"file": rel, "line": i + 1, "text": strings.TrimSpace(line),
					})
					if len(matches) >= 200 {
						return fs.SkipAll
					}
				}
			}
			return nil
		})
		if err != nil {
			return Result{OK: false, Error: err.Error()}
		}
		return Result{OK: true, Payload: map[string]any{"matches": matches}}
	})
	return r
}

func stringArg(args map[string]any, key, def string) string {
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return def
}

func resolve(root, rel string) (string, error) {
	path := filepath.Join(root, filepath.Clean("/"+rel))
	if path != root && !strings.HasPrefix(path, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes project root: %s", rel)
	}
	return path, nil
}
