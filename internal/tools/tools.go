// Package tools declares the builtin tool surface the LLM can call. Most
// tools execute inside ephemeral sandbox containers; memory tools and
// propose_soul_update run in-process.
package tools

import "github.com/castellan-ai/castellan/internal/providers"

// Executor classes. The executor type selects the sandbox image and the
// capability claims minted for a call.
const (
	ExecutorShell     = "shell"
	ExecutorFile      = "file"
	ExecutorWeb       = "web"
	ExecutorInProcess = "in-process"
)

// Well-known tool names.
const (
	RunShellCommand   = "run_shell_command"
	ReadFile          = "read_file"
	WriteFile         = "write_file"
	ListDirectory     = "list_directory"
	SearchFiles       = "search_files"
	BrowseWeb         = "browse_web"
	SaveMemory        = "save_memory"
	SearchMemory      = "search_memory"
	ProposeSoulUpdate = "propose_soul_update"
)

// Definition describes one builtin tool.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
	Executor    string
}

// IsMemoryTool reports whether name is an in-process memory tool. Memory
// tools bypass the approval gate.
func IsMemoryTool(name string) bool {
	return name == SaveMemory || name == SearchMemory
}

// Builtins returns the builtin tool definitions in a stable order.
func Builtins() []Definition {
	return []Definition{
		{
			Name:        RunShellCommand,
			Description: "Run a shell command in an isolated sandbox and return stdout/stderr",
			Executor:    ExecutorShell,
			Parameters: objectSchema(map[string]any{
				"command": strProp("The shell command to execute"),
			}, "command"),
		},
		{
			Name:        ReadFile,
			Description: "Read the contents of a file",
			Executor:    ExecutorFile,
			Parameters: objectSchema(map[string]any{
				"path": strProp("Path to the file to read"),
			}, "path"),
		},
		{
			Name:        WriteFile,
			Description: "Write content to a file, creating parent directories as needed",
			Executor:    ExecutorFile,
			Parameters: objectSchema(map[string]any{
				"path":    strProp("Path to the file to write"),
				"content": strProp("Content to write"),
			}, "path", "content"),
		},
		{
			Name:        ListDirectory,
			Description: "List the entries of a directory",
			Executor:    ExecutorFile,
			Parameters: objectSchema(map[string]any{
				"path": strProp("Directory path to list"),
			}, "path"),
		},
		{
			Name:        SearchFiles,
			Description: "Search file contents under a directory for a pattern",
			Executor:    ExecutorFile,
			Parameters: objectSchema(map[string]any{
				"path":    strProp("Directory to search under"),
				"pattern": strProp("Text or regular expression to look for"),
			}, "path", "pattern"),
		},
		{
			Name:        BrowseWeb,
			Description: "Fetch a web page and return its readable text content",
			Executor:    ExecutorWeb,
			Parameters: objectSchema(map[string]any{
				"url": strProp("The URL to fetch"),
			}, "url"),
		},
		{
			Name:        SaveMemory,
			Description: "Save a durable fact about the user or their environment",
			Executor:    ExecutorInProcess,
			Parameters: objectSchema(map[string]any{
				"category": map[string]any{
					"type":        "string",
					"description": "Memory category",
					"enum":        []string{"user", "preference", "project", "fact", "environment"},
				},
				"topic":   strProp("Short stable topic key, e.g. 'editor'"),
				"content": strProp("The fact to remember"),
			}, "category", "topic", "content"),
		},
		{
			Name:        SearchMemory,
			Description: "Search previously saved memories",
			Executor:    ExecutorInProcess,
			Parameters: objectSchema(map[string]any{
				"query": strProp("Free-text search query"),
			}, "query"),
		},
		{
			Name:        ProposeSoulUpdate,
			Description: "Propose a revision of the agent's identity file; always requires explicit human approval",
			Executor:    ExecutorInProcess,
			Parameters: objectSchema(map[string]any{
				"content": strProp("The full proposed identity file content"),
				"reason":  strProp("Why this revision is warranted"),
			}, "content", "reason"),
		},
	}
}

// Schemas converts definitions into the provider tool schema list.
func Schemas(defs []Definition) []providers.ToolSchema {
	out := make([]providers.ToolSchema, 0, len(defs))
	for _, d := range defs {
		out = append(out, providers.ToolSchema{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		})
	}
	return out
}

// ByName indexes definitions for lookup during dispatch.
func ByName(defs []Definition) map[string]Definition {
	out := make(map[string]Definition, len(defs))
	for _, d := range defs {
		out[d.Name] = d
	}
	return out
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func strProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}
