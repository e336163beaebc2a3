// Package tools defines the agent's sandbox tools and their argument handling.
package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Tool names the agent may call.
const (
	Bash      = "bash"
	ReadFile  = "read_file"
	WriteFile = "write_file"
)

// Definitions returns the agent tool set in the order it is presented to the model.
func Definitions() []mcp.Tool {
	return []mcp.Tool{
		mcp.NewTool(Bash,
			mcp.WithDescription("Run a shell command in the session sandbox. Output is streamed to the user as it is produced. Returns the exit code, stdout and stderr."),
			mcp.WithString("command", mcp.Required(), mcp.Description("Shell command to execute (run with sh -c in the workspace directory)")),
		),
		mcp.NewTool(ReadFile,
			mcp.WithDescription("Read a file from the sandbox workspace and return its contents."),
			mcp.WithString("path", mcp.Required(), mcp.Description("File path, relative to the workspace or absolute")),
		),
		mcp.NewTool(WriteFile,
			mcp.WithDescription("Create or overwrite a file in the sandbox workspace. Parent directories are created as needed. The write is atomic."),
			mcp.WithString("path", mcp.Required(), mcp.Description("File path, relative to the workspace")),
			mcp.WithString("content", mcp.Required(), mcp.Description("Full file content")),
		),
	}
}

// Schema returns the JSON schema of a tool's input as a plain object.
func Schema(t mcp.Tool) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": t.InputSchema.Properties,
	}
	if len(t.InputSchema.Required) > 0 {
		s["required"] = t.InputSchema.Required
	}
	return s
}

// Args is a decoded tool-call input.
type Args map[string]any

// ParseArgs decodes a raw tool input. Empty input is an empty argument set.
func ParseArgs(raw json.RawMessage) (Args, error) {
	args := Args{}
	if len(raw) == 0 || string(raw) == "null" {
		return args, nil
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid tool input: %w", err)
	}
	return args, nil
}

// RequireString extracts a non-empty string by key.
func (a Args) RequireString(key string) (string, error) {
	v, exists := a[key]
	if !exists || v == nil {
		return "", fmt.Errorf("%s is required", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string, got %T", key, v)
	}
	if s == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return s, nil
}

// String extracts a string by key that may be empty but must be present.
func (a Args) String(key string) (string, error) {
	v, exists := a[key]
	if !exists || v == nil {
		return "", fmt.Errorf("%s is required", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string, got %T", key, v)
	}
	return s, nil
}

// ReadFileArgv is the sandbox command that prints a file.
func ReadFileArgv(path string) []string {
	return []string{"cat", "--", path}
}

// WriteFileArgv is the sandbox command that atomically writes its stdin to
// path: the bytes land in a temp file next to path, which is moved into place.
// The temp file is removed if any step fails.
func WriteFileArgv(path, tmpSuffix string) []string {
	tmp := Quote(path + ".tmp-" + tmpSuffix)
	script := fmt.Sprintf(`mkdir -p "$(dirname -- %[1]s)" && cat > %[2]s && mv -f -- %[2]s %[1]s || { rm -f -- %[2]s; exit 1; }`,
		Quote(path), tmp)
	return []string{"sh", "-c", script}
}

// Quote single-quotes s for sh.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
