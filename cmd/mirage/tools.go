package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	mirage "github.com/ardelia/mirage"
)

const maxToolOutput = 4000

func truncate(s string) string {
	if len(s) > maxToolOutput {
		return s[:maxToolOutput] + "\n... (truncated)"
	}
	return s
}

func boolPtr(b bool) *bool { return &b }

// ---------------------------------------------------------------------------
// shell_exec
// ---------------------------------------------------------------------------

// shellTool executes shell commands in a workspace directory. Serial by
// nature: overlapping commands in the same workspace interleave badly.
type shellTool struct {
	workspace string
}

var _ mirage.Tool = (*shellTool)(nil)

func (t *shellTool) Definition() mirage.ToolDefinition {
	return mirage.ToolDefinition{
		Name:        "shell_exec",
		Description: "Execute a shell command in the workspace directory. Returns stdout and stderr.",
		Params: []mirage.ParamSpec{
			{Name: "command", Type: "string", Description: "Shell command to execute", Required: true},
			{Name: "timeout", Type: "integer", Description: "Timeout in seconds (default 30)"},
		},
		Category:       "system",
		Risk:           mirage.RiskHigh,
		Parallelizable: boolPtr(false),
		LaneID:         "shell",
	}
}

func (t *shellTool) Execute(ctx context.Context, args json.RawMessage, _ mirage.CallOptions) (mirage.ToolResult, error) {
	var params struct {
		Command string `json:"command"`
		Timeout int    `json:"timeout"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return mirage.FailedResult("shell_exec", mirage.NewToolError(mirage.ToolInvalidParameter, "invalid args: %v", err)), nil
	}
	if params.Command == "" {
		return mirage.FailedResult("shell_exec", mirage.NewToolError(mirage.ToolInvalidParameter, "command is required")), nil
	}

	timeout := 30
	if params.Timeout > 0 {
		timeout = params.Timeout
	}
	if timeout > 300 {
		timeout = 300
	}
	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", params.Command)
	cmd.Dir = t.workspace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	output := stdout.String()
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n--- stderr ---\n"
		}
		output += stderr.String()
	}
	output = truncate(output)

	if err != nil {
		if cmdCtx.Err() == context.DeadlineExceeded {
			return mirage.FailedResult("shell_exec", mirage.NewToolError(mirage.ToolTimeout, "command timed out after %ds", timeout)), nil
		}
		return mirage.ToolResult{
			Content:  output,
			Error:    mirage.NewToolError(mirage.ToolExecution, "exit: %v", err),
			ToolName: "shell_exec",
			At:       mirage.NowUnix(),
		}, nil
	}
	if output == "" {
		output = "(no output)"
	}
	return mirage.ToolResult{Content: output, ToolName: "shell_exec", At: mirage.NowUnix()}, nil
}

// ---------------------------------------------------------------------------
// read_file
// ---------------------------------------------------------------------------

// readFileTool reads files under the workspace. Paths are confined to the
// workspace root after cleaning.
type readFileTool struct {
	workspace string
}

var _ mirage.Tool = (*readFileTool)(nil)

func (t *readFileTool) Definition() mirage.ToolDefinition {
	return mirage.ToolDefinition{
		Name:        "read_file",
		Description: "Read a text file from the workspace directory.",
		Params: []mirage.ParamSpec{
			{Name: "path", Type: "string", Description: "Path relative to the workspace", Required: true},
		},
		Category: "read",
		Risk:     mirage.RiskLow,
	}
}

func (t *readFileTool) Execute(_ context.Context, args json.RawMessage, _ mirage.CallOptions) (mirage.ToolResult, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return mirage.FailedResult("read_file", mirage.NewToolError(mirage.ToolInvalidParameter, "invalid args: %v", err)), nil
	}
	if params.Path == "" {
		return mirage.FailedResult("read_file", mirage.NewToolError(mirage.ToolInvalidParameter, "path is required")), nil
	}

	full := filepath.Join(t.workspace, filepath.Clean("/"+params.Path))
	if !strings.HasPrefix(full, filepath.Clean(t.workspace)+string(os.PathSeparator)) && full != filepath.Clean(t.workspace) {
		return mirage.FailedResult("read_file", mirage.NewToolError(mirage.ToolInvalidParameter, "path escapes workspace")), nil
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return mirage.FailedResult("read_file", mirage.NewToolError(mirage.ToolExecution, "read: %v", err)), nil
	}
	return mirage.ToolResult{Content: truncate(string(data)), ToolName: "read_file", At: mirage.NowUnix()}, nil
}

// ---------------------------------------------------------------------------
// fetch_url
// ---------------------------------------------------------------------------

// fetchTool performs GET requests. The safety classifier escalates calls
// whose url argument targets a host outside the configured allowlist.
type fetchTool struct {
	client *http.Client
}

var _ mirage.Tool = (*fetchTool)(nil)

func newFetchTool() *fetchTool {
	return &fetchTool{client: &http.Client{Timeout: 30 * time.Second}}
}

func (t *fetchTool) Definition() mirage.ToolDefinition {
	return mirage.ToolDefinition{
		Name:        "fetch_url",
		Description: "Fetch a URL over HTTP GET and return the response body as text.",
		Params: []mirage.ParamSpec{
			{Name: "url", Type: "string", Description: "URL to fetch", Required: true},
		},
		Category: "network",
		Risk:     mirage.RiskMedium,
	}
}

func (t *fetchTool) Execute(ctx context.Context, args json.RawMessage, _ mirage.CallOptions) (mirage.ToolResult, error) {
	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return mirage.FailedResult("fetch_url", mirage.NewToolError(mirage.ToolInvalidParameter, "invalid args: %v", err)), nil
	}
	if !strings.HasPrefix(params.URL, "http://") && !strings.HasPrefix(params.URL, "https://") {
		return mirage.FailedResult("fetch_url", mirage.NewToolError(mirage.ToolInvalidParameter, "url must be http or https")), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, params.URL, nil)
	if err != nil {
		return mirage.FailedResult("fetch_url", mirage.NewToolError(mirage.ToolInvalidParameter, "bad url: %v", err)), nil
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return mirage.FailedResult("fetch_url", mirage.NewToolError(mirage.ToolExecution, "fetch: %v", err)), nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return mirage.FailedResult("fetch_url", mirage.NewToolError(mirage.ToolExecution, "read body: %v", err)), nil
	}
	if resp.StatusCode != http.StatusOK {
		return mirage.FailedResult("fetch_url", mirage.NewToolError(mirage.ToolExecution, "status %d: %s", resp.StatusCode, truncate(string(body)))), nil
	}
	return mirage.ToolResult{Content: truncate(string(body)), ToolName: "fetch_url", At: mirage.NowUnix()}, nil
}

// ---------------------------------------------------------------------------
// current_time
// ---------------------------------------------------------------------------

type clockTool struct{}

var _ mirage.Tool = (*clockTool)(nil)

func (clockTool) Definition() mirage.ToolDefinition {
	return mirage.ToolDefinition{
		Name:        "current_time",
		Description: "Return the current local date and time.",
		Category:    "read",
		Risk:        mirage.RiskSafe,
	}
}

func (clockTool) Execute(_ context.Context, _ json.RawMessage, _ mirage.CallOptions) (mirage.ToolResult, error) {
	now := time.Now()
	return mirage.ToolResult{
		Content:  fmt.Sprintf("%s (%s)", now.Format("2006-01-02 15:04:05 MST"), now.Weekday()),
		ToolName: "current_time",
		At:       mirage.NowUnix(),
	}, nil
}

// registerTools wires the builtin tool set into the registry.
func registerTools(registry *mirage.ToolRegistry, workspace string) {
	registry.Register(&shellTool{workspace: workspace})
	registry.Register(&readFileTool{workspace: workspace})
	registry.Register(newFetchTool())
	registry.Register(clockTool{})
}
