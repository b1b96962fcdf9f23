package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/forgestack/agentd/internal/adapter/observability"
	"github.com/forgestack/agentd/internal/domain"
	"github.com/forgestack/agentd/pkg/textx"
)

const (
	defaultCommandTimeout = 2 * time.Minute
	maxCommandTimeout     = 15 * time.Minute
	maxReadFileBytes      = 1 << 20
)

type toolHandler func(ctx context.Context, b *Box, input json.RawMessage) (any, error)

func baseTools() map[string]toolHandler {
	return map[string]toolHandler{
		domain.ToolReadFile:         toolReadFile,
		domain.ToolWriteFile:        toolWriteFile,
		domain.ToolListDirectory:    toolListDirectory,
		domain.ToolRunCommand:       toolRunCommand,
		domain.ToolRunTests:         toolRunTests,
		domain.ToolLintCode:         toolLintCode,
		domain.ToolStartDevServer:   toolStartDevServer,
		domain.ToolTakeScreenshot:   toolTakeScreenshot,
		domain.ToolBuildDockerImage: toolBuildDockerImage,
		domain.ToolRunHealthCheck:   toolRunHealthCheck,
	}
}

// ExecTool implements domain.Sandbox. Unknown names and handler failures
// come back as error results, never as a Go error: the model gets to see
// what went wrong and try again. Only context expiry aborts the call.
func (b *Box) ExecTool(ctx context.Context, name string, input json.RawMessage) (domain.ToolResult, error) {
	handler, ok := b.tools[name]
	if !ok {
		observability.RecordToolCall(name, true)
		return errResult(fmt.Errorf("%w: %q", domain.ErrToolUnknown, name)), nil
	}

	out, err := handler(ctx, b, input)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			observability.RecordToolCall(name, true)
			return domain.ToolResult{}, fmt.Errorf("op=sandbox.exec tool=%s: %w", name, err)
		}
		observability.RecordToolCall(name, true)
		return errResult(err), nil
	}

	content, err := json.Marshal(out)
	if err != nil {
		observability.RecordToolCall(name, true)
		return errResult(fmt.Errorf("encode result: %w", err)), nil
	}
	observability.RecordToolCall(name, false)
	return domain.ToolResult{Content: content}, nil
}

func errResult(err error) domain.ToolResult {
	content, _ := json.Marshal(map[string]string{"error": err.Error()})
	return domain.ToolResult{Content: content, IsError: true}
}

// resolvePath confines a tool-supplied relative path to the workspace.
// Absolute paths and upward traversal are rejected before touching the
// filesystem.
func (b *Box) resolvePath(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("path %q must be relative to the workspace", rel)
	}
	clean := filepath.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", rel)
	}
	return filepath.Join(b.workspace, clean), nil
}

func decodeInput(input json.RawMessage, dst any) error {
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(input, dst); err != nil {
		return fmt.Errorf("invalid tool input: %w", err)
	}
	return nil
}

func toolReadFile(_ context.Context, b *Box, input json.RawMessage) (any, error) {
	var in struct {
		Path string `json:"path"`
	}
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	path, err := b.resolvePath(in.Path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", in.Path, err)
	}
	if len(data) > maxReadFileBytes {
		data = data[:maxReadFileBytes]
	}
	content, truncated := textx.Truncate(string(data), b.outputLimit)
	if truncated {
		observability.RecordToolTruncation(domain.ToolReadFile)
	}
	return map[string]any{"content": content, "truncated": truncated}, nil
}

func toolWriteFile(_ context.Context, b *Box, input json.RawMessage) (any, error) {
	var in struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	path, err := b.resolvePath(in.Path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("write %s: %w", in.Path, err)
	}
	if err := os.WriteFile(path, []byte(in.Content), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", in.Path, err)
	}
	return map[string]any{"bytes_written": len(in.Content)}, nil
}

func toolListDirectory(_ context.Context, b *Box, input json.RawMessage) (any, error) {
	var in struct {
		Path string `json:"path"`
	}
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	if in.Path == "" {
		in.Path = "."
	}
	path, err := b.resolvePath(in.Path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", in.Path, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return map[string]any{"entries": names}, nil
}

func (b *Box) runShell(ctx context.Context, cmd string, timeout time.Duration) (map[string]any, error) {
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	if timeout > maxCommandTimeout {
		timeout = maxCommandTimeout
	}
	stdout, stderr, exit, err := b.execCommand(ctx, cmd, timeout)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			// The per-command deadline fired, not the attempt's. Report it
			// to the model instead of killing the run.
			return map[string]any{
				"stdout":      stdout,
				"stderr":      "command timed out after " + timeout.String(),
				"exit_status": -1,
			}, nil
		}
		return nil, err
	}

	outTrunc, truncatedOut := textx.Truncate(stdout, b.outputLimit)
	errTrunc, truncatedErr := textx.Truncate(stderr, b.outputLimit)
	if truncatedOut || truncatedErr {
		observability.RecordToolTruncation(domain.ToolRunCommand)
	}
	return map[string]any{
		"stdout":      outTrunc,
		"stderr":      errTrunc,
		"exit_status": exit,
		"truncated":   truncatedOut || truncatedErr,
	}, nil
}

func toolRunCommand(ctx context.Context, b *Box, input json.RawMessage) (any, error) {
	var in struct {
		Command        string `json:"command"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Command) == "" {
		return nil, fmt.Errorf("command must not be empty")
	}
	return b.runShell(ctx, in.Command, time.Duration(in.TimeoutSeconds)*time.Second)
}

// toolRunTests picks the test runner from the project layout instead of
// trusting the model to remember the right incantation. A supplied command
// wins over detection; a path narrows the run to one package or directory.
func toolRunTests(ctx context.Context, b *Box, input json.RawMessage) (any, error) {
	var in struct {
		Command string `json:"command"`
		Path    string `json:"path"`
	}
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	cmd := strings.TrimSpace(in.Command)
	if cmd == "" {
		cmd = detectCommand(b.workspace, map[string]string{
			"go.mod":           "go test ./...",
			"package.json":     "npm test --silent",
			"pytest.ini":       "python -m pytest -q",
			"pyproject.toml":   "python -m pytest -q",
			"requirements.txt": "python -m pytest -q",
		}, "go test ./...")
	}
	if in.Path != "" {
		if _, err := b.resolvePath(in.Path); err != nil {
			return nil, err
		}
		cmd += " " + shellQuote(in.Path)
	}
	return b.runShell(ctx, cmd, 10*time.Minute)
}

func toolLintCode(ctx context.Context, b *Box, input json.RawMessage) (any, error) {
	var in struct {
		Command string `json:"command"`
	}
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	cmd := strings.TrimSpace(in.Command)
	if cmd == "" {
		cmd = detectCommand(b.workspace, map[string]string{
			"go.mod":         "go vet ./...",
			"package.json":   "npx --no-install eslint . || npm run lint --if-present",
			"pyproject.toml": "python -m ruff check . || python -m flake8 .",
		}, "go vet ./...")
	}
	return b.runShell(ctx, cmd, 5*time.Minute)
}

func toolStartDevServer(ctx context.Context, b *Box, input json.RawMessage) (any, error) {
	var in struct {
		Command     string `json:"command"`
		Port        int    `json:"port"`
		WaitSeconds int    `json:"wait_seconds"`
	}
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Command) == "" {
		return nil, fmt.Errorf("command must not be empty")
	}
	if in.Port <= 0 || in.Port > 65535 {
		return nil, fmt.Errorf("port %d out of range", in.Port)
	}
	if in.WaitSeconds <= 0 {
		in.WaitSeconds = 30
	}
	// Background the server, then poll the port so the tool returns only
	// once the server actually answers.
	script := fmt.Sprintf(
		"nohup %s >/workspace/.devserver.log 2>&1 & for i in $(seq 1 %d); do if curl -sf -o /dev/null http://localhost:%d/ || nc -z localhost %d; then echo ready; exit 0; fi; sleep 1; done; echo timeout; tail -n 50 /workspace/.devserver.log; exit 1",
		in.Command, in.WaitSeconds, in.Port, in.Port)
	return b.runShell(ctx, script, time.Duration(in.WaitSeconds+30)*time.Second)
}

func toolTakeScreenshot(ctx context.Context, b *Box, input json.RawMessage) (any, error) {
	var in struct {
		URL        string `json:"url"`
		OutputPath string `json:"output_path"`
	}
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	if in.URL == "" {
		return nil, fmt.Errorf("url must not be empty")
	}
	if in.OutputPath == "" {
		in.OutputPath = "screenshot.png"
	}
	if _, err := b.resolvePath(in.OutputPath); err != nil {
		return nil, err
	}
	cmd := fmt.Sprintf(
		"chromium --headless --disable-gpu --no-sandbox --screenshot=%s --window-size=1280,800 %s",
		shellQuote(workspaceMount+"/"+in.OutputPath), shellQuote(in.URL))
	out, err := b.runShell(ctx, cmd, time.Minute)
	if err != nil {
		return nil, err
	}
	out["output_path"] = in.OutputPath
	return out, nil
}

func toolBuildDockerImage(ctx context.Context, b *Box, input json.RawMessage) (any, error) {
	var in struct {
		Tag        string `json:"tag"`
		Dockerfile string `json:"dockerfile"`
	}
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	if in.Tag == "" {
		return nil, fmt.Errorf("tag must not be empty")
	}
	if in.Dockerfile == "" {
		in.Dockerfile = "Dockerfile"
	}
	if _, err := b.resolvePath(in.Dockerfile); err != nil {
		return nil, err
	}
	cmd := fmt.Sprintf("docker build -t %s -f %s .", shellQuote(in.Tag), shellQuote(in.Dockerfile))
	return b.runShell(ctx, cmd, 15*time.Minute)
}

func toolRunHealthCheck(ctx context.Context, b *Box, input json.RawMessage) (any, error) {
	var in struct {
		URL          string `json:"url"`
		ExpectStatus int    `json:"expect_status"`
	}
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	if in.URL == "" {
		return nil, fmt.Errorf("url must not be empty")
	}
	if in.ExpectStatus == 0 {
		in.ExpectStatus = 200
	}
	cmd := fmt.Sprintf(
		"code=$(curl -s -o /dev/null -w '%%{http_code}' --max-time 10 %s); echo \"status=$code\"; test \"$code\" -eq %d",
		shellQuote(in.URL), in.ExpectStatus)
	out, err := b.runShell(ctx, cmd, 30*time.Second)
	if err != nil {
		return nil, err
	}
	out["expect_status"] = in.ExpectStatus
	return out, nil
}

// detectCommand maps marker files in the workspace root to a command.
func detectCommand(workspace string, markers map[string]string, fallback string) string {
	names := make([]string, 0, len(markers))
	for name := range markers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := os.Stat(filepath.Join(workspace, name)); err == nil {
			return markers[name]
		}
	}
	return fallback
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
