package domain

import "encoding/json"

// Tool names. The base four are available to every profile; the rest are
// typed helpers granted through AgentProfile.ExtraTools.
const (
	ToolReadFile      = "read_file"
	ToolWriteFile     = "write_file"
	ToolListDirectory = "list_directory"
	ToolRunCommand    = "run_command"

	ToolRunTests         = "run_tests"
	ToolLintCode         = "lint_code"
	ToolStartDevServer   = "start_dev_server"
	ToolTakeScreenshot   = "take_screenshot"
	ToolBuildDockerImage = "build_docker_image"
	ToolRunHealthCheck   = "run_health_check"
)

var toolCatalog = map[string]ToolDef{
	ToolReadFile: {
		Name:        ToolReadFile,
		Description: "Read a file from the workspace. Paths are relative to the workspace root.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Workspace-relative file path"}},"required":["path"]}`),
	},
	ToolWriteFile: {
		Name:        ToolWriteFile,
		Description: "Create or overwrite a file in the workspace. Parent directories are created as needed.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Workspace-relative file path"},"content":{"type":"string","description":"Full file content"}},"required":["path","content"]}`),
	},
	ToolListDirectory: {
		Name:        ToolListDirectory,
		Description: "List the entries of a workspace directory. Directories are suffixed with a slash.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Workspace-relative directory path, empty for the root"}},"required":[]}`),
	},
	ToolRunCommand: {
		Name:        ToolRunCommand,
		Description: "Run a shell command inside the sandbox with /workspace as the working directory. Returns stdout, stderr, and the exit code. Long output is truncated.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"command":{"type":"string","description":"Command line passed to bash -lc"},"timeout_seconds":{"type":"integer","description":"Kill the command after this many seconds"}},"required":["command"]}`),
	},
	ToolRunTests: {
		Name:        ToolRunTests,
		Description: "Run the project test suite inside the sandbox. Detects the toolchain from the workspace layout unless a command is given.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"command":{"type":"string","description":"Override the detected test command"},"path":{"type":"string","description":"Restrict to a package or directory"}},"required":[]}`),
	},
	ToolLintCode: {
		Name:        ToolLintCode,
		Description: "Run the project linter inside the sandbox and return its findings.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"command":{"type":"string","description":"Override the detected lint command"}},"required":[]}`),
	},
	ToolStartDevServer: {
		Name:        ToolStartDevServer,
		Description: "Start a development server in the sandbox background and return once its port answers.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"command":{"type":"string","description":"Server start command"},"port":{"type":"integer","description":"Port to wait on"},"wait_seconds":{"type":"integer","description":"Give up after this many seconds"}},"required":["command","port"]}`),
	},
	ToolTakeScreenshot: {
		Name:        ToolTakeScreenshot,
		Description: "Capture a screenshot of a URL served from the sandbox and save it into the workspace.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"URL to capture"},"output_path":{"type":"string","description":"Workspace-relative path for the PNG"}},"required":["url","output_path"]}`),
	},
	ToolBuildDockerImage: {
		Name:        ToolBuildDockerImage,
		Description: "Build a container image from the workspace Dockerfile and return the build log.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"tag":{"type":"string","description":"Image tag"},"dockerfile":{"type":"string","description":"Workspace-relative Dockerfile path"}},"required":["tag"]}`),
	},
	ToolRunHealthCheck: {
		Name:        ToolRunHealthCheck,
		Description: "Probe an HTTP endpoint from inside the sandbox and return status code, latency, and body prefix.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"Endpoint to probe"},"expect_status":{"type":"integer","description":"Fail unless the response has this status"}},"required":["url"]}`),
	},
}

// BaseToolDefs returns the four tools every profile gets.
func BaseToolDefs() []ToolDef {
	return []ToolDef{
		toolCatalog[ToolReadFile],
		toolCatalog[ToolWriteFile],
		toolCatalog[ToolListDirectory],
		toolCatalog[ToolRunCommand],
	}
}

// ToolDefsFor returns the base tools plus the profile's typed helpers, in a
// stable order.
func ToolDefsFor(p AgentProfile) []ToolDef {
	defs := BaseToolDefs()
	for _, name := range p.ExtraTools {
		if def, ok := toolCatalog[name]; ok {
			defs = append(defs, def)
		}
	}
	return defs
}
