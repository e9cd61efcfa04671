package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

// CommandToolDef describes a tool backed by a local command.
// Command is split into argv once at load time; {{.key}} placeholders are
// substituted per argument afterwards, so model-provided values never pass
// through a shell.
type CommandToolDef struct {
	Name           string            `json:"name"`
	Description    string            `json:"description"`
	Command        string            `json:"command"`
	Parameters     map[string]any    `json:"parameters,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	WorkingDir     string            `json:"working_dir,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
}

var denyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-[a-zA-Z]*[rf]`),
	regexp.MustCompile(`\b(sudo|su|mkfs|shutdown|reboot)\b`),
	regexp.MustCompile(`/dev/(sd|nvme|mem)`),
}

// CommandTool wraps a CommandToolDef and implements the Tool interface.
type CommandTool struct {
	def       CommandToolDef
	argv      []string
	workspace string
	params    map[string]any
}

// NewCommandTool parses the command template.
func NewCommandTool(def CommandToolDef, workspace string) (*CommandTool, error) {
	if def.Name == "" {
		return nil, errors.New("command tool: name is required")
	}
	argv, err := shellwords.Parse(def.Command)
	if err != nil {
		return nil, fmt.Errorf("command tool %s: parse command: %w", def.Name, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("command tool %s: empty command", def.Name)
	}
	params := def.Parameters
	if params == nil {
		params = objectSchema(map[string]any{})
	}
	return &CommandTool{def: def, argv: argv, workspace: workspace, params: params}, nil
}

func (t *CommandTool) Name() string               { return t.def.Name }
func (t *CommandTool) Description() string        { return t.def.Description }
func (t *CommandTool) Parameters() map[string]any { return t.params }

func (t *CommandTool) Execute(ctx context.Context, args map[string]any) *Result {
	argv := renderArgv(t.argv, args)

	joined := strings.Join(argv, " ")
	for _, pattern := range denyPatterns {
		if pattern.MatchString(joined) {
			return ErrorResult(fmt.Sprintf("command denied by safety policy: matches pattern %s", pattern.String()))
		}
	}

	timeout := time.Duration(t.def.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Working directory: explicit definition, then per-call workspace, then the tool's.
	cwd := workspaceFor(ctx, t.workspace)
	if t.def.WorkingDir != "" {
		cwd = t.def.WorkingDir
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = cwd
	if len(t.def.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range t.def.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	var result string
	if stdout.Len() > 0 {
		result = stdout.String()
	}
	if stderr.Len() > 0 {
		if result != "" {
			result += "\n"
		}
		result += "STDERR:\n" + stderr.String()
	}

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return ErrorResult(fmt.Sprintf("command timed out after %s", timeout))
		}
		if result == "" {
			result = err.Error()
		}
		return ErrorResult(result).WithError(err)
	}

	if result == "" {
		result = "(command completed with no output)"
	}
	return NewResult(result)
}

// renderArgv replaces {{.key}} placeholders inside each argument.
// Uses simple string replacement (NOT Go text/template).
func renderArgv(tmpl []string, args map[string]any) []string {
	out := make([]string, len(tmpl))
	for i, a := range tmpl {
		for key, val := range args {
			a = strings.ReplaceAll(a, "{{."+key+"}}", fmt.Sprint(val))
		}
		out[i] = a
	}
	return out
}
