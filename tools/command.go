package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/m4xw311/aichat/errors"
	"github.com/m4xw311/aichat/workspace"
	"github.com/mattn/go-shellwords"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/encoding/unicode"
)

type ExecuteShellParams struct {
	Command string `json:"command" jsonschema_description:"The command to execute."`
	Workdir string `json:"workdir,omitempty" jsonschema_description:"Optional working directory relative to the workspace root."`
}

var executeShellSchema = reflectSchema(&ExecuteShellParams{})

// ShellResult reports a finished command. A non-zero exit is a result, not
// an error.
type ShellResult struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	Program    string `json:"program"`
	ReturnCode int    `json:"return_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	Cwd        string `json:"cwd"`
}

// ExecuteShellTool runs a command line through the system shell inside the
// workspace.
type ExecuteShellTool struct {
	allowedCommands []string
}

func NewExecuteShellTool(allowedCommands []string) *ExecuteShellTool {
	return &ExecuteShellTool{allowedCommands: allowedCommands}
}

func (t *ExecuteShellTool) Name() string { return "execute_shell" }
func (t *ExecuteShellTool) Description() string {
	if len(t.allowedCommands) == 0 {
		return "Execute a shell command in the workspace and return its output."
	}

	allowedList := "Allowed command patterns:\n"
	for _, cmd := range t.allowedCommands {
		allowedList += fmt.Sprintf("- %s\n", cmd)
	}

	return fmt.Sprintf("Execute a shell command in the workspace and return its output.\n%s", allowedList)
}
func (t *ExecuteShellTool) Schema() map[string]any { return executeShellSchema }

func (t *ExecuteShellTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	var p ExecuteShellParams
	if err := decodeArgs(args, &p); err != nil {
		return "", err
	}
	words, err := shellwords.Parse(p.Command)
	if err != nil {
		return "", errors.Errorf(errors.ErrInvalidArgument, "malformed command line: %v", err)
	}
	if len(words) == 0 {
		return "", errors.Errorf(errors.ErrInvalidArgument, "command is empty")
	}
	if !isCommandAllowed(p.Command, t.allowedCommands) {
		return "", errors.Errorf(errors.ErrInvalidArgument, "command '%s' is not in the list of allowed commands", p.Command)
	}

	ws, err := workspace.FromContext(ctx)
	if err != nil {
		return "", err
	}
	cwd, err := ws.Dir(p.Workdir)
	if err != nil {
		return "", err
	}

	cmd := shellCommand(ctx, p.Command)
	cmd.Dir = cwd
	// Cancelling ctx kills the shell; children holding the pipes open are
	// given a moment before Wait gives up on them.
	cmd.WaitDelay = 2 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logrus.WithFields(logrus.Fields{"command": p.Command, "cwd": cwd}).Debug("executing shell command")
	runErr := cmd.Run()
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	var exitErr *exec.ExitError
	if runErr != nil && !errors.As(runErr, &exitErr) {
		return "", errors.Wrapf(runErr, "failed to start command")
	}

	res := ShellResult{
		Program: words[0],
		Stdout:  strings.TrimSpace(decodeOutput(stdout.Bytes())),
		Stderr:  strings.TrimSpace(decodeOutput(stderr.Bytes())),
		Cwd:     cwd,
	}
	if cmd.ProcessState != nil {
		res.ReturnCode = cmd.ProcessState.ExitCode()
	}
	if res.ReturnCode == 0 {
		res.Status = "success"
		res.Message = "Command completed"
	} else {
		res.Status = "error"
		res.Message = res.Stderr
		if res.Message == "" {
			res.Message = fmt.Sprintf("Command exited with code %d", res.ReturnCode)
		}
	}
	return jsonResult(res)
}

func shellCommand(ctx context.Context, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/C", command)
	}
	return exec.CommandContext(ctx, "/bin/sh", "-c", command)
}

func decodeOutput(b []byte) string {
	out, err := unicode.UTF8.NewDecoder().Bytes(b)
	if err != nil {
		return string(bytes.ToValidUTF8(b, []byte("\uFFFD")))
	}
	return string(out)
}
