package actions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyoflow/pkg/engine"
)

// ExecActionName is the registered name of ExecAction.
const ExecActionName = "shell.exec"

// ExecAction runs a command. Without args the command is passed to the
// shell with -c; with args it is executed directly.
type ExecAction struct {
	command       string
	args          []string
	workDir       string
	shell         string
	env           []string
	failOnNonZero bool
}

// NewExecAction creates an ExecAction.
func NewExecAction() *ExecAction {
	return &ExecAction{}
}

// Discover implements engine.Action.
func (a *ExecAction) Discover() engine.ActionMetadata {
	return engine.ActionMetadata{
		Name:        ExecActionName,
		Author:      author,
		Description: "Runs a command and captures its output",
		Inputs: []engine.InputSpec{
			{ID: "command", Description: "Command line, or program when args are given", Kind: engine.KindString, Required: true},
			{ID: "args", Description: "Program arguments", Kind: engine.KindStringList},
			{ID: "workdir", Description: "Working directory", Kind: engine.KindString},
			{ID: "shell", Description: "Shell used when no args are given", Kind: engine.KindString, Default: engine.StringValue("/bin/sh")},
			{ID: "env", Description: "Extra KEY=VALUE environment entries", Kind: engine.KindStringList},
			{ID: "fail-on-nonzero", Description: "Set Error when the exit code is not zero", Kind: engine.KindBool, Default: engine.BoolValue(true)},
		},
		Outputs: []engine.OutputSpec{
			{ID: "exit-code", Description: "Process exit code", Kind: engine.KindInt},
			{ID: "stdout", Description: "Captured standard output", Kind: engine.KindString},
			{ID: "stderr", Description: "Captured standard error", Kind: engine.KindString},
		},
	}
}

// Begin implements engine.Action.
func (a *ExecAction) Begin(_ context.Context, in engine.Inputs) error {
	a.command = in.String("command")
	a.args = in.List("args")
	a.workDir = in.String("workdir")
	a.shell = in.String("shell")
	a.env = in.List("env")
	a.failOnNonZero = in.Bool("fail-on-nonzero")

	if a.workDir != "" {
		info, err := os.Stat(a.workDir)
		if err != nil {
			return fmt.Errorf("workdir %s: %w", a.workDir, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("workdir %s is not a directory", a.workDir)
		}
	}
	return nil
}

// Process implements engine.Action.
func (a *ExecAction) Process(ctx context.Context, ec *engine.ExecutionContext) (engine.Outputs, error) {
	var cmd *exec.Cmd
	if len(a.args) > 0 {
		cmd = exec.CommandContext(ctx, a.command, a.args...)
	} else {
		cmd = exec.CommandContext(ctx, a.shell, "-c", a.command)
	}
	if a.workDir != "" {
		cmd.Dir = a.workDir
	}
	if len(a.env) > 0 {
		cmd.Env = append(os.Environ(), a.env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	logger := zerolog.Ctx(ctx)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			ec.Fail(fmt.Sprintf("failed to execute command: %v", err))
			return nil, nil
		}
		exitCode = exitErr.ExitCode()
	}
	logger.Debug().Str("command", a.command).Int("exit_code", exitCode).
		Dur("duration", time.Since(start)).Msg("Command finished")

	outputs := engine.Outputs{
		"exit-code": engine.IntValue(int64(exitCode)),
		"stdout":    engine.StringValue(stdout.String()),
		"stderr":    engine.StringValue(stderr.String()),
	}

	if exitCode != 0 && a.failOnNonZero {
		msg := fmt.Sprintf("command exited with code %d", exitCode)
		if detail := strings.TrimSpace(stderr.String()); detail != "" {
			msg += ": " + detail
		}
		ec.Fail(msg)
		return outputs, nil
	}

	ec.Succeed()
	return outputs, nil
}

// End implements engine.Action.
func (a *ExecAction) End(context.Context) error {
	return nil
}
