package skill

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// CommandRunner executes one raw command step and returns its captured
// output.
type CommandRunner interface {
	Run(command string) (string, error)
}

// ShellRunner runs command steps through an embedded POSIX shell
// interpreter, so skills behave the same on every platform.
type ShellRunner struct {
	// Dir is the working directory for commands; empty means inherit.
	Dir string

	// Timeout bounds one command. Zero means no limit.
	Timeout time.Duration
}

// Run parses and executes a shell command line, capturing stdout and
// stderr.
func (r *ShellRunner) Run(command string) (string, error) {
	parser := syntax.NewParser()
	prog, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return "", fmt.Errorf("parse command: %w", err)
	}

	var stdout, stderr bytes.Buffer
	runner, err := interp.New(
		interp.Dir(r.Dir),
		interp.Env(expand.ListEnviron(os.Environ()...)),
		interp.StdIO(nil, &stdout, &stderr),
	)
	if err != nil {
		return "", fmt.Errorf("create shell runner: %w", err)
	}

	ctx := context.Background()
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	err = runner.Run(ctx, prog)
	output := stdout.String()
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n"
		}
		output += stderr.String()
	}
	output = strings.TrimRight(output, "\n")

	if err != nil {
		var exit interp.ExitStatus
		if errors.As(err, &exit) {
			return output, fmt.Errorf("command exited with status %d", uint8(exit))
		}
		return output, err
	}
	return output, nil
}
