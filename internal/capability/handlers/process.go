package handlers

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/symposium-app/backend/internal/infrastructure/logging"
)

// processMaxOutput caps captured stdout/stderr per stream.
const processMaxOutput = 1 << 20

// Process serves the process.* namespace. Commands run non-interactively
// under the caller's context deadline with captured output; an optional
// allow-list restricts which binaries may be invoked.
type Process struct {
	workdir string
	allowed map[string]bool
	log     *logging.Logger
}

// NewProcess creates the handler. An empty allowed list permits any command.
func NewProcess(workdir string, allowed []string, log *logging.Logger) *Process {
	set := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		set[a] = true
	}
	return &Process{workdir: workdir, allowed: set, log: log.Named("process")}
}

// Execute dispatches process verbs.
func (p *Process) Execute(ctx context.Context, verb string, params map[string]any) (any, error) {
	switch verb {
	case "execute":
		return p.run(ctx, params)
	default:
		return nil, fmt.Errorf("unknown process verb %q", verb)
	}
}

func (p *Process) run(ctx context.Context, params map[string]any) (any, error) {
	command, err := strParam(params, "command")
	if err != nil {
		return nil, err
	}
	var args []string
	if raw, ok := params["args"].([]any); ok {
		for _, a := range raw {
			if s, ok := a.(string); ok {
				args = append(args, s)
			}
		}
	}

	if len(p.allowed) > 0 && !p.allowed[command] {
		return nil, fmt.Errorf("command %q not permitted", command)
	}

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = p.workdir
	cmd.Stdin = nil

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedBuffer{buf: &stdout, max: processMaxOutput}
	cmd.Stderr = &limitedBuffer{buf: &stderr, max: processMaxOutput}

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	if runErr != nil {
		// A deadline kill also surfaces as ExitError, so check the
		// context before interpreting the exit status.
		if ctx.Err() != nil {
			return nil, fmt.Errorf("process timed out: %w", ctx.Err())
		}
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("failed to run %q: %w", command, runErr)
		}
	}

	p.log.Debug("process finished",
		zap.String("command", command),
		zap.Int("exit_code", exitCode),
		zap.Duration("elapsed", elapsed))

	return map[string]any{
		"exit_code":   exitCode,
		"stdout":      strings.ToValidUTF8(stdout.String(), "�"),
		"stderr":      strings.ToValidUTF8(stderr.String(), "�"),
		"duration_ms": elapsed.Milliseconds(),
	}, nil
}

// limitedBuffer discards writes past max instead of failing the command.
type limitedBuffer struct {
	buf *bytes.Buffer
	max int
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	remaining := l.max - l.buf.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	if len(p) > remaining {
		l.buf.Write(p[:remaining])
		return len(p), nil
	}
	return l.buf.Write(p)
}
