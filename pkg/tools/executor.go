package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/fluxgate-ai/fluxgate/pkg/logger"
	"github.com/fluxgate-ai/fluxgate/pkg/telemetry"
	tooltypes "github.com/fluxgate-ai/fluxgate/pkg/types/tools"
)

// DefaultTimeout bounds a single tool invocation.
const DefaultTimeout = 60 * time.Second

// Executor wraps every tool call with a hard timeout, panic and error
// isolation, and per-call telemetry. Failures never propagate into the agent
// loop; they come back as formatted error strings.
type Executor struct {
	timeout time.Duration
}

// NewExecutor creates an executor with the given per-call timeout. A zero
// timeout falls back to DefaultTimeout.
func NewExecutor(timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Executor{timeout: timeout}
}

// serverLabeled is implemented by tools backed by a remote server; their
// metrics carry that server's name.
type serverLabeled interface {
	Server() string
}

// metricServer resolves the server metric label for a tool. Locally
// registered tools are "builtin".
func metricServer(tool tooltypes.Tool) string {
	if labeled, ok := tool.(serverLabeled); ok {
		return labeled.Server()
	}
	return "builtin"
}

// Run invokes the tool under the executor's shield.
func (e *Executor) Run(ctx context.Context, state tooltypes.State, tool tooltypes.Tool, parameters string) tooltypes.ToolResult {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	result := e.invoke(ctx, state, tool, parameters)
	elapsed := time.Since(start)

	status := "success"
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		status = "timeout"
		result = errorResult(tool, fmt.Sprintf("tool %q timed out after %s", tool.Name(), e.timeout))
	case result.Failed():
		status = "error"
	}
	telemetry.Tools().Record(ctx, metricServer(tool), tool.Name(), status, elapsed)

	if status != "success" {
		logger.G(ctx).WithField("tool", tool.Name()).
			WithField("status", status).
			WithField("elapsed", elapsed.String()).
			Warn("tool invocation failed")
	}
	return result
}

func (e *Executor) invoke(ctx context.Context, state tooltypes.State, tool tooltypes.Tool, parameters string) (result tooltypes.ToolResult) {
	defer func() {
		if r := recover(); r != nil {
			result = errorResult(tool, fmt.Sprintf("tool %q panicked: %v", tool.Name(), r))
		}
	}()

	done := make(chan tooltypes.ToolResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- errorResult(tool, fmt.Sprintf("tool %q panicked: %v", tool.Name(), r))
			}
		}()
		done <- tool.Execute(ctx, state, parameters)
	}()

	select {
	case <-ctx.Done():
		return errorResult(tool, fmt.Sprintf("tool %q cancelled: %v", tool.Name(), ctx.Err()))
	case result = <-done:
		return result
	}
}

// errorResult formats a failure while preserving the content-and-artifact
// envelope: artifact stays nil but present in shape.
func errorResult(tool tooltypes.Tool, msg string) tooltypes.ToolResult {
	return tooltypes.ToolResult{Error: msg}
}
