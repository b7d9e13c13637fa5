// Package executor invokes the external session runner as a child process,
// assembles the final prompt, parses the streamed output, and enforces
// timeouts.
package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/google/uuid"

	"github.com/reeve/reeve/internal/common/logger"
	"github.com/reeve/reeve/internal/pulse/streamparser"
)

// DefaultTimeout bounds a single runner invocation.
const DefaultTimeout = time.Hour

// ErrorKind classifies execution failures for the daemon's failure policy.
type ErrorKind string

const (
	// KindEnvironment covers missing runner binary or working directory.
	// These are deployment problems; retrying burns the budget for nothing.
	KindEnvironment ErrorKind = "environment"
	// KindRuntime covers a non-zero exit from the runner.
	KindRuntime ErrorKind = "runtime"
	// KindTimeout covers runs terminated at the timeout.
	KindTimeout ErrorKind = "timeout"
)

// ExecutionError is the failed half of an execution outcome. Result carries
// whatever was recovered from the stream before the failure (notably the
// session id).
type ExecutionError struct {
	Kind    ErrorKind
	Message string
	Result  *ExecutionResult
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Retriable reports whether the daemon should schedule a retry pulse.
func (e *ExecutionError) Retriable() bool {
	return e.Kind != KindEnvironment
}

// ExecutionResult captures one runner invocation.
type ExecutionResult struct {
	Stdout        string
	Stderr        string
	ReturnCode    int
	TimedOut      bool
	SessionID     string
	IsError       bool
	ErrorMessage  string
	ToolCallCount int
}

// Config holds the runner invocation settings.
type Config struct {
	Command    string        // runner executable
	WorkingDir string        // expanded for ~ and env vars; must exist
	Timeout    time.Duration // defaults to DefaultTimeout
}

// Executor spawns runner children.
type Executor struct {
	cfg    Config
	logger *logger.Logger
}

// New creates an Executor.
func New(cfg Config, log *logger.Logger) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Executor{
		cfg:    cfg,
		logger: log.WithComponent("executor"),
	}
}

// BuildPrompt appends the sticky-notes section to the base prompt. Notes are
// never prepended; with no notes the base prompt passes through untouched.
func BuildPrompt(base string, stickyNotes []string) string {
	if len(stickyNotes) == 0 {
		return base
	}
	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\n📌 Reminders:")
	for _, note := range stickyNotes {
		b.WriteString("\n  - ")
		b.WriteString(note)
	}
	return b.String()
}

// expandPath expands ~ and environment variables in a path.
func expandPath(path string) string {
	path = os.ExpandEnv(path)
	if path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			return home
		}
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// tail returns the last n characters of s.
func tail(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}

// Execute runs the runner with the given prompt. A non-empty sessionID
// resumes that session instead of starting a new one. The returned error, if
// any, is always an *ExecutionError.
func (e *Executor) Execute(ctx context.Context, prompt, sessionID string) (*ExecutionResult, error) {
	workingDir := expandPath(e.cfg.WorkingDir)
	if workingDir != "" {
		if info, err := os.Stat(workingDir); err != nil || !info.IsDir() {
			return nil, &ExecutionError{
				Kind:    KindEnvironment,
				Message: fmt.Sprintf("working directory does not exist: %s", workingDir),
			}
		}
	}

	command, err := exec.LookPath(e.cfg.Command)
	if err != nil {
		return nil, &ExecutionError{
			Kind:    KindEnvironment,
			Message: fmt.Sprintf("runner executable not found: %s", e.cfg.Command),
		}
	}

	args := []string{"--print", "--output-format", "stream-json", "--verbose"}
	if sessionID != "" {
		args = append(args, "--resume", sessionID)
	}
	args = append(args, prompt)

	// Correlates the start and finish log lines of one invocation.
	runID := uuid.NewString()

	cmd := exec.Command(command, args...)
	cmd.Dir = workingDir
	// Own process group so a timeout kill reaches the runner's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &ExecutionError{Kind: KindRuntime, Message: fmt.Sprintf("failed to open stdout pipe: %v", err)}
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, &ExecutionError{Kind: KindRuntime, Message: fmt.Sprintf("failed to open stderr pipe: %v", err)}
	}

	parser := streamparser.New()
	var stdoutBuf, stderrBuf strings.Builder

	if err := cmd.Start(); err != nil {
		return nil, &ExecutionError{Kind: KindRuntime, Message: fmt.Sprintf("failed to start runner: %v", err)}
	}

	e.logger.Info("runner started",
		zap.String("run_id", runID),
		zap.String("command", command),
		zap.Bool("resume", sessionID != ""),
		zap.Duration("timeout", e.cfg.Timeout))

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		_ = parser.ParseStream(io.TeeReader(stdoutPipe, &stdoutBuf))
	}()
	go func() {
		defer readers.Done()
		_, _ = io.Copy(&stderrBuf, stderrPipe)
	}()

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		readers.Wait()
		done <- cmd.Wait()
	}()

	timedOut := false
	var waitErr error
	select {
	case waitErr = <-done:
	case <-runCtx.Done():
		timedOut = runCtx.Err() == context.DeadlineExceeded
		// Kill the whole group; the negative pid addresses the pgid.
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		waitErr = <-done
	}

	parsed := parser.Result()
	result := &ExecutionResult{
		Stdout:        strings.ToValidUTF8(stdoutBuf.String(), "�"),
		Stderr:        strings.ToValidUTF8(stderrBuf.String(), "�"),
		TimedOut:      timedOut,
		SessionID:     parsed.SessionID,
		IsError:       parsed.IsError,
		ErrorMessage:  parsed.ErrorMessage,
		ToolCallCount: parsed.ToolCallCount(),
	}
	if cmd.ProcessState != nil {
		result.ReturnCode = cmd.ProcessState.ExitCode()
	}

	e.logger.Debug("runner finished",
		zap.String("run_id", runID),
		zap.Int("return_code", result.ReturnCode),
		zap.Bool("timed_out", timedOut),
		zap.Int("tool_calls", result.ToolCallCount))

	if timedOut {
		return nil, &ExecutionError{
			Kind:    KindTimeout,
			Message: fmt.Sprintf("runner timed out after %s", e.cfg.Timeout),
			Result:  result,
		}
	}

	if waitErr != nil || result.ReturnCode != 0 {
		message := result.ErrorMessage
		if message == "" {
			message = tail(result.Stderr, 500)
		}
		if message == "" {
			message = waitErrText(waitErr)
		}
		result.IsError = true
		if result.ErrorMessage == "" {
			result.ErrorMessage = message
		}
		return nil, &ExecutionError{
			Kind:    KindRuntime,
			Message: fmt.Sprintf("runner exited with code %d: %s", result.ReturnCode, message),
			Result:  result,
		}
	}

	return result, nil
}

func waitErrText(err error) string {
	if err == nil {
		return "unknown runner error"
	}
	return err.Error()
}
