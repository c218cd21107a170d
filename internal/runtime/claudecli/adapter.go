// Package claudecli implements the runtime adapter contract on top of the
// Claude Code command-line binary, driving it in stream-json mode over
// stdin/stdout. Raw stderr goes to the diagnostic sink untouched.
package claudecli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"

	"tether/internal/runtime"
)

// scanBufferSize bounds one stream-json line. Tool results can be large.
const scanBufferSize = 10 * 1024 * 1024

// Adapter spawns one CLI process per run.
type Adapter struct {
	binary string

	mu   sync.Mutex
	runs map[string]*process
}

type process struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
}

// New creates an adapter that launches the given binary.
func New(binary string) *Adapter {
	return &Adapter{binary: binary, runs: make(map[string]*process)}
}

// Query launches the runtime process for one run and streams its events.
// The returned channel closes after the terminal event or when the process
// exits, whichever comes last.
func (a *Adapter) Query(ctx context.Context, ec *runtime.ExecutionContext, cb runtime.Callbacks) (<-chan runtime.Event, error) {
	runCtx, cancel := context.WithCancel(ctx)

	cmd := exec.CommandContext(runCtx, a.binary, buildArgs(ec)...)
	cmd.Dir = ec.WorkDir
	cmd.Env = flattenEnv(ec)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", a.binary, err)
	}

	a.mu.Lock()
	a.runs[ec.SessionID] = &process{cmd: cmd, cancel: cancel}
	a.mu.Unlock()

	events := make(chan runtime.Event, 64)

	go readDiagnostics(stderr, cb)
	go func() {
		defer close(events)
		defer func() {
			cancel()
			cmd.Wait()
			a.mu.Lock()
			delete(a.runs, ec.SessionID)
			a.mu.Unlock()
		}()

		w := &controlWriter{w: stdin}
		if err := w.sendPrompt(ec.Prompt); err != nil {
			events <- runtime.Event{Type: runtime.EventTypedError, TypedError: &runtime.TypedError{
				Title: "Runtime unreachable", Message: err.Error(),
			}}
			return
		}
		readStream(runCtx, ec.SessionID, stdout, w, cb, events)
	}()

	return events, nil
}

// Abort terminates the session's process, if one is running.
func (a *Adapter) Abort(sessionID string) {
	a.mu.Lock()
	p := a.runs[sessionID]
	a.mu.Unlock()
	if p == nil {
		return
	}
	p.cancel()
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
	slog.Info("runtime process aborted", "sessionID", sessionID)
}

// Dispose aborts every active run.
func (a *Adapter) Dispose() {
	a.mu.Lock()
	ids := make([]string, 0, len(a.runs))
	for id := range a.runs {
		ids = append(ids, id)
	}
	a.mu.Unlock()
	for _, id := range ids {
		a.Abort(id)
	}
}

func buildArgs(ec *runtime.ExecutionContext) []string {
	args := []string{
		"--print", "--verbose",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
	}
	if ec.Model != "" {
		args = append(args, "--model", ec.Model)
	}
	if ec.ResumeToken != "" {
		args = append(args, "--resume", ec.ResumeToken)
	}
	for _, tool := range ec.DisallowedTools {
		args = append(args, "--disallowed-tools", tool)
	}
	args = append(args, "--permission-prompt-tool", "stdio")
	return args
}

func flattenEnv(ec *runtime.ExecutionContext) []string {
	env := make([]string, 0, len(ec.Env)+2)
	for k, v := range ec.Env {
		env = append(env, k+"="+v)
	}
	if ec.APIKey != "" {
		env = append(env, "ANTHROPIC_API_KEY="+ec.APIKey)
	}
	if ec.BaseURL != "" {
		env = append(env, "ANTHROPIC_BASE_URL="+ec.BaseURL)
	}
	return env
}

func readDiagnostics(r io.Reader, cb runtime.Callbacks) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), scanBufferSize)
	for scanner.Scan() {
		if cb.OnDiagnostic != nil {
			cb.OnDiagnostic(scanner.Text() + "\n")
		}
	}
}

// controlWriter serializes stdin writes; the stream reader and permission
// goroutines both respond through it.
type controlWriter struct {
	mu sync.Mutex
	w  io.WriteCloser
}

func (c *controlWriter) send(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.w.Write(append(raw, '\n'))
	return err
}

func (c *controlWriter) sendPrompt(prompt string) error {
	return c.send(map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": prompt,
		},
	})
}

func (c *controlWriter) sendControlResponse(requestID string, response any) error {
	return c.send(map[string]any{
		"type":       "control_response",
		"request_id": requestID,
		"response":   response,
	})
}
