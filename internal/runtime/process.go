package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
)

// ProcessLauncher spawns execution contexts as OS processes speaking a
// line-delimited JSON eval protocol on stdin/stdout: one request object
// per line in, one response object per line out, correlated by id.
type ProcessLauncher struct {
	// Command is the executable hosting the runtime (e.g. an Elixir
	// release script).
	Command string

	// Args are command-line arguments.
	Args []string

	// Env are additional environment variables.
	Env map[string]string
}

// Launch starts the runtime process rooted at workingDir.
func (l *ProcessLauncher) Launch(workingDir string) (Context, error) {
	cmd := exec.Command(l.Command, l.Args...)
	cmd.Dir = workingDir

	cmd.Env = os.Environ()
	for k, v := range l.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	// Engine console noise goes to our stderr until suppressed.
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("start process: %w", err)
	}

	pc := &processContext{
		cmd:     cmd,
		stdin:   stdin,
		reader:  bufio.NewReaderSize(stdout, 64*1024),
		pending: make(map[int64]chan evalResponse),
		exitCh:  make(chan error, 1),
	}

	go pc.readLoop()
	go pc.monitor()

	return pc, nil
}

// evalRequest is one line sent to the runtime process.
type evalRequest struct {
	ID int64 `json:"id"`
	Invocation
}

// evalResponse is one line received from the runtime process.
type evalResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// processContext is a Context backed by a child process.
type processContext struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader

	mu      sync.Mutex
	nextID  atomic.Int64
	pending map[int64]chan evalResponse

	exited atomic.Bool
	exitCh chan error
}

// monitor waits for process exit and signals the Done channel.
func (p *processContext) monitor() {
	err := p.cmd.Wait()
	p.exited.Store(true)

	// Unblock in-flight calls.
	p.mu.Lock()
	for id, ch := range p.pending {
		delete(p.pending, id)
		close(ch)
	}
	p.mu.Unlock()

	select {
	case p.exitCh <- err:
	default:
	}
}

// readLoop reads response lines and routes them to waiting callers.
func (p *processContext) readLoop() {
	for {
		line, err := p.reader.ReadBytes('\n')
		if err != nil {
			return
		}

		var resp evalResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			// Residual console output; skip.
			continue
		}

		p.mu.Lock()
		ch, ok := p.pending[resp.ID]
		if ok {
			delete(p.pending, resp.ID)
		}
		p.mu.Unlock()

		if ok {
			ch <- resp
		}
	}
}

// Ready probes the runtime with a ping invocation.
func (p *processContext) Ready(ctx context.Context) bool {
	_, err := p.Call(ctx, Invocation{Module: "runtime", Function: "ping", Args: []any{}})
	return err == nil
}

// Call sends an invocation line and waits for its response line.
func (p *processContext) Call(ctx context.Context, inv Invocation) (json.RawMessage, error) {
	if p.exited.Load() {
		return nil, ErrRuntimeUnavailable
	}

	id := p.nextID.Add(1)
	ch := make(chan evalResponse, 1)

	p.mu.Lock()
	p.pending[id] = ch
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	data, err := json.Marshal(evalRequest{ID: id, Invocation: inv})
	if err != nil {
		return nil, fmt.Errorf("marshal invocation: %w", err)
	}
	data = append(data, '\n')

	p.mu.Lock()
	_, err = p.stdin.Write(data)
	p.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write invocation: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrRuntimeUnavailable
		}
		if resp.Error != "" {
			return nil, fmt.Errorf("engine call %s.%s: %s", inv.Module, inv.Function, resp.Error)
		}
		return resp.Result, nil
	}
}

// Alive reports whether the process is still running.
func (p *processContext) Alive() bool {
	return !p.exited.Load()
}

// Done receives the exit error once the process terminates.
func (p *processContext) Done() <-chan error {
	return p.exitCh
}

// Kill forcibly terminates the process.
func (p *processContext) Kill() {
	p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}
