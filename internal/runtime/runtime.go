// Package runtime manages the isolated execution context that hosts
// the Credo analysis engine. The manager owns the boot sequence and
// the synchronous call primitive; it does not restart crashed
// contexts, that is left to the surrounding process supervisor.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Standard errors returned by the runtime manager.
var (
	// ErrRuntimeUnavailable indicates the execution context is gone or
	// unresponsive.
	ErrRuntimeUnavailable = errors.New("execution context unavailable")

	// ErrNeverReady indicates the context did not become ready within
	// the polling budget.
	ErrNeverReady = errors.New("execution context never became ready")

	// ErrEngineStartFailed indicates the analysis engine inside the
	// context could not be started within the polling budget.
	ErrEngineStartFailed = errors.New("analysis engine failed to start")
)

// Invocation names a function call to execute inside the engine runtime.
type Invocation struct {
	Module   string `json:"module"`
	Function string `json:"function"`
	Args     []any  `json:"args"`
}

// Context is a handle to one isolated runtime instance.
//
// Implementations must be safe for concurrent use: refresh tasks call
// into the context while the session actor observes its exit.
type Context interface {
	// Ready reports whether the engine host inside the context has
	// fully started. Used by the bounded readiness poll.
	Ready(ctx context.Context) bool

	// Call synchronously executes an invocation inside the context and
	// returns its raw result.
	Call(ctx context.Context, inv Invocation) (json.RawMessage, error)

	// Alive reports whether the underlying runtime is still running.
	Alive() bool

	// Done receives the exit error (possibly nil) once the runtime
	// terminates. It fires at most once.
	Done() <-chan error

	// Kill forcibly terminates the runtime.
	Kill()
}

// Launcher creates isolated execution contexts rooted at a working
// directory. The default implementation spawns an OS process; tests
// substitute in-process fakes.
type Launcher interface {
	Launch(workingDir string) (Context, error)
}

// Config tunes the lifecycle manager.
type Config struct {
	// PollAttempts is the readiness polling budget. Default: 120.
	PollAttempts int

	// PollInterval is the delay between readiness probes. Default: 1s.
	PollInterval time.Duration
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() Config {
	return Config{
		PollAttempts: 120,
		PollInterval: 1 * time.Second,
	}
}

// Manager boots execution contexts and forwards calls into them.
type Manager struct {
	launcher Launcher
	config   Config
	logger   *slog.Logger
}

// NewManager creates a lifecycle manager using the given launcher.
func NewManager(launcher Launcher, config Config, logger *slog.Logger) *Manager {
	if config.PollAttempts <= 0 {
		config.PollAttempts = 120
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 1 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		launcher: launcher,
		config:   config,
		logger:   logger.With("component", "runtime"),
	}
}

// Boot creates a new execution context rooted at workingDir and runs
// the full boot sequence: wait for the engine host, start the analysis
// engine, and suppress its interactive output. Each step must succeed
// before the next runs. The returned context is live and monitored via
// its Done channel.
func (m *Manager) Boot(ctx context.Context, workingDir string) (Context, error) {
	rc, err := m.launcher.Launch(workingDir)
	if err != nil {
		return nil, fmt.Errorf("launch execution context: %w", err)
	}

	if !m.WaitReady(ctx, rc) {
		rc.Kill()
		return nil, ErrNeverReady
	}

	if err := m.startEngine(ctx, rc); err != nil {
		rc.Kill()
		return nil, err
	}

	if err := m.suppressOutput(ctx, rc); err != nil {
		rc.Kill()
		return nil, fmt.Errorf("suppress engine output: %w", err)
	}

	m.logger.Info("execution context booted", "workingDir", workingDir)
	return rc, nil
}

// WaitReady polls the context's readiness predicate, returning true as
// soon as it reports ready and false once the attempt budget is
// exhausted. This bounded retry is the only form of waiting in the
// lifecycle manager.
func (m *Manager) WaitReady(ctx context.Context, rc Context) bool {
	return m.poll(ctx, func() bool { return rc.Ready(ctx) })
}

// poll runs probe up to PollAttempts times, sleeping PollInterval
// between attempts.
func (m *Manager) poll(ctx context.Context, probe func() bool) bool {
	for attempt := 0; attempt < m.config.PollAttempts; attempt++ {
		if probe() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(m.config.PollInterval):
		}
	}
	return false
}

// startEngine asks the context to fully start the analysis engine.
// The engine start is itself asynchronous inside the runtime, so the
// call is retried with the same bounded poll as readiness.
func (m *Manager) startEngine(ctx context.Context, rc Context) error {
	started := m.poll(ctx, func() bool {
		_, err := rc.Call(ctx, Invocation{
			Module:   "Application",
			Function: "ensure_all_started",
			Args:     []any{"credo"},
		})
		if err != nil {
			m.logger.Debug("engine start attempt failed", "error", err)
			return false
		}
		return true
	})
	if !started {
		return ErrEngineStartFailed
	}
	return nil
}

// suppressOutput tells the engine to stop writing to its own console.
// The engine is driven interactively here, not through its normal
// command-line surface.
func (m *Manager) suppressOutput(ctx context.Context, rc Context) error {
	_, err := rc.Call(ctx, Invocation{
		Module:   "Credo.CLI.Output.Shell",
		Function: "suppress_output",
		Args:     []any{},
	})
	return err
}

// Call synchronously forwards an invocation to the engine running in
// the context. Fails with ErrRuntimeUnavailable when the context is
// gone or unresponsive.
func (m *Manager) Call(ctx context.Context, rc Context, inv Invocation) (json.RawMessage, error) {
	if rc == nil || !rc.Alive() {
		return nil, ErrRuntimeUnavailable
	}

	result, err := rc.Call(ctx, inv)
	if err != nil {
		if !rc.Alive() {
			return nil, fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
		}
		return nil, err
	}
	return result, nil
}
