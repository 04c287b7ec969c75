package session

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/CoderDennis/credo-language-server/internal/analysis"
	"github.com/CoderDennis/credo-language-server/internal/diagnostics"
	"github.com/CoderDennis/credo-language-server/internal/runtime"
)

// TaskKind identifies what an asynchronous task does.
type TaskKind int

const (
	// TaskBoot boots the execution context and runs the first refresh.
	TaskBoot TaskKind = iota
	// TaskIncrementalRefresh re-runs analysis after a save, clearing
	// the cache first.
	TaskIncrementalRefresh
)

// String returns a human-readable task kind name.
func (k TaskKind) String() string {
	switch k {
	case TaskBoot:
		return "boot"
	case TaskIncrementalRefresh:
		return "refresh"
	default:
		return "unknown"
	}
}

// task tracks one in-flight asynchronous operation: its opaque ref,
// the client-visible progress token, and a cancel handle.
type task struct {
	ref    uuid.UUID
	token  string
	kind   TaskKind
	cancel context.CancelFunc
}

// eventKind distinguishes completion messages delivered to the actor.
type eventKind int

const (
	// eventTaskDone reports normal task completion with an issue count.
	eventTaskDone eventKind = iota
	// eventTaskFailed reports abnormal termination, including
	// cancellation.
	eventTaskFailed
	// eventContextExit reports that the execution context itself died.
	eventContextExit
)

// event is a completion or crash message consumed by the actor loop.
type event struct {
	kind  eventKind
	ref   uuid.UUID
	count int
	err   error
	rc    runtime.Context // set by a successful boot
}

// Coordinator runs analysis passes inside asynchronous tasks and turns
// engine issues into cache entries. It does not serialize overlapping
// refreshes; callers cancel prior tasks before spawning a superseding
// one, which is exactly what the didChange and didSave handlers do.
type Coordinator struct {
	engine      analysis.Engine
	cache       *diagnostics.Cache
	publisher   *diagnostics.Publisher
	docsBaseURL string
	logger      *slog.Logger
}

// NewCoordinator creates a refresh coordinator.
func NewCoordinator(engine analysis.Engine, cache *diagnostics.Cache, publisher *diagnostics.Publisher, docsBaseURL string, logger *slog.Logger) *Coordinator {
	if docsBaseURL == "" {
		docsBaseURL = analysis.DefaultDocsBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		engine:      engine,
		cache:       cache,
		publisher:   publisher,
		docsBaseURL: docsBaseURL,
		logger:      logger.With("component", "refresh"),
	}
}

// run executes one analysis pass: optionally clear the cache, ask the
// engine for issues, append each as a diagnostic, and publish. Returns
// the issue count.
func (c *Coordinator) run(ctx context.Context, rc runtime.Context, rootDir string, clearFirst bool) (int, error) {
	if clearFirst {
		c.cache.Clear()
	}

	issues, err := c.engine.Issues(ctx, rc, rootDir)
	if err != nil {
		return 0, err
	}

	for _, issue := range issues {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}
		c.cache.Put(issue.Filename, analysis.Diagnostic(issue, c.docsBaseURL))
	}

	c.publisher.Publish(c.cache)

	return len(issues), nil
}
