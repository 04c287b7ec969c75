package analysis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/CoderDennis/credo-language-server/internal/runtime"
)

// Engine enumerates issues for a project using a booted execution
// context. The session's refresh coordinator depends on this interface
// so tests can substitute canned issue sets.
type Engine interface {
	Issues(ctx context.Context, rc runtime.Context, rootDir string) ([]Issue, error)
}

// CredoEngine runs Credo inside the execution context and decodes its
// issue list.
type CredoEngine struct {
	manager *runtime.Manager
}

// NewCredoEngine creates an engine adapter over the lifecycle manager.
func NewCredoEngine(manager *runtime.Manager) *CredoEngine {
	return &CredoEngine{manager: manager}
}

// Issues executes one full analysis pass over the project root.
func (e *CredoEngine) Issues(ctx context.Context, rc runtime.Context, rootDir string) ([]Issue, error) {
	result, err := e.manager.Call(ctx, rc, runtime.Invocation{
		Module:   "CredoLanguageServer.Runner",
		Function: "issues",
		Args:     []any{rootDir},
	})
	if err != nil {
		return nil, fmt.Errorf("enumerate issues: %w", err)
	}

	var issues []Issue
	if err := json.Unmarshal(result, &issues); err != nil {
		return nil, fmt.Errorf("decode issues: %w", err)
	}
	return issues, nil
}
