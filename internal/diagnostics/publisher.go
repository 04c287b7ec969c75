package diagnostics

import (
	"log/slog"

	"github.com/CoderDennis/credo-language-server/internal/protocol"
)

// Notifier sends server-initiated notifications to the client.
// Satisfied by *rpc.Transport.
type Notifier interface {
	Notify(method string, params any) error
}

// Publisher emits one textDocument/publishDiagnostics notification per
// file currently in the cache. Files without diagnostics are absent
// from the cache and therefore not re-published by this path; clearing
// stale client state relies on the clear-then-repopulate discipline of
// the refresh coordinator.
type Publisher struct {
	notifier Notifier
	logger   *slog.Logger
}

// NewPublisher creates a publisher writing to the given notifier.
func NewPublisher(notifier Notifier, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		notifier: notifier,
		logger:   logger.With("component", "publisher"),
	}
}

// Publish pushes the cache's current contents, one notification per file.
func (p *Publisher) Publish(cache *Cache) {
	for path, diags := range cache.Snapshot() {
		params := protocol.PublishDiagnosticsParams{
			URI:         protocol.FilePathToURI(path),
			Diagnostics: diags,
		}
		if err := p.notifier.Notify("textDocument/publishDiagnostics", params); err != nil {
			p.logger.Error("publish diagnostics failed", "path", path, "error", err)
		}
	}
}
