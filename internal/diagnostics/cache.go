// Package diagnostics stores analysis findings per file and publishes
// them to the client. The cache is shared by all refresh tasks of a
// session; ordering between clears and refreshes is enforced by the
// refresh coordinator, not here.
package diagnostics

import (
	"sync"

	"github.com/CoderDennis/credo-language-server/internal/protocol"
)

// Cache maps file paths to their ordered diagnostic lists.
// Safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[string][]protocol.Diagnostic
}

// NewCache creates an empty diagnostic cache.
func NewCache() *Cache {
	return &Cache{
		entries: make(map[string][]protocol.Diagnostic),
	}
}

// Put appends a diagnostic to the file's list, creating it if absent.
func (c *Cache) Put(path string, diag protocol.Diagnostic) {
	c.mu.Lock()
	c.entries[path] = append(c.entries[path], diag)
	c.mu.Unlock()
}

// Clear atomically resets the cache to empty.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string][]protocol.Diagnostic)
	c.mu.Unlock()
}

// Snapshot returns a consistent point-in-time copy of the full mapping.
func (c *Cache) Snapshot() map[string][]protocol.Diagnostic {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snapshot := make(map[string][]protocol.Diagnostic, len(c.entries))
	for path, diags := range c.entries {
		copied := make([]protocol.Diagnostic, len(diags))
		copy(copied, diags)
		snapshot[path] = copied
	}
	return snapshot
}

// Len returns the number of files with diagnostics.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
