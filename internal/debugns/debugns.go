// Package debugns provides glob-filtered debug logging gated by namespace,
// the way the teacher gated debug output by an environment flag — generalized
// here from a single on/off switch to a comma-separated glob list so callers
// can enable "swarm:events" without also enabling "swarm:stream".
package debugns

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Matcher holds the set of enabled debug-namespace globs.
type Matcher struct {
	mu      sync.RWMutex
	globs   []string
	enabled bool
}

// New builds a Matcher from a comma-separated glob list, e.g. "swarm:*,db:query".
// An empty string disables all namespaces.
func New(debugNamespaces string) *Matcher {
	m := &Matcher{}
	m.Set(debugNamespaces)
	return m
}

// FromEnv builds a Matcher from the SWARM_DEBUG environment variable.
func FromEnv() *Matcher {
	return New(os.Getenv("SWARM_DEBUG"))
}

// Set replaces the enabled glob list.
func (m *Matcher) Set(debugNamespaces string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.globs = nil
	for _, g := range strings.Split(debugNamespaces, ",") {
		g = strings.TrimSpace(g)
		if g != "" {
			m.globs = append(m.globs, g)
		}
	}
	m.enabled = len(m.globs) > 0
}

// Enabled reports whether any namespace is enabled at all.
func (m *Matcher) Enabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// Matches reports whether namespace is covered by one of the enabled globs.
// Globs use filepath.Match syntax ("*" matches any run of non-separator
// characters, which here is any run since namespaces don't use path separators).
func (m *Matcher) Matches(namespace string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, g := range m.globs {
		if ok, _ := filepath.Match(g, namespace); ok {
			return true
		}
	}
	return false
}

// Logf writes to stderr if namespace is enabled.
func (m *Matcher) Logf(namespace, format string, args ...any) {
	if m.Matches(namespace) {
		fmt.Fprintf(os.Stderr, "["+namespace+"] "+format+"\n", args...)
	}
}
