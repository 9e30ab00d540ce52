// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

// Package capability decides which topics a plugin may subscribe to.
//
// Grants are glob patterns compiled with gobwas/glob using '.' as the
// segment separator:
//   - '*' matches a single segment: "auth.*" matches "auth.success"
//     but not "auth.session.start"
//   - '**' matches any number of segments: "auth.**" matches both
//   - "**" alone grants every topic
package capability

import (
	"sort"
	"sync"

	"github.com/gobwas/glob"
	"github.com/samber/oops"
)

// CodeInvalidGrant is the error code for an unusable grant pattern.
const CodeInvalidGrant = "INVALID_GRANT"

// AllTopics is the grant given to plugins that declare no events.
const AllTopics = "**"

type compiledGrant struct {
	pattern string
	glob    glob.Glob
}

// Enforcer checks topic grants at subscribe time.
//
// Enforcer is safe for concurrent use. The zero value is ready to use.
type Enforcer struct {
	mu     sync.RWMutex
	grants map[string][]compiledGrant // plugin id -> grants
}

// NewEnforcer creates an enforcer with no grants.
func NewEnforcer() *Enforcer {
	return &Enforcer{grants: make(map[string][]compiledGrant)}
}

// SetGrants replaces the topic grants for a plugin. An empty pattern list
// grants every topic. On error the previous grants are left untouched.
func (e *Enforcer) SetGrants(pluginID string, patterns []string) error {
	if pluginID == "" {
		return oops.Code(CodeInvalidGrant).Errorf("plugin id must not be empty")
	}
	if len(patterns) == 0 {
		patterns = []string{AllTopics}
	}

	compiled := make([]compiledGrant, len(patterns))
	for i, pattern := range patterns {
		if pattern == "" {
			return oops.Code(CodeInvalidGrant).
				With("plugin", pluginID).
				Errorf("grant %d is empty", i)
		}
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return oops.Code(CodeInvalidGrant).
				With("plugin", pluginID).
				With("pattern", pattern).
				Wrapf(err, "grant %d", i)
		}
		compiled[i] = compiledGrant{pattern: pattern, glob: g}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.grants == nil {
		e.grants = make(map[string][]compiledGrant)
	}
	e.grants[pluginID] = compiled
	return nil
}

// RemoveGrants forgets a plugin. Unknown ids are ignored.
func (e *Enforcer) RemoveGrants(pluginID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.grants, pluginID)
}

// Grants returns a copy of the patterns granted to a plugin, or nil.
func (e *Enforcer) Grants(pluginID string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	grants, ok := e.grants[pluginID]
	if !ok {
		return nil
	}
	patterns := make([]string, len(grants))
	for i, g := range grants {
		patterns[i] = g.pattern
	}
	return patterns
}

// Plugins lists the plugin ids that currently hold grants, sorted.
func (e *Enforcer) Plugins() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ids := make([]string, 0, len(e.grants))
	for id := range e.grants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Allowed reports whether pluginID may subscribe to topic. Unknown
// plugins and empty topics are denied.
func (e *Enforcer) Allowed(pluginID, topic string) bool {
	if topic == "" {
		return false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, g := range e.grants[pluginID] {
		if g.glob.Match(topic) {
			return true
		}
	}
	return false
}
