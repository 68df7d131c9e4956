// Package policy implements the allow-list the daemon consults before
// honoring a TRIGGER_CONNECT_EXISTING request (spec §5): the request
// names an already-running service instance to reattach to, and the
// daemon must not let an arbitrary caller on the trigger pipe reattach to
// just anything.
package policy

import (
	"fmt"

	"github.com/gobwas/glob"
)

// Rule is one allow-list entry: a glob pattern matched against the
// "service+target_vm" key of a TRIGGER_CONNECT_EXISTING request.
type Rule struct {
	Pattern string `yaml:"pattern"`
}

// List is a compiled allow-list. The zero List matches nothing.
type List struct {
	globs []glob.Glob
}

// Compile builds a List from rules, compiling each pattern once up front
// so matching a request never re-parses a glob.
func Compile(rules []Rule) (*List, error) {
	l := &List{globs: make([]glob.Glob, 0, len(rules))}
	for _, r := range rules {
		g, err := glob.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("policy: invalid pattern %q: %w", r.Pattern, err)
		}
		l.globs = append(l.globs, g)
	}
	return l, nil
}

// Allowed reports whether ident matches any rule in the list.
func (l *List) Allowed(ident string) bool {
	if l == nil {
		return false
	}
	for _, g := range l.globs {
		if g.Match(ident) {
			return true
		}
	}
	return false
}
