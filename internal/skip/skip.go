// Package skip implements ScriptSkipper and BlackboxManager: deciding
// which scripts are "user code" and keeping the runtime's blackbox
// pattern list in sync with that decision.
package skip

import (
	"regexp"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Rule is one skipFiles entry, compiled as a glob that must match the
// whole path; a pattern with no "*" or "?" matches only that exact path.
type Rule struct {
	pattern string
	negate  bool
	re      *regexp.Regexp
}

// NewRule compiles a skipFiles glob into a Rule. A leading "!" negates the
// rule (matching paths are explicitly un-skipped, overriding an earlier
// positive match), matching the convention VS Code's skipFiles uses.
func NewRule(pattern string) Rule {
	negate := strings.HasPrefix(pattern, "!")
	p := strings.TrimPrefix(pattern, "!")
	return Rule{pattern: pattern, negate: negate, re: globToRegexp(p)}
}

func (r Rule) matches(path string) bool {
	return r.re.MatchString(path)
}

// globToRegexp compiles a shell-glob-ish skipFiles pattern to a regexp.
// "**" matches any number of path segments, "*" matches within one
// segment, "?" matches one character. There is no third-party glob
// matcher in the dependency set this project draws from, so this is
// hand-rolled rather than imported.
func globToRegexp(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteByte('^')
	i := 0
	for i < len(pattern) {
		c := pattern[i]
		switch {
		case c == '*' && i+1 < len(pattern) && pattern[i+1] == '*':
			b.WriteString(".*")
			i += 2
		case c == '*':
			b.WriteString("[^/]*")
			i++
		case c == '?':
			b.WriteString("[^/]")
			i++
		case strings.ContainsRune(`.+()|[]{}^$\`, rune(c)):
			b.WriteByte('\\')
			b.WriteByte(c)
			i++
		default:
			b.WriteByte(c)
			i++
		}
	}
	b.WriteByte('$')
	re, err := regexp.Compile(b.String())
	if err != nil {
		// A pattern the user supplied doesn't compile; fall back to one
		// that matches nothing rather than panicking or over-matching.
		return regexp.MustCompile(`\z\A`)
	}
	return re
}

// Skipper answers "is this script user code" for StackTrace filtering.
type Skipper struct {
	mu           sync.RWMutex
	rules        []Rule
	skipUnmapped bool
	logger       *logrus.Entry
}

// Config configures a Skipper.
type Config struct {
	SkipFiles    []string
	SkipUnmapped bool
}

// New builds a Skipper from cfg.
func New(cfg Config, logger *logrus.Entry) *Skipper {
	s := &Skipper{skipUnmapped: cfg.SkipUnmapped, logger: logger}
	for _, p := range cfg.SkipFiles {
		s.rules = append(s.rules, NewRule(p))
	}
	return s
}

// ShouldSkip reports whether path (or, if path is empty, a script with no
// authored source at all) should be elided from the user-visible call
// stack.
func (s *Skipper) ShouldSkip(path string, hasAuthoredSource bool) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if path == "" {
		if !hasAuthoredSource {
			return s.skipUnmapped
		}
		return false
	}

	skip := false
	for _, r := range s.rules {
		if r.matches(path) {
			skip = !r.negate
		}
	}
	return skip
}

// SetSkipFiles replaces the rule list wholesale, matching the
// replace-the-whole-list semantics of a DAP setSkipFileStatus-style
// reconfiguration.
func (s *Skipper) SetSkipFiles(patterns []string) {
	rules := make([]Rule, 0, len(patterns))
	for _, p := range patterns {
		rules = append(rules, NewRule(p))
	}
	s.mu.Lock()
	s.rules = rules
	s.mu.Unlock()
}

// Patterns returns the skip rules translated to regexp source strings,
// for BlackboxManager to hand the runtime in one `Debugger.setBlackboxPatterns`
// call. Negated rules are omitted: the runtime blackbox list has no concept
// of "un-skip", so a negated rule only affects Skipper.ShouldSkip locally.
func (s *Skipper) Patterns() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, r := range s.rules {
		if !r.negate {
			out = append(out, r.re.String())
		}
	}
	return out
}

// BlackboxSetter issues Debugger.setBlackboxPatterns against one CDP
// session.
type BlackboxSetter interface {
	SetBlackboxPatterns(patterns []string) error
}

// BlackboxManager keeps every attached session's runtime blackbox list in
// sync with the Skipper's current rule set, per SPEC_FULL.md §4.10: it owns
// the asynchronous job of pushing pattern updates, while Skipper answers
// synchronous membership questions.
type BlackboxManager struct {
	mu       sync.Mutex
	skipper  *Skipper
	sessions map[BlackboxSetter]struct{}
	logger   *logrus.Entry
}

// NewBlackboxManager builds a manager bound to skipper.
func NewBlackboxManager(skipper *Skipper, logger *logrus.Entry) *BlackboxManager {
	return &BlackboxManager{skipper: skipper, sessions: map[BlackboxSetter]struct{}{}, logger: logger}
}

// AddSession registers a new CDP session and immediately pushes the
// current pattern list to it.
func (b *BlackboxManager) AddSession(s BlackboxSetter) {
	b.mu.Lock()
	b.sessions[s] = struct{}{}
	b.mu.Unlock()
	b.pushTo(s)
}

// RemoveSession stops tracking a torn-down session.
func (b *BlackboxManager) RemoveSession(s BlackboxSetter) {
	b.mu.Lock()
	delete(b.sessions, s)
	b.mu.Unlock()
}

// Sync pushes the Skipper's current patterns to every tracked session.
// Called after SetSkipFiles, or after a new script registration changes
// which scripts are unmapped.
func (b *BlackboxManager) Sync() {
	b.mu.Lock()
	sessions := make([]BlackboxSetter, 0, len(b.sessions))
	for s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()
	for _, s := range sessions {
		b.pushTo(s)
	}
}

func (b *BlackboxManager) pushTo(s BlackboxSetter) {
	patterns := b.skipper.Patterns()
	if err := s.SetBlackboxPatterns(patterns); err != nil && b.logger != nil {
		b.logger.WithError(err).Warn("setBlackboxPatterns failed")
	}
}
