// Package sourcepath resolves between authored filesystem paths and the
// URLs a JavaScript runtime reports for its scripts.
package sourcepath

import (
	"net/url"
	"path/filepath"
	"strings"
)

// Override is one prefix-substitution rule applied by URLToAbsolutePath,
// analogous to a webpack devtoolModuleFilenameTemplate override or a DAP
// launch config's sourceMapPathOverrides entry. Pattern and Replacement may
// both contain the literal token "{webRoot}", substituted with the
// resolver's configured WebRoot before matching/replacing.
type Override struct {
	Pattern     string
	Replacement string
}

// defaultOverrides are the webpack-style prefix rules the spec calls out by
// name, tried in the order listed, longest/most-specific first. They are
// used only when Config.Overrides is nil; a non-nil Config.Overrides
// replaces them.
var defaultOverrides = []Override{
	{Pattern: "webpack:///./~/", Replacement: "{webRoot}/node_modules/"},
	{Pattern: "webpack:///./", Replacement: "{webRoot}/"},
	{Pattern: "webpack:///src/", Replacement: "{webRoot}/"},
	{Pattern: "webpack:///", Replacement: "/"},
}

// Config configures a Resolver.
type Config struct {
	// RootPath is the workspace root used by BreakpointPredictor; not
	// used directly by path/URL translation but carried alongside it
	// since both are configured from the same launch arguments.
	RootPath string
	// WebRoot is the local directory that BaseURL's document root maps
	// to.
	WebRoot string
	// BaseURL is the runtime's document base, e.g. "http://localhost:8080/".
	BaseURL string
	// Overrides, if non-nil, replaces the default webpack-style rule
	// set entirely (matching the "substitutePath" configuration
	// command's replace-the-whole-list semantics once any rule has
	// been customized).
	Overrides []Override
	// Remote marks the runtime as reachable over the network rather
	// than local loopback: ShouldCheckContentHash reports true for it,
	// since an intervening proxy may have rewritten script bodies.
	Remote bool
}

// Resolver implements SPEC_FULL.md §4.2.
type Resolver struct {
	rootPath  string
	webRoot   string
	baseURL   *url.URL
	overrides []Override
	remote    bool
}

// New builds a Resolver from cfg. An empty or unparsable BaseURL yields a
// Resolver that always falls back to file:// URLs.
func New(cfg Config) *Resolver {
	r := &Resolver{
		rootPath: cfg.RootPath,
		webRoot:  filepath.Clean(cfg.WebRoot),
		remote:   cfg.Remote,
	}
	if cfg.BaseURL != "" {
		if u, err := url.Parse(cfg.BaseURL); err == nil {
			r.baseURL = u
		}
	}
	if cfg.Overrides != nil {
		r.overrides = cfg.Overrides
	} else {
		r.overrides = defaultOverrides
	}
	return r
}

// RootPath returns the configured workspace root.
func (r *Resolver) RootPath() string { return r.rootPath }

// WebRoot returns the configured web root.
func (r *Resolver) WebRoot() string { return r.webRoot }

// AbsolutePathToURL implements SPEC_FULL.md §4.2's absolute_path_to_url.
func (r *Resolver) AbsolutePathToURL(absPath string) string {
	if r.webRoot != "" {
		if rel, ok := relativeUnder(r.webRoot, absPath); ok && r.baseURL != nil {
			base := strings.TrimSuffix(r.baseURL.String(), "/")
			return base + "/" + filepath.ToSlash(rel)
		}
	}
	return fileURL(absPath)
}

// URLToAbsolutePath implements SPEC_FULL.md §4.2's url_to_absolute_path.
func (r *Resolver) URLToAbsolutePath(rawURL string) string {
	if rawURL == "" || rawURL == "/" {
		rawURL = "index.html"
	}

	if strings.HasPrefix(rawURL, "file://") {
		return filepath.FromSlash(strings.TrimPrefix(rawURL, "file://"))
	}

	for _, o := range r.overrides {
		pattern := strings.ReplaceAll(o.Pattern, "{webRoot}", r.webRoot)
		if strings.HasPrefix(rawURL, pattern) {
			replacement := strings.ReplaceAll(o.Replacement, "{webRoot}", r.webRoot)
			return filepath.FromSlash(replacement + strings.TrimPrefix(rawURL, pattern))
		}
	}

	if r.baseURL != nil {
		if u, err := url.Parse(rawURL); err == nil && sameOrigin(u, r.baseURL) {
			rel := strings.TrimPrefix(u.Path, r.baseURL.Path)
			rel = strings.TrimPrefix(rel, "/")
			return filepath.Join(r.webRoot, filepath.FromSlash(rel))
		}
	}

	return filepath.FromSlash(rawURL)
}

// ShouldCheckContentHash reports whether callers must verify a fetched
// authored source's content hash against the runtime's before trusting a
// filesystem read of it (a network hop may have rewritten it).
func (r *Resolver) ShouldCheckContentHash() bool {
	return r.remote
}

func sameOrigin(a, b *url.URL) bool {
	return a.Scheme == b.Scheme && a.Host == b.Host
}

func fileURL(absPath string) string {
	p := filepath.ToSlash(absPath)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return "file://" + p
}

// relativeUnder reports whether target lies under root, returning the
// slash-normalized relative path if so.
func relativeUnder(root, target string) (string, bool) {
	root = filepath.Clean(root)
	target = filepath.Clean(target)
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return "", false
	}
	if rel == "." {
		return "", true
	}
	if strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return "", false
	}
	return rel, true
}

// SetOverrides mutates the current rule list following the same
// add/replace/delete-by-arity behavior as the teacher's
// configureSetSubstitutePath: a single pattern deletes that rule, a
// pattern+replacement pair adds or replaces it.
func (r *Resolver) SetOverrides(pattern string, replacement *string) bool {
	for i, o := range r.overrides {
		if o.Pattern != pattern {
			continue
		}
		if replacement == nil {
			r.overrides = append(r.overrides[:i], r.overrides[i+1:]...)
			return true
		}
		r.overrides[i].Replacement = *replacement
		return true
	}
	if replacement == nil {
		return false
	}
	r.overrides = append(r.overrides, Override{Pattern: pattern, Replacement: *replacement})
	return true
}
