// Package source is the SourceContainer: a registry of runtime and
// authored sources and the coordinate translation between them.
package source

import (
	"context"
	"sync"

	"github.com/go-jsdap/jsdap/internal/sourcemap"
	"github.com/go-jsdap/jsdap/internal/sourcepath"
)

// Kind distinguishes runtime (compiled) sources from authored sources
// discovered through a source map.
type Kind int

const (
	// Runtime sources have a URL and are fetched from the runtime on
	// demand.
	Runtime Kind = iota
	// Authored sources are derived from a source map and may resolve
	// to an absolute filesystem path.
	Authored
)

// ContentFetcher retrieves a runtime source's text lazily, on first
// request.
type ContentFetcher func(ctx context.Context) (string, error)

// Source is an addressable code document, per SPEC_FULL.md §3.
type Source struct {
	Reference int
	URL       string
	Path      string // absolute path, "" if none resolved
	Kind      Kind

	mu       sync.Mutex
	content  ContentFetcher
	cachedContent *string

	// sourceMapURL is set only for Runtime sources that carry an
	// associated map.
	sourceMapURL string
	sourceMap    *sourcemap.SourceMap

	// siblings holds, for an Authored source, the compiled sources it
	// was derived from; for a Runtime source with a map, the authored
	// sources it maps to.
	siblings map[*Source]struct{}
}

// SourceMap returns the parsed map associated with this (runtime) source,
// or nil.
func (s *Source) SourceMap() *sourcemap.SourceMap {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sourceMap
}

// Siblings returns a snapshot of the sibling set.
func (s *Source) Siblings() []*Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Source, 0, len(s.siblings))
	for sib := range s.siblings {
		out = append(out, sib)
	}
	return out
}

func (s *Source) addSibling(other *Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.siblings == nil {
		s.siblings = map[*Source]struct{}{}
	}
	s.siblings[other] = struct{}{}
}

// Content returns the source's text, fetching and caching it on first
// call.
func (s *Source) Content(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.cachedContent != nil {
		c := *s.cachedContent
		s.mu.Unlock()
		return c, nil
	}
	fetch := s.content
	s.mu.Unlock()
	if fetch == nil {
		return "", nil
	}
	text, err := fetch(ctx)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.cachedContent = &text
	s.mu.Unlock()
	return text, nil
}

// UiLocation is a 1-based (source, line, column) triple, the canonical
// coordinate at the DAP boundary.
type UiLocation struct {
	Source *Source
	Line   int
	Column int
}

// Loader fetches and parses a source map by URL.
type Loader interface {
	Load(ctx context.Context, mapURL string) (*sourcemap.SourceMap, error)
}

// Container is the SourceContainer of SPEC_FULL.md §4.3: a registry
// indexed by URL, absolute path, and source reference, and the
// cross-source UiLocation translator.
//
// Container is not safe for concurrent use by design: SPEC_FULL.md §5
// designates it the single writer for source registration, called only
// from the owning Thread's single event-processing goroutine.
type Container struct {
	resolver *sourcepath.Resolver
	loader   Loader

	byURL  map[string]*Source
	byPath map[string]*Source
	byRef  map[int]*Source

	nextRef int
}

// NewContainer creates an empty Container.
func NewContainer(resolver *sourcepath.Resolver, loader Loader) *Container {
	return &Container{
		resolver: resolver,
		loader:   loader,
		byURL:    map[string]*Source{},
		byPath:   map[string]*Source{},
		byRef:    map[int]*Source{},
		nextRef:  1,
	}
}

func (c *Container) allocRef() int {
	ref := c.nextRef
	c.nextRef++
	return ref
}

func (c *Container) register(s *Source) {
	s.Reference = c.allocRef()
	c.byRef[s.Reference] = s
	if s.URL != "" {
		c.byURL[s.URL] = s
	}
	if s.Path != "" {
		c.byPath[s.Path] = s
	}
}

// BySource looks up a Source by its reference (invariant 2 of SPEC_FULL.md
// §8).
func (c *Container) BySource(ref int) (*Source, bool) {
	s, ok := c.byRef[ref]
	return s, ok
}

// ByURL looks up a Source by URL.
func (c *Container) ByURL(url string) (*Source, bool) {
	s, ok := c.byURL[url]
	return s, ok
}

// ByPath looks up a Source by absolute path.
func (c *Container) ByPath(path string) (*Source, bool) {
	s, ok := c.byPath[path]
	return s, ok
}

// All returns every Source registered so far, in registration order, for
// a `loadedSources` request's snapshot of the set.
func (c *Container) All() []*Source {
	out := make([]*Source, 0, len(c.byRef))
	for ref := 1; ref < c.nextRef; ref++ {
		if s, ok := c.byRef[ref]; ok {
			out = append(out, s)
		}
	}
	return out
}

// RegisterAuthoredPath returns the Source already registered for path, or
// registers a new Authored placeholder for it. This gives a client
// breakpoint request against a file the runtime has not loaded yet (and so
// has no compiled sibling) a stable identity to key against; if a script
// with a matching authored source is later parsed, RegisterScript's
// sibling wiring links them by URL, not by this placeholder's identity, so
// resolution still goes through setByPrediction/setByCurrentSibling until
// that happens.
func (c *Container) RegisterAuthoredPath(path, url string) *Source {
	if s, ok := c.byPath[path]; ok {
		return s
	}
	if url != "" {
		if s, ok := c.byURL[url]; ok {
			return s
		}
	}
	s := &Source{URL: url, Path: path, Kind: Authored}
	c.register(s)
	return s
}

// RegisterScript registers (or returns the existing) runtime Source for
// scriptURL. If sourceMapURL is non-empty, the map is fetched and parsed,
// and an authored Source is registered (or reused) for each of the map's
// sources, with the sibling relation recorded both ways.
//
// Returns the compiled Source and the set of authored Sources newly
// registered as a result of this call (empty if the map had already been
// resolved for this URL, or there was no map).
func (c *Container) RegisterScript(ctx context.Context, scriptURL, sourceMapURL string, fetchContent ContentFetcher) (*Source, []*Source, error) {
	compiled, existed := c.byURL[scriptURL]
	if !existed {
		compiled = &Source{URL: scriptURL, Kind: Runtime, content: fetchContent}
		if c.resolver != nil {
			compiled.Path = c.resolver.URLToAbsolutePath(scriptURL)
		}
		c.register(compiled)
	}

	if sourceMapURL == "" || c.loader == nil {
		return compiled, nil, nil
	}
	if compiled.sourceMapURL == sourceMapURL && compiled.sourceMap != nil {
		return compiled, nil, nil
	}

	sm, err := c.loader.Load(ctx, sourceMapURL)
	if err != nil {
		return compiled, nil, err
	}
	compiled.mu.Lock()
	compiled.sourceMapURL = sourceMapURL
	compiled.sourceMap = sm
	compiled.mu.Unlock()

	var added []*Source
	for _, srcURL := range sm.Sources() {
		authored, ok := c.byURL[srcURL]
		if !ok {
			authored = &Source{URL: srcURL, Kind: Authored}
			if c.resolver != nil {
				authored.Path = c.resolver.URLToAbsolutePath(srcURL)
			}
			if content, has := sm.Content(srcURL); has {
				text := content
				authored.cachedContent = &text
			}
			c.register(authored)
			added = append(added, authored)
		}
		compiled.addSibling(authored)
		authored.addSibling(compiled)
	}
	return compiled, added, nil
}

// CurrentSiblingUiLocations implements SPEC_FULL.md §4.3's
// currentSiblingUiLocations: given a location in one source, every
// equivalent location reachable through source maps, optionally filtered
// to a single preferred source. It is idempotent and side-effect free.
func (c *Container) CurrentSiblingUiLocations(loc UiLocation, preferSource *Source) []UiLocation {
	var out []UiLocation

	switch loc.Source.Kind {
	case Authored:
		for _, compiled := range loc.Source.Siblings() {
			sm := compiled.SourceMap()
			if sm == nil {
				continue
			}
			entry, ok := sm.FindReverseEntry(loc.Source.URL, loc.Line-1, loc.Column-1)
			if !ok {
				continue
			}
			out = append(out, UiLocation{Source: compiled, Line: entry.GeneratedLine + 1, Column: entry.GeneratedColumn + 1})
		}
	case Runtime:
		sm := loc.Source.SourceMap()
		if sm != nil {
			entry, ok := sm.FindEntry(loc.Line-1, loc.Column-1)
			if ok && entry.HasSource {
				if authored, found := c.byURL[entry.SourceURL]; found {
					out = append(out, UiLocation{Source: authored, Line: entry.SourceLine + 1, Column: entry.SourceColumn + 1})
				}
			}
		}
	}

	if preferSource == nil {
		return out
	}
	filtered := out[:0]
	for _, l := range out {
		if l.Source == preferSource {
			filtered = append(filtered, l)
		}
	}
	return filtered
}
