// Package predictor implements BreakpointPredictor: a best-effort,
// workspace-wide index from authored source paths to the compiled
// location they most likely correspond to, built by scanning on-disk
// ".js.map" files ahead of the runtime ever loading the script they
// describe.
package predictor

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/go-jsdap/jsdap/internal/sourcemap"
)

const defaultCacheSize = 256

// Location is a predicted compiled-script position.
type Location struct {
	URL  string
	Line int // 0-based
	Column int
}

// Predictor scans rootPath for ".js.map" files and indexes each map's
// authored sources by absolute path.
type Predictor struct {
	rootPath string
	log      *logrus.Entry

	mu      sync.RWMutex
	scanned bool
	byPath  map[string][]entry

	cache *lru.Cache
}

type entry struct {
	scriptURL string
	sm        *sourcemap.SourceMap
}

// New creates a Predictor rooted at rootPath. The scan is performed
// lazily, on first Predict call, not at construction.
func New(rootPath string, log *logrus.Entry) *Predictor {
	cache, _ := lru.New(defaultCacheSize)
	return &Predictor{rootPath: rootPath, log: log, byPath: map[string][]entry{}, cache: cache}
}

// Predict returns the best-guess compiled location for (authoredPath,
// line, column) -- line/column are 1-based, UI coordinates -- or false if
// no scanned map resolves that path.
func (p *Predictor) Predict(authoredPath string, line, col int) (Location, bool) {
	p.ensureScanned()

	if cached, ok := p.cache.Get(cacheKey{authoredPath, line, col}); ok {
		loc := cached.(Location)
		return loc, true
	}

	p.mu.RLock()
	entries := p.byPath[authoredPath]
	p.mu.RUnlock()

	for _, e := range entries {
		sourceURL := sourcemap.ResolvedSourceURL(e.sm.URL(), authoredPath)
		found, ok := e.sm.FindReverseEntry(sourceURL, line-1, col-1)
		if !ok {
			continue
		}
		loc := Location{URL: e.scriptURL, Line: found.GeneratedLine, Column: found.GeneratedColumn}
		p.cache.Add(cacheKey{authoredPath, line, col}, loc)
		return loc, true
	}
	return Location{}, false
}

type cacheKey struct {
	path       string
	line, column int
}

// ensureScanned performs the one-time, best-effort directory walk. Errors
// (permission, a malformed map) are logged and otherwise ignored --
// SPEC_FULL.md §7 classifies source-map parse failures as silent errors.
func (p *Predictor) ensureScanned() {
	p.mu.Lock()
	if p.scanned || p.rootPath == "" {
		p.mu.Unlock()
		return
	}
	p.scanned = true
	p.mu.Unlock()

	filepath.WalkDir(p.rootPath, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".js.map") {
			return nil
		}
		data, rerr := os.ReadFile(path)
		if rerr != nil {
			if p.log != nil {
				p.log.WithError(rerr).WithField("path", path).Debug("predictor: failed to read map")
			}
			return nil
		}
		scriptPath := strings.TrimSuffix(path, ".map")
		scriptURL := "file://" + filepath.ToSlash(scriptPath)
		sm, perr := sourcemap.Parse(scriptURL+".map", data)
		if perr != nil {
			if p.log != nil {
				p.log.WithError(perr).WithField("path", path).Debug("predictor: failed to parse map")
			}
			return nil
		}
		p.indexMap(scriptURL, sm)
		return nil
	})
}

func (p *Predictor) indexMap(scriptURL string, sm *sourcemap.SourceMap) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, srcURL := range sm.Sources() {
		authoredPath := filepath.FromSlash(strings.TrimPrefix(srcURL, "file://"))
		p.byPath[authoredPath] = append(p.byPath[authoredPath], entry{scriptURL: scriptURL, sm: sm})
	}
}

// Reset clears the scan state and cache, forcing a re-scan on the next
// Predict call. Used after the predictor's one-shot cache has gone stale
// following a workspace rebuild.
func (p *Predictor) Reset() {
	p.mu.Lock()
	p.scanned = false
	p.byPath = map[string][]entry{}
	p.mu.Unlock()
	p.cache.Purge()
}
