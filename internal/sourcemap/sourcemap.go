// Package sourcemap parses V3 source maps and answers forward ("what
// authored position generated this compiled position") and reverse ("what
// compiled position was generated from this authored position") lookups.
package sourcemap

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
)

// Entry is one decoded mapping segment, positioned by its generated
// (compiled) coordinates and optionally carrying an authored-source
// coordinate and name.
type Entry struct {
	GeneratedLine   int
	GeneratedColumn int

	HasSource    bool
	SourceURL    string
	SourceLine   int
	SourceColumn int

	HasName bool
	Name    string
}

// rawSection mirrors the "sections" form of a source map (index maps).
type rawSection struct {
	Offset struct {
		Line   int `json:"line"`
		Column int `json:"column"`
	} `json:"offset"`
	Map json.RawMessage `json:"map"`
	URL json.RawMessage `json:"url"`
}

type rawMap struct {
	Version        int               `json:"version"`
	File           string            `json:"file"`
	SourceRoot     string            `json:"sourceRoot"`
	Sources        []string          `json:"sources"`
	SourcesContent []*string         `json:"sourcesContent"`
	Names          []string          `json:"names"`
	Mappings       string            `json:"mappings"`
	Sections       []json.RawMessage `json:"sections"`
}

// SourceMap is a parsed, query-ready V3 source map.
type SourceMap struct {
	url     string
	sources []string
	content map[string]string

	// entries is sorted by (GeneratedLine, GeneratedColumn) once Parse
	// returns: invariant 3 of SPEC_FULL.md §8.
	entries []Entry

	// reverse is built lazily per authored source, sorted by
	// (SourceLine, SourceColumn).
	reverse map[string][]Entry
}

// URL is the URL the map was fetched from (or the compiled script's URL,
// for maps embedded via data: URI).
func (m *SourceMap) URL() string { return m.url }

// Sources returns the resolved authored-source URLs this map refers to, in
// the order they appear in the "sources" field.
func (m *SourceMap) Sources() []string {
	out := make([]string, len(m.sources))
	copy(out, m.sources)
	return out
}

// Content returns the inlined sourcesContent for url, if the map carried one.
func (m *SourceMap) Content(sourceURL string) (string, bool) {
	c, ok := m.content[sourceURL]
	return c, ok
}

// Parse decodes a V3 source map. baseURL is the URL the map itself was
// fetched from, used to resolve relative "sources" entries.
func Parse(baseURL string, data []byte) (*SourceMap, error) {
	var raw rawMap
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("sourcemap: parse %s: %w", baseURL, err)
	}

	m := &SourceMap{
		url:     baseURL,
		content: map[string]string{},
	}

	if len(raw.Sections) > 0 {
		if err := m.parseSections(baseURL, raw.Sections); err != nil {
			return nil, err
		}
		sort.Slice(m.entries, func(i, j int) bool { return entryLess(m.entries[i], m.entries[j]) })
		return m, nil
	}

	resolved := resolveSources(baseURL, raw.SourceRoot, raw.Sources)
	m.sources = resolved
	for i, c := range raw.SourcesContent {
		if c != nil && i < len(resolved) {
			m.content[resolved[i]] = *c
		}
	}

	entries, err := decodeMappings(raw.Mappings, resolved, raw.Names, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("sourcemap: %s: %w", baseURL, err)
	}
	m.entries = entries
	// Mappings are emitted in generated-position order by every known
	// generator; sort defensively so invariant 3 holds even against
	// hand-built or adversarial maps.
	sort.Slice(m.entries, func(i, j int) bool { return entryLess(m.entries[i], m.entries[j]) })
	return m, nil
}

func (m *SourceMap) parseSections(baseURL string, sections []json.RawMessage) error {
	for _, raw := range sections {
		var sec rawSection
		if err := json.Unmarshal(raw, &sec); err != nil {
			return fmt.Errorf("sourcemap: parse section of %s: %w", baseURL, err)
		}
		if len(sec.URL) > 0 {
			// Per spec: a section carrying a "url" field (an external
			// map the consumer would have to fetch separately) is
			// rejected rather than silently ignored.
			return fmt.Errorf("sourcemap: %s: section with external url is not supported", baseURL)
		}
		if len(sec.Map) == 0 {
			continue
		}
		var inner rawMap
		if err := json.Unmarshal(sec.Map, &inner); err != nil {
			return fmt.Errorf("sourcemap: parse embedded section map of %s: %w", baseURL, err)
		}
		resolved := resolveSources(baseURL, inner.SourceRoot, inner.Sources)
		for i, c := range inner.SourcesContent {
			if c != nil && i < len(resolved) {
				m.content[resolved[i]] = *c
			}
		}
		m.sources = append(m.sources, resolved...)
		entries, err := decodeMappings(inner.Mappings, resolved, inner.Names, sec.Offset.Line, sec.Offset.Column)
		if err != nil {
			return fmt.Errorf("sourcemap: %s: %w", baseURL, err)
		}
		m.entries = append(m.entries, entries...)
	}
	return nil
}

func entryLess(a, b Entry) bool {
	if a.GeneratedLine != b.GeneratedLine {
		return a.GeneratedLine < b.GeneratedLine
	}
	return a.GeneratedColumn < b.GeneratedColumn
}

// resolveSources joins sourceRoot (if any) onto each raw "sources" entry
// and resolves the result against the map's own URL, the way a browser
// resolves relative module specifiers.
func resolveSources(baseURL, sourceRoot string, sources []string) []string {
	out := make([]string, len(sources))
	base, err := url.Parse(baseURL)
	for i, s := range sources {
		joined := s
		if sourceRoot != "" {
			joined = strings.TrimSuffix(sourceRoot, "/") + "/" + s
		}
		if err != nil {
			out[i] = joined
			continue
		}
		ref, rerr := url.Parse(joined)
		if rerr != nil {
			out[i] = joined
			continue
		}
		out[i] = base.ResolveReference(ref).String()
	}
	return out
}

// decodeMappings decodes the "mappings" VLQ grid into entries, offsetting
// generated (line, column) by (lineOffset, colOffset) for index-map
// sections.
func decodeMappings(mappings string, sources []string, names []string, lineOffset, colOffset int) ([]Entry, error) {
	if mappings == "" {
		return nil, nil
	}
	var entries []Entry

	genLine := lineOffset
	genCol := 0
	srcIndex := 0
	srcLine := 0
	srcCol := 0
	nameIndex := 0

	firstLine := true
	for _, lineStr := range strings.Split(mappings, ";") {
		genCol = 0
		if firstLine {
			firstLine = false
		} else {
			genLine++
		}
		if lineStr == "" {
			continue
		}
		for _, seg := range strings.Split(lineStr, ",") {
			if seg == "" {
				continue
			}
			fields, err := decodeSegment(seg)
			if err != nil {
				return nil, err
			}
			genCol += fields[0]
			effectiveCol := genCol
			if genLine == lineOffset {
				// First physical line of this (sub)map: the
				// generated column also carries the section's
				// column offset.
				effectiveCol = genCol + colOffset
			}
			e := Entry{
				GeneratedLine:   genLine,
				GeneratedColumn: effectiveCol,
			}
			if len(fields) >= 4 {
				srcIndex += fields[1]
				srcLine += fields[2]
				srcCol += fields[3]
				if srcIndex >= 0 && srcIndex < len(sources) {
					e.HasSource = true
					e.SourceURL = sources[srcIndex]
					e.SourceLine = srcLine
					e.SourceColumn = srcCol
				}
			}
			if len(fields) >= 5 {
				nameIndex += fields[4]
				if nameIndex >= 0 && nameIndex < len(names) {
					e.HasName = true
					e.Name = names[nameIndex]
				}
			}
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func decodeSegment(seg string) ([]int, error) {
	var fields []int
	pos := 0
	for pos < len(seg) {
		v, next, err := decodeVLQ(seg, pos)
		if err != nil {
			return nil, err
		}
		fields = append(fields, v)
		pos = next
	}
	switch len(fields) {
	case 1, 4, 5:
		return fields, nil
	default:
		return nil, fmt.Errorf("sourcemap: mapping segment with %d fields", len(fields))
	}
}

// FindEntry returns the entry with the greatest (GeneratedLine,
// GeneratedColumn) not exceeding (line, col) -- "upper_bound - 1" over the
// generated-position-sorted entries.
func (m *SourceMap) FindEntry(line, col int) (Entry, bool) {
	query := Entry{GeneratedLine: line, GeneratedColumn: col}
	idx := sort.Search(len(m.entries), func(i int) bool {
		return !entryLess(m.entries[i], query) // first entry >= query
	})
	// idx is the first entry >= query. We want the last entry <= query,
	// i.e. idx-1, unless entries[idx] == query exactly.
	if idx < len(m.entries) && !entryLess(query, m.entries[idx]) {
		return m.entries[idx], true
	}
	if idx == 0 {
		return Entry{}, false
	}
	return m.entries[idx-1], true
}

// FindReverseEntry returns, within the entries belonging to sourceURL, the
// entry with the smallest (SourceLine, SourceColumn) not less than (line,
// col); if none exists, the last entry on the same SourceLine, if any.
func (m *SourceMap) FindReverseEntry(sourceURL string, line, col int) (Entry, bool) {
	entries := m.reverseIndex(sourceURL)
	if len(entries) == 0 {
		return Entry{}, false
	}
	idx := sort.Search(len(entries), func(i int) bool {
		e := entries[i]
		if e.SourceLine != line {
			return e.SourceLine > line
		}
		return e.SourceColumn >= col
	})
	if idx < len(entries) {
		return entries[idx], true
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].SourceLine == line {
			return entries[i], true
		}
	}
	return Entry{}, false
}

// EntriesForSource returns, in SourceLine/SourceColumn order, every entry
// belonging to sourceURL whose SourceLine falls within [startLine, endLine]
// (inclusive, 0-based) -- the candidate breakpoint positions for a
// `breakpointLocations` request spanning that range.
func (m *SourceMap) EntriesForSource(sourceURL string, startLine, endLine int) []Entry {
	var out []Entry
	for _, e := range m.reverseIndex(sourceURL) {
		if e.SourceLine >= startLine && e.SourceLine <= endLine {
			out = append(out, e)
		}
	}
	return out
}

func (m *SourceMap) reverseIndex(sourceURL string) []Entry {
	if m.reverse == nil {
		m.reverse = map[string][]Entry{}
	}
	if idx, ok := m.reverse[sourceURL]; ok {
		return idx
	}
	var idx []Entry
	for _, e := range m.entries {
		if e.HasSource && e.SourceURL == sourceURL {
			idx = append(idx, e)
		}
	}
	sort.Slice(idx, func(i, j int) bool {
		if idx[i].SourceLine != idx[j].SourceLine {
			return idx[i].SourceLine < idx[j].SourceLine
		}
		return idx[i].SourceColumn < idx[j].SourceColumn
	})
	m.reverse[sourceURL] = idx
	return idx
}

// ResolvedSourceURL canonicalizes a "sources" entry against the map's own
// directory, matching the semantics resolveSources applies at parse time.
// Exposed for BreakpointPredictor, which needs the same join logic to turn
// an authored path into the source URL a scanned map's entries carry.
func ResolvedSourceURL(mapURL, raw string) string {
	base, err := url.Parse(mapURL)
	if err != nil {
		return raw
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return base.ResolveReference(ref).String()
}

// Dir returns the directory portion of u, analogous to path.Dir but
// operating on the path component of a URL so it does not corrupt a
// scheme/host prefix.
func Dir(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return path.Dir(u)
	}
	parsed.Path = path.Dir(parsed.Path)
	return parsed.String()
}
