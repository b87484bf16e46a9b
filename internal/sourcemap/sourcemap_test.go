package sourcemap

import (
	"math/rand"
	"testing"
)

func TestVLQRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 2000; i++ {
		n := r.Intn(1 << 24)
		if r.Intn(2) == 0 {
			n = -n
		}
		enc := encodeVLQ(n)
		got, next, err := decodeVLQ(enc, 0)
		if err != nil {
			t.Fatalf("decodeVLQ(%q): %v", enc, err)
		}
		if got != n {
			t.Fatalf("round-trip mismatch: encode(%d) = %q, decode -> %d", n, enc, got)
		}
		if next != len(enc) {
			t.Fatalf("decodeVLQ consumed %d of %d bytes", next, len(enc))
		}
	}
}

func TestVLQZero(t *testing.T) {
	enc := encodeVLQ(0)
	got, _, err := decodeVLQ(enc, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0 {
		t.Fatalf("got %d, want 0", got)
	}
}

// A minimal hand-built map: one generated line with two segments, mapping
// to a single authored source "a.js" at (0,0) and (1,4).
//
// Segment 1: genCol=0, srcIndex=0, srcLine=0, srcCol=0 -> "AAAA"
// Segment 2: genCol=2 (delta +2), srcIndex=0 (delta 0), srcLine=1 (delta
// +1), srcCol=4 (delta +4) -> "EACI"
const testMappings = "AAAA,EACI"

func testMap(t *testing.T) *SourceMap {
	t.Helper()
	raw := `{
		"version": 3,
		"sources": ["a.js"],
		"names": [],
		"mappings": "` + testMappings + `"
	}`
	m, err := Parse("http://example.com/out.js.map", []byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestFindEntrySorted(t *testing.T) {
	m := testMap(t)
	for i := 1; i < len(m.entries); i++ {
		if !entryLess(m.entries[i-1], m.entries[i]) {
			t.Fatalf("entries not strictly increasing at %d: %+v >= %+v", i, m.entries[i-1], m.entries[i])
		}
	}
}

func TestFindEntry(t *testing.T) {
	m := testMap(t)

	e, ok := m.FindEntry(0, 0)
	if !ok || e.SourceLine != 0 || e.SourceColumn != 0 {
		t.Fatalf("FindEntry(0,0) = %+v, %v", e, ok)
	}

	// Querying a column between the two segments on line 0 returns the
	// first (greatest <= query).
	e, ok = m.FindEntry(0, 1)
	if !ok || e.GeneratedColumn != 0 {
		t.Fatalf("FindEntry(0,1) = %+v, %v, want GeneratedColumn=0", e, ok)
	}

	e, ok = m.FindEntry(0, 2)
	if !ok || e.SourceLine != 1 || e.SourceColumn != 4 {
		t.Fatalf("FindEntry(0,2) = %+v, %v", e, ok)
	}

	// Before the first entry: no result.
	if _, ok := m.FindEntry(-1, 0); ok {
		t.Fatal("expected no entry before the first mapping")
	}
}

func TestFindReverseEntry(t *testing.T) {
	m := testMap(t)

	e, ok := m.FindReverseEntry(ResolvedSourceURL(m.URL(), "a.js"), 0, 0)
	if !ok || e.GeneratedColumn != 0 {
		t.Fatalf("FindReverseEntry(0,0) = %+v, %v", e, ok)
	}

	// A query past the last mapped source position on a represented
	// line falls back to the last entry on that line.
	e, ok = m.FindReverseEntry(ResolvedSourceURL(m.URL(), "a.js"), 1, 100)
	if !ok || e.GeneratedColumn != 2 {
		t.Fatalf("FindReverseEntry(1,100) = %+v, %v, want fallback to last entry on line 1", e, ok)
	}

	if _, ok := m.FindReverseEntry("no-such-source", 0, 0); ok {
		t.Fatal("expected no reverse entries for an unknown source")
	}
}

func TestSectionsRejectURL(t *testing.T) {
	raw := `{
		"version": 3,
		"sections": [
			{"offset": {"line": 0, "column": 0}, "url": "external.map"}
		]
	}`
	if _, err := Parse("http://example.com/out.js.map", []byte(raw)); err == nil {
		t.Fatal("expected an error for a section carrying a url field")
	}
}

func TestSectionsOffset(t *testing.T) {
	raw := `{
		"version": 3,
		"sections": [
			{"offset": {"line": 0, "column": 0}, "map": {"version":3,"sources":["a.js"],"names":[],"mappings":"AAAA"}},
			{"offset": {"line": 5, "column": 10}, "map": {"version":3,"sources":["b.js"],"names":[],"mappings":"AAAA"}}
		]
	}`
	m, err := Parse("http://example.com/out.js.map", []byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	e, ok := m.FindEntry(5, 10)
	if !ok || !e.HasSource || e.SourceURL != ResolvedSourceURL(m.URL(), "b.js") {
		t.Fatalf("FindEntry(5,10) = %+v, %v", e, ok)
	}
}
