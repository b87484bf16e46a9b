package predictor

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPredictFindsCompiledLocation(t *testing.T) {
	dir := t.TempDir()
	mapPath := filepath.Join(dir, "out.js.map")
	raw := `{
		"version": 3,
		"sources": ["` + "file://" + filepath.ToSlash(filepath.Join(dir, "app.js")) + `"],
		"names": [],
		"mappings": "AAAA,EACI"
	}`
	if err := os.WriteFile(mapPath, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	p := New(dir, nil)
	authoredPath := filepath.Join(dir, "app.js")

	loc, ok := p.Predict(authoredPath, 2, 5)
	if !ok {
		t.Fatal("expected a prediction")
	}
	if loc.Line != 0 || loc.Column != 2 {
		t.Fatalf("unexpected prediction: %+v", loc)
	}
}

func TestPredictUnknownPath(t *testing.T) {
	dir := t.TempDir()
	p := New(dir, nil)
	if _, ok := p.Predict(filepath.Join(dir, "missing.js"), 1, 1); ok {
		t.Fatal("expected no prediction for an unscanned path")
	}
}
