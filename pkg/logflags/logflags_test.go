package logflags

import "testing"

func TestSetupDefaultsToDAP(t *testing.T) {
	dap, cdp, sourcemapFlag, predictor, target = false, false, false, false, false
	if err := Setup(true, ""); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if !DAP() {
		t.Fatal("expected DAP layer enabled by default")
	}
	if CDP() || SourceMap() || Predictor() || Target() {
		t.Fatal("expected only the DAP layer enabled by default")
	}
}

func TestSetupEnablesListedLayers(t *testing.T) {
	dap, cdp, sourcemapFlag, predictor, target = false, false, false, false, false
	if err := Setup(true, "cdp,target"); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if !CDP() || !Target() {
		t.Fatal("expected cdp and target layers enabled")
	}
	if DAP() || SourceMap() || Predictor() {
		t.Fatal("expected unlisted layers to stay disabled")
	}
}

func TestSetupWithoutLogFlagRejectsLogOutput(t *testing.T) {
	if err := Setup(false, "cdp"); err != errLogstrWithoutLog {
		t.Fatalf("expected errLogstrWithoutLog, got %v", err)
	}
}

func TestSetupDisabled(t *testing.T) {
	dap, cdp, sourcemapFlag, predictor, target = true, true, true, true, true
	if err := Setup(false, ""); err != nil {
		t.Fatalf("Setup: %v", err)
	}
}
