package sourcepath

import "testing"

func TestRoundTripUnderWebRoot(t *testing.T) {
	r := New(Config{WebRoot: "/home/user/proj", BaseURL: "http://localhost:8080"})
	p := "/home/user/proj/src/app.js"
	u := r.AbsolutePathToURL(p)
	if u != "http://localhost:8080/src/app.js" {
		t.Fatalf("AbsolutePathToURL = %q", u)
	}
	back := r.URLToAbsolutePath(u)
	if back != p {
		t.Fatalf("round trip: got %q, want %q", back, p)
	}
}

func TestAbsolutePathToURLOutsideWebRoot(t *testing.T) {
	r := New(Config{WebRoot: "/home/user/proj", BaseURL: "http://localhost:8080"})
	u := r.AbsolutePathToURL("/etc/hosts")
	if u != "file:///etc/hosts" {
		t.Fatalf("AbsolutePathToURL = %q", u)
	}
}

func TestURLToAbsolutePathFileScheme(t *testing.T) {
	r := New(Config{})
	got := r.URLToAbsolutePath("file:///a/b/c.js")
	if got != "/a/b/c.js" {
		t.Fatalf("got %q", got)
	}
}

func TestURLToAbsolutePathWebpackRules(t *testing.T) {
	r := New(Config{WebRoot: "/proj"})

	tests := []struct {
		url  string
		want string
	}{
		{"webpack:///./~/lodash/index.js", "/proj/node_modules/lodash/index.js"},
		{"webpack:///./src/app.js", "/proj/src/app.js"},
		{"webpack:///src/app.js", "/proj/app.js"},
		{"webpack:///webpack/bootstrap", "/webpack/bootstrap"},
	}
	for _, tc := range tests {
		if got := r.URLToAbsolutePath(tc.url); got != tc.want {
			t.Errorf("URLToAbsolutePath(%q) = %q, want %q", tc.url, got, tc.want)
		}
	}
}

func TestURLToAbsolutePathIndexFallback(t *testing.T) {
	r := New(Config{WebRoot: "/proj", BaseURL: "http://localhost:8080"})
	got := r.URLToAbsolutePath("")
	want := r.URLToAbsolutePath("index.html")
	if got != want {
		t.Fatalf("empty and index.html should resolve the same way: %q vs %q", got, want)
	}
}

func TestShouldCheckContentHash(t *testing.T) {
	local := New(Config{Remote: false})
	remote := New(Config{Remote: true})
	if local.ShouldCheckContentHash() {
		t.Fatal("local runtime should not require content hash checks")
	}
	if !remote.ShouldCheckContentHash() {
		t.Fatal("remote runtime should require content hash checks")
	}
}

func TestSetOverrides(t *testing.T) {
	r := New(Config{WebRoot: "/proj"})
	repl := "/proj/vendor/{webRoot}"
	if !r.SetOverrides("custom:///", &repl) {
		t.Fatal("expected add to succeed")
	}
	got := r.URLToAbsolutePath("custom:///thing.js")
	if got == "" {
		t.Fatal("expected override to apply")
	}
	if !r.SetOverrides("custom:///", nil) {
		t.Fatal("expected delete to succeed")
	}
	if r.SetOverrides("custom:///", nil) {
		t.Fatal("expected delete of already-removed rule to report failure")
	}
}
