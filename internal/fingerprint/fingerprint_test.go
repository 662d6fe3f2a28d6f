package fingerprint

import (
	"context"
	"crypto/md5" // #nosec G501
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s)) // #nosec G401
	return hex.EncodeToString(sum[:])
}

func TestComputeHashesFilesInGlobOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "src", "b.txt"), "world")
	writeFile(t, filepath.Join(dir, "src", "a.txt"), "hello")

	d1, err := Compute([]string{filepath.Join(dir, "src", "*.txt")}, nil)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if want := md5hex("helloworld"); d1 != want {
		t.Fatalf("digest = %s, want %s", d1, want)
	}

	again, err := Compute([]string{filepath.Join(dir, "src", "*.txt")}, nil)
	if err != nil || again != d1 {
		t.Fatalf("not deterministic: %s vs %s (%v)", again, d1, err)
	}

	writeFile(t, filepath.Join(dir, "src", "a.txt"), "hellp")
	d2, err := Compute([]string{filepath.Join(dir, "src", "*.txt")}, nil)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if d2 == d1 {
		t.Fatalf("digest unchanged after content change: %s", d2)
	}
}

func TestComputeSkipsDirectoriesAndKeepsPatternOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "x", "one"), "1")
	writeFile(t, filepath.Join(dir, "y", "two"), "2")
	if err := os.MkdirAll(filepath.Join(dir, "x", "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	d, err := Compute([]string{filepath.Join(dir, "y", "*"), filepath.Join(dir, "x", "*")}, nil)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if want := md5hex("21"); d != want {
		t.Fatalf("digest = %s, want %s (pattern order, dirs skipped)", d, want)
	}
}

func TestComputeRecursiveGlob(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a", "b", "c.py"), "c")
	writeFile(t, filepath.Join(dir, "a", "d.py"), "d")

	d, err := Compute([]string{filepath.Join(dir, "**", "*.py")}, nil)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	// lexical order of full paths: a/b/c.py < a/d.py
	if want := md5hex("cd"); d != want {
		t.Fatalf("digest = %s, want %s", d, want)
	}
}

func TestComputeDirectoryListing(t *testing.T) {
	dir := t.TempDir()
	watched := filepath.Join(dir, "node_modules")
	writeFile(t, filepath.Join(watched, "b"), "")
	writeFile(t, filepath.Join(watched, "a"), "")

	d1, err := Compute(nil, []string{watched})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if want := md5hex(". .. a b"); d1 != want {
		t.Fatalf("digest = %s, want %s", d1, want)
	}

	// rename changes the digest
	if err := os.Rename(filepath.Join(watched, "a"), filepath.Join(watched, "c")); err != nil {
		t.Fatal(err)
	}
	d2, _ := Compute(nil, []string{watched})
	if d2 == d1 {
		t.Fatal("rename did not change digest")
	}

	// add changes the digest
	writeFile(t, filepath.Join(watched, "d"), "")
	d3, _ := Compute(nil, []string{watched})
	if d3 == d2 {
		t.Fatal("add did not change digest")
	}

	// content changes inside a watched dir do not
	writeFile(t, filepath.Join(watched, "d"), "changed")
	d4, _ := Compute(nil, []string{watched})
	if d4 != d3 {
		t.Fatal("content change in listed dir should not affect digest")
	}
}

func TestComputeMissingDirErrors(t *testing.T) {
	if _, err := Compute(nil, []string{filepath.Join(t.TempDir(), "nope")}); err == nil {
		t.Fatal("expected error for missing dir")
	}
}

func TestCacheKey(t *testing.T) {
	tests := map[string]string{
		"src/*.txt":                 "src-txt",
		"package.json":              "package-json",
		"requirements/edx/*.txt":    "requirements-edx-txt",
		"**/*.rb":                   "-rb",
		"Gemfile":                   "Gemfile",
		"common/lib/**/setup.py///": "common-lib-setup-py",
	}
	for in, want := range tests {
		if got := CacheKey(in); got != want {
			t.Errorf("CacheKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWhenChangedRunsOnceForUnchangedInputs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "src", "a.txt"), "hello")
	writeFile(t, filepath.Join(dir, "src", "b.txt"), "world")
	c := New(filepath.Join(dir, "cache"))
	files := []string{filepath.Join(dir, "src", "*.txt")}

	count := 0
	action := func(context.Context) error { count++; return nil }

	ran, err := c.WhenChanged(context.Background(), "unchanged", files, nil, action)
	if err != nil || !ran {
		t.Fatalf("first call: ran=%v err=%v", ran, err)
	}
	ran, err = c.WhenChanged(context.Background(), "unchanged", files, nil, action)
	if err != nil || ran {
		t.Fatalf("second call: ran=%v err=%v", ran, err)
	}
	if count != 1 {
		t.Fatalf("action count = %d, want 1", count)
	}

	rec, ok, err := c.Lookup(files)
	if err != nil || !ok {
		t.Fatalf("lookup: ok=%v err=%v", ok, err)
	}
	if rec.Digest != md5hex("helloworld") {
		t.Fatalf("stored digest = %s", rec.Digest)
	}

	p, _ := c.Path(files)
	if filepath.Ext(p) != Ext || filepath.Dir(p) != c.Dir() {
		t.Fatalf("unexpected cache path %s", p)
	}

	writeFile(t, filepath.Join(dir, "src", "a.txt"), "hellp")
	ran, err = c.WhenChanged(context.Background(), "", files, nil, action)
	if err != nil || !ran || count != 2 {
		t.Fatalf("after change: ran=%v count=%d err=%v", ran, count, err)
	}
}

func TestWhenChangedStoresDigestAfterAction(t *testing.T) {
	dir := t.TempDir()
	deps := filepath.Join(dir, "deps")
	writeFile(t, filepath.Join(dir, "req.txt"), "pkg==1")
	if err := os.MkdirAll(deps, 0o755); err != nil {
		t.Fatal(err)
	}
	c := New(filepath.Join(dir, "cache"))
	files := []string{filepath.Join(dir, "req.txt")}

	install := func(context.Context) error {
		return os.WriteFile(filepath.Join(deps, "pkg"), nil, 0o644)
	}
	if _, err := c.WhenChanged(context.Background(), "", files, []string{deps}, install); err != nil {
		t.Fatalf("first: %v", err)
	}
	// the action's own effect on the dir listing must not cause a re-run
	ran, err := c.WhenChanged(context.Background(), "", files, []string{deps}, install)
	if err != nil || ran {
		t.Fatalf("second: ran=%v err=%v", ran, err)
	}
}

func TestWhenChangedActionErrorLeavesCacheUntouched(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "in.txt"), "x")
	c := New(filepath.Join(dir, "cache"))
	files := []string{filepath.Join(dir, "in.txt")}
	boom := errors.New("boom")

	ran, err := c.WhenChanged(context.Background(), "", files, nil, func(context.Context) error { return boom })
	if !ran || !errors.Is(err, boom) {
		t.Fatalf("ran=%v err=%v", ran, err)
	}
	if _, ok, _ := c.Lookup(files); ok {
		t.Fatal("cache must not be written after a failed action")
	}
}

func TestWhenChangedPatternMatchingNothing(t *testing.T) {
	dir := t.TempDir()
	deps := filepath.Join(dir, "node_modules")
	writeFile(t, filepath.Join(deps, "left-pad", "index.js"), "x")
	files := []string{filepath.Join(dir, "requirements", "*.txt")}
	c := New(filepath.Join(dir, "cache"))

	runs := 0
	action := func(context.Context) error { runs++; return nil }
	for i := 0; i < 2; i++ {
		if _, err := c.WhenChanged(context.Background(), "", files, []string{deps}, action); err != nil {
			t.Fatalf("when changed: %v", err)
		}
	}
	if runs != 1 {
		t.Fatalf("action ran %d times, want 1", runs)
	}
	rec, ok, err := c.Lookup(files)
	if err != nil || !ok {
		t.Fatalf("lookup ok=%v err=%v", ok, err)
	}
	// only the directory listing contributes
	if rec.Digest != md5hex(". .. left-pad") {
		t.Fatalf("digest = %s", rec.Digest)
	}

	writeFile(t, filepath.Join(deps, "lodash", "index.js"), "y")
	ran, err := c.WhenChanged(context.Background(), "", files, []string{deps}, action)
	if err != nil || !ran {
		t.Fatalf("ran=%v err=%v, want rerun after listing changed", ran, err)
	}
}

func TestWhenChangedRequiresFiles(t *testing.T) {
	c := New(t.TempDir())
	_, err := c.WhenChanged(context.Background(), "", nil, nil, func(context.Context) error { return nil })
	if !errors.Is(err, ErrNoFiles) {
		t.Fatalf("err = %v, want ErrNoFiles", err)
	}
}

func TestForget(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "in.txt"), "x")
	c := New(filepath.Join(dir, "cache"))
	files := []string{filepath.Join(dir, "in.txt")}
	count := 0
	action := func(context.Context) error { count++; return nil }

	_, _ = c.WhenChanged(context.Background(), "", files, nil, action)
	if err := c.Forget(files); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if err := c.Forget(files); err != nil {
		t.Fatalf("forget twice: %v", err)
	}
	_, _ = c.WhenChanged(context.Background(), "", files, nil, action)
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
}

func TestNewDefaultsDir(t *testing.T) {
	if New("").Dir() != DefaultDir {
		t.Fatalf("default dir = %q", New("").Dir())
	}
}
