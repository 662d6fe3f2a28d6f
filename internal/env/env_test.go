package env

import (
	"strings"
	"testing"
)

func lookup(kvs []string, key string) (string, bool) {
	for _, kv := range kvs {
		if strings.HasPrefix(kv, key+"=") {
			return kv[len(key)+1:], true
		}
	}
	return "", false
}

func TestMergePrecedenceAndExpansion(t *testing.T) {
	e := Empty()
	e.SetAll([]string{"PORT=8000", "HOST=localhost", "=bad", "noequals"})
	out := e.Merge([]string{"PORT=8001", "URL=http://${HOST}:$PORT"})

	if v, _ := lookup(out, "PORT"); v != "8001" {
		t.Fatalf("per-process override lost: PORT=%q", v)
	}
	if v, _ := lookup(out, "URL"); v != "http://localhost:8001" {
		t.Fatalf("expansion failed: URL=%q", v)
	}
	if _, ok := lookup(out, ""); ok {
		t.Fatal("empty key must be dropped")
	}
	for i := 1; i < len(out); i++ {
		if out[i-1] > out[i] {
			t.Fatalf("output not sorted: %v", out)
		}
	}
}

func TestNewCapturesOS(t *testing.T) {
	t.Setenv("PREREQ_ENV_TEST", "yes")
	out := New().Merge(nil)
	if v, ok := lookup(out, "PREREQ_ENV_TEST"); !ok || v != "yes" {
		t.Fatalf("OS env not captured: %q %v", v, ok)
	}
}

func FuzzMerge(f *testing.F) {
	f.Add("A=1\nB=${A}-x", "C=${B}-y")
	f.Add("FOO=bar", "FOO=${FOO}")
	f.Add("X=$Y", "Y=${X}")

	f.Fuzz(func(t *testing.T, global, per string) {
		e := Empty()
		e.SetAll(strings.Split(global, "\n"))
		for _, kv := range e.Merge(strings.Split(per, "\n")) {
			if strings.HasPrefix(kv, "=") || !strings.Contains(kv, "=") {
				t.Fatalf("bad pair: %q", kv)
			}
		}
	})
}
