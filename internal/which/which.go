// Package which locates executables on PATH.
package which

import (
	"errors"
	"os"
	"os/exec"
	"strings"
)

// Result is the outcome of a PATH lookup.
type Result struct {
	Name  string `json:"name"`
	Path  string `json:"path,omitempty"`
	Found bool   `json:"found"`
}

// NotFoundError is returned by Select when no candidate resolves.
type NotFoundError struct {
	Candidates []string
}

func (e *NotFoundError) Error() string {
	return "no executables found from " + strings.Join(e.Candidates, ", ")
}

// Find looks name up on PATH. A name containing a path separator is checked
// directly.
func Find(name string) Result {
	p, err := exec.LookPath(name)
	if err != nil && !errors.Is(err, exec.ErrDot) {
		return Result{Name: name}
	}
	return Result{Name: name, Path: p, Found: true}
}

// Select returns the path of the first candidate found on PATH.
func Select(candidates ...string) (string, error) {
	for _, c := range candidates {
		if r := Find(c); r.Found {
			return r.Path, nil
		}
	}
	return "", &NotFoundError{Candidates: candidates}
}

// Resolve returns the value of envVar when set, otherwise Select(candidates...).
func Resolve(envVar string, candidates ...string) (string, error) {
	if envVar != "" {
		if v := strings.TrimSpace(os.Getenv(envVar)); v != "" {
			return v, nil
		}
	}
	return Select(candidates...)
}
