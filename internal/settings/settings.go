// Package settings discovers per-system settings modules and report locations.
package settings

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Environments lists the settings modules under <root>/<system>/envs as dotted
// module names, e.g. envs/dev/local.py becomes "dev.local". Package markers
// (__init__.py) are skipped.
func Environments(root, system string) ([]string, error) {
	base := filepath.Join(root, system, "envs")
	matches, err := doublestar.FilepathGlob(filepath.Join(base, "**", "*.py"))
	if err != nil {
		return nil, fmt.Errorf("glob settings for %s: %w", system, err)
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if filepath.Base(m) == "__init__.py" {
			continue
		}
		rel, err := filepath.Rel(base, m)
		if err != nil {
			return nil, err
		}
		rel = strings.TrimSuffix(filepath.ToSlash(rel), ".py")
		out = append(out, strings.ReplaceAll(rel, "/", "."))
	}
	sort.Strings(out)
	return out, nil
}

// ReportDir is the directory test reports for name are written to.
func ReportDir(base, name string) string {
	return filepath.Join(base, name)
}
