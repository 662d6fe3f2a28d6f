package server

import (
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

var stepNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// mountPoint normalises a base path to "/x/y" form; "" means the root.
func mountPoint(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" {
		return ""
	}
	bp = path.Clean("/" + bp)
	if bp == "/" {
		return ""
	}
	return bp
}

func validStepName(s string) bool {
	return stepNameRe.MatchString(s) && !strings.Contains(s, "..")
}

// withinRoot reports whether pattern, joined to the server root, stays inside
// it: relative, no volume name and no ".." segment.
func withinRoot(pattern string) bool {
	if strings.TrimSpace(pattern) == "" || filepath.VolumeName(pattern) != "" {
		return false
	}
	if strings.HasPrefix(pattern, "/") || strings.HasPrefix(pattern, `\`) {
		return false
	}
	segs := strings.FieldsFunc(pattern, func(r rune) bool { return r == '/' || r == '\\' })
	for _, seg := range segs {
		if seg == ".." {
			return false
		}
	}
	return true
}
