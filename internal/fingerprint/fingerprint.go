package fingerprint

import (
	"crypto/md5" // #nosec G501 -- change detection only, not integrity
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Compute hashes the contents of every regular file matched by files and the
// sorted entry names of every directory in dirs into a single hex digest.
//
// Files are fed in glob order: patterns in the order given, matches of a single
// pattern sorted lexically. Directory listings include "." and ".." and are
// joined with a single space before hashing.
func Compute(files []string, dirs []string) (string, error) {
	h := md5.New() // #nosec G401
	paths, err := Expand(files)
	if err != nil {
		return "", err
	}
	for _, p := range paths {
		if err := hashFile(h, p); err != nil {
			return "", err
		}
	}
	for _, d := range dirs {
		names, err := listDir(d)
		if err != nil {
			return "", err
		}
		_, _ = io.WriteString(h, strings.Join(names, " "))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Expand resolves glob patterns to regular files. Duplicates across patterns are kept.
func Expand(patterns []string) ([]string, error) {
	var out []string
	for _, pat := range patterns {
		matches, err := doublestar.FilepathGlob(pat)
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pat, err)
		}
		sort.Strings(matches)
		for _, m := range matches {
			fi, err := os.Stat(m)
			if err != nil {
				// dangling symlink or file removed between glob and stat
				if os.IsNotExist(err) {
					continue
				}
				return nil, err
			}
			if fi.Mode().IsRegular() {
				out = append(out, m)
			}
		}
	}
	return out, nil
}

func hashFile(h hash.Hash, path string) error {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}

func listDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries)+2)
	names = append(names, ".", "..")
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
