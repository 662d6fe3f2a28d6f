package env

import (
	"os"
	"sort"
	"strings"
)

// Env composes the environment handed to supervised services: the OS
// environment (captured once), global overrides from configuration, and
// per-service overrides, in that order of precedence.
type Env struct {
	base map[string]string
	vars map[string]string
}

// New captures the current OS environment as the base.
func New() *Env {
	return &Env{base: parse(os.Environ()), vars: map[string]string{}}
}

// Empty returns an Env with no OS base, useful when use_os_env is off.
func Empty() *Env {
	return &Env{base: map[string]string{}, vars: map[string]string{}}
}

// Set adds a global override.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	e.vars[k] = v
}

// SetAll applies "K=V" pairs as global overrides; malformed entries are ignored.
func (e *Env) SetAll(kvs []string) {
	for k, v := range parse(kvs) {
		e.Set(k, v)
	}
}

// Merge returns the sorted "K=V" list for a service with perProc overrides.
// Values may reference other variables as $VAR or ${VAR}; references resolve
// against the merged set before expansion, one level deep.
func (e *Env) Merge(perProc []string) []string {
	m := make(map[string]string, len(e.base)+len(e.vars)+len(perProc))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.vars {
		m[k] = v
	}
	for k, v := range parse(perProc) {
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+os.Expand(v, func(name string) string { return m[name] }))
	}
	sort.Strings(out)
	return out
}

func parse(kvs []string) map[string]string {
	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		m[kv[:i]] = kv[i+1:]
	}
	return m
}
