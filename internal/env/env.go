package env

import (
	"os"
	"sort"
	"strings"
)

// Env composes the environment handed to the backend process:
// the inherited OS environment, then configured overrides, then per-launch
// entries. ${VAR} references are expanded against the composed set.
type Env struct {
	vars    map[string]string // configured overrides
	base    map[string]string // inherited environment, captured lazily
	inherit bool
}

// New returns an Env that inherits the current OS environment.
func New() *Env {
	return &Env{vars: make(map[string]string), inherit: true}
}

// Isolated returns an Env that does not inherit the OS environment.
func Isolated() *Env {
	return &Env{vars: make(map[string]string), base: map[string]string{}}
}

// Set records an override.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	e.vars[k] = v
}

// SetPairs records KEY=VALUE overrides; malformed entries are skipped.
func (e *Env) SetPairs(pairs []string) {
	for _, kv := range pairs {
		if k, v, ok := strings.Cut(kv, "="); ok {
			e.Set(strings.TrimSpace(k), v)
		}
	}
}

func (e *Env) Unset(k string) { delete(e.vars, k) }

// Merge returns the final KEY=VALUE list, sorted by key.
func (e *Env) Merge(extra []string) []string {
	if e.base == nil {
		e.base = osEnviron()
	}
	m := make(map[string]string, len(e.base)+len(e.vars)+len(extra))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.vars {
		m[k] = v
	}
	for _, kv := range extra {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			m[k] = v
		}
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

// expand replaces ${NAME} with its value from m. One pass, no recursion;
// unknown names are left untouched.
func expand(s string, m map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
}

func osEnviron() map[string]string {
	m := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			m[k] = v
		}
	}
	return m
}
