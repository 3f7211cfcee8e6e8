package env

import (
	"os"
	"sort"
	"strings"
)

// Var maps variable names to values.
type Var map[string]string

// Env composes the environment handed to child processes: a base (normally the
// supervisor's own environment) with overrides applied on top.
type Env struct {
	base Var
	vars Var
}

// FromOS starts from the current process environment.
func FromOS() *Env { return FromList(os.Environ()) }

// FromList starts from a "K=V" list. Entries without '=' or with an empty key are skipped.
func FromList(kvs []string) *Env {
	e := &Env{base: make(Var), vars: make(Var)}
	for k, v := range parse(kvs) {
		e.base[k] = v
	}
	return e
}

// Set overrides a variable and returns e for chaining.
func (e *Env) Set(k, v string) *Env {
	if k != "" {
		e.vars[k] = v
	}
	return e
}

// Merge returns base, then overrides, then extra ("K=V") as a sorted list.
// ${VAR} references in override values are expanded against the composed set.
func (e *Env) Merge(extra []string) []string {
	m := make(Var, len(e.base)+len(e.vars))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.vars {
		m[k] = expand(v, e.base)
	}
	for k, v := range parse(extra) {
		m[k] = expand(v, m)
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// List is Merge without extras.
func (e *Env) List() []string { return e.Merge(nil) }

func parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		m[kv[:i]] = kv[i+1:]
	}
	return m
}

// expand replaces ${VAR} occurrences once; unknown names are left untouched.
func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(name string) string {
		if v, ok := m[name]; ok {
			return v
		}
		return "${" + name + "}"
	})
}
