// Package env expands ${VAR} references in configured module options.
package env

import (
	"os"
	"strings"
)

type Vars map[string]string

// Env resolves variables from the [vars] table first, then the process
// environment. [vars] names are case-insensitive since the config loader
// folds table keys to lower case.
type Env struct {
	vars Vars
	os   Vars
}

func New(vars map[string]string) *Env {
	e := &Env{vars: make(Vars, len(vars))}
	for k, v := range vars {
		if k != "" {
			e.vars[strings.ToLower(k)] = v
		}
	}
	e.os = fromOS()
	return e
}

func fromOS() Vars {
	base := make(Vars)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		base[k] = v
	}
	return base
}

// Lookup reports the value of name. [vars] entries may themselves reference
// OS variables; one level of expansion is applied to them.
func (e *Env) Lookup(name string) (string, bool) {
	if v, ok := e.vars[strings.ToLower(name)]; ok {
		return expand(v, e.os), true
	}
	v, ok := e.os[name]
	return v, ok
}

// Expand replaces every ${NAME} in s. Unknown names are left untouched so a
// typo stays visible in the module's stored config.
func (e *Env) Expand(s string) string {
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
		if v, ok := e.Lookup(name); ok && name != "" {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
}

// ExpandConfig returns a copy of cfg with string values expanded, walking
// nested tables and arrays. Non-string values are kept as is.
func (e *Env) ExpandConfig(cfg map[string]any) map[string]any {
	if cfg == nil {
		return nil
	}
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		out[k] = e.expandValue(v)
	}
	return out
}

func (e *Env) expandValue(v any) any {
	switch t := v.(type) {
	case string:
		return e.Expand(t)
	case map[string]any:
		return e.ExpandConfig(t)
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = e.expandValue(x)
		}
		return out
	case []string:
		out := make([]string, len(t))
		for i, x := range t {
			out[i] = e.Expand(x)
		}
		return out
	default:
		return v
	}
}

func expand(s string, m Vars) string {
	for k, v := range m {
		if strings.Contains(s, "${"+k+"}") {
			s = strings.ReplaceAll(s, "${"+k+"}", v)
		}
	}
	return s
}
