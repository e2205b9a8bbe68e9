/*
 * Copyright 2023 The jmpapi authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package jmpapi

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/jmpapi/jmpapi/httpd"
)

// VarScope resolves `{path}` and `{path:fmt}` references in configuration
// strings. The first path segment names a bound value (`args`, `options`,
// `session`, `group`); the remaining segments index into dicts and maps.
//
// A `:fmt` suffix follows printf verbs without the `%` (`04d`, `.2f`, `x`);
// the special format `S` renders the value as a SQL string literal. In SQL
// context an unknown path renders as NULL, outside SQL context the
// reference is left in place verbatim.
type VarScope struct {
	vals map[string]any
}

// NewVarScope returns an empty scope.
func NewVarScope() *VarScope {
	return &VarScope{vals: make(map[string]any)}
}

// Bind makes value available under the given top-level name.
func (sc *VarScope) Bind(name string, value any) *VarScope {
	sc.vals[name] = value
	return sc
}

// varLookup lets types resolve their own dotted sub-paths (sessions do).
type varLookup interface {
	LookupVar(key string) (any, bool)
}

// Lookup walks a dotted path and returns the value it names.
func (sc *VarScope) Lookup(path string) (any, bool) {
	segs := strings.Split(path, ".")
	cur, ok := sc.vals[segs[0]]
	if !ok {
		return nil, false
	}
	for _, seg := range segs[1:] {
		switch c := cur.(type) {
		case *httpd.Dict:
			if !c.Has(seg) {
				return nil, false
			}
			cur = c.Get(seg)
		case map[string]any:
			v, ok := c[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]bool:
			v, ok := c[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case varLookup:
			v, ok := c.LookupVar(seg)
			if !ok {
				return nil, false
			}
			cur = v
		default:
			return nil, false
		}
	}
	return cur, true
}

// requestScope builds the variable scope of one request: its validated
// args, the configuration options, and the session and groups if the
// request carries them.
func requestScope(req *httpd.Request, options map[string]any) *VarScope {
	sc := NewVarScope().Bind("args", req.Args)
	if options != nil {
		sc.Bind("options", options)
	}
	if s, ok := req.Env["session"].(*Session); ok {
		sc.Bind("session", s)
	}
	if len(req.Groups) > 0 {
		sc.Bind("group", req.Groups)
	}
	return sc
}

// path grammar of a reference; anything else between braces is left alone
var rxVarRef = regexp.MustCompile(
	`^([A-Za-z_][A-Za-z0-9_-]*(?:\.[A-Za-z0-9_-]+)*)(?::([^{}]+))?$`)

// Resolve substitutes every `{path}` and `{path:fmt}` reference in s.
// When sqlCtx is set the output is destined for a SQL statement: unknown
// paths and nulls become NULL, and the `:S` format quotes strings per the
// SQL dialect.
func (sc *VarScope) Resolve(s string, sqlCtx bool) string {
	if !strings.ContainsRune(s, '{') {
		return s
	}
	var b strings.Builder
	for len(s) > 0 {
		open := strings.IndexByte(s, '{')
		if open < 0 {
			b.WriteString(s)
			break
		}
		b.WriteString(s[:open])
		s = s[open:]
		closing := strings.IndexByte(s, '}')
		if closing < 0 {
			b.WriteString(s)
			break
		}
		ref := s[1:closing]
		m := rxVarRef.FindStringSubmatch(ref)
		if m == nil {
			// not a reference, emit the brace and rescan after it
			b.WriteByte('{')
			s = s[1:]
			continue
		}
		path, format := m[1], m[2]
		if v, ok := sc.Lookup(path); ok {
			b.WriteString(renderVar(v, format, sqlCtx))
		} else if sqlCtx {
			b.WriteString("NULL")
		} else {
			b.WriteString(s[:closing+1]) // leave the reference in place
		}
		s = s[closing+1:]
	}
	return b.String()
}

func renderVar(v any, format string, sqlCtx bool) string {
	if format == "S" {
		return sqlQuote(v)
	}
	if v == nil {
		if sqlCtx {
			return "NULL"
		}
		return ""
	}
	if format != "" {
		// integer verbs need an integral argument
		if f, ok := v.(float64); ok && strings.ContainsAny(format[len(format)-1:], "dxXob") {
			return fmt.Sprintf("%"+format, int64(f))
		}
		return fmt.Sprintf("%"+format, v)
	}
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", t)
	}
	// lists and dicts render as JSON
	if data, err := json.Marshal(v); err == nil {
		return string(data)
	}
	return fmt.Sprintf("%v", v)
}

// sqlQuote renders v as a SQL literal: NULL for nil, a single-quoted
// string with embedded quotes doubled for everything else.
func sqlQuote(v any) string {
	if v == nil {
		return "NULL"
	}
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case bool:
		if t {
			s = "true"
		} else {
			s = "false"
		}
	case float64:
		s = fmt.Sprintf("%v", t)
	default:
		if data, err := json.Marshal(v); err == nil {
			s = string(data)
		} else {
			s = fmt.Sprintf("%v", v)
		}
	}
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
