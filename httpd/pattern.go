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

package httpd

import (
	"regexp"
	"strings"
)

// Pattern is a compiled URL pattern.
//
// Grammar: `{name}` captures one path segment; `{name:type}` constrains
// the capture to int, uint, hex, or path, where path captures the
// remainder of the URL including slashes. A fixed `.ext` suffix in the
// pattern is optional on the URI. All other characters match literally.
type Pattern struct {
	src    string
	re     *regexp.Regexp
	names  []string // group index - 1 -> capture name
	prefix bool
}

// Capture is one named value extracted by a pattern match.
type Capture struct {
	Name  string
	Value string
}

// CompilePattern compiles a fully-anchored URL pattern.
func CompilePattern(pattern string) (*Pattern, error) {
	return compilePattern(pattern, false)
}

// CompilePatternPrefix compiles a pattern that may match a subpath
// prefix of the URL; the match must end at a `/` boundary or at the end
// of the path.
func CompilePatternPrefix(pattern string) (*Pattern, error) {
	return compilePattern(pattern, true)
}

var rxPatternVar = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func compilePattern(pattern string, prefix bool) (*Pattern, error) {
	var b strings.Builder
	var names []string
	b.WriteString("^")

	lit := pattern
	for len(lit) > 0 {
		open := strings.IndexByte(lit, '{')
		if open < 0 {
			// final literal piece; a trailing .ext becomes optional
			b.WriteString(literalRegexFinal(lit))
			lit = ""
			break
		}
		b.WriteString(regexp.QuoteMeta(lit[:open]))
		lit = lit[open+1:]
		closing := strings.IndexByte(lit, '}')
		if closing < 0 {
			return nil, Errorf(KindParse, "unterminated {var} in pattern %q", pattern)
		}
		spec := lit[:closing]
		lit = lit[closing+1:]

		name, typ, _ := strings.Cut(spec, ":")
		if !rxPatternVar.MatchString(name) {
			return nil, Errorf(KindParse, "invalid capture name %q in pattern %q",
				name, pattern)
		}
		var expr string
		switch typ {
		case "":
			expr = `[^/]+`
		case "int":
			expr = `-?[0-9]+`
		case "uint":
			expr = `[0-9]+`
		case "hex":
			expr = `[0-9a-fA-F]+`
		case "path":
			expr = `.+`
		default:
			return nil, Errorf(KindParse, "invalid capture type %q in pattern %q",
				typ, pattern)
		}
		b.WriteString("(")
		b.WriteString(expr)
		b.WriteString(")")
		names = append(names, name)
	}

	if !prefix {
		b.WriteString("$")
	}
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, WrapError(KindParse, err, "bad pattern %q", pattern)
	}
	return &Pattern{src: pattern, re: re, names: names, prefix: prefix}, nil
}

// literalRegexFinal quotes the final literal pattern piece. A trailing
// `.ext` is made optional.
func literalRegexFinal(lit string) string {
	if dot := strings.LastIndexByte(lit, '.'); dot >= 0 {
		ext := lit[dot+1:]
		if ext != "" && !strings.ContainsAny(ext, "/.") {
			return regexp.QuoteMeta(lit[:dot]) +
				"(?:" + regexp.QuoteMeta(lit[dot:]) + ")?"
		}
	}
	return regexp.QuoteMeta(lit)
}

// String returns the original pattern source.
func (p *Pattern) String() string { return p.src }

// Names returns the capture names in group order.
func (p *Pattern) Names() []string { return p.names }

// Match matches path against the pattern and returns the ordered
// captures. For prefix patterns, the match must end on a `/` boundary.
func (p *Pattern) Match(path string) (caps []Capture, ok bool) {
	m := p.re.FindStringSubmatchIndex(path)
	if m == nil || m[0] != 0 {
		return nil, false
	}
	if p.prefix {
		end := m[1]
		if end != len(path) && path[end] != '/' {
			return nil, false
		}
	}
	for i, name := range p.names {
		lo, hi := m[2+2*i], m[3+2*i]
		if lo < 0 {
			continue
		}
		caps = append(caps, Capture{Name: name, Value: path[lo:hi]})
	}
	return caps, true
}

// Substitute rebuilds a concrete path from the pattern and a capture
// set. Unknown names substitute as empty strings.
func (p *Pattern) Substitute(caps []Capture) string {
	get := func(name string) string {
		for _, c := range caps {
			if c.Name == name {
				return c.Value
			}
		}
		return ""
	}
	var b strings.Builder
	lit := p.src
	for len(lit) > 0 {
		open := strings.IndexByte(lit, '{')
		if open < 0 {
			b.WriteString(lit)
			break
		}
		b.WriteString(lit[:open])
		lit = lit[open+1:]
		closing := strings.IndexByte(lit, '}')
		if closing < 0 {
			break
		}
		name, _, _ := strings.Cut(lit[:closing], ":")
		b.WriteString(get(name))
		lit = lit[closing+1:]
	}
	return b.String()
}
