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
	"sort"
	"strings"

	"github.com/jmpapi/jmpapi/httpd"
)

// specHandler serves the OpenAPI 3.1 document generated from the loaded
// endpoint tree.
type specHandler struct {
	ld *loader
}

func newSpecHandler(ld *loader) *specHandler { return &specHandler{ld: ld} }

func (h *specHandler) Handle(req *httpd.Request) (bool, error) {
	return true, req.ReplyJSON(httpd.StatusOK, h.ld.openAPIDoc())
}

// openAPIDoc renders the configuration as an OpenAPI 3.1 document.
// Hidden APIs and endpoints are left out.
func (ld *loader) openAPIDoc() *httpd.Dict {
	doc := httpd.NewDict()
	doc.Set("openapi", "3.1.0")

	info := httpd.NewDict()
	title, version := "API", "0.0.0"
	if i := ld.cfg.Info; i != nil {
		if i.Title != "" {
			title = i.Title
		}
		if i.Version != "" {
			version = i.Version
		}
		if i.Description != "" {
			info.Set("description", i.Description)
		}
	}
	info.Set("title", title)
	info.Set("version", version)
	doc.Set("info", info)

	// tags, one per visible named API
	names := make([]string, 0, len(ld.cfg.APIs))
	for name, api := range ld.cfg.APIs {
		if !api.Hide {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if len(names) > 0 {
		tags := make([]any, 0, len(names))
		for _, name := range names {
			t := httpd.NewDict()
			t.Set("name", name)
			if help := ld.cfg.APIs[name].Help; help != "" {
				t.Set("description", help)
			}
			tags = append(tags, t)
		}
		doc.Set("tags", tags)
	}

	// paths, grouped by pattern in first-seen order
	paths := httpd.NewDict()
	for _, ep := range ld.endpoints {
		if ep.hide {
			continue
		}
		key := openAPIPath(ep.pattern)
		item, _ := paths.Get(key).(*httpd.Dict)
		if item == nil {
			item = httpd.NewDict()
			paths.Set(key, item)
		}
		op := ld.openAPIOperation(ep)
		for _, method := range ep.methods.Names() {
			item.SetDefault(strings.ToLower(method), op)
		}
	}
	doc.Set("paths", paths)
	return doc
}

func (ld *loader) openAPIOperation(ep *endpointInfo) *httpd.Dict {
	op := httpd.NewDict()
	if ep.help != "" {
		op.Set("summary", ep.help)
	}
	if ep.api != "" {
		op.Set("tags", []any{ep.api})
	}

	captures := make(map[string]bool, len(ep.captures))
	for _, name := range ep.captures {
		captures[name] = true
	}
	var params []any
	declared := make(map[string]bool)
	ep.args.Each(func(name string, a *Arg) error {
		declared[name] = true
		p := httpd.NewDict()
		p.Set("name", name)
		p.Set("in", openAPIParamIn(a.Source, captures[name]))
		if a.Help != "" {
			p.Set("description", a.Help)
		}
		if !a.Optional && a.Default == nil {
			p.Set("required", true)
		}
		schema := httpd.NewDict()
		schema.Set("type", openAPIType(a.Type))
		if a.Default != nil {
			schema.Set("default", a.Default)
		}
		p.Set("schema", schema)
		params = append(params, p)
		return nil
	})
	// undeclared pattern captures are still path parameters
	for _, name := range ep.captures {
		if declared[name] {
			continue
		}
		p := httpd.NewDict()
		p.Set("name", name)
		p.Set("in", "path")
		p.Set("required", true)
		schema := httpd.NewDict()
		schema.Set("type", "string")
		p.Set("schema", schema)
		params = append(params, p)
	}
	if len(params) > 0 {
		op.Set("parameters", params)
	}

	responses := httpd.NewDict()
	ok := httpd.NewDict()
	ok.Set("description", "OK")
	responses.Set("200", ok)
	op.Set("responses", responses)
	return op
}

// openAPIPath strips capture type constraints: `/a/{id:uint}` becomes
// `/a/{id}`.
func openAPIPath(pattern string) string {
	var b strings.Builder
	lit := pattern
	for len(lit) > 0 {
		open := strings.IndexByte(lit, '{')
		if open < 0 {
			b.WriteString(lit)
			break
		}
		b.WriteString(lit[:open+1])
		lit = lit[open+1:]
		closing := strings.IndexByte(lit, '}')
		if closing < 0 {
			b.WriteString(lit)
			break
		}
		name, _, _ := strings.Cut(lit[:closing], ":")
		b.WriteString(name)
		b.WriteString("}")
		lit = lit[closing+1:]
	}
	return b.String()
}

func openAPIParamIn(source string, isCapture bool) string {
	switch source {
	case "path":
		return "path"
	case "header":
		return "header"
	case "cookie":
		return "cookie"
	case "":
		if isCapture {
			return "path"
		}
	}
	return "query"
}

func openAPIType(t string) string {
	switch t {
	case "int", "uint":
		return "integer"
	case "number":
		return "number"
	case "bool":
		return "boolean"
	case "list":
		return "array"
	case "dict":
		return "object"
	}
	return "string"
}
