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
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/jmpapi/jmpapi/httpd"
)

// loader compiles the declarative endpoint trees of a validated Config
// into the httpd handler tree. It also records one endpointInfo per leaf
// for the OpenAPI generator.
type loader struct {
	cfg      *Config
	rti      *RuntimeInterface
	ds       *datasources
	sessions *SessionManager
	ts       *tsEngine
	oauth    *oauthRegistry
	logger   zerolog.Logger

	endpoints []*endpointInfo
}

// endpointInfo is the OpenAPI-relevant description of one endpoint leaf.
type endpointInfo struct {
	api      string // API group name, "" for the unnamed api
	hide     bool
	pattern  string
	captures []string
	methods  httpd.Method
	help     string
	args     *ArgDict
	tag      string
}

// build compiles the whole configuration into the server's root handler.
func (ld *loader) build() (httpd.Handler, error) {
	root := &httpd.HandlerGroup{}

	// the session loader runs before everything so that access rules and
	// `{session.*}` references see the request identity
	if ld.sessions != nil {
		root.Add(&sessionHandler{ld.sessions})
	}
	if ld.cfg.CORS != nil {
		root.Add(corsFromConfig(ld.cfg.CORS))
	}

	if ld.cfg.API != nil {
		h, err := ld.buildAPI("", ld.cfg.API)
		if err != nil {
			return nil, err
		}
		root.Add(h)
	}
	// map order is random; dispatch across named APIs is name order
	names := make([]string, 0, len(ld.cfg.APIs))
	for name := range ld.cfg.APIs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		h, err := ld.buildAPI(name, ld.cfg.APIs[name])
		if err != nil {
			return nil, err
		}
		root.Add(h)
	}
	return root, nil
}

func (ld *loader) buildAPI(name string, api *API) (httpd.Handler, error) {
	if api.Endpoints == nil {
		return &httpd.HandlerGroup{}, nil
	}
	return ld.buildNode(name, api, "", api.Endpoints, api.Hide)
}

// buildNode compiles one node of the endpoint tree. Key order determines
// dispatch order; a node-level allow/deny rule wraps the whole subtree.
func (ld *loader) buildNode(apiName string, api *API, path string,
	node *httpd.Dict, hidden bool) (httpd.Handler, error) {

	if h, ok := node.Get("hide").(bool); ok && h {
		hidden = true
	}

	group := &httpd.HandlerGroup{}
	var walkErr error
	node.Each(func(key string, v any) {
		if walkErr != nil {
			return
		}
		where := path
		if where == "" {
			where = "/"
		}
		switch {
		case strings.HasPrefix(key, "/"):
			child, ok := v.(*httpd.Dict)
			if !ok {
				walkErr = fmt.Errorf("endpoint %q: subpath %q must be an object",
					where, key)
				return
			}
			sub, err := ld.buildNode(apiName, api, path+key, child, hidden)
			if err != nil {
				walkErr = err
				return
			}
			u, err := httpd.NewURLHandler(path+key, sub)
			if err != nil {
				walkErr = fmt.Errorf("endpoint %q: %w", path+key, err)
				return
			}
			group.Add(u)

		case nodeKeys[key]:
			// node configuration, consumed below

		default:
			methods, ok := httpd.ParseMethodSet(key)
			if !ok {
				walkErr = fmt.Errorf("endpoint %q: key %q is neither a subpath nor a method set",
					where, key)
				return
			}
			leaf, ok := v.(*httpd.Dict)
			if !ok {
				walkErr = fmt.Errorf("endpoint %q: method %q must be an object",
					where, key)
				return
			}
			h, err := ld.buildLeaf(apiName, api, path, methods, leaf, hidden)
			if err != nil {
				walkErr = fmt.Errorf("endpoint %q %s: %w", where, key, err)
				return
			}
			group.Add(h)
		}
	})
	if walkErr != nil {
		return nil, walkErr
	}

	rule, err := accessRule(node)
	if err != nil {
		return nil, fmt.Errorf("endpoint %q: %w", path, err)
	}
	if rule != nil {
		return &accessHandler{rule: *rule, child: group}, nil
	}
	return group, nil
}

// buildLeaf compiles one method leaf: the endpoint handler with its
// wrappers, behind an anchored pattern and a method mask.
func (ld *loader) buildLeaf(apiName string, api *API, path string,
	methods httpd.Method, leaf *httpd.Dict, hidden bool) (httpd.Handler, error) {

	chain, tag, args, err := ld.buildChain(api, leaf)
	if err != nil {
		return nil, err
	}

	pattern := path
	if pattern == "" {
		pattern = "/"
	}
	pm, err := httpd.NewPatternMatcher(pattern, chain)
	if err != nil {
		return nil, err
	}

	if h, ok := leaf.Get("hide").(bool); ok && h {
		hidden = true
	}
	ld.endpoints = append(ld.endpoints, &endpointInfo{
		api:      apiName,
		hide:     hidden,
		pattern:  pattern,
		captures: pm.Pattern.Names(),
		methods:  methods,
		help:     leaf.GetString("help"),
		args:     args,
		tag:      tag,
	})

	return &httpd.MethodMatcher{Methods: methods, Child: pm}, nil
}

// buildChain builds the wrapper chain of a leaf: fixed response headers,
// the argument filter, argument validation, then the access rule around
// the endpoint handler itself.
func (ld *loader) buildChain(api *API, leaf *httpd.Dict) (httpd.Handler,
	string, *ArgDict, error) {

	core, tag, err := ld.buildEndpoint(api, leaf)
	if err != nil {
		return nil, "", nil, err
	}

	chain := &httpd.HandlerGroup{}
	if leaf.Has("headers") {
		hm, err := headerMap(leaf.Get("headers"))
		if err != nil {
			return nil, "", nil, err
		}
		chain.Add(&httpd.HeadersHandler{Headers: hm})
	}
	if f := leaf.GetString("arg-filter"); f != "" {
		chain.Add(&argFilterHandler{name: f, rti: ld.rti})
	}
	args, err := ld.leafArgs(api, leaf)
	if err != nil {
		return nil, "", nil, err
	}
	if args.Len() > 0 {
		chain.Add(&argsHandler{args: args, logger: ld.logger})
	}
	rule, err := accessRule(leaf)
	if err != nil {
		return nil, "", nil, err
	}
	if rule != nil {
		chain.Add(&accessHandler{rule: *rule, child: core})
	} else {
		chain.Add(core)
	}
	return chain, tag, args, nil
}

// buildEndpoint selects and constructs the endpoint handler of a leaf.
// With no explicit `handler` tag the shorthands apply, in order:
// handlers, bind, timeseries, sql/query, path, resource; a leaf with
// none of them passes.
func (ld *loader) buildEndpoint(api *API, leaf *httpd.Dict) (httpd.Handler,
	string, error) {

	if leaf.Has("handler") {
		tag := leaf.GetString("handler")
		h, err := ld.buildTagged(api, tag, leaf)
		return h, tag, err
	}

	switch {
	case leaf.Has("handlers"):
		list, ok := leaf.Get("handlers").([]any)
		if !ok {
			return nil, "", fmt.Errorf("'handlers' must be a list")
		}
		group := &httpd.HandlerGroup{}
		for i, sub := range list {
			subLeaf, ok := sub.(*httpd.Dict)
			if !ok {
				return nil, "", fmt.Errorf("handlers #%d: must be an object", i+1)
			}
			h, _, _, err := ld.buildChain(api, subLeaf)
			if err != nil {
				return nil, "", fmt.Errorf("handlers #%d: %w", i+1, err)
			}
			group.Add(h)
		}
		return group, "handlers", nil

	case leaf.GetString("bind") != "":
		h, err := ld.buildTagged(api, "bind", leaf)
		return h, "bind", err

	case leaf.GetString("timeseries") != "":
		h, err := ld.buildTagged(api, "timeseries", leaf)
		return h, "timeseries", err

	case leaf.Has("sql") || leaf.Has("query"):
		h, err := ld.buildTagged(api, "query", leaf)
		return h, "query", err

	case leaf.GetString("path") != "":
		h, err := ld.buildTagged(api, "file", leaf)
		return h, "file", err

	case leaf.GetString("resource") != "":
		h, err := ld.buildTagged(api, "resource", leaf)
		return h, "resource", err
	}
	return httpd.PassHandler{}, "pass", nil
}

func (ld *loader) buildTagged(api *API, tag string, leaf *httpd.Dict) (httpd.Handler, error) {
	switch tag {
	case "pass":
		return httpd.PassHandler{}, nil

	case "cors":
		opts, err := corsOptionsFromLeaf(leaf)
		if err != nil {
			return nil, err
		}
		return &httpd.CORSHandler{Options: opts}, nil

	case "status":
		n, ok := leafInt(leaf, "status")
		if !ok {
			return nil, fmt.Errorf("handler 'status' requires an integer 'status'")
		}
		return &httpd.StatusHandler{Status: n}, nil

	case "redirect":
		uri := leaf.GetString("uri")
		if uri == "" {
			return nil, fmt.Errorf("handler 'redirect' requires a 'uri'")
		}
		code := httpd.StatusFound
		if n, ok := leafInt(leaf, "code"); ok {
			code = n
		}
		return &httpd.RedirectHandler{URI: uri, Code: code}, nil

	case "spec":
		return newSpecHandler(ld), nil

	case "websocket":
		return newWebsocketHandler(ld, api), nil

	case "file":
		root := leaf.GetString("path")
		if root == "" {
			return nil, fmt.Errorf("handler 'file' requires a 'path'")
		}
		return &httpd.FileHandler{Root: root}, nil

	case "resource":
		name := leaf.GetString("resource")
		if name == "" {
			return nil, fmt.Errorf("handler 'resource' requires a 'resource'")
		}
		if ld.rti == nil || ld.rti.Resources == nil {
			return nil, fmt.Errorf("resource %q: no resource filesystem supplied", name)
		}
		return &httpd.ResourceHandler{FS: ld.rti.Resources, Prefix: name}, nil

	case "bind":
		name := leaf.GetString("bind")
		if name == "" {
			return nil, fmt.Errorf("handler 'bind' requires a 'bind' name")
		}
		return &bindHandler{name: name, rti: ld.rti}, nil

	case "login":
		return newLoginHandler(ld, api, leaf)

	case "logout":
		return newLogoutHandler(ld), nil

	case "session":
		return newSessionInfoHandler(ld), nil

	case "query":
		def, err := leafQueryDef(leaf)
		if err != nil {
			return nil, err
		}
		return newQueryHandler(ld, api, def)

	case "timeseries":
		name := leaf.GetString("timeseries")
		if name == "" {
			return nil, fmt.Errorf("a 'timeseries' name is required")
		}
		return newTimeseriesHandler(ld, api, name)
	}
	return nil, fmt.Errorf("invalid handler %q", tag)
}

//------------------------------------------------------------------------------
// leaf pieces

func (ld *loader) leafArgs(api *API, leaf *httpd.Dict) (*ArgDict, error) {
	if !leaf.Has("args") {
		return nil, nil
	}
	switch av := leaf.Get("args").(type) {
	case string:
		dict, ok := api.Args[av]
		if !ok {
			return nil, fmt.Errorf("unknown args dict %q", av)
		}
		return dict, nil
	case *httpd.Dict:
		return leafArgDict(av)
	}
	return nil, fmt.Errorf("'args' must be an object or the name of an args dict")
}

// accessRule extracts the allow/deny rule of a node or leaf, nil if the
// dict carries neither key.
func accessRule(d *httpd.Dict) (*AccessRule, error) {
	if !d.Has("allow") && !d.Has("deny") {
		return nil, nil
	}
	var rule AccessRule
	var err error
	if d.Has("allow") {
		if rule.Allow, err = stringList(d.Get("allow")); err != nil {
			return nil, fmt.Errorf("'allow': %w", err)
		}
	}
	if d.Has("deny") {
		if rule.Deny, err = stringList(d.Get("deny")); err != nil {
			return nil, fmt.Errorf("'deny': %w", err)
		}
	}
	return &rule, nil
}

func headerMap(v any) (map[string]string, error) {
	d, ok := v.(*httpd.Dict)
	if !ok {
		return nil, fmt.Errorf("'headers' must be an object")
	}
	out := make(map[string]string, d.Len())
	var err error
	d.Each(func(key string, v any) {
		s, ok := v.(string)
		if !ok {
			err = fmt.Errorf("header %q: must be a string", key)
			return
		}
		out[key] = s
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

//------------------------------------------------------------------------------
// cors

func corsFromConfig(c *CORS) *httpd.CORSHandler {
	opts := httpd.CORSOptions{
		AllowedOrigins:   c.AllowedOrigins,
		AllowedMethods:   c.AllowedMethods,
		AllowedHeaders:   c.AllowedHeaders,
		ExposedHeaders:   c.ExposedHeaders,
		AllowCredentials: c.AllowCredentials,
	}
	if c.MaxAge != nil && *c.MaxAge > 0 {
		opts.MaxAge = *c.MaxAge
	}
	return &httpd.CORSHandler{Options: opts}
}

func corsOptionsFromLeaf(leaf *httpd.Dict) (opts httpd.CORSOptions, err error) {
	for key, dst := range map[string]*[]string{
		"allowedOrigins": &opts.AllowedOrigins,
		"allowedMethods": &opts.AllowedMethods,
		"allowedHeaders": &opts.AllowedHeaders,
		"exposedHeaders": &opts.ExposedHeaders,
	} {
		if leaf.Has(key) {
			if *dst, err = stringList(leaf.Get(key)); err != nil {
				return opts, fmt.Errorf("%q: %w", key, err)
			}
		}
	}
	if b, ok := leaf.Get("allowCredentials").(bool); ok {
		opts.AllowCredentials = b
	}
	if n, ok := leafInt(leaf, "maxAge"); ok {
		opts.MaxAge = n
	}
	return opts, nil
}

//------------------------------------------------------------------------------
// bind

// bindHandler dispatches to a handler the embedding program registered
// under RuntimeInterface.Bind.
type bindHandler struct {
	name string
	rti  *RuntimeInterface
}

func (h *bindHandler) Handle(req *httpd.Request) (bool, error) {
	if h.rti != nil {
		if b, ok := h.rti.Bind[h.name]; ok {
			return b.Handle(req)
		}
	}
	return true, req.SendError(httpd.Errorf(httpd.KindNotImplemented,
		"no handler bound to %q", h.name))
}
