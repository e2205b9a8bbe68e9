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
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/jmpapi/jmpapi/httpd"
)

//------------------------------------------------------------------------------

func addWarn(r []ValidationResult, msg string) []ValidationResult {
	return append(r, ValidationResult{
		Warn:    true,
		Message: msg,
	})
}

func addError(r []ValidationResult, msg string) []ValidationResult {
	return append(r, ValidationResult{
		Warn:    false,
		Message: msg,
	})
}

//------------------------------------------------------------------------------
// config

var (
	rxPort = regexp.MustCompile(`:[0-9]+$`)
	rxName = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_-]*(\.[A-Za-z0-9_][A-Za-z0-9_-]*)*$`)
)

func (c *Config) validate() (r []ValidationResult) {
	// Version
	if !semver.IsValid("v" + c.Version) {
		r = addError(r, fmt.Sprintf("invalid schema version %q: must be semver", c.Version))
	} else {
		v := semver.Canonical("v" + c.Version)
		if semver.Major(v) != "v1" || semver.Compare(v, "v"+SchemaMinVersion) < 0 {
			r = addError(r, fmt.Sprintf("incompatible schema version %q, need >= %s",
				c.Version, SchemaMinVersion))
		}
	}
	// API / APIs
	if c.API != nil && len(c.APIs) > 0 {
		r = addError(r, "only one of 'api' and 'apis' may be specified")
	}
	if c.API == nil && len(c.APIs) == 0 {
		r = addWarn(r, "no 'api' or 'apis' specified, the server will serve nothing")
	}
	// Listen
	for _, l := range c.Listen {
		r = append(r, l.validate()...)
	}
	// CORS
	if c.CORS != nil {
		r = append(r, c.CORS.validate()...)
	}
	// Limits
	if c.Limits != nil {
		r = append(r, c.Limits.validate()...)
	}
	// Datasources
	dsNames := make(map[string]int)
	for i := range c.Datasources {
		dsNames[c.Datasources[i].Name] += 1
		r = append(r, c.Datasources[i].validate()...)
	}
	// check uniqueness of datasource names
	for n, cnt := range dsNames {
		if cnt > 1 {
			r = addError(r, fmt.Sprintf("%d datasources named %q", cnt, n))
		}
	}
	// Sessions
	if c.Sessions != nil {
		r = append(r, c.Sessions.validate()...)
	}
	// OAuth2
	for name, p := range c.OAuth2 {
		r = append(r, p.validate(name)...)
	}
	// DNS
	if c.DNS != nil {
		r = append(r, c.DNS.validate()...)
	}
	// APIs
	nts := 0
	if c.API != nil {
		r = append(r, c.API.validate("", c.Datasources)...)
		nts += len(c.API.Timeseries)
	}
	for name, api := range c.APIs {
		if api == nil {
			r = addError(r, fmt.Sprintf("api %q: is null", name))
			continue
		}
		r = append(r, api.validate(name, c.Datasources)...)
		nts += len(api.Timeseries)
	}
	// TimeseriesDB
	if nts > 0 && len(c.TimeseriesDB) == 0 {
		r = addError(r, "timeseriesDB must be set when time-series are defined")
	}
	return
}

func (l *Listen) validate() (r []ValidationResult) {
	addr := l.Addr
	if !rxPort.MatchString(addr) {
		addr += ":8080"
	}
	if host, port, err := net.SplitHostPort(addr); err != nil {
		r = addError(r, fmt.Sprintf("invalid listen specification %q", l.Addr))
	} else if nport, err := strconv.Atoi(port); err != nil || nport <= 0 || nport >= 65535 {
		r = addError(r, fmt.Sprintf("invalid listen specification: bad port %q", port))
	} else if host != "" && net.ParseIP(host) == nil {
		r = addError(r, fmt.Sprintf("invalid listen specification: bad IP %q", host))
	}
	if (len(l.TLSCert) > 0) != (len(l.TLSKey) > 0) {
		r = addError(r, fmt.Sprintf("listen %q: tlsCert and tlsKey must be set together",
			l.Addr))
	}
	if len(l.TLSCert) > 0 && !fileExists(l.TLSCert) {
		r = addError(r, fmt.Sprintf("listen %q: tlsCert file %q does not exist",
			l.Addr, l.TLSCert))
	}
	if len(l.TLSKey) > 0 && !fileExists(l.TLSKey) {
		r = addError(r, fmt.Sprintf("listen %q: tlsKey file %q does not exist",
			l.Addr, l.TLSKey))
	}
	return
}

func (l *Limits) validate() (r []ValidationResult) {
	if l.MaxHeaderSize != nil && *l.MaxHeaderSize <= 0 {
		r = addError(r, fmt.Sprintf("limits: maxHeaderSize %d must be > 0", *l.MaxHeaderSize))
	}
	if l.MaxBodySize != nil && *l.MaxBodySize <= 0 {
		r = addError(r, fmt.Sprintf("limits: maxBodySize %d must be > 0", *l.MaxBodySize))
	}
	if l.MaxConnections != nil && *l.MaxConnections < 0 {
		r = addError(r, fmt.Sprintf("limits: maxConnections %d must be >= 0", *l.MaxConnections))
	}
	if l.MaxTTL != nil && *l.MaxTTL <= 0 {
		r = addWarn(r, fmt.Sprintf("limits: maxTTL %g is <=0, will be ignored", *l.MaxTTL))
	}
	return
}

//------------------------------------------------------------------------------
// cors

var rxMethod = regexp.MustCompile(`^((GET)|(HEAD)|(POST)|(PUT)|(PATCH)|(DELETE)|(OPTIONS))$`)

func (c *CORS) validate() (r []ValidationResult) {
	// AllowedOrigins
	for _, o := range c.AllowedOrigins {
		if n := strings.Count(o, "*"); n > 1 {
			r = addError(r, fmt.Sprintf("cors: allowed origin %q: can use only 1 wildcard",
				o))
		}
	}
	// AllowedMethods
	for _, m := range c.AllowedMethods {
		if !rxMethod.MatchString(m) {
			r = addError(r, fmt.Sprintf("cors: allowed methods: invalid method %q",
				m))
		}
	}
	// MaxAge
	if c.MaxAge != nil && *c.MaxAge <= 0 {
		r = addWarn(r, fmt.Sprintf("cors: max age %d is <=0, will be ignored",
			*c.MaxAge))
	}
	return
}

//------------------------------------------------------------------------------
// sessions, oauth2, dns

func (s *Sessions) validate() (r []ValidationResult) {
	if len(s.CookieName) > 0 && !rxArgName.MatchString(s.CookieName) {
		r = addError(r, fmt.Sprintf("sessions: invalid cookie name %q", s.CookieName))
	}
	if s.Timeout != nil && *s.Timeout < 0 {
		r = addError(r, fmt.Sprintf("sessions: timeout %g must be >= 0", *s.Timeout))
	}
	if s.Lifetime != nil && *s.Lifetime < 0 {
		r = addError(r, fmt.Sprintf("sessions: lifetime %g must be >= 0", *s.Lifetime))
	}
	return
}

func (p *OAuth2Provider) validate(name string) (r []ValidationResult) {
	pfx := fmt.Sprintf("oauth2 provider %q:", name)
	if p == nil {
		return addError(r, pfx+" is null")
	}
	if len(p.ClientID) == 0 {
		r = addError(r, pfx+" clientID must be set")
	}
	if len(p.ClientSecret) == 0 {
		r = addError(r, pfx+" clientSecret must be set")
	}
	switch name {
	case "github", "google", "facebook":
		// builtin endpoints
	default:
		if len(p.AuthURL) == 0 || len(p.TokenURL) == 0 || len(p.ProfileURL) == 0 {
			r = addError(r, pfx+" authURL, tokenURL and profileURL must be set for non-builtin providers")
		}
	}
	return
}

func (d *DNS) validate() (r []ValidationResult) {
	for _, ns := range d.Nameservers {
		host, _, err := net.SplitHostPort(ns)
		if err != nil {
			host = ns
		}
		if net.ParseIP(host) == nil {
			r = addError(r, fmt.Sprintf("dns: nameserver %q is not an IP literal", ns))
		}
	}
	if d.QueryTimeout != nil && *d.QueryTimeout <= 0 {
		r = addWarn(r, fmt.Sprintf("dns: queryTimeout %g is <=0, will be ignored", *d.QueryTimeout))
	}
	if d.RequestTimeout != nil && *d.RequestTimeout <= 0 {
		r = addWarn(r, fmt.Sprintf("dns: requestTimeout %g is <=0, will be ignored", *d.RequestTimeout))
	}
	if d.MaxAttempts != nil && *d.MaxAttempts <= 0 {
		r = addWarn(r, fmt.Sprintf("dns: maxAttempts %d is <=0, will be ignored", *d.MaxAttempts))
	}
	return
}

//------------------------------------------------------------------------------
// api

var rxArgName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func (api *API) validate(name string, ds []Datasource) (r []ValidationResult) {
	pfx := "api:"
	if len(name) > 0 {
		pfx = fmt.Sprintf("api %q:", name)
	}
	// Args
	for dictName, dict := range api.Args {
		if !rxArgName.MatchString(dictName) {
			r = addError(r, fmt.Sprintf("%s invalid args dict name %q", pfx, dictName))
		}
		r = append(r, dict.validate(pfx+" args "+dictName+":")...)
	}
	// Queries
	for qname, q := range api.Queries {
		if !rxName.MatchString(qname) {
			r = addError(r, fmt.Sprintf("%s invalid query name %q", pfx, qname))
		}
		if q == nil {
			r = addError(r, fmt.Sprintf("%s query %q: is null", pfx, qname))
			continue
		}
		r = append(r, q.validate(fmt.Sprintf("%s query %q:", pfx, qname), api, ds, false)...)
	}
	// Timeseries
	for tsname, ts := range api.Timeseries {
		if !rxName.MatchString(tsname) {
			r = addError(r, fmt.Sprintf("%s invalid timeseries name %q", pfx, tsname))
		}
		if ts == nil {
			r = addError(r, fmt.Sprintf("%s timeseries %q: is null", pfx, tsname))
			continue
		}
		r = append(r, ts.validate(fmt.Sprintf("%s timeseries %q:", pfx, tsname), api, ds)...)
	}
	// Endpoints
	if api.Endpoints != nil {
		r = append(r, api.validateNode(pfx, "", api.Endpoints, ds)...)
	}
	return
}

func (d *ArgDict) validate(pfx string) (r []ValidationResult) {
	d.Each(func(name string, a *Arg) error {
		if !rxArgName.MatchString(name) {
			r = addError(r, fmt.Sprintf("%s invalid arg name %q", pfx, name))
		}
		switch a.Type {
		case "", "string", "int", "uint", "number", "bool", "list", "dict":
		default:
			r = addError(r, fmt.Sprintf("%s arg %q: invalid type %q", pfx, name, a.Type))
		}
		switch a.Source {
		case "", "path", "query", "body", "header", "cookie", "session":
		default:
			r = addError(r, fmt.Sprintf("%s arg %q: invalid source %q", pfx, name, a.Source))
		}
		return nil
	})
	return
}

func (q *QueryDef) validate(pfx string, api *API, ds []Datasource,
	inline bool) (r []ValidationResult) {

	// at most one of sql and query
	if len(q.SQL) > 0 && len(q.Query) > 0 {
		r = addError(r, pfx+" only one of 'sql' and 'query' may be specified")
	}
	if len(strings.TrimSpace(q.SQL)) == 0 && len(q.Query) == 0 {
		r = addError(r, pfx+" one of 'sql' and 'query' must be specified")
	}
	// query reference must exist
	if len(q.Query) > 0 {
		if _, ok := api.Queries[q.Query]; !ok {
			r = addError(r, fmt.Sprintf("%s unknown prepared query %q", pfx, q.Query))
		}
	}
	// return shape
	switch q.Return {
	case "", "ok", "one", "bool", "u64", "s64", "dict", "list", "hlist", "fields":
	default:
		r = addError(r, fmt.Sprintf("%s invalid return shape %q", pfx, q.Return))
	}
	if q.Return == "fields" && len(q.Fields) == 0 {
		r = addError(r, pfx+" return shape 'fields' requires a 'fields' list")
	}
	if q.Return != "fields" && len(q.Fields) > 0 {
		r = addWarn(r, pfx+" 'fields' is ignored unless return shape is 'fields'")
	}
	// datasource, unless deferred to the referenced prepared query
	if len(q.Query) == 0 && !dsKnown(ds, q.Datasource) {
		r = addError(r, fmt.Sprintf("%s unknown datasource %q", pfx, q.Datasource))
	}
	if q.Timeout != nil && *q.Timeout <= 0 {
		r = addWarn(r, fmt.Sprintf("%s timeout %g is <=0, will be ignored", pfx, *q.Timeout))
	}
	if q.Cache != nil && *q.Cache <= 0 {
		r = addWarn(r, fmt.Sprintf("%s cache ttl %g is <=0, will be ignored", pfx, *q.Cache))
	}
	return
}

func (ts *TimeseriesDef) validate(pfx string, api *API, ds []Datasource) (r []ValidationResult) {
	if len(ts.SQL) > 0 && len(ts.Query) > 0 {
		r = addError(r, pfx+" only one of 'sql' and 'query' may be specified")
	}
	if len(strings.TrimSpace(ts.SQL)) == 0 && len(ts.Query) == 0 {
		r = addError(r, pfx+" one of 'sql' and 'query' must be specified")
	}
	if len(ts.Query) > 0 {
		if _, ok := api.Queries[ts.Query]; !ok {
			r = addError(r, fmt.Sprintf("%s unknown prepared query %q", pfx, ts.Query))
		}
	}
	switch ts.Return {
	case "", "one", "bool", "u64", "s64", "dict", "list", "hlist":
	default:
		r = addError(r, fmt.Sprintf("%s invalid return shape %q", pfx, ts.Return))
	}
	if len(ts.Query) == 0 && !dsKnown(ds, ts.Datasource) {
		r = addError(r, fmt.Sprintf("%s unknown datasource %q", pfx, ts.Datasource))
	}
	if ts.Period <= 0 {
		r = addError(r, fmt.Sprintf("%s period %g must be > 0", pfx, ts.Period))
	}
	if ts.Timeout != nil && *ts.Timeout <= 0 {
		r = addWarn(r, fmt.Sprintf("%s timeout %g is <=0, will be ignored", pfx, *ts.Timeout))
	}
	switch ts.Trigger {
	case "", "auto", "request":
	default:
		r = addError(r, fmt.Sprintf("%s invalid trigger %q", pfx, ts.Trigger))
	}
	return
}

func dsKnown(ds []Datasource, name string) bool {
	for i := range ds {
		if ds[i].Name == name {
			return true
		}
	}
	return false
}

//------------------------------------------------------------------------------
// api -> endpoint tree

// handlerTags are the values accepted for the `handler` key of a leaf.
var handlerTags = map[string]bool{
	"pass": true, "cors": true, "status": true, "redirect": true,
	"spec": true, "websocket": true, "file": true, "resource": true,
	"bind": true, "login": true, "logout": true, "session": true,
	"query": true, "timeseries": true,
}

// nodeKeys are the keys of an endpoint node that are not subpaths, method
// leaves or handler configuration.
var nodeKeys = map[string]bool{
	"help": true, "hide": true, "allow": true, "deny": true,
}

func (api *API) validateNode(pfx, path string, node *httpd.Dict,
	ds []Datasource) (r []ValidationResult) {

	where := path
	if where == "" {
		where = "/"
	}
	node.Each(func(key string, v any) {
		switch {
		case strings.HasPrefix(key, "/"):
			child, ok := v.(*httpd.Dict)
			if !ok {
				r = addError(r, fmt.Sprintf("%s endpoint %q: subpath %q must be an object",
					pfx, where, key))
				return
			}
			if _, err := httpd.CompilePatternPrefix(path + key); err != nil {
				r = addError(r, fmt.Sprintf("%s endpoint %q: %v", pfx, path+key, err))
			}
			r = append(r, api.validateNode(pfx, path+key, child, ds)...)
		case nodeKeys[key]:
			// inherited node configuration, checked by the leaf walk
		default:
			if _, ok := httpd.ParseMethodSet(key); !ok {
				r = addError(r, fmt.Sprintf("%s endpoint %q: key %q is neither a subpath nor a method set",
					pfx, where, key))
				return
			}
			leaf, ok := v.(*httpd.Dict)
			if !ok {
				r = addError(r, fmt.Sprintf("%s endpoint %q: method %q must be an object",
					pfx, where, key))
				return
			}
			r = append(r, api.validateLeaf(fmt.Sprintf("%s endpoint %q %s:", pfx, where, key),
				leaf, ds)...)
		}
	})
	return
}

func (api *API) validateLeaf(pfx string, leaf *httpd.Dict,
	ds []Datasource) (r []ValidationResult) {

	if leaf.Has("handler") {
		tag, sok := leaf.Get("handler").(string)
		if !sok || !handlerTags[tag] {
			r = addError(r, fmt.Sprintf("%s invalid handler %v", pfx, leaf.Get("handler")))
			return
		}
		switch tag {
		case "status":
			if _, ok := leafInt(leaf, "status"); !ok {
				r = addError(r, pfx+" handler 'status' requires an integer 'status'")
			}
		case "redirect":
			if leaf.GetString("uri") == "" {
				r = addError(r, pfx+" handler 'redirect' requires a 'uri'")
			}
		case "file":
			if leaf.GetString("path") == "" {
				r = addError(r, pfx+" handler 'file' requires a 'path'")
			}
		case "resource":
			if leaf.GetString("resource") == "" {
				r = addError(r, pfx+" handler 'resource' requires a 'resource'")
			}
		case "bind":
			if leaf.GetString("bind") == "" {
				r = addError(r, pfx+" handler 'bind' requires a 'bind' name")
			}
		case "timeseries":
			r = append(r, api.checkTimeseriesRef(pfx, leaf)...)
		case "websocket":
			// subscriptions reference time-series per message, checked at
			// request time
		case "query":
			q, err := leafQueryDef(leaf)
			if err != nil {
				r = addError(r, fmt.Sprintf("%s %v", pfx, err))
			} else {
				r = append(r, q.validate(pfx, api, ds, true)...)
			}
		}
	} else if leaf.Has("handlers") {
		list, lok := leaf.Get("handlers").([]any)
		if !lok || len(list) == 0 {
			r = addError(r, pfx+" 'handlers' must be a non-empty list")
		} else {
			for i, sub := range list {
				subLeaf, sok := sub.(*httpd.Dict)
				if !sok {
					r = addError(r, fmt.Sprintf("%s handlers #%d: must be an object", pfx, i+1))
					continue
				}
				r = append(r, api.validateLeaf(fmt.Sprintf("%s handlers #%d:", pfx, i+1),
					subLeaf, ds)...)
			}
		}
	} else if leaf.GetString("bind") != "" {
		// ok, bind shorthand
	} else if leaf.GetString("timeseries") != "" {
		r = append(r, api.checkTimeseriesRef(pfx, leaf)...)
	} else if leaf.Has("sql") || leaf.Has("query") {
		q, err := leafQueryDef(leaf)
		if err != nil {
			r = addError(r, fmt.Sprintf("%s %v", pfx, err))
		} else {
			r = append(r, q.validate(pfx, api, ds, true)...)
		}
	}

	// args: inline dict or named reference
	if leaf.Has("args") {
		switch av := leaf.Get("args").(type) {
		case string:
			if _, ok := api.Args[av]; !ok {
				r = addError(r, fmt.Sprintf("%s unknown args dict %q", pfx, av))
			}
		case *httpd.Dict:
			dict, err := leafArgDict(av)
			if err != nil {
				r = addError(r, fmt.Sprintf("%s %v", pfx, err))
			} else {
				r = append(r, dict.validate(pfx)...)
			}
		default:
			r = addError(r, pfx+" 'args' must be an object or the name of an args dict")
		}
	}

	// allow/deny: string or list of strings
	for _, key := range []string{"allow", "deny"} {
		if leaf.Has(key) {
			if _, err := stringList(leaf.Get(key)); err != nil {
				r = addError(r, fmt.Sprintf("%s %q: %v", pfx, key, err))
			}
		}
	}
	return
}

func (api *API) checkTimeseriesRef(pfx string, leaf *httpd.Dict) (r []ValidationResult) {
	name := leaf.GetString("timeseries")
	if name == "" {
		return addError(r, pfx+" a 'timeseries' name is required")
	}
	if _, ok := api.Timeseries[name]; !ok {
		r = addError(r, fmt.Sprintf("%s unknown timeseries %q", pfx, name))
	}
	return
}

//------------------------------------------------------------------------------
// leaf decoding helpers, shared with the loader

func leafInt(leaf *httpd.Dict, key string) (int, bool) {
	n, ok := leaf.Get(key).(float64)
	return int(n), ok
}

func leafQueryDef(leaf *httpd.Dict) (*QueryDef, error) {
	q := &QueryDef{
		SQL:        leaf.GetString("sql"),
		Query:      leaf.GetString("query"),
		Return:     leaf.GetString("return"),
		Datasource: leaf.GetString("datasource"),
	}
	if leaf.Has("fields") {
		list, err := stringList(leaf.Get("fields"))
		if err != nil {
			return nil, fmt.Errorf("'fields': %w", err)
		}
		q.Fields = list
	}
	for key, dst := range map[string]**float64{"cache": &q.Cache, "timeout": &q.Timeout} {
		if leaf.Has(key) {
			f, fok := leaf.Get(key).(float64)
			if !fok {
				return nil, fmt.Errorf("%q must be a number", key)
			}
			*dst = &f
		}
	}
	return q, nil
}

func leafArgDict(d *httpd.Dict) (*ArgDict, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var dict ArgDict
	if err := json.Unmarshal(raw, &dict); err != nil {
		return nil, fmt.Errorf("bad args: %w", err)
	}
	return &dict, nil
}

// stringList accepts a string or a list of strings.
func stringList(v any) ([]string, error) {
	switch t := v.(type) {
	case string:
		return []string{t}, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("expected a string, got %T", e)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected a string or list of strings, got %T", v)
}

func fileExists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi != nil && fi.Mode().IsRegular()
}

//------------------------------------------------------------------------------
// datasource

var (
	rxPqParam = regexp.MustCompile(`^[a-z]+(_[a-z]+)*$`)
	rxRole    = regexp.MustCompile(`^[A-Za-z\200-\377_][A-Za-z\200-\377_0-9\$]*$`)
)

func (d *Datasource) validate() (r []ValidationResult) {
	if !rxName.MatchString(d.Name) {
		r = addError(r, fmt.Sprintf("datasource %q: invalid name", d.Name))
	}
	if d.Params != nil {
		for k := range d.Params {
			if !rxPqParam.MatchString(k) {
				r = addError(r, fmt.Sprintf("datasource %q: invalid param %q",
					d.Name, k))
			}
		}
	}
	if d.Timeout != nil && *d.Timeout <= 0 {
		r = addWarn(r, fmt.Sprintf("datasource %q: timeout %g is <=0, will be ignored",
			d.Name, *d.Timeout))
	}
	if len(d.Role) > 0 && !rxRole.MatchString(d.Role) {
		r = addError(r, fmt.Sprintf("datasource %q: invalid role %q", d.Name,
			d.Role))
	}
	if len(d.SSLCert) > 0 && !fileExists(d.SSLCert) {
		r = addError(r, fmt.Sprintf("datasource %q: sslcert file %q does not exist",
			d.Name, d.SSLCert))
	}
	if len(d.SSLKey) > 0 && !fileExists(d.SSLKey) {
		r = addError(r, fmt.Sprintf("datasource %q: sslkey file %q does not exist",
			d.Name, d.SSLKey))
	}
	if len(d.SSLRootCert) > 0 && !fileExists(d.SSLRootCert) {
		r = addError(r, fmt.Sprintf("datasource %q: sslrootcert file %q does not exist",
			d.Name, d.SSLRootCert))
	}
	if d.Pool != nil {
		r = append(r, d.Pool.validate(d.Name)...)
	}
	return
}

//------------------------------------------------------------------------------
// datasource -> pool

func (p *ConnPool) validate(ds string) (r []ValidationResult) {
	if p.MinConns != nil && *p.MinConns <= 0 {
		r = addError(r, fmt.Sprintf("datasource %q: minConns for pool %d must be >0",
			ds, *p.MinConns))
	}
	if p.MaxConns != nil && *p.MaxConns <= 0 {
		r = addError(r, fmt.Sprintf("datasource %q: maxConns for pool %d must be >0",
			ds, *p.MaxConns))
	}
	if p.MaxConns != nil && p.MinConns != nil && *p.MaxConns < *p.MinConns {
		r = addError(r, fmt.Sprintf("datasource %q: maxConns for pool %d is < minConns %d",
			ds, *p.MaxConns, *p.MinConns))
	}
	if p.MaxIdleTime != nil && *p.MaxIdleTime <= 0 {
		r = addError(r, fmt.Sprintf("datasource %q: maxIdleTime for pool %g must be > 0",
			ds, *p.MaxIdleTime))
	}
	if p.MaxConnectedTime != nil && *p.MaxConnectedTime <= 0 {
		r = addError(r, fmt.Sprintf("datasource %q: maxConnected for pool %g must be > 0",
			ds, *p.MaxConnectedTime))
	}
	return
}
