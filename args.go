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
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/jmpapi/jmpapi/httpd"
)

//------------------------------------------------------------------------------
// argument extraction & validation

// argsHandler validates the declared arguments of an endpoint and stores
// the typed values into the request args, then defers to the endpoint
// handler. A failed validation rejects the request with 400.
type argsHandler struct {
	args   *ArgDict
	logger zerolog.Logger
}

func (h *argsHandler) Handle(req *httpd.Request) (bool, error) {
	err := h.args.Each(func(name string, a *Arg) error {
		raw, found, err := argValue(req, name, a.Source)
		if err != nil {
			return err
		}
		if !found {
			if a.Default != nil {
				req.Args.Set(name, a.Default)
				return nil
			}
			if a.Optional {
				req.Args.Set(name, nil)
				return nil
			}
			return httpd.Errorf(httpd.KindValidation,
				"argument %q: value required but not supplied", name)
		}
		typed, err := convertArg(name, a, raw)
		if err != nil {
			return err
		}
		req.Args.Set(name, typed)
		return nil
	})
	if err != nil {
		h.logger.Warn().Err(err).Str("path", req.Path).
			Msg("argument validation failed")
		return true, req.SendError(err)
	}
	return false, nil
}

// argValue fetches the raw value of one argument from its source. With no
// declared source, path captures are consulted first, then the query
// string, then the body.
func argValue(req *httpd.Request, name, source string) (v any, found bool, err error) {
	switch source {
	case "path":
		if req.Args.Has(name) {
			return req.Args.Get(name), true, nil
		}
	case "query":
		return queryValue(req.Query(), name)
	case "body":
		return bodyValue(req, name)
	case "header":
		if req.Header.Has(name) {
			return req.Header.Get(name), true, nil
		}
	case "cookie":
		if c, ok := req.Cookie(name); ok {
			return c, true, nil
		}
	case "session":
		if s, ok := req.Env["session"].(*Session); ok {
			if v, ok := s.LookupVar(name); ok {
				return v, true, nil
			}
		}
	default:
		if req.Args.Has(name) {
			return req.Args.Get(name), true, nil
		}
		if v, ok, err := queryValue(req.Query(), name); err != nil || ok {
			return v, ok, err
		}
		return bodyValue(req, name)
	}
	return nil, false, nil
}

func queryValue(q url.Values, name string) (any, bool, error) {
	vals, ok := q[name]
	if !ok {
		return nil, false, nil
	}
	if len(vals) == 1 {
		return vals[0], true, nil
	}
	return vals, true, nil
}

func bodyValue(req *httpd.Request, name string) (any, bool, error) {
	if msg, err := req.JSONMessage(); err != nil {
		return nil, false, err
	} else if msg != nil {
		v, ok := msg[name]
		return v, ok, nil
	}
	if ct := req.Header.ContentType(); ct == "application/x-www-form-urlencoded" {
		form, err := url.ParseQuery(string(req.Body))
		if err != nil {
			return nil, false, httpd.WrapError(httpd.KindParse, err,
				"invalid form body")
		}
		return queryValue(form, name)
	}
	return nil, false, nil
}

//------------------------------------------------------------------------------
// type conversion

func convertArg(name string, a *Arg, v any) (any, error) {
	bad := func(what string) error {
		return httpd.Errorf(httpd.KindValidation, "argument %q: not a valid %s",
			name, what)
	}
	switch a.Type {
	case "", "string":
		if s, ok := v.(string); ok {
			return s, nil
		}
		return nil, bad("string")

	case "int":
		if i, ok := toInt(v); ok {
			return i, nil
		}
		return nil, bad("integer")

	case "uint":
		if i, ok := toInt(v); ok && i >= 0 {
			return uint64(i), nil
		}
		return nil, bad("unsigned integer")

	case "number":
		switch t := v.(type) {
		case float64:
			return t, nil
		case string:
			if f, err := strconv.ParseFloat(t, 64); err == nil {
				return f, nil
			}
		}
		return nil, bad("number")

	case "bool":
		switch t := v.(type) {
		case bool:
			return t, nil
		case string:
			switch strings.ToLower(t) {
			case "true", "1":
				return true, nil
			case "false", "0":
				return false, nil
			case "":
				// a bare query/form parameter counts as true
				return true, nil
			}
		}
		return nil, bad("boolean")

	case "list":
		switch t := v.(type) {
		case []any:
			return t, nil
		case []string:
			out := make([]any, len(t))
			for i := range t {
				out[i] = t[i]
			}
			return out, nil
		}
		return nil, bad("list")

	case "dict":
		switch t := v.(type) {
		case *httpd.Dict:
			return t, nil
		case map[string]any:
			return t, nil
		}
		return nil, bad("dict")
	}
	// unreachable with a validated config
	return nil, httpd.Errorf(httpd.KindInternal, "argument %q: unknown type %q",
		name, a.Type)
}

func toInt(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return float2int(t)
	case string:
		// allow both "200" and "200.00"
		if i, err := strconv.ParseInt(t, 10, 64); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return float2int(f)
		}
	}
	return 0, false
}

func float2int(f float64) (i int64, ok bool) {
	if i, frac := math.Modf(f); math.Abs(frac) < 1e-9 {
		return int64(i), true
	}
	return 0, false
}

//------------------------------------------------------------------------------
// argument filter

// argFilterHandler invokes the named runtime argument filter before the
// endpoint handler runs. The filter may rewrite request args or veto the
// request by returning an error.
type argFilterHandler struct {
	name string
	rti  *RuntimeInterface
}

func (h *argFilterHandler) Handle(req *httpd.Request) (bool, error) {
	if h.rti == nil || h.rti.ArgFilter == nil {
		return true, req.SendError(httpd.Errorf(httpd.KindNotImplemented,
			"argument filter %q is not available", h.name))
	}
	if err := h.rti.ArgFilter(h.name, req); err != nil {
		return true, req.SendError(err)
	}
	return false, nil
}
