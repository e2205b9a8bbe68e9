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
	"io/fs"
	"os"
	"path"
	"strconv"
	"strings"
)

// PassHandler reports handled without writing; the dispatcher turns that
// into an empty 200.
type PassHandler struct{}

// Handle reports handled.
func (PassHandler) Handle(req *Request) (bool, error) { return true, nil }

// StatusHandler replies with a fixed status and empty body.
type StatusHandler struct {
	Status int
}

// Handle writes the status.
func (h *StatusHandler) Handle(req *Request) (bool, error) {
	return true, req.Reply(h.Status)
}

// RedirectHandler replies with a Location header. The target URI may
// reference pattern captures as {name}.
type RedirectHandler struct {
	URI  string
	Code int
}

// Handle writes the redirect.
func (h *RedirectHandler) Handle(req *Request) (bool, error) {
	uri := h.URI
	if strings.ContainsRune(uri, '{') {
		var b strings.Builder
		lit := uri
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
				b.WriteString("{")
				b.WriteString(lit)
				break
			}
			b.WriteString(req.Args.GetString(lit[:closing]))
			lit = lit[closing+1:]
		}
		uri = b.String()
	}
	return true, req.Redirect(uri, h.Code)
}

// HeadersHandler adds fixed response headers and defers.
type HeadersHandler struct {
	Headers map[string]string
}

// Handle sets the headers without reporting handled.
func (h *HeadersHandler) Handle(req *Request) (bool, error) {
	for k, v := range h.Headers {
		req.OutHeader().Set(k, v)
	}
	return false, nil
}

// CORSOptions configures a CORSHandler.
type CORSOptions struct {
	AllowedOrigins   []string // `*` allows any; one `*` wildcard per origin
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
	MaxAge           int // seconds
}

// CORSHandler answers preflight OPTIONS requests and attaches CORS
// headers to other requests, then defers.
type CORSHandler struct {
	Options CORSOptions
}

func (h *CORSHandler) originAllowed(origin string) bool {
	if len(h.Options.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range h.Options.AllowedOrigins {
		if o == "*" {
			return true
		}
		if star := strings.IndexByte(o, '*'); star >= 0 {
			pre, suf := o[:star], o[star+1:]
			if len(origin) >= len(pre)+len(suf) &&
				strings.HasPrefix(origin, pre) && strings.HasSuffix(origin, suf) {
				return true
			}
			continue
		}
		if o == origin {
			return true
		}
	}
	return false
}

// Handle attaches CORS headers; preflights are answered 204.
func (h *CORSHandler) Handle(req *Request) (bool, error) {
	origin := req.Header.Get("Origin")
	if origin == "" || !h.originAllowed(origin) {
		return false, nil
	}
	out := req.OutHeader()
	out.Set("Access-Control-Allow-Origin", origin)
	out.Add("Vary", "Origin")
	if h.Options.AllowCredentials {
		out.Set("Access-Control-Allow-Credentials", "true")
	}
	if len(h.Options.ExposedHeaders) > 0 {
		out.Set("Access-Control-Expose-Headers",
			strings.Join(h.Options.ExposedHeaders, ", "))
	}

	if req.Method == MethodOptions &&
		req.Header.Has("Access-Control-Request-Method") {
		methods := h.Options.AllowedMethods
		if len(methods) == 0 {
			methods = []string{"HEAD", "GET", "POST"}
		}
		out.Set("Access-Control-Allow-Methods", strings.Join(methods, ", "))
		if len(h.Options.AllowedHeaders) > 0 {
			out.Set("Access-Control-Allow-Headers",
				strings.Join(h.Options.AllowedHeaders, ", "))
		} else if rh := req.Header.Get("Access-Control-Request-Headers"); rh != "" {
			out.Set("Access-Control-Allow-Headers", rh)
		}
		if h.Options.MaxAge > 0 {
			out.Set("Access-Control-Max-Age", strconv.Itoa(h.Options.MaxAge))
		}
		return true, req.Reply(StatusNoContent)
	}
	return false, nil
}

// FileHandler serves a file (or files under a directory) from the local
// filesystem. The optional `path` capture selects the file inside Root
// when Root is a directory.
type FileHandler struct {
	Root string
}

// Handle serves the file.
func (h *FileHandler) Handle(req *Request) (bool, error) {
	target := h.Root
	if sub := req.Args.GetString("path"); sub != "" {
		clean := path.Clean("/" + sub)
		target = h.Root + clean
	}
	data, err := os.ReadFile(target)
	if err != nil {
		if os.IsNotExist(err) {
			return true, req.SendError(Errorf(KindKey, "no such file"))
		}
		return false, WrapError(KindInternal, err, "failed to read %q", target)
	}
	if ext := path.Ext(target); ext != "" {
		req.OutHeader().Set("Content-Type", guessContentType(ext[1:]))
	}
	return true, req.Reply(StatusOK, data)
}

// ResourceHandler serves embedded resources from an fs.FS.
type ResourceHandler struct {
	FS     fs.FS
	Prefix string
}

// Handle serves the resource named by the `path` capture (or the Prefix
// itself for an exact resource).
func (h *ResourceHandler) Handle(req *Request) (bool, error) {
	name := strings.TrimPrefix(h.Prefix, "/")
	if sub := req.Args.GetString("path"); sub != "" {
		name = strings.TrimPrefix(path.Join(name, path.Clean("/"+sub)), "/")
	}
	data, err := fs.ReadFile(h.FS, name)
	if err != nil {
		return true, req.SendError(Errorf(KindKey, "no such resource"))
	}
	if ext := path.Ext(name); ext != "" {
		req.OutHeader().Set("Content-Type", guessContentType(ext[1:]))
	}
	return true, req.Reply(StatusOK, data)
}
