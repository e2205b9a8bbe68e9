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
	"strconv"
	"strings"
	"time"
)

// imfFixdate is the RFC 7231 IMF-fixdate format used for Date, Expires
// and friends.
const imfFixdate = "Mon, 02 Jan 2006 15:04:05 GMT"

// Cookie is a Set-Cookie header value with the attributes we support,
// per RFC 6265.
type Cookie struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	Expires  time.Time
	MaxAge   int // seconds; 0 means unset, negative means Max-Age=0
	HttpOnly bool
	Secure   bool
	SameSite string // "Strict", "Lax" or "None"
}

// String serializes the cookie as a Set-Cookie header value.
func (c *Cookie) String() string {
	var b strings.Builder
	b.WriteString(c.Name)
	b.WriteByte('=')
	b.WriteString(c.Value)
	if c.Domain != "" {
		b.WriteString("; Domain=")
		b.WriteString(c.Domain)
	}
	if c.Path != "" {
		b.WriteString("; Path=")
		b.WriteString(c.Path)
	}
	if !c.Expires.IsZero() {
		b.WriteString("; Expires=")
		b.WriteString(c.Expires.UTC().Format(imfFixdate))
	}
	if c.MaxAge > 0 {
		b.WriteString("; Max-Age=")
		b.WriteString(strconv.Itoa(c.MaxAge))
	} else if c.MaxAge < 0 {
		b.WriteString("; Max-Age=0")
	}
	if c.HttpOnly {
		b.WriteString("; HttpOnly")
	}
	if c.Secure {
		b.WriteString("; Secure")
	}
	if c.SameSite != "" {
		b.WriteString("; SameSite=")
		b.WriteString(c.SameSite)
	}
	return b.String()
}

// ParseSetCookie parses a Set-Cookie header value.
func ParseSetCookie(s string) (c Cookie, err error) {
	parts := strings.Split(s, ";")
	if len(parts) == 0 {
		return c, Errorf(KindParse, "empty cookie")
	}
	name, value, found := strings.Cut(strings.TrimSpace(parts[0]), "=")
	if !found || name == "" {
		return c, Errorf(KindParse, "malformed cookie %q", parts[0])
	}
	c.Name, c.Value = name, value
	for _, part := range parts[1:] {
		attr, av, _ := strings.Cut(strings.TrimSpace(part), "=")
		switch strings.ToLower(attr) {
		case "domain":
			c.Domain = av
		case "path":
			c.Path = av
		case "expires":
			if t, e := time.Parse(imfFixdate, av); e == nil {
				c.Expires = t
			}
		case "max-age":
			if n, e := strconv.Atoi(av); e == nil {
				if n <= 0 {
					c.MaxAge = -1
				} else {
					c.MaxAge = n
				}
			}
		case "httponly":
			c.HttpOnly = true
		case "secure":
			c.Secure = true
		case "samesite":
			c.SameSite = av
		}
	}
	return c, nil
}

// parseCookieHeader parses a request Cookie header into name/value pairs,
// preserving order.
func parseCookieHeader(s string) (out []Cookie) {
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, _ := strings.Cut(part, "=")
		out = append(out, Cookie{Name: name, Value: value})
	}
	return
}
