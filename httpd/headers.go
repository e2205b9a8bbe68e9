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
	"bytes"
	"fmt"
	"io"
	"strings"
)

// Headers is an ordered, case-insensitive multimap of header fields.
// Insertion order is preserved on serialization.
type Headers struct {
	fields []headerField
}

type headerField struct {
	key   string
	value string
}

// Get returns the first value for key, or "" if absent.
func (h *Headers) Get(key string) string {
	for i := range h.fields {
		if strings.EqualFold(h.fields[i].key, key) {
			return h.fields[i].value
		}
	}
	return ""
}

// Values returns all values for key, in order.
func (h *Headers) Values(key string) (out []string) {
	for i := range h.fields {
		if strings.EqualFold(h.fields[i].key, key) {
			out = append(out, h.fields[i].value)
		}
	}
	return
}

// Has reports whether key is present.
func (h *Headers) Has(key string) bool {
	for i := range h.fields {
		if strings.EqualFold(h.fields[i].key, key) {
			return true
		}
	}
	return false
}

// Set replaces all values of key with value.
func (h *Headers) Set(key, value string) {
	h.Del(key)
	h.Add(key, value)
}

// Add appends a field, keeping any existing values for key.
func (h *Headers) Add(key, value string) {
	h.fields = append(h.fields, headerField{key, value})
}

// Del removes all values for key.
func (h *Headers) Del(key string) {
	out := h.fields[:0]
	for i := range h.fields {
		if !strings.EqualFold(h.fields[i].key, key) {
			out = append(out, h.fields[i])
		}
	}
	h.fields = out
}

// Len returns the number of fields.
func (h *Headers) Len() int { return len(h.fields) }

// Each calls f for every field in order.
func (h *Headers) Each(f func(key, value string)) {
	for i := range h.fields {
		f(h.fields[i].key, h.fields[i].value)
	}
}

// tokenInList reports whether the comma-separated header value contains
// the given token, compared case-insensitively.
func tokenInList(value, token string) bool {
	for _, t := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(t), token) {
			return true
		}
	}
	return false
}

// ConnectionKeepAlive reports whether the Connection header asks for
// keep-alive.
func (h *Headers) ConnectionKeepAlive() bool {
	return tokenInList(h.Get("Connection"), "keep-alive")
}

// NeedsClose reports whether the Connection header asks for close.
func (h *Headers) NeedsClose() bool {
	return tokenInList(h.Get("Connection"), "close")
}

// HasContentType reports whether a Content-Type field is present.
func (h *Headers) HasContentType() bool { return h.Has("Content-Type") }

// ContentType returns the media type of the Content-Type field, without
// parameters.
func (h *Headers) ContentType() string {
	ct := h.Get("Content-Type")
	if pos := strings.IndexByte(ct, ';'); pos >= 0 {
		ct = ct[:pos]
	}
	return strings.TrimSpace(ct)
}

// IsJSONContentType reports whether the Content-Type is application/json.
func (h *Headers) IsJSONContentType() bool {
	return strings.EqualFold(h.ContentType(), "application/json")
}

// Parse reads a header block (without the request line, terminated by an
// empty line or end of input) into h. Continuation lines (obs-fold) are
// appended to the previous field value with a single space.
func (h *Headers) Parse(block []byte) error {
	for len(block) > 0 {
		var line []byte
		if i := bytes.IndexByte(block, '\n'); i >= 0 {
			line, block = block[:i], block[i+1:]
		} else {
			line, block = block, nil
		}
		line = bytes.TrimRight(line, "\r")
		if len(line) == 0 {
			break
		}
		if line[0] == ' ' || line[0] == '\t' {
			if len(h.fields) == 0 {
				return Errorf(KindParse, "header continuation without a field")
			}
			last := &h.fields[len(h.fields)-1]
			last.value += " " + string(bytes.TrimSpace(line))
			continue
		}
		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return Errorf(KindParse, "malformed header line %q", string(line))
		}
		key := string(line[:colon])
		if strings.ContainsAny(key, " \t") {
			return Errorf(KindParse, "whitespace in header field name %q", key)
		}
		value := string(bytes.TrimSpace(line[colon+1:]))
		h.fields = append(h.fields, headerField{key, value})
	}
	return nil
}

// Write serializes the fields as CRLF-terminated header lines, without
// the trailing empty line.
func (h *Headers) Write(w io.Writer) error {
	for i := range h.fields {
		if _, err := fmt.Fprintf(w, "%s: %s\r\n", h.fields[i].key,
			h.fields[i].value); err != nil {
			return err
		}
	}
	return nil
}
