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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/url"
	"path"
	"strconv"
)

// Request is one HTTP request and its pending response. It is created by
// the Conn when the header block parses, mutated by handlers, and
// finalized by Reply/SendError or EndChunked. The back-reference to its
// Conn is owned by the Conn, never the other way around.
type Request struct {
	Method     Method
	MethodName string
	RawURI     string
	Path       string
	RawQuery   string
	Proto      string // "HTTP/1.0" or "HTTP/1.1"
	Header     Headers
	Body       []byte
	RemoteAddr net.Addr
	TLS        bool

	// Args holds values captured from the URL pattern and validated
	// endpoint arguments, in insertion order.
	Args *Dict

	// User and Groups are the request identity, filled in by the session
	// layer. An empty User is anonymous.
	User   string
	Groups map[string]bool

	// Env carries per-request values across handlers (e.g. the session).
	Env map[string]any

	ctx  context.Context
	conn *Conn

	status     int
	statusLine string
	outHeader  Headers
	outBody    bytes.Buffer
	chunked    bool
	replied    bool
	hijacked   bool

	query     url.Values
	queryErr  error
	jsonMsg   map[string]any
	jsonTried bool

	bytesIn  int64
	bytesOut int64
}

// Context returns the request context. It carries the server's max-ttl
// deadline.
func (r *Request) Context() context.Context {
	if r.ctx != nil {
		return r.ctx
	}
	return context.Background()
}

// Extension returns the URI path extension without the dot, or "".
func (r *Request) Extension() string {
	ext := path.Ext(r.Path)
	if ext != "" {
		return ext[1:]
	}
	return ""
}

// Query returns the parsed query string values.
func (r *Request) Query() url.Values {
	if r.query == nil && r.queryErr == nil {
		r.query, r.queryErr = url.ParseQuery(r.RawQuery)
		if r.query == nil {
			r.query = url.Values{}
		}
	}
	return r.query
}

// JSONMessage lazily parses the request body as a JSON object. It
// returns nil without error when the body is empty or the content type
// is not JSON.
func (r *Request) JSONMessage() (map[string]any, error) {
	if r.jsonTried {
		return r.jsonMsg, nil
	}
	r.jsonTried = true
	if len(r.Body) == 0 || !r.Header.IsJSONContentType() {
		return nil, nil
	}
	switch r.Method {
	case MethodPost, MethodPut, MethodDelete, MethodPatch:
	default:
		return nil, nil
	}
	if err := json.Unmarshal(r.Body, &r.jsonMsg); err != nil {
		return nil, WrapError(KindParse, err, "invalid JSON request body")
	}
	return r.jsonMsg, nil
}

// Cookie returns the value of the named request cookie.
func (r *Request) Cookie(name string) (value string, found bool) {
	for _, hv := range r.Header.Values("Cookie") {
		for _, c := range parseCookieHeader(hv) {
			if c.Name == name {
				return c.Value, true
			}
		}
	}
	return "", false
}

// SetCookie adds a Set-Cookie response header.
func (r *Request) SetCookie(c Cookie) {
	r.outHeader.Add("Set-Cookie", c.String())
}

// OutHeader returns the response headers for mutation.
func (r *Request) OutHeader() *Headers { return &r.outHeader }

// SetStatusLine overrides the reason phrase of the response status line.
func (r *Request) SetStatusLine(line string) { r.statusLine = line }

// Replied reports whether a response has been finalized.
func (r *Request) Replied() bool { return r.replied }

// Write appends to the response body. It is an error after the response
// was finalized or switched to chunked mode.
func (r *Request) Write(p []byte) (int, error) {
	if r.replied || r.chunked {
		return 0, Errorf(KindInternal, "response already finalized")
	}
	return r.outBody.Write(p)
}

// Reply finalizes the response with the given status and optional body.
func (r *Request) Reply(status int, body ...[]byte) error {
	if r.replied {
		return Errorf(KindInternal, "reply on a finalized request")
	}
	r.status = status
	for _, b := range body {
		r.outBody.Write(b)
	}
	r.replied = true
	return nil
}

// ReplyJSON marshals v and finalizes the response with a JSON body.
func (r *Request) ReplyJSON(status int, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return WrapError(KindInternal, err, "failed to encode response")
	}
	r.outHeader.Set("Content-Type", "application/json")
	return r.Reply(status, data)
}

// Redirect finalizes the response with a Location header. A zero code
// redirects with 302 Found.
func (r *Request) Redirect(uri string, code int) error {
	if code == 0 {
		code = StatusFound
	}
	r.outHeader.Set("Location", uri)
	return r.Reply(code)
}

// SendError finalizes the response from an error, mapping its kind to an
// HTTP status per the error taxonomy. For requests that sent (or accept)
// JSON the body is a {code, error, message} object, else a text line.
func (r *Request) SendError(err error) error {
	return r.SendErrorCode(ErrStatus(err), ErrMessage(err))
}

// SendErrorCode finalizes the response as an error with an explicit
// status code and message.
func (r *Request) SendErrorCode(code int, message string) error {
	if r.replied {
		return nil
	}
	phrase := StatusPhrase(code)
	if r.wantsJSONError() {
		body := map[string]any{"code": code, "error": phrase}
		if message != "" && message != phrase {
			body["message"] = message
		}
		return r.ReplyJSON(code, body)
	}
	r.outHeader.Set("Content-Type", "text/plain; charset=utf-8")
	return r.Reply(code, []byte(strconv.Itoa(code)+" "+phrase+"\n"))
}

func (r *Request) wantsJSONError() bool {
	if r.Header.IsJSONContentType() {
		return true
	}
	if !r.Header.HasContentType() && r.jsonMsg != nil {
		return true
	}
	return false
}

// StartChunked writes the response header immediately and switches the
// response to chunked transfer encoding. Subsequent SendChunk calls go
// straight to the socket; EndChunked finalizes.
func (r *Request) StartChunked(status int) error {
	if r.replied || r.chunked {
		return Errorf(KindInternal, "response already started")
	}
	if r.conn == nil {
		return Errorf(KindInternal, "request has no connection")
	}
	r.status = status
	r.chunked = true
	return r.conn.startChunked(r)
}

// SendChunk writes one chunk. Empty chunks are ignored (an empty chunk
// terminates the stream on the wire, which is EndChunked's job).
func (r *Request) SendChunk(p []byte) error {
	if !r.chunked || r.replied {
		return Errorf(KindInternal, "not in chunked mode")
	}
	if len(p) == 0 {
		return nil
	}
	return r.conn.writeChunk(p)
}

// EndChunked terminates a chunked response.
func (r *Request) EndChunked() error {
	if !r.chunked || r.replied {
		return Errorf(KindInternal, "not in chunked mode")
	}
	r.replied = true
	return r.conn.endChunked()
}

// Hijack hands the underlying connection to the caller (WebSocket
// upgrade). The Conn stops processing requests afterwards.
func (r *Request) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if r.conn == nil {
		return nil, nil, Errorf(KindInternal, "request has no connection")
	}
	r.hijacked = true
	r.replied = true
	return r.conn.hijack()
}

// BytesIn returns the number of request bytes read from the wire.
func (r *Request) BytesIn() int64 { return r.bytesIn }

// BytesOut returns the number of response bytes written so far.
func (r *Request) BytesOut() int64 { return r.bytesOut }
