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
	"crypto/tls"
	"fmt"
	"io"
	"mime"
	"strconv"
	"strings"
	"time"

	"net"

	"github.com/rs/zerolog"
)

// Conn is one accepted TCP/TLS connection. Requests on a Conn are read,
// dispatched and answered strictly in arrival order, so HTTP pipelining
// is honored. A Conn is persistent iff the request is HTTP/1.1 and
// neither side asked for Connection: close.
type Conn struct {
	srv      *Server
	nc       net.Conn
	br       *bufio.Reader
	bw       *bufio.Writer
	logger   zerolog.Logger
	tls      bool
	hijacked bool
	closing  bool // Connection: close pending after current response
}

func newConn(srv *Server, nc net.Conn) *Conn {
	_, isTLS := nc.(*tls.Conn)
	rdSize := int(srv.opts.MaxHeaderSize) + 16
	if rdSize < 4096 {
		rdSize = 4096
	}
	return &Conn{
		srv:    srv,
		nc:     nc,
		br:     bufio.NewReaderSize(nc, rdSize),
		bw:     bufio.NewWriter(nc),
		logger: srv.logger.With().Str("client", nc.RemoteAddr().String()).Logger(),
		tls:    isTLS,
	}
}

// serve runs the connection loop until the peer goes away, an error
// occurs, or persistence ends.
func (c *Conn) serve() {
	defer func() {
		if !c.hijacked {
			c.nc.Close()
		}
		c.srv.connDone()
	}()

	for {
		req, err := c.readRequest()
		if err != nil {
			// Errors before a Request exists close the connection after
			// a best-effort error response.
			if err != io.EOF {
				c.writeEarlyError(err)
			}
			return
		}

		persistent := c.dispatch(req)
		if c.hijacked {
			return
		}
		if err := c.bw.Flush(); err != nil {
			c.logger.Debug().Err(err).Msg("response write failed")
			return
		}
		if !persistent {
			return
		}
	}
}

// readRequest reads and parses one request: request line, header block,
// optional 100-continue, then the body (chunked or Content-Length).
func (c *Conn) readRequest() (*Request, error) {
	block, err := c.readHeaderBlock()
	if err != nil {
		return nil, err
	}

	// request line
	eol := bytes.IndexByte(block, '\n')
	if eol < 0 {
		return nil, Errorf(KindParse, "missing request line")
	}
	line := strings.TrimRight(string(block[:eol]), "\r")
	parts := strings.Split(line, " ")
	if len(parts) != 3 {
		return nil, Errorf(KindParse, "malformed request line %q", line)
	}
	method := ParseMethod(parts[0])
	if method == 0 {
		return nil, Errorf(KindParse, "unrecognized method %q", parts[0])
	}
	proto := parts[2]
	if proto != "HTTP/1.0" && proto != "HTTP/1.1" {
		return nil, Errorf(KindParse, "unsupported protocol %q", proto)
	}

	req := &Request{
		Method:     method,
		MethodName: parts[0],
		RawURI:     parts[1],
		Proto:      proto,
		RemoteAddr: c.nc.RemoteAddr(),
		TLS:        c.tls,
		Args:       NewDict(),
		Groups:     make(map[string]bool),
		Env:        make(map[string]any),
		conn:       c,
		bytesIn:    int64(len(block)),
	}
	req.Path = parts[1]
	if q := strings.IndexByte(req.Path, '?'); q >= 0 {
		req.RawQuery = req.Path[q+1:]
		req.Path = req.Path[:q]
	}

	// header block
	if err := req.Header.Parse(block[eol+1:]); err != nil {
		return nil, err
	}

	// 100-continue before reading the body
	if proto == "HTTP/1.1" &&
		tokenInList(req.Header.Get("Expect"), "100-continue") {
		if _, err := io.WriteString(c.nc,
			"HTTP/1.1 100 Continue\r\n\r\n"); err != nil {
			return nil, err
		}
	}

	// body
	if tokenInList(req.Header.Get("Transfer-Encoding"), "chunked") {
		body, n, err := c.readChunkedBody()
		if err != nil {
			return nil, err
		}
		req.Body = body
		req.bytesIn += n
	} else if cl := req.Header.Get("Content-Length"); cl != "" {
		length, err := strconv.ParseInt(cl, 10, 64)
		if err != nil || length < 0 {
			return nil, Errorf(KindParse, "invalid Content-Length %q", cl)
		}
		if length > c.srv.opts.MaxBodySize {
			return nil, Errorf(KindBodyTooLarge,
				"request body of %d bytes exceeds limit", length)
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(c.br, body); err != nil {
			return nil, WrapError(KindParse, err, "short request body")
		}
		req.Body = body
		req.bytesIn += length
	}
	if req.Body != nil && !method.allowsBody() {
		// consumed off the wire to keep the stream framed, then dropped:
		// methods that do not allow a body proceed empty
		req.Body = nil
	}

	return req, nil
}

// readHeaderBlock reads up to and including the blank line that ends the
// header block, enforcing the max-header-size cap on the whole block.
func (c *Conn) readHeaderBlock() ([]byte, error) {
	var block []byte
	max := int(c.srv.opts.MaxHeaderSize)
	for {
		line, err := c.br.ReadSlice('\n')
		if err != nil {
			if err == bufio.ErrBufferFull {
				return nil, Errorf(KindParse, "header line too long")
			}
			if len(block) == 0 && err == io.EOF {
				return nil, io.EOF
			}
			return nil, WrapError(KindParse, err, "truncated header block")
		}
		if len(block)+len(line) > max {
			return nil, Errorf(KindParse,
				"header block exceeds limit of %d bytes", max)
		}
		block = append(block, line...)
		if len(bytes.TrimRight(line, "\r\n")) == 0 {
			if len(block) == len(line) {
				// stray CRLF between pipelined requests; skip it
				block = block[:0]
				continue
			}
			return block, nil
		}
	}
}

// readChunkedBody decodes a chunked request body, including trailer
// headers, enforcing max-body-size on the accumulated payload.
func (c *Conn) readChunkedBody() (body []byte, bytesRead int64, err error) {
	max := c.srv.opts.MaxBodySize
	for {
		sizeLine, err := c.br.ReadString('\n')
		if err != nil {
			return nil, bytesRead, WrapError(KindParse, err, "truncated chunk size")
		}
		bytesRead += int64(len(sizeLine))
		sizeLine = strings.TrimSpace(sizeLine)
		// ignore chunk extensions
		if i := strings.IndexByte(sizeLine, ';'); i >= 0 {
			sizeLine = sizeLine[:i]
		}
		size, err := strconv.ParseInt(sizeLine, 16, 64)
		if err != nil || size < 0 {
			return nil, bytesRead, Errorf(KindParse, "invalid chunk size %q", sizeLine)
		}
		if size == 0 {
			break
		}
		if int64(len(body))+size > max {
			return nil, bytesRead, Errorf(KindBodyTooLarge,
				"chunked body exceeds limit of %d bytes", max)
		}
		chunk := make([]byte, size+2) // payload + CRLF
		if _, err := io.ReadFull(c.br, chunk); err != nil {
			return nil, bytesRead, WrapError(KindParse, err, "truncated chunk")
		}
		if chunk[size] != '\r' || chunk[size+1] != '\n' {
			return nil, bytesRead, Errorf(KindParse, "chunk missing CRLF terminator")
		}
		bytesRead += size + 2
		body = append(body, chunk[:size]...)
	}

	// trailer headers until an empty line
	for {
		line, err := c.br.ReadString('\n')
		if err != nil {
			return nil, bytesRead, WrapError(KindParse, err, "truncated trailers")
		}
		bytesRead += int64(len(line))
		if strings.TrimRight(line, "\r\n") == "" {
			break
		}
	}
	return body, bytesRead, nil
}

// dispatch runs the request through the server's handler tree inside the
// error boundary, then writes the response. Returns whether the Conn
// stays alive.
func (c *Conn) dispatch(req *Request) (persistent bool) {
	ctx := context.Background()
	var cancel context.CancelFunc
	if ttl := c.srv.opts.MaxTTL; ttl > 0 {
		ctx, cancel = context.WithTimeout(ctx, ttl)
		defer cancel()
	}
	req.ctx = ctx

	handled, err := c.srv.handle(req)

	// expired requests are aborted with 504 and the Conn is closed
	if ctx.Err() != nil && !req.replied {
		req.SendErrorCode(StatusGatewayTimeout, "request deadline exceeded")
		c.writeResponse(req, false)
		return false
	}

	switch {
	case err != nil:
		c.logger.Error().Err(err).Str("method", req.MethodName).
			Str("uri", req.RawURI).Msg("handler error")
		if !req.replied && !req.chunked {
			req.SendError(err)
		}
	case !handled && !req.replied && !req.chunked:
		req.SendErrorCode(StatusNotFound, "")
	case handled && !req.replied && !req.chunked:
		// handled without writing (pass): empty 200
		req.Reply(StatusOK)
	}

	if req.hijacked {
		return false
	}
	if req.chunked {
		if !req.replied {
			// handler started chunking but never terminated
			c.endChunked()
		}
		return c.isPersistent(req)
	}
	return c.writeResponse(req, c.isPersistent(req))
}

// isPersistent applies the keep-alive rules to a finished request.
func (c *Conn) isPersistent(req *Request) bool {
	if c.closing || c.srv.draining() {
		return false
	}
	if req.Proto != "HTTP/1.1" {
		// keep-alive is not honored for HTTP/1.0 clients
		return false
	}
	if req.Header.NeedsClose() || req.outHeader.NeedsClose() {
		return false
	}
	return true
}

// mustHaveBody reports whether the response may carry a body per its
// method and status.
func mustHaveBody(method Method, status int) bool {
	switch method {
	case MethodHead, MethodConnect, MethodOptions:
		return false
	}
	if status == StatusNoContent || status == StatusNotModified {
		return false
	}
	if status >= 100 && status < 200 {
		return false
	}
	return true
}

// writeResponse assembles and writes a buffered (non-chunked) response.
func (c *Conn) writeResponse(req *Request, persistent bool) bool {
	status := req.status
	if status == 0 {
		status = StatusOK
	}
	h := &req.outHeader

	if req.Proto == "HTTP/1.1" && !h.Has("Date") {
		h.Set("Date", c.srv.now().UTC().Format(imfFixdate))
	}
	hasBody := mustHaveBody(req.Method, status)
	if hasBody && !h.Has("Content-Length") {
		h.Set("Content-Length", strconv.Itoa(req.outBody.Len()))
	}
	if req.outBody.Len() > 0 && !h.HasContentType() {
		h.Set("Content-Type", guessContentType(req.Extension()))
	}
	if !persistent && !h.NeedsClose() {
		h.Set("Connection", "close")
	}

	if !c.writeHead(req, status) {
		return false
	}
	if hasBody && req.outBody.Len() > 0 {
		n, err := c.bw.Write(req.outBody.Bytes())
		req.bytesOut += int64(n)
		if err != nil {
			c.logger.Debug().Err(err).Msg("body write failed")
			return false
		}
	}
	return persistent
}

// writeHead writes the status line and header block.
func (c *Conn) writeHead(req *Request, status int) bool {
	phrase := req.statusLine
	if phrase == "" {
		phrase = StatusPhrase(status)
	}
	var head bytes.Buffer
	fmt.Fprintf(&head, "%s %d %s\r\n", req.Proto, status, phrase)
	req.outHeader.Write(&head)
	head.WriteString("\r\n")
	n, err := c.bw.Write(head.Bytes())
	req.bytesOut += int64(n)
	if err != nil {
		c.logger.Debug().Err(err).Msg("header write failed")
		return false
	}
	return true
}

// startChunked writes the response head for a chunked reply.
func (c *Conn) startChunked(req *Request) error {
	h := &req.outHeader
	if req.Proto == "HTTP/1.1" && !h.Has("Date") {
		h.Set("Date", c.srv.now().UTC().Format(imfFixdate))
	}
	h.Set("Transfer-Encoding", "chunked")
	if !h.HasContentType() {
		h.Set("Content-Type", guessContentType(req.Extension()))
	}
	if !c.writeHead(req, req.status) {
		return Errorf(KindInternal, "failed to write response head")
	}
	return c.bw.Flush()
}

// writeChunk writes one chunk frame: hex(len) CRLF payload CRLF.
func (c *Conn) writeChunk(p []byte) error {
	if _, err := fmt.Fprintf(c.bw, "%x\r\n", len(p)); err != nil {
		return err
	}
	if len(p) > 0 {
		if _, err := c.bw.Write(p); err != nil {
			return err
		}
	}
	if _, err := c.bw.WriteString("\r\n"); err != nil {
		return err
	}
	return c.bw.Flush()
}

// endChunked writes the zero-length terminator chunk.
func (c *Conn) endChunked() error {
	if _, err := c.bw.WriteString("0\r\n\r\n"); err != nil {
		return err
	}
	return c.bw.Flush()
}

// writeEarlyError answers a connection-level parse failure before any
// Request exists, then the caller closes the connection.
func (c *Conn) writeEarlyError(err error) {
	status := ErrStatus(err)
	if status == StatusInternalServerError {
		status = StatusBadRequest
	}
	c.logger.Debug().Err(err).Msg("rejecting malformed request")
	body := fmt.Sprintf("%d %s\n", status, StatusPhrase(status))
	fmt.Fprintf(c.bw, "HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\n"+
		"Content-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, StatusPhrase(status), len(body), body)
	c.bw.Flush()
}

// hijack hands the raw connection to the caller.
func (c *Conn) hijack() (net.Conn, *bufio.ReadWriter, error) {
	if c.hijacked {
		return nil, nil, Errorf(KindInternal, "connection already hijacked")
	}
	c.hijacked = true
	c.nc.SetDeadline(time.Time{})
	return c.nc, bufio.NewReadWriter(c.br, c.bw), nil
}

// guessContentType maps a URI extension to a media type.
func guessContentType(ext string) string {
	if ext != "" {
		if ct := mime.TypeByExtension("." + ext); ct != "" {
			return ct
		}
	}
	return "text/plain; charset=utf-8"
}
