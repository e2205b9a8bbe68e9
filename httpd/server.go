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
	"context"
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Options carries per-connection resource caps and server plumbing.
type Options struct {
	// MaxHeaderSize caps the whole request header block, including the
	// request line, in bytes. Exceeding it fails the request with 400.
	MaxHeaderSize int64

	// MaxBodySize caps the request body (after chunked decoding) in
	// bytes. Exceeding it fails the request with 413.
	MaxBodySize int64

	// MaxConnections caps concurrently open connections; further
	// accepts are closed immediately. Zero means unlimited.
	MaxConnections int64

	// MaxTTL is the per-request deadline. A request that outlives it is
	// answered 504 and its connection closed. Zero disables.
	MaxTTL time.Duration

	// Logger receives connection and dispatch events.
	Logger *zerolog.Logger

	// Now supplies the clock for Date headers; nil means time.Now.
	Now func() time.Time
}

const (
	defaultMaxHeaderSize = 64 << 10
	defaultMaxBodySize   = 10 << 20
)

// Server owns a set of listeners and the root handler group. The Server
// itself behaves as a HandlerGroup with a logging prefix and an error
// boundary around dispatch.
type Server struct {
	opts      Options
	root      HandlerGroup
	logger    zerolog.Logger
	mu        sync.Mutex
	listeners []net.Listener
	conns     sync.WaitGroup
	nconns    atomic.Int64
	stopped   atomic.Bool
}

// NewServer creates a Server with the given options and no handlers.
func NewServer(opts Options) *Server {
	if opts.MaxHeaderSize <= 0 {
		opts.MaxHeaderSize = defaultMaxHeaderSize
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = defaultMaxBodySize
	}
	s := &Server{opts: opts}
	if opts.Logger != nil {
		s.logger = *opts.Logger
	} else {
		s.logger = zerolog.Nop()
	}
	return s
}

// Add appends a handler to the root group.
func (s *Server) Add(h Handler) { s.root.Add(h) }

// AddFunc appends a handler function to the root group.
func (s *Server) AddFunc(f HandlerFunc) { s.root.Add(f) }

func (s *Server) now() time.Time {
	if s.opts.Now != nil {
		return s.opts.Now()
	}
	return time.Now()
}

// Listen starts accepting on addr, optionally with TLS. Non-blocking;
// the accept loop runs in its own goroutine.
func (s *Server) Listen(addr string, tlsCfg *tls.Config) error {
	lnr, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if tlsCfg != nil {
		lnr = tls.NewListener(lnr, tlsCfg)
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, lnr)
	s.mu.Unlock()
	go s.acceptLoop(lnr)
	return nil
}

// Addr returns the listen address of the first listener, for tests that
// bind port 0.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.listeners) == 0 {
		return nil
	}
	return s.listeners[0].Addr()
}

func (s *Server) acceptLoop(lnr net.Listener) {
	for {
		nc, err := lnr.Accept()
		if err != nil {
			if !s.stopped.Load() {
				s.logger.Error().Err(err).Msg("accept failed")
			}
			return
		}
		if max := s.opts.MaxConnections; max > 0 && s.nconns.Load() >= max {
			s.logger.Warn().Str("client", nc.RemoteAddr().String()).
				Msg("connection limit reached, dropping")
			nc.Close()
			continue
		}
		s.nconns.Add(1)
		s.conns.Add(1)
		go newConn(s, nc).serve()
	}
}

func (s *Server) connDone() {
	s.nconns.Add(-1)
	s.conns.Done()
}

func (s *Server) draining() bool { return s.stopped.Load() }

// Shutdown closes the listeners and waits for in-flight connections, up
// to the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopped.Store(true)
	s.mu.Lock()
	for _, lnr := range s.listeners {
		lnr.Close()
	}
	s.listeners = nil
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handle runs a request through the root group inside the error
// boundary: panics become internal errors, and typed errors propagate to
// the Conn for status mapping.
func (s *Server) handle(req *Request) (handled bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Errorf(KindInternal, "handler panic: %v", r)
		}
	}()
	return s.root.Handle(req)
}
