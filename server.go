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
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/jmpapi/jmpapi/dnsr"
	"github.com/jmpapi/jmpapi/httpd"
)

const defaultListen = ":8080"

// APIServer is the backend server that responds to HTTP requests as
// specified in a Config. For some features it relies on external
// dependencies which are injected using a RuntimeInterface object.
type APIServer struct {
	cfg         *Config
	rti         *RuntimeInterface
	logger      zerolog.Logger
	srv         *httpd.Server
	ds          *datasources
	sessions    *SessionManager
	ts          *tsEngine
	oauth       *oauthRegistry
	dns         *dnsr.Resolver
	ld          *loader
	c           *cron.Cron
	bgctx       context.Context
	bgctxcancel context.CancelFunc
}

// NewAPIServer creates a new APIServer object, given a server
// configuration and an optional runtime interface. The configuration
// must be valid, otherwise an error is returned. The runtime interface,
// while optional, is required for caching, logging, bound handlers and
// embedded resources.
func NewAPIServer(cfg *Config, rti *RuntimeInterface) (*APIServer, error) {
	if cfg == nil {
		return nil, errors.New("invalid configuration: is nil")
	}
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &APIServer{
		cfg: cfg,
		rti: rti,
		ds:  new(datasources),
	}

	// setup logger
	if rti == nil || rti.Logger == nil {
		a.logger = zerolog.Nop()
	} else {
		a.logger = *rti.Logger
	}
	a.ds.logger = a.logger

	// setup cron
	a.c = newCron(a.logger)

	return a, nil
}

// Start the API server. Upon startup, connections to datasources are
// established, the endpoint tree is compiled, and listeners are opened
// on the configured addresses.
func (a *APIServer) Start() (err error) {
	// create a cancellable context for running background tasks
	a.bgctx, a.bgctxcancel = context.WithCancel(context.Background())

	// connect to datasources
	if err := a.ds.start(a.bgctx, a.cfg.Datasources); err != nil {
		a.logger.Error().Err(err).Msg("failed to connect to all datasources")
		return err
	}

	// session store, swept hourly
	var now func() time.Time
	if a.rti != nil {
		now = a.rti.Now
	}
	a.sessions = NewSessionManager(a.cfg.Sessions, a.logger, now)
	_, _ = a.c.AddFunc("@hourly", a.sessions.Sweep)

	// OAuth2 needs an outbound HTTP client; its lookups go through our
	// own resolver
	if len(a.cfg.OAuth2) > 0 {
		a.dns = newDNSResolver(a.cfg.DNS, a.logger)
		a.oauth = newOAuthRegistry(a.cfg.OAuth2, outboundClient(a.dns), a.logger)
	}

	// time-series log
	if a.cfg.TimeseriesDB != "" {
		ts, err := newTSEngine(a.cfg.TimeseriesDB, a.cfg.Options, a.logger)
		if err != nil {
			a.logger.Error().Err(err).Msg("failed to open time-series db")
			a.teardown()
			return err
		}
		a.ts = ts
	}

	// compile the endpoint tree
	a.ld = &loader{
		cfg:      a.cfg,
		rti:      a.rti,
		ds:       a.ds,
		sessions: a.sessions,
		ts:       a.ts,
		oauth:    a.oauth,
		logger:   a.logger,
	}
	root, err := a.ld.build()
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to load endpoints")
		a.teardown()
		return err
	}

	// setup & start http server
	opts := httpd.Options{Logger: &a.logger, Now: now}
	if l := a.cfg.Limits; l != nil {
		if l.MaxHeaderSize != nil {
			opts.MaxHeaderSize = *l.MaxHeaderSize
		}
		if l.MaxBodySize != nil {
			opts.MaxBodySize = *l.MaxBodySize
		}
		if l.MaxConnections != nil {
			opts.MaxConnections = *l.MaxConnections
		}
		if l.MaxTTL != nil && *l.MaxTTL > 0 {
			opts.MaxTTL = time.Duration(*l.MaxTTL * float64(time.Second))
		}
	}
	a.srv = httpd.NewServer(opts)
	a.srv.Add(root)

	listens := a.cfg.Listen
	if len(listens) == 0 {
		listens = []Listen{{Addr: defaultListen}}
	}
	for _, l := range listens {
		addr := l.Addr
		if !rxPort.MatchString(addr) {
			addr += ":8080"
		}
		var tlsCfg *tls.Config
		if l.TLSCert != "" {
			cert, err := tls.LoadX509KeyPair(l.TLSCert, l.TLSKey)
			if err != nil {
				a.teardown()
				return fmt.Errorf("failed to load TLS keypair for %q: %w", l.Addr, err)
			}
			tlsCfg = &tls.Config{Certificates: []tls.Certificate{cert}}
		}
		if err := a.srv.Listen(addr, tlsCfg); err != nil {
			a.teardown()
			return err
		}
		a.logger.Info().Str("listen", addr).Bool("tls", tlsCfg != nil).
			Msg("listening")
	}

	// auto-triggered series sample from startup
	if a.ts != nil {
		a.startAutoSeries()
	}

	a.c.Start()
	a.logger.Info().Msg("API server started successfully")
	return nil
}

func (a *APIServer) startAutoSeries() {
	apis := make(map[string]*API)
	if a.cfg.API != nil {
		apis[""] = a.cfg.API
	}
	for name, api := range a.cfg.APIs {
		apis[name] = api
	}
	for apiName, api := range apis {
		for name, def := range api.Timeseries {
			if def.Trigger != "auto" {
				continue
			}
			if _, err := a.ts.ensure(a.ld, api, name); err != nil {
				a.logger.Error().Err(err).Str("api", apiName).
					Str("timeseries", name).Msg("failed to start timeseries")
			}
		}
	}
}

// Stop the server. The server will wait for up to the specified timeout
// for in-flight requests to finish and connections to close.
func (a *APIServer) Stop(timeout time.Duration) error {
	if a.srv == nil {
		return nil
	}

	a.logger.Info().Float64("timeout", timeout.Seconds()).
		Msg("stop request received, shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	a.c.Stop()
	a.bgctxcancel()

	err := a.srv.Shutdown(ctx)
	a.srv = nil
	a.teardown()

	a.logger.Info().Msg("API server stopped")
	return err
}

func (a *APIServer) teardown() {
	if a.ts != nil {
		a.ts.close()
		a.ts = nil
	}
	if a.dns != nil {
		a.dns.Close()
		a.dns = nil
	}
	a.ds.stop()
}

// Addr returns the bound address of the first listener, for callers
// (and tests) that listen on port 0.
func (a *APIServer) Addr() net.Addr {
	if a.srv == nil {
		return nil
	}
	return a.srv.Addr()
}

// Sessions returns the server's session store, usable for persistence
// across restarts via its JSON round-trip.
func (a *APIServer) Sessions() *SessionManager { return a.sessions }

//------------------------------------------------------------------------------
// outbound networking

func newDNSResolver(cfg *DNS, logger zerolog.Logger) *dnsr.Resolver {
	opts := dnsr.Options{Logger: &logger}
	if cfg != nil {
		if cfg.QueryTimeout != nil && *cfg.QueryTimeout > 0 {
			opts.QueryTimeout = time.Duration(*cfg.QueryTimeout * float64(time.Second))
		}
		if cfg.RequestTimeout != nil && *cfg.RequestTimeout > 0 {
			opts.RequestTimeout = time.Duration(*cfg.RequestTimeout * float64(time.Second))
		}
		if cfg.MaxAttempts != nil && *cfg.MaxAttempts > 0 {
			opts.MaxAttempts = *cfg.MaxAttempts
		}
	}
	r := dnsr.NewResolver(opts)
	if cfg != nil {
		for _, ns := range cfg.Nameservers {
			if err := r.AddNameserver(ns, false); err != nil {
				logger.Error().Err(err).Str("nameserver", ns).
					Msg("skipping bad nameserver")
			}
		}
	}
	return r
}

// outboundClient builds the HTTP client used for OAuth2 exchanges and
// profile fetches, with hostname lookups going through the resolver.
func outboundClient(r *dnsr.Resolver) *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		if net.ParseIP(host) != nil {
			return dialer.DialContext(ctx, network, addr)
		}
		ips, err := r.Resolve(ctx, host, false)
		if err != nil || len(ips) == 0 {
			if v6, err6 := r.Resolve(ctx, host, true); err6 == nil && len(v6) > 0 {
				ips, err = v6, nil
			}
		}
		if err != nil {
			return nil, err
		}
		var lastErr error
		for _, ip := range ips {
			c, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
			if err == nil {
				return c, nil
			}
			lastErr = err
		}
		return nil, lastErr
	}
	return &http.Client{
		Transport: &http.Transport{
			DialContext:         dial,
			TLSHandshakeTimeout: 10 * time.Second,
		},
		Timeout: 30 * time.Second,
	}
}

//------------------------------------------------------------------------------
// runtime interface

// RuntimeInterface is the collection of hooks the embedding program can
// supply to an APIServer. All fields are optional; features that need a
// missing hook answer 501.
type RuntimeInterface struct {
	// Logger is used by the server for logging errors, warnings, debug
	// and info. If this field is nil, no logs will be emitted.
	Logger *zerolog.Logger

	// ReportMetric will be called for reporting the value of metrics,
	// like time taken to serve a query. This function should finish as
	// quick as possible (eg, push the values into a channel and return).
	ReportMetric func(name string, labels []string, value float64)

	// CacheSet will be called to store or delete a cache entry. If value
	// is nil, the entry can be deleted.
	CacheSet func(key uint64, value []byte)

	// CacheGet will be called to retrieve a cache entry. The function
	// should return whether the value was present or not also.
	CacheGet func(key uint64) (value []byte, found bool)

	// Bind maps the names used by `handler: bind` endpoints to handlers
	// implemented by the embedding program.
	Bind map[string]httpd.Handler

	// ArgFilter is invoked for endpoints declaring an `arg-filter`. It may
	// rewrite request args or veto the request by returning an error.
	ArgFilter func(name string, req *httpd.Request) error

	// Resources is the filesystem backing `handler: resource` endpoints,
	// typically an embed.FS.
	Resources fs.FS

	// QuerySource, if set, overrides the datasource connection pool of
	// the named datasource. Tests use it to substitute fakes.
	QuerySource func(name string) QuerySource

	// Now supplies the clock; nil means time.Now.
	Now func() time.Time
}
