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

// Package dnsr is an asynchronous DNS resolver client: A/AAAA and PTR
// queries over UDP against configured nameservers, with per-query retry,
// an overall request deadline, nameserver health tracking and a TTL
// cache. Query names are 0x20 case-randomized and answers whose question
// case does not match are discarded.
package dnsr

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/miekg/dns"
	"github.com/rs/zerolog"
)

var (
	// ErrNotExist means the name does not resolve (NXDOMAIN or no
	// matching records).
	ErrNotExist = errors.New("name does not exist")

	// ErrNoServer means no usable nameserver is configured.
	ErrNoServer = errors.New("no nameserver available")

	// ErrTimeout means the request deadline expired.
	ErrTimeout = errors.New("DNS request timed out")

	// ErrClosed means the resolver was shut down.
	ErrClosed = errors.New("resolver closed")
)

const (
	defaultQueryTimeout   = 5 * time.Second
	defaultRequestTimeout = 16 * time.Second
	defaultMaxAttempts    = 3
	defaultMaxFailures    = 16
	defaultCacheSize      = 4096
	defaultCacheTTL       = time.Hour
)

// Options configures a Resolver. Zero values take the defaults above.
type Options struct {
	QueryTimeout   time.Duration // per-attempt timeout
	RequestTimeout time.Duration // overall per-request deadline
	MaxAttempts    int           // transmit attempts before giving up
	MaxFailures    int           // failure threshold to drop a system nameserver
	CacheSize      int
	CacheTTL       time.Duration // upper bound on cache residence
	Logger         *zerolog.Logger
}

// Resolver resolves names against configured nameservers. All internal
// state (pending queries, nameserver health, cache writes) is owned by a
// single pump goroutine; public methods communicate with it over a
// command channel and block until completion or context cancellation.
//
// If the JMPAPI_DNS environment variable is set, it is read as a
// whitespace-separated list of nameserver addresses and those are added
// as system nameservers before any discovered ones.
type Resolver struct {
	opts   Options
	logger zerolog.Logger
	cmds   chan resolverCmd
	done   chan struct{}
	cache  *expirable.LRU[string, cacheEntry]
}

type cacheEntry struct {
	values  []string
	expires time.Time
}

const (
	_ = iota
	actEnqueue
	actResponse
	actTimeout
	actAddServer
	actStop
)

type resolverCmd struct {
	act     int
	q       *query
	ns      *nameserver
	msg     *dns.Msg
	id      uint16
	attempt int
	addr    *net.UDPAddr
	system  bool
}

type query struct {
	qtype    uint16
	name     string // canonical lowercase FQDN
	wire     string // case-randomized name of the current attempt
	id       uint16
	attempt  int
	inflight int
	tried    map[*nameserver]struct{} // sent to but not yet answered
	lastErr  error
	waiters  []chan queryResult
}

type queryResult struct {
	values []string
	err    error
}

type nameserver struct {
	addr     *net.UDPAddr
	system   bool
	conn     *net.UDPConn
	failures int
	dropped  bool
}

// NewResolver creates and starts a Resolver.
func NewResolver(opts Options) *Resolver {
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = defaultQueryTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = defaultMaxFailures
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}

	r := &Resolver{
		opts:  opts,
		cmds:  make(chan resolverCmd, 64),
		done:  make(chan struct{}),
		cache: expirable.NewLRU[string, cacheEntry](opts.CacheSize, nil, opts.CacheTTL),
	}
	if opts.Logger != nil {
		r.logger = *opts.Logger
	} else {
		r.logger = zerolog.Nop()
	}

	go r.pump()

	for _, addr := range strings.Fields(os.Getenv("JMPAPI_DNS")) {
		if err := r.AddNameserver(addr, true); err != nil {
			r.logger.Warn().Str("addr", addr).Err(err).
				Msg("ignoring bad JMPAPI_DNS entry")
		}
	}
	return r
}

// Close shuts the resolver down; pending requests fail with ErrClosed.
func (r *Resolver) Close() {
	select {
	case r.cmds <- resolverCmd{act: actStop}:
	case <-r.done:
	}
}

// AddNameserver adds a nameserver. The port defaults to 53. Duplicates
// are ignored. System nameservers are dropped from the rotation when
// their failure counter exceeds the configured threshold.
func (r *Resolver) AddNameserver(addr string, system bool) error {
	host, port := addr, "53"
	if h, p, err := net.SplitHostPort(addr); err == nil {
		host, port = h, p
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("nameserver %q: not an IP literal", addr)
	}
	nport, err := strconv.Atoi(port)
	if err != nil || nport <= 0 || nport > 65535 {
		return fmt.Errorf("nameserver %q: bad port", addr)
	}
	select {
	case r.cmds <- resolverCmd{act: actAddServer,
		addr: &net.UDPAddr{IP: ip, Port: nport}, system: system}:
		return nil
	case <-r.done:
		return ErrClosed
	}
}

// Resolve resolves name to its A (or AAAA when ipv6 is set) addresses.
// A literal of the requested family completes immediately. Cached
// answers complete without network traffic.
func (r *Resolver) Resolve(ctx context.Context, name string, ipv6 bool) ([]net.IP, error) {
	if ip := net.ParseIP(name); ip != nil {
		if ipv6 == (ip.To4() == nil) {
			return []net.IP{ip}, nil
		}
		return nil, ErrNotExist
	}

	qtype := uint16(dns.TypeA)
	if ipv6 {
		qtype = dns.TypeAAAA
	}
	values, err := r.lookup(ctx, qtype, dns.Fqdn(strings.ToLower(name)))
	if err != nil {
		return nil, err
	}
	out := make([]net.IP, 0, len(values))
	for _, v := range values {
		if ip := net.ParseIP(v); ip != nil {
			out = append(out, ip)
		}
	}
	return out, nil
}

// Reverse performs a PTR lookup for addr, using the in-addr.arpa or
// ip6.arpa encoding as appropriate.
func (r *Resolver) Reverse(ctx context.Context, addr net.IP) ([]string, error) {
	arpa, err := dns.ReverseAddr(addr.String())
	if err != nil {
		return nil, fmt.Errorf("cannot encode %v for reverse lookup: %w", addr, err)
	}
	values, err := r.lookup(ctx, dns.TypePTR, arpa)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.TrimSuffix(v, ".")
	}
	return out, nil
}

func cacheKey(qtype uint16, name string) string {
	return dns.TypeToString[qtype] + ":" + name
}

func (r *Resolver) lookup(ctx context.Context, qtype uint16, fqdn string) ([]string, error) {
	if e, ok := r.cache.Get(cacheKey(qtype, fqdn)); ok && time.Now().Before(e.expires) {
		return e.values, nil
	}

	ch := make(chan queryResult, 1)
	q := &query{qtype: qtype, name: fqdn, waiters: []chan queryResult{ch}}
	select {
	case r.cmds <- resolverCmd{act: actEnqueue, q: q}:
	case <-r.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	deadline := time.NewTimer(r.opts.RequestTimeout)
	defer deadline.Stop()
	select {
	case res := <-ch:
		return res.values, res.err
	case <-deadline.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
		return nil, ErrClosed
	}
}

//------------------------------------------------------------------------------
// pump: owns pending queries, nameserver list, health and cache writes

type pumpState struct {
	r       *Resolver
	rnd     *rand.Rand
	servers []*nameserver
	pending map[uint16]*query
	byKey   map[string]*query
}

func (r *Resolver) pump() {
	st := &pumpState{
		r:       r,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
		pending: make(map[uint16]*query),
		byKey:   make(map[string]*query),
	}

	for cmd := range r.cmds {
		switch cmd.act {
		case actEnqueue:
			st.enqueue(cmd.q)
		case actResponse:
			st.response(cmd.ns, cmd.msg)
		case actTimeout:
			st.timeout(cmd.id, cmd.attempt)
		case actAddServer:
			st.addServer(cmd.addr, cmd.system)
		case actStop:
			for _, q := range st.pending {
				st.finish(q, nil, ErrClosed)
			}
			for _, ns := range st.servers {
				ns.conn.Close()
			}
			close(r.done)
			return
		}
	}
}

func (st *pumpState) addServer(addr *net.UDPAddr, system bool) {
	for _, ns := range st.servers {
		if ns.addr.String() == addr.String() {
			return // duplicate
		}
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		st.r.logger.Error().Str("addr", addr.String()).Err(err).
			Msg("failed to open nameserver socket")
		return
	}
	ns := &nameserver{addr: addr, system: system, conn: conn}
	st.servers = append(st.servers, ns)
	go st.r.read(ns)
	st.r.logger.Debug().Str("addr", addr.String()).Bool("system", system).
		Msg("nameserver added")
}

// read receives responses on one nameserver socket and funnels them into
// the pump.
func (r *Resolver) read(ns *nameserver) {
	buf := make([]byte, 4096)
	for {
		n, err := ns.conn.Read(buf)
		if err != nil {
			return // socket closed on stop or drop
		}
		msg := new(dns.Msg)
		if err := msg.Unpack(buf[:n]); err != nil {
			// the codec also rejects oversized labels and pointer loops
			r.logger.Debug().Str("server", ns.addr.String()).Err(err).
				Msg("discarding malformed DNS response")
			continue
		}
		select {
		case r.cmds <- resolverCmd{act: actResponse, ns: ns, msg: msg}:
		case <-r.done:
			return
		}
	}
}

func (st *pumpState) live() (out []*nameserver) {
	for _, ns := range st.servers {
		if !ns.dropped {
			out = append(out, ns)
		}
	}
	return
}

func (st *pumpState) enqueue(q *query) {
	key := cacheKey(q.qtype, q.name)

	// a request may have been answered and cached while this one was in
	// the command queue
	if e, ok := st.r.cache.Get(key); ok && time.Now().Before(e.expires) {
		for _, w := range q.waiters {
			w <- queryResult{values: e.values}
		}
		return
	}

	// coalesce with an identical in-flight query
	if cur, ok := st.byKey[key]; ok {
		cur.waiters = append(cur.waiters, q.waiters...)
		return
	}

	st.byKey[key] = q
	st.transmit(q)
}

// randomizeCase randomly flips the case of each letter of name. The
// response's question section must match this exact casing, which makes
// blind spoofing harder.
func (st *pumpState) randomizeCase(name string) string {
	b := []byte(name)
	for i, c := range b {
		if c >= 'a' && c <= 'z' && st.rnd.Intn(2) == 0 {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}

func (st *pumpState) transmit(q *query) {
	live := st.live()
	if len(live) == 0 {
		st.finish(q, nil, ErrNoServer)
		return
	}

	// fresh random id and casing per attempt
	for {
		q.id = uint16(st.rnd.Intn(0x10000))
		if _, taken := st.pending[q.id]; !taken && q.id != 0 {
			break
		}
	}
	q.wire = st.randomizeCase(q.name)

	msg := new(dns.Msg)
	msg.Id = q.id
	msg.RecursionDesired = true
	msg.Question = []dns.Question{{
		Name: q.wire, Qtype: q.qtype, Qclass: dns.ClassINET,
	}}
	data, err := msg.Pack()
	if err != nil {
		st.finish(q, nil, fmt.Errorf("cannot encode query for %q: %w", q.name, err))
		return
	}

	q.inflight = 0
	q.tried = make(map[*nameserver]struct{}, len(live))
	for _, ns := range live {
		if _, err := ns.conn.Write(data); err != nil {
			st.fail(ns)
			continue
		}
		q.tried[ns] = struct{}{}
		q.inflight++
	}
	if q.inflight == 0 {
		q.lastErr = ErrNoServer
		st.retryOrFail(q)
		return
	}

	st.pending[q.id] = q
	id, attempt := q.id, q.attempt
	time.AfterFunc(st.r.opts.QueryTimeout, func() {
		select {
		case st.r.cmds <- resolverCmd{act: actTimeout, id: id, attempt: attempt}:
		case <-st.r.done:
		}
	})
}

func (st *pumpState) timeout(id uint16, attempt int) {
	q, ok := st.pending[id]
	if !ok || q.attempt != attempt {
		return
	}
	// only the nameservers this attempt was sent to, and that never
	// answered, are penalized
	for ns := range q.tried {
		st.fail(ns)
	}
	if q.lastErr == nil {
		q.lastErr = ErrTimeout
	}
	delete(st.pending, id)
	st.retryOrFail(q)
}

func (st *pumpState) retryOrFail(q *query) {
	q.attempt++
	if q.attempt >= st.r.opts.MaxAttempts {
		err := q.lastErr
		if err == nil {
			err = ErrTimeout
		}
		st.finish(q, nil, err)
		return
	}
	st.transmit(q)
}

func (st *pumpState) fail(ns *nameserver) {
	ns.failures++
	if ns.system && ns.failures > st.r.opts.MaxFailures && !ns.dropped {
		ns.dropped = true
		ns.conn.Close()
		st.r.logger.Warn().Str("server", ns.addr.String()).
			Int("failures", ns.failures).
			Msg("dropping system nameserver from rotation")
	}
}

func (st *pumpState) response(ns *nameserver, msg *dns.Msg) {
	q, ok := st.pending[msg.Id]
	if !ok {
		return // late or unsolicited
	}

	// reject answers whose question does not match, case-sensitively
	if len(msg.Question) != 1 || msg.Question[0].Name != q.wire ||
		msg.Question[0].Qtype != q.qtype {
		st.r.logger.Warn().Str("server", ns.addr.String()).
			Str("name", q.name).Msg("discarding mismatched DNS answer")
		return
	}

	q.inflight--
	delete(q.tried, ns)

	switch msg.Rcode {
	case dns.RcodeSuccess:
		values, ttl := extract(msg, q.qtype)
		ns.failures = 0
		if len(values) == 0 {
			delete(st.pending, msg.Id)
			st.finish(q, nil, ErrNotExist)
			return
		}
		st.r.cache.Add(cacheKey(q.qtype, q.name), cacheEntry{
			values:  values,
			expires: time.Now().Add(ttl),
		})
		delete(st.pending, msg.Id)
		st.finish(q, values, nil)

	case dns.RcodeNameError:
		// NOTEXIST neither increments nor resets the failure counter
		delete(st.pending, msg.Id)
		st.finish(q, nil, ErrNotExist)

	default:
		st.fail(ns)
		q.lastErr = fmt.Errorf("nameserver %s: %s", ns.addr,
			dns.RcodeToString[msg.Rcode])
		if q.inflight <= 0 {
			delete(st.pending, msg.Id)
			st.retryOrFail(q)
		}
	}
}

func (st *pumpState) finish(q *query, values []string, err error) {
	delete(st.byKey, cacheKey(q.qtype, q.name))
	for _, w := range q.waiters {
		w <- queryResult{values: values, err: err}
	}
	q.waiters = nil
}

// extract pulls the values of the requested record type out of the
// answer section, along with the smallest TTL.
func extract(msg *dns.Msg, qtype uint16) (values []string, ttl time.Duration) {
	minTTL := uint32(300)
	first := true
	for _, rr := range msg.Answer {
		var v string
		switch a := rr.(type) {
		case *dns.A:
			if qtype == dns.TypeA {
				v = a.A.String()
			}
		case *dns.AAAA:
			if qtype == dns.TypeAAAA {
				v = a.AAAA.String()
			}
		case *dns.PTR:
			if qtype == dns.TypePTR {
				v = a.Ptr
			}
		}
		if v == "" {
			continue
		}
		values = append(values, v)
		if h := rr.Header(); first || h.Ttl < minTTL {
			minTTL = h.Ttl
			first = false
		}
	}
	if minTTL == 0 {
		minTTL = 1
	}
	return values, time.Duration(minTTL) * time.Second
}
