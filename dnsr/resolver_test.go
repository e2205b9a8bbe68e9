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

package dnsr_test

import (
	"context"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"github.com/jmpapi/jmpapi/dnsr"
)

// fakeDNS runs an in-process UDP nameserver for the duration of the test.
func fakeDNS(t *testing.T, handler dns.HandlerFunc) (addr string, stop func()) {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &dns.Server{PacketConn: pc, Handler: handler}
	go srv.ActivateAndServe()
	stop = func() { srv.Shutdown() }
	t.Cleanup(stop)
	return pc.LocalAddr().String(), stop
}

// answerFromMap answers A and PTR questions from a name -> values map and
// NXDOMAIN for everything else. The question name is echoed back exactly
// as received, which the resolver's case validation requires.
func answerFromMap(records map[string][]string) dns.HandlerFunc {
	return func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		q := req.Question[0]
		values := records[strings.ToLower(q.Name)]
		for _, v := range values {
			switch q.Qtype {
			case dns.TypeA:
				if ip := net.ParseIP(v); ip != nil && ip.To4() != nil {
					m.Answer = append(m.Answer, &dns.A{
						Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA,
							Class: dns.ClassINET, Ttl: 60},
						A: ip.To4(),
					})
				}
			case dns.TypePTR:
				m.Answer = append(m.Answer, &dns.PTR{
					Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypePTR,
						Class: dns.ClassINET, Ttl: 60},
					Ptr: v,
				})
			}
		}
		if len(m.Answer) == 0 {
			m.SetRcode(req, dns.RcodeNameError)
		}
		w.WriteMsg(m)
	}
}

func newTestResolver(t *testing.T, addrs ...string) *dnsr.Resolver {
	t.Helper()
	t.Setenv("JMPAPI_DNS", "")
	r := dnsr.NewResolver(dnsr.Options{
		QueryTimeout:   time.Second,
		RequestTimeout: 5 * time.Second,
	})
	t.Cleanup(r.Close)
	for _, a := range addrs {
		require.NoError(t, r.AddNameserver(a, false))
	}
	return r
}

func TestResolveLiteral(t *testing.T) {
	r := require.New(t)
	res := newTestResolver(t)
	ctx := context.Background()

	ips, err := res.Resolve(ctx, "192.0.2.1", false)
	r.NoError(err)
	r.Equal([]net.IP{net.ParseIP("192.0.2.1")}, ips)

	ips, err = res.Resolve(ctx, "2001:db8::1", true)
	r.NoError(err)
	r.Equal([]net.IP{net.ParseIP("2001:db8::1")}, ips)

	// a literal of the wrong family does not resolve
	_, err = res.Resolve(ctx, "192.0.2.1", true)
	r.ErrorIs(err, dnsr.ErrNotExist)
	_, err = res.Resolve(ctx, "2001:db8::1", false)
	r.ErrorIs(err, dnsr.ErrNotExist)
}

func TestResolveNoServer(t *testing.T) {
	r := require.New(t)
	res := newTestResolver(t)

	_, err := res.Resolve(context.Background(), "host.example.test", false)
	r.ErrorIs(err, dnsr.ErrNoServer)
}

func TestResolveA(t *testing.T) {
	r := require.New(t)
	addr, stop := fakeDNS(t, answerFromMap(map[string][]string{
		"host.example.test.": {"192.0.2.10", "192.0.2.11"},
	}))
	res := newTestResolver(t, addr)
	ctx := context.Background()

	ips, err := res.Resolve(ctx, "Host.Example.Test", false)
	r.NoError(err)
	r.Len(ips, 2)
	r.Equal("192.0.2.10", ips[0].String())
	r.Equal("192.0.2.11", ips[1].String())

	// a second lookup is served from the cache, even with the
	// nameserver gone
	stop()
	ips, err = res.Resolve(ctx, "host.example.test", false)
	r.NoError(err)
	r.Len(ips, 2)
}

func TestResolveNotExist(t *testing.T) {
	r := require.New(t)
	addr, _ := fakeDNS(t, answerFromMap(nil))
	res := newTestResolver(t, addr)

	_, err := res.Resolve(context.Background(), "nosuch.example.test", false)
	r.ErrorIs(err, dnsr.ErrNotExist)
}

func TestResolveRetryAfterServfail(t *testing.T) {
	r := require.New(t)
	var calls atomic.Int32
	inner := answerFromMap(map[string][]string{
		"flaky.example.test.": {"192.0.2.20"},
	})
	addr, _ := fakeDNS(t, func(w dns.ResponseWriter, req *dns.Msg) {
		if calls.Add(1) == 1 {
			m := new(dns.Msg)
			m.SetRcode(req, dns.RcodeServerFailure)
			w.WriteMsg(m)
			return
		}
		inner(w, req)
	})
	res := newTestResolver(t, addr)

	ips, err := res.Resolve(context.Background(), "flaky.example.test", false)
	r.NoError(err)
	r.Len(ips, 1)
	r.Equal("192.0.2.20", ips[0].String())
	r.GreaterOrEqual(calls.Load(), int32(2))
}

func TestTimeoutSparesAnsweringServer(t *testing.T) {
	r := require.New(t)
	var failing atomic.Bool
	failing.Store(true)
	inner := answerFromMap(map[string][]string{
		"up.example.test.": {"192.0.2.30"},
	})
	good, _ := fakeDNS(t, func(w dns.ResponseWriter, req *dns.Msg) {
		if failing.Load() {
			m := new(dns.Msg)
			m.SetRcode(req, dns.RcodeServerFailure)
			w.WriteMsg(m)
			return
		}
		inner(w, req)
	})
	silent, _ := fakeDNS(t, func(dns.ResponseWriter, *dns.Msg) {})

	t.Setenv("JMPAPI_DNS", "")
	res := dnsr.NewResolver(dnsr.Options{
		QueryTimeout:   300 * time.Millisecond,
		RequestTimeout: 5 * time.Second,
		MaxAttempts:    2,
		MaxFailures:    2,
	})
	t.Cleanup(res.Close)
	r.NoError(res.AddNameserver(good, true))
	r.NoError(res.AddNameserver(silent, true))

	// one server answers SERVFAIL, the other stays silent until the
	// deadline; the deadline penalty must land on the silent server only
	_, err := res.Resolve(context.Background(), "down.example.test", false)
	r.Error(err)

	// the answering server was not dropped from the rotation
	failing.Store(false)
	ips, err := res.Resolve(context.Background(), "up.example.test", false)
	r.NoError(err)
	r.Len(ips, 1)
	r.Equal("192.0.2.30", ips[0].String())
}

func TestReverse(t *testing.T) {
	r := require.New(t)
	addr, _ := fakeDNS(t, answerFromMap(map[string][]string{
		"5.2.0.192.in-addr.arpa.": {"host.example.test."},
	}))
	res := newTestResolver(t, addr)

	names, err := res.Reverse(context.Background(), net.ParseIP("192.0.2.5"))
	r.NoError(err)
	r.Equal([]string{"host.example.test"}, names)
}

func TestAddNameserver(t *testing.T) {
	r := require.New(t)
	res := newTestResolver(t)

	r.NoError(res.AddNameserver("192.0.2.53", false))
	r.NoError(res.AddNameserver("192.0.2.53:5353", false))
	r.Error(res.AddNameserver("ns1.example.test", false))
	r.Error(res.AddNameserver("192.0.2.53:0", false))
	r.Error(res.AddNameserver("192.0.2.53:99999", false))
}

func TestResolverClose(t *testing.T) {
	r := require.New(t)
	t.Setenv("JMPAPI_DNS", "")
	res := dnsr.NewResolver(dnsr.Options{})
	res.Close()

	// lookups after Close fail with ErrClosed
	_, err := res.Resolve(context.Background(), "late.example.test", false)
	r.ErrorIs(err, dnsr.ErrClosed)

	// Close is idempotent
	res.Close()
}
