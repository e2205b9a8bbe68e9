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

package jmpapi_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/jmpapi/jmpapi"
)

func f64(v float64) *float64 { return &v }

// fakeClock is a manually advanced clock for session expiry tests.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestSessionLifecycle(t *testing.T) {
	r := require.New(t)
	clock := &fakeClock{t: time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)}
	m := jmpapi.NewSessionManager(&jmpapi.Sessions{Timeout: f64(60)},
		zerolog.Nop(), clock.now)

	r.Equal("sid", m.CookieName())

	s := m.Open("192.0.2.1:5000")
	r.NotEmpty(s.ID())
	r.Equal(1, m.Len())

	// ids are unique per Open
	s2 := m.Open("192.0.2.1:5000")
	r.NotEqual(s.ID(), s2.ID())
	r.Equal(2, m.Len())

	got, err := m.Lookup(s.ID())
	r.NoError(err)
	r.Same(s, got)

	_, err = m.Lookup("no-such-session")
	r.Error(err)

	m.Close(s2.ID())
	r.Equal(1, m.Len())
	_, err = m.Lookup(s2.ID())
	r.Error(err)
}

func TestSessionExpiry(t *testing.T) {
	r := require.New(t)
	clock := &fakeClock{t: time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)}
	m := jmpapi.NewSessionManager(&jmpapi.Sessions{Timeout: f64(60)},
		zerolog.Nop(), clock.now)

	s := m.Open("192.0.2.1:5000")

	// activity within the timeout keeps the session alive
	clock.advance(50 * time.Second)
	_, err := m.Lookup(s.ID())
	r.NoError(err)

	// Lookup touched last-used, so another 50s is still fine
	clock.advance(50 * time.Second)
	_, err = m.Lookup(s.ID())
	r.NoError(err)

	// inactivity past the timeout expires and removes the session
	clock.advance(61 * time.Second)
	_, err = m.Lookup(s.ID())
	r.Error(err)
	r.Equal(0, m.Len())
}

func TestSessionTimeoutOverride(t *testing.T) {
	r := require.New(t)
	clock := &fakeClock{t: time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)}
	m := jmpapi.NewSessionManager(&jmpapi.Sessions{Timeout: f64(60)},
		zerolog.Nop(), clock.now)

	s := m.Open("192.0.2.1:5000")
	// login SQL can raise the inactivity timeout per session
	s.Set("timeout", float64(3600))

	clock.advance(10 * time.Minute)
	_, err := m.Lookup(s.ID())
	r.NoError(err)
}

func TestSessionLifetime(t *testing.T) {
	r := require.New(t)
	clock := &fakeClock{t: time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)}
	m := jmpapi.NewSessionManager(
		&jmpapi.Sessions{Timeout: f64(0), Lifetime: f64(120)},
		zerolog.Nop(), clock.now)

	s := m.Open("192.0.2.1:5000")

	// no inactivity expiry with timeout 0
	clock.advance(100 * time.Second)
	_, err := m.Lookup(s.ID())
	r.NoError(err)

	// but the absolute lifetime cap still applies
	clock.advance(100 * time.Second)
	_, err = m.Lookup(s.ID())
	r.Error(err)
}

func TestSessionSweep(t *testing.T) {
	r := require.New(t)
	clock := &fakeClock{t: time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)}
	m := jmpapi.NewSessionManager(&jmpapi.Sessions{Timeout: f64(60)},
		zerolog.Nop(), clock.now)

	old := m.Open("192.0.2.1:5000")
	clock.advance(2 * time.Minute)
	fresh := m.Open("192.0.2.2:5000")
	r.Equal(2, m.Len())

	m.Sweep()
	r.Equal(1, m.Len())
	_, err := m.Lookup(old.ID())
	r.Error(err)
	_, err = m.Lookup(fresh.ID())
	r.NoError(err)
}

func TestSessionValues(t *testing.T) {
	r := require.New(t)
	m := jmpapi.NewSessionManager(nil, zerolog.Nop(), nil)
	s := m.Open("192.0.2.1:5000")

	s.Set("user", "alice")
	r.Equal("alice", s.User())
	s.Set("theme", "dark")
	v, ok := s.Get("theme")
	r.True(ok)
	r.Equal("dark", v)

	// reserved keys are not settable through the generic path
	s.Set("ip", "10.0.0.1")
	ip, ok := s.LookupVar("ip")
	r.True(ok)
	r.Equal("192.0.2.1:5000", ip)

	s.SetGroup("admin", true)
	r.True(s.Groups()["admin"])
	s.SetGroup("admin", false)
	r.False(s.Groups()["admin"])

	// variable references resolve session fields
	u, ok := s.LookupVar("user")
	r.True(ok)
	r.Equal("alice", u)
	id, ok := s.LookupVar("id")
	r.True(ok)
	r.Equal(s.ID(), id)
	th, ok := s.LookupVar("theme")
	r.True(ok)
	r.Equal("dark", th)
}

func TestSessionMarshalOrder(t *testing.T) {
	r := require.New(t)
	clock := &fakeClock{t: time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)}
	m := jmpapi.NewSessionManager(nil, zerolog.Nop(), clock.now)
	s := m.Open("192.0.2.1:5000")
	s.SetUser("alice")
	s.SetGroup("admin", true)

	data, err := json.Marshal(s)
	r.NoError(err)
	r.JSONEq(`{
		"created": "2026-08-26T12:00:00Z",
		"last_used": "2026-08-26T12:00:00Z",
		"user": "alice",
		"ip": "192.0.2.1:5000",
		"group": {"admin": true}
	}`, string(data))
}

func TestSessionStoreRoundTrip(t *testing.T) {
	r := require.New(t)
	clock := &fakeClock{t: time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)}
	m := jmpapi.NewSessionManager(nil, zerolog.Nop(), clock.now)

	s := m.Open("192.0.2.1:5000")
	s.SetUser("alice")
	s.SetGroup("admin", true)
	s.Set("theme", "dark")

	data, err := json.Marshal(m)
	r.NoError(err)

	// restore into a fresh store, as across a server restart
	m2 := jmpapi.NewSessionManager(nil, zerolog.Nop(), clock.now)
	r.NoError(json.Unmarshal(data, m2))
	r.Equal(1, m2.Len())

	got, err := m2.Lookup(s.ID())
	r.NoError(err)
	r.Equal("alice", got.User())
	r.True(got.Groups()["admin"])
	v, ok := got.Get("theme")
	r.True(ok)
	r.Equal("dark", v)
}
