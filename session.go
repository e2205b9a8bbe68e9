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
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jmpapi/jmpapi/httpd"
)

const (
	defaultSessionCookie  = "sid"
	defaultSessionTimeout = 4 * time.Hour
)

//------------------------------------------------------------------------------
// session

// Session is the per-client state carried across requests. The reserved
// keys `created`, `last_used`, `user`, `ip` and `group` live in struct
// fields; anything else set by login SQL or handlers goes into the
// free-form key set.
type Session struct {
	mu       sync.Mutex
	id       string
	created  time.Time
	lastUsed time.Time
	user     string
	ip       string
	timeout  time.Duration // per-session override, 0 = store default
	group    map[string]bool
	extra    map[string]any
}

// ID returns the opaque session id.
func (s *Session) ID() string { return s.id }

// User returns the authenticated user name, or "".
func (s *Session) User() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// SetUser sets the authenticated user name.
func (s *Session) SetUser(user string) {
	s.mu.Lock()
	s.user = user
	s.mu.Unlock()
}

// SetGroup adds or removes a group tag.
func (s *Session) SetGroup(name string, member bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if member {
		s.group[name] = true
	} else {
		delete(s.group, name)
	}
}

// Groups returns a copy of the session's group set.
func (s *Session) Groups() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.group))
	for k, v := range s.group {
		out[k] = v
	}
	return out
}

// Set stores a free-form session value. The reserved keys route to their
// typed fields.
func (s *Session) Set(key string, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch key {
	case "user":
		s.user, _ = v.(string)
	case "timeout":
		if f, ok := v.(float64); ok && f > 0 {
			s.timeout = time.Duration(f * float64(time.Second))
		}
	case "created", "last_used", "ip", "group":
		// not settable through the generic path
	default:
		s.extra[key] = v
	}
}

// Get returns a free-form session value.
func (s *Session) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.extra[key]
	return v, ok
}

// LookupVar resolves session fields for `{session.*}` references.
func (s *Session) LookupVar(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch key {
	case "id":
		return s.id, true
	case "user":
		if s.user == "" {
			return nil, false
		}
		return s.user, true
	case "ip":
		return s.ip, true
	case "created":
		return s.created.UTC().Format(time.RFC3339), true
	case "last_used":
		return s.lastUsed.UTC().Format(time.RFC3339), true
	}
	v, ok := s.extra[key]
	return v, ok
}

func (s *Session) expired(now time.Time, defTimeout, lifetime time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	timeout := s.timeout
	if timeout == 0 {
		timeout = defTimeout
	}
	if timeout > 0 && now.After(s.lastUsed.Add(timeout)) {
		return true
	}
	if lifetime > 0 && now.After(s.created.Add(lifetime)) {
		return true
	}
	return false
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastUsed = now
	s.mu.Unlock()
}

// MarshalJSON serializes the session with its reserved keys first.
func (s *Session) MarshalJSON() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := httpd.NewDict()
	out.Set("created", s.created.UTC().Format(time.RFC3339))
	out.Set("last_used", s.lastUsed.UTC().Format(time.RFC3339))
	if s.user != "" {
		out.Set("user", s.user)
	}
	out.Set("ip", s.ip)
	if len(s.group) > 0 {
		out.Set("group", s.group)
	}
	for k, v := range s.extra {
		out.Set(k, v)
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores a session serialized by MarshalJSON.
func (s *Session) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.group = make(map[string]bool)
	s.extra = make(map[string]any)
	for k, v := range raw {
		switch k {
		case "created":
			s.created = parseRFC3339(v)
		case "last_used":
			s.lastUsed = parseRFC3339(v)
		case "user":
			s.user, _ = v.(string)
		case "ip":
			s.ip, _ = v.(string)
		case "group":
			if g, ok := v.(map[string]any); ok {
				for name, member := range g {
					if b, ok := member.(bool); ok && b {
						s.group[name] = true
					}
				}
			}
		default:
			s.extra[k] = v
		}
	}
	return nil
}

func parseRFC3339(v any) time.Time {
	if str, ok := v.(string); ok {
		if t, err := time.Parse(time.RFC3339, str); err == nil {
			return t
		}
	}
	return time.Time{}
}

//------------------------------------------------------------------------------
// session manager

// SessionManager is the process-wide keyed session store.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	cookie   string
	timeout  time.Duration
	lifetime time.Duration
	secure   bool
	logger   zerolog.Logger
	now      func() time.Time
}

// NewSessionManager creates a store from the configuration; cfg may be
// nil for defaults.
func NewSessionManager(cfg *Sessions, logger zerolog.Logger,
	now func() time.Time) *SessionManager {

	m := &SessionManager{
		sessions: make(map[string]*Session),
		cookie:   defaultSessionCookie,
		timeout:  defaultSessionTimeout,
		logger:   logger,
		now:      now,
	}
	if m.now == nil {
		m.now = time.Now
	}
	if cfg != nil {
		if cfg.CookieName != "" {
			m.cookie = cfg.CookieName
		}
		if cfg.Timeout != nil {
			m.timeout = time.Duration(*cfg.Timeout * float64(time.Second))
		}
		if cfg.Lifetime != nil {
			m.lifetime = time.Duration(*cfg.Lifetime * float64(time.Second))
		}
		m.secure = cfg.Secure
	}
	return m
}

// CookieName returns the name of the session cookie.
func (m *SessionManager) CookieName() string { return m.cookie }

// Cookie builds the Set-Cookie value carrying the given session id.
func (m *SessionManager) Cookie(sid string) httpd.Cookie {
	return httpd.Cookie{
		Name:     m.cookie,
		Value:    sid,
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secure,
	}
}

// Open creates a fresh session for the given peer address. The id is the
// base64url-encoded SHA-256 of the peer, the current time and a random
// 64-bit value.
func (m *SessionManager) Open(peer string) *Session {
	now := m.now()

	var rnd [8]byte
	_, _ = rand.Read(rnd[:])
	h := sha256.New()
	h.Write([]byte(peer))
	_ = binary.Write(h, binary.BigEndian, now.UnixNano())
	h.Write(rnd[:])
	id := base64.RawURLEncoding.EncodeToString(h.Sum(nil))

	s := &Session{
		id:       id,
		created:  now,
		lastUsed: now,
		ip:       peer,
		group:    make(map[string]bool),
		extra:    make(map[string]any),
	}
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	return s
}

// Lookup returns the session for sid, touching its last-used time. It
// fails if the session is missing or expired; expired sessions are
// removed.
func (m *SessionManager) Lookup(sid string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[sid]
	m.mu.Unlock()
	if !ok {
		return nil, httpd.Errorf(httpd.KindKey, "no such session")
	}
	now := m.now()
	if s.expired(now, m.timeout, m.lifetime) {
		m.Close(sid)
		return nil, httpd.Errorf(httpd.KindKey, "session expired")
	}
	s.touch(now)
	return s, nil
}

// Close removes a session.
func (m *SessionManager) Close(sid string) {
	m.mu.Lock()
	delete(m.sessions, sid)
	m.mu.Unlock()
}

// Len returns the number of live sessions.
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep removes all expired sessions. The API server runs this hourly.
func (m *SessionManager) Sweep() {
	now := m.now()
	m.mu.Lock()
	var stale []string
	for sid, s := range m.sessions {
		if s.expired(now, m.timeout, m.lifetime) {
			stale = append(stale, sid)
		}
	}
	for _, sid := range stale {
		delete(m.sessions, sid)
	}
	n := len(m.sessions)
	m.mu.Unlock()
	if len(stale) > 0 {
		m.logger.Info().Int("swept", len(stale)).Int("live", n).
			Msg("expired sessions removed")
	}
}

// MarshalJSON serializes the whole store as a sid-keyed object.
func (m *SessionManager) MarshalJSON() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return json.Marshal(m.sessions)
}

// UnmarshalJSON restores a store serialized by MarshalJSON.
func (m *SessionManager) UnmarshalJSON(data []byte) error {
	var raw map[string]*Session
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("bad session store: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions == nil {
		m.sessions = make(map[string]*Session)
	}
	for sid, s := range raw {
		s.id = sid
		m.sessions[sid] = s
	}
	return nil
}

//------------------------------------------------------------------------------
// request identity

// sessionHandler loads the request's session from the sid cookie, copies
// the session identity onto the request, and defers. It never rejects.
type sessionHandler struct {
	sessions *SessionManager
}

func (h *sessionHandler) Handle(req *httpd.Request) (bool, error) {
	sid, ok := req.Cookie(h.sessions.CookieName())
	if !ok {
		return false, nil
	}
	s, err := h.sessions.Lookup(sid)
	if err != nil {
		// missing or expired: the request proceeds unauthenticated
		return false, nil
	}
	req.User = s.User()
	req.Groups = s.Groups()
	req.Env["session"] = s
	return false, nil
}
