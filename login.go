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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/facebook"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"

	"github.com/jmpapi/jmpapi/httpd"
)

//------------------------------------------------------------------------------
// oauth2 providers

// oauthProvider is one configured OAuth2 login provider.
type oauthProvider struct {
	name         string
	cfg          *oauth2.Config
	profileURL   string
	redirectBase string
}

// oauthRegistry holds the configured providers and the HTTP client used
// to talk to them.
type oauthRegistry struct {
	providers map[string]*oauthProvider
	client    *http.Client
	logger    zerolog.Logger
}

func newOAuthRegistry(cfg map[string]*OAuth2Provider, client *http.Client,
	logger zerolog.Logger) *oauthRegistry {

	reg := &oauthRegistry{
		providers: make(map[string]*oauthProvider),
		client:    client,
		logger:    logger,
	}
	for name, p := range cfg {
		oc := &oauth2.Config{
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			Scopes:       p.Scopes,
		}
		prov := &oauthProvider{
			name:         name,
			cfg:          oc,
			profileURL:   p.ProfileURL,
			redirectBase: p.RedirectBase,
		}
		switch name {
		case "github":
			oc.Endpoint = github.Endpoint
			if len(oc.Scopes) == 0 {
				oc.Scopes = []string{"read:user", "user:email"}
			}
			if prov.profileURL == "" {
				prov.profileURL = "https://api.github.com/user"
			}
		case "google":
			oc.Endpoint = google.Endpoint
			if len(oc.Scopes) == 0 {
				oc.Scopes = []string{"openid", "profile", "email"}
			}
			if prov.profileURL == "" {
				prov.profileURL = "https://www.googleapis.com/oauth2/v2/userinfo"
			}
		case "facebook":
			oc.Endpoint = facebook.Endpoint
			if len(oc.Scopes) == 0 {
				oc.Scopes = []string{"public_profile", "email"}
			}
			if prov.profileURL == "" {
				prov.profileURL = "https://graph.facebook.com/me?fields=id,name,email,picture"
			}
		default:
			oc.Endpoint = oauth2.Endpoint{AuthURL: p.AuthURL, TokenURL: p.TokenURL}
		}
		reg.providers[name] = prov
	}
	return reg
}

func (reg *oauthRegistry) get(name string) (*oauthProvider, bool) {
	if reg == nil {
		return nil, false
	}
	p, ok := reg.providers[name]
	return p, ok
}

// profile fetches and decodes the provider's user profile.
func (reg *oauthRegistry) profile(ctx context.Context, p *oauthProvider,
	tok *oauth2.Token) (map[string]any, error) {

	if reg.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, reg.client)
	}
	resp, err := p.cfg.Client(ctx, tok).Get(p.profileURL)
	if err != nil {
		return nil, httpd.WrapError(httpd.KindUpstream, err,
			"failed to fetch %s profile", p.name)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, httpd.Errorf(httpd.KindUpstream,
			"%s profile request failed with %d", p.name, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, httpd.WrapError(httpd.KindUpstream, err,
			"failed to read %s profile", p.name)
	}
	var profile map[string]any
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, httpd.WrapError(httpd.KindUpstream, err,
			"invalid %s profile", p.name)
	}
	return profile, nil
}

//------------------------------------------------------------------------------
// profile normalization

// normalizeProfile reduces a provider profile to the session identity
// keys: user, provider, provider_id, name and avatar. GitHub's `login`
// backs a missing display name; Facebook's avatar hides inside
// `picture.data.url`. The user is the profile email when present, else
// `provider:provider_id`.
func normalizeProfile(provider string, profile map[string]any, s *Session) {
	str := func(key string) string {
		v, _ := profile[key].(string)
		return v
	}
	id := str("id")
	if id == "" {
		if n, ok := profile["id"].(float64); ok {
			id = fmt.Sprintf("%.0f", n)
		}
	}
	name := str("name")
	if name == "" && provider == "github" {
		name = str("login")
	}
	avatar := str("avatar_url")
	if avatar == "" {
		avatar = str("picture")
	}
	if avatar == "" {
		if pic, ok := profile["picture"].(map[string]any); ok {
			if data, ok := pic["data"].(map[string]any); ok {
				avatar, _ = data["url"].(string)
			}
		}
	}
	user := str("email")
	if user == "" {
		user = provider + ":" + id
	}

	s.SetUser(user)
	s.Set("provider", provider)
	s.Set("provider_id", id)
	if name != "" {
		s.Set("name", name)
	}
	if avatar != "" {
		s.Set("avatar", avatar)
	}
}

//------------------------------------------------------------------------------
// login handler

// loginHandler implements the `login` endpoint tag. With provider=none
// the session is simply marked authenticated; otherwise the OAuth2
// authorization-code flow runs across two requests, using the session id
// as the state parameter.
type loginHandler struct {
	sessions *SessionManager
	oauth    *oauthRegistry
	sql      string
	src      QuerySource
	options  map[string]any
	logger   zerolog.Logger
}

func newLoginHandler(ld *loader, api *API, leaf *httpd.Dict) (*loginHandler, error) {
	if ld.sessions == nil {
		return nil, fmt.Errorf("handler 'login' requires sessions")
	}
	h := &loginHandler{
		sessions: ld.sessions,
		oauth:    ld.oauth,
		options:  ld.cfg.Options,
		logger:   ld.logger,
	}
	if leaf.Has("sql") || (leaf.Has("query") && leaf.GetString("query") != "") {
		def, err := leafQueryDef(leaf)
		if err != nil {
			return nil, err
		}
		if def, err = resolveQueryDef(api, def); err != nil {
			return nil, err
		}
		h.sql = def.SQL
		if h.src, err = ld.source(def.Datasource); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (h *loginHandler) Handle(req *httpd.Request) (bool, error) {
	s := h.session(req)

	// an OAuth2 callback carries code and state
	q := req.Query()
	if code := q.Get("code"); code != "" && q.Get("state") != "" {
		return true, h.callback(req, code, q.Get("state"))
	}

	provider := req.Args.GetString("provider")
	if provider == "" {
		provider = q.Get("provider")
	}
	if provider == "" {
		if msg, err := req.JSONMessage(); err == nil && msg != nil {
			provider, _ = msg["provider"].(string)
		}
	}

	switch {
	case provider == "" || provider == "none":
		s.SetGroup("authenticated", true)
		if err := h.runLoginSQL(req, s); err != nil {
			return true, req.SendError(err)
		}
		req.SetCookie(h.sessions.Cookie(s.ID()))
		return true, req.ReplyJSON(httpd.StatusOK, s)

	default:
		p, ok := h.oauth.get(provider)
		if !ok {
			return true, req.SendError(httpd.Errorf(httpd.KindKey,
				"unknown login provider %q", provider))
		}
		if uri := req.Args.GetString("redirect_uri"); uri != "" {
			s.Set("redirect_uri", uri)
		} else if uri := q.Get("redirect_uri"); uri != "" {
			s.Set("redirect_uri", uri)
		}
		s.Set("provider", provider)
		req.SetCookie(h.sessions.Cookie(s.ID()))

		cfg := *p.cfg
		cfg.RedirectURL = p.redirectBase + req.Path
		out := httpd.NewDict()
		out.Set("id", s.ID())
		out.Set("redirect", cfg.AuthCodeURL(s.ID()))
		return true, req.ReplyJSON(httpd.StatusOK, out)
	}
}

// callback finishes the OAuth2 flow: the state parameter is the session
// id chosen on the first call.
func (h *loginHandler) callback(req *httpd.Request, code, state string) error {
	s, err := h.sessions.Lookup(state)
	if err != nil {
		return req.SendError(httpd.Errorf(httpd.KindAccessDenied,
			"login session not found"))
	}
	provider, _ := s.Get("provider")
	name, _ := provider.(string)
	p, ok := h.oauth.get(name)
	if !ok {
		return req.SendError(httpd.Errorf(httpd.KindAccessDenied,
			"no login in progress"))
	}

	ctx := req.Context()
	if h.oauth.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, h.oauth.client)
	}
	cfg := *p.cfg
	cfg.RedirectURL = p.redirectBase + req.Path
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		h.logger.Warn().Err(err).Str("provider", name).Msg("token exchange failed")
		return req.SendError(httpd.WrapError(httpd.KindUpstream, err,
			"login failed"))
	}
	profile, err := h.oauth.profile(req.Context(), p, tok)
	if err != nil {
		h.logger.Warn().Err(err).Str("provider", name).Msg("profile fetch failed")
		return req.SendError(err)
	}

	normalizeProfile(name, profile, s)
	s.SetGroup("authenticated", true)
	if err := h.runLoginSQL(req, s); err != nil {
		return req.SendError(err)
	}
	req.SetCookie(h.sessions.Cookie(s.ID()))

	h.logger.Info().Str("provider", name).Str("user", s.User()).
		Msg("login completed")
	if uri, ok := s.Get("redirect_uri"); ok {
		if target, ok := uri.(string); ok && target != "" {
			return req.Redirect(target, httpd.StatusFound)
		}
	}
	return req.ReplyJSON(httpd.StatusOK, s)
}

// session returns the request's session, opening one if needed.
func (h *loginHandler) session(req *httpd.Request) *Session {
	if s, ok := req.Env["session"].(*Session); ok {
		return s
	}
	s := h.sessions.Open(peerIP(req))
	req.Env["session"] = s
	return s
}

// runLoginSQL augments a fresh login from the database: single-column
// rows name groups the user joins, two-column rows set session keys.
func (h *loginHandler) runLoginSQL(req *httpd.Request, s *Session) error {
	if h.sql == "" {
		return nil
	}
	scope := requestScope(req, h.options)
	scope.Bind("session", s)
	sql := scope.Resolve(h.sql, true)

	ctx, cancel := context.WithTimeout(req.Context(), 30*time.Second)
	defer cancel()
	err := h.src.Query(ctx, sql, func(rows Rows) error {
		ncols := len(rows.Columns())
		for rows.Next() {
			vals, err := rows.Values()
			if err != nil {
				return err
			}
			if len(vals) == 0 {
				continue
			}
			name, _ := vals[0].(string)
			if name == "" {
				continue
			}
			if ncols == 1 || len(vals) < 2 {
				s.SetGroup(name, true)
			} else {
				s.Set(name, vals[1])
			}
		}
		return rows.Err()
	})
	if err != nil {
		h.logger.Warn().Err(err).Msg("login query failed")
		return mapDBError(err)
	}
	return nil
}

func peerIP(req *httpd.Request) string {
	if req.RemoteAddr == nil {
		return ""
	}
	return req.RemoteAddr.String()
}

//------------------------------------------------------------------------------
// logout & session info

// logoutHandler closes the request's session and clears the cookie.
type logoutHandler struct {
	sessions *SessionManager
}

func newLogoutHandler(ld *loader) *logoutHandler {
	return &logoutHandler{sessions: ld.sessions}
}

func (h *logoutHandler) Handle(req *httpd.Request) (bool, error) {
	if h.sessions == nil {
		return true, req.SendError(httpd.Errorf(httpd.KindNotImplemented,
			"sessions are not configured"))
	}
	if sid, ok := req.Cookie(h.sessions.CookieName()); ok {
		h.sessions.Close(sid)
	}
	c := h.sessions.Cookie("")
	c.MaxAge = -1
	req.SetCookie(c)
	return true, req.Reply(httpd.StatusOK)
}

// sessionInfoHandler replies with the request's session object.
type sessionInfoHandler struct {
	sessions *SessionManager
}

func newSessionInfoHandler(ld *loader) *sessionInfoHandler {
	return &sessionInfoHandler{sessions: ld.sessions}
}

func (h *sessionInfoHandler) Handle(req *httpd.Request) (bool, error) {
	s, ok := req.Env["session"].(*Session)
	if !ok {
		return true, req.SendError(httpd.Errorf(httpd.KindKey, "no session"))
	}
	return true, req.ReplyJSON(httpd.StatusOK, s)
}
