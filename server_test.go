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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/jmpapi/jmpapi"
	"github.com/jmpapi/jmpapi/httpd"
)

//------------------------------------------------------------------------------
// test doubles

// testRows implements jmpapi.Rows over an in-memory result set.
type testRows struct {
	cols []string
	rows [][]any
	i    int
}

func (r *testRows) Columns() []string      { return r.cols }
func (r *testRows) Next() bool             { r.i++; return r.i <= len(r.rows) }
func (r *testRows) Values() ([]any, error) { return r.rows[r.i-1], nil }
func (r *testRows) Err() error             { return nil }
func (r *testRows) Close()                 {}

type testResult struct {
	cols []string
	rows [][]any
}

// testSource is a QuerySource keyed by the resolved SQL text, counting
// how often each statement runs.
type testSource struct {
	mu      sync.Mutex
	results map[string]testResult
	counts  map[string]int
}

func newTestSource() *testSource {
	return &testSource{
		results: make(map[string]testResult),
		counts:  make(map[string]int),
	}
}

func (s *testSource) set(sql string, cols []string, rows ...[]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[sql] = testResult{cols, rows}
}

func (s *testSource) count(sql string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[sql]
}

func (s *testSource) Query(ctx context.Context, sql string,
	fn func(jmpapi.Rows) error) error {

	s.mu.Lock()
	s.counts[sql]++
	res, ok := s.results[sql]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unexpected query %q", sql)
	}
	return fn(&testRows{cols: res.cols, rows: res.rows})
}

func (s *testSource) Exec(ctx context.Context, sql string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[sql]++
	return nil
}

func (s *testSource) QueryMulti(ctx context.Context, sqls []string,
	fn func(i int, rows jmpapi.Rows) error) error {

	for i, sql := range sqls {
		s.mu.Lock()
		s.counts[sql]++
		res, ok := s.results[sql]
		s.mu.Unlock()
		if !ok {
			return fmt.Errorf("unexpected query %q", sql)
		}
		if err := fn(i, &testRows{cols: res.cols, rows: res.rows}); err != nil {
			return err
		}
	}
	return nil
}

// testCache is a sync.Map-backed query cache.
type testCache struct{ m sync.Map }

func (c *testCache) set(key uint64, value []byte) {
	if value == nil {
		c.m.Delete(key)
		return
	}
	c.m.Store(key, value)
}

func (c *testCache) get(key uint64) ([]byte, bool) {
	v, ok := c.m.Load(key)
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

//------------------------------------------------------------------------------
// harness

func startAPI(t *testing.T, cfgJSON string, rti *jmpapi.RuntimeInterface) *jmpapi.APIServer {
	t.Helper()
	r := require.New(t)

	var cfg jmpapi.Config
	r.NoError(json.Unmarshal([]byte(cfgJSON), &cfg))
	a, err := jmpapi.NewAPIServer(&cfg, rti)
	r.NoError(err)
	r.NoError(a.Start())
	t.Cleanup(func() { a.Stop(time.Second) })
	return a
}

type apiResp struct {
	status int
	header http.Header
	body   string
}

func do(t *testing.T, client *http.Client, method, url string,
	hdr map[string]string) apiResp {

	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return apiResp{resp.StatusCode, resp.Header, string(body)}
}

var noRedirects = &http.Client{
	CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	},
}

//------------------------------------------------------------------------------
// endpoints

const cfgTestServer = `{
	"jmpapi": "1.1",
	"listen": [{"addr": "127.0.0.1:60811"}],
	"cors": {"allowedOrigins": ["https://app.example"], "maxAge": 600},
	"datasources": [{"name": "db", "pool": {"lazy": true}}],
	"api": {
		"info": {},
		"endpoints": {
			"/ping": {"GET": {"handler": "status", "status": 200}},
			"/users": {
				"GET": {"sql": "select id, name from users", "return": "list",
					"datasource": "db"},
				"/{id:uint}": {
					"GET": {"sql": "select id, name from users where id={args.id}",
						"return": "dict", "datasource": "db",
						"args": {"id": {"type": "uint"}}}
				}
			},
			"/total": {"GET": {"sql": "select count(*) from users",
				"return": "u64", "datasource": "db", "cache": 60}},
			"/secret": {"GET": {"allow": ["@admin"],
				"handler": "status", "status": 204}},
			"/hdr": {"GET": {"headers": {"X-Frame-Options": "DENY"},
				"handler": "status", "status": 204}},
			"/motd": {"GET": {"path": "%MOTD%"}},
			"/hello": {"GET": {"bind": "hello"}},
			"/guarded": {"GET": {"arg-filter": "veto",
				"handler": "status", "status": 204}},
			"/old": {"GET": {"handler": "redirect", "uri": "/ping"}},
			"/spec": {"GET": {"handler": "spec"}}
		}
	}
}`

func TestAPIServerEndpoints(t *testing.T) {
	r := require.New(t)

	motd := filepath.Join(t.TempDir(), "motd.txt")
	r.NoError(os.WriteFile(motd, []byte("be excellent\n"), 0644))

	src := newTestSource()
	src.set("select id, name from users", []string{"id", "name"},
		[]any{int64(1), "ada"}, []any{int64(2), "bob"})
	src.set("select id, name from users where id=2", []string{"id", "name"},
		[]any{int64(2), "bob"})
	src.set("select id, name from users where id=7", []string{"id", "name"})
	src.set("select count(*) from users", []string{"count"}, []any{int64(2)})

	cache := &testCache{}
	rti := &jmpapi.RuntimeInterface{
		QuerySource: func(name string) jmpapi.QuerySource {
			if name == "db" {
				return src
			}
			return nil
		},
		CacheSet: cache.set,
		CacheGet: cache.get,
		Bind: map[string]httpd.Handler{
			"hello": httpd.HandlerFunc(func(req *httpd.Request) (bool, error) {
				return true, req.ReplyJSON(httpd.StatusOK,
					map[string]string{"hello": "world"})
			}),
		},
		ArgFilter: func(name string, req *httpd.Request) error {
			if name == "veto" && req.Query().Get("block") == "1" {
				return httpd.Errorf(httpd.KindValidation, "blocked")
			}
			return nil
		},
	}

	startAPI(t, strings.Replace(cfgTestServer, "%MOTD%", motd, 1), rti)
	base := "http://127.0.0.1:60811"

	resp := do(t, noRedirects, "GET", base+"/ping", nil)
	r.Equal(200, resp.status)

	// shaped query endpoints
	resp = do(t, noRedirects, "GET", base+"/users", nil)
	r.Equal(200, resp.status)
	r.Equal("application/json", resp.header.Get("Content-Type"))
	r.Equal(`[{"id":1,"name":"ada"},{"id":2,"name":"bob"}]`, resp.body)

	resp = do(t, noRedirects, "GET", base+"/users/2", nil)
	r.Equal(200, resp.status)
	r.Equal(`{"id":2,"name":"bob"}`, resp.body)

	// an empty dict result is 404
	resp = do(t, noRedirects, "GET", base+"/users/7", nil)
	r.Equal(404, resp.status)

	// {id:uint} does not match a non-numeric segment
	resp = do(t, noRedirects, "GET", base+"/users/abc", nil)
	r.Equal(404, resp.status)

	// the method mask keeps POST out
	resp = do(t, noRedirects, "POST", base+"/ping", nil)
	r.Equal(404, resp.status)

	// cached endpoint runs the query once
	resp = do(t, noRedirects, "GET", base+"/total", nil)
	r.Equal(200, resp.status)
	r.Equal("2", resp.body)
	resp = do(t, noRedirects, "GET", base+"/total", nil)
	r.Equal(200, resp.status)
	r.Equal("2", resp.body)
	r.Equal(1, src.count("select count(*) from users"))

	// anonymous access to a guarded endpoint
	resp = do(t, noRedirects, "GET", base+"/secret", nil)
	r.Equal(401, resp.status)
	r.Equal("401 Unauthorized\n", resp.body)

	// fixed response headers
	resp = do(t, noRedirects, "GET", base+"/hdr", nil)
	r.Equal(204, resp.status)
	r.Equal("DENY", resp.header.Get("X-Frame-Options"))

	// file handler
	resp = do(t, noRedirects, "GET", base+"/motd", nil)
	r.Equal(200, resp.status)
	r.Equal("be excellent\n", resp.body)
	r.Contains(resp.header.Get("Content-Type"), "text/plain")

	// bound handler
	resp = do(t, noRedirects, "GET", base+"/hello", nil)
	r.Equal(200, resp.status)
	r.JSONEq(`{"hello": "world"}`, resp.body)

	// argument filter veto
	resp = do(t, noRedirects, "GET", base+"/guarded", nil)
	r.Equal(204, resp.status)
	resp = do(t, noRedirects, "GET", base+"/guarded?block=1", nil)
	r.Equal(400, resp.status)

	// redirect handler
	resp = do(t, noRedirects, "GET", base+"/old", nil)
	r.Equal(302, resp.status)
	r.Equal("/ping", resp.header.Get("Location"))

	// CORS preflight through the server-wide handler
	resp = do(t, noRedirects, "OPTIONS", base+"/ping", map[string]string{
		"Origin":                        "https://app.example",
		"Access-Control-Request-Method": "GET",
	})
	r.Equal(204, resp.status)
	r.Equal("https://app.example",
		resp.header.Get("Access-Control-Allow-Origin"))
	r.Equal("600", resp.header.Get("Access-Control-Max-Age"))

	resp = do(t, noRedirects, "GET", base+"/ping", map[string]string{
		"Origin": "https://evil.example",
	})
	r.Empty(resp.header.Get("Access-Control-Allow-Origin"))

	// generated OpenAPI document
	resp = do(t, noRedirects, "GET", base+"/spec", nil)
	r.Equal(200, resp.status)
	var doc map[string]any
	r.NoError(json.Unmarshal([]byte(resp.body), &doc))
	r.Equal("3.1.0", doc["openapi"])
	paths, ok := doc["paths"].(map[string]any)
	r.True(ok)
	r.Contains(paths, "/users/{id}")
	r.Contains(paths, "/ping")
}

//------------------------------------------------------------------------------
// sessions & login

const cfgTestSessions = `{
	"jmpapi": "1.1",
	"listen": [{"addr": "127.0.0.1:60812"}],
	"sessions": {"timeout": 3600},
	"api": {
		"endpoints": {
			"/login": {"GET|POST": {"handler": "login"}},
			"/logout": {"POST": {"handler": "logout"}},
			"/session": {"GET": {"handler": "session"}},
			"/private": {"GET": {"allow": ["authenticated"],
				"handler": "status", "status": 204}}
		}
	}
}`

func TestAPIServerSessions(t *testing.T) {
	r := require.New(t)

	startAPI(t, cfgTestSessions, nil)
	base := "http://127.0.0.1:60812"

	jar, err := cookiejar.New(nil)
	r.NoError(err)
	client := &http.Client{Jar: jar}

	// anonymous: no session, no access
	resp := do(t, client, "GET", base+"/private", nil)
	r.Equal(401, resp.status)
	resp = do(t, client, "GET", base+"/session", nil)
	r.Equal(404, resp.status)

	// provider-less login marks the session authenticated
	resp = do(t, client, "POST", base+"/login", nil)
	r.Equal(200, resp.status)
	var session map[string]any
	r.NoError(json.Unmarshal([]byte(resp.body), &session))
	groups, ok := session["group"].(map[string]any)
	r.True(ok)
	r.Equal(true, groups["authenticated"])

	resp = do(t, client, "GET", base+"/private", nil)
	r.Equal(204, resp.status)
	resp = do(t, client, "GET", base+"/session", nil)
	r.Equal(200, resp.status)
	r.Contains(resp.body, `"authenticated":true`)

	// logout clears the cookie and closes the session
	resp = do(t, client, "POST", base+"/logout", nil)
	r.Equal(200, resp.status)
	resp = do(t, client, "GET", base+"/private", nil)
	r.Equal(401, resp.status)
}

//------------------------------------------------------------------------------
// time-series & websocket

const cfgTestTimeseries = `{
	"jmpapi": "1.1",
	"listen": [{"addr": "127.0.0.1:60813"}],
	"timeseriesDB": "%TSDB%",
	"datasources": [{"name": "db", "pool": {"lazy": true}}],
	"api": {
		"timeseries": {
			"load": {"sql": "select load from stats", "return": "one",
				"period": 1, "datasource": "db"}
		},
		"endpoints": {
			"/load": {"GET": {"handler": "timeseries", "timeseries": "load"}},
			"/ws": {"GET": {"handler": "websocket"}}
		}
	}
}`

func TestAPIServerTimeseries(t *testing.T) {
	r := require.New(t)

	src := newTestSource()
	src.set("select load from stats", []string{"load"}, []any{int64(42)})
	rti := &jmpapi.RuntimeInterface{
		QuerySource: func(string) jmpapi.QuerySource { return src },
	}

	tsdb := filepath.Join(t.TempDir(), "ts.db")
	startAPI(t, strings.Replace(cfgTestTimeseries, "%TSDB%", tsdb, 1), rti)
	base := "http://127.0.0.1:60813"

	// the first request starts sampling; a sample appears within a period
	// or two
	var entries []map[string]any
	r.Eventually(func() bool {
		resp := do(t, noRedirects, "GET", base+"/load", nil)
		if resp.status != 200 {
			return false
		}
		entries = nil
		if err := json.Unmarshal([]byte(resp.body), &entries); err != nil {
			return false
		}
		return len(entries) > 0
	}, 10*time.Second, 100*time.Millisecond)
	r.Equal(42.0, entries[0]["value"])

	// subscribing over a websocket delivers the latest sample
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, "ws://127.0.0.1:60813/ws", nil)
	r.NoError(err)
	defer ws.Close(websocket.StatusNormalClosure, "")

	r.NoError(ws.Write(ctx, websocket.MessageText,
		[]byte(`{"subscribe": "load"}`)))
	typ, data, err := ws.Read(ctx)
	r.NoError(err)
	r.Equal(websocket.MessageText, typ)
	var push map[string]any
	r.NoError(json.Unmarshal(data, &push))
	r.Equal("load", push["timeseries"])
	r.Equal(42.0, push["value"])
	r.NotEmpty(push["time"])

	// unknown series names are reported in-band
	r.NoError(ws.Write(ctx, websocket.MessageText,
		[]byte(`{"subscribe": "ghost"}`)))
	_, data, err = ws.Read(ctx)
	r.NoError(err)
	r.Contains(string(data), "unknown timeseries")
}

//------------------------------------------------------------------------------
// construction errors

func TestNewAPIServerRejectsBadConfig(t *testing.T) {
	r := require.New(t)

	_, err := jmpapi.NewAPIServer(nil, nil)
	r.Error(err)

	var cfg jmpapi.Config
	r.NoError(json.Unmarshal([]byte(`{"jmpapi": "1.0"}`), &cfg))
	_, err = jmpapi.NewAPIServer(&cfg, nil)
	r.Error(err)
	r.Contains(err.Error(), "invalid configuration")
}
