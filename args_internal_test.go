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
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/jmpapi/jmpapi/httpd"
)

func TestConvertArg(t *testing.T) {
	r := require.New(t)

	conv := func(typ string, v any) (any, error) {
		return convertArg("x", &Arg{Type: typ}, v)
	}

	v, err := conv("", "hello")
	r.NoError(err)
	r.Equal("hello", v)
	_, err = conv("string", float64(1))
	r.Error(err)

	v, err = conv("int", "200")
	r.NoError(err)
	r.Equal(int64(200), v)
	// JSON numbers and integral decimals both convert
	v, err = conv("int", float64(-3))
	r.NoError(err)
	r.Equal(int64(-3), v)
	v, err = conv("int", "200.00")
	r.NoError(err)
	r.Equal(int64(200), v)
	_, err = conv("int", "1.5")
	r.Error(err)
	_, err = conv("int", "abc")
	r.Error(err)

	v, err = conv("uint", "7")
	r.NoError(err)
	r.Equal(uint64(7), v)
	_, err = conv("uint", "-7")
	r.Error(err)

	v, err = conv("number", "2.5")
	r.NoError(err)
	r.Equal(2.5, v)
	v, err = conv("number", float64(4))
	r.NoError(err)
	r.Equal(4.0, v)
	_, err = conv("number", "abc")
	r.Error(err)

	for raw, want := range map[string]bool{
		"true": true, "1": true, "false": false, "0": false,
		"TRUE": true,
		// a bare query parameter is an assertion
		"": true,
	} {
		v, err = conv("bool", raw)
		r.NoError(err, "bool %q", raw)
		r.Equal(want, v, "bool %q", raw)
	}
	v, err = conv("bool", false)
	r.NoError(err)
	r.Equal(false, v)
	_, err = conv("bool", "yes")
	r.Error(err)

	v, err = conv("list", []any{1.0, "a"})
	r.NoError(err)
	r.Equal([]any{1.0, "a"}, v)
	// repeated query parameters arrive as []string
	v, err = conv("list", []string{"a", "b"})
	r.NoError(err)
	r.Equal([]any{"a", "b"}, v)
	_, err = conv("list", "a")
	r.Error(err)

	v, err = conv("dict", map[string]any{"k": "v"})
	r.NoError(err)
	r.Equal(map[string]any{"k": "v"}, v)
	_, err = conv("dict", "a")
	r.Error(err)
}

func TestToInt(t *testing.T) {
	r := require.New(t)

	cases := []struct {
		in   any
		want int64
		ok   bool
	}{
		{"200", 200, true},
		{"200.00", 200, true},
		{"-5", -5, true},
		{float64(42), 42, true},
		{"1.5", 0, false},
		{"abc", 0, false},
		{true, 0, false},
	}
	for _, tc := range cases {
		got, ok := toInt(tc.in)
		r.Equal(tc.ok, ok, "%v", tc.in)
		if ok {
			r.Equal(tc.want, got, "%v", tc.in)
		}
	}
}

func newTestRequest() *httpd.Request {
	return &httpd.Request{
		Method: httpd.MethodGet,
		Path:   "/test",
		Args:   httpd.NewDict(),
		Env:    map[string]any{},
	}
}

func TestArgValueSources(t *testing.T) {
	r := require.New(t)

	// path captures beat query parameters with no declared source
	req := newTestRequest()
	req.Args.Set("id", "3")
	req.RawQuery = "id=9&limit=10"
	v, found, err := argValue(req, "id", "")
	r.NoError(err)
	r.True(found)
	r.Equal("3", v)

	v, found, err = argValue(req, "limit", "")
	r.NoError(err)
	r.True(found)
	r.Equal("10", v)

	// an explicit query source skips path captures
	v, found, err = argValue(req, "id", "query")
	r.NoError(err)
	r.True(found)
	r.Equal("9", v)

	_, found, err = argValue(req, "missing", "")
	r.NoError(err)
	r.False(found)

	// body values come from a JSON object
	req = newTestRequest()
	req.Method = httpd.MethodPost
	req.Header.Set("Content-Type", "application/json")
	req.Body = []byte(`{"name": "ada", "count": 2}`)
	v, found, err = argValue(req, "name", "body")
	r.NoError(err)
	r.True(found)
	r.Equal("ada", v)
	v, found, err = argValue(req, "count", "")
	r.NoError(err)
	r.True(found)
	r.Equal(2.0, v)

	// and from form-encoded bodies
	req = newTestRequest()
	req.Method = httpd.MethodPost
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Body = []byte("name=bob&tag=x&tag=y")
	v, found, err = argValue(req, "name", "body")
	r.NoError(err)
	r.True(found)
	r.Equal("bob", v)
	v, found, err = argValue(req, "tag", "body")
	r.NoError(err)
	r.True(found)
	r.Equal([]string{"x", "y"}, v)

	// header and cookie sources
	req = newTestRequest()
	req.Header.Set("X-Token", "secret")
	req.Header.Add("Cookie", "lang=de; other=1")
	v, found, err = argValue(req, "X-Token", "header")
	r.NoError(err)
	r.True(found)
	r.Equal("secret", v)
	v, found, err = argValue(req, "lang", "cookie")
	r.NoError(err)
	r.True(found)
	r.Equal("de", v)
	_, found, _ = argValue(req, "nope", "cookie")
	r.False(found)
}

func TestArgsHandler(t *testing.T) {
	r := require.New(t)

	args := &ArgDict{}
	args.Set("id", &Arg{Type: "uint"})
	args.Set("limit", &Arg{Type: "int", Default: float64(25)})
	args.Set("filter", &Arg{Optional: true})
	h := &argsHandler{args: args, logger: zerolog.Nop()}

	// all present: values are typed and stored
	req := newTestRequest()
	req.RawQuery = "id=7&filter=recent"
	handled, err := h.Handle(req)
	r.NoError(err)
	r.False(handled)
	r.Equal(uint64(7), req.Args.Get("id"))
	// defaults are stored as configured, without conversion
	r.Equal(float64(25), req.Args.Get("limit"))
	r.Equal("recent", req.Args.Get("filter"))

	// optional missing resolves to null
	req = newTestRequest()
	req.RawQuery = "id=7"
	handled, err = h.Handle(req)
	r.NoError(err)
	r.False(handled)
	r.True(req.Args.Has("filter"))
	r.Nil(req.Args.Get("filter"))

	// required missing rejects the request
	req = newTestRequest()
	handled, err = h.Handle(req)
	r.NoError(err)
	r.True(handled)
	r.True(req.Replied())

	// type mismatch rejects the request
	req = newTestRequest()
	req.RawQuery = "id=abc"
	handled, err = h.Handle(req)
	r.NoError(err)
	r.True(handled)
	r.True(req.Replied())
}
