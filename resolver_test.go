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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jmpapi/jmpapi"
	"github.com/jmpapi/jmpapi/httpd"
)

func testScope() *jmpapi.VarScope {
	args := httpd.NewDict()
	args.Set("id", "42")
	args.Set("name", "O'Brien")
	args.Set("limit", float64(10))
	args.Set("flag", true)
	return jmpapi.NewVarScope().
		Bind("args", args).
		Bind("options", map[string]any{"schema": "public", "debug": false})
}

func TestVarScopeLookup(t *testing.T) {
	r := require.New(t)
	sc := testScope()

	v, ok := sc.Lookup("args.id")
	r.True(ok)
	r.Equal("42", v)

	v, ok = sc.Lookup("options.schema")
	r.True(ok)
	r.Equal("public", v)

	_, ok = sc.Lookup("args.missing")
	r.False(ok)
	_, ok = sc.Lookup("nope.at.all")
	r.False(ok)

	// a path cannot descend into a scalar
	_, ok = sc.Lookup("args.id.deeper")
	r.False(ok)
}

func TestVarScopeResolve(t *testing.T) {
	r := require.New(t)
	sc := testScope()

	r.Equal("plain text", sc.Resolve("plain text", false))
	r.Equal("id=42 limit=10", sc.Resolve("id={args.id} limit={args.limit}", false))
	r.Equal("flag is true", sc.Resolve("flag is {args.flag}", false))

	// unknown references stay verbatim outside SQL context
	r.Equal("x={args.missing}", sc.Resolve("x={args.missing}", false))

	// non-reference braces are left alone
	r.Equal("{not a ref}", sc.Resolve("{not a ref}", false))
	r.Equal("{", sc.Resolve("{", false))
}

func TestVarScopeResolveSQL(t *testing.T) {
	r := require.New(t)
	sc := testScope()

	// unknown references become NULL in SQL context
	r.Equal("select NULL", sc.Resolve("select {args.missing}", true))

	// :S renders a quoted SQL literal, doubling embedded quotes
	r.Equal("name = 'O''Brien'", sc.Resolve("name = {args.name:S}", true))
	r.Equal("v = NULL", sc.Resolve("v = {args.missing:S}", true))

	r.Equal("select * from t where id=42 limit 10",
		sc.Resolve("select * from t where id={args.id} limit {args.limit}", true))
}

func TestVarScopeResolveFormats(t *testing.T) {
	r := require.New(t)
	sc := testScope()

	// integer verbs coerce float64 config/JSON numbers
	r.Equal("n=0010", sc.Resolve("n={args.limit:04d}", false))
	r.Equal("n=a", sc.Resolve("n={args.limit:x}", false))
	r.Equal("s=   42", sc.Resolve("s={args.id:6s}", false))
}
