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
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jmpapi/jmpapi"
)

func parseConfig(t *testing.T, src string) *jmpapi.Config {
	t.Helper()
	var cfg jmpapi.Config
	require.NoError(t, json.Unmarshal([]byte(src), &cfg))
	return &cfg
}

func hasError(results []jmpapi.ValidationResult, substr string) bool {
	for _, r := range results {
		if !r.Warn && strings.Contains(r.Message, substr) {
			return true
		}
	}
	return false
}

func hasWarning(results []jmpapi.ValidationResult, substr string) bool {
	for _, r := range results {
		if r.Warn && strings.Contains(r.Message, substr) {
			return true
		}
	}
	return false
}

const cfgTestMinimal = `{"jmpapi": "1.1"}`

func TestValidateMinimal(t *testing.T) {
	r := require.New(t)
	cfg := parseConfig(t, cfgTestMinimal)
	results := cfg.Validate()
	r.False(hasError(results, ""), "minimal config must not have errors: %v",
		results)
	r.True(hasWarning(results, "no 'api' or 'apis' specified"))
	r.NoError(cfg.IsValid())
}

func TestValidateVersion(t *testing.T) {
	r := require.New(t)

	results := parseConfig(t, `{"jmpapi": "banana"}`).Validate()
	r.True(hasError(results, "must be semver"))

	results = parseConfig(t, `{"jmpapi": "1.0"}`).Validate()
	r.True(hasError(results, "incompatible schema version"))

	results = parseConfig(t, `{"jmpapi": "2.0"}`).Validate()
	r.True(hasError(results, "incompatible schema version"))

	results = parseConfig(t, `{"jmpapi": "1.2.3"}`).Validate()
	r.False(hasError(results, "schema version"))

	results = parseConfig(t, `{}`).Validate()
	r.True(hasError(results, "must be semver"))
}

const cfgTestBothAPIs = `{
	"jmpapi": "1.1",
	"api": {},
	"apis": {"one": {}}
}`

func TestValidateAPIExclusivity(t *testing.T) {
	results := parseConfig(t, cfgTestBothAPIs).Validate()
	require.True(t,
		hasError(results, "only one of 'api' and 'apis' may be specified"))
}

func TestValidateListen(t *testing.T) {
	r := require.New(t)

	cfg := parseConfig(t, `{"jmpapi":"1.1","listen":[{"addr":"127.0.0.1:8081"}]}`)
	r.False(hasError(cfg.Validate(), "listen"))

	// an address without a port gets the default, so it is fine
	cfg = parseConfig(t, `{"jmpapi":"1.1","listen":[{"addr":"127.0.0.1"}]}`)
	r.False(hasError(cfg.Validate(), "listen"))

	cfg = parseConfig(t, `{"jmpapi":"1.1","listen":[{"addr":"127.0.0.1:0"}]}`)
	r.True(hasError(cfg.Validate(), "bad port"))

	cfg = parseConfig(t, `{"jmpapi":"1.1","listen":[{"addr":"nohost.example:80"}]}`)
	r.True(hasError(cfg.Validate(), "bad IP"))

	cfg = parseConfig(t, `{"jmpapi":"1.1",
		"listen":[{"addr":":8080","tlsCert":"/tmp/x.pem"}]}`)
	r.True(hasError(cfg.Validate(), "tlsCert and tlsKey must be set together"))
}

func TestValidateLimits(t *testing.T) {
	r := require.New(t)
	cfg := parseConfig(t, `{"jmpapi":"1.1",
		"limits":{"maxHeaderSize":0,"maxBodySize":-1,"maxTTL":0}}`)
	results := cfg.Validate()
	r.True(hasError(results, "maxHeaderSize 0 must be > 0"))
	r.True(hasError(results, "maxBodySize -1 must be > 0"))
	r.True(hasWarning(results, "maxTTL 0 is <=0"))
}

func TestValidateCORS(t *testing.T) {
	r := require.New(t)
	cfg := parseConfig(t, `{"jmpapi":"1.1","cors":{
		"allowedOrigins":["https://*.a.*.example"],
		"allowedMethods":["YANK"],
		"maxAge":0}}`)
	results := cfg.Validate()
	r.True(hasError(results, "can use only 1 wildcard"))
	r.True(hasError(results, `invalid method "YANK"`))
	r.True(hasWarning(results, "max age 0 is <=0"))
}

func TestValidateDatasources(t *testing.T) {
	r := require.New(t)

	cfg := parseConfig(t, `{"jmpapi":"1.1","datasources":[
		{"name":"db"},{"name":"db"}]}`)
	r.True(hasError(cfg.Validate(), `2 datasources named "db"`))

	cfg = parseConfig(t, `{"jmpapi":"1.1","datasources":[
		{"name":"bad name!"}]}`)
	r.True(hasError(cfg.Validate(), "invalid name"))

	cfg = parseConfig(t, `{"jmpapi":"1.1","datasources":[
		{"name":"db","params":{"Bad-Param":"x"},"role":"9bad"}]}`)
	results := cfg.Validate()
	r.True(hasError(results, `invalid param "Bad-Param"`))
	r.True(hasError(results, `invalid role "9bad"`))

	cfg = parseConfig(t, `{"jmpapi":"1.1","datasources":[
		{"name":"db","pool":{"minConns":4,"maxConns":2,"maxIdleTime":0}}]}`)
	results = cfg.Validate()
	r.True(hasError(results, "maxConns for pool 2 is < minConns 4"))
	r.True(hasError(results, "maxIdleTime for pool 0 must be > 0"))
}

func TestValidateSessionsAndOAuth2(t *testing.T) {
	r := require.New(t)

	cfg := parseConfig(t, `{"jmpapi":"1.1",
		"sessions":{"cookieName":"bad name","timeout":-1}}`)
	results := cfg.Validate()
	r.True(hasError(results, "invalid cookie name"))
	r.True(hasError(results, "timeout -1 must be >= 0"))

	cfg = parseConfig(t, `{"jmpapi":"1.1","oauth2":{
		"github": {"clientID":"id","clientSecret":"sec"},
		"custom": {"clientID":"id","clientSecret":"sec"}}}`)
	results = cfg.Validate()
	r.False(hasError(results, `oauth2 provider "github"`))
	r.True(hasError(results,
		"authURL, tokenURL and profileURL must be set for non-builtin providers"))

	cfg = parseConfig(t, `{"jmpapi":"1.1","oauth2":{
		"github": {"clientID":"","clientSecret":""}}}`)
	results = cfg.Validate()
	r.True(hasError(results, "clientID must be set"))
	r.True(hasError(results, "clientSecret must be set"))
}

func TestValidateDNS(t *testing.T) {
	r := require.New(t)
	cfg := parseConfig(t, `{"jmpapi":"1.1","dns":{
		"nameservers":["192.0.2.53","ns.example.test"],
		"queryTimeout":0}}`)
	results := cfg.Validate()
	r.True(hasError(results, `nameserver "ns.example.test" is not an IP literal`))
	r.False(hasError(results, "192.0.2.53"))
	r.True(hasWarning(results, "queryTimeout 0 is <=0"))
}

const cfgTestEndpoints = `{
	"jmpapi": "1.1",
	"datasources": [{"name": "db", "pool": {"lazy": true}}],
	"api": {
		"endpoints": {
			"/ping": {"GET": {"handler": "status", "status": 200}},
			"/users": {
				"GET": {"sql": "select * from users", "return": "list",
					"datasource": "db"},
				"/{id:uint}": {
					"GET": {"sql": "select * from users where id={args.id}",
						"return": "dict", "datasource": "db",
						"args": {"id": {"type": "uint"}}}
				}
			}
		}
	}
}`

func TestValidateEndpoints(t *testing.T) {
	r := require.New(t)
	cfg := parseConfig(t, cfgTestEndpoints)
	results := cfg.Validate()
	r.Empty(results, "clean config must validate cleanly: %v", results)
	r.NoError(cfg.IsValid())
}

func TestValidateEndpointErrors(t *testing.T) {
	r := require.New(t)

	// a key that is neither a subpath nor a method set
	cfg := parseConfig(t, `{"jmpapi":"1.1","api":{"endpoints":{
		"/x":{"FETCH":{"handler":"pass"}}}}}`)
	r.True(hasError(cfg.Validate(),
		`key "FETCH" is neither a subpath nor a method set`))

	// handler tag must be known
	cfg = parseConfig(t, `{"jmpapi":"1.1","api":{"endpoints":{
		"/x":{"GET":{"handler":"teleport"}}}}}`)
	r.True(hasError(cfg.Validate(), "invalid handler teleport"))

	// status handler needs its status
	cfg = parseConfig(t, `{"jmpapi":"1.1","api":{"endpoints":{
		"/x":{"GET":{"handler":"status"}}}}}`)
	r.True(hasError(cfg.Validate(),
		"handler 'status' requires an integer 'status'"))

	// queries need a known datasource
	cfg = parseConfig(t, `{"jmpapi":"1.1","api":{"endpoints":{
		"/x":{"GET":{"sql":"select 1","datasource":"nope"}}}}}`)
	r.True(hasError(cfg.Validate(), `unknown datasource "nope"`))

	// sql and query are mutually exclusive
	cfg = parseConfig(t, `{"jmpapi":"1.1",
		"datasources":[{"name":"db"}],
		"api":{
			"queries":{"q1":{"sql":"select 1","datasource":"db"}},
			"endpoints":{"/x":{"GET":{"sql":"select 1","query":"q1"}}}}}`)
	r.True(hasError(cfg.Validate(),
		"only one of 'sql' and 'query' may be specified"))

	// prepared query references must exist
	cfg = parseConfig(t, `{"jmpapi":"1.1","api":{"endpoints":{
		"/x":{"GET":{"query":"ghost"}}}}}`)
	r.True(hasError(cfg.Validate(), `unknown prepared query "ghost"`))

	// return shape names are fixed
	cfg = parseConfig(t, `{"jmpapi":"1.1",
		"datasources":[{"name":"db"}],
		"api":{"endpoints":{
			"/x":{"GET":{"sql":"select 1","datasource":"db","return":"rows"}}}}}`)
	r.True(hasError(cfg.Validate(), `invalid return shape "rows"`))

	// fields shape needs its field list
	cfg = parseConfig(t, `{"jmpapi":"1.1",
		"datasources":[{"name":"db"}],
		"api":{"endpoints":{
			"/x":{"GET":{"sql":"select 1","datasource":"db","return":"fields"}}}}}`)
	r.True(hasError(cfg.Validate(),
		"return shape 'fields' requires a 'fields' list"))

	// bad patterns are reported with their path
	cfg = parseConfig(t, `{"jmpapi":"1.1","api":{"endpoints":{
		"/x/{v:float}":{"GET":{"handler":"pass"}}}}}`)
	r.True(hasError(cfg.Validate(), "/x/{v:float}"))

	// named args dicts must exist
	cfg = parseConfig(t, `{"jmpapi":"1.1","api":{"endpoints":{
		"/x":{"GET":{"handler":"pass","args":"common"}}}}}`)
	r.True(hasError(cfg.Validate(), `unknown args dict "common"`))

	// arg types are fixed
	cfg = parseConfig(t, `{"jmpapi":"1.1","api":{"endpoints":{
		"/x":{"GET":{"handler":"pass","args":{"a":{"type":"float"}}}}}}}`)
	r.True(hasError(cfg.Validate(), `arg "a": invalid type "float"`))
}

func TestValidateTimeseries(t *testing.T) {
	r := require.New(t)

	// time-series need the backing database file configured
	cfg := parseConfig(t, `{"jmpapi":"1.1",
		"datasources":[{"name":"db"}],
		"api":{"timeseries":{
			"load":{"sql":"select 1","datasource":"db","period":60}}}}`)
	r.True(hasError(cfg.Validate(),
		"timeseriesDB must be set when time-series are defined"))

	// period is required
	cfg = parseConfig(t, `{"jmpapi":"1.1","timeseriesDB":"/tmp/ts.db",
		"datasources":[{"name":"db"}],
		"api":{"timeseries":{
			"load":{"sql":"select 1","datasource":"db"}}}}`)
	r.True(hasError(cfg.Validate(), "period 0 must be > 0"))

	// trigger names are fixed
	cfg = parseConfig(t, `{"jmpapi":"1.1","timeseriesDB":"/tmp/ts.db",
		"datasources":[{"name":"db"}],
		"api":{"timeseries":{
			"load":{"sql":"select 1","datasource":"db","period":60,
				"trigger":"sometimes"}}}}`)
	r.True(hasError(cfg.Validate(), `invalid trigger "sometimes"`))

	// endpoint references must name a defined series
	cfg = parseConfig(t, `{"jmpapi":"1.1","api":{"endpoints":{
		"/ts":{"GET":{"timeseries":"ghost"}}}}}`)
	r.True(hasError(cfg.Validate(), `unknown timeseries "ghost"`))
}

func TestIsValidFormatting(t *testing.T) {
	r := require.New(t)
	cfg := parseConfig(t, `{"jmpapi":"0.9","api":{},"apis":{"a":{}}}`)
	err := cfg.IsValid()
	r.Error(err)
	r.Contains(err.Error(), "2 errors:")
	r.Contains(err.Error(), "; ")
}
