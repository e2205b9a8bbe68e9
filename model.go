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
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmpapi/jmpapi/httpd"
)

// SchemaMinVersion is the lowest `jmpapi` schema version accepted in a
// configuration file.
const SchemaMinVersion = "1.1.0"

//------------------------------------------------------------------------------
// core

// Config is the entirety of the declarative configuration supplied to the
// API server. It is typically deserialized in from a .json or .yaml file.
type Config struct {
	// Version is the version of the schema according to which the other
	// fields in this structure should be interpreted, in semver syntax (a
	// trailing `.0` or `.0.0` may be omitted). This field is required and
	// must be >= 1.1.0; validation fails otherwise.
	Version string `json:"jmpapi"`

	// Info describes the service for the generated OpenAPI document. See
	// the documentation of the Info struct. Optional.
	Info *Info `json:"info,omitempty"`

	// API is a single unnamed API definition. Exactly one of API and APIs
	// may be set.
	API *API `json:"api,omitempty"`

	// APIs is a dict of named API definitions. The name becomes the
	// OpenAPI tag of the endpoints defined under it.
	APIs map[string]*API `json:"apis,omitempty"`

	// Options is an arbitrary dict made available to `{options.*}`
	// variable references in the configuration. Optional.
	Options map[string]any `json:"options,omitempty"`

	// Listen is the list of `IP:port` pairs for the server to bind to and
	// listen on, each optionally with a TLS certificate and key. If empty,
	// the server listens on `:8080` without TLS. IP may be an IPv4 or IPv6
	// literal; hostnames are not allowed.
	Listen []Listen `json:"listen,omitempty"`

	// CORS, if set, attaches Cross Origin Resource Sharing headers to
	// every response and answers preflight requests server-wide. Endpoints
	// can additionally use `handler: cors` for per-subtree behavior.
	CORS *CORS `json:"cors,omitempty"`

	// Limits carries the per-connection resource caps of the HTTP server.
	// See the documentation of the Limits struct. Optional.
	Limits *Limits `json:"limits,omitempty"`

	// Datasources is a list of all PostgreSQL databases that can be
	// referred to by queries, time-series and login handlers. All
	// datasources listed here will be connected to on startup unless
	// marked lazy.
	Datasources []Datasource `json:"datasources,omitempty"`

	// Sessions configures the session store used by login, logout,
	// session and access-controlled endpoints. If nil, defaults apply
	// (cookie `sid`, 4 hour timeout, no lifetime cap).
	Sessions *Sessions `json:"sessions,omitempty"`

	// OAuth2 maps a provider name used in login requests to its client
	// credentials and, for non-builtin providers, its endpoint URLs. The
	// builtin providers are `github`, `google` and `facebook`.
	OAuth2 map[string]*OAuth2Provider `json:"oauth2,omitempty"`

	// DNS configures the outbound DNS resolver used by the OAuth2 HTTP
	// client. If nil, system defaults and the JMPAPI_DNS environment
	// variable apply.
	DNS *DNS `json:"dns,omitempty"`

	// TimeseriesDB is the path of the file backing the time-series
	// key/value log. Required if any API defines time-series.
	TimeseriesDB string `json:"timeseriesDB,omitempty"`
}

// Validate the entire configuration. Returns a list of errors and warnings.
func (c *Config) Validate() (r []ValidationResult) {
	return c.validate()
}

// IsValid performs validation (calls Validate() internally) and returns an
// error if the validation finds at least one error. All errors are formatted
// into a single error message, and warnings are not included. For better
// formatting use the Validate() method directly.
func (c *Config) IsValid() error {
	var a []string
	for _, r := range c.Validate() {
		if !r.Warn {
			a = append(a, r.Message)
		}
	}
	if len(a) > 0 {
		return fmt.Errorf("%d errors: %s", len(a), strings.Join(a, "; "))
	}
	return nil
}

// ValidationResult holds one entry of the results of validation. The Validate
// method of Config returns a slice of these.
type ValidationResult struct {
	// Warn is true if the message is a warning, else it is an error.
	Warn bool

	// Message is the actual textual message describing the error or warning.
	Message string
}

// Info mirrors into the `info` object of the generated OpenAPI document.
type Info struct {
	// Title of the service.
	Title string `json:"title,omitempty"`

	// Version of the service (not of the schema).
	Version string `json:"version,omitempty"`

	// Description of the service.
	Description string `json:"description,omitempty"`
}

// Listen is one address for the server to accept connections on.
type Listen struct {
	// Addr is the `IP:port` to bind to. If the IP is omitted the server
	// binds to all interfaces.
	Addr string `json:"addr"`

	// TLSCert is the path of a PEM certificate chain. If set along with
	// TLSKey, the listener serves TLS.
	TLSCert string `json:"tlsCert,omitempty"`

	// TLSKey is the path of the PEM private key for TLSCert.
	TLSKey string `json:"tlsKey,omitempty"`
}

// Limits carries the resource caps enforced by the HTTP connection layer.
type Limits struct {
	// MaxHeaderSize caps the request header block, including the request
	// line, in bytes. A request exceeding it is failed with 400. Defaults
	// to 64KiB.
	MaxHeaderSize *int64 `json:"maxHeaderSize,omitempty"`

	// MaxBodySize caps the request body, after chunked decoding, in
	// bytes. A request exceeding it is failed with 413. Defaults to 10MiB.
	MaxBodySize *int64 `json:"maxBodySize,omitempty"`

	// MaxConnections caps concurrently open client connections. Further
	// connections are dropped on accept. 0 means unlimited.
	MaxConnections *int64 `json:"maxConnections,omitempty"`

	// MaxTTL in seconds is the per-request deadline. A request that
	// outlives it is answered 504 and its connection closed. Ignored
	// if <= 0.
	MaxTTL *float64 `json:"maxTTL,omitempty"`
}

//------------------------------------------------------------------------------
// api

// API is one named (or the single unnamed) group of endpoint definitions,
// along with the argument dicts, prepared queries and time-series they
// reference.
type API struct {
	// Help describes the API group; it becomes the OpenAPI tag
	// description.
	Help string `json:"help,omitempty"`

	// Hide excludes this API group's endpoints from the generated
	// OpenAPI document.
	Hide bool `json:"hide,omitempty"`

	// Args is a dict of named argument dictionaries. Endpoint leaves can
	// reference an entry by name instead of declaring args inline.
	Args map[string]*ArgDict `json:"args,omitempty"`

	// Queries is a dict of named prepared queries that endpoint leaves
	// reference via their `query` tag. See the QueryDef struct.
	Queries map[string]*QueryDef `json:"queries,omitempty"`

	// Timeseries is a dict of named time-series definitions referenced by
	// `handler: timeseries` leaves and WebSocket subscriptions.
	Timeseries map[string]*TimeseriesDef `json:"timeseries,omitempty"`

	// Endpoints is the declarative endpoint tree. Keys beginning with `/`
	// are subpaths, keys naming one or more `|`-separated HTTP methods
	// are leaves. Key order is preserved and determines dispatch order.
	Endpoints *httpd.Dict `json:"endpoints,omitempty"`
}

//------------------------------------------------------------------------------
// args

// Arg describes one argument accepted by an endpoint.
type Arg struct {
	// Type is one of `string`, `int`, `uint`, `number`, `bool`, `list` or
	// `dict`. Defaults to `string`.
	Type string `json:"type,omitempty"`

	// Source is where the value is taken from: `path`, `query`, `body`,
	// `header`, `cookie` or `session`. If omitted, path captures are
	// consulted first, then query parameters, then the JSON body.
	Source string `json:"source,omitempty"`

	// Default supplies the value used when the argument is not present in
	// the request. An argument with a default is implicitly optional.
	Default any `json:"default,omitempty"`

	// Optional arguments that are missing and have no default resolve to
	// null. Non-optional missing arguments fail the request with 400.
	Optional bool `json:"optional,omitempty"`

	// Help describes the argument in the generated OpenAPI document.
	Help string `json:"help,omitempty"`
}

// ArgDict is an insertion-ordered mapping of argument name to its
// description.
type ArgDict struct {
	keys []string
	args map[string]*Arg
}

// Len returns the number of arguments.
func (d *ArgDict) Len() int {
	if d == nil {
		return 0
	}
	return len(d.keys)
}

// Get returns the named argument, or nil.
func (d *ArgDict) Get(name string) *Arg {
	if d == nil {
		return nil
	}
	return d.args[name]
}

// Set adds or replaces an argument, keeping first-insertion order.
func (d *ArgDict) Set(name string, a *Arg) {
	if d.args == nil {
		d.args = make(map[string]*Arg)
	}
	if _, ok := d.args[name]; !ok {
		d.keys = append(d.keys, name)
	}
	d.args[name] = a
}

// Each calls fn for every argument in insertion order.
func (d *ArgDict) Each(fn func(name string, a *Arg) error) error {
	if d == nil {
		return nil
	}
	for _, k := range d.keys {
		if err := fn(k, d.args[k]); err != nil {
			return err
		}
	}
	return nil
}

// UnmarshalJSON decodes the dict preserving key order.
func (d *ArgDict) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("args: expected object, got %v", tok)
	}
	d.keys = nil
	d.args = make(map[string]*Arg)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name := tok.(string)
		var a Arg
		if err := dec.Decode(&a); err != nil {
			return fmt.Errorf("args: %q: %w", name, err)
		}
		d.Set(name, &a)
	}
	_, err = dec.Token() // consume '}'
	return err
}

// MarshalJSON encodes the dict in insertion order.
func (d *ArgDict) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte('{')
	for i, k := range d.keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		b.Write(kb)
		b.WriteByte(':')
		vb, err := json.Marshal(d.args[k])
		if err != nil {
			return nil, err
		}
		b.Write(vb)
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}

//------------------------------------------------------------------------------
// queries

// QueryDef is a prepared description of a database-backed endpoint: a SQL
// template, a return shape and the datasource to run against. At most one
// of SQL and Query may be set in a single definition.
type QueryDef struct {
	// SQL is the statement template. `{path}` and `{path:fmt}` references
	// are substituted per the resolver rules before execution; `:S`
	// SQL-quotes the value and unknown references become NULL.
	SQL string `json:"sql,omitempty"`

	// Query names a prepared entry under the API's `queries` dict to use
	// instead of an inline SQL template.
	Query string `json:"query,omitempty"`

	// Return selects how the result set is projected into the response
	// body: one of `ok`, `one`, `bool`, `u64`, `s64`, `dict`, `list`,
	// `hlist` or `fields`. Defaults to `ok`.
	Return string `json:"return,omitempty"`

	// Fields is the list of labels consumed by the `fields` return shape,
	// one per result set. A label starting with `*` inserts the result
	// set as a sub-dict instead of a list.
	Fields []string `json:"fields,omitempty"`

	// Datasource refers to one of the datasources listed in
	// Config.Datasources.
	Datasource string `json:"datasource,omitempty"`

	// Timeout in seconds for running the query. Ignored if <= 0.
	Timeout *float64 `json:"timeout,omitempty"`

	// Cache the result for these many seconds. The server must be started
	// with a RuntimeInterface that supports caching for this to work. The
	// cache entry is specific to the exact argument values of the
	// invocation. Ignored if <= 0.
	Cache *float64 `json:"cache,omitempty"`
}

//------------------------------------------------------------------------------
// timeseries

// TimeseriesDef describes a periodically sampled query whose values are
// kept in the time-series log and fanned out to WebSocket subscribers.
type TimeseriesDef struct {
	// SQL is the statement template sampled every period. At most one of
	// SQL and Query may be set.
	SQL string `json:"sql,omitempty"`

	// Query names a prepared entry under the API's `queries` dict.
	Query string `json:"query,omitempty"`

	// Return selects the projection of each sample, as in QueryDef.
	// Defaults to `list`.
	Return string `json:"return,omitempty"`

	// Datasource refers to one of the datasources listed in
	// Config.Datasources.
	Datasource string `json:"datasource,omitempty"`

	// Period in seconds between samples. Samples are aligned down to a
	// period boundary. Required, must be > 0.
	Period float64 `json:"period"`

	// Timeout in seconds after which automatic sampling stops if no
	// request or subscriber has shown interest. Ignored if <= 0.
	Timeout *float64 `json:"timeout,omitempty"`

	// Trigger is `auto` (sample from server start) or `request` (sample
	// only while watched). Defaults to `request`.
	Trigger string `json:"trigger,omitempty"`
}

//------------------------------------------------------------------------------
// cors

// CORS specifies the Cross Origin Resource Sharing configuration for the
// server.
type CORS struct {
	// AllowedOrigins is a list of origins a cross-domain request can be
	// executed from. If the special `*` value is present in the list, all
	// origins will be allowed. An origin may contain a wildcard (*) to
	// replace 0 or more characters (i.e.: http://*.domain.com). Only one
	// wildcard can be used per origin. Default value is [`*`].
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`

	// AllowedMethods is a list of methods the client is allowed to use
	// with cross-domain requests. Default value is [`HEAD`, `GET`, `POST`].
	AllowedMethods []string `json:"allowedMethods,omitempty"`

	// AllowedHeaders is list of non simple headers the client is allowed
	// to use with cross-domain requests.
	AllowedHeaders []string `json:"allowedHeaders,omitempty"`

	// ExposedHeaders indicates which headers are safe to expose to the
	// API of a CORS API specification.
	ExposedHeaders []string `json:"exposedHeaders,omitempty"`

	// AllowCredentials indicates whether the request can include user
	// credentials like cookies, HTTP authentication or client side SSL
	// certificates.
	AllowCredentials bool `json:"allowCredentials,omitempty"`

	// MaxAge indicates how long (in seconds) the results of a preflight
	// request can be cached without sending another preflight request.
	MaxAge *int `json:"maxAge,omitempty"`
}

//------------------------------------------------------------------------------
// sessions

// Sessions configures the session store.
type Sessions struct {
	// CookieName is the name of the session cookie. Defaults to `sid`.
	CookieName string `json:"cookieName,omitempty"`

	// Timeout in seconds of inactivity after which a session expires.
	// Defaults to 14400 (4 hours). A per-session override may be set by
	// login SQL. 0 disables inactivity expiry.
	Timeout *float64 `json:"timeout,omitempty"`

	// Lifetime in seconds since creation after which a session expires
	// regardless of activity. 0 (the default) disables.
	Lifetime *float64 `json:"lifetime,omitempty"`

	// Secure marks the session cookie Secure.
	Secure bool `json:"secure,omitempty"`
}

//------------------------------------------------------------------------------
// oauth2

// OAuth2Provider carries the client credentials, and for non-builtin
// providers the endpoint URLs, of one OAuth2 login provider.
type OAuth2Provider struct {
	// ClientID issued by the provider.
	ClientID string `json:"clientID"`

	// ClientSecret issued by the provider.
	ClientSecret string `json:"clientSecret"`

	// RedirectBase is the externally visible base URL of this server,
	// used to build the OAuth2 redirect_uri.
	RedirectBase string `json:"redirectBase,omitempty"`

	// Scopes requested from the provider. Builtin providers have sane
	// defaults (enough to read the user profile).
	Scopes []string `json:"scopes,omitempty"`

	// AuthURL overrides the provider authorization endpoint. Required
	// for providers other than the builtin github, google and facebook.
	AuthURL string `json:"authURL,omitempty"`

	// TokenURL overrides the provider token endpoint.
	TokenURL string `json:"tokenURL,omitempty"`

	// ProfileURL is the endpoint returning the authenticated user's
	// profile as JSON.
	ProfileURL string `json:"profileURL,omitempty"`
}

//------------------------------------------------------------------------------
// dns

// DNS configures the outbound resolver.
type DNS struct {
	// Nameservers is a list of `IP` or `IP:port` addresses queried in
	// parallel. If empty, the JMPAPI_DNS environment variable and then
	// the system resolver configuration are consulted.
	Nameservers []string `json:"nameservers,omitempty"`

	// QueryTimeout in seconds per attempt. Defaults to 5.
	QueryTimeout *float64 `json:"queryTimeout,omitempty"`

	// RequestTimeout in seconds for a whole resolution. Defaults to 16.
	RequestTimeout *float64 `json:"requestTimeout,omitempty"`

	// MaxAttempts before a query fails. Defaults to 3.
	MaxAttempts *int `json:"maxAttempts,omitempty"`
}

//------------------------------------------------------------------------------
// datasource

// Datasource defines the parameters to connect to a data source. Currently a
// data source is a PostgreSQL database, and each instance of a Datasource
// struct contains the equivalent of a connection URI or DSN. The usual libpq
// environment variables (PGHOST, PGPORT, PGDATABASE, PGUSER, PGPASSWORD and
// friends) are understood.
type Datasource struct {
	// Name uniquely identifies a datasource, and must be specified. It is
	// of the format of a fully qualified domain name.
	// Examples: `prod-us-east-1`, `pgsrv03.acme.com`
	Name string `json:"name"`

	// Host is an IP, a hostname or a Unix socket path to the listening
	// Postgres server. Can include `:port` suffix to override the default
	// port of 5432. Can include multiple comma-separated hosts.
	Host string `json:"host,omitempty"`

	// Database is the name of the Postgres database to connect to. If
	// omitted, will default to the name of the system user the server is
	// running as.
	Database string `json:"dbname,omitempty"`

	// User is the PostgreSQL user name to connect as. Defaults to be the
	// same as the operating system name of the user running the server.
	User string `json:"user,omitempty"`

	// Password to be used if the server demands password authentication.
	// This is in plain text, it is preferrable to use a Passfile instead.
	Password string `json:"password,omitempty"`

	// Passfile specifies the name of the file used to store passwords.
	Passfile string `json:"passfile,omitempty"`

	// SSLMode is one of `disable`, `allow`, `prefer`, `require`,
	// `verify-ca` or `verify-full`.
	SSLMode string `json:"sslmode,omitempty"`

	// SSLCert specifies the file name of the client SSL certificate.
	SSLCert string `json:"sslcert,omitempty"`

	// SSLKey specifies the location for the secret key used for the
	// client certificate.
	SSLKey string `json:"sslkey,omitempty"`

	// SSLRootCert specifies the name of a file containing SSL certificate
	// authority (CA) certificate(s).
	SSLRootCert string `json:"sslrootcert,omitempty"`

	// Params specifies additional connection parameters, like
	// `application_name` or `search_path`.
	Params map[string]string `json:"params,omitempty"`

	// PreferSimpleProtocol disables implicit prepared statement usage.
	PreferSimpleProtocol bool `json:"simple,omitempty"`

	// Timeout specifies a timeout for establishing the connection, in
	// seconds. Ignored if <= 0.
	Timeout *float64 `json:"timeout,omitempty"`

	// Role specifies a PostgreSQL role that will be set immediately upon
	// connection. If set, must be a valid PostgreSQL role in the database.
	Role string `json:"role,omitempty"`

	// Pool configures the connection pooling parameters for this
	// datasource.
	Pool *ConnPool `json:"pool,omitempty"`
}

// ConnPool specifies the settings for pooling of connections for a single
// datasource. All settings in this struct are optional.
type ConnPool struct {
	// MinConns sets the minimum number of connections in the pool. If
	// specified, must be > 0.
	MinConns *int64 `json:"minConns,omitempty"`

	// MaxConns sets the maximum number of connections to the database
	// that will be established. If specified, must be > 0.
	MaxConns *int64 `json:"maxConns,omitempty"`

	// MaxIdleTime in seconds is the duration after which an idle
	// connection will be automatically closed. If specified, must be > 0.
	MaxIdleTime *float64 `json:"maxIdleTime,omitempty"`

	// MaxConnectedTime in seconds is the duration since creation after
	// which a connection will be automatically closed. If specified, must
	// be > 0.
	MaxConnectedTime *float64 `json:"maxConnectedTime,omitempty"`

	// Lazy if set means that the connections will be established only on
	// first demand and not at server startup.
	Lazy bool `json:"lazy,omitempty"`
}
