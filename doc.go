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

// Package jmpapi provides the definition of the declarative API server
// configuration (the [Config] structure and its children) as well as the
// implementation of the API server itself ([APIServer]). Runtime
// dependencies to be supplied by the caller are specified using the
// [RuntimeInterface].
//
// A configuration maps URL patterns to endpoint handlers: SQL queries
// with configurable return shapes, time-series sampled into a local log
// and fanned out over WebSockets, OAuth2 logins backed by a session
// store, redirects, static files, embedded resources and handlers bound
// by the embedding program. The server speaks HTTP/1.1 through its own
// connection layer (package httpd) and resolves outbound hostnames with
// its own asynchronous resolver (package dnsr).
//
// The code for the `cmd/jmpapi` CLI tool is a good example of how to
// use the APIServer.
package jmpapi
