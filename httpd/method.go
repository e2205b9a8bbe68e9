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

package httpd

import "strings"

// Method is a bitmask of HTTP methods, so that a single matcher can
// dispatch `GET|POST` style combinations.
type Method uint16

const (
	MethodGet Method = 1 << iota
	MethodHead
	MethodPost
	MethodPut
	MethodDelete
	MethodPatch
	MethodOptions
	MethodConnect
	MethodTrace

	MethodAny Method = 0xffff
)

var methodNames = []struct {
	m    Method
	name string
}{
	{MethodGet, "GET"},
	{MethodHead, "HEAD"},
	{MethodPost, "POST"},
	{MethodPut, "PUT"},
	{MethodDelete, "DELETE"},
	{MethodPatch, "PATCH"},
	{MethodOptions, "OPTIONS"},
	{MethodConnect, "CONNECT"},
	{MethodTrace, "TRACE"},
}

// ParseMethod converts a method name to its mask bit. Returns 0 for an
// unrecognized name.
func ParseMethod(name string) Method {
	for _, mn := range methodNames {
		if mn.name == name {
			return mn.m
		}
	}
	return 0
}

// ParseMethodSet converts a `|`-separated list of method names to a mask.
// ok is false if any name is unrecognized.
func ParseMethodSet(names string) (m Method, ok bool) {
	ok = true
	for _, name := range strings.Split(names, "|") {
		b := ParseMethod(strings.TrimSpace(name))
		if b == 0 {
			ok = false
		}
		m |= b
	}
	return
}

// String returns the `|`-separated method names in the mask.
func (m Method) String() string {
	var names []string
	for _, mn := range methodNames {
		if m&mn.m != 0 {
			names = append(names, mn.name)
		}
	}
	return strings.Join(names, "|")
}

// Names returns the individual method names in the mask.
func (m Method) Names() (names []string) {
	for _, mn := range methodNames {
		if m&mn.m != 0 {
			names = append(names, mn.name)
		}
	}
	return
}

// allowsBody reports whether a request of this method may carry a body.
func (m Method) allowsBody() bool {
	switch m {
	case MethodPost, MethodPut, MethodPatch, MethodDelete:
		return true
	}
	return false
}
