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
	"strings"

	"github.com/jmpapi/jmpapi/httpd"
)

// AccessRule is an endpoint access-control rule. Each entry of Allow and
// Deny is the wildcard `*`, a group tag prefixed with `@` or `$`, or a
// user name. The synthesized groups `authenticated` and `unauthenticated`
// reflect whether the request carries a session with a non-empty user.
// Access is granted iff an allow entry matched and no deny entry did.
type AccessRule struct {
	Allow []string
	Deny  []string
}

// Check evaluates the rule against a request identity.
func (r *AccessRule) Check(user string, groups map[string]bool) bool {
	return matchNames(r.Allow, user, groups) && !matchNames(r.Deny, user, groups)
}

func matchNames(names []string, user string, groups map[string]bool) bool {
	for _, name := range names {
		if name == "*" {
			return true
		}
		if tag, ok := groupTag(name); ok {
			switch tag {
			case "authenticated":
				// a session can be authenticated without a user name
				// (provider=none logins)
				if user != "" || groups["authenticated"] {
					return true
				}
			case "unauthenticated":
				if user == "" && !groups["authenticated"] {
					return true
				}
			default:
				if groups[tag] {
					return true
				}
			}
			continue
		}
		if user != "" && name == user {
			return true
		}
	}
	return false
}

func groupTag(name string) (string, bool) {
	if strings.HasPrefix(name, "@") || strings.HasPrefix(name, "$") {
		return name[1:], true
	}
	// the synthesized groups may also be named bare
	if name == "authenticated" || name == "unauthenticated" {
		return name, true
	}
	return "", false
}

// accessHandler rejects requests the rule denies with 401 and defers
// otherwise.
type accessHandler struct {
	rule  AccessRule
	child httpd.Handler
}

func (h *accessHandler) Handle(req *httpd.Request) (bool, error) {
	if !h.rule.Check(req.User, req.Groups) {
		return true, req.SendError(httpd.Errorf(httpd.KindAccessDenied,
			"access denied"))
	}
	if h.child != nil {
		return h.child.Handle(req)
	}
	return false, nil
}
