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

// Handler inspects a Request and either writes a response (reporting
// handled) or defers to the next handler. An error aborts the chain; the
// dispatcher maps it to an HTTP status.
type Handler interface {
	Handle(req *Request) (handled bool, err error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(req *Request) (bool, error)

// Handle calls f.
func (f HandlerFunc) Handle(req *Request) (bool, error) { return f(req) }

// HandlerGroup invokes its children in order until one reports handled.
type HandlerGroup struct {
	children []Handler
}

// Add appends a child handler.
func (g *HandlerGroup) Add(h Handler) { g.children = append(g.children, h) }

// Len returns the number of children.
func (g *HandlerGroup) Len() int { return len(g.children) }

// Handle dispatches to the children in order.
func (g *HandlerGroup) Handle(req *Request) (bool, error) {
	for _, h := range g.children {
		handled, err := h.Handle(req)
		if handled || err != nil {
			return handled, err
		}
		if req.Replied() {
			return true, nil
		}
	}
	return false, nil
}

// MethodMatcher delegates to its child only when the request method is
// in the mask.
type MethodMatcher struct {
	Methods Method
	Child   Handler
}

// Handle filters by method.
func (m *MethodMatcher) Handle(req *Request) (bool, error) {
	if m.Methods&req.Method == 0 {
		return false, nil
	}
	return m.Child.Handle(req)
}

// PatternMatcher matches the request path against a compiled URL pattern
// and, on match, captures the named groups into request args before
// delegating.
type PatternMatcher struct {
	Pattern *Pattern
	Child   Handler
}

// NewPatternMatcher compiles pattern; see Pattern for the grammar.
func NewPatternMatcher(pattern string, child Handler) (*PatternMatcher, error) {
	p, err := CompilePattern(pattern)
	if err != nil {
		return nil, err
	}
	return &PatternMatcher{Pattern: p, Child: child}, nil
}

// Handle matches and delegates. The first capture of a name wins: a
// value already present in args is not overwritten.
func (m *PatternMatcher) Handle(req *Request) (bool, error) {
	caps, ok := m.Pattern.Match(req.Path)
	if !ok {
		return false, nil
	}
	for _, cap := range caps {
		req.Args.SetDefault(cap.Name, cap.Value)
	}
	return m.Child.Handle(req)
}

// URLHandler is a PatternMatcher whose pattern may be a subpath prefix;
// the remainder of the path continues to route inside the child.
type URLHandler struct {
	matcher *PatternMatcher
}

// NewURLHandler compiles pattern as a prefix pattern.
func NewURLHandler(pattern string, child Handler) (*URLHandler, error) {
	p, err := CompilePatternPrefix(pattern)
	if err != nil {
		return nil, err
	}
	return &URLHandler{&PatternMatcher{Pattern: p, Child: child}}, nil
}

// Handle delegates to the embedded matcher.
func (u *URLHandler) Handle(req *Request) (bool, error) {
	return u.matcher.Handle(req)
}
