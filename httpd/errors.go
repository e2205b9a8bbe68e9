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

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an error raised by a handler. The dispatcher maps
// each kind to a fixed HTTP status when writing the error response.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindParse
	KindValidation
	KindKey
	KindAccessDenied
	KindConflict
	KindBodyTooLarge
	KindUnsupportedMethod
	KindUpstream
	KindTimeout
	KindNotImplemented
)

// Status returns the HTTP status code for the error kind.
func (k ErrorKind) Status() int {
	switch k {
	case KindParse, KindValidation:
		return StatusBadRequest
	case KindKey:
		return StatusNotFound
	case KindAccessDenied:
		return StatusUnauthorized
	case KindConflict:
		return StatusConflict
	case KindBodyTooLarge:
		return StatusPayloadTooLarge
	case KindUnsupportedMethod:
		return StatusMethodNotAllowed
	case KindUpstream:
		return StatusBadGateway
	case KindTimeout:
		return StatusGatewayTimeout
	case KindNotImplemented:
		return StatusNotImplemented
	}
	return StatusInternalServerError
}

// Error is a typed error with an optional cause chain. Only the top
// message is exposed in response bodies; the full chain goes to the log.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Status returns the HTTP status the error maps to.
func (e *Error) Status() int { return e.Kind.Status() }

// Errorf creates an *Error of the given kind.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates an *Error of the given kind with err as its cause.
func WrapError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: err}
}

// ErrStatus returns the HTTP status for an arbitrary error: the kind's
// status if it is (or wraps) an *Error, else 500.
func ErrStatus(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status()
	}
	return StatusInternalServerError
}

// ErrMessage returns the client-visible message for an arbitrary error.
// Internal errors are reduced to the generic status phrase so that raw
// details are logged but never sent to the client.
func ErrMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Message
	}
	return StatusPhrase(StatusInternalServerError)
}

// Common HTTP status codes used throughout.
const (
	StatusContinue            = 100
	StatusSwitchingProtocols  = 101
	StatusOK                  = 200
	StatusNoContent           = 204
	StatusMovedPermanently    = 301
	StatusFound               = 302
	StatusTemporaryRedirect   = 307
	StatusNotModified         = 304
	StatusBadRequest          = 400
	StatusUnauthorized        = 401
	StatusForbidden           = 403
	StatusNotFound            = 404
	StatusMethodNotAllowed    = 405
	StatusConflict            = 409
	StatusPayloadTooLarge     = 413
	StatusInternalServerError = 500
	StatusNotImplemented      = 501
	StatusBadGateway          = 502
	StatusServiceUnavailable  = 503
	StatusGatewayTimeout      = 504
)

var statusPhrases = map[int]string{
	StatusContinue:            "Continue",
	StatusSwitchingProtocols:  "Switching Protocols",
	StatusOK:                  "OK",
	201:                       "Created",
	202:                       "Accepted",
	StatusNoContent:           "No Content",
	StatusMovedPermanently:    "Moved Permanently",
	StatusFound:               "Found",
	303:                       "See Other",
	StatusNotModified:         "Not Modified",
	StatusTemporaryRedirect:   "Temporary Redirect",
	308:                       "Permanent Redirect",
	StatusBadRequest:          "Bad Request",
	StatusUnauthorized:        "Unauthorized",
	StatusForbidden:           "Forbidden",
	StatusNotFound:            "Not Found",
	StatusMethodNotAllowed:    "Method Not Allowed",
	408:                       "Request Timeout",
	StatusConflict:            "Conflict",
	StatusPayloadTooLarge:     "Payload Too Large",
	StatusInternalServerError: "Internal Server Error",
	StatusNotImplemented:      "Not Implemented",
	StatusBadGateway:          "Bad Gateway",
	StatusServiceUnavailable:  "Service Unavailable",
	StatusGatewayTimeout:      "Gateway Timeout",
}

// StatusPhrase returns the reason phrase for an HTTP status code.
func StatusPhrase(code int) string {
	if p, ok := statusPhrases[code]; ok {
		return p
	}
	return "Unknown"
}
