// Copyright 2024 The CoAP Core Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package coap

import "errors"

// CodedError is implemented by errors that suggest a CoAP response code,
// so the message layer can turn a handler failure into a concrete wire
// response instead of always falling back to 5.00.
type CodedError interface {
	error
	Code() Code
}

// FormatError reports malformed wire data: bad header, bad option
// encoding, or a payload marker with no payload. Reply 4.00 (server) or
// RST (client, unexpected).
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string { return "coap: malformed message: " + e.Reason }
func (e *FormatError) Code() Code    { return CodeBadRequest }

// BadOptionError reports an unrecognized critical option. Reply 4.02.
type BadOptionError struct {
	Number OptionNumber
}

func (e *BadOptionError) Error() string {
	return "coap: unrecognized critical option " + e.Number.String()
}
func (e *BadOptionError) Code() Code { return CodeBadOption }

func (n OptionNumber) String() string {
	return "#" + itoa(uint32(n))
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// UnsupportedContentFormatError reports a Content-Format the handler
// cannot parse. Reply 4.15.
type UnsupportedContentFormatError struct {
	Format MediaType
}

func (e *UnsupportedContentFormatError) Error() string {
	return "coap: unsupported content format " + e.Format.String()
}
func (e *UnsupportedContentFormatError) Code() Code { return CodeUnsupportedContentFmt }

// NotFoundError reports no handler for a URI-Path. Reply 4.04.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string { return "coap: no resource at /" + e.Path }
func (e *NotFoundError) Code() Code    { return CodeNotFound }

// MethodNotAllowedError reports a resource that exists but rejects the
// request method. Reply 4.05.
type MethodNotAllowedError struct {
	Path   string
	Method Code
}

func (e *MethodNotAllowedError) Error() string {
	return "coap: method " + e.Method.String() + " not allowed on /" + e.Path
}
func (e *MethodNotAllowedError) Code() Code { return CodeMethodNotAllowed }

// TimeoutError reports that a CON's retransmit budget was exhausted
// without an ACK.
type TimeoutError struct {
	Attempts int
}

func (e *TimeoutError) Error() string { return "coap: timed out after retransmit budget exhausted" }

// ErrReset is returned to an exchange when the peer sends RST.
var ErrReset = errors.New("coap: peer reset the exchange")

// ErrCancelled marks a handler's ResponseFuture that was closed without a
// response; the endpoint answers such a request with 5.00. A Request whose
// context ends returns the context's error, not ErrCancelled.
var ErrCancelled = errors.New("coap: exchange cancelled")

// InternalError wraps an uncategorized handler failure. Reply 5.00.
type InternalError struct {
	Err error
}

func (e *InternalError) Error() string { return "coap: internal error: " + e.Err.Error() }
func (e *InternalError) Unwrap() error { return e.Err }
func (e *InternalError) Code() Code    { return CodeInternalServerError }

// codeForError recovers a suggested response code from err, defaulting to
// 5.00 Internal Server Error when err does not implement CodedError.
func codeForError(err error) Code {
	var ce CodedError
	if errors.As(err, &ce) {
		return ce.Code()
	}
	return CodeInternalServerError
}
