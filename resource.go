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

import "context"

// Request is what the endpoint hands to a Resource: a fully decoded
// request message with URI-Path already split into segments.
type Request struct {
	Message *Message
	Path    []string
}

// ResponseFuture is what a Resource hands back: a channel of exactly one
// response, closed after it is sent. Handlers that can answer immediately
// should send and close before returning; handlers doing slow work return
// an unresolved future and complete it later from another goroutine.
type ResponseFuture chan *Message

// NewResolvedFuture returns a future already carrying resp.
func NewResolvedFuture(resp *Message) ResponseFuture {
	f := make(ResponseFuture, 1)
	f <- resp
	close(f)
	return f
}

// Resource is the application-level collaborator the core dispatches
// decoded requests to. It is borrowed, never owned: the core never holds
// a reference to resource state beyond the duration of one Dispatch call
// (or, for Observe, the lifetime of a subscription obtained through
// Observable).
type Resource interface {
	// Dispatch handles one request and returns a future for its response.
	// Returning an error maps to 5.00 unless the error implements CodedError.
	Dispatch(ctx context.Context, req *Request) (ResponseFuture, error)
}

// ResourceFunc adapts a plain function to a Resource, the way http.HandlerFunc does for http.Handler.
type ResourceFunc func(ctx context.Context, req *Request) (ResponseFuture, error)

// Dispatch calls f.
func (f ResourceFunc) Dispatch(ctx context.Context, req *Request) (ResponseFuture, error) {
	return f(ctx, req)
}

// Observable is implemented by a Resource that supports the Observe
// extension. Subscribe registers a callback invoked with the resource's
// current representation whenever it changes; the returned unsubscribe
// function must be safe to call more than once.
type Observable interface {
	Subscribe(path []string, onChange func(*Message)) (unsubscribe func())
}
