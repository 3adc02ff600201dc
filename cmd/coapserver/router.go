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

package main

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/coap-engine/coapcore"
	"github.com/fxamacker/cbor/v2"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var errInvalidConfigDoc = errors.New("coapserver: stored config document is not valid JSON")

// router is the example resource tree: /time (Observable), /echo, /config
// and /sensor. A real deployment would hang its own resources off the same
// coap.Resource interface; this one exists to exercise the endpoint end to
// end.
type router struct {
	mu        sync.Mutex
	configRaw []byte // JSON document, edited in place with sjson/gjson
	timeSubs  map[int]func(*coap.Message)
	nextSubID int
}

func newRouter() *router {
	return &router{
		configRaw: []byte(`{"interval":"1s","unit":"celsius"}`),
		timeSubs:  make(map[int]func(*coap.Message)),
	}
}

// sensorReading is the body of /sensor, encoded as CBOR rather than JSON to
// exercise the CBOR content-format path.
type sensorReading struct {
	CelsiusTenths int64  `cbor:"t"`
	Unit          string `cbor:"u"`
}

func (r *router) Dispatch(ctx context.Context, req *coap.Request) (coap.ResponseFuture, error) {
	path := strings.Join(req.Path, "/")
	switch {
	case path == "time":
		return r.dispatchTime(req)
	case path == "echo":
		return r.dispatchEcho(req)
	case path == "config":
		return r.dispatchConfig(req)
	case path == "sensor":
		return r.dispatchSensor(req)
	default:
		return nil, &coap.NotFoundError{Path: path}
	}
}

func (r *router) dispatchTime(req *coap.Request) (coap.ResponseFuture, error) {
	if req.Message.Code != coap.CodeGET {
		return nil, &coap.MethodNotAllowedError{Path: "time", Method: req.Message.Code}
	}
	resp := &coap.Message{Code: coap.CodeContent, Payload: []byte(time.Now().UTC().Format(time.RFC3339))}
	resp.Options.SetContentFormat(coap.MediaTypeTextPlain)
	return coap.NewResolvedFuture(resp), nil
}

func (r *router) dispatchEcho(req *coap.Request) (coap.ResponseFuture, error) {
	if req.Message.Code != coap.CodePOST {
		return nil, &coap.MethodNotAllowedError{Path: "echo", Method: req.Message.Code}
	}
	resp := &coap.Message{Code: coap.CodeChanged, Payload: req.Message.Payload}
	if cf, ok := req.Message.Options.ContentFormat(); ok {
		resp.Options.SetContentFormat(cf)
	}
	return coap.NewResolvedFuture(resp), nil
}

// dispatchConfig serves a small JSON document, read and patched with
// gjson/sjson rather than a full unmarshal-mutate-marshal round trip.
func (r *router) dispatchConfig(req *coap.Request) (coap.ResponseFuture, error) {
	switch req.Message.Code {
	case coap.CodeGET:
		r.mu.Lock()
		body := append([]byte(nil), r.configRaw...)
		r.mu.Unlock()
		if !gjson.ValidBytes(body) {
			return nil, &coap.InternalError{Err: errInvalidConfigDoc}
		}
		resp := &coap.Message{Code: coap.CodeContent, Payload: body}
		resp.Options.SetContentFormat(coap.MediaTypeJSON)
		return coap.NewResolvedFuture(resp), nil
	case coap.CodePUT:
		if !gjson.ValidBytes(req.Message.Payload) {
			return nil, &coap.UnsupportedContentFormatError{Format: coap.MediaTypeJSON}
		}
		r.mu.Lock()
		merged := append([]byte(nil), r.configRaw...)
		var err error
		gjson.ParseBytes(req.Message.Payload).ForEach(func(key, value gjson.Result) bool {
			merged, err = sjson.SetBytes(merged, key.String(), value.Value())
			return err == nil
		})
		if err == nil {
			r.configRaw = merged
		}
		r.mu.Unlock()
		if err != nil {
			return nil, &coap.InternalError{Err: err}
		}
		return coap.NewResolvedFuture(&coap.Message{Code: coap.CodeChanged}), nil
	default:
		return nil, &coap.MethodNotAllowedError{Path: "config", Method: req.Message.Code}
	}
}

// dispatchSensor serves a CBOR-encoded reading on GET, exercising the CBOR
// content-format path (RFC 7252 section 12.3, media type 60).
func (r *router) dispatchSensor(req *coap.Request) (coap.ResponseFuture, error) {
	if req.Message.Code != coap.CodeGET {
		return nil, &coap.MethodNotAllowedError{Path: "sensor", Method: req.Message.Code}
	}
	body, err := cbor.Marshal(sensorReading{CelsiusTenths: 215, Unit: "celsius"})
	if err != nil {
		return nil, &coap.InternalError{Err: err}
	}
	resp := &coap.Message{Code: coap.CodeContent, Payload: body}
	resp.Options.SetContentFormat(coap.MediaTypeCBOR)
	return coap.NewResolvedFuture(resp), nil
}

// Subscribe implements coap.Observable for /time: every tick from runClock
// is pushed to onChange until unsubscribe is called.
func (r *router) Subscribe(path []string, onChange func(*coap.Message)) func() {
	if strings.Join(path, "/") != "time" {
		return func() {}
	}
	r.mu.Lock()
	id := r.nextSubID
	r.nextSubID++
	r.timeSubs[id] = onChange
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.timeSubs, id)
		r.mu.Unlock()
	}
}

// runClock ticks /time notifications to every subscriber until ctx is done.
func (r *router) runClock(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			resp := &coap.Message{Code: coap.CodeContent, Payload: []byte(now.UTC().Format(time.RFC3339))}
			resp.Options.SetContentFormat(coap.MediaTypeTextPlain)
			r.mu.Lock()
			subs := make([]func(*coap.Message), 0, len(r.timeSubs))
			for _, fn := range r.timeSubs {
				subs = append(subs, fn)
			}
			r.mu.Unlock()
			for _, fn := range subs {
				fn(resp)
			}
		}
	}
}
