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

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"
)

// echoResource is a small Resource/Observable used to exercise Endpoint
// end-to-end over real loopback sockets.
type echoResource struct {
	mu       sync.Mutex
	onChange func(*Message)
}

func (r *echoResource) Dispatch(_ context.Context, req *Request) (ResponseFuture, error) {
	switch req.Message.Path() {
	case "echo":
		return NewResolvedFuture(&Message{Code: CodeContent, Payload: append([]byte("echo:"), req.Message.Payload...)}), nil
	case "large":
		return NewResolvedFuture(&Message{Code: CodeContent, Payload: bytes.Repeat([]byte("z"), 2500)}), nil
	case "obs":
		return NewResolvedFuture(&Message{Code: CodeContent, Payload: []byte("v0")}), nil
	default:
		return NewResolvedFuture(&Message{Code: CodeNotFound}), nil
	}
}

func (r *echoResource) Subscribe(_ []string, onChange func(*Message)) func() {
	r.mu.Lock()
	r.onChange = onChange
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		r.onChange = nil
		r.mu.Unlock()
	}
}

func (r *echoResource) notify(payload []byte) {
	r.mu.Lock()
	cb := r.onChange
	r.mu.Unlock()
	if cb != nil {
		cb(&Message{Payload: payload})
	}
}

func startLoopbackPair(t *testing.T, resource Resource) (client *Endpoint, server *Endpoint, serverAddr net.Addr, cleanup func()) {
	t.Helper()
	serverConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket (server): %v", err)
	}
	clientConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket (client): %v", err)
	}

	server = NewEndpoint(serverConn, resource, WithACKTimeout(30*time.Millisecond), WithMaxRetransmit(3))
	client = NewEndpoint(clientConn, nil, WithACKTimeout(30*time.Millisecond), WithMaxRetransmit(3))

	ctx, cancel := context.WithCancel(context.Background())
	go server.Serve(ctx)
	go client.Serve(ctx)

	cleanup = func() {
		cancel()
		server.Close()
		client.Close()
	}
	return client, server, serverConn.LocalAddr(), cleanup
}

func TestEndpointRequestResponseRoundTrip(t *testing.T) {
	client, _, serverAddr, cleanup := startLoopbackPair(t, &echoResource{})
	defer cleanup()

	req := &Message{Type: Confirmable, Code: CodeGET, Remote: serverAddr, Payload: []byte("hi")}
	req.Options.SetPath("echo")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	resp, err := client.Request(ctx, req, nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if resp.Code != CodeContent {
		t.Fatalf("response code = %v, want 2.05", resp.Code)
	}
	if string(resp.Payload) != "echo:hi" {
		t.Errorf("response payload = %q, want %q", resp.Payload, "echo:hi")
	}
}

func TestEndpointBlock2LargeResponseReassembly(t *testing.T) {
	client, _, serverAddr, cleanup := startLoopbackPair(t, &echoResource{})
	defer cleanup()

	req := &Message{Type: Confirmable, Code: CodeGET, Remote: serverAddr}
	req.Options.SetPath("large")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := client.Request(ctx, req, nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	want := bytes.Repeat([]byte("z"), 2500)
	if !bytes.Equal(resp.Payload, want) {
		t.Fatalf("reassembled payload length = %d, want %d", len(resp.Payload), len(want))
	}
}

func TestEndpointObserveDeliversNotifications(t *testing.T) {
	rt := &echoResource{}
	client, _, serverAddr, cleanup := startLoopbackPair(t, rt)
	defer cleanup()

	req := &Message{Type: Confirmable, Code: CodeGET, Remote: serverAddr}
	req.Options.SetPath("obs")
	req.Options.SetObserve(0)

	notifications := make(chan string, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	resp, err := client.Request(ctx, req, func(msg *Message) {
		notifications <- string(msg.Payload)
	})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(resp.Payload) != "v0" {
		t.Fatalf("initial response payload = %q, want %q", resp.Payload, "v0")
	}
	if !resp.Options.Has(OptionObserve) {
		t.Fatalf("initial response did not carry an Observe option")
	}

	// The first response is delivered to the observe callback too, before
	// any push from the server.
	select {
	case got := <-notifications:
		if got != "v0" {
			t.Fatalf("first callback payload = %q, want %q", got, "v0")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for the first-response callback")
	}

	// Give the server a moment to finish registering the subscription
	// before pushing a change.
	time.Sleep(50 * time.Millisecond)
	rt.notify([]byte("v1"))

	select {
	case got := <-notifications:
		if got != "v1" {
			t.Errorf("notification payload = %q, want %q", got, "v1")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for the Observe notification")
	}
}

func TestEndpointConfirmableTimeoutReturnsError(t *testing.T) {
	deadConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	deadAddr := deadConn.LocalAddr()
	deadConn.Close() // nothing will ever answer on this port again

	clientConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	client := NewEndpoint(clientConn, nil, WithACKTimeout(20*time.Millisecond), WithMaxRetransmit(2))
	ctx, cancel := context.WithCancel(context.Background())
	go client.Serve(ctx)
	defer func() {
		cancel()
		client.Close()
	}()

	req := &Message{Type: Confirmable, Code: CodeGET, Remote: deadAddr}
	req.Options.SetPath("echo")

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer reqCancel()
	_, err = client.Request(reqCtx, req, nil)
	if err == nil {
		t.Fatalf("Request() err = nil, want a timeout error")
	}
	if _, ok := err.(*TimeoutError); !ok {
		if reqCtx.Err() == nil {
			t.Fatalf("Request() err = %T (%v), want *TimeoutError", err, err)
		}
	}
}
