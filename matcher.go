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
	"context"
	"crypto/rand"
	"net"
	"sync"

	"go.uber.org/atomic"
)

// exchange is the client-side correlator for one outstanding request. It
// lives from Endpoint.Request until a non-observe final response arrives,
// a timeout/reset occurs, or (for Observe) the caller cancels.
type exchange struct {
	token  Token
	peer   net.Addr
	req    *Message // original request, template for Block2 continuation GETs
	result chan exchangeResult

	observeCB func(*Message)
	observing atomic.Bool

	block *clientBlockState

	once sync.Once
}

type exchangeResult struct {
	msg *Message
	err error
}

func (ex *exchange) resolve(msg *Message, err error) {
	ex.once.Do(func() {
		ex.result <- exchangeResult{msg: msg, err: err}
		close(ex.result)
	})
}

// matcher correlates responses to outstanding requests by token
// (RFC 7252 section 5.3.1). Tokens are allocated from a CSPRNG plus a
// monotonic counter so two in-flight requests never collide.
type matcher struct {
	mu      sync.Mutex
	byToken map[string]*exchange
	counter atomic.Uint64
}

func newMatcher() *matcher {
	return &matcher{byToken: make(map[string]*exchange)}
}

func tokenKey(peer net.Addr, token Token) string {
	return addrKey(peer) + "\x00" + string(token)
}

// newToken generates a token recommended to be collision-free for the
// given peer: 7 CSPRNG bytes plus one monotonic counter byte.
func (m *matcher) newToken() Token {
	tok := make(Token, MaxTokenLength)
	_, _ = rand.Read(tok[:7])
	tok[7] = byte(m.counter.Add(1))
	return tok
}

func (m *matcher) register(ex *exchange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byToken[tokenKey(ex.peer, ex.token)] = ex
}

func (m *matcher) lookup(peer net.Addr, token Token) (*exchange, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ex, ok := m.byToken[tokenKey(peer, token)]
	return ex, ok
}

func (m *matcher) remove(peer net.Addr, token Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byToken, tokenKey(peer, token))
}

func (m *matcher) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byToken)
}

// waitFirstResponse blocks until the exchange's first (possibly
// reassembled) response arrives, or ctx is done.
func waitFirstResponse(ctx context.Context, ex *exchange) (*Message, error) {
	select {
	case r := <-ex.result:
		return r.msg, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
