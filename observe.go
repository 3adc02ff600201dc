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
	"net"
	"sync"
	"time"
)

// freshnessWindow is the gap after which a notification counts as fresher
// than the previous one whatever its sequence number (RFC 7641 section 3.4).
const freshnessWindow = 128 * time.Second

const sequenceModulus = 1 << 24
const sequenceHalf = 1 << 23

// isFresherNotification reports whether a notification observed at t2 with
// sequence v2 supersedes one observed at t1 with sequence v1, per RFC 7641
// section 3.4's freshness rule.
func isFresherNotification(v1 uint32, t1 time.Time, v2 uint32, t2 time.Time) bool {
	if t2.Sub(t1) > freshnessWindow {
		return true
	}
	if v1 < v2 && v2-v1 < sequenceHalf {
		return true
	}
	if v1 > v2 && v1-v2 > sequenceHalf {
		return true
	}
	return false
}

// clientObservation tracks the freshness state of a client-side
// registration so stale reordered notifications can be dropped.
type clientObservation struct {
	lastSeq  uint32
	lastTime time.Time
	haveSeq  bool
}

// accept applies the freshness rule and updates the tracked state,
// reporting whether the caller should deliver this notification.
func (c *clientObservation) accept(seq uint32, now time.Time) bool {
	if !c.haveSeq {
		c.haveSeq = true
		c.lastSeq, c.lastTime = seq, now
		return true
	}
	if !isFresherNotification(c.lastSeq, c.lastTime, seq, now) {
		return false
	}
	c.lastSeq, c.lastTime = seq, now
	return true
}

// serverObservation is one (peer, token) registration on a resource
// (RFC 7641 section 4.1).
type serverObservation struct {
	peer         net.Addr
	token        Token
	path         []string
	seq          uint32
	lastNotified time.Time
	unsubscribe  func()
}

func (o *serverObservation) nextSeq() uint32 {
	o.seq = (o.seq + 1) % sequenceModulus
	o.lastNotified = time.Now()
	return o.seq
}

// observeRegistry holds every active server-side observation, keyed by
// (peer, token).
type observeRegistry struct {
	mu  sync.Mutex
	obs map[string]*serverObservation
}

func newObserveRegistry() *observeRegistry {
	return &observeRegistry{obs: make(map[string]*serverObservation)}
}

func observeKey(peer net.Addr, token Token) string {
	return addrKey(peer) + "\x00" + string(token)
}

func (r *observeRegistry) add(o *serverObservation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := observeKey(o.peer, o.token)
	if old, ok := r.obs[key]; ok && old.unsubscribe != nil {
		old.unsubscribe()
	}
	r.obs[key] = o
}

func (r *observeRegistry) remove(peer net.Addr, token Token) {
	key := observeKey(peer, token)
	r.mu.Lock()
	o, ok := r.obs[key]
	if ok {
		delete(r.obs, key)
	}
	r.mu.Unlock()
	if ok && o.unsubscribe != nil {
		o.unsubscribe()
	}
}

func (r *observeRegistry) get(peer net.Addr, token Token) (*serverObservation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.obs[observeKey(peer, token)]
	return o, ok
}

func (r *observeRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.obs)
}
