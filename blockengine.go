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
)

// clientBlockState tracks an in-progress Block2 download on one exchange
// (RFC 7959 section 2.4). A fresh notification (higher Observe sequence)
// replaces this wholesale, per RFC 7959 section 4.
type clientBlockState struct {
	szx       SZX
	assembled []byte
	nextNum   uint32
	base      *Message // the original request, template for the next block's GET

	// observeSeq/hasObserve remember the Observe value from the first block
	// of a notification so the fully assembled message can carry it again.
	observeSeq uint32
	hasObserve bool
}

// newClientBlockState seeds reassembly from the first response carrying a
// Block2 option. base is the request that elicited it.
func newClientBlockState(base *Message, bv BlockValue, firstChunk []byte) *clientBlockState {
	st := &clientBlockState{szx: bv.SZX, base: base}
	st.assembled = append(st.assembled, firstChunk...)
	st.nextNum = bv.Num + 1
	return st
}

// nextRequest builds the follow-up GET for the next block: identical
// options to the base request except Block2=(nextNum, 0, szx) and no
// payload (RFC 7959 section 2.4).
func (st *clientBlockState) nextRequest() *Message {
	req := &Message{
		Type:    Confirmable,
		Code:    st.base.Code,
		Token:   nil, // endpoint re-applies the original exchange token so the peer's Block2 cache matches
		Options: append(Options(nil), st.base.Options...),
		Remote:  st.base.Remote,
	}
	req.Options.Remove(OptionBlock2)
	req.Options.Remove(OptionObserve) // continuation blocks of a notification carry no Observe option
	_ = req.Options.SetBlock(OptionBlock2, BlockValue{Num: st.nextNum, SZX: st.szx})
	return req
}

func (st *clientBlockState) append(bv BlockValue, chunk []byte) {
	st.assembled = append(st.assembled, chunk...)
	st.nextNum = bv.Num + 1
}

// serverBlock2Entry caches a large response payload so a client can fetch
// it one block at a time (RFC 7959 section 2.4).
type serverBlock2Entry struct {
	payload       []byte
	contentFormat MediaType
	hasCF         bool
	szx           SZX
	timer         TimerHandle
}

// serverBlock1Entry accumulates an in-progress Block1 upload (RFC 7959
// section 2.5), keyed by (peer, token). A mismatched SZX mid-upload is
// rejected rather than guessed at.
type serverBlock1Entry struct {
	buf   []byte
	szx   SZX
	timer TimerHandle
}

// blockEngine holds the endpoint's server-side Block1/Block2 state. Client
// reassembly lives on the exchange (clientBlockState above) since it is
// per-outstanding-request, not endpoint-wide.
type blockEngine struct {
	mu     sync.Mutex
	block2 map[string]*serverBlock2Entry
	block1 map[string]*serverBlock1Entry
	timers TimerService
}

func newBlockEngine(timers TimerService) *blockEngine {
	return &blockEngine{
		block2: make(map[string]*serverBlock2Entry),
		block1: make(map[string]*serverBlock1Entry),
		timers: timers,
	}
}

func blockKey(peer net.Addr, token Token) string {
	return addrKey(peer) + "\x00" + string(token)
}

// storeBlock2 caches a response payload for block-by-block retrieval and
// returns the first block to send immediately.
func (e *blockEngine) storeBlock2(peer net.Addr, token Token, payload []byte, szx SZX, cf MediaType, hasCF bool, lifetime TimerHandleFactory) ([]byte, BlockValue) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := blockKey(peer, token)
	entry := &serverBlock2Entry{payload: payload, contentFormat: cf, hasCF: hasCF, szx: szx}
	if old, ok := e.block2[key]; ok && old.timer != nil {
		old.timer.Cancel()
	}
	entry.timer = lifetime(func() { e.expireBlock2(key) })
	e.block2[key] = entry
	return firstBlock(payload, szx)
}

// TimerHandleFactory schedules fn after the configured ExchangeLifetime;
// defined as a func type so blockEngine doesn't need to know Config.
type TimerHandleFactory func(fn func()) TimerHandle

func firstBlock(payload []byte, szx SZX) ([]byte, BlockValue) {
	blocks := splitBlocks(payload, szx)
	more := len(blocks) > 1
	return blocks[0], BlockValue{Num: 0, More: more, SZX: szx}
}

// blockAt returns the requested block of a cached Block2 payload.
func (e *blockEngine) blockAt(peer net.Addr, token Token, num uint32, szx SZX) (chunk []byte, bv BlockValue, cf MediaType, hasCF bool, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, found := e.block2[blockKey(peer, token)]
	if !found {
		return nil, BlockValue{}, 0, false, false
	}
	if szx > entry.szx {
		// A peer may renegotiate the block size down mid-transfer, never up.
		szx = entry.szx
	}
	blocks := splitBlocks(entry.payload, szx)
	if int(num) >= len(blocks) {
		return nil, BlockValue{}, 0, false, false
	}
	more := int(num) < len(blocks)-1
	return blocks[num], BlockValue{Num: num, More: more, SZX: szx}, entry.contentFormat, entry.hasCF, true
}

func (e *blockEngine) expireBlock2(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.block2, key)
}

func (e *blockEngine) dropBlock2(peer net.Addr, token Token) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := blockKey(peer, token)
	if entry, ok := e.block2[key]; ok {
		if entry.timer != nil {
			entry.timer.Cancel()
		}
		delete(e.block2, key)
	}
}

// acceptBlock1 appends an incoming Block1 chunk to the in-progress upload,
// enforcing a single SZX for the whole sequence. ok=false with done=false
// signals a rejected (mixed-SZX or out-of-sequence) upload; the caller
// should respond 4.08 Request Entity Incomplete.
func (e *blockEngine) acceptBlock1(peer net.Addr, token Token, bv BlockValue, chunk []byte, lifetime TimerHandleFactory) (full []byte, done bool, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := blockKey(peer, token)
	entry, exists := e.block1[key]
	if bv.Num == 0 {
		entry = &serverBlock1Entry{szx: bv.SZX}
		entry.timer = lifetime(func() { e.expireBlock1(key) })
		e.block1[key] = entry
	} else {
		if !exists || entry.szx != bv.SZX || int(bv.Num)*bv.SZX.Size() != len(entry.buf) {
			return nil, false, false
		}
	}
	entry.buf = append(entry.buf, chunk...)
	if !bv.More {
		full := append([]byte(nil), entry.buf...)
		if entry.timer != nil {
			entry.timer.Cancel()
		}
		delete(e.block1, key)
		return full, true, true
	}
	return nil, false, true
}

func (e *blockEngine) expireBlock1(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.block1, key)
}
