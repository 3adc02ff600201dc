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
	"net"
	"testing"
)

// noopTimerHandle discards Cancel; used where a test never lets a block
// entry's lifetime timer actually fire.
type noopTimerHandle struct{}

func (noopTimerHandle) Cancel() {}

func noLifetime(fn func()) TimerHandle { return noopTimerHandle{} }

func testPeer() net.Addr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5683}
}

func TestBlockEngineServerBlock2Retrieval(t *testing.T) {
	e := newBlockEngine(NewRealTimerService())
	peer := testPeer()
	token := Token{1, 2, 3}
	payload := bytes.Repeat([]byte("y"), 2500)

	first, bv := e.storeBlock2(peer, token, payload, SZX1024, 0, false, noLifetime)
	if len(first) != 1024 || !bv.More || bv.Num != 0 {
		t.Fatalf("storeBlock2() first block = len %d, bv=%+v", len(first), bv)
	}

	chunk1, bv1, _, _, ok := e.blockAt(peer, token, 1, SZX1024)
	if !ok || len(chunk1) != 1024 || !bv1.More {
		t.Fatalf("blockAt(1) = ok=%v len=%d bv=%+v", ok, len(chunk1), bv1)
	}
	chunk2, bv2, _, _, ok := e.blockAt(peer, token, 2, SZX1024)
	if !ok || len(chunk2) != 452 || bv2.More {
		t.Fatalf("blockAt(2) = ok=%v len=%d bv=%+v", ok, len(chunk2), bv2)
	}

	reassembled := append(append(append([]byte{}, first...), chunk1...), chunk2...)
	if !bytes.Equal(reassembled, payload) {
		t.Errorf("reassembled payload mismatch")
	}
}

func TestBlockEngineBlockAtUnknownToken(t *testing.T) {
	e := newBlockEngine(NewRealTimerService())
	_, _, _, _, ok := e.blockAt(testPeer(), Token{9}, 0, SZX64)
	if ok {
		t.Errorf("blockAt() on unknown token ok = true, want false")
	}
}

func TestBlockEngineAcceptBlock1Upload(t *testing.T) {
	e := newBlockEngine(NewRealTimerService())
	peer := testPeer()
	token := Token{0xaa}

	full, done, ok := e.acceptBlock1(peer, token, BlockValue{Num: 0, More: true, SZX: SZX16}, []byte("0123456789012345"), noLifetime)
	if !ok || done || full != nil {
		t.Fatalf("acceptBlock1(block 0) = ok=%v done=%v full=%v", ok, done, full)
	}
	full, done, ok = e.acceptBlock1(peer, token, BlockValue{Num: 1, More: false, SZX: SZX16}, []byte("tail"), noLifetime)
	if !ok || !done {
		t.Fatalf("acceptBlock1(block 1) = ok=%v done=%v", ok, done)
	}
	want := "0123456789012345tail"
	if string(full) != want {
		t.Errorf("acceptBlock1() reassembled = %q, want %q", full, want)
	}
}

func TestBlockEngineAcceptBlock1RejectsMixedSZX(t *testing.T) {
	e := newBlockEngine(NewRealTimerService())
	peer := testPeer()
	token := Token{0xbb}

	_, _, ok := e.acceptBlock1(peer, token, BlockValue{Num: 0, More: true, SZX: SZX16}, make([]byte, 16), noLifetime)
	if !ok {
		t.Fatalf("acceptBlock1(block 0) ok = false")
	}
	_, _, ok = e.acceptBlock1(peer, token, BlockValue{Num: 1, More: false, SZX: SZX32}, make([]byte, 8), noLifetime)
	if ok {
		t.Errorf("acceptBlock1() with a changed SZX mid-upload ok = true, want false")
	}
}

func TestClientBlockStateNextRequestStripsObserveAndSetsNextBlock2(t *testing.T) {
	base := &Message{
		Type: Confirmable,
		Code: CodeGET,
	}
	base.Options.SetPath("large")
	base.Options.SetObserve(0)

	st := newClientBlockState(base, BlockValue{Num: 0, More: true, SZX: SZX64}, bytes.Repeat([]byte("a"), 64))
	next := st.nextRequest()
	if next.Options.Has(OptionObserve) {
		t.Errorf("nextRequest() kept the Observe option")
	}
	bv, ok := next.Options.Block(OptionBlock2)
	if !ok || bv.Num != 1 {
		t.Fatalf("nextRequest() Block2 = (%+v, %v), want Num=1", bv, ok)
	}
	if next.Path() != "large" {
		t.Errorf("nextRequest() Path() = %q, want %q", next.Path(), "large")
	}
}
