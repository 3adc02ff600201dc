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
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

// manualTimer is a TimerHandle whose callback only runs when its owning
// manualTimerService is told to fire it.
type manualTimer struct {
	fn        func()
	cancelled bool
}

func (t *manualTimer) Cancel() { t.cancelled = true }

// manualTimerService records every scheduled callback instead of waiting on
// a real clock, so retransmit/dedup-expiry tests are deterministic.
type manualTimerService struct {
	mu      sync.Mutex
	pending []*manualTimer
}

func (s *manualTimerService) Schedule(_ time.Duration, fn func()) TimerHandle {
	t := &manualTimer{fn: fn}
	s.mu.Lock()
	s.pending = append(s.pending, t)
	s.mu.Unlock()
	return t
}

// fireNext runs the oldest not-yet-cancelled pending timer and removes it.
func (s *manualTimerService) fireNext() bool {
	s.mu.Lock()
	var t *manualTimer
	for len(s.pending) > 0 {
		t = s.pending[0]
		s.pending = s.pending[1:]
		if t.cancelled {
			t = nil
			continue
		}
		break
	}
	s.mu.Unlock()
	if t == nil {
		return false
	}
	t.fn()
	return true
}

func (s *manualTimerService) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// fakePacketConn records every WriteTo call; ReadFrom is never exercised by
// these tests since decoding is driven directly through handleInbound.
type fakePacketConn struct {
	mu     sync.Mutex
	writes [][]byte
}

func (c *fakePacketConn) WriteTo(p []byte, _ net.Addr) (int, error) {
	c.mu.Lock()
	c.writes = append(c.writes, append([]byte(nil), p...))
	c.mu.Unlock()
	return len(p), nil
}
func (c *fakePacketConn) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}
func (c *fakePacketConn) ReadFrom([]byte) (int, net.Addr, error) { return 0, nil, errors.New("unused") }
func (c *fakePacketConn) Close() error                           { return nil }
func (c *fakePacketConn) LocalAddr() net.Addr                    { return testPeer() }
func (c *fakePacketConn) SetDeadline(time.Time) error            { return nil }
func (c *fakePacketConn) SetReadDeadline(time.Time) error        { return nil }
func (c *fakePacketConn) SetWriteDeadline(time.Time) error       { return nil }

func newTestMessageLayer() (*messageLayer, *fakePacketConn, *manualTimerService) {
	conn := &fakePacketConn{}
	timers := &manualTimerService{}
	cfg := NewConfig(WithMaxRetransmit(4))
	l := newMessageLayer(conn, timers, nopLogger{}, cfg, nil)
	return l, conn, timers
}

func TestMessageLayerSendCONSchedulesRetransmit(t *testing.T) {
	l, conn, timers := newTestMessageLayer()
	peer := testPeer()
	msg := &Message{Code: CodeGET, Remote: peer}

	if err := l.sendCON(msg, func(bool, *Message) {}, func() {}); err != nil {
		t.Fatalf("sendCON: %v", err)
	}
	if conn.writeCount() != 1 {
		t.Fatalf("writeCount() = %d, want 1", conn.writeCount())
	}
	if timers.count() != 1 {
		t.Fatalf("pending timers = %d, want 1", timers.count())
	}
}

func TestMessageLayerRetransmitUntilExhausted(t *testing.T) {
	l, conn, timers := newTestMessageLayer()
	peer := testPeer()
	msg := &Message{Code: CodeGET, Remote: peer}

	var timedOut bool
	if err := l.sendCON(msg, func(bool, *Message) {}, func() { timedOut = true }); err != nil {
		t.Fatalf("sendCON: %v", err)
	}

	// MaxRetransmit is 4: the initial send plus 4 retransmits go out, and
	// the timer expiry after the final retransmit exhausts the budget.
	for i := 0; i < 4; i++ {
		if !timers.fireNext() {
			t.Fatalf("fireNext() returned false on retransmit %d", i+1)
		}
	}
	if conn.writeCount() != 5 {
		t.Fatalf("writeCount() after 4 retransmits = %d, want 5", conn.writeCount())
	}
	if timedOut {
		t.Fatalf("onTimeout fired before MaxRetransmit was reached")
	}

	if !timers.fireNext() {
		t.Fatalf("fireNext() returned false on the expiry after the final retransmit")
	}
	if !timedOut {
		t.Errorf("onTimeout did not fire once MaxRetransmit was reached")
	}
}

func TestMessageLayerACKResolvesAndCancelsTimer(t *testing.T) {
	l, _, timers := newTestMessageLayer()
	peer := testPeer()
	msg := &Message{Code: CodeGET, Remote: peer}

	var acked bool
	var gotResp *Message
	if err := l.sendCON(msg, func(ack bool, resp *Message) {
		acked = ack
		gotResp = resp
	}, func() {}); err != nil {
		t.Fatalf("sendCON: %v", err)
	}

	ackRaw, err := Encode(&Message{Type: Acknowledgement, Code: CodeContent, MessageID: msg.MessageID, Payload: []byte("hi")})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	_, kind, err := l.handleInbound(ackRaw, peer)
	if err != nil || kind != inboundConsumed {
		t.Fatalf("handleInbound(ACK) = (%v, %v)", kind, err)
	}
	if !acked || gotResp == nil || string(gotResp.Payload) != "hi" {
		t.Fatalf("onAck callback = (%v, %+v)", acked, gotResp)
	}
	if timers.fireNext() {
		t.Errorf("retransmit timer still pending after ACK")
	}
}

func TestMessageLayerRSTResolvesWithoutResponse(t *testing.T) {
	l, _, _ := newTestMessageLayer()
	peer := testPeer()
	msg := &Message{Code: CodeGET, Remote: peer}

	var acked = true
	if err := l.sendCON(msg, func(ack bool, resp *Message) {
		acked = ack
	}, func() {}); err != nil {
		t.Fatalf("sendCON: %v", err)
	}

	rstRaw, err := Encode(&Message{Type: Reset, Code: CodeEmpty, MessageID: msg.MessageID})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, kind, err := l.handleInbound(rstRaw, peer); err != nil || kind != inboundConsumed {
		t.Fatalf("handleInbound(RST) = (%v, %v)", kind, err)
	}
	if acked {
		t.Errorf("onAck called with ack=true on a Reset")
	}
}

func TestMessageLayerDedupResendsCachedReply(t *testing.T) {
	l, conn, _ := newTestMessageLayer()
	peer := testPeer()

	reqRaw, err := Encode(&Message{Type: Confirmable, Code: CodeGET, MessageID: 99})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	_, kind, err := l.handleInbound(reqRaw, peer)
	if err != nil || kind != inboundDeliver {
		t.Fatalf("handleInbound(first CON) = (%v, %v)", kind, err)
	}

	reply, err := Encode(&Message{Type: Acknowledgement, Code: CodeContent, MessageID: 99, Payload: []byte("cached")})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	l.rememberReply(peer, 99, reply)

	before := conn.writeCount()
	_, kind, err = l.handleInbound(reqRaw, peer)
	if err != nil || kind != inboundConsumed {
		t.Fatalf("handleInbound(duplicate CON) = (%v, %v)", kind, err)
	}
	if conn.writeCount() != before+1 {
		t.Fatalf("writeCount() after duplicate = %d, want %d", conn.writeCount(), before+1)
	}
	if string(conn.writes[len(conn.writes)-1]) != string(reply) {
		t.Errorf("resent bytes did not match the cached reply")
	}
}
