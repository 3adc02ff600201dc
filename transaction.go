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
	"math/rand"
	"net"
	"sync"
	"time"
)

// peerMID keys the recent-ID caches by (peer, message ID).
type peerMID struct {
	peer string
	mid  uint16
}

// transaction tracks one outgoing CON awaiting ACK/RST. Resolution is
// implicit in removal from messageLayer.local.
type transaction struct {
	mid      uint16
	peer     net.Addr
	raw      []byte
	attempts int
	timer    TimerHandle

	// onAck is invoked once, with the piggybacked response (nil for an
	// empty ACK) or with ack=false on RST. It is not invoked on timeout.
	onAck func(ack bool, msg *Message)
	// onTimeout is invoked once the retransmit budget is exhausted.
	onTimeout func()
}

// remoteEntry remembers a message ID we've already processed from a peer,
// so a retransmitted CON is answered identically instead of re-dispatched
// (RFC 7252 section 4.5).
type remoteEntry struct {
	cachedReply []byte
	timer       TimerHandle
}

// messageLayer implements CON retransmit, ACK/RST matching and message-ID
// dedup (RFC 7252 sections 4.2 and 4.5). It owns the two recent-ID caches
// and is the only thing that touches the wire directly.
type messageLayer struct {
	mu sync.Mutex

	conn   net.PacketConn
	timers TimerService
	logger Logger
	cfg    Config
	rng    *rand.Rand
	rngMu  sync.Mutex

	nextMID uint32 // low 16 bits used, incremented atomically-by-mutex

	local  map[peerMID]*transaction
	remote map[peerMID]*remoteEntry

	metrics *metricsCollector
}

func newMessageLayer(conn net.PacketConn, timers TimerService, logger Logger, cfg Config, metrics *metricsCollector) *messageLayer {
	seed := time.Now().UnixNano()
	l := &messageLayer{
		conn:    conn,
		timers:  timers,
		logger:  logger,
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(seed)),
		local:   make(map[peerMID]*transaction),
		remote:  make(map[peerMID]*remoteEntry),
		metrics: metrics,
	}
	l.nextMID = uint32(l.rng.Intn(1 << 16))
	return l
}

func addrKey(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.Network() + "|" + a.String()
}

// nextMessageID returns the next MID, a monotonic u16 counter seeded
// randomly and wrapping on overflow (RFC 7252 section 4.4).
func (l *messageLayer) nextMessageID() uint16 {
	l.mu.Lock()
	defer l.mu.Unlock()
	mid := uint16(l.nextMID)
	l.nextMID = (l.nextMID + 1) & 0xffff
	return mid
}

func (l *messageLayer) ackTimeout() time.Duration {
	l.rngMu.Lock()
	factor := 1 + l.rng.Float64()*(l.cfg.ACKRandomFactor-1)
	l.rngMu.Unlock()
	return time.Duration(float64(l.cfg.ACKTimeout) * factor)
}

func (l *messageLayer) write(raw []byte, peer net.Addr) error {
	_, err := l.conn.WriteTo(raw, peer)
	return err
}

// sendCON sends msg as a confirmable message, assigning a fresh MID and
// scheduling retransmission. onAck is called at most once, when the
// exchange resolves (ACK, RST) or onTimeout fires (never both).
func (l *messageLayer) sendCON(msg *Message, onAck func(ack bool, resp *Message), onTimeout func()) error {
	msg.Type = Confirmable
	msg.MessageID = l.nextMessageID()
	raw, err := Encode(msg)
	if err != nil {
		return err
	}
	tx := &transaction{
		mid:       msg.MessageID,
		peer:      msg.Remote,
		raw:       raw,
		onAck:     onAck,
		onTimeout: onTimeout,
	}
	key := peerMID{peer: addrKey(msg.Remote), mid: msg.MessageID}
	l.mu.Lock()
	l.local[key] = tx
	l.mu.Unlock()

	if err := l.write(raw, msg.Remote); err != nil {
		l.mu.Lock()
		delete(l.local, key)
		l.mu.Unlock()
		return err
	}
	tx.timer = l.timers.Schedule(l.ackTimeout(), func() { l.onRetransmitTimer(key) })
	return nil
}

func (l *messageLayer) onRetransmitTimer(key peerMID) {
	l.mu.Lock()
	tx, ok := l.local[key]
	if !ok {
		l.mu.Unlock()
		return
	}
	if tx.attempts >= l.cfg.MaxRetransmit {
		delete(l.local, key)
		l.mu.Unlock()
		if l.metrics != nil {
			l.metrics.timeouts.Inc()
		}
		if tx.onTimeout != nil {
			tx.onTimeout()
		}
		return
	}
	tx.attempts++
	l.mu.Unlock()

	if err := l.write(tx.raw, tx.peer); err != nil {
		l.logger.Printf("coap: retransmit to %v failed: %s", tx.peer, err)
	}
	if l.metrics != nil {
		l.metrics.retransmits.Inc()
	}
	// Double the timeout per retransmission; the wait after the final
	// retransmission reuses the last interval rather than doubling again.
	exp := tx.attempts
	if exp > l.cfg.MaxRetransmit-1 {
		exp = l.cfg.MaxRetransmit - 1
	}
	delay := l.ackTimeout()
	for i := 0; i < exp; i++ {
		delay *= 2
	}
	tx.timer = l.timers.Schedule(delay, func() { l.onRetransmitTimer(key) })
}

// sendNON sends msg as a non-confirmable message with a fresh MID. No
// retransmission, no transaction.
func (l *messageLayer) sendNON(msg *Message) error {
	msg.Type = NonConfirmable
	msg.MessageID = l.nextMessageID()
	raw, err := Encode(msg)
	if err != nil {
		return err
	}
	return l.write(raw, msg.Remote)
}

// sendEmptyACK sends an empty ACK with the given MID (suppressing the
// peer's retransmit of a CON while the response is prepared asynchronously,
// or piggy-backing nothing when there is no response).
func (l *messageLayer) sendEmptyACK(mid uint16, peer net.Addr) error {
	raw, err := Encode(&Message{Type: Acknowledgement, Code: CodeEmpty, MessageID: mid, Remote: peer})
	if err != nil {
		return err
	}
	return l.write(raw, peer)
}

// sendRST sends an empty Reset with the given MID.
func (l *messageLayer) sendRST(mid uint16, peer net.Addr) error {
	raw, err := Encode(&Message{Type: Reset, Code: CodeEmpty, MessageID: mid, Remote: peer})
	if err != nil {
		return err
	}
	return l.write(raw, peer)
}

// cancel aborts a pending CON transaction without invoking onTimeout or
// onAck. Used for caller-initiated cancellation.
func (l *messageLayer) cancel(peer net.Addr, mid uint16) {
	key := peerMID{peer: addrKey(peer), mid: mid}
	l.mu.Lock()
	tx, ok := l.local[key]
	if ok {
		delete(l.local, key)
	}
	l.mu.Unlock()
	if ok && tx.timer != nil {
		tx.timer.Cancel()
	}
}

// inboundKind classifies what handleInbound decided to do with a datagram.
type inboundKind int

const (
	// inboundDeliver means msg should be handed to the rest of the stack
	// (matcher / resource dispatch).
	inboundDeliver inboundKind = iota
	// inboundConsumed means the message layer fully handled this datagram
	// (an ACK/RST resolving a transaction, or a deduped resend) and there
	// is nothing further to do.
	inboundConsumed
	// inboundRejected means the datagram failed to decode and the caller
	// should consider replying with an error or RST. An ACK/RST matching no
	// transaction is reported as inboundConsumed, not rejected.
	inboundRejected
)

// handleInbound applies dedup and ACK/RST matching to a freshly decoded
// datagram. It returns inboundDeliver with the message to process further,
// inboundConsumed if the message layer fully handled it (including
// resending a cached reply on a duplicate CON), or inboundRejected with the
// decode error.
func (l *messageLayer) handleInbound(raw []byte, peer net.Addr) (*Message, inboundKind, error) {
	msg, err := Decode(raw)
	if msg != nil {
		msg.Remote = peer
	}
	if err != nil {
		return msg, inboundRejected, err
	}

	switch msg.Type {
	case Acknowledgement, Reset:
		key := peerMID{peer: addrKey(peer), mid: msg.MessageID}
		l.mu.Lock()
		tx, ok := l.local[key]
		if ok {
			delete(l.local, key)
		}
		l.mu.Unlock()
		if !ok {
			return msg, inboundConsumed, nil
		}
		if tx.timer != nil {
			tx.timer.Cancel()
		}
		if msg.Type == Reset {
			if tx.onAck != nil {
				tx.onAck(false, nil)
			}
			return msg, inboundConsumed, nil
		}
		// ACK: empty means "separate response incoming", non-empty means
		// piggy-backed. Either way the retransmit timer is already
		// cancelled; the caller decides what, if anything, happens next.
		if tx.onAck != nil {
			if msg.IsEmpty() {
				tx.onAck(true, nil)
			} else {
				tx.onAck(true, msg)
			}
		}
		return msg, inboundConsumed, nil

	case Confirmable, NonConfirmable:
		key := peerMID{peer: addrKey(peer), mid: msg.MessageID}
		l.mu.Lock()
		entry, dup := l.remote[key]
		l.mu.Unlock()
		if dup {
			if entry.cachedReply != nil {
				if err := l.write(entry.cachedReply, peer); err != nil {
					l.logger.Printf("coap: resend of cached reply to %v failed: %s", peer, err)
				}
			} else if msg.Type == Confirmable {
				if err := l.sendEmptyACK(msg.MessageID, peer); err != nil {
					l.logger.Printf("coap: duplicate ACK to %v failed: %s", peer, err)
				}
			}
			if l.metrics != nil {
				l.metrics.dedupHits.Inc()
			}
			return msg, inboundConsumed, nil
		}
		l.mu.Lock()
		l.remote[key] = &remoteEntry{
			timer: l.timers.Schedule(l.cfg.ExchangeLifetime, func() { l.expireRemote(key) }),
		}
		l.mu.Unlock()
		return msg, inboundDeliver, nil
	}
	return msg, inboundDeliver, nil
}

func (l *messageLayer) expireRemote(key peerMID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.remote, key)
}

// rememberReply caches the bytes of the reply sent for an inbound CON/NON
// so a retransmitted duplicate gets the identical reply instead of being
// redispatched (RFC 7252 section 4.5).
func (l *messageLayer) rememberReply(peer net.Addr, mid uint16, raw []byte) {
	key := peerMID{peer: addrKey(peer), mid: mid}
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok := l.remote[key]; ok {
		entry.cachedReply = raw
	}
}
