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
	"errors"
	"net"
	"strings"
	"sync"
	"time"
)

// Endpoint is one UDP socket speaking CoAP on both the client and server
// side: it can issue requests and await responses, and it can dispatch
// inbound requests to a Resource tree. Everything below it (messageLayer,
// matcher, blockEngine, observeRegistry) runs off a single goroutine driven
// by Serve; Resource handlers may run concurrently and report back through
// a ResponseFuture.
type Endpoint struct {
	conn     net.PacketConn
	resource Resource
	cfg      Config
	logger   Logger
	timers   TimerService

	msgs    *messageLayer
	match   *matcher
	blocks  *blockEngine
	observe *observeRegistry
	metrics *metricsCollector

	clientObsMu sync.Mutex
	clientObs   map[string]*clientObservation

	nstart chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// NewEndpoint builds an Endpoint around an already-bound PacketConn. If
// resource is nil the endpoint only makes outbound requests and replies
// 5.01 to anything inbound.
func NewEndpoint(conn net.PacketConn, resource Resource, opts ...ConfigOption) *Endpoint {
	cfg := NewConfig(opts...)
	timers := cfg.Timers
	if timers == nil {
		timers = NewRealTimerService()
	}

	var mc *metricsCollector
	if m, ok := cfg.Metrics.(*metricsCollector); ok {
		mc = m
	}

	ep := &Endpoint{
		conn:      conn,
		resource:  resource,
		cfg:       cfg,
		logger:    cfg.Logger,
		timers:    timers,
		match:     newMatcher(),
		blocks:    newBlockEngine(timers),
		observe:   newObserveRegistry(),
		metrics:   mc,
		clientObs: make(map[string]*clientObservation),
		nstart:    make(chan struct{}, maxInt(cfg.NSTART, 1)),
		closed:    make(chan struct{}),
	}
	ep.msgs = newMessageLayer(conn, timers, ep.logger, cfg, mc)
	return ep
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (e *Endpoint) lifetime(fn func()) TimerHandle {
	return e.timers.Schedule(e.cfg.ExchangeLifetime, fn)
}

// Serve reads datagrams until ctx is cancelled or the connection errors.
// It is the endpoint's single-threaded event loop: every inbound datagram
// is decoded and routed from this goroutine, so messageLayer/matcher/
// blockEngine state never needs cross-goroutine locking beyond what they
// already do for calls originating from Resource handler goroutines.
func (e *Endpoint) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		e.Close()
	}()

	buf := make([]byte, e.cfg.MaxMessageSize)
	for {
		n, peer, err := e.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-e.closed:
				return nil
			default:
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		raw := append([]byte(nil), buf[:n]...)
		e.handleDatagram(raw, peer)
	}
}

// Close stops Serve's read loop. Outstanding exchanges are left to time out
// normally; Close does not resolve them early.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() { close(e.closed) })
	return e.conn.Close()
}

func (e *Endpoint) handleDatagram(raw []byte, peer net.Addr) {
	msg, kind, err := e.msgs.handleInbound(raw, peer)
	switch kind {
	case inboundConsumed:
		return
	case inboundRejected:
		var bad *BadOptionError
		if msg != nil && errors.As(err, &bad) && msg.Code.IsRequest() {
			// Unrecognized critical option on a request: reply 4.02 Bad
			// Option at the request layer rather than resetting.
			e.sendFinalResponse(msg, &Message{Code: CodeBadOption}, false)
			return
		}
		var format *FormatError
		if msg != nil && errors.As(err, &format) && msg.Code.IsRequest() &&
			(msg.Type == Confirmable || msg.Type == NonConfirmable) {
			// Malformed request: reply 4.00 Bad Request.
			e.logger.Printf("coap: malformed request from %v: %s", peer, err)
			e.sendFinalResponse(msg, &Message{Code: CodeBadRequest}, false)
			return
		}
		if msg != nil && msg.Type == Confirmable {
			_ = e.msgs.sendRST(msg.MessageID, peer)
		}
		e.logger.Printf("coap: dropping malformed datagram from %v: %s", peer, err)
		return
	}

	if msg.IsEmpty() {
		// A bare empty CON is a "CoAP ping"; RFC 7252 section 4.3 answers
		// it with RST.
		if msg.Type == Confirmable {
			_ = e.msgs.sendRST(msg.MessageID, msg.Remote)
		}
		return
	}
	if msg.Code.IsRequest() {
		go e.handleRequest(msg)
		return
	}
	if msg.Code.IsResponse() {
		e.handleSeparateResponse(msg)
		return
	}
}

// handleSeparateResponse matches a CON/NON response (one that did not
// arrive piggybacked on the ACK) to its exchange by token.
func (e *Endpoint) handleSeparateResponse(msg *Message) {
	ex, ok := e.match.lookup(msg.Remote, msg.Token)
	if !ok {
		if msg.Type == Confirmable {
			_ = e.msgs.sendRST(msg.MessageID, msg.Remote)
		}
		return
	}
	if msg.Type == Confirmable {
		_ = e.msgs.sendEmptyACK(msg.MessageID, msg.Remote)
	}
	e.deliverToExchange(ex, msg)
}

// deliverToExchange feeds one response (piggybacked or separate) through
// Block2 reassembly and Observe freshness filtering before resolving or
// re-notifying the caller.
func (e *Endpoint) deliverToExchange(ex *exchange, msg *Message) {
	if bv, ok := msg.Options.Block(OptionBlock2); ok {
		e.handleClientBlock2(ex, msg, bv)
		return
	}
	e.deliverAssembled(ex, msg, true)
}

// deliverAssembled hands a complete logical response to the caller:
// through the observe callback for a registered notification, or by
// resolving the exchange's first-response future. checkFreshness is false
// when the Block2 path already consumed the notification's sequence number
// at its first block.
func (e *Endpoint) deliverAssembled(ex *exchange, msg *Message, checkFreshness bool) {
	seq, hasObserve := msg.Options.Observe()
	if hasObserve && msg.Code.Class() == 2 {
		if checkFreshness && !e.acceptClientObserve(ex, seq) {
			return
		}
		if ex.observeCB != nil {
			ex.observing.Store(true)
			ex.observeCB(msg)
			ex.resolve(msg, nil) // no-op after the first call; sync.Once guards it
			return
		}
	}
	if ex.observing.Load() {
		// An error response, or one without Observe, ends the registration
		// (RFC 7641 sections 3.2 and 4.2).
		ex.observing.Store(false)
		e.match.remove(ex.peer, ex.token)
		e.forgetClientObserve(ex.peer, ex.token)
		if e.metrics != nil {
			e.metrics.setActiveExchanges(e.match.count())
		}
		if ex.observeCB != nil {
			ex.observeCB(msg)
		}
	}
	ex.resolve(msg, nil)
}

// acceptClientObserve applies the RFC 7641 section 3.4 freshness rule,
// tracked per (peer, token) exchange.
func (e *Endpoint) acceptClientObserve(ex *exchange, seq uint32) bool {
	key := tokenKey(ex.peer, ex.token)
	e.clientObsMu.Lock()
	defer e.clientObsMu.Unlock()
	st, ok := e.clientObs[key]
	if !ok {
		st = &clientObservation{}
		e.clientObs[key] = st
	}
	return st.accept(seq, time.Now())
}

func (e *Endpoint) forgetClientObserve(peer net.Addr, token Token) {
	e.clientObsMu.Lock()
	delete(e.clientObs, tokenKey(peer, token))
	e.clientObsMu.Unlock()
}

func (e *Endpoint) handleClientBlock2(ex *exchange, msg *Message, bv BlockValue) {
	if seq, ok := msg.Options.Observe(); ok {
		// First block of a notification. A fresher sequence abandons any
		// partial reassembly underway; a stale one is dropped outright.
		if !e.acceptClientObserve(ex, seq) {
			return
		}
		ex.block = newClientBlockState(ex.req, bv, msg.Payload)
		ex.block.observeSeq, ex.block.hasObserve = seq, true
	} else if ex.block == nil {
		ex.block = newClientBlockState(ex.req, bv, msg.Payload)
	} else {
		ex.block.append(bv, msg.Payload)
	}
	if bv.More {
		next := ex.block.nextRequest()
		next.Token = ex.token
		if err := e.msgs.sendCON(next, func(ack bool, resp *Message) {
			if !ack {
				ex.resolve(nil, ErrReset)
				return
			}
			if resp != nil {
				e.deliverToExchange(ex, resp)
			}
		}, func() {
			ex.resolve(nil, &TimeoutError{})
		}); err != nil {
			ex.resolve(nil, err)
		}
		return
	}
	st := ex.block
	ex.block = nil
	final := *msg
	final.Options = append(Options(nil), msg.Options...)
	final.Options.Remove(OptionBlock2)
	final.Payload = st.assembled
	if st.hasObserve {
		final.Options.SetObserve(st.observeSeq)
	}
	if e.metrics != nil {
		e.metrics.blockReassembled.Observe(float64(len(final.Payload)))
	}
	e.deliverAssembled(ex, &final, false)
}

// Request sends msg and waits for the first response. observeCallback, if
// non-nil and the response carries an Observe option, is invoked with that
// first response and with every subsequent notification; Request itself
// still returns after the first
// response so the caller isn't blocked on the registration outliving it.
func (e *Endpoint) Request(ctx context.Context, msg *Message, observeCallback func(*Message)) (*Message, error) {
	select {
	case e.nstart <- struct{}{}:
		defer func() { <-e.nstart }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if len(msg.Token) == 0 {
		msg.Token = e.match.newToken()
	}
	ex := &exchange{
		token:     msg.Token,
		peer:      msg.Remote,
		req:       msg,
		result:    make(chan exchangeResult, 1),
		observeCB: observeCallback,
	}
	e.match.register(ex)
	if e.metrics != nil {
		e.metrics.setActiveExchanges(e.match.count())
	}
	defer func() {
		if !ex.observing.Load() {
			e.match.remove(msg.Remote, msg.Token)
			e.forgetClientObserve(msg.Remote, msg.Token)
			if e.metrics != nil {
				e.metrics.setActiveExchanges(e.match.count())
			}
		}
	}()

	send := func() error {
		if msg.Type == NonConfirmable {
			return e.msgs.sendNON(msg)
		}
		return e.msgs.sendCON(msg, func(ack bool, resp *Message) {
			if !ack {
				ex.resolve(nil, ErrReset)
				return
			}
			if resp != nil {
				e.deliverToExchange(ex, resp)
			}
			// empty ACK: separate response will arrive later and is routed
			// through handleSeparateResponse -> deliverToExchange.
		}, func() {
			ex.resolve(nil, &TimeoutError{})
		})
	}
	if err := send(); err != nil {
		e.match.remove(msg.Remote, msg.Token)
		if e.metrics != nil {
			e.metrics.setActiveExchanges(e.match.count())
		}
		return nil, err
	}

	resp, err := waitFirstResponse(ctx, ex)
	if err != nil && msg.Type == Confirmable {
		e.msgs.cancel(msg.Remote, msg.MessageID)
	}
	return resp, err
}

// handleRequest dispatches one inbound request to e.resource, splitting its
// response into Block2 chunks if it's large and registering an Observe
// subscription if asked for. Runs on its own goroutine per request so a
// slow handler never stalls Serve's read loop.
func (e *Endpoint) handleRequest(msg *Message) {
	peer := msg.Remote

	if e.resource == nil {
		e.sendFinalResponse(msg, &Message{Code: CodeNotImplemented}, false)
		return
	}

	if bv, ok := msg.Options.Block(OptionBlock2); ok && bv.Num > 0 {
		if chunk, outBV, cf, hasCF, ok2 := e.blocks.blockAt(peer, msg.Token, bv.Num, bv.SZX); ok2 {
			resp := &Message{Code: CodeContent, Payload: chunk}
			if hasCF {
				resp.Options.SetContentFormat(cf)
			}
			_ = resp.Options.SetBlock(OptionBlock2, outBV)
			e.sendFinalResponse(msg, resp, false)
			return
		}
		e.sendFinalResponse(msg, &Message{Code: CodeRequestEntityIncomplete}, false)
		return
	}

	if bv, ok := msg.Options.Block(OptionBlock1); ok {
		full, done, ok2 := e.blocks.acceptBlock1(peer, msg.Token, bv, msg.Payload, e.lifetime)
		if !ok2 {
			e.sendFinalResponse(msg, &Message{Code: CodeRequestEntityIncomplete}, false)
			return
		}
		if !done {
			resp := &Message{Code: CodeContinue}
			_ = resp.Options.SetBlock(OptionBlock1, bv)
			e.sendFinalResponse(msg, resp, false)
			return
		}
		msg.Payload = full
		msg.Options.Remove(OptionBlock1)
	}

	observeRequested := false
	if seq, ok := msg.Options.Observe(); ok {
		switch seq {
		case 0:
			observeRequested = true
		case 1:
			e.observe.remove(peer, msg.Token)
		}
	}

	req := &Request{Message: msg, Path: msg.Options.PathSegments()}
	ctx := context.Background()
	future, err := e.resource.Dispatch(ctx, req)
	if err != nil {
		e.sendFinalResponse(msg, e.errorResponse(err), false)
		return
	}

	select {
	case resp, ok := <-future:
		if !ok {
			resp = e.errorResponse(&InternalError{Err: ErrCancelled})
		}
		e.finishResponse(msg, resp, observeRequested, req.Path, false)
	default:
		ackedAlready := false
		if msg.Type == Confirmable {
			_ = e.msgs.sendEmptyACK(msg.MessageID, peer)
			ackedAlready = true
		}
		go func() {
			resp, ok := <-future
			if !ok {
				resp = e.errorResponse(&InternalError{Err: ErrCancelled})
			}
			e.finishResponse(msg, resp, observeRequested, req.Path, ackedAlready)
		}()
	}
}

func (e *Endpoint) errorResponse(err error) *Message {
	return &Message{Code: codeForError(err), Payload: []byte(err.Error())}
}

// finishResponse applies Block2 splitting and Observe registration to a
// handler's response, then sends it.
func (e *Endpoint) finishResponse(req *Message, resp *Message, observeRequested bool, path []string, alreadyAcked bool) {
	if resp == nil {
		resp = &Message{Code: CodeContent}
	}

	if observeRequested && resp.Code.Class() == 2 {
		if obsRes, ok := e.resource.(Observable); ok {
			reg := &serverObservation{peer: req.Remote, token: req.Token, path: path}
			reg.unsubscribe = obsRes.Subscribe(path, func(notify *Message) {
				e.sendNotification(reg, notify)
			})
			e.observe.add(reg)
			resp.Options.SetObserve(reg.nextSeq())
			if e.metrics != nil {
				e.metrics.setActiveObservations(e.observe.count())
			}
		}
	}

	if szx := e.blockSZXFor(req); len(resp.Payload) > szx.Size() {
		cf, hasCF := resp.Options.ContentFormat()
		first, bv := e.blocks.storeBlock2(req.Remote, req.Token, resp.Payload, szx, cf, hasCF, e.lifetime)
		resp.Payload = first
		_ = resp.Options.SetBlock(OptionBlock2, bv)
	}

	e.sendFinalResponse(req, resp, alreadyAcked)
}

// blockSZXFor picks the block size for a response: the size the client
// asked for via an empty Block2 option (early negotiation), capped at the
// endpoint's configured default, or that default when none was asked for.
func (e *Endpoint) blockSZXFor(req *Message) SZX {
	if bv, ok := req.Options.Block(OptionBlock2); ok && bv.SZX < e.cfg.DefaultBlockSZX {
		return bv.SZX
	}
	return e.cfg.DefaultBlockSZX
}

// sendFinalResponse sends resp as the reply to req: piggybacked on the ACK
// when possible, otherwise as a separate CON/NON carrying the original
// token (RFC 7252 section 5.2.2).
func (e *Endpoint) sendFinalResponse(req *Message, resp *Message, alreadyAcked bool) {
	resp.Token = req.Token
	resp.Remote = req.Remote

	if !alreadyAcked && req.Type == Confirmable {
		resp.Type = Acknowledgement
		resp.MessageID = req.MessageID
		raw, err := Encode(resp)
		if err != nil {
			e.logger.Printf("coap: encoding response to %v failed: %s", req.Remote, err)
			return
		}
		if err := e.msgs.write(raw, req.Remote); err != nil {
			e.logger.Printf("coap: sending response to %v failed: %s", req.Remote, err)
			return
		}
		e.msgs.rememberReply(req.Remote, req.MessageID, raw)
		return
	}

	if req.Type == NonConfirmable {
		if err := e.msgs.sendNON(resp); err != nil {
			e.logger.Printf("coap: sending response to %v failed: %s", req.Remote, err)
		}
		return
	}

	if err := e.msgs.sendCON(resp, func(bool, *Message) {}, func() {}); err != nil {
		e.logger.Printf("coap: sending separate response to %v failed: %s", req.Remote, err)
	}
}

// sendNotification pushes one Observe notification to a registered client
// as a confirmable message; an RST in reply tears down the registration.
func (e *Endpoint) sendNotification(reg *serverObservation, notify *Message) {
	notify.Token = reg.token
	notify.Remote = reg.peer
	notify.Options.SetObserve(reg.nextSeq())
	if notify.Code == 0 {
		notify.Code = CodeContent
	}

	if szx := e.cfg.DefaultBlockSZX; len(notify.Payload) > szx.Size() {
		cf, hasCF := notify.Options.ContentFormat()
		first, bv := e.blocks.storeBlock2(reg.peer, reg.token, notify.Payload, szx, cf, hasCF, e.lifetime)
		notify.Payload = first
		_ = notify.Options.SetBlock(OptionBlock2, bv)
	}

	drop := func() {
		e.observe.remove(reg.peer, reg.token)
		e.blocks.dropBlock2(reg.peer, reg.token)
		if e.metrics != nil {
			e.metrics.setActiveObservations(e.observe.count())
		}
	}
	err := e.msgs.sendCON(notify, func(ack bool, _ *Message) {
		if !ack {
			drop()
		}
	}, drop)
	if err != nil {
		e.logger.Printf("coap: sending notification to %v failed: %s", reg.peer, err)
	}
}

// Cancel deregisters a client-side Observe registration, sending a GET with
// Observe=1 per RFC 7641 section 3.6, and stops tracking its freshness state.
func (e *Endpoint) Cancel(ctx context.Context, peer net.Addr, token Token, path []string) error {
	req := &Message{
		Type:   Confirmable,
		Code:   CodeGET,
		Token:  token,
		Remote: peer,
	}
	req.Options.SetPath(strings.Join(path, "/"))
	req.Options.SetUint(OptionObserve, 1)
	e.forgetClientObserve(peer, token)
	_, err := e.Request(ctx, req, nil)
	return err
}
