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

// Command coapclient issues one CoAP request against a server and prints
// the response, optionally staying to print Observe notifications.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coap-engine/coapcore"
	"github.com/coap-engine/coapcore/internal/coaplog"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
)

var (
	server  = flag.String("server", "127.0.0.1:5683", "host:port of the CoAP server")
	method  = flag.String("method", "GET", "GET, POST, PUT or DELETE")
	path    = flag.String("path", "time", "URI-Path, without a leading slash")
	payload = flag.String("payload", "", "request payload, for POST/PUT")
	observe = flag.Bool("observe", false, "register Observe on the request and keep printing notifications")
	confirm = flag.Bool("confirmable", true, "send as Confirmable (false sends Non-confirmable)")
)

var methodCodes = map[string]coap.Code{
	"GET":    coap.CodeGET,
	"POST":   coap.CodePOST,
	"PUT":    coap.CodePUT,
	"DELETE": coap.CodeDELETE,
}

func main() {
	flag.Parse()
	logger := logrus.StandardLogger()

	code, ok := methodCodes[strings.ToUpper(*method)]
	if !ok {
		logger.Panicf("unknown method %q", *method)
	}

	raddr, err := net.ResolveUDPAddr("udp", *server)
	if err != nil {
		logger.WithError(err).Panicf("resolving %s", *server)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		logger.WithError(err).Panicf("opening local socket")
	}

	ep := coap.NewEndpoint(conn, nil, coap.WithLogger(coaplog.New(logger)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ep.Serve(ctx) //nolint:errcheck

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
		ep.Close()
	}()

	req := &coap.Message{
		Type:   coap.Confirmable,
		Code:   code,
		Remote: raddr,
	}
	if !*confirm {
		req.Type = coap.NonConfirmable
	}
	req.Options.SetPath(*path)
	if *payload != "" {
		req.Payload = []byte(*payload)
	}
	if *observe {
		req.Options.SetUint(coap.OptionObserve, 0)
	}

	reqCtx, reqCancel := context.WithTimeout(ctx, 30*time.Second)
	defer reqCancel()

	resp, err := ep.Request(reqCtx, req, func(notify *coap.Message) {
		fmt.Printf("notify: %s %s\n", notify.Code, formatPayload(notify))
	})
	if err != nil {
		logger.WithError(err).Panicf("request failed")
	}
	fmt.Printf("%s %s\n", resp.Code, formatPayload(resp))

	if *observe {
		<-ctx.Done()
	}
}

// formatPayload pretty-prints a JSON response body so the example /config
// resource is readable on a terminal; anything else is printed raw.
func formatPayload(msg *coap.Message) string {
	if cf, ok := msg.Options.ContentFormat(); ok && cf == coap.MediaTypeJSON {
		var v interface{}
		if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(msg.Payload, &v); err == nil {
			if pretty, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(v, "", "  "); err == nil {
				return string(pretty)
			}
		}
	}
	return fmt.Sprintf("%q", msg.Payload)
}
