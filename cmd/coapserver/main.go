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

// Command coapserver runs an example CoAP endpoint exposing /time
// (observable), /echo and /config resources, with Prometheus metrics on a
// separate HTTP listener.
package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coap-engine/coapcore"
	"github.com/coap-engine/coapcore/internal/coaplog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	bindAddr      = flag.String("bind-addr", ":5683", "UDP address to listen for CoAP traffic on")
	metricsAddr   = flag.String("metrics-addr", ":9090", "HTTP address to serve Prometheus metrics on")
	ackTimeout    = flag.Duration("ack-timeout", 2*time.Second, "ACK_TIMEOUT, RFC 7252 section 4.8")
	maxRetransmit = flag.Int("max-retransmit", 4, "MAX_RETRANSMIT, RFC 7252 section 4.8")
	blockSizeExp  = flag.Int("block-size-exp", int(coap.SZX1024), "Default Block2 size exponent (0=16B .. 6=1024B)")
)

func main() {
	flag.Parse()
	logger := logrus.StandardLogger()

	conn, err := net.ListenPacket("udp", *bindAddr)
	if err != nil {
		logger.WithError(err).Panicf("failed to listen on %s", *bindAddr)
	}

	metrics := coap.NewMetrics("coapserver")
	prometheus.MustRegister(metrics)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
			logger.WithError(err).Error("metrics listener stopped")
		}
	}()

	rt := newRouter()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.runClock(ctx)

	ep := coap.NewEndpoint(conn, rt,
		coap.WithLogger(coaplog.New(logger)),
		coap.WithMetrics(metrics),
		coap.WithACKTimeout(*ackTimeout),
		coap.WithMaxRetransmit(*maxRetransmit),
		coap.WithBlockSize(coap.SZX(*blockSizeExp)),
	)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("shutting down")
		cancel()
		ep.Close()
	}()

	logger.WithField("addr", *bindAddr).Info("coapserver listening")
	if err := ep.Serve(ctx); err != nil && ctx.Err() == nil {
		logger.WithError(err).Panicf("Serve exited")
	}
}
