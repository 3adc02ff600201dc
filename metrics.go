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
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsCollector is a prometheus.Collector that snapshots live endpoint
// state on Collect() (active exchanges/observations) and accumulates plain
// counters/histograms for monotonic events (retransmits, dedup hits,
// timeouts, block reassembly). This mirrors the Collector shape in
// pkg/exporter (the runZeroInc tcpinfo pack member) rather than updating
// exported prometheus.Counter values from every call site.
type metricsCollector struct {
	namespace string

	retransmits      prometheus.Counter
	dedupHits        prometheus.Counter
	timeouts         prometheus.Counter
	blockReassembled prometheus.Histogram

	mu              sync.Mutex
	activeExchanges int
	activeObserve   int

	exchangeDesc *prometheus.Desc
	observeDesc  *prometheus.Desc
}

// NewMetrics builds a prometheus.Collector for an Endpoint. Register it
// with a prometheus.Registerer; pass it to WithMetrics so the endpoint
// updates it.
func NewMetrics(namespace string) prometheus.Collector {
	return newMetricsCollector(namespace)
}

func newMetricsCollector(namespace string) *metricsCollector {
	return &metricsCollector{
		namespace: namespace,
		retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "retransmits_total",
			Help: "CON messages retransmitted because no ACK/RST arrived in time.",
		}),
		dedupHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "dedup_hits_total",
			Help: "Inbound CON/NON messages recognized as duplicates of an already-processed message ID.",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "timeouts_total",
			Help: "Exchanges that failed after exhausting the CON retransmit budget.",
		}),
		blockReassembled: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "block2_reassembled_bytes",
			Help:    "Size in bytes of Block2 transfers fully reassembled on the client side.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		}),
		exchangeDesc: prometheus.NewDesc(namespace+"_active_exchanges", "Client exchanges currently awaiting a response.", nil, nil),
		observeDesc:  prometheus.NewDesc(namespace+"_active_observations", "Server-side Observe registrations currently active.", nil, nil),
	}
}

func (c *metricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.retransmits.Desc()
	ch <- c.dedupHits.Desc()
	ch <- c.timeouts.Desc()
	ch <- c.blockReassembled.Desc()
	ch <- c.exchangeDesc
	ch <- c.observeDesc
}

func (c *metricsCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- c.retransmits
	ch <- c.dedupHits
	ch <- c.timeouts
	ch <- c.blockReassembled

	c.mu.Lock()
	exchanges, observations := c.activeExchanges, c.activeObserve
	c.mu.Unlock()
	ch <- prometheus.MustNewConstMetric(c.exchangeDesc, prometheus.GaugeValue, float64(exchanges))
	ch <- prometheus.MustNewConstMetric(c.observeDesc, prometheus.GaugeValue, float64(observations))
}

func (c *metricsCollector) setActiveExchanges(n int) {
	c.mu.Lock()
	c.activeExchanges = n
	c.mu.Unlock()
}

func (c *metricsCollector) setActiveObservations(n int) {
	c.mu.Lock()
	c.activeObserve = n
	c.mu.Unlock()
}
