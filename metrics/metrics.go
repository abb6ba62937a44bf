// Copyright 2025 Poiesic Systems
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


// Package metrics records pipeline activity as Prometheus series.
//
// A nil *Recorder is valid and records nothing, so components take an
// optional recorder without guarding every call.
package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Invocation patterns.
const (
	PatternSync     = "sync"
	PatternAsync    = "async"
	PatternProducer = "producer"
	PatternConsumer = "consumer"
)

// Invocation outcomes.
const (
	OutcomeSuccess = "success"
)

// Queue message outcomes.
const (
	MessageAcked        = "acked"
	MessageRedelivered  = "redelivered"
	MessageDeadLettered = "dead_lettered"
)

// Recorder owns the pipeline's collectors and the registry they live in.
type Recorder struct {
	registry    *prom.Registry
	invocations *prom.CounterVec
	generation  *prom.HistogramVec
	messages    *prom.CounterVec
}

// NewRecorder registers the pipeline collectors on registry. A nil registry
// gets a fresh one with the Go and process collectors.
func NewRecorder(registry *prom.Registry) (*Recorder, error) {
	if registry == nil {
		registry = prom.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	r := &Recorder{
		registry: registry,
		invocations: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "embedpipe",
			Name:      "invocations_total",
			Help:      "Handler invocations by pattern and outcome.",
		}, []string{"pattern", "outcome"}),
		generation: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "embedpipe",
			Name:      "generation_duration_seconds",
			Help:      "Latency of embedding generation calls.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"outcome"}),
		messages: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "embedpipe",
			Name:      "queue_messages_total",
			Help:      "Consumed queue messages by outcome.",
		}, []string{"outcome"}),
	}
	for _, c := range []prom.Collector{r.invocations, r.generation, r.messages} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// ObserveInvocation counts one handler invocation. outcome is OutcomeSuccess
// or a failure kind.
func (r *Recorder) ObserveInvocation(pattern, outcome string) {
	if r == nil {
		return
	}
	r.invocations.WithLabelValues(pattern, outcome).Inc()
}

// ObserveGeneration records the latency of one generator call.
func (r *Recorder) ObserveGeneration(d time.Duration, err error) {
	if r == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = "error"
	}
	r.generation.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveMessage counts one settled queue message.
func (r *Recorder) ObserveMessage(outcome string) {
	if r == nil {
		return
	}
	r.messages.WithLabelValues(outcome).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
