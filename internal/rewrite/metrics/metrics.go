/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics exposes Prometheus instrumentation for rule rebuilds,
// match outcomes, ACL decisions, and plugin chain depth. None of this is
// named by spec.md — spec.md explicitly places metrics out of scope — but
// the teacher's stack (github.com/prometheus/client_golang) still wraps
// every ambient operation this module performs, matching how the teacher
// instruments its own remap path.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry groups every collector this package registers, so callers can
// wire it into their own prometheus.Registerer once at startup.
type Registry struct {
	RebuildTotal   *prometheus.CounterVec
	RebuildRules   prometheus.Gauge
	MatchTotal     *prometheus.CounterVec
	ACLDenyTotal   prometheus.Counter
	PluginChainLen prometheus.Histogram
}

// New constructs the collectors without registering them.
func New() *Registry {
	return &Registry{
		RebuildTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "remapcore",
			Subsystem: "compiler",
			Name:      "rebuild_total",
			Help:      "Count of rule-file rebuild attempts by outcome.",
		}, []string{"outcome"}),
		RebuildRules: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "remapcore",
			Subsystem: "compiler",
			Name:      "rules_loaded",
			Help:      "Number of rules in the most recently built table.",
		}),
		MatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "remapcore",
			Subsystem: "rewriter",
			Name:      "match_total",
			Help:      "Count of rewrite() calls by class and outcome (hash_hit, regex_hit, miss).",
		}, []string{"class", "outcome"}),
		ACLDenyTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "remapcore",
			Subsystem: "acl",
			Name:      "deny_total",
			Help:      "Count of requests where PerformACLFiltering resolved client_enabled=false.",
		}),
		PluginChainLen: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "remapcore",
			Subsystem: "pluginchain",
			Name:      "length",
			Help:      "Number of plugins actually invoked per completed chain run.",
			Buckets:   prometheus.LinearBuckets(0, 1, 11),
		}),
	}
}

// MustRegister registers every collector against reg, panicking on a
// duplicate-registration error — the same fail-fast startup behavior the
// teacher applies to its own gRPC server wiring.
func (r *Registry) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		r.RebuildTotal,
		r.RebuildRules,
		r.MatchTotal,
		r.ACLDenyTotal,
		r.PluginChainLen,
	)
}

// ObserveRebuild records one rebuild outcome and, on success, the resulting
// rule count.
func (r *Registry) ObserveRebuild(ok bool, ruleCount int) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	r.RebuildTotal.WithLabelValues(outcome).Inc()
	if ok {
		r.RebuildRules.Set(float64(ruleCount))
	}
}

// ObserveMatch records one rewrite() outcome for a rule class.
func (r *Registry) ObserveMatch(class, outcome string) {
	r.MatchTotal.WithLabelValues(class, outcome).Inc()
}
