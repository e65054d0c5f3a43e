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

// Package pluginchain runs a rule's ordered plugin list as a re-entrant
// cooperative state machine (spec.md §4.5, §5).
package pluginchain

import (
	"errors"
	"fmt"

	"github.com/remapcore/engine/internal/rewrite/pluginregistry"
)

// MaxRemapPluginChain is the cap on the number of plugins a single Run call
// accepts (spec.md §4.5, "MAX_REMAP_PLUGIN_CHAIN"); Run rejects a longer
// chain with an error. It is a fixed constant and cannot be changed at run
// time.
const MaxRemapPluginChain = 10

// phase tracks where the state machine sits between re-entrant calls.
type phase int

const (
	phasePending phase = iota
	phaseRunning
	phaseDone
	phaseCancelled
)

// Scheduler is the capability a host environment provides so a plugin chain
// yields control between plugins instead of running them back-to-back on one
// stack (spec.md §4.5, §5). This mirrors
// _examples/original_source/proxy/http/remap/RemapPlugins.cc:199-201, which
// calls e->schedule_imm(event) and returns EVENT_CONT after every non-STOP
// plugin rather than looping in place. Run calls ScheduleImmediate once per
// surviving plugin with a resume closure that advances the chain by exactly
// one step; a synchronous host resumes inline, an event-loop host may defer
// the call and resume later from its own continuation. Complete delivers the
// single REMAP_COMPLETE-equivalent event once the chain reaches a terminal
// state (done or cancelled, spec.md §4.5 Finish, §6).
type Scheduler interface {
	ScheduleImmediate(resume func())
	CancelCheck() bool
	Complete(Outcome)
}

// Outcome is the terminal result of running a chain to completion.
type Outcome struct {
	// FinalRemap is the effective RemapResult of the last plugin that
	// returned DidRemap/DidRemapStop, or NoRemap if none did.
	FinalRemap pluginregistry.RemapResult
	// RedirectURL captures the request URL right after a plugin that
	// returned DidRemap/DidRemapStop with rri.Redirect set (the latest such
	// plugin wins), since later plugins may replace RequestURL further
	// (spec.md §4.5, "capture the redirect slot when Redirect is set").
	RedirectURL any
	Cancelled   bool
}

// Run executes plugins[0..] in order against rri, yielding through sched
// between plugins and honoring NoRemap/NoRemapStop/DidRemap/DidRemapStop and
// cancellation (spec.md §4.5):
//   - NoRemap: continue to the next plugin.
//   - NoRemapStop: stop immediately.
//   - DidRemap: record the outcome, continue to the next plugin.
//   - DidRemapStop: record the outcome, stop immediately.
//
// If no plugin in the chain ever returns DidRemap/DidRemapStop — including
// an empty chain — Run copies defaultToURL over rri.RequestURL itself before
// returning, the fallback _examples/original_source/proxy/http/remap/
// RemapPlugins.cc:135-140 performs via rewrite_table->doRemap(...) when
// _cur==1 (spec.md §4.5, testable property 9). Callers must not duplicate
// this fallback.
//
// sched may be nil, in which case every plugin runs synchronously with no
// yield, no cancellation checks, and no completion signal — the common case
// outside a scheduled-continuation host environment.
func Run(chain []pluginregistry.PluginRunner, rri *pluginregistry.RequestInfo, defaultToURL any, sched Scheduler) (Outcome, error) {
	if len(chain) > MaxRemapPluginChain {
		return Outcome{}, fmt.Errorf("plugin chain length %d exceeds MAX_REMAP_PLUGIN_CHAIN=%d", len(chain), MaxRemapPluginChain)
	}

	run := &run{chain: chain, rri: rri, sched: sched}
	run.start()

	for run.phase == phaseRunning {
		if sched != nil && sched.CancelCheck() {
			run.phase = phaseCancelled
			break
		}
		if err := run.step(); err != nil {
			return Outcome{}, err
		}
		if run.phase == phaseRunning && sched != nil {
			yield(sched)
		}
	}

	if run.phase != phaseCancelled && !run.anyDidRemap {
		rri.RequestURL = defaultToURL
	}

	out := run.finish()
	if sched != nil {
		sched.Complete(out)
	}
	return out, nil
}

// yield blocks the calling goroutine until sched resumes the chain, whether
// ScheduleImmediate calls resume inline (a synchronous host) or later from
// its own continuation (an event-loop host) — either way Run observes one
// re-entry per surviving plugin rather than a tight loop.
func yield(sched Scheduler) {
	done := make(chan struct{})
	sched.ScheduleImmediate(func() { close(done) })
	<-done
}

// run is the {Start, RunPlugin(i), Finish} state machine spec.md §4.5
// describes, modeled on a server-stream Recv/Send resume loop: each call to
// step advances exactly one plugin and returns control to the caller so a
// Scheduler-driven host can interleave other work between plugins.
type run struct {
	chain []pluginregistry.PluginRunner
	rri   *pluginregistry.RequestInfo
	sched Scheduler

	idx         int
	phase       phase
	result      pluginregistry.RemapResult
	anyDidRemap bool
	redirect    any
}

func (r *run) start() {
	if len(r.chain) == 0 {
		r.phase = phaseDone
		return
	}
	r.phase = phaseRunning
}

// step runs exactly one plugin (RunPlugin(i) in spec.md terms) and advances
// idx or terminates the chain.
func (r *run) step() error {
	if r.idx >= len(r.chain) {
		r.phase = phaseDone
		return nil
	}

	p := r.chain[r.idx]
	if p.DoRemap == nil {
		return errors.New("plugin chain entry missing do_remap")
	}

	res := p.DoRemap(p.Instance, p.Txn, r.rri)

	switch res {
	case pluginregistry.NoRemap:
		r.idx++
	case pluginregistry.NoRemapStop:
		r.phase = phaseDone
	case pluginregistry.DidRemap:
		r.result = res
		r.anyDidRemap = true
		r.idx++
	case pluginregistry.DidRemapStop:
		r.result = res
		r.anyDidRemap = true
		r.phase = phaseDone
	default:
		return fmt.Errorf("plugin %d returned unrecognized remap result %d", r.idx, res)
	}

	if (res == pluginregistry.DidRemap || res == pluginregistry.DidRemapStop) && r.rri.Redirect {
		r.redirect = r.rri.RequestURL
	}

	if r.idx >= len(r.chain) {
		r.phase = phaseDone
	}
	return nil
}

func (r *run) finish() Outcome {
	return Outcome{FinalRemap: r.result, RedirectURL: r.redirect, Cancelled: r.phase == phaseCancelled}
}
