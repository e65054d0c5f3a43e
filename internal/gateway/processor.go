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

// Package gateway adapts an Envoy ext_proc v3 stream onto the rewriting
// core: it extracts pseudo-headers from each RequestHeaders message, asks
// the Rewriter for a match (redirect classes first, then forward), applies
// the ACL evaluator, and emits a header-mutation or immediate-response
// ProcessingResponse (spec.md §2, control/data flow per request).
package gateway

import (
	"io"
	"net"
	"strconv"
	"strings"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/remapcore/engine/internal/rewrite/acl"
	"github.com/remapcore/engine/internal/rewrite/metrics"
	"github.com/remapcore/engine/internal/rewrite/pluginchain"
	"github.com/remapcore/engine/internal/rewrite/pluginregistry"
	"github.com/remapcore/engine/internal/rewrite/ruletable"
	"github.com/remapcore/engine/internal/rewrite/rewriter"
	"github.com/remapcore/engine/internal/rewrite/urlview"
)

// RewriterSource returns the currently live Rewriter, matching
// (*config.Watcher).Current — kept as a narrow interface so Processor does
// not need to import package config.
type RewriterSource interface {
	Current() *rewriter.Rewriter
}

// Processor implements the Envoy external processor service over the
// rewriting core (spec.md §6, "rewrite(txn, request_url)").
type Processor struct {
	extprocv3.UnimplementedExternalProcessorServer
	rw      RewriterSource
	log     *zap.Logger
	metrics *metrics.Registry
}

// NewProcessor wires a live rewriter source into a Processor. metrics may be
// nil to disable instrumentation.
func NewProcessor(rw RewriterSource, log *zap.Logger, m *metrics.Registry) *Processor {
	return &Processor{rw: rw, log: log, metrics: m}
}

// requestVars holds the pseudo-headers and derived fields one RequestHeaders
// message carries, grounded on the teacher's requestVars
// (internal/extproc/router.go).
type requestVars struct {
	authority string
	path      string
	method    string
	scheme    string
	clientIP  string
}

// Process drives the bidirectional stream, grounded on the teacher's
// Processor.Process recv/send loop (internal/extproc/processor.go).
func (p *Processor) Process(stream extprocv3.ExternalProcessor_ProcessServer) error {
	for {
		req, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return status.Errorf(codes.Internal, "receiving request: %v", err)
		}

		resp, err := p.processRequest(req)
		if err != nil {
			if p.log != nil {
				p.log.Error("processing request", zap.Error(err))
			}
			return err
		}
		if resp == nil {
			continue
		}
		if err := stream.Send(resp); err != nil {
			return status.Errorf(codes.Internal, "sending response: %v", err)
		}
	}
}

func (p *Processor) processRequest(req *extprocv3.ProcessingRequest) (*extprocv3.ProcessingResponse, error) {
	switch r := req.Request.(type) {
	case *extprocv3.ProcessingRequest_RequestHeaders:
		return p.processRequestHeaders(r.RequestHeaders), nil
	case *extprocv3.ProcessingRequest_ResponseHeaders:
		return &extprocv3.ProcessingResponse{
			Response: &extprocv3.ProcessingResponse_ResponseHeaders{ResponseHeaders: &extprocv3.HeadersResponse{}},
		}, nil
	case *extprocv3.ProcessingRequest_RequestBody:
		return &extprocv3.ProcessingResponse{
			Response: &extprocv3.ProcessingResponse_RequestBody{RequestBody: &extprocv3.BodyResponse{}},
		}, nil
	case *extprocv3.ProcessingRequest_ResponseBody:
		return &extprocv3.ProcessingResponse{
			Response: &extprocv3.ProcessingResponse_ResponseBody{ResponseBody: &extprocv3.BodyResponse{}},
		}, nil
	default:
		return nil, nil
	}
}

func (p *Processor) processRequestHeaders(headers *extprocv3.HttpHeaders) *extprocv3.ProcessingResponse {
	vars := extractVars(headers)
	rw := p.rw.Current()

	port := 0
	host := vars.authority
	if h, portStr, err := net.SplitHostPort(vars.authority); err == nil {
		host = h
		if n, err := strconv.Atoi(portStr); err == nil {
			port = n
		}
	}

	if resp := p.tryRedirectClasses(rw, vars, host, port); resp != nil {
		return resp
	}

	result := rw.Rewrite(ruletable.ClassForward, vars.scheme, host, vars.path, port)
	if !result.Matched {
		p.observe("forward", "miss")
		return &extprocv3.ProcessingResponse{
			Response: &extprocv3.ProcessingResponse_RequestHeaders{RequestHeaders: &extprocv3.HeadersResponse{}},
		}
	}
	p.observe("forward", matchOutcome(rw, result))

	rule := rw.Table.Arena.Get(result.Rule)
	enabled := acl.Evaluate(rule.Filters, acl.Request{Method: vars.method, ClientIP: ipToUint32(vars.clientIP)})
	if !enabled && p.metrics != nil {
		p.metrics.ACLDenyTotal.Inc()
	}

	toURL := p.runPluginChain(rule, result.ToURL)

	return &extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_RequestHeaders{
			RequestHeaders: &extprocv3.HeadersResponse{
				Response: &extprocv3.CommonResponse{
					HeaderMutation: &extprocv3.HeaderMutation{
						SetHeaders: []*corev3.HeaderValueOption{
							{Header: &corev3.HeaderValue{Key: ":authority", RawValue: []byte(toURL.Host)}},
							{Header: &corev3.HeaderValue{Key: ":path", RawValue: []byte(toURL.Path)}},
							{Header: &corev3.HeaderValue{Key: "x-acl-enabled", RawValue: []byte(strconv.FormatBool(enabled))}},
						},
					},
				},
			},
		},
	}
}

// runPluginChain drives rule's attached plugins through pluginchain.Run
// (spec.md §4.5, §6), returning the resulting request URL: either a plugin's
// own rewrite, or defaultURL unchanged when the chain is empty, cancelled, or
// every plugin returned NoRemap/NoRemapStop. Errors are logged and treated as
// if the chain had never run, since a malformed chain must not abort the
// request (spec.md §7).
func (p *Processor) runPluginChain(rule *ruletable.Rule, defaultURL *urlview.URL) *urlview.URL {
	chain := buildPluginChain(rule.Plugins)
	if len(chain) == 0 {
		return defaultURL
	}

	rri := &pluginregistry.RequestInfo{RequestURL: defaultURL.Clone(), FromURL: rule.From, ToURL: defaultURL}
	sched := &syncScheduler{metrics: p.metrics}
	out, err := pluginchain.Run(chain, rri, defaultURL, sched)
	if err != nil {
		if p.log != nil {
			p.log.Error("plugin chain", zap.Error(err))
		}
		return defaultURL
	}
	if out.Cancelled {
		return defaultURL
	}
	if u, ok := rri.RequestURL.(*urlview.URL); ok {
		return u
	}
	return defaultURL
}

// buildPluginChain converts a rule's compile-time plugin attachments into the
// request-time runners pluginchain.Run drives, skipping any attachment whose
// plugin was never opened (ruleconf.Options.Plugins was nil at compile time).
func buildPluginChain(plugins []ruletable.PluginAttachment) []pluginregistry.PluginRunner {
	if len(plugins) == 0 {
		return nil
	}
	chain := make([]pluginregistry.PluginRunner, 0, len(plugins))
	for _, p := range plugins {
		if p.Info == nil || p.Info.Cap.DoRemap == nil {
			continue
		}
		chain = append(chain, pluginregistry.PluginRunner{DoRemap: p.Info.Cap.DoRemap, Instance: p.Instance})
	}
	return chain
}

// syncScheduler drives a plugin chain on the request goroutine while still
// routing every step through pluginchain.Scheduler's ScheduleImmediate/
// Complete capabilities (spec.md §4.5, §5): ScheduleImmediate resumes inline
// since this host has no event loop to defer onto, but Run still observes
// one re-entry per surviving plugin rather than a plain loop. Complete gives
// metrics.Registry.PluginChainLen its producer.
type syncScheduler struct {
	steps   int
	metrics *metrics.Registry
}

func (s *syncScheduler) ScheduleImmediate(resume func()) {
	s.steps++
	resume()
}

func (s *syncScheduler) CancelCheck() bool { return false }

func (s *syncScheduler) Complete(pluginchain.Outcome) {
	if s.metrics != nil {
		// Run yields after every plugin except the one that ends the chain,
		// and this scheduler never cancels, so plugins invoked = yields + 1.
		s.metrics.PluginChainLen.Observe(float64(s.steps + 1))
	}
}

// tryRedirectClasses checks the permanent- then temporary-redirect classes
// and, on a match, returns an immediate redirect response rather than
// forwarding (spec.md S5 end-to-end scenario).
func (p *Processor) tryRedirectClasses(rw *rewriter.Rewriter, vars requestVars, host string, port int) *extprocv3.ProcessingResponse {
	for _, pair := range []struct {
		class ruletable.Class
		code  typev3.StatusCode
	}{
		{ruletable.ClassPermanentRedirect, typev3.StatusCode_MovedPermanently},
		{ruletable.ClassTemporaryRedirect, typev3.StatusCode_Found},
	} {
		result := rw.Rewrite(pair.class, vars.scheme, host, vars.path, port)
		if !result.Matched {
			continue
		}
		p.observe(pair.class.String(), matchOutcome(rw, result))
		return &extprocv3.ProcessingResponse{
			Response: &extprocv3.ProcessingResponse_ImmediateResponse{
				ImmediateResponse: &extprocv3.ImmediateResponse{
					Status: &typev3.HttpStatus{Code: pair.code},
					Headers: &extprocv3.HeaderMutation{
						SetHeaders: []*corev3.HeaderValueOption{
							{Header: &corev3.HeaderValue{Key: "location", RawValue: []byte(result.ToURL.String())}},
						},
					},
				},
			},
		}
	}
	return nil
}

// matchOutcome labels a match for metrics: Rewrite hands back the matched
// rule's own To for a hash-index hit and a fresh clone for a regex hit.
func matchOutcome(rw *rewriter.Rewriter, result rewriter.Result) string {
	if result.ToURL == rw.Table.Arena.Get(result.Rule).To {
		return "hash_hit"
	}
	return "regex_hit"
}

func (p *Processor) observe(class, outcome string) {
	if p.metrics != nil {
		p.metrics.ObserveMatch(class, outcome)
	}
}

func extractVars(headers *extprocv3.HttpHeaders) requestVars {
	var v requestVars
	if headers == nil || headers.Headers == nil {
		return v
	}
	for _, h := range headers.Headers.Headers {
		value := h.Value
		if value == "" && len(h.RawValue) > 0 {
			value = string(h.RawValue)
		}
		switch h.Key {
		case ":authority":
			v.authority = value
		case ":path":
			v.path = value
		case ":method":
			v.method = value
		case ":scheme":
			v.scheme = value
		case "x-forwarded-for":
			v.clientIP = firstIP(value)
		case "x-forwarded-proto":
			if v.scheme == "" {
				v.scheme = value
			}
		}
	}
	if v.scheme == "" {
		v.scheme = "http"
	}
	return v
}

func firstIP(xff string) string {
	parts := strings.Split(xff, ",")
	return strings.TrimSpace(parts[0])
}

func ipToUint32(ipStr string) uint32 {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return 0
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])
}
