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

package acl

// FilterChain is the ordered list of filters attached to a matched rule.
type FilterChain []*Filter

// Request carries the fields the evaluator needs from the inbound request.
// The HTTP state machine's transaction object is out of scope (spec.md §1);
// callers extract these fields from it.
type Request struct {
	Method string
	// ClientIP is the client's IPv4 address in host byte order, per spec.md
	// §4.4 ("the request's client IPv4 (host byte order)").
	ClientIP uint32
}

// Evaluate runs PerformACLFiltering over chain and returns the resulting
// client-enabled flag. It never short-circuits rewriting (spec.md §4.4): the
// caller always proceeds to rewrite the URL regardless of the result.
//
// Semantics: walk filters in order; a matching filter sets enabled to its
// Allow bit. A previously-denying result is sticky — once denied, only a
// later filter that itself matches and allows can flip it back, exactly as
// spec.md §4.4 describes ("Previously-denying filters are sticky within a
// pass").
func Evaluate(chain FilterChain, req Request) bool {
	if len(chain) == 0 {
		return true
	}

	enabled := true
	for _, f := range chain {
		if !f.Matches(req.Method, req.ClientIP) {
			continue
		}
		enabled = f.Allow
	}
	return enabled
}
