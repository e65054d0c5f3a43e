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

// Package rewriter implements the top-level matcher (_mappingLookup,
// spec.md §4.7): combine the hash and regex indexes per rule class and
// return the best rule.
package rewriter

import (
	"strings"

	"github.com/remapcore/engine/internal/rewrite/regexindex"
	"github.com/remapcore/engine/internal/rewrite/ruletable"
	"github.com/remapcore/engine/internal/rewrite/urlview"
)

// Result is what rewrite() returns for one rule class: either a matched rule
// (possibly with a freshly expanded to-URL from the regex index) or no
// match at all (spec.md §6, "rewrite(txn, request_url) → {Matched | NoMatch}").
type Result struct {
	Matched bool
	Rule    ruletable.RuleID

	// ToURL is the URL to use: either the rule's own To (hash match, or
	// regex match with no substitution needed to report separately) or a
	// freshly allocated URL from the regex index. Never nil when Matched.
	ToURL *urlview.URL
}

// Rewriter holds the compiled table and per-class regex indexes and performs
// matches against it. The table is read-only after Build and may be shared
// across request goroutines without locking (spec.md §5).
type Rewriter struct {
	Table *ruletable.Table
	Regex [4]*regexindex.Index
}

// New wraps an already-compiled table and regex indexes into a Rewriter.
func New(table *ruletable.Table, regex [4]*regexindex.Index) *Rewriter {
	return &Rewriter{Table: table, Regex: regex}
}

// Rewrite performs the matcher's top-level algorithm for one rule class
// (spec.md §4.7):
//  1. Lowercase the request host.
//  2. Hash-index lookup; if found, record its rank as the ceiling.
//  3. Regex-index lookup with that ceiling; a match replaces the result.
//  4. Return the result (hash rule's own to-URL, or a freshly expanded one).
func (rw *Rewriter) Rewrite(class ruletable.Class, scheme, host, path string, port int) Result {
	lhost := strings.ToLower(host)

	ceiling := regexindex.NoCeiling
	var hashID ruletable.RuleID
	var hashMatched bool

	if id, ok := rw.Table.Hash[class].Lookup(lhost, path, port); ok {
		hashID = id
		hashMatched = true
		ceiling = rw.Table.Arena.Get(id).Rank
	}

	resolveTo := func(id ruletable.RuleID) *urlview.URL {
		return rw.Table.Arena.Get(id).To
	}
	if id, to, ok := rw.Regex[class].Lookup(scheme, lhost, path, port, ceiling, resolveTo); ok {
		return Result{Matched: true, Rule: id, ToURL: to}
	}

	if hashMatched {
		return Result{Matched: true, Rule: hashID, ToURL: rw.Table.Arena.Get(hashID).To}
	}

	return Result{Matched: false}
}
