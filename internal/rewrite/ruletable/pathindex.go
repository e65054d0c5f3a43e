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

package ruletable

import (
	"sort"
	"strings"
)

// pathEntry is one rule registered under a host key, pre-extracting the
// fields pathIndex.Lookup needs on every request so matching never touches
// the arena's Rule struct before a result is chosen.
type pathEntry struct {
	id     RuleID
	path   string
	port   int
	rank   int
	unique bool
}

// PathIndex holds every rule registered under one host key, supporting
// longest-path-prefix lookup with rank tie-break (spec.md §4.2). Entries are
// kept sorted by descending path length so Lookup can return on the first
// match.
type PathIndex struct {
	entries []pathEntry
	dirty   bool
}

// NewPathIndex returns an empty path index.
func NewPathIndex() *PathIndex {
	return &PathIndex{}
}

// Insert appends a rule's path/port/rank to this host's path index. Call
// Finalize once all inserts for a build are done.
func (p *PathIndex) Insert(id RuleID, r *Rule) {
	p.entries = append(p.entries, pathEntry{
		id:     id,
		path:   r.From.Path,
		port:   r.From.Port,
		rank:   r.Rank,
		unique: r.Unique,
	})
	p.dirty = true
}

// Finalize sorts entries by descending path length, then ascending rank, so
// Lookup's first match is the longest-prefix, lowest-rank winner.
func (p *PathIndex) Finalize() {
	if !p.dirty {
		return
	}
	sort.SliceStable(p.entries, func(i, j int) bool {
		if len(p.entries[i].path) != len(p.entries[j].path) {
			return len(p.entries[i].path) > len(p.entries[j].path)
		}
		return p.entries[i].rank < p.entries[j].rank
	})
	p.dirty = false
}

// Lookup returns the RuleID whose from-URL path is the longest prefix of
// path, whose from-URL port matches requestPort (0 matches any), honoring
// the Unique flag (spec.md §4.2: "For rules flagged unique, require the
// request path to be empty").
func (p *PathIndex) Lookup(path string, requestPort int) (RuleID, bool) {
	p.Finalize()
	for _, e := range p.entries {
		if e.unique {
			if path != "" {
				continue
			}
		} else if !strings.HasPrefix(path, e.path) {
			continue
		}
		if e.port != 0 && requestPort != 0 && e.port != requestPort {
			continue
		}
		return e.id, true
	}
	return 0, false
}

// Empty reports whether the index holds no entries, used to decide whether a
// host bucket can be released (spec.md §4.1 step 6).
func (p *PathIndex) Empty() bool {
	return len(p.entries) == 0
}

// compileHostKey lowercases a host for use as a hash-index key (spec.md §3
// invariant: "Host keys stored in hash indexes are lowercased").
func compileHostKey(host string) string {
	return strings.ToLower(host)
}
