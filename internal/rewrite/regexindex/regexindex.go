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

// Package regexindex implements the ordered regex-over-host index with
// $N-template host substitution (spec.md §4.3).
package regexindex

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/remapcore/engine/internal/rewrite/ruletable"
	"github.com/remapcore/engine/internal/rewrite/urlview"
)

// MaxRegexSubs bounds the number of captures (including the implicit
// whole-match) a substitution template may reference (spec.md §4.3 limits).
const MaxRegexSubs = 10

// marker is one "$N" placeholder location in a to-host template: everything
// in Literal before the capture, then the text of capture group Group.
type marker struct {
	Literal string
	Group   int
}

// Entry is one compiled regex mapping (spec.md §3, "Regex mapping").
type Entry struct {
	Pattern *regexp.Regexp
	Rule    ruletable.RuleID
	rank    int
	scheme  string
	port    int
	path    string

	template     string
	markers      []marker
	subCount     int
	trailing     string // literal text after the last marker
}

// Index is the ordered list of Entry per rule class, iterated in rank order.
type Index struct {
	entries []*Entry
}

// New returns an empty regex index.
func New() *Index {
	return &Index{}
}

// Compile parses a host pattern and a to-host template (using "$1".."$9" and
// "$0" for the whole match) into an Entry and appends it to the index.
// Entries must be added in ascending rank order (the compiler does this
// naturally, since rank is the config line number).
func (ix *Index) Compile(pattern string, id ruletable.RuleID, rank int, scheme string, port int, path, toHostTemplate string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("compiling regex host pattern %q: %w", pattern, err)
	}

	markers, trailing, subCount, err := parseTemplate(toHostTemplate)
	if err != nil {
		return err
	}
	if subCount > MaxRegexSubs {
		return fmt.Errorf("template %q references more than %d substitutions", toHostTemplate, MaxRegexSubs)
	}
	if re.NumSubexp()+1 < subCount {
		return fmt.Errorf("template %q references $%d but pattern %q has only %d capture groups", toHostTemplate, subCount-1, pattern, re.NumSubexp())
	}

	ix.entries = append(ix.entries, &Entry{
		Pattern:  re,
		Rule:     id,
		rank:     rank,
		scheme:   scheme,
		port:     port,
		path:     path,
		template: toHostTemplate,
		markers:  markers,
		subCount: subCount,
		trailing: trailing,
	})
	return nil
}

// parseTemplate scans a template for "$N" placeholders, returning the
// literal-then-capture markers, the trailing literal, and the highest
// capture index referenced plus one, i.e. how many groups, counting $0, the
// pattern must provide.
func parseTemplate(tmpl string) (markers []marker, trailing string, subCount int, err error) {
	var b strings.Builder
	maxGroup := -1
	i := 0
	for i < len(tmpl) {
		if tmpl[i] == '$' && i+1 < len(tmpl) && tmpl[i+1] >= '0' && tmpl[i+1] <= '9' {
			j := i + 1
			for j < len(tmpl) && tmpl[j] >= '0' && tmpl[j] <= '9' {
				j++
			}
			n, convErr := strconv.Atoi(tmpl[i+1 : j])
			if convErr != nil {
				return nil, "", 0, fmt.Errorf("invalid substitution marker in %q", tmpl)
			}
			markers = append(markers, marker{Literal: b.String(), Group: n})
			b.Reset()
			if n > maxGroup {
				maxGroup = n
			}
			i = j
			continue
		}
		b.WriteByte(tmpl[i])
		i++
	}
	trailing = b.String()
	return markers, trailing, maxGroup + 1, nil
}

// substitute splices capture bytes into the template: literal ranges are
// copied verbatim, and at each marker the matched substring for that capture
// group is copied in its place (spec.md §4.3).
func (e *Entry) substitute(host string, loc []int) (string, error) {
	var b strings.Builder
	for _, m := range e.markers {
		b.WriteString(m.Literal)
		start := m.Group * 2
		if start+1 >= len(loc) || loc[start] < 0 {
			return "", fmt.Errorf("substitution references unmatched group $%d", m.Group)
		}
		b.WriteString(host[loc[start]:loc[start+1]])
	}
	b.WriteString(e.trailing)
	return b.String(), nil
}

// NoCeiling represents "+∞": with no hash match, every regex rank is
// eligible (spec.md §4.3).
const NoCeiling = math.MaxInt

// Lookup scans entries in insertion (ascending rank) order, considering only
// those with rank strictly below ceiling (spec.md §4.3 "rank ceiling"; pass
// NoCeiling when no hash match was found). The first entry whose scheme,
// port, and path-prefix match, and whose pattern matches host, wins.
// resolveTo fetches the matched entry's own rule's to-URL (the arena lives
// in package ruletable; Index only stores the RuleID to avoid a cycle). On
// a match, Lookup returns a new URL cloned from that to-URL with Host
// replaced by the substituted value — the matched rule's own to-URL is
// never mutated (spec.md §4.3).
func (ix *Index) Lookup(scheme, host, path string, port int, ceiling int, resolveTo func(ruletable.RuleID) *urlview.URL) (ruletable.RuleID, *urlview.URL, bool) {
	for _, e := range ix.entries {
		if e.rank >= ceiling {
			continue
		}
		if e.scheme != "" && e.scheme != scheme {
			continue
		}
		if e.port != 0 && port != 0 && e.port != port {
			continue
		}
		if e.path != "" && !strings.HasPrefix(path, e.path) {
			continue
		}
		loc := e.Pattern.FindStringSubmatchIndex(host)
		if loc == nil {
			continue
		}
		newHost, err := e.substitute(host, loc)
		if err != nil {
			continue
		}
		out := resolveTo(e.Rule).Clone()
		out.Host = newHost
		return e.Rule, out, true
	}
	return 0, nil, false
}

// Len returns the number of compiled entries.
func (ix *Index) Len() int {
	return len(ix.entries)
}
