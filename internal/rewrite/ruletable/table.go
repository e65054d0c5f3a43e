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
	"github.com/remapcore/engine/internal/rewrite/acl"
	"github.com/remapcore/engine/internal/rewrite/urlview"
)

// Table is the fully compiled rule table: one arena, four hash indexes. The
// regex index lives alongside it in package regexindex, built from the same
// arena, to avoid an import cycle (regexindex depends on ruletable, not the
// reverse).
type Table struct {
	Arena  Arena
	Hash   [numClasses]*HashIndex
	Filter *acl.Library
}

// New returns an empty table with all four hash indexes allocated.
func New() *Table {
	t := &Table{Filter: acl.NewLibrary()}
	for c := range t.Hash {
		t.Hash[c] = NewHashIndex()
	}
	return t
}

// AddRule inserts r into the arena and its class's hash index, returning the
// assigned RuleID.
func (t *Table) AddRule(r *Rule) RuleID {
	id := t.Arena.Add(r)
	t.Hash[r.Class].Insert(id, r)
	return id
}

// Finalize sorts every hash index's path indexes and releases empty hash
// indexes (spec.md §4.1 step 6).
func (t *Table) Finalize() {
	for _, h := range t.Hash {
		h.Finalize()
		h.Release()
	}
}

// InstallSyntheticRules attaches the backdoor and PAC rules spec.md §4.1
// step 5 describes, both under the forward class's empty-host bucket.
// backdoorInternalHost is the internal host the "/ink/rh" path is rewritten
// to; autoconfPort is the local port the PAC rule points at. Either may be
// left empty/zero to skip installing that rule.
func (t *Table) InstallSyntheticRules(backdoorInternalHost string, autoconfPort int) error {
	if backdoorInternalHost != "" {
		to, err := urlview.Parse("http://"+backdoorInternalHost+"/", urlview.ParseModeBreakdown)
		if err != nil {
			return err
		}
		from, err := urlview.Parse("http://placeholder/ink/rh", urlview.ParseModeRawTail)
		if err != nil {
			return err
		}
		from.Host = ""
		t.AddRule(&Rule{
			Class: ClassForward,
			From:  from,
			To:    to,
			Rank:  -2,
			Tag:   "synthetic-backdoor",
		})
	}

	if autoconfPort != 0 {
		to, err := urlview.Parse("http://127.0.0.1/", urlview.ParseModeBreakdown)
		if err != nil {
			return err
		}
		to.Port = autoconfPort
		from, err := urlview.Parse("http://placeholder/", urlview.ParseModeRawTail)
		if err != nil {
			return err
		}
		from.Host = ""
		t.AddRule(&Rule{
			Class: ClassForward,
			From:  from,
			To:    to,
			Rank:  -1,
			Tag:   "synthetic-pac",
		})
	}

	return nil
}
