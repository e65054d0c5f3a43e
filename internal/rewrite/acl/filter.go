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

// Package acl implements the named-filter library and the ACL evaluator
// attached to matched remap rules (spec.md §4.4).
package acl

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"
)

// IPRange is an inclusive IPv4 range, optionally inverted.
type IPRange struct {
	Start, End uint32
	Invert     bool
}

// ParseIPRange parses "a.b.c.d", "a.b.c.d-a.b.c.d", or a CIDR, with an
// optional leading "~" to invert the range (spec.md §4, "Filter rule").
func ParseIPRange(spec string) (IPRange, error) {
	invert := false
	if strings.HasPrefix(spec, "~") {
		invert = true
		spec = spec[1:]
	}

	if strings.Contains(spec, "/") {
		_, ipnet, err := net.ParseCIDR(spec)
		if err != nil {
			return IPRange{}, fmt.Errorf("invalid CIDR %q: %w", spec, err)
		}
		start := ipToUint32(ipnet.IP)
		ones, bits := ipnet.Mask.Size()
		span := uint32(1)<<(uint(bits-ones)) - 1
		return IPRange{Start: start, End: start + span, Invert: invert}, nil
	}

	if idx := strings.Index(spec, "-"); idx != -1 {
		startIP := net.ParseIP(spec[:idx])
		endIP := net.ParseIP(spec[idx+1:])
		if startIP == nil || endIP == nil {
			return IPRange{}, fmt.Errorf("invalid ip range %q", spec)
		}
		return IPRange{Start: ipToUint32(startIP), End: ipToUint32(endIP), Invert: invert}, nil
	}

	ip := net.ParseIP(spec)
	if ip == nil {
		return IPRange{}, fmt.Errorf("invalid ip %q", spec)
	}
	v := ipToUint32(ip)
	return IPRange{Start: v, End: v, Invert: invert}, nil
}

func ipToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(v4)
}

// Contains reports whether ip (host byte order, as spec.md §4.4 requires)
// falls within r, honoring Invert.
func (r IPRange) Contains(ip uint32) bool {
	in := ip >= r.Start && ip <= r.End
	if r.Invert {
		return !in
	}
	return in
}

// Filter is a named ACL rule: method restriction plus source-IP ranges plus
// an allow/deny decision.
type Filter struct {
	Name string

	// MethodActive is true once any @method= option has been applied; an
	// inactive method filter matches every method.
	MethodActive bool
	methods      map[string]bool

	IPActive bool
	Ranges   []IPRange

	Allow bool

	// Active reports whether this filter is in the "active queue"
	// (.usefilter) and therefore inherited by subsequent remap lines.
	Active bool

	// deferredArgs holds raw @ option tokens queued before their method/src_ip
	// semantics were resolved, mirroring spec.md's "deferred argv for late
	// application" field on the Filter rule entity.
	deferredArgs []string
}

// NewFilter creates an empty, allow-by-default named filter.
func NewFilter(name string) *Filter {
	return &Filter{Name: name, methods: make(map[string]bool), Allow: true}
}

// AllowMethod registers method as accepted by this filter and activates
// method filtering.
func (f *Filter) AllowMethod(method string) {
	f.MethodActive = true
	f.methods[strings.ToUpper(method)] = true
}

// MatchesMethod reports whether method is accepted, per spec.md §4.4: "the
// request method's index compared to the filter's per-method allow bits".
func (f *Filter) MatchesMethod(method string) bool {
	if !f.MethodActive {
		return true
	}
	return f.methods[strings.ToUpper(method)]
}

// AddRange appends an IP range and activates source-IP filtering.
func (f *Filter) AddRange(r IPRange) {
	f.IPActive = true
	f.Ranges = append(f.Ranges, r)
}

// MatchesIP reports whether ip lies in at least one declared range
// (spec.md §4.4).
func (f *Filter) MatchesIP(ip uint32) bool {
	if !f.IPActive {
		return true
	}
	for _, r := range f.Ranges {
		if r.Contains(ip) {
			return true
		}
	}
	return false
}

// Matches reports whether this filter applies to the given request method
// and client IP. A filter with neither method nor IP filtering active
// matches unconditionally.
func (f *Filter) Matches(method string, ip uint32) bool {
	return f.MatchesMethod(method) && f.MatchesIP(ip)
}

// DeferArg stores a raw @ option token for later validation, matching the
// "deferred argv for late application" field spec.md's data model names.
func (f *Filter) DeferArg(arg string) {
	f.deferredArgs = append(f.deferredArgs, arg)
}

// DeferredArgs returns the raw option tokens queued via DeferArg.
func (f *Filter) DeferredArgs() []string {
	return f.deferredArgs
}

// ValidateFilterArgs re-parses deferred @ option tokens into this filter's
// method/IP/action state, the way spec.md §4.1 describes
// "validate_filter_args" being called lazily.
func (f *Filter) ValidateFilterArgs() error {
	for _, arg := range f.deferredArgs {
		if err := f.applyOption(arg); err != nil {
			return fmt.Errorf("filter %q: %w", f.Name, err)
		}
	}
	f.deferredArgs = nil
	return nil
}

func (f *Filter) applyOption(arg string) error {
	kv := strings.SplitN(arg, "=", 2)
	if len(kv) != 2 {
		return fmt.Errorf("malformed option %q", arg)
	}
	key, val := kv[0], kv[1]
	switch key {
	case "@method":
		f.AllowMethod(val)
	case "@src_ip":
		r, err := ParseIPRange(val)
		if err != nil {
			return err
		}
		f.AddRange(r)
	case "@action":
		allow, err := ParseAction(val)
		if err != nil {
			return err
		}
		f.Allow = allow
	default:
		return fmt.Errorf("unknown filter option %q", key)
	}
	return nil
}

// ParseAction converts an @action= value into an allow boolean
// (spec.md §4, option token table).
func ParseAction(val string) (bool, error) {
	switch strings.ToLower(val) {
	case "allow", "on", "enable", "1":
		return true, nil
	case "deny", "off", "disable", "0":
		return false, nil
	default:
		return false, fmt.Errorf("unknown action %q", val)
	}
}

// Library is the named-filter store populated by the rule compiler's
// .definefilter/.deletefilter/.usefilter/.unusefilter directives.
type Library struct {
	filters map[string]*Filter
	active  []string // names, in .usefilter order
}

// NewLibrary returns an empty filter library.
func NewLibrary() *Library {
	return &Library{filters: make(map[string]*Filter)}
}

// Define creates the filter if absent, or returns the existing one so
// repeated .definefilter lines extend it (spec.md §4.1).
func (l *Library) Define(name string) *Filter {
	f, ok := l.filters[name]
	if !ok {
		f = NewFilter(name)
		l.filters[name] = f
	}
	return f
}

// Delete removes a named filter and drops it from the active queue.
func (l *Library) Delete(name string) {
	delete(l.filters, name)
	l.Unuse(name)
}

// Use moves name into the active queue, so subsequent remap lines inherit it.
func (l *Library) Use(name string) error {
	f, ok := l.filters[name]
	if !ok {
		return fmt.Errorf("usefilter: unknown filter %q", name)
	}
	f.Active = true
	for _, n := range l.active {
		if n == name {
			return nil
		}
	}
	l.active = append(l.active, name)
	return nil
}

// Unuse moves name out of the active queue.
func (l *Library) Unuse(name string) {
	if f, ok := l.filters[name]; ok {
		f.Active = false
	}
	out := l.active[:0]
	for _, n := range l.active {
		if n != name {
			out = append(out, n)
		}
	}
	l.active = out
}

// ActiveFilters returns the filters currently in the active queue, in
// .usefilter order — these are the filters a remap line inherits.
func (l *Library) ActiveFilters() []*Filter {
	out := make([]*Filter, 0, len(l.active))
	for _, n := range l.active {
		if f, ok := l.filters[n]; ok {
			out = append(out, f)
		}
	}
	return out
}

// Get looks up a filter by name.
func (l *Library) Get(name string) (*Filter, bool) {
	f, ok := l.filters[name]
	return f, ok
}
