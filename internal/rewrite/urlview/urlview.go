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

// Package urlview provides a mutable parsed-URL view shared by the rule
// compiler, the matcher, and plugins.
package urlview

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// AcceptedSchemes lists the schemes the compiler accepts for a TO url or a
// non-"file" FROM url.
var AcceptedSchemes = map[string]bool{
	"http":   true,
	"https":  true,
	"rtsp":   true,
	"mms":    true,
	"mmsu":   true,
	"mmst":   true,
	"tunnel": true,
}

// URL is a mutable view over scheme/host/port/path/query, matching the
// capability contract spec.md §6 requires of the URL collaborator: create,
// parse, clone, get/set each field, serialize, length.
type URL struct {
	Scheme string
	Host   string
	Port   int // 0 means "unset / matches any port"
	Path   string
	Query  string

	// rawTail holds everything after scheme://host[:port] verbatim when the
	// url was parsed in "no path breakdown" mode (used for FROM urls, which
	// must preserve arbitrary trailing data as the path per spec.md §6).
	rawTail string
}

// ParseMode controls how Parse breaks a URL string into fields.
type ParseMode int

const (
	// ParseModeBreakdown parses path and query as separate fields.
	ParseModeBreakdown ParseMode = iota
	// ParseModeRawTail keeps everything after the authority as the raw path,
	// without a separate query field. Required for FROM urls (spec.md §6).
	ParseModeRawTail
)

// Parse parses raw into a URL using the given mode. It accepts bare
// "scheme://host[:port][/path]" forms; a missing path is left empty (the
// caller is responsible for the compiler's "whack" step that appends a
// single trailing slash per spec.md §4.1).
func Parse(raw string, mode ParseMode) (*URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing url %q: %w", raw, err)
	}
	if u.Scheme == "" {
		return nil, fmt.Errorf("url %q has no scheme", raw)
	}

	v := &URL{
		Scheme: strings.ToLower(u.Scheme),
		Host:   u.Hostname(),
	}

	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("url %q has invalid port %q: %w", raw, p, err)
		}
		v.Port = port
	}

	switch mode {
	case ParseModeRawTail:
		tail := u.Path
		if u.RawQuery != "" {
			tail += "?" + u.RawQuery
		}
		v.rawTail = tail
		v.Path = u.Path
	default:
		v.Path = u.Path
		v.Query = u.RawQuery
	}

	return v, nil
}

// Clone returns an independent copy of v. Plugins and the regex index rely on
// Clone to produce a new to-URL without mutating the rule's own to-URL
// (spec.md §4.3: "the original rule's to-URL is never modified").
func (v *URL) Clone() *URL {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// RawTail returns the raw, unsegmented tail captured under ParseModeRawTail.
func (v *URL) RawTail() string {
	if v.rawTail != "" {
		return v.rawTail
	}
	return v.Path
}

// HasPathBreakdown reports whether Path/Query were parsed as separate
// components (ParseModeBreakdown) rather than captured as a raw tail.
func (v *URL) HasPathBreakdown() bool {
	return v.rawTail == ""
}

// String serializes the view back into a URL string.
func (v *URL) String() string {
	var b strings.Builder
	b.WriteString(v.Scheme)
	b.WriteString("://")
	b.WriteString(v.Host)
	if v.Port != 0 {
		b.WriteString(":")
		b.WriteString(strconv.Itoa(v.Port))
	}
	path := v.Path
	if v.rawTail != "" {
		path = v.rawTail
	}
	if path != "" && !strings.HasPrefix(path, "/") {
		b.WriteString("/")
	}
	b.WriteString(path)
	if v.Query != "" {
		b.WriteString("?")
		b.WriteString(v.Query)
	}
	return b.String()
}

// Len returns the serialized length, matching the "length" accessor spec.md
// §6 requires of the URL capability.
func (v *URL) Len() int {
	return len(v.String())
}

// LowercaseHost returns Host lowercased; hash-index lookups always lowercase
// both the stored key and the request host (spec.md §3 invariants).
func (v *URL) LowercaseHost() string {
	return strings.ToLower(v.Host)
}

// EndsWithDoubleSlash reports whether the raw tail ended with "//", which
// marks a rule as unique per spec.md §3.
func (v *URL) EndsWithDoubleSlash() bool {
	t := v.rawTail
	if t == "" {
		t = v.Path
	}
	return strings.HasSuffix(t, "//")
}
