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

// Package ruleconf compiles a line-oriented remap rule file into a rule
// table, filter library, and per-class regex index (spec.md §4.1).
package ruleconf

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/remapcore/engine/internal/rewrite/acl"
	"github.com/remapcore/engine/internal/rewrite/pluginregistry"
	"github.com/remapcore/engine/internal/rewrite/regexindex"
	"github.com/remapcore/engine/internal/rewrite/ruletable"
	"github.com/remapcore/engine/internal/rewrite/urlview"
)

// MaxFiltersPerRule bounds the number of filters (active-queue plus any
// inline @method=/@src_ip=/@action= filter) a single rule may carry
// (spec.md §4.1, "too many filters per rule" failure mode). Not specified
// numerically by the source; chosen generously since filters are cheap.
const MaxFiltersPerRule = 8

// Options configures one Compile call.
type Options struct {
	// Resolver performs the tunnel/mms A-record duplication step
	// (spec.md §4.1 step 4). May be nil to skip it.
	Resolver Resolver

	// Plugins loads and instantiates @plugin= attachments. May be nil, in
	// which case plugin attachments are recorded on the rule (path and
	// params) but never opened or instantiated — useful for compiling and
	// validating a config without the shared objects present.
	Plugins *pluginregistry.Registry

	// BackdoorInternalHost and AutoconfPort configure the two synthetic
	// rules spec.md §4.1 step 5 describes. Leave both zero-valued to skip.
	BackdoorInternalHost string
	AutoconfPort         int
}

// classSpec is one recognized remap-line tag.
type classSpec struct {
	class          ruletable.Class
	mapWithReferer bool
}

var classTags = map[string]classSpec{
	"map":                {class: ruletable.ClassForward},
	"reverse_map":        {class: ruletable.ClassReverse},
	"redirect":           {class: ruletable.ClassPermanentRedirect},
	"redirect_temporary": {class: ruletable.ClassTemporaryRedirect},
	"map_with_referer":   {class: ruletable.ClassForward, mapWithReferer: true},
}

// Result is everything one rule file compiles into.
type Result struct {
	Table    *ruletable.Table
	Regex    [4]*regexindex.Index
	Warnings *ErrorList
}

// CompileFile reads path and compiles it. Fatal plugin-load failures abort
// and return an error; every other malformed line is recorded in
// Result.Warnings and skipped (spec.md §7).
func CompileFile(path string, opts Options) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening rule file %q: %w", path, err)
	}
	defer f.Close()
	return Compile(f, opts)
}

// Compile reads r line by line and builds the rule table.
func Compile(r io.Reader, opts Options) (*Result, error) {
	c := &compiler{
		table:    ruletable.New(),
		warnings: &ErrorList{},
		opts:     opts,
	}
	for i := range c.regex {
		c.regex[i] = regexindex.New()
	}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if err := c.processLine(lineNo, scanner.Text()); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading rule file: %w", err)
	}

	if err := c.table.InstallSyntheticRules(opts.BackdoorInternalHost, opts.AutoconfPort); err != nil {
		return nil, fmt.Errorf("installing synthetic rules: %w", err)
	}
	c.table.Finalize()

	return &Result{Table: c.table, Regex: c.regex, Warnings: c.warnings}, nil
}

type compiler struct {
	table    *ruletable.Table
	regex    [4]*regexindex.Index
	warnings *ErrorList
	opts     Options
}

// processLine tokenizes one line, strips comments, and dispatches it; a
// malformed line is recorded as a warning and skipped, never aborting the
// build (spec.md §4.1, §7). Plugin-load failures are the one fatal
// exception and propagate as an error.
func (c *compiler) processLine(lineNo int, raw string) error {
	tokens := tokenize(raw)
	if len(tokens) == 0 {
		return nil
	}

	first := tokens[0]
	switch {
	case strings.HasPrefix(first, "."):
		c.dispatchDirective(lineNo, tokens)
		return nil
	default:
		return c.dispatchRemap(lineNo, tokens)
	}
}

// tokenize splits raw on whitespace and truncates at the first "#" token
// that is not itself part of an earlier token (spec.md §4.1: "# introduces
// a comment; blank lines ignored; a trailing line continuation is not
// supported").
func tokenize(raw string) []string {
	fields := strings.Fields(raw)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if strings.HasPrefix(f, "#") {
			break
		}
		out = append(out, f)
	}
	return out
}

func (c *compiler) dispatchDirective(lineNo int, tokens []string) {
	name := tokens[0]
	switch name {
	case ".definefilter":
		if len(tokens) < 2 {
			c.warnings.add(lineNo, "%s requires a filter name", name)
			return
		}
		filter := c.table.Filter.Define(tokens[1])
		for _, arg := range tokens[2:] {
			filter.DeferArg(arg)
		}
		if err := filter.ValidateFilterArgs(); err != nil {
			c.warnings.add(lineNo, "%s", err)
		}
	case ".deletefilter":
		if len(tokens) != 2 {
			c.warnings.add(lineNo, "%s requires exactly one filter name", name)
			return
		}
		c.table.Filter.Delete(tokens[1])
	case ".usefilter":
		if len(tokens) != 2 {
			c.warnings.add(lineNo, "%s requires exactly one filter name", name)
			return
		}
		if err := c.table.Filter.Use(tokens[1]); err != nil {
			c.warnings.add(lineNo, "%s", err)
		}
	case ".unusefilter":
		if len(tokens) != 2 {
			c.warnings.add(lineNo, "%s requires exactly one filter name", name)
			return
		}
		c.table.Filter.Unuse(tokens[1])
	default:
		c.warnings.add(lineNo, "unknown directive %q", name)
	}
}

// dispatchRemap parses and installs one remap line. Returns a non-nil error
// only for a fatal plugin-load failure (spec.md §7, PluginLoadFatal); every
// other problem is recorded as a warning and the line is skipped.
func (c *compiler) dispatchRemap(lineNo int, tokens []string) error {
	tag := tokens[0]
	regex := false
	if strings.HasPrefix(tag, "regex_") {
		regex = true
		tag = strings.TrimPrefix(tag, "regex_")
	}

	spec, ok := classTags[tag]
	if !ok {
		c.warnings.add(lineNo, "unknown remap class %q", tokens[0])
		return nil
	}

	if len(tokens) < 3 {
		c.warnings.add(lineNo, "%s requires FROM and TO urls", tokens[0])
		return nil
	}

	fromRaw, toRaw := whack(tokens[1]), whack(tokens[2])

	// url.Parse rejects "*" as a scheme, so a wildcard FROM is parsed with a
	// stand-in scheme that is swapped back afterwards.
	parseRaw := fromRaw
	wildcardScheme := strings.HasPrefix(fromRaw, "*://")
	if wildcardScheme {
		parseRaw = "http" + fromRaw[1:]
	}
	from, err := urlview.Parse(parseRaw, urlview.ParseModeRawTail)
	if err != nil && regex {
		// url.Parse also rejects regex metacharacters such as "\" in a host:
		// parse with a placeholder host and keep the pattern text verbatim.
		if i := strings.Index(parseRaw, "://"); i != -1 {
			rest := parseRaw[i+3:]
			if j := strings.Index(rest, "/"); j != -1 {
				if from, err = urlview.Parse(parseRaw[:i+3]+"regex.invalid"+rest[j:], urlview.ParseModeRawTail); err == nil {
					from.Host = rest[:j]
				}
			}
		}
	}
	if err != nil {
		c.warnings.add(lineNo, "parsing FROM url %q: %s", fromRaw, err)
		return nil
	}
	if wildcardScheme {
		from.Scheme = "*"
	}
	if !wildcardScheme && !urlview.AcceptedSchemes[from.Scheme] && from.Scheme != "file" {
		c.warnings.add(lineNo, "unknown FROM scheme %q", from.Scheme)
		return nil
	}
	if !regex {
		// Lowercase only a literal from-host; a regex_ rule's "host" is a
		// pattern and must keep its original case (spec.md §4.3).
		from.Host = strings.ToLower(from.Host)
	}

	to, err := urlview.Parse(toRaw, urlview.ParseModeBreakdown)
	if err != nil {
		c.warnings.add(lineNo, "parsing TO url %q: %s", toRaw, err)
		return nil
	}
	if !urlview.AcceptedSchemes[to.Scheme] {
		c.warnings.add(lineNo, "unknown TO scheme %q", to.Scheme)
		return nil
	}

	if spec.class == ruletable.ClassReverse && from.Host == "" {
		c.warnings.add(lineNo, "reverse_map requires a FROM hostname")
		return nil
	}

	rule := &ruletable.Rule{
		Class:              spec.class,
		From:               from,
		To:                 to,
		Rank:               lineNo,
		Unique:             from.EndsWithDoubleSlash(),
		WildcardFromScheme: wildcardScheme,
		MapWithReferer:     spec.mapWithReferer,
	}
	rule.Filters = append(rule.Filters, c.table.Filter.ActiveFilters()...)

	rest := tokens[3:]
	if len(rest) > 0 && !strings.HasPrefix(rest[0], "@") {
		rule.Tag = rest[0]
		rest = rest[1:]
	}

	if err := c.applyOptions(lineNo, rule, rest); err != nil {
		return err
	}

	if len(rule.Filters) > MaxFiltersPerRule {
		c.warnings.add(lineNo, "rule carries %d filters, exceeding the %d limit", len(rule.Filters), MaxFiltersPerRule)
		return nil
	}

	if regex {
		// The regex index resolves its to-URL through the rule's own arena
		// slot (package regexindex), so the rule is installed in the arena
		// but never in a hash index — only Compile's rank ceiling and the
		// regex pattern itself govern whether it is ever considered.
		id := c.table.Arena.Add(rule)
		if err := c.regex[spec.class].Compile(from.Host, id, lineNo, from.Scheme, from.Port, from.Path, to.Host); err != nil {
			c.warnings.add(lineNo, "%s", err)
			return nil
		}
	} else {
		c.table.AddRule(rule)
		c.duplicateForResolution(lineNo, spec.class, rule)
	}

	return nil
}

// whack appends a single trailing slash when raw is exactly
// "scheme://host[:port]" with no path, per spec.md §4.1 step 3.
func whack(raw string) string {
	idx := strings.Index(raw, "://")
	if idx == -1 {
		return raw
	}
	afterScheme := raw[idx+3:]
	if afterScheme == "" {
		return raw + "/"
	}
	if !strings.Contains(afterScheme, "/") {
		return raw + "/"
	}
	return raw
}

// applyOptions walks the @-prefixed option tokens on a remap line, handling
// @plugin=/@pparam= chaining, @method=/@src_ip=/@action= as an inline
// anonymous filter, @mapid=, and @map_with_referer (spec.md §4.1 step 3,
// §6's option table).
func (c *compiler) applyOptions(lineNo int, rule *ruletable.Rule, opts []string) error {
	var inlineFilter *acl.Filter
	var currentPlugin *ruletable.PluginAttachment

	flush := func() error {
		if currentPlugin == nil {
			return nil
		}
		if c.opts.Plugins != nil {
			if err := c.loadPlugin(currentPlugin); err != nil {
				return err
			}
		}
		rule.Plugins = append(rule.Plugins, *currentPlugin)
		currentPlugin = nil
		return nil
	}

	for _, opt := range opts {
		if !strings.HasPrefix(opt, "@") {
			c.warnings.add(lineNo, "unexpected token %q in option position", opt)
			continue
		}

		key, val, hasVal := strings.Cut(opt, "=")

		switch key {
		case "@plugin":
			if err := flush(); err != nil {
				return err
			}
			if !hasVal || val == "" {
				c.warnings.add(lineNo, "@plugin requires a path")
				continue
			}
			currentPlugin = &ruletable.PluginAttachment{
				Path:   val,
				Params: []string{rule.From.String(), rule.To.String()},
			}
		case "@pparam":
			if currentPlugin == nil {
				c.warnings.add(lineNo, "@pparam with no preceding @plugin=")
				continue
			}
			currentPlugin.Params = append(currentPlugin.Params, val)
		case "@method":
			if inlineFilter == nil {
				inlineFilter = acl.NewFilter("")
			}
			inlineFilter.AllowMethod(val)
		case "@src_ip":
			rng, err := acl.ParseIPRange(val)
			if err != nil {
				c.warnings.add(lineNo, "%s", err)
				continue
			}
			if inlineFilter == nil {
				inlineFilter = acl.NewFilter("")
			}
			inlineFilter.AddRange(rng)
		case "@action":
			allow, err := acl.ParseAction(val)
			if err != nil {
				c.warnings.add(lineNo, "%s", err)
				continue
			}
			if inlineFilter == nil {
				inlineFilter = acl.NewFilter("")
			}
			inlineFilter.Allow = allow
		case "@mapid":
			n, err := strconv.Atoi(val)
			if err != nil {
				c.warnings.add(lineNo, "@mapid requires an integer, got %q", val)
				continue
			}
			rule.MapID = n
			rule.HasMapID = true
		case "@map_with_referer":
			rule.MapWithReferer = true
		default:
			c.warnings.add(lineNo, "unknown option %q", key)
		}
	}

	if err := flush(); err != nil {
		return err
	}
	if inlineFilter != nil {
		rule.Filters = append(rule.Filters, inlineFilter)
	}
	return nil
}

// loadPlugin resolves, loads, and instantiates a @plugin= attachment
// through the registry, a fatal operation on failure (spec.md §4.6, §7
// PluginLoadFatal).
func (c *compiler) loadPlugin(p *ruletable.PluginAttachment) error {
	info, err := c.opts.Plugins.Load(p.Path)
	if err != nil {
		return fmt.Errorf("loading plugin %q: %w", p.Path, err)
	}
	if err := info.EnsureInit(); err != nil {
		return err
	}
	inst, err := info.Cap.NewInstance(p.Params)
	if err != nil {
		return fmt.Errorf("plugin %q new_instance failed: %w", p.Path, err)
	}
	p.Instance = inst
	p.Info = info
	return nil
}

// duplicateForResolution implements spec.md §4.1 step 4: forward rules over
// tunnel/mms resolve the from-host, and reverse rules over mms resolve the
// to-host, inserting one duplicate rule per returned address, all sharing
// the original rank.
func (c *compiler) duplicateForResolution(lineNo int, class ruletable.Class, rule *ruletable.Rule) {
	if c.opts.Resolver == nil {
		return
	}

	switch {
	case class == ruletable.ClassForward && (rule.From.Scheme == "tunnel" || rule.From.Scheme == "mms"):
		addrs, err := c.opts.Resolver.LookupIPv4(rule.From.Host)
		if err != nil {
			c.warnings.add(lineNo, "resolving %q: %s", rule.From.Host, err)
			return
		}
		for _, addr := range addrs {
			dup := *rule
			fromCopy := *rule.From
			fromCopy.Host = addr
			dup.From = &fromCopy
			c.table.AddRule(&dup)
		}
	case class == ruletable.ClassReverse && rule.To.Scheme == "mms":
		addrs, err := c.opts.Resolver.LookupIPv4(rule.To.Host)
		if err != nil {
			c.warnings.add(lineNo, "resolving %q: %s", rule.To.Host, err)
			return
		}
		for _, addr := range addrs {
			dup := *rule
			toCopy := *rule.To
			toCopy.Host = addr
			dup.To = &toCopy
			c.table.AddRule(&dup)
		}
	}
}
