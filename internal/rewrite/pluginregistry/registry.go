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

// Package pluginregistry loads and caches shared-object remap plugins
// (spec.md §4.6).
package pluginregistry

import (
	"fmt"
	"os"
	"path/filepath"
	"plugin"
	"sync"
)

// RemapResult mirrors the four outcomes a plugin's do_remap may return
// (spec.md §4.5).
type RemapResult int

const (
	NoRemap RemapResult = iota
	NoRemapStop
	DidRemap
	DidRemapStop
)

// RequestInfo is the read-only handle set shared with a plugin's do_remap
// call (spec.md §4.5, "rri"): the request header, request URL, and the
// rule's from/to URLs. Plugins mutate RequestURL in place and set Redirect.
type RequestInfo struct {
	RequestHeader any // opaque header handle; out of scope (spec.md §1)
	RequestURL    any // *urlview.URL, untyped here to avoid an import cycle
	FromURL       any
	ToURL         any
	Redirect      bool
}

// Instance is the opaque per-rule plugin instance handle spec.md §3 assigns
// to each (rule, plugin) pair.
type Instance any

// PluginRunner is one resolved (plugin, instance) pair bound into a rule's
// chain, ready for package pluginchain to drive. Txn is the opaque
// per-request transaction handle passed through to DoRemap/OSResponse
// unexamined by this core (spec.md §1, Non-goals).
type PluginRunner struct {
	DoRemap  func(inst Instance, txn any, rri *RequestInfo) RemapResult
	Instance Instance
	Txn      any
}

// Capability is the fixed function table a loaded plugin exposes
// (spec.md §4.6, §9 "Plugin VTables"). Init, NewInstance, and DoRemap are the
// three required symbols; DeleteInstance, OSResponse, and Done are optional
// and may be nil.
type Capability struct {
	Init           func() error
	NewInstance    func(argv []string) (Instance, error)
	DeleteInstance func(Instance)
	DoRemap        func(inst Instance, txn any, rri *RequestInfo) RemapResult
	OSResponse     func(inst Instance, txn any)
	Done           func()
}

// symbolNames are the six fixed names resolved from a loaded .so, matching
// spec.md §4.6's "resolve the six symbols by fixed name".
var symbolNames = struct {
	Init, NewInstance, DeleteInstance, DoRemap, OSResponse, Done string
}{
	Init:           "RemapInit",
	NewInstance:    "RemapNewInstance",
	DeleteInstance: "RemapDeleteInstance",
	DoRemap:        "RemapDoRemap",
	OSResponse:     "RemapOSResponse",
	Done:           "RemapDone",
}

// Info is one loaded plugin, singleton per resolved path (spec.md §3).
type Info struct {
	Path       string
	Cap        Capability
	initDone   bool
	initDoneMu sync.Mutex
}

// EnsureInit calls Init exactly once for this plugin, the first time any
// rule loads it (spec.md §4.6, "One-time init is called the first time a
// plugin is loaded").
func (i *Info) EnsureInit() error {
	i.initDoneMu.Lock()
	defer i.initDoneMu.Unlock()
	if i.initDone {
		return nil
	}
	if i.Cap.Init != nil {
		if err := i.Cap.Init(); err != nil {
			return fmt.Errorf("plugin %s: init failed: %w", i.Path, err)
		}
	}
	i.initDone = true
	return nil
}

// Registry caches loaded plugins keyed by resolved path.
type Registry struct {
	mu      sync.Mutex
	byPath  map[string]*Info
	plugDir string

	// open is the symbol-resolution hook; swappable in tests since real .so
	// files can't be built at test time. Defaults to real plugin.Open.
	open func(path string) (symbolLookup, error)
}

type symbolLookup interface {
	Lookup(symName string) (plugin.Symbol, error)
}

// New returns a registry resolving relative @plugin= paths against pluginDir
// (spec.md §4.6: "if the path is absolute and exists, use it; otherwise
// resolve against the plugin directory").
func New(pluginDir string) *Registry {
	return &Registry{
		byPath: make(map[string]*Info),
		plugDir: pluginDir,
		open: func(path string) (symbolLookup, error) {
			return plugin.Open(path)
		},
	}
}

// Resolve turns a configured @plugin= path into an absolute, existing path.
func (r *Registry) Resolve(path string) (string, error) {
	if filepath.IsAbs(path) {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	candidate := filepath.Join(r.plugDir, path)
	if _, err := os.Stat(candidate); err != nil {
		return "", fmt.Errorf("plugin %q not found under %q: %w", path, r.plugDir, err)
	}
	return candidate, nil
}

// Load resolves path, opens the shared object on first sight, resolves its
// six symbols, and returns the cached *Info thereafter. Init/NewInstance
// failures are the caller's responsibility to treat as fatal
// (spec.md §4.6, §6 "Exit codes").
func (r *Registry) Load(path string) (*Info, error) {
	resolved, err := r.Resolve(path)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if info, ok := r.byPath[resolved]; ok {
		return info, nil
	}

	p, err := r.open(resolved)
	if err != nil {
		return nil, fmt.Errorf("opening plugin %q: %w", resolved, err)
	}

	cap, err := resolveCapability(p)
	if err != nil {
		return nil, fmt.Errorf("loading plugin %q: %w", resolved, err)
	}

	info := &Info{Path: resolved, Cap: cap}
	r.byPath[resolved] = info
	return info, nil
}

func resolveCapability(p symbolLookup) (Capability, error) {
	var cap Capability

	initSym, err := p.Lookup(symbolNames.Init)
	if err != nil {
		return cap, fmt.Errorf("required symbol %s missing: %w", symbolNames.Init, err)
	}
	initFn, ok := initSym.(func() error)
	if !ok {
		return cap, fmt.Errorf("symbol %s has unexpected type", symbolNames.Init)
	}
	cap.Init = initFn

	newInstSym, err := p.Lookup(symbolNames.NewInstance)
	if err != nil {
		return cap, fmt.Errorf("required symbol %s missing: %w", symbolNames.NewInstance, err)
	}
	newInst, ok := newInstSym.(func([]string) (Instance, error))
	if !ok {
		return cap, fmt.Errorf("symbol %s has unexpected type", symbolNames.NewInstance)
	}
	cap.NewInstance = newInst

	doRemapSym, err := p.Lookup(symbolNames.DoRemap)
	if err != nil {
		return cap, fmt.Errorf("required symbol %s missing: %w", symbolNames.DoRemap, err)
	}
	doRemap, ok := doRemapSym.(func(Instance, any, *RequestInfo) RemapResult)
	if !ok {
		return cap, fmt.Errorf("symbol %s has unexpected type", symbolNames.DoRemap)
	}
	cap.DoRemap = doRemap

	if sym, err := p.Lookup(symbolNames.DeleteInstance); err == nil {
		if fn, ok := sym.(func(Instance)); ok {
			cap.DeleteInstance = fn
		}
	}
	if sym, err := p.Lookup(symbolNames.OSResponse); err == nil {
		if fn, ok := sym.(func(Instance, any)); ok {
			cap.OSResponse = fn
		}
	}
	if sym, err := p.Lookup(symbolNames.Done); err == nil {
		if fn, ok := sym.(func()); ok {
			cap.Done = fn
		}
	}

	return cap, nil
}
