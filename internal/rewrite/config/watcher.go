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

package config

import (
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/remapcore/engine/internal/rewrite/ruleconf"
	"github.com/remapcore/engine/internal/rewrite/rewriter"
)

// Watcher holds the live, atomically-swapped Rewriter and optionally
// rebuilds it whenever its source file changes, following the teacher's
// Loader.Watch/watchLoop shape (pkg/routes/loader.go) adapted from a
// directory of JSON route files to a single remap rule file.
type Watcher struct {
	path    string
	opts    ruleconf.Options
	log     *zap.Logger
	current atomic.Pointer[rewriter.Rewriter]

	fsw      *fsnotify.Watcher
	onChange func(*ruleconf.ErrorList)
}

// NewWatcher performs the first build and returns a Watcher serving it; the
// rule table is never nil after a successful call.
func NewWatcher(path string, opts ruleconf.Options, log *zap.Logger) (*Watcher, *ruleconf.ErrorList, error) {
	rw, warnings, err := Build(path, opts, log)
	if err != nil {
		return nil, nil, err
	}
	w := &Watcher{path: path, opts: opts, log: log}
	w.current.Store(rw)
	return w, warnings, nil
}

// Current returns the live Rewriter. Safe to call concurrently with Watch's
// rebuilds; the swap is atomic and never exposes a half-built table.
func (w *Watcher) Current() *rewriter.Rewriter {
	return w.current.Load()
}

// Watch starts an fsnotify watch on the rule file's directory and rebuilds
// on every write/create event that targets it, swapping Current() in place.
// A rebuild failure is logged and the previous, still-valid Rewriter is
// kept live — reload never regresses to a broken table.
func (w *Watcher) Watch(onChange func(*ruleconf.ErrorList)) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	w.fsw = fsw
	w.onChange = onChange

	go w.watchLoop()

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("watching %q: %w", dir, err)
	}
	return nil
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			rw, warnings, err := Build(w.path, w.opts, w.log)
			if err != nil {
				if w.log != nil {
					w.log.Error("remap config reload failed, keeping previous table", zap.Error(err))
				}
				continue
			}
			w.current.Store(rw)
			if w.onChange != nil {
				w.onChange(warnings)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if w.log != nil {
				w.log.Error("remap config watcher error", zap.Error(err))
			}
		}
	}
}

// Close stops the watch and releases the fsnotify handle.
func (w *Watcher) Close() error {
	if w.fsw != nil {
		return w.fsw.Close()
	}
	return nil
}
