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

// Command remap-build compiles and validates a remap rule file without
// serving traffic, reporting every diagnostic the compiler accumulated
// (spec.md §7, "building is a bulk operation that accumulates warnings and
// returns success if any rules loaded").
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/remapcore/engine/internal/rewrite/config"
	"github.com/remapcore/engine/internal/rewrite/ruleconf"
)

func main() {
	var (
		rulesPath    = flag.String("rules", "remap.config", "path to the remap rule file to validate")
		pluginDir    = flag.String("plugin-dir", "plugins", "directory relative @plugin= paths resolve against")
		loadPlugins  = flag.Bool("load-plugins", false, "actually open and initialize @plugin= shared objects instead of just recording them")
		strict       = flag.Bool("strict", false, "exit non-zero if any warning was recorded, even though rules loaded")
	)
	flag.Parse()

	opts := ruleconf.Options{}
	if *loadPlugins {
		opts = config.PluginDirOptions(*pluginDir, nil)
	}

	result, err := ruleconf.CompileFile(*rulesPath, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "remap-build: %s\n", err)
		os.Exit(1)
	}

	for _, w := range result.Warnings.Errors {
		fmt.Fprintf(os.Stderr, "%s: %s\n", *rulesPath, w.Error())
	}

	fmt.Printf("%s: %d rules, %d forward regex, %d reverse regex, %d permanent-redirect regex, %d temporary-redirect regex, %d warnings\n",
		*rulesPath,
		result.Table.Arena.Len(),
		result.Regex[0].Len(),
		result.Regex[1].Len(),
		result.Regex[2].Len(),
		result.Regex[3].Len(),
		len(result.Warnings.Errors),
	)

	if *strict && !result.Warnings.Empty() {
		os.Exit(1)
	}
}
