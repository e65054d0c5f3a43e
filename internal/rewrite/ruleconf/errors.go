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

package ruleconf

import "fmt"

// ConfigError is one malformed line. The compiler accumulates these and
// skips the offending line rather than aborting the whole build
// (spec.md §4.1, "malformed lines are skipped with a diagnostic").
type ConfigError struct {
	Line    int
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Message)
}

// ErrorList collects every ConfigError seen during a Compile call.
type ErrorList struct {
	Errors []*ConfigError
}

func (l *ErrorList) add(line int, format string, args ...any) {
	l.Errors = append(l.Errors, &ConfigError{Line: line, Message: fmt.Sprintf(format, args...)})
}

func (l *ErrorList) Error() string {
	if len(l.Errors) == 0 {
		return "no errors"
	}
	if len(l.Errors) == 1 {
		return l.Errors[0].Error()
	}
	return fmt.Sprintf("%s (and %d more)", l.Errors[0].Error(), len(l.Errors)-1)
}

// Empty reports whether no errors were recorded.
func (l *ErrorList) Empty() bool {
	return len(l.Errors) == 0
}
