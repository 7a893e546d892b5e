/*
Copyright 2025 Jordi Gil.

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

package executor

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/itchyny/gojq"
)

// templatePattern matches a `{{ <jq expression> }}` placeholder inside an
// action string or an input value.
var templatePattern = regexp.MustCompile(`\{\{\s*(.+?)\s*\}\}`)

// RenderInputs evaluates any `{{ ... }}` jq placeholders found in string
// values of inputs against context, returning a new map with substitutions
// applied. Non-string values and inputs without placeholders pass through
// unchanged.
func RenderInputs(inputs map[string]interface{}, context map[string]interface{}) (map[string]interface{}, error) {
	rendered := make(map[string]interface{}, len(inputs))
	for k, v := range inputs {
		s, ok := v.(string)
		if !ok || !templatePattern.MatchString(s) {
			rendered[k] = v
			continue
		}
		out, err := renderString(s, context)
		if err != nil {
			return nil, fmt.Errorf("render input %q: %w", k, err)
		}
		rendered[k] = out
	}
	return rendered, nil
}

// renderString substitutes every `{{ expr }}` placeholder in s with the
// jq-evaluated result of expr against context.
func renderString(s string, context map[string]interface{}) (string, error) {
	var evalErr error
	out := templatePattern.ReplaceAllStringFunc(s, func(match string) string {
		if evalErr != nil {
			return match
		}
		expr := templatePattern.FindStringSubmatch(match)[1]
		value, err := evalJQ(expr, context)
		if err != nil {
			evalErr = err
			return match
		}
		return stringify(value)
	})
	if evalErr != nil {
		return "", evalErr
	}
	return out, nil
}

// evalJQ compiles and runs a single jq expression against data, returning
// its first result.
func evalJQ(expression string, data interface{}) (interface{}, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("parse jq expression %q: %w", expression, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("compile jq expression %q: %w", expression, err)
	}
	iter := code.Run(data)
	v, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if err, isErr := v.(error); isErr {
		return nil, fmt.Errorf("evaluate jq expression %q: %w", expression, err)
	}
	return v, nil
}

// stringify renders a jq result as the text it should replace a placeholder
// with: strings pass through raw, everything else is JSON-encoded.
func stringify(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// ValidateTemplate checks that every `{{ ... }}` placeholder in s holds a
// syntactically valid jq expression, without evaluating it. Nothing in the
// planner or engine calls it; a malformed placeholder in a step is reported
// only when the Runner renders that step.
func ValidateTemplate(s string) error {
	for _, m := range templatePattern.FindAllStringSubmatch(s, -1) {
		if _, err := gojq.Parse(m[1]); err != nil {
			return fmt.Errorf("invalid jq expression %q: %w", m[1], err)
		}
	}
	return nil
}
