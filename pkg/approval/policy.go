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

package approval

import (
	"context"

	"github.com/open-policy-agent/opa/rego"

	"github.com/jordigilh/orchestrator-core/internal/errors"
)

// PolicyInput is the document evaluated against the approval Rego policy.
type PolicyInput struct {
	AgentType      string `json:"agent_type"`
	Classification string `json:"classification"`
	Action         string `json:"action"`
}

// PolicyEvaluator decides, beyond a step's own RequiresApproval flag,
// whether the current policy overrides that default (e.g. an org rule that
// everything touching "network_discovery" always needs a human).
type PolicyEvaluator struct {
	query rego.PreparedEvalQuery
}

// NewPolicyEvaluator compiles a Rego module exposing a boolean
// `data.orchestrator.approval.requires_approval` rule.
func NewPolicyEvaluator(ctx context.Context, module string) (*PolicyEvaluator, error) {
	query, err := rego.New(
		rego.Query("data.orchestrator.approval.requires_approval"),
		rego.Module("approval.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to compile approval policy")
	}
	return &PolicyEvaluator{query: query}, nil
}

// RequiresApproval evaluates the policy for the given input. A policy
// returning no result (undefined) is treated as "no override" (false).
func (p *PolicyEvaluator) RequiresApproval(ctx context.Context, input PolicyInput) (bool, error) {
	results, err := p.query.Eval(ctx, rego.EvalInput(map[string]interface{}{
		"agent_type":     input.AgentType,
		"classification": input.Classification,
		"action":         input.Action,
	}))
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeInternal, "approval policy evaluation failed")
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}
	decision, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return false, nil
	}
	return decision, nil
}

// DefaultApprovalPolicy is the starter Rego module: security_scan and
// network_discovery classifications always require approval regardless of
// what the plan template says, matching the caution the source repo applies
// to those agent families.
const DefaultApprovalPolicy = `
package orchestrator.approval

default requires_approval = false

requires_approval {
	input.classification == "security_scan"
}

requires_approval {
	input.classification == "network_discovery"
}
`
