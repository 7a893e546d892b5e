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

package engine

import (
	"strings"

	"github.com/google/uuid"

	"github.com/jordigilh/orchestrator-core/pkg/orchestratortypes"
)

// Planner turns a free-text user request into a classification and an
// ordered, immediately-executable step list (spec §4.6 step 1: "classify
// the request, materialize an ordered step list"). A planning failure is
// surfaced as ErrorTypePlanning before the workflow ever reaches executing.
type Planner interface {
	Plan(userMessage string) (orchestratortypes.WorkflowClassification, []*orchestratortypes.Step, error)
}

// KeywordPlanner is the default Planner: it classifies a request by
// keyword match against the closed classification set (spec §2) and
// expands each classification into a fixed step template. Real
// deployments are expected to supply a richer Planner (e.g. backed by an
// external reasoning service); KeywordPlanner exists so the engine is
// usable and testable without one.
type KeywordPlanner struct {
	templates map[orchestratortypes.WorkflowClassification][]stepTemplate
}

type stepTemplate struct {
	description      string
	action           string
	agentType        string
	requiresApproval bool
}

// NewKeywordPlanner builds a KeywordPlanner with the built-in templates for
// every classification in orchestratortypes.
func NewKeywordPlanner() *KeywordPlanner {
	return &KeywordPlanner{
		templates: map[orchestratortypes.WorkflowClassification][]stepTemplate{
			orchestratortypes.ClassificationSimple: {
				{description: "run requested action", action: "{{ .user_message }}", agentType: "echo"},
			},
			orchestratortypes.ClassificationSecurityScan: {
				{description: "enumerate open ports", action: "port_scan", agentType: "remote", requiresApproval: false},
				{description: "run vulnerability scan", action: "vuln_scan", agentType: "remote", requiresApproval: true},
			},
			orchestratortypes.ClassificationNetworkDiscovery: {
				{description: "discover hosts on the network", action: "host_discovery", agentType: "remote"},
				{description: "resolve service banners", action: "service_enum", agentType: "remote"},
			},
			orchestratortypes.ClassificationResearch: {
				{description: "gather background information", action: "research", agentType: "echo"},
			},
			orchestratortypes.ClassificationComposite: {
				{description: "enumerate open ports", action: "port_scan", agentType: "remote"},
				{description: "run vulnerability scan", action: "vuln_scan", agentType: "remote", requiresApproval: true},
				{description: "summarize findings", action: "research", agentType: "echo"},
			},
		},
	}
}

// classificationKeywords maps substrings found in a lowercased user message
// to the classification they imply. Checked in order; first match wins.
var classificationKeywords = []struct {
	substr string
	class  orchestratortypes.WorkflowClassification
}{
	{"vulnerability", orchestratortypes.ClassificationSecurityScan},
	{"vuln scan", orchestratortypes.ClassificationSecurityScan},
	{"security scan", orchestratortypes.ClassificationSecurityScan},
	{"port scan", orchestratortypes.ClassificationSecurityScan},
	{"discover hosts", orchestratortypes.ClassificationNetworkDiscovery},
	{"network discovery", orchestratortypes.ClassificationNetworkDiscovery},
	{"scan the network", orchestratortypes.ClassificationNetworkDiscovery},
	{"research", orchestratortypes.ClassificationResearch},
	{"investigate", orchestratortypes.ClassificationResearch},
	{"and then", orchestratortypes.ClassificationComposite},
}

// Plan implements Planner.
func (p *KeywordPlanner) Plan(userMessage string) (orchestratortypes.WorkflowClassification, []*orchestratortypes.Step, error) {
	classification := p.classify(userMessage)
	templates, ok := p.templates[classification]
	if !ok {
		classification = orchestratortypes.ClassificationSimple
		templates = p.templates[classification]
	}

	steps := make([]*orchestratortypes.Step, 0, len(templates))
	for _, t := range templates {
		steps = append(steps, &orchestratortypes.Step{
			ID:               uuid.NewString(),
			Description:      t.description,
			Action:           t.action,
			AgentType:        t.agentType,
			Inputs:           map[string]interface{}{"user_message": userMessage},
			RequiresApproval: t.requiresApproval,
			Status:           orchestratortypes.StepStatusPending,
		})
	}
	return classification, steps, nil
}

func (p *KeywordPlanner) classify(userMessage string) orchestratortypes.WorkflowClassification {
	lower := strings.ToLower(userMessage)
	for _, k := range classificationKeywords {
		if strings.Contains(lower, k.substr) {
			return k.class
		}
	}
	return orchestratortypes.ClassificationSimple
}
