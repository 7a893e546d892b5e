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

package channeladapter

import (
	"fmt"

	"github.com/slack-go/slack"

	"github.com/jordigilh/orchestrator-core/pkg/orchestratortypes"
)

// SlackPoster is the subset of *slack.Client SlackSink depends on, so tests
// can substitute a fake without talking to the Slack API.
type SlackPoster interface {
	PostMessage(channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackSink posts terminal and approval events to one ops channel. It never
// subscribes to progress-class topics (the adapter's own filter, applied by
// whoever calls Bus.Subscribe, should scope it to critical topics only).
type SlackSink struct {
	client    SlackPoster
	channelID string
}

// NewSlackSink builds a SlackSink posting to channelID via client.
func NewSlackSink(client SlackPoster, channelID string) *SlackSink {
	return &SlackSink{client: client, channelID: channelID}
}

// Send implements Sink.
func (s *SlackSink) Send(event orchestratortypes.Event) error {
	text := formatSlackMessage(event)
	_, _, err := s.client.PostMessage(s.channelID, slack.MsgOptionText(text, false))
	return err
}

// Close implements Sink. Slack has no connection to tear down.
func (s *SlackSink) Close() error { return nil }

func formatSlackMessage(event orchestratortypes.Event) string {
	switch event.Topic {
	case orchestratortypes.TopicWorkflowApprovalRequired:
		return fmt.Sprintf(":rotating_light: approval required — %v", event.Payload)
	case orchestratortypes.TopicWorkflowCompleted:
		return fmt.Sprintf(":white_check_mark: workflow completed — %v", event.Payload)
	case orchestratortypes.TopicWorkflowFailed:
		return fmt.Sprintf(":x: workflow failed — %v", event.Payload)
	case orchestratortypes.TopicWorkflowCancelled:
		return fmt.Sprintf(":no_entry_sign: workflow cancelled — %v", event.Payload)
	case orchestratortypes.TopicWorkflowTimeout:
		return fmt.Sprintf(":hourglass: workflow timed out — %v", event.Payload)
	default:
		return fmt.Sprintf("%s — %v", event.Topic, event.Payload)
	}
}
