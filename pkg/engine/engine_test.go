package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jordigilh/orchestrator-core/pkg/approval"
	"github.com/jordigilh/orchestrator-core/pkg/engine"
	"github.com/jordigilh/orchestrator-core/pkg/eventbus"
	"github.com/jordigilh/orchestrator-core/pkg/executor"
	"github.com/jordigilh/orchestrator-core/pkg/orchestratortypes"
)

func TestEngine(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Workflow Engine Suite")
}

type fixedPlanner struct {
	classification orchestratortypes.WorkflowClassification
	steps          []*orchestratortypes.Step
	err            error
}

func (p fixedPlanner) Plan(userMessage string) (orchestratortypes.WorkflowClassification, []*orchestratortypes.Step, error) {
	if p.err != nil {
		return "", nil, p.err
	}
	return p.classification, p.steps, nil
}

func oneStepPlan(agentType string, requiresApproval bool) fixedPlanner {
	return fixedPlanner{
		classification: orchestratortypes.ClassificationSimple,
		steps: []*orchestratortypes.Step{
			{ID: "step-1", AgentType: agentType, Action: "noop", RequiresApproval: requiresApproval, Status: orchestratortypes.StepStatusPending},
		},
	}
}

func newTestEngine(planner engine.Planner, cfg engine.Config) (*engine.Engine, *eventbus.Bus, *approval.Gate) {
	bus := eventbus.New(logr.Discard())
	gate := approval.New(bus, logr.Discard())
	registry := executor.NewRegistry()
	executor.RegisterBuiltins(registry)
	runner := executor.NewRunner(registry)
	e := engine.New(planner, runner, gate, bus, nil, logr.Discard(), cfg)
	return e, bus, gate
}

var _ = Describe("Engine.Execute", func() {
	It("fails fast with a planning error when the planner fails", func() {
		e, _, _ := newTestEngine(fixedPlanner{err: errors.New("bad request")}, engine.Config{})
		_, err := e.Execute(context.Background(), "do something", false)
		Expect(err).To(HaveOccurred())
	})

	It("runs a simple workflow with no approval gate to completion and retires it from the active set", func() {
		e, _, _ := newTestEngine(oneStepPlan("echo", false), engine.Config{})

		wf, err := e.Execute(context.Background(), "say hi", false)
		Expect(err).NotTo(HaveOccurred())
		Expect(wf.ID).NotTo(BeEmpty())

		Eventually(func() bool {
			_, err := e.Status(wf.ID)
			return err != nil
		}).Should(BeTrue())
	})

	It("reaches the completed terminal status before being removed from List", func() {
		e, bus, _ := newTestEngine(oneStepPlan("echo", false), engine.Config{})

		completed := make(chan orchestratortypes.Event, 1)
		bus.RegisterEgress(captureSubscriber{id: "sub", topic: orchestratortypes.TopicWorkflowCompleted, ch: completed})

		wf, err := e.Execute(context.Background(), "say hi", false)
		Expect(err).NotTo(HaveOccurred())

		Eventually(completed).Should(Receive())
		Eventually(func() bool {
			for _, w := range e.List() {
				if w.ID == wf.ID {
					return true
				}
			}
			return false
		}).Should(BeFalse())
	})

	It("suspends a step requiring approval and resumes it once approved", func() {
		e, _, _ := newTestEngine(oneStepPlan("echo", true), engine.Config{ApprovalTimeoutDefault: time.Minute})

		wf, err := e.Execute(context.Background(), "do the risky thing", false)
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() bool {
			status, err := e.Status(wf.ID)
			return err == nil && status.Status == orchestratortypes.WorkflowStatusWaitingApproval
		}).Should(BeTrue())

		Expect(e.Approve(wf.ID, "step-1", true, "looks fine")).To(Succeed())

		Eventually(func() error {
			_, err := e.Status(wf.ID)
			return err
		}).Should(HaveOccurred())
	})

	It("cancels a workflow waiting on approval", func() {
		e, _, _ := newTestEngine(oneStepPlan("echo", true), engine.Config{ApprovalTimeoutDefault: time.Minute})

		wf, err := e.Execute(context.Background(), "do the risky thing", false)
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() bool {
			status, err := e.Status(wf.ID)
			return err == nil && status.Status == orchestratortypes.WorkflowStatusWaitingApproval
		}).Should(BeTrue())

		Expect(e.Cancel(wf.ID)).To(Succeed())
	})

	It("fails a workflow whose step targets an unregistered agent_type", func() {
		e, bus, _ := newTestEngine(oneStepPlan("does-not-exist", false), engine.Config{})

		failed := make(chan orchestratortypes.Event, 1)
		bus.RegisterEgress(captureSubscriber{id: "sub", topic: orchestratortypes.TopicWorkflowFailed, ch: failed})

		_, err := e.Execute(context.Background(), "do something unsupported", false)
		Expect(err).NotTo(HaveOccurred())

		Eventually(failed).Should(Receive())
	})

	It("rejects admission once max_concurrent_workflows is exhausted", func() {
		e, _, _ := newTestEngine(oneStepPlan("echo", true), engine.Config{MaxConcurrentWorkflows: 1, ApprovalTimeoutDefault: time.Minute})

		_, err := e.Execute(context.Background(), "first", false)
		Expect(err).NotTo(HaveOccurred())

		_, err = e.Execute(context.Background(), "second", false)
		Expect(err).To(HaveOccurred())
	})
})

// captureSubscriber filters bus deliveries down to a single topic and
// forwards matches onto ch.
type captureSubscriber struct {
	id    string
	topic string
	ch    chan orchestratortypes.Event
}

func (c captureSubscriber) ID() string { return c.id }

func (c captureSubscriber) Deliver(event orchestratortypes.Event) error {
	if event.Topic != c.topic {
		return nil
	}
	select {
	case c.ch <- event:
	default:
	}
	return nil
}
