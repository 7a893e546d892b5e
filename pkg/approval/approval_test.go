package approval_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jordigilh/orchestrator-core/pkg/approval"
	"github.com/jordigilh/orchestrator-core/pkg/eventbus"
	"github.com/jordigilh/orchestrator-core/pkg/orchestratortypes"
)

func TestApproval(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Approval Gate Suite")
}

var _ = Describe("Gate", func() {
	var (
		bus  *eventbus.Bus
		gate *approval.Gate
	)

	BeforeEach(func() {
		bus = eventbus.New(logr.Discard())
		gate = approval.New(bus, logr.Discard())
	})

	It("registers a pending record and resolves it on approval", func() {
		ch, err := gate.Register("wf-1", "step_1", time.Now().Add(time.Hour))
		Expect(err).NotTo(HaveOccurred())
		Expect(gate.HasPending("wf-1", "step_1")).To(BeTrue())

		Expect(gate.Resolve("wf-1", "step_1", orchestratortypes.ApprovalApproved, "go ahead")).To(Succeed())

		var resolution orchestratortypes.ApprovalResolution
		Eventually(ch).Should(Receive(&resolution))
		Expect(resolution.Decision).To(Equal(orchestratortypes.ApprovalApproved))
		Expect(resolution.UserInput).To(Equal("go ahead"))
		Expect(gate.HasPending("wf-1", "step_1")).To(BeFalse())
	})

	It("rejects a second register for the same key", func() {
		_, err := gate.Register("wf-2", "step_1", time.Now().Add(time.Hour))
		Expect(err).NotTo(HaveOccurred())

		_, err = gate.Register("wf-2", "step_1", time.Now().Add(time.Hour))
		Expect(err).To(MatchError(approval.ErrAlreadyPending))
	})

	It("is idempotent first-writer-wins on resolve", func() {
		_, err := gate.Register("wf-3", "step_1", time.Now().Add(time.Hour))
		Expect(err).NotTo(HaveOccurred())

		Expect(gate.Resolve("wf-3", "step_1", orchestratortypes.ApprovalApproved, "")).To(Succeed())
		err = gate.Resolve("wf-3", "step_1", orchestratortypes.ApprovalDenied, "")
		Expect(err).To(MatchError(approval.ErrNotFound))
	})

	It("returns not found when resolving an unregistered key", func() {
		err := gate.Resolve("wf-missing", "step_1", orchestratortypes.ApprovalApproved, "")
		Expect(err).To(MatchError(approval.ErrNotFound))
	})

	It("cancels every pending record for a workflow", func() {
		ch1, _ := gate.Register("wf-4", "step_1", time.Now().Add(time.Hour))
		ch2, _ := gate.Register("wf-4", "step_2", time.Now().Add(time.Hour))
		_, _ = gate.Register("wf-5", "step_1", time.Now().Add(time.Hour))

		gate.CancelForWorkflow("wf-4")

		var r1, r2 orchestratortypes.ApprovalResolution
		Eventually(ch1).Should(Receive(&r1))
		Eventually(ch2).Should(Receive(&r2))
		Expect(r1.Decision).To(Equal(orchestratortypes.ApprovalCancelled))
		Expect(r2.Decision).To(Equal(orchestratortypes.ApprovalCancelled))
		Expect(gate.Pending()).To(Equal(1)) // wf-5/step_1 untouched
	})

	It("resolves expired records as timeout on GC", func() {
		ch, _ := gate.Register("wf-6", "step_1", time.Now().Add(-time.Minute))
		swept := gate.GC()
		Expect(swept).To(Equal(1))

		var resolution orchestratortypes.ApprovalResolution
		Eventually(ch).Should(Receive(&resolution))
		Expect(resolution.Decision).To(Equal(orchestratortypes.ApprovalTimeout))
		Expect(gate.HasPending("wf-6", "step_1")).To(BeFalse())
	})

	It("leaves non-expired records alone on GC", func() {
		_, _ = gate.Register("wf-7", "step_1", time.Now().Add(time.Hour))
		Expect(gate.GC()).To(Equal(0))
		Expect(gate.HasPending("wf-7", "step_1")).To(BeTrue())
	})

	Describe("RegisterWithRecall", func() {
		It("auto-approves on a recall hit without creating a pending record", func() {
			gate.WithRecall(func(classification orchestratortypes.WorkflowClassification, agentType, action string) (bool, bool) {
				return true, true
			})

			ch, err := gate.RegisterWithRecall("wf-8", "step_1", time.Now().Add(time.Hour),
				orchestratortypes.ClassificationSecurityScan, "security_scanner", "scan host")
			Expect(err).NotTo(HaveOccurred())

			var resolution orchestratortypes.ApprovalResolution
			Eventually(ch).Should(Receive(&resolution))
			Expect(resolution.Decision).To(Equal(orchestratortypes.ApprovalApproved))
			Expect(gate.HasPending("wf-8", "step_1")).To(BeFalse())
		})

		It("falls through to a normal register on a recall miss", func() {
			gate.WithRecall(func(classification orchestratortypes.WorkflowClassification, agentType, action string) (bool, bool) {
				return false, false
			})

			_, err := gate.RegisterWithRecall("wf-9", "step_1", time.Now().Add(time.Hour),
				orchestratortypes.ClassificationSimple, "local_echo", "list files")
			Expect(err).NotTo(HaveOccurred())
			Expect(gate.HasPending("wf-9", "step_1")).To(BeTrue())
		})
	})
})

var _ = Describe("ComputeTimeRemaining", func() {
	DescribeTable("edge cases and format verification",
		func(requiredBy, now time.Time, expected string) {
			Expect(approval.ComputeTimeRemaining(requiredBy, now)).To(Equal(expected))
		},
		Entry("deadline exactly now (boundary)",
			time.Date(2025, 2, 22, 12, 0, 0, 0, time.UTC),
			time.Date(2025, 2, 22, 12, 0, 0, 0, time.UTC),
			"0s"),
		Entry("deadline 1 second away",
			time.Date(2025, 2, 22, 12, 0, 1, 0, time.UTC),
			time.Date(2025, 2, 22, 12, 0, 0, 0, time.UTC),
			"1s"),
		Entry("deadline 1 hour away",
			time.Date(2025, 2, 22, 13, 0, 0, 0, time.UTC),
			time.Date(2025, 2, 22, 12, 0, 0, 0, time.UTC),
			"1h0m0s"),
		Entry("deadline already passed (negative) returns 0s",
			time.Date(2025, 2, 22, 11, 0, 0, 0, time.UTC),
			time.Date(2025, 2, 22, 12, 0, 0, 0, time.UTC),
			"0s"),
		Entry("deadline 90 seconds away",
			time.Date(2025, 2, 22, 12, 1, 30, 0, time.UTC),
			time.Date(2025, 2, 22, 12, 0, 0, 0, time.UTC),
			"1m30s"),
	)
})

var _ = Describe("PolicyEvaluator", func() {
	It("requires approval for security_scan under the default policy", func() {
		evaluator, err := approval.NewPolicyEvaluator(context.Background(), approval.DefaultApprovalPolicy)
		Expect(err).NotTo(HaveOccurred())

		decision, err := evaluator.RequiresApproval(context.Background(), approval.PolicyInput{
			AgentType:      "security_scanner",
			Classification: "security_scan",
			Action:         "scan host",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(decision).To(BeTrue())
	})

	It("does not require approval for simple classification under the default policy", func() {
		evaluator, err := approval.NewPolicyEvaluator(context.Background(), approval.DefaultApprovalPolicy)
		Expect(err).NotTo(HaveOccurred())

		decision, err := evaluator.RequiresApproval(context.Background(), approval.PolicyInput{
			AgentType:      "local_echo",
			Classification: "simple",
			Action:         "list files",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(decision).To(BeFalse())
	})
})
