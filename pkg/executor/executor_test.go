package executor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	apperrors "github.com/jordigilh/orchestrator-core/internal/errors"
	"github.com/jordigilh/orchestrator-core/pkg/executor"
	"github.com/jordigilh/orchestrator-core/pkg/orchestratortypes"
)

func TestExecutor(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Step Executor Suite")
}

var _ = Describe("Registry", func() {
	It("returns a not-found error for an unregistered agent_type", func() {
		registry := executor.NewRegistry()
		_, err := registry.Lookup("unknown")
		Expect(err).To(HaveOccurred())
		Expect(apperrors.IsType(err, apperrors.ErrorTypeNotFound)).To(BeTrue())
	})

	It("returns the most recently registered executor for an agent_type", func() {
		registry := executor.NewRegistry()
		registry.Register("scan", executor.ExecutorFunc(func(ctx context.Context, step *orchestratortypes.Step) (orchestratortypes.ExecutionResult, error) {
			return orchestratortypes.ExecutionResult{Status: "success", Result: "v1"}, nil
		}))
		registry.Register("scan", executor.ExecutorFunc(func(ctx context.Context, step *orchestratortypes.Step) (orchestratortypes.ExecutionResult, error) {
			return orchestratortypes.ExecutionResult{Status: "success", Result: "v2"}, nil
		}))

		exec, err := registry.Lookup("scan")
		Expect(err).NotTo(HaveOccurred())
		result, err := exec.Execute(context.Background(), &orchestratortypes.Step{})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Result).To(Equal("v2"))
	})
})

var _ = Describe("Runner", func() {
	var registry *executor.Registry

	BeforeEach(func() {
		registry = executor.NewRegistry()
		executor.RegisterBuiltins(registry)
	})

	It("runs a local executor and normalizes a successful result", func() {
		runner := executor.NewRunner(registry)
		step := &orchestratortypes.Step{ID: "s1", AgentType: "echo", Inputs: map[string]interface{}{"msg": "hi"}}

		result, err := runner.Run(context.Background(), step, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Status).To(Equal("success"))
		Expect(result.Result).To(Equal(map[string]interface{}{"msg": "hi"}))
	})

	It("falls through to the default handler and fails fatally for an unregistered agent_type", func() {
		runner := executor.NewRunner(registry)
		step := &orchestratortypes.Step{ID: "s1", AgentType: "missing"}

		_, err := runner.Run(context.Background(), step, nil)
		Expect(err).To(HaveOccurred())
		Expect(apperrors.IsType(err, apperrors.ErrorTypeStepFatal)).To(BeTrue())
	})

	It("classifies a repairable executor error and attaches a suggestion", func() {
		registry.Register("flaky", executor.ExecutorFunc(func(ctx context.Context, step *orchestratortypes.Step) (orchestratortypes.ExecutionResult, error) {
			return orchestratortypes.ExecutionResult{}, errors.New("open /tmp/x: no such file or directory")
		}))
		runner := executor.NewRunner(registry)
		step := &orchestratortypes.Step{ID: "s1", AgentType: "flaky"}

		result, err := runner.Run(context.Background(), step, nil)
		Expect(err).To(HaveOccurred())
		Expect(apperrors.IsType(err, apperrors.ErrorTypeStepRepairable)).To(BeTrue())
		Expect(result.Status).To(Equal("error"))

		var appErr *apperrors.AppError
		Expect(errors.As(err, &appErr)).To(BeTrue())
		Expect(appErr.Suggestion).NotTo(BeEmpty())
	})

	It("classifies an out-of-memory executor error as fatal", func() {
		registry.Register("oom", executor.ExecutorFunc(func(ctx context.Context, step *orchestratortypes.Step) (orchestratortypes.ExecutionResult, error) {
			return orchestratortypes.ExecutionResult{}, errors.New("fatal error: out of memory")
		}))
		runner := executor.NewRunner(registry)
		step := &orchestratortypes.Step{ID: "s1", AgentType: "oom"}

		_, err := runner.Run(context.Background(), step, nil)
		Expect(err).To(HaveOccurred())
		Expect(apperrors.IsType(err, apperrors.ErrorTypeStepFatal)).To(BeTrue())
	})

	It("times out a step that exceeds the configured local timeout", func() {
		registry.Register("slow", executor.ExecutorFunc(func(ctx context.Context, step *orchestratortypes.Step) (orchestratortypes.ExecutionResult, error) {
			select {
			case <-time.After(200 * time.Millisecond):
				return orchestratortypes.ExecutionResult{Status: "success"}, nil
			case <-ctx.Done():
				return orchestratortypes.ExecutionResult{}, ctx.Err()
			}
		}))
		runner := executor.NewRunner(registry).WithLocalTimeout(20 * time.Millisecond)
		step := &orchestratortypes.Step{ID: "s1", AgentType: "slow"}

		_, err := runner.Run(context.Background(), step, nil)
		Expect(err).To(HaveOccurred())
		Expect(apperrors.IsType(err, apperrors.ErrorTypeTimeout)).To(BeTrue())
	})

	It("templates string inputs through gojq placeholders before dispatch", func() {
		var captured map[string]interface{}
		registry.Register("templated", executor.ExecutorFunc(func(ctx context.Context, step *orchestratortypes.Step) (orchestratortypes.ExecutionResult, error) {
			captured = step.Inputs
			return orchestratortypes.ExecutionResult{Status: "success"}, nil
		}))
		runner := executor.NewRunner(registry)
		step := &orchestratortypes.Step{
			ID:        "s1",
			AgentType: "templated",
			Inputs:    map[string]interface{}{"target": "{{ .host }}"},
		}

		_, err := runner.Run(context.Background(), step, map[string]interface{}{"host": "10.0.0.5"})
		Expect(err).NotTo(HaveOccurred())
		Expect(captured["target"]).To(Equal("10.0.0.5"))
	})
})

var _ = Describe("RemoteExecutor", func() {
	It("delegates to the dispatcher and returns its result verbatim", func() {
		fake := fakeDispatcher{result: orchestratortypes.ExecutionResult{Status: "success", Result: "scanned"}}
		remote := executor.NewRemoteExecutor(&fake)

		result, err := remote.Execute(context.Background(), &orchestratortypes.Step{ID: "s1"})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Result).To(Equal("scanned"))
	})

	It("surfaces a dispatcher error verbatim", func() {
		fake := fakeDispatcher{err: errors.New("connection refused")}
		remote := executor.NewRemoteExecutor(&fake)

		_, err := remote.Execute(context.Background(), &orchestratortypes.Step{ID: "s1"})
		Expect(err).To(MatchError("connection refused"))
	})
})

type fakeDispatcher struct {
	result orchestratortypes.ExecutionResult
	err    error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, step *orchestratortypes.Step) (orchestratortypes.ExecutionResult, error) {
	return f.result, f.err
}
