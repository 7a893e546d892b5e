package executor_test

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jordigilh/orchestrator-core/pkg/executor"
)

var _ = Describe("Classify", func() {
	DescribeTable("repairable patterns",
		func(message string) {
			c := executor.Classify(errors.New(message))
			Expect(c.Repairable).To(BeTrue())
			Expect(c.Suggestion).NotTo(BeEmpty())
		},
		Entry("missing file", "open /etc/conf: no such file or directory"),
		Entry("permission", "permission denied writing to /var/lock"),
		Entry("missing command", "bash: nmap: command not found"),
		Entry("connection refused", "dial tcp 10.0.0.1:443: connection refused"),
		Entry("timeout", "context deadline exceeded: timeout"),
		Entry("syntax error", "syntax error near unexpected token"),
		Entry("not a directory", "/etc/hosts/foo: not a directory"),
		Entry("disk full", "write failed, no space left on device"),
	)

	DescribeTable("fatal patterns never repairable even if a repair substring also matches",
		func(message string) {
			c := executor.Classify(errors.New(message))
			Expect(c.Repairable).To(BeFalse())
		},
		Entry("out of memory", "fatal error: runtime: out of memory"),
		Entry("oom killed", "process killed: oom"),
		Entry("allocator failure", "cannot allocate memory"),
		Entry("segfault", "panic: segmentation fault"),
		Entry("out of memory alongside a repair pattern", "timeout waiting for allocation: out of memory"),
	)

	It("treats an unrecognized error as fatal with no suggestion", func() {
		c := executor.Classify(errors.New("something inexplicable happened"))
		Expect(c.Repairable).To(BeFalse())
		Expect(c.Suggestion).To(BeEmpty())
	})

	It("treats a nil error as the zero Classification", func() {
		c := executor.Classify(nil)
		Expect(c.Repairable).To(BeFalse())
		Expect(c.Suggestion).To(BeEmpty())
	})
})
