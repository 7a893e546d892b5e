package executor_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jordigilh/orchestrator-core/pkg/executor"
)

var _ = Describe("RenderInputs", func() {
	It("passes through inputs with no placeholder unchanged", func() {
		out, err := executor.RenderInputs(map[string]interface{}{"n": 3, "flag": true}, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal(map[string]interface{}{"n": 3, "flag": true}))
	})

	It("substitutes a jq placeholder referencing the template context", func() {
		out, err := executor.RenderInputs(
			map[string]interface{}{"target": "scan {{ .host }}"},
			map[string]interface{}{"host": "10.0.0.7"},
		)
		Expect(err).NotTo(HaveOccurred())
		Expect(out["target"]).To(Equal("scan 10.0.0.7"))
	})

	It("JSON-encodes a non-string jq result inline", func() {
		out, err := executor.RenderInputs(
			map[string]interface{}{"ports": "{{ .ports }}"},
			map[string]interface{}{"ports": []interface{}{80, 443}},
		)
		Expect(err).NotTo(HaveOccurred())
		Expect(out["ports"]).To(Equal("[80,443]"))
	})

	It("returns an error for a malformed jq expression", func() {
		_, err := executor.RenderInputs(
			map[string]interface{}{"bad": "{{ .[ }}"},
			map[string]interface{}{},
		)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("ValidateTemplate", func() {
	It("accepts a string with no placeholders", func() {
		Expect(executor.ValidateTemplate("plain action")).To(Succeed())
	})

	It("accepts a syntactically valid jq placeholder", func() {
		Expect(executor.ValidateTemplate("scan {{ .host }}")).To(Succeed())
	})

	It("rejects a syntactically invalid jq placeholder", func() {
		Expect(executor.ValidateTemplate("scan {{ .[ }}")).To(HaveOccurred())
	})
})
