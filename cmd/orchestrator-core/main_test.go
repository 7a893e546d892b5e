package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jordigilh/orchestrator-core/internal/config"
)

func TestMain_(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Orchestrator Core Main Suite")
}

// testConfig loads the bundled defaults (durable_store.backend: "none") from
// a throwaway file, so build() never dials Postgres or Redis.
func testConfig() *config.Config {
	dir, err := os.MkdirTemp("", "orchestrator-core-main-*")
	Expect(err).NotTo(HaveOccurred())
	path := filepath.Join(dir, "config.yaml")
	Expect(os.WriteFile(path, []byte("server:\n  http_port: \"0\"\n  metrics_port: \"0\"\n"), 0o644)).To(Succeed())

	cfg, err := config.Load(path)
	Expect(err).NotTo(HaveOccurred())
	return cfg
}

var _ = Describe("build", func() {
	It("wires every component without dialing any external backend", func() {
		cfg := testConfig()
		c, err := build(context.Background(), cfg, logr.Discard())
		Expect(err).NotTo(HaveOccurred())
		Expect(c.bus).NotTo(BeNil())
		Expect(c.gate).NotTo(BeNil())
		Expect(c.pool).NotTo(BeNil())
		Expect(c.engine).NotTo(BeNil())
		Expect(c.metrics).NotTo(BeNil())
		Expect(c.store).To(BeNil())
	})
})
