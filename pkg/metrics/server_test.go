package metrics_test

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jordigilh/orchestrator-core/pkg/metrics"
	"github.com/jordigilh/orchestrator-core/pkg/orchestratortypes"
)

func freePort() string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	defer l.Close()
	_, port, err := net.SplitHostPort(l.Addr().String())
	Expect(err).NotTo(HaveOccurred())
	return port
}

var _ = Describe("Server", func() {
	It("serves the collector's registry at /metrics", func() {
		c := metrics.New()
		c.RecordWorkflowStarted(orchestratortypes.ClassificationSimple)

		port := freePort()
		server := metrics.NewServer(port, c, logr.Discard())
		server.StartAsync()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			Expect(server.Stop(ctx)).To(Succeed())
		}()

		url := fmt.Sprintf("http://127.0.0.1:%s/metrics", port)
		var resp *http.Response
		var err error
		Eventually(func() error {
			resp, err = http.Get(url)
			return err
		}).Should(Succeed())
		defer resp.Body.Close()

		Expect(resp.StatusCode).To(Equal(http.StatusOK))
	})
})
