package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter exposes metrics via HTTP
type Exporter struct {
	addr      string
	startTime time.Time
	server    *http.Server
	stopCh    chan struct{}
}

// NewExporter creates a metrics exporter
func NewExporter(addr string) *Exporter {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &Exporter{
		addr:      addr,
		startTime: time.Now(),
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		stopCh: make(chan struct{}),
	}
}

// Start serves /metrics and keeps the uptime gauge current. Blocks until the
// server exits.
func (e *Exporter) Start() error {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-e.stopCh:
				return
			case <-ticker.C:
				Uptime.Set(time.Since(e.startTime).Seconds())
			}
		}
	}()

	return e.server.ListenAndServe()
}

// Stop stops the exporter
func (e *Exporter) Stop() error {
	close(e.stopCh)
	return e.server.Close()
}
