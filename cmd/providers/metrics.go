package providers

import (
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	otelprom "go.opentelemetry.io/otel/exporters/metric/prometheus"
	"go.opentelemetry.io/otel/metric/global"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Metrics config keys.
const (
	ConfMetricsListenNet  = "metrics.listen.net"
	ConfMetricsListenAddr = "metrics.listen.addr"
)

func init() {
	viper.SetDefault(ConfMetricsListenNet, "tcp")
	viper.SetDefault(ConfMetricsListenAddr, "")
}

var promHandler http.Handler

// SetupPrometheus configures the OpenTelemetry Prometheus exporter and
// installs it as the global meter provider. Must run before the first
// NewApp call so component meters bind to the real provider.
// Returns the Prometheus scrape HTTP handler.
func SetupPrometheus() (http.Handler, error) {
	exporter, err := otelprom.NewExportPipeline(otelprom.Config{
		Registerer: prometheus.DefaultRegisterer,
		Gatherer:   prometheus.DefaultGatherer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build OpenTelemetry Prometheus exporter: %w", err)
	}
	global.SetMeterProvider(exporter.MeterProvider())
	promHandler = exporter
	return exporter, nil
}

// ServeMetrics exposes the Prometheus scrape endpoint when an address is
// configured, and is a no-op otherwise.
func ServeMetrics(log *zap.Logger, lc fx.Lifecycle) error {
	addr := viper.GetString(ConfMetricsListenAddr)
	if addr == "" {
		return nil
	}
	if promHandler == nil {
		if _, err := SetupPrometheus(); err != nil {
			return err
		}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promHandler)
	sock := MustListen(log, viper.GetString(ConfMetricsListenNet), addr)
	LifecycleServe(log, lc, sock, &httpServer{Server: &http.Server{Handler: mux}})
	return nil
}

// httpServer adapts net/http to the Server interface.
type httpServer struct {
	*http.Server
}

func (s *httpServer) Serve(sock net.Listener) error {
	err := s.Server.Serve(sock)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *httpServer) Stop() {
	_ = s.Server.Close()
}
