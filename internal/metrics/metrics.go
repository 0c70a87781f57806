// Package metrics exposes Prometheus instrumentation for plugin operations,
// SSH traffic and release downloads.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector of this package plus the Go runtime
// collectors. It is separate from the global default registry so tests can
// create collectors freely.
var Registry = prometheus.NewRegistry()

var (
	operations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plugman",
		Name:      "plugin_operations_total",
		Help:      "Plugin install/uninstall tasks by operation, format and result.",
	}, []string{"operation", "format", "result"})

	operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "plugman",
		Name:      "plugin_operation_duration_seconds",
		Help:      "Duration of plugin install/uninstall tasks.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"operation", "format"})

	sshCommands = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plugman",
		Name:      "ssh_commands_total",
		Help:      "Remote commands by result (ok, exit_nonzero, no_exit, transport_error).",
	}, []string{"result"})

	sshCommandDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "plugman",
		Name:      "ssh_command_duration_seconds",
		Help:      "Duration of remote command executions.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	sshUploadBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "plugman",
		Name:      "ssh_stdin_bytes_total",
		Help:      "Bytes streamed to remote commands over stdin.",
	})

	sshConnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plugman",
		Name:      "ssh_connects_total",
		Help:      "SSH connection attempts by result (ok, no_connection, auth_failed, error).",
	}, []string{"result"})

	downloadBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "plugman",
		Name:      "download_bytes_total",
		Help:      "Bytes of release archives downloaded.",
	})

	downloads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plugman",
		Name:      "downloads_total",
		Help:      "Release archive downloads by result.",
	}, []string{"result"})

	deviceConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "plugman",
		Name:      "device_connected",
		Help:      "1 when the last device check succeeded, 0 otherwise.",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		operations, operationDuration,
		sshCommands, sshCommandDuration, sshUploadBytes, sshConnects,
		downloadBytes, downloads,
		deviceConnected,
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveOperation records one finished plugin task.
func ObserveOperation(operation, format string, elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	operations.WithLabelValues(operation, format, result).Inc()
	operationDuration.WithLabelValues(operation, format).Observe(elapsed.Seconds())
}

// ObserveCommand records one remote command execution.
func ObserveCommand(result string, elapsed time.Duration, stdinBytes int) {
	sshCommands.WithLabelValues(result).Inc()
	sshCommandDuration.Observe(elapsed.Seconds())
	if stdinBytes > 0 {
		sshUploadBytes.Add(float64(stdinBytes))
	}
}

// ObserveConnect records one SSH connection attempt.
func ObserveConnect(result string) {
	sshConnects.WithLabelValues(result).Inc()
}

// ObserveDownload records one archive download.
func ObserveDownload(n int64, err error) {
	if err != nil {
		downloads.WithLabelValues("error").Inc()
		return
	}
	downloads.WithLabelValues("ok").Inc()
	downloadBytes.Add(float64(n))
}

// SetDeviceConnected updates the device connectivity gauge.
func SetDeviceConnected(ok bool) {
	if ok {
		deviceConnected.Set(1)
		return
	}
	deviceConnected.Set(0)
}
