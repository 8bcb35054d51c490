package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	bytesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rtmlink",
			Subsystem: "wire",
			Name:      "bytes_received_total",
			Help:      "Bytes read from the instrument connection.",
		},
	)
	framesDecoded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rtmlink",
			Subsystem: "wire",
			Name:      "frames_decoded_total",
			Help:      "Complete frames decoded.",
		},
	)
	framesMalformed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rtmlink",
			Subsystem: "wire",
			Name:      "frames_malformed_total",
			Help:      "Frames rejected by the decoder.",
		},
	)
	parameterUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rtmlink",
			Subsystem: "state",
			Name:      "parameter_updates_total",
			Help:      "Parameter pushes applied to the mirror.",
		},
		[]string{"param"},
	)
	coercionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rtmlink",
			Subsystem: "state",
			Name:      "coercion_failures_total",
			Help:      "Parameter pushes dropped by value coercion.",
		},
		[]string{"param"},
	)
	dataSamples = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rtmlink",
			Subsystem: "state",
			Name:      "data_samples_total",
			Help:      "Measurement samples received.",
		},
	)
	protocolAnomalies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rtmlink",
			Subsystem: "wire",
			Name:      "protocol_anomalies_total",
			Help:      "Non-fatal protocol anomalies by kind.",
		},
		[]string{"kind"},
	)
	commandsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rtmlink",
			Subsystem: "wire",
			Name:      "commands_sent_total",
			Help:      "Commands written to the instrument.",
		},
		[]string{"command"},
	)
	connects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rtmlink",
			Subsystem: "session",
			Name:      "connects_total",
			Help:      "Connection attempts by outcome.",
		},
		[]string{"outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			bytesReceived, framesDecoded, framesMalformed,
			parameterUpdates, coercionFailures, dataSamples,
			protocolAnomalies, commandsSent, connects,
		)
	})
}

func RecordBytes(n int) {
	RegisterMetrics()
	bytesReceived.Add(float64(n))
}

func RecordFrame() {
	RegisterMetrics()
	framesDecoded.Inc()
}

func RecordMalformed() {
	RegisterMetrics()
	framesMalformed.Inc()
	protocolAnomalies.WithLabelValues("malformed_frame").Inc()
}

func RecordUpdate(param string) {
	RegisterMetrics()
	parameterUpdates.WithLabelValues(param).Inc()
}

func RecordCoercionFailure(param string) {
	RegisterMetrics()
	coercionFailures.WithLabelValues(param).Inc()
	protocolAnomalies.WithLabelValues("coercion_failure").Inc()
}

func RecordSample() {
	RegisterMetrics()
	dataSamples.Inc()
}

func RecordAnomaly(kind string) {
	RegisterMetrics()
	protocolAnomalies.WithLabelValues(kind).Inc()
}

func RecordSend(command string) {
	RegisterMetrics()
	commandsSent.WithLabelValues(command).Inc()
}

func RecordConnect(ok bool) {
	RegisterMetrics()
	if ok {
		connects.WithLabelValues("ok").Inc()
	} else {
		connects.WithLabelValues("error").Inc()
	}
}
