// Package metrics exposes bridge counters and gauges in Prometheus
// format. A nil *Metrics is valid and records nothing, so components
// can be built without metrics in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nugget/miraie-bridge/internal/buildinfo"
)

// Command outcomes recorded by [Metrics.CommandResult].
const (
	CommandOK          = "ok"
	CommandRejected    = "rejected"
	CommandRateLimited = "rate_limited"
	CommandPublishErr  = "publish_error"
)

// Metrics holds the bridge's collectors and the registry they live in.
type Metrics struct {
	registry *prometheus.Registry

	payloads      *prometheus.CounterVec
	commands      *prometheus.CounterVec
	logins        *prometheus.CounterVec
	reconnects    *prometheus.CounterVec
	polls         *prometheus.CounterVec
	brokerUp      *prometheus.GaugeVec
	deviceOnline  *prometheus.GaugeVec
	lastPayloadTS *prometheus.GaugeVec
}

// New creates a Metrics with its own registry, including Go runtime
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		payloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "miraie_status_payloads_total",
			Help: "Device status payloads received, by result (ok, decode_error)",
		}, []string{"account", "result"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "miraie_commands_total",
			Help: "Commands handled, by result",
		}, []string{"account", "attr", "result"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "miraie_logins_total",
			Help: "Cloud logins attempted, by result (ok, error)",
		}, []string{"account", "result"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "miraie_broker_reconnects_total",
			Help: "Vendor broker sessions lost and re-established",
		}, []string{"account"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "miraie_status_polls_total",
			Help: "REST status polls, by result (ok, error)",
		}, []string{"account", "result"}),
		brokerUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "miraie_broker_connected",
			Help: "1 if the vendor MQTT session is connected",
		}, []string{"account"}),
		deviceOnline: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "miraie_device_online",
			Help: "Device availability (1=online, 0=offline, -1=unknown)",
		}, []string{"account", "device"}),
		lastPayloadTS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "miraie_device_last_payload_timestamp_seconds",
			Help: "Last decoded status payload (epoch seconds)",
		}, []string{"account", "device"}),
	}

	reg.MustRegister(
		m.payloads, m.commands, m.logins, m.reconnects, m.polls,
		m.brokerUp, m.deviceOnline, m.lastPayloadTS,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "miraie_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"version": buildinfo.Version, "commit": buildinfo.GitCommit},
		}, func() float64 { return 1 }),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Payload records one status payload for device, decoded or not.
func (m *Metrics) Payload(account, device string, ok bool, epoch float64) {
	if m == nil {
		return
	}
	if !ok {
		m.payloads.WithLabelValues(account, "decode_error").Inc()
		return
	}
	m.payloads.WithLabelValues(account, "ok").Inc()
	m.lastPayloadTS.WithLabelValues(account, device).Set(epoch)
}

// CommandResult records the outcome of one command.
func (m *Metrics) CommandResult(account, attr, result string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(account, attr, result).Inc()
}

// Login records one login attempt.
func (m *Metrics) Login(account string, ok bool) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(account, result(ok)).Inc()
}

// Poll records one REST status poll.
func (m *Metrics) Poll(account string, ok bool) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(account, result(ok)).Inc()
}

// BrokerConnected sets the vendor session gauge. A transition from
// disconnected to connected after the first session counts as a
// reconnect.
func (m *Metrics) BrokerConnected(account string, up, reconnect bool) {
	if m == nil {
		return
	}
	if up {
		m.brokerUp.WithLabelValues(account).Set(1)
		if reconnect {
			m.reconnects.WithLabelValues(account).Inc()
		}
		return
	}
	m.brokerUp.WithLabelValues(account).Set(0)
}

// DeviceAvailability sets the availability gauge: 1 online, 0
// offline, -1 unknown.
func (m *Metrics) DeviceAvailability(account, device string, value float64) {
	if m == nil {
		return
	}
	m.deviceOnline.WithLabelValues(account, device).Set(value)
}

// ForgetDevice drops the per-device series for a removed device.
func (m *Metrics) ForgetDevice(account, device string) {
	if m == nil {
		return
	}
	m.deviceOnline.DeleteLabelValues(account, device)
	m.lastPayloadTS.DeleteLabelValues(account, device)
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
