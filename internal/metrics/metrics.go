// Package metrics collects per-agent operational metrics on a private
// Prometheus registry and renders snapshots in JSON or Prometheus text
// exposition format for the control socket's metrics command.
package metrics

import (
	"bytes"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Collector owns an agent's metrics.
type Collector struct {
	registry *prometheus.Registry
	start    time.Time

	messagesSent      *prometheus.CounterVec
	messagesReceived  *prometheus.CounterVec
	modelCalls        prometheus.Counter
	modelErrors       prometheus.Counter
	toolParseFailures prometheus.Counter

	peers       prometheus.Gauge
	outstanding prometheus.Gauge

	modelLatency    prometheus.Histogram
	peerCallLatency prometheus.Histogram
}

// NewCollector creates a collector for one agent. The agent name becomes a
// constant label so scrapes from several agents can be merged downstream.
func NewCollector(agent string) *Collector {
	registry := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"agent": agent}
	c := &Collector{
		registry: registry,
		start:    time.Now(),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "agentnet_messages_sent_total",
			Help:        "Messages sent to peers",
			ConstLabels: constLabels,
		}, []string{"peer"}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "agentnet_messages_received_total",
			Help:        "Messages received from peers",
			ConstLabels: constLabels,
		}, []string{"peer"}),
		modelCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "agentnet_model_calls_total",
			Help:        "Model completion calls",
			ConstLabels: constLabels,
		}),
		modelErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "agentnet_model_errors_total",
			Help:        "Failed model completion calls",
			ConstLabels: constLabels,
		}),
		toolParseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "agentnet_tool_parse_failures_total",
			Help:        "Malformed tool invocations in model output",
			ConstLabels: constLabels,
		}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "agentnet_peers",
			Help:        "Routing-table size",
			ConstLabels: constLabels,
		}),
		outstanding: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "agentnet_outstanding_requests",
			Help:        "In-flight conversations",
			ConstLabels: constLabels,
		}),
		modelLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "agentnet_model_latency_seconds",
			Help:        "Model call latency",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}),
		peerCallLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "agentnet_peer_call_latency_seconds",
			Help:        "Outbound peer call latency",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}),
	}

	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "agentnet_uptime_seconds",
		Help:        "Seconds since the agent started",
		ConstLabels: constLabels,
	}, func() float64 { return time.Since(c.start).Seconds() })

	registry.MustRegister(
		c.messagesSent, c.messagesReceived,
		c.modelCalls, c.modelErrors, c.toolParseFailures,
		c.peers, c.outstanding,
		c.modelLatency, c.peerCallLatency,
		uptime,
	)
	return c
}

// RecordMessageSent counts one outbound peer message.
func (c *Collector) RecordMessageSent(peer string) {
	c.messagesSent.WithLabelValues(peer).Inc()
}

// RecordMessageReceived counts one inbound peer message.
func (c *Collector) RecordMessageReceived(peer string) {
	c.messagesReceived.WithLabelValues(peer).Inc()
}

// RecordModelCall records one model call with its latency and outcome.
func (c *Collector) RecordModelCall(d time.Duration, err error) {
	c.modelCalls.Inc()
	c.modelLatency.Observe(d.Seconds())
	if err != nil {
		c.modelErrors.Inc()
	}
}

// RecordToolParseFailures adds malformed tool invocations.
func (c *Collector) RecordToolParseFailures(n int) {
	if n > 0 {
		c.toolParseFailures.Add(float64(n))
	}
}

// RecordPeerCall records the latency of one outbound peer call.
func (c *Collector) RecordPeerCall(d time.Duration) {
	c.peerCallLatency.Observe(d.Seconds())
}

// SetPeers sets the routing-table size gauge.
func (c *Collector) SetPeers(n int) { c.peers.Set(float64(n)) }

// ConversationStarted marks a conversation in flight.
func (c *Collector) ConversationStarted() { c.outstanding.Inc() }

// ConversationFinished marks a conversation complete.
func (c *Collector) ConversationFinished() { c.outstanding.Dec() }

// Uptime returns time since the collector was created.
func (c *Collector) Uptime() time.Duration { return time.Since(c.start) }

// Prometheus renders the registry in text exposition format.
func (c *Collector) Prometheus() (string, error) {
	families, err := c.registry.Gather()
	if err != nil {
		return "", fmt.Errorf("gather metrics: %w", err)
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return "", fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	return buf.String(), nil
}

// JSON renders the registry as a map of metric name to samples, suitable
// for embedding in a control-socket reply.
func (c *Collector) JSON() (map[string]any, error) {
	families, err := c.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather metrics: %w", err)
	}

	out := make(map[string]any, len(families))
	for _, mf := range families {
		samples := make([]map[string]any, 0, len(mf.GetMetric()))
		for _, m := range mf.GetMetric() {
			sample := map[string]any{}
			if labels := labelMap(m); len(labels) > 0 {
				sample["labels"] = labels
			}
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				sample["value"] = m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				sample["value"] = m.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				h := m.GetHistogram()
				sample["count"] = h.GetSampleCount()
				sample["sum"] = h.GetSampleSum()
			default:
				continue
			}
			samples = append(samples, sample)
		}
		out[mf.GetName()] = map[string]any{
			"type":    mf.GetType().String(),
			"help":    mf.GetHelp(),
			"samples": samples,
		}
	}
	return out, nil
}

func labelMap(m *dto.Metric) map[string]string {
	labels := make(map[string]string, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		labels[lp.GetName()] = lp.GetValue()
	}
	return labels
}
