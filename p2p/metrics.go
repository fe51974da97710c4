package p2p

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsInitOnce sync.Once
	sharedMetrics   *networkMetrics
)

type networkMetrics struct {
	connections   prometheus.Gauge
	handshaked    prometheus.Gauge
	blacklistSize prometheus.Gauge
	handshakes    *prometheus.CounterVec
	droppedFrames *prometheus.CounterVec
	connectReqs   prometheus.Counter
}

func newNetworkMetrics() *networkMetrics {
	metricsInitOnce.Do(func() {
		nm := &networkMetrics{
			connections: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "tide_p2p_connections",
				Help: "Current connection entries, handshaked or not.",
			}),
			handshaked: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "tide_p2p_handshaked_peers",
				Help: "Current connections past the handshake.",
			}),
			blacklistSize: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "tide_p2p_blacklisted_hosts",
				Help: "Hosts currently blacklisted.",
			}),
			handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "tide_p2p_handshakes_total",
				Help: "Handshake outcomes by result.",
			}, []string{"result"}),
			droppedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "tide_p2p_dropped_frames_total",
				Help: "Inbound frames discarded, by reason.",
			}, []string{"reason"}),
			connectReqs: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "tide_p2p_connect_requests_total",
				Help: "Outbound connect requests emitted by peer maintenance.",
			}),
		}
		prometheus.MustRegister(nm.connections, nm.handshaked, nm.blacklistSize, nm.handshakes, nm.droppedFrames, nm.connectReqs)
		sharedMetrics = nm
	})
	return sharedMetrics
}

func (m *networkMetrics) setCounts(connections, handshaked, blacklisted int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(connections))
	m.handshaked.Set(float64(handshaked))
	m.blacklistSize.Set(float64(blacklisted))
}

func (m *networkMetrics) recordHandshake(result string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(result).Inc()
}

func (m *networkMetrics) recordDroppedFrame(reason string) {
	if m == nil {
		return
	}
	m.droppedFrames.WithLabelValues(reason).Inc()
}

func (m *networkMetrics) recordConnectRequest() {
	if m == nil {
		return
	}
	m.connectReqs.Inc()
}
