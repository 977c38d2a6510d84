package infrastructure

import "github.com/prometheus/client_golang/prometheus"

// InboundMetrics exposes counters/histograms for the WhatsApp inbound pipeline.
type InboundMetrics struct {
	ingestTotal       *prometheus.CounterVec
	ingestLatency     *prometheus.HistogramVec
	pollChoiceTotal   *prometheus.CounterVec
	decryptFailures   *prometheus.CounterVec
	mediaDownloads    *prometheus.CounterVec
	normalizeFailures *prometheus.CounterVec
}

func NewInboundMetrics(reg prometheus.Registerer) *InboundMetrics {
	m := &InboundMetrics{
		ingestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "whatsapp",
			Subsystem: "inbound",
			Name:      "ingest_total",
			Help:      "Inbound envelopes by origin and outcome",
		}, []string{"origin", "outcome"}),
		ingestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "whatsapp",
			Subsystem: "inbound",
			Name:      "ingest_latency_seconds",
			Help:      "Latency of envelope ingestion",
			Buckets:   prometheus.DefBuckets,
		}, []string{"origin"}),
		pollChoiceTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "whatsapp",
			Subsystem: "inbound",
			Name:      "poll_choice_total",
			Help:      "Poll choice terminal outcomes",
		}, []string{"outcome", "reason"}),
		decryptFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "whatsapp",
			Subsystem: "inbound",
			Name:      "poll_vote_decrypt_failures_total",
			Help:      "Poll vote decryption attempts that fell back to plaintext extraction",
		}, []string{"reason"}),
		mediaDownloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "whatsapp",
			Subsystem: "inbound",
			Name:      "media_downloads_total",
			Help:      "Media download attempts by result",
		}, []string{"result"}),
		normalizeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "whatsapp",
			Subsystem: "inbound",
			Name:      "normalize_failures_total",
			Help:      "Payloads dropped by the normalizer",
		}, []string{"origin"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.ingestTotal, m.ingestLatency, m.pollChoiceTotal, m.decryptFailures, m.mediaDownloads, m.normalizeFailures)
	return m
}

func (m *InboundMetrics) ObserveIngest(origin, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.ingestTotal.WithLabelValues(origin, outcome).Inc()
	m.ingestLatency.WithLabelValues(origin).Observe(seconds)
}

func (m *InboundMetrics) ObservePollChoice(outcome, reason string) {
	if m == nil {
		return
	}
	m.pollChoiceTotal.WithLabelValues(outcome, reason).Inc()
}

func (m *InboundMetrics) ObserveDecryptFailure(reason string) {
	if m == nil {
		return
	}
	m.decryptFailures.WithLabelValues(reason).Inc()
}

func (m *InboundMetrics) ObserveMediaDownload(result string) {
	if m == nil {
		return
	}
	m.mediaDownloads.WithLabelValues(result).Inc()
}

func (m *InboundMetrics) ObserveNormalizeFailure(origin string) {
	if m == nil {
		return
	}
	m.normalizeFailures.WithLabelValues(origin).Inc()
}
