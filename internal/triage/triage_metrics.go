package triage

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the triage pipeline.
type Metrics struct {
	MessagesTotal        *prometheus.CounterVec
	MessageDuration      *prometheus.HistogramVec
	DecisionsTotal       *prometheus.CounterVec
	ClassifyTotal        *prometheus.CounterVec
	ClassifyDuration     *prometheus.HistogramVec
	LLMTokensIn          prometheus.Counter
	LLMTokensOut         prometheus.Counter
	StoreConflictsTotal  prometheus.Counter
	NotificationsTotal   *prometheus.CounterVec
	NotifyFailuresTotal  prometheus.Counter
	ArchivesTotal        *prometheus.CounterVec
	ArchiveFailuresTotal prometheus.Counter
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medrelay_messages_total",
			Help: "Total inbound messages handled by outcome.",
		}, []string{"outcome"}),
		MessageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "medrelay_message_duration_seconds",
			Help:    "End-to-end handling time of an inbound message in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms .. ~25s
		}, []string{"outcome"}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medrelay_decisions_total",
			Help: "Routing decisions by resulting phase and rule.",
		}, []string{"phase", "reason"}),
		ClassifyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medrelay_classify_total",
			Help: "Classifier calls by provider and outcome.",
		}, []string{"provider", "outcome"}),
		ClassifyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "medrelay_classify_duration_seconds",
			Help:    "Duration of classifier calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 8), // 0.1s .. ~12.8s
		}, []string{"provider", "outcome"}),
		LLMTokensIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medrelay_llm_tokens_input_total",
			Help: "Total LLM input tokens consumed.",
		}),
		LLMTokensOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medrelay_llm_tokens_output_total",
			Help: "Total LLM output tokens consumed.",
		}),
		StoreConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medrelay_store_conflicts_total",
			Help: "Conditional writes that lost to a concurrent writer.",
		}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medrelay_notifications_total",
			Help: "Staff notifications by status.",
		}, []string{"status"}),
		NotifyFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medrelay_notify_failures_total",
			Help: "Staff notifications that could not be delivered.",
		}),
		ArchivesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medrelay_archives_total",
			Help: "Transcript archive writes by status.",
		}, []string{"status"}),
		ArchiveFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medrelay_archive_failures_total",
			Help: "Transcript archive writes that failed.",
		}),
	}

	reg.MustRegister(
		m.MessagesTotal,
		m.MessageDuration,
		m.DecisionsTotal,
		m.ClassifyTotal,
		m.ClassifyDuration,
		m.LLMTokensIn,
		m.LLMTokensOut,
		m.StoreConflictsTotal,
		m.NotificationsTotal,
		m.NotifyFailuresTotal,
		m.ArchivesTotal,
		m.ArchiveFailuresTotal,
	)

	return m
}

// Hooks returns ServiceHooks that update the corresponding metrics.
func (m *Metrics) Hooks() ServiceHooks {
	return ServiceHooks{
		OnClassify: func(provider, outcome string, duration float64, usage Usage) {
			m.ClassifyTotal.WithLabelValues(provider, outcome).Inc()
			m.ClassifyDuration.WithLabelValues(provider, outcome).Observe(duration)
			m.LLMTokensIn.Add(float64(usage.InputTokens))
			m.LLMTokensOut.Add(float64(usage.OutputTokens))
		},
		OnDecision: func(d *Decision) {
			m.DecisionsTotal.WithLabelValues(string(d.Phase), string(d.Reason)).Inc()
		},
		OnConflict: func() {
			m.StoreConflictsTotal.Inc()
		},
		OnNotify: func(err error) {
			if err != nil {
				m.NotificationsTotal.WithLabelValues("error").Inc()
				m.NotifyFailuresTotal.Inc()
				return
			}
			m.NotificationsTotal.WithLabelValues("success").Inc()
		},
		OnArchive: func(err error) {
			if err != nil {
				m.ArchivesTotal.WithLabelValues("error").Inc()
				m.ArchiveFailuresTotal.Inc()
				return
			}
			m.ArchivesTotal.WithLabelValues("success").Inc()
		},
		OnHandled: func(outcome string, duration float64) {
			m.MessagesTotal.WithLabelValues(outcome).Inc()
			m.MessageDuration.WithLabelValues(outcome).Observe(duration)
		},
	}
}
