package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	gaugeMeetings = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quasipeer_meetings_active",
		Help: "Meetings with at least one participant",
	})

	gaugeParticipants = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quasipeer_participants_active",
		Help: "Participants currently joined",
	})

	gaugeTranscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quasipeer_transcriptions_active",
		Help: "Transcription calls in flight",
	})

	gaugeTranslations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quasipeer_translations_active",
		Help: "Translation calls in flight",
	})

	gaugePendingAI = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quasipeer_ai_pending_requests",
		Help: "Transcription requests waiting for the inference service",
	})

	gaugeMedia = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "quasipeer_media_objects",
		Help: "Live media engine objects by type",
	}, []string{"type"}) // transport, producer, consumer

	gaugeCPU = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quasipeer_cpu_percent",
		Help: "Process CPU usage over the last sample period",
	})

	gaugeMemory = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quasipeer_memory_bytes",
		Help: "Process resident memory",
	})

	metricAIErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quasipeer_ai_errors_total",
		Help: "Failed AI calls by kind",
	}, []string{"kind"})

	metricSignalMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quasipeer_signal_messages_total",
		Help: "Signaling messages received by type",
	}, []string{"type"})
)

// ObserveMessage counts one inbound signaling message.
func ObserveMessage(typ string) { metricSignalMessages.WithLabelValues(typ).Inc() }
