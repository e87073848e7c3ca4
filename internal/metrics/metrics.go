// Package metrics exposes Prometheus instrumentation for the verification
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	SessionsCreated    *prometheus.CounterVec
	SessionsCompleted  *prometheus.CounterVec
	ActiveSessions     prometheus.Gauge
	VerificationTime   prometheus.Histogram
	Tier1Score         prometheus.Histogram
	Tier2Invocations   prometheus.Counter
	ClassifierFailures prometheus.Counter
	RateLimitRejects   *prometheus.CounterVec
	QuotaRejects       prometheus.Counter
	WebhookDeliveries  *prometheus.CounterVec
	ArtifactUploads    *prometheus.CounterVec
}

// New registers the metric set on the given registerer. Pass
// prometheus.DefaultRegisterer in production.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "veraproof_sessions_created_total",
			Help: "Verification sessions created, by tenant.",
		}, []string{"tenant_id"}),
		SessionsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "veraproof_sessions_completed_total",
			Help: "Verification sessions completed, by verdict.",
		}, []string{"verdict"}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "veraproof_active_sessions",
			Help: "Currently connected verification sessions.",
		}),
		VerificationTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "veraproof_verification_duration_seconds",
			Help:    "Time from analysis start to final result.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		Tier1Score: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "veraproof_tier1_score",
			Help:    "Distribution of tier-1 sensor fusion scores.",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}),
		Tier2Invocations: factory.NewCounter(prometheus.CounterOpts{
			Name: "veraproof_tier2_invocations_total",
			Help: "Deepfake classifier invocations.",
		}),
		ClassifierFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "veraproof_classifier_failures_total",
			Help: "Classifier calls that timed out or errored.",
		}),
		RateLimitRejects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "veraproof_rate_limit_rejects_total",
			Help: "Requests rejected by admission control, by reason.",
		}, []string{"reason"}),
		QuotaRejects: factory.NewCounter(prometheus.CounterOpts{
			Name: "veraproof_quota_rejects_total",
			Help: "Sessions rejected for exhausted monthly quota.",
		}),
		WebhookDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "veraproof_webhook_deliveries_total",
			Help: "Webhook delivery outcomes.",
		}, []string{"outcome"}),
		ArtifactUploads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "veraproof_artifact_uploads_total",
			Help: "Artifact upload outcomes.",
		}, []string{"outcome"}),
	}
}
