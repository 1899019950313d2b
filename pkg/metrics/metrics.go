package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

const namespace = "tolerable"

var (
	appInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "app_info",
			Help:      "Build information of the running k8s-tolerable binary.",
		},
		[]string{"version", "git_hash"},
	)

	resolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "resolutions_total",
			Help:      "Total number of image architecture resolutions by registry and result.",
		},
		[]string{"registry", "result"},
	)

	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Total number of architecture cache lookups by result.",
		},
		[]string{"result"},
	)

	reviews = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "reviews_total",
			Help:      "Total number of admission reviews by outcome.",
		},
		[]string{"outcome"},
	)

	tolerations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "tolerations_added_total",
			Help:      "Total number of tolerations added to pods by architecture.",
		},
		[]string{"architecture"},
	)
)

func init() {
	ctrlmetrics.Registry.MustRegister(appInfo, resolutions, cacheLookups, reviews, tolerations)
}

// RecordAppInfo publishes the build information gauge.
func RecordAppInfo(version, gitHash string) {
	if version == "" {
		version = "unknown"
	}
	if gitHash == "" {
		gitHash = "unknown"
	}
	appInfo.Reset()
	appInfo.WithLabelValues(version, gitHash).Set(1)
}

// RecordResolution counts one registry resolution. result is "success" or
// the name of the stage that failed.
func RecordResolution(registry, result string) {
	if registry == "" {
		registry = "unknown"
	}
	if result == "" {
		return
	}
	resolutions.WithLabelValues(registry, result).Inc()
}

// RecordCacheLookup counts a cache lookup; result is "hit" or "miss".
func RecordCacheLookup(result string) {
	if result == "" {
		return
	}
	cacheLookups.WithLabelValues(result).Inc()
}

func RecordReview(outcome string) {
	if outcome == "" {
		return
	}
	reviews.WithLabelValues(outcome).Inc()
}

func RecordToleration(architecture string) {
	if architecture == "" {
		return
	}
	tolerations.WithLabelValues(architecture).Inc()
}

// Reset clears internal metrics state. It is intended for use in tests only.
func Reset() {
	appInfo.Reset()
	resolutions.Reset()
	cacheLookups.Reset()
	reviews.Reset()
	tolerations.Reset()
}

// AppInfoGauge returns the underlying build information gauge.
func AppInfoGauge() *prometheus.GaugeVec {
	return appInfo
}

// ResolutionCounter returns the underlying prometheus counter for resolutions.
// It is exposed for tests and advanced integrations that need direct access to the metric.
func ResolutionCounter() *prometheus.CounterVec {
	return resolutions
}

func CacheLookupCounter() *prometheus.CounterVec {
	return cacheLookups
}

func ReviewCounter() *prometheus.CounterVec {
	return reviews
}

func TolerationCounter() *prometheus.CounterVec {
	return tolerations
}
