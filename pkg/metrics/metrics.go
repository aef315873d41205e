package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "layerstore"

var (
	DefaultRegisterer = prometheus.DefaultRegisterer
	DefaultGatherer   = prometheus.DefaultGatherer
)

var (
	ImagePullsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "image_pulls_total",
		Help:      "Total number of image pulls by puller kind and result.",
	}, []string{"puller", "result"})

	ImagePullDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "image_pull_duration_seconds",
		Help:      "Duration of image pulls.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	StoreGetsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_gets_total",
		Help:      "Total number of store lookups by cache outcome.",
	}, []string{"cache"})

	BlobBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "blob_bytes_total",
		Help:      "Total number of blob bytes downloaded from registries.",
	})

	TokenRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "token_requests_total",
		Help:      "Total number of token requests to authorization servers.",
	}, []string{"result"})

	StoredImages = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stored_images",
		Help:      "Number of images tracked by the metadata manager.",
	})

	StoredLayers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stored_layers",
		Help:      "Number of layers tracked by the metadata manager.",
	})
)

func Register() {
	DefaultRegisterer.MustRegister(ImagePullsTotal)
	DefaultRegisterer.MustRegister(ImagePullDuration)
	DefaultRegisterer.MustRegister(StoreGetsTotal)
	DefaultRegisterer.MustRegister(BlobBytesTotal)
	DefaultRegisterer.MustRegister(TokenRequestsTotal)
	DefaultRegisterer.MustRegister(StoredImages)
	DefaultRegisterer.MustRegister(StoredLayers)
}
