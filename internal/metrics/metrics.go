package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalSamples atomic.Int64

var (
	ForwardSamplesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vit_forward_samples_total",
		Help: "The total number of images passed through a model",
	}, []string{"model"})

	ForwardDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vit_forward_duration_seconds",
		Help:    "Duration of batched forward passes",
		Buckets: prometheus.DefBuckets,
	}, []string{"model"})

	ModelsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vit_models_created_total",
		Help: "Models constructed from the catalog",
	}, []string{"model", "pretrained"})

	CheckpointLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vit_checkpoint_loads_total",
		Help: "Checkpoint files decoded, by format and outcome",
	}, []string{"format", "status"})

	CheckpointTensors = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vit_checkpoint_tensors",
		Help:    "Number of tensors in loaded checkpoints",
		Buckets: []float64{10, 50, 100, 200, 400, 800, 1600},
	})

	WeightDownloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vit_weight_downloads_total",
		Help: "Weight archive fetches, by cache outcome",
	}, []string{"status"})

	WeightDownloadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vit_weight_download_bytes_total",
		Help: "Bytes transferred while downloading weights",
	})

	PosEmbedResizes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vit_pos_embed_resizes_total",
		Help: "Position embeddings interpolated to a new grid",
	})

	TensorMemoryAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vit_tensor_memory_allocated_bytes",
		Help: "Current bytes held by live tensors",
	})

	KernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vit_kernel_duration_seconds",
		Help:    "Histogram of kernel execution times",
		Buckets: prometheus.DefBuckets,
	}, []string{"kernel"})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vit_numerical_instability_total",
		Help: "Total number of NaN/Inf values detected",
	}, []string{"tensor", "type"})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vit_validation_errors_total",
		Help: "Total number of validation errors",
	}, []string{"operation", "error_type"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vit_http_requests_total",
		Help: "HTTP requests served, by route and status code",
	}, []string{"route", "code"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vit_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	FeaturesExported = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vit_features_exported_total",
		Help: "Feature vectors written to Arrow Flight",
	}, []string{"model"})
)

func RecordForward(model string, samples int, duration time.Duration) {
	ForwardSamplesTotal.WithLabelValues(model).Add(float64(samples))
	totalSamples.Add(int64(samples))
	ForwardDuration.WithLabelValues(model).Observe(duration.Seconds())
}

func RecordModelCreated(model string, pretrained bool) {
	p := "false"
	if pretrained {
		p = "true"
	}
	ModelsCreated.WithLabelValues(model, p).Inc()
}

// RecordCheckpointLoad counts a decode attempt; tensors is ignored on failure.
func RecordCheckpointLoad(format string, tensors int, err error) {
	if err != nil {
		CheckpointLoads.WithLabelValues(format, "error").Inc()
		return
	}
	CheckpointLoads.WithLabelValues(format, "ok").Inc()
	CheckpointTensors.Observe(float64(tensors))
}

// RecordDownload tracks a fetch; status is "hit", "miss" or "error".
func RecordDownload(status string, bytes int64) {
	WeightDownloads.WithLabelValues(status).Inc()
	if bytes > 0 {
		WeightDownloadBytes.Add(float64(bytes))
	}
}

func RecordPosEmbedResize() {
	PosEmbedResizes.Inc()
}

func RecordTensorMemory(delta int64) {
	TensorMemoryAllocated.Add(float64(delta))
}

func RecordKernelDuration(name string, duration time.Duration) {
	KernelDuration.WithLabelValues(name).Observe(duration.Seconds())
}

func RecordNumericalInstability(name string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(name, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(name, "inf").Add(float64(infCount))
	}
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}

func RecordHTTPRequest(route, code string, duration time.Duration) {
	HTTPRequests.WithLabelValues(route, code).Inc()
	HTTPDuration.WithLabelValues(route).Observe(duration.Seconds())
}

func RecordFeaturesExported(model string, n int) {
	FeaturesExported.WithLabelValues(model).Add(float64(n))
}

// TotalSamples returns the process-lifetime sample count.
func TotalSamples() int64 {
	return totalSamples.Load()
}
