package scanning

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type pipelineMetrics struct {
	scans      *prometheus.CounterVec
	passes     *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	confidence *prometheus.HistogramVec
	degraded   prometheus.Counter
}

var (
	metricsOnce     sync.Once
	metricsInstance *pipelineMetrics
	metricsRegistry prometheus.Registerer = prometheus.DefaultRegisterer
)

// newPipelineMetrics registers the collectors once per process.
func newPipelineMetrics() *pipelineMetrics {
	metricsOnce.Do(func() {
		metricsInstance = &pipelineMetrics{
			scans: promauto.With(metricsRegistry).NewCounterVec(prometheus.CounterOpts{
				Name: "receipt_ocr_scans_total",
				Help: "Total number of scans by mode and outcome",
			}, []string{"mode", "outcome"}),
			passes: promauto.With(metricsRegistry).NewCounterVec(prometheus.CounterOpts{
				Name: "receipt_ocr_passes_total",
				Help: "Total number of OCR passes by mode and outcome",
			}, []string{"mode", "outcome"}),
			duration: promauto.With(metricsRegistry).NewHistogramVec(prometheus.HistogramOpts{
				Name:    "receipt_ocr_scan_duration_seconds",
				Help:    "Time taken to scan a receipt",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 15},
			}, []string{"mode"}),
			confidence: promauto.With(metricsRegistry).NewHistogramVec(prometheus.HistogramOpts{
				Name:    "receipt_ocr_overall_confidence",
				Help:    "Overall confidence of returned results",
				Buckets: []float64{0, .1, .2, .3, .4, .5, .6, .7, .8, .9, 1},
			}, []string{"mode"}),
			degraded: promauto.With(metricsRegistry).NewCounter(prometheus.CounterOpts{
				Name: "receipt_ocr_degraded_preprocessing_total",
				Help: "Total number of passes whose advanced preprocessing fell back",
			}),
		}
	})
	return metricsInstance
}

// resetMetricsForTesting swaps in a fresh registry. Tests only.
func resetMetricsForTesting() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	metricsRegistry = reg
	metricsInstance = nil
	metricsOnce = sync.Once{}
	return reg
}
