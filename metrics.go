package virtblk

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "virtblk_requests_total",
		Help: "The total number of requests executed, by request type",
	}, []string{"type"})

	requestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "virtblk_request_errors_total",
		Help: "The total number of failed requests, by request type and error kind",
	}, []string{"type", "kind"})

	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "virtblk_request_time",
		Help:    "Time taken to execute a request",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	bytesRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "virtblk_bytes_read",
		Help: "The total number of bytes read from the backend into guest memory",
	})

	bytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "virtblk_bytes_written",
		Help: "The total number of bytes written from guest memory to the backend",
	})

	sectorsDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "virtblk_sectors_discarded",
		Help: "The total number of sectors covered by discard segments",
	})

	sectorsZeroed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "virtblk_sectors_zeroed",
		Help: "The total number of sectors covered by write zeroes segments",
	})

	punchHoleFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "virtblk_punch_hole_failures",
		Help: "Number of times the backend refused to punch a hole",
	})
)

// typeLabel keeps the label set bounded; guests control the request code.
func typeLabel(t RequestType) string {
	if !t.Supported() {
		return "unsupported"
	}

	return t.String()
}
