package tool

import "github.com/prometheus/client_golang/prometheus"

var (
	instancesRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cook_tool_instances_running",
			Help: "Number of tool instances currently executing.",
		},
		[]string{"tool"},
	)

	instancesWaiting = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cook_tool_instances_waiting",
			Help: "Number of tool instances waiting for admission.",
		},
		[]string{"tool"},
	)

	instancesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cook_tool_instances_total",
			Help: "Total number of settled tool instances by end state.",
		},
		[]string{"tool", "state"},
	)

	instanceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cook_tool_instance_duration_seconds",
			Help:    "Tool process run time from spawn to settlement, in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"tool"},
	)
)

func init() {
	prometheus.MustRegister(instancesRunning)
	prometheus.MustRegister(instancesWaiting)
	prometheus.MustRegister(instancesTotal)
	prometheus.MustRegister(instanceDuration)
}
