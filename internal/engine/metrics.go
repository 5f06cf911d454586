package engine

import "github.com/prometheus/client_golang/prometheus"

var jobsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cook_jobs_total",
		Help: "Total number of finished jobs by final state.",
	},
	[]string{"state"},
)

func init() {
	prometheus.MustRegister(jobsTotal)
}
