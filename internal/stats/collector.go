package stats

import (
	"github.com/prometheus/client_golang/prometheus"

	"reliefhub/api/internal/store"
)

// Collector exposes the aggregator through Prometheus. Values are read from a
// single snapshot per scrape so one scrape never mixes two states.
type Collector struct {
	aggregator *Aggregator

	requests     *prometheus.Desc
	openRequests *prometheus.Desc
	unresolved   *prometheus.Desc
	latency      *prometheus.Desc
	volunteers   *prometheus.Desc
	utilization  *prometheus.Desc
	applied      *prometheus.Desc
}

func NewCollector(aggregator *Aggregator) *Collector {
	return &Collector{
		aggregator: aggregator,
		requests: prometheus.NewDesc("reliefhub_requests",
			"Requests by status.", []string{"status"}, nil),
		openRequests: prometheus.NewDesc("reliefhub_open_requests",
			"Open requests by urgency.", []string{"urgency"}, nil),
		unresolved: prometheus.NewDesc("reliefhub_open_requests_unresolved",
			"Open requests without resolved coordinates.", nil, nil),
		latency: prometheus.NewDesc("reliefhub_response_latency_seconds",
			"Time from request submission to volunteer acceptance.", []string{"stat"}, nil),
		volunteers: prometheus.NewDesc("reliefhub_volunteers",
			"Volunteer totals.", []string{"kind"}, nil),
		utilization: prometheus.NewDesc("reliefhub_volunteer_utilization",
			"Active assignments divided by total volunteer capacity.", nil, nil),
		applied: prometheus.NewDesc("reliefhub_stats_deltas_applied",
			"Committed deltas reflected in the aggregates.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requests
	ch <- c.openRequests
	ch <- c.unresolved
	ch <- c.latency
	ch <- c.volunteers
	ch <- c.utilization
	ch <- c.applied
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.aggregator.Snapshot()

	for _, status := range store.RequestStatuses() {
		ch <- prometheus.MustNewConstMetric(c.requests, prometheus.GaugeValue, float64(snap.ByStatus[status]), string(status))
	}
	for _, urgency := range store.Urgencies() {
		ch <- prometheus.MustNewConstMetric(c.openRequests, prometheus.GaugeValue, float64(snap.OpenByUrgency[urgency.String()]), urgency.String())
	}
	ch <- prometheus.MustNewConstMetric(c.unresolved, prometheus.GaugeValue, float64(snap.OpenUnresolved))
	ch <- prometheus.MustNewConstMetric(c.latency, prometheus.GaugeValue, snap.Latency.MeanSeconds, "mean")
	ch <- prometheus.MustNewConstMetric(c.latency, prometheus.GaugeValue, snap.Latency.MedianSeconds, "median")
	ch <- prometheus.MustNewConstMetric(c.latency, prometheus.GaugeValue, float64(snap.Latency.Count), "count")
	ch <- prometheus.MustNewConstMetric(c.volunteers, prometheus.GaugeValue, float64(snap.Volunteers.Total), "total")
	ch <- prometheus.MustNewConstMetric(c.volunteers, prometheus.GaugeValue, float64(snap.Volunteers.Available), "available")
	ch <- prometheus.MustNewConstMetric(c.volunteers, prometheus.GaugeValue, float64(snap.Volunteers.Capacity), "capacity")
	ch <- prometheus.MustNewConstMetric(c.volunteers, prometheus.GaugeValue, float64(snap.Volunteers.Load), "load")
	ch <- prometheus.MustNewConstMetric(c.utilization, prometheus.GaugeValue, snap.Volunteers.Utilization)
	ch <- prometheus.MustNewConstMetric(c.applied, prometheus.CounterValue, float64(snap.Applied))
}
