package message

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports the size and delivery report of a Batch as Prometheus
// gauges. Values are read from the batch on every scrape.
type Collector struct {
	batch *Batch

	messages  *prometheus.Desc
	pending   *prometheus.Desc
	processed *prometheus.Desc
	states    *prometheus.Desc
}

// NewCollector creates a collector for b. labels are attached to every
// metric, e.g. the batch source.
func NewCollector(b *Batch, labels prometheus.Labels) *Collector {
	return &Collector{
		batch: b,
		messages: prometheus.NewDesc("linefsm_batch_messages",
			"Number of messages pushed into the batch.", nil, labels),
		pending: prometheus.NewDesc("linefsm_batch_pending",
			"Number of messages waiting for delivery.", nil, labels),
		processed: prometheus.NewDesc("linefsm_batch_processed",
			"Number of messages marked processed.", nil, labels),
		states: prometheus.NewDesc("linefsm_batch_delivery_state",
			"Number of messages per delivery state.", []string{"state"}, labels),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.messages
	ch <- c.pending
	ch <- c.processed
	ch <- c.states
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.messages, prometheus.GaugeValue, float64(c.batch.Len()))
	ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(c.batch.PendingLen()))
	ch <- prometheus.MustNewConstMetric(c.processed, prometheus.GaugeValue, float64(c.batch.ProcessedLen()))

	report := c.batch.Report()
	for _, state := range DeliveryStates.Members() {
		ch <- prometheus.MustNewConstMetric(c.states, prometheus.GaugeValue,
			float64(report[state]), state.Value)
	}
}
