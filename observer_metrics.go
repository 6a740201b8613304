package xdispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsObserver exports bus events as Prometheus metrics.
type MetricsObserver struct {
	events          *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
}

// NewMetricsObserver registers the bus collectors on reg under namespace.
func NewMetricsObserver(reg prometheus.Registerer, namespace string) (*MetricsObserver, error) {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "events_total",
		Help:      "Bus lifecycle events by type and topic.",
	}, []string{"type", "topic"})
	handlerDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "handler_duration_seconds",
		Help:      "Handler execution time by topic and outcome.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"topic", "outcome"})

	for _, c := range []prometheus.Collector{events, handlerDuration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return &MetricsObserver{events: events, handlerDuration: handlerDuration}, nil
}

func (o *MetricsObserver) OnEvent(e Event) {
	o.events.WithLabelValues(string(e.Type), e.Topic).Inc()
	switch e.Type {
	case EventHandlerDone:
		o.handlerDuration.WithLabelValues(e.Topic, "ok").Observe(e.Duration.Seconds())
	case EventHandlerError:
		o.handlerDuration.WithLabelValues(e.Topic, "error").Observe(e.Duration.Seconds())
	}
}

// BusCollector exposes live queue gauges of a Bus.
type BusCollector struct {
	bus      *Bus
	depth    *prometheus.Desc
	inFlight *prometheus.Desc
	permits  *prometheus.Desc
}

// NewBusCollector returns a prometheus.Collector reading b on every scrape.
func NewBusCollector(b *Bus, namespace string) *BusCollector {
	return &BusCollector{
		bus:      b,
		depth:    prometheus.NewDesc(prometheus.BuildFQName(namespace, "bus", "queue_depth"), "Entries waiting for dispatch.", nil, nil),
		inFlight: prometheus.NewDesc(prometheus.BuildFQName(namespace, "bus", "in_flight"), "Tracked handler executions.", nil, nil),
		permits:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "bus", "permits_in_use"), "Handler permits held.", nil, nil),
	}
}

// Describe is part of the implementation of prometheus.Collector.
func (c *BusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.depth
	ch <- c.inFlight
	ch <- c.permits
}

// Collect is part of the implementation of prometheus.Collector.
func (c *BusCollector) Collect(ch chan<- prometheus.Metric) {
	m := c.bus.GetMetrics()
	ch <- prometheus.MustNewConstMetric(c.depth, prometheus.GaugeValue, float64(m.QueueDepth))
	ch <- prometheus.MustNewConstMetric(c.inFlight, prometheus.GaugeValue, float64(m.InFlight))
	ch <- prometheus.MustNewConstMetric(c.permits, prometheus.GaugeValue, float64(m.PermitsInUse))
}
