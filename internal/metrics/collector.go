package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"livetail/internal/buffer"
	"livetail/internal/fetch"
	"livetail/internal/tail"
)

const namespace = "livetail"

// Collector implements tail.Observer on top of Prometheus vectors.
type Collector struct {
	fetches       *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	bufferRecords *prometheus.GaugeVec
	evictions     *prometheus.CounterVec
	duplicates    *prometheus.CounterVec
	streamState   *prometheus.GaugeVec
	registry      prometheus.Registerer
}

var _ tail.Observer = (*Collector)(nil)

// New registers the livetail collectors on registry.
func New(registry prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		registry: registry,
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Page fetches by stream and result (ok, network, auth, malformed).",
		}, []string{"stream", "result"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Page fetch latency including time queued for the fetch pool.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"stream"}),
		bufferRecords: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_records",
			Help:      "Records currently retained in the stream's merge buffer.",
		}, []string{"stream"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Records dropped by the buffer size bound, including stale arrivals.",
		}, []string{"stream"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_total",
			Help:      "Incoming records dropped because their ID was already buffered.",
		}, []string{"stream"}),
		streamState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_state",
			Help:      "Controller state: 0 idle, 1 polling, 2 paused, 3 failed, 4 closed.",
		}, []string{"stream"}),
	}
	for _, collector := range []prometheus.Collector{
		c.fetches, c.fetchDuration, c.bufferRecords, c.evictions, c.duplicates, c.streamState,
	} {
		if err := registry.Register(collector); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// RegisterPool exports the shared fetch pool's occupancy.
func (c *Collector) RegisterPool(pool *fetch.Pool) error {
	active := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "fetch_pool_active",
		Help:      "Fetches currently holding a pool slot.",
	}, func() float64 { return float64(pool.Active()) })
	waiting := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "fetch_pool_waiting",
		Help:      "Fetches queued for a pool slot.",
	}, func() float64 { return float64(pool.Waiting()) })
	if err := c.registry.Register(active); err != nil {
		return err
	}
	return c.registry.Register(waiting)
}

func (c *Collector) FetchCompleted(streamID string, elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = fetch.KindName(err)
	}
	c.fetches.WithLabelValues(streamID, result).Inc()
	c.fetchDuration.WithLabelValues(streamID).Observe(elapsed.Seconds())
}

func (c *Collector) BufferChanged(streamID string, delta buffer.Delta, size int) {
	c.bufferRecords.WithLabelValues(streamID).Set(float64(size))
	if !delta.Cleared {
		if dropped := len(delta.Evicted) + delta.Stale; dropped > 0 {
			c.evictions.WithLabelValues(streamID).Add(float64(dropped))
		}
	}
	if delta.Duplicates > 0 {
		c.duplicates.WithLabelValues(streamID).Add(float64(delta.Duplicates))
	}
}

func (c *Collector) StateChanged(streamID string, _, to tail.State) {
	c.streamState.WithLabelValues(streamID).Set(float64(to))
	if to == tail.StateClosed {
		c.bufferRecords.DeleteLabelValues(streamID)
	}
}
