package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// QueueStats gives the collector read access to live work-queue depth and
// throughput without an import cycle back to internal/queue — satisfied by
// queue.Queue.Stats's return shape via this narrow adapter interface.
type QueueStats interface {
	MainQueueSize() int
	RetryQueueSize() int
	ActiveCount() int
	WorkerCount() int
}

// Collector implements prometheus.Collector to read live gauges at scrape
// time: database pool occupancy plus work-queue depth.
type Collector struct {
	pool  *pgxpool.Pool
	queue QueueStats

	mainQueueDepth  *prometheus.Desc
	retryQueueDepth *prometheus.Desc
	activeTasks     *prometheus.Desc
	workerCount     *prometheus.Desc
	dbTotalConns    *prometheus.Desc
	dbAcquiredConns *prometheus.Desc
	dbIdleConns     *prometheus.Desc
}

// NewCollector creates a collector that reads live state at scrape time.
// pool may be nil (DB metrics report 0). queue may be nil if the work
// queue isn't running yet.
func NewCollector(pool *pgxpool.Pool, queue QueueStats) *Collector {
	return &Collector{
		pool:  pool,
		queue: queue,
		mainQueueDepth: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "main_depth"),
			"Current number of tasks waiting in the main work queue.",
			nil, nil,
		),
		retryQueueDepth: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "retry_depth"),
			"Current number of tasks waiting in the retry queue.",
			nil, nil,
		),
		activeTasks: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "active_tasks"),
			"Current number of tasks queued, being processed, or awaiting retry.",
			nil, nil,
		),
		workerCount: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "workers"),
			"Configured worker pool size.",
			nil, nil,
		),
		dbTotalConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "total_conns"),
			"Total database pool connections.",
			nil, nil,
		),
		dbAcquiredConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "acquired_conns"),
			"Database pool connections currently in use.",
			nil, nil,
		),
		dbIdleConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "idle_conns"),
			"Database pool idle connections.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.mainQueueDepth
	ch <- c.retryQueueDepth
	ch <- c.activeTasks
	ch <- c.workerCount
	ch <- c.dbTotalConns
	ch <- c.dbAcquiredConns
	ch <- c.dbIdleConns
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.queue != nil {
		ch <- prometheus.MustNewConstMetric(c.mainQueueDepth, prometheus.GaugeValue, float64(c.queue.MainQueueSize()))
		ch <- prometheus.MustNewConstMetric(c.retryQueueDepth, prometheus.GaugeValue, float64(c.queue.RetryQueueSize()))
		ch <- prometheus.MustNewConstMetric(c.activeTasks, prometheus.GaugeValue, float64(c.queue.ActiveCount()))
		ch <- prometheus.MustNewConstMetric(c.workerCount, prometheus.GaugeValue, float64(c.queue.WorkerCount()))
	} else {
		ch <- prometheus.MustNewConstMetric(c.mainQueueDepth, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.retryQueueDepth, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.activeTasks, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.workerCount, prometheus.GaugeValue, 0)
	}

	if c.pool != nil {
		stat := c.pool.Stat()
		ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, float64(stat.TotalConns()))
		ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, float64(stat.AcquiredConns()))
		ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, float64(stat.IdleConns()))
	} else {
		ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, 0)
	}
}
