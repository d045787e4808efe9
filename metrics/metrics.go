package metrics

import (
	"log/slog"
	"net/http"
	"strings"

	"rampart/backup"
	"rampart/replica"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rampart"

// RampartCollector exposes replica-manager and backup-store internals.
// Either source may be nil; a master registers only the manager, a backup
// only the store.
type RampartCollector struct {
	manager *replica.Manager
	store   *backup.Store

	openSegments   *prometheus.Desc
	replicasState  *prometheus.Desc
	writesInFlight *prometheus.Desc
	openRPCs       *prometheus.Desc
	writeRPCs      *prometheus.Desc
	freeRPCs       *prometheus.Desc
	rereplications *prometheus.Desc
	trackedServers *prometheus.Desc

	storedReplicas *prometheus.Desc
	openReplicas   *prometheus.Desc
	backupWrites   *prometheus.Desc
	backupBytes    *prometheus.Desc
}

func NewRampartCollector(manager *replica.Manager, store *backup.Store) *RampartCollector {
	return &RampartCollector{
		manager:        manager,
		store:          store,
		openSegments:   newDesc("replica", "segments_open", "Segments currently replicated"),
		replicasState:  newDescLabeled("replica", "replicas", "Replica slots by state", "state"),
		writesInFlight: newDesc("replica", "write_rpcs_in_flight", "Outstanding write RPCs"),
		openRPCs:       newDesc("replica", "open_rpcs_total", "Open RPCs issued"),
		writeRPCs:      newDesc("replica", "write_rpcs_total", "Write RPCs issued"),
		freeRPCs:       newDesc("replica", "free_rpcs_total", "Free RPCs issued"),
		rereplications: newDesc("replica", "rereplications_total", "Replica slots restarted after failures"),
		trackedServers: newDesc("replica", "tracked_servers", "Servers in the manager's tracker view"),
		storedReplicas: newDesc("backup", "replicas_stored", "Replica frames held"),
		openReplicas:   newDesc("backup", "replicas_open", "Replica frames still open"),
		backupWrites:   newDesc("backup", "writes_total", "Open and write RPCs applied"),
		backupBytes:    newDesc("backup", "bytes_stored_total", "Replica bytes received"),
	}
}

func newDesc(sub, name, help string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, sub, name), help, nil, nil)
}

func newDescLabeled(sub, name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, sub, name), help, labels, nil)
}

func (c *RampartCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.openSegments
	ch <- c.replicasState
	ch <- c.writesInFlight
	ch <- c.openRPCs
	ch <- c.writeRPCs
	ch <- c.freeRPCs
	ch <- c.rereplications
	ch <- c.trackedServers
	ch <- c.storedReplicas
	ch <- c.openReplicas
	ch <- c.backupWrites
	ch <- c.backupBytes
}

func (c *RampartCollector) Collect(ch chan<- prometheus.Metric) {
	if c.manager != nil {
		stats := c.manager.Snapshot()
		ch <- prometheus.MustNewConstMetric(c.openSegments, prometheus.GaugeValue, float64(stats.OpenSegments))
		for state, count := range stats.ReplicasByState {
			ch <- prometheus.MustNewConstMetric(c.replicasState, prometheus.GaugeValue, float64(count), state)
		}
		ch <- prometheus.MustNewConstMetric(c.writesInFlight, prometheus.GaugeValue, float64(stats.WriteRPCsInFlight))
		ch <- prometheus.MustNewConstMetric(c.openRPCs, prometheus.CounterValue, float64(stats.OpenRPCs))
		ch <- prometheus.MustNewConstMetric(c.writeRPCs, prometheus.CounterValue, float64(stats.WriteRPCs))
		ch <- prometheus.MustNewConstMetric(c.freeRPCs, prometheus.CounterValue, float64(stats.FreeRPCs))
		ch <- prometheus.MustNewConstMetric(c.rereplications, prometheus.CounterValue, float64(stats.Rereplications))
		ch <- prometheus.MustNewConstMetric(c.trackedServers, prometheus.GaugeValue, float64(stats.TrackedServers))
	}

	if c.store != nil {
		stats := c.store.Snapshot()
		ch <- prometheus.MustNewConstMetric(c.storedReplicas, prometheus.GaugeValue, float64(stats.Replicas))
		ch <- prometheus.MustNewConstMetric(c.openReplicas, prometheus.GaugeValue, float64(stats.OpenReplicas))
		ch <- prometheus.MustNewConstMetric(c.backupWrites, prometheus.CounterValue, float64(stats.Writes))
		ch <- prometheus.MustNewConstMetric(c.backupBytes, prometheus.CounterValue, float64(stats.BytesStored))
	}
}

// StartMetricsServer serves the collector on addr in the background. An
// empty addr disables metrics.
func StartMetricsServer(addr string, manager *replica.Manager, store *backup.Store, logger *slog.Logger) {
	if addr == "" {
		return
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(NewRampartCollector(manager, store))
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	go func() {
		logger.Info("metrics server starting", "addr", addr)
		if err := http.ListenAndServe(addr, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})); err != nil {
			logger.Warn("metrics server stopped", "err", err)
		}
	}()
}
