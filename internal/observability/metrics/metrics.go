// Package metrics 导出版本检查、插件升级与升级作业的 Prometheus 指标。
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ivis"

var (
	registry = prometheus.NewRegistry()

	updates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "plugin",
		Name:      "updates_total",
		Help:      "Remote version checks by outcome (added, known, unknown, failed).",
	}, []string{"plugin", "outcome"})

	upgrades = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "plugin",
		Name:      "upgrades_total",
		Help:      "Upgrade runs by outcome (installed, pending, pretend, failed).",
	}, []string{"plugin", "outcome"})

	rowsLoaded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "plugin",
		Name:      "rows_loaded_total",
		Help:      "Rows written to the integrated store by committed upgrades.",
	}, []string{"plugin"})

	// 单次 ETL 从几秒到一小时不等。
	upgradeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "plugin",
		Name:      "upgrade_duration_seconds",
		Help:      "Wall time of upgrade runs.",
		Buckets:   []float64{1, 5, 30, 60, 300, 900, 1800, 3600},
	}, []string{"plugin"})

	jobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "upgrade",
		Name:      "jobs_total",
		Help:      "Upgrade job attempts by final status (done, skipped, failed, retried).",
	}, []string{"status"})
)

func init() {
	registry.MustRegister(updates, upgrades, rowsLoaded, upgradeDuration, jobs,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// ObserveUpgrade 记录一次升级的结果、耗时与载入行数。
func ObserveUpgrade(plugin, outcome string, duration time.Duration, rows int) {
	upgrades.WithLabelValues(plugin, outcome).Inc()
	upgradeDuration.WithLabelValues(plugin).Observe(duration.Seconds())
	if rows > 0 {
		rowsLoaded.WithLabelValues(plugin).Add(float64(rows))
	}
}

// ObserveUpdate 记录一次远程版本检查的结果。
func ObserveUpdate(plugin, outcome string) {
	updates.WithLabelValues(plugin, outcome).Inc()
}

// ObserveJob 记录一次作业尝试的结束状态。
func ObserveJob(status string) {
	jobs.WithLabelValues(status).Inc()
}

func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

// StartServer 在 addr 上提供 /metrics 与 /healthz，阻塞到 ctx 结束。
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
