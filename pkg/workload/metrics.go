package workload

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

type workloadMetrics struct {
	set *metrics.Set

	reactor_workers *metrics.Gauge
	dispatch_total  struct {
		request   *metrics.Counter
		notify    *metrics.Counter
		response  *metrics.Counter
		lifecycle *metrics.Counter
	}
	handler_panics_total *metrics.Counter
}

func (r *Runtime) m() *workloadMetrics {
	r.metricsInit.Do(func() {
		m := &r.metricsObj
		m.set = metrics.NewSet()
		m.reactor_workers = m.set.NewGauge(`ens_workload_reactor_workers`, func() float64 {
			return float64(r.workers.Load())
		})
		m.dispatch_total.request = m.set.NewCounter(`ens_workload_dispatch_total{msg="request"}`)
		m.dispatch_total.notify = m.set.NewCounter(`ens_workload_dispatch_total{msg="notify"}`)
		m.dispatch_total.response = m.set.NewCounter(`ens_workload_dispatch_total{msg="response"}`)
		m.dispatch_total.lifecycle = m.set.NewCounter(`ens_workload_dispatch_total{msg="lifecycle"}`)
		m.handler_panics_total = m.set.NewCounter(`ens_workload_handler_panics_total`)
	})
	return &r.metricsObj
}

// WritePrometheus writes the runtime metrics in Prometheus text format.
func (r *Runtime) WritePrometheus(w io.Writer) {
	r.m().set.WritePrometheus(w)
}
