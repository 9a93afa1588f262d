package ens

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

type clientMetrics struct {
	set *metrics.Set

	sessions_connected_total struct {
		event   *metrics.Counter
		http    *metrics.Counter
		network *metrics.Counter
	}
	session_requests_total struct {
		success *metrics.Counter
		fail    *metrics.Counter
	}
	session_notifies_total *metrics.Counter
	probe_runs_total       struct {
		success *metrics.Counter
		fail    *metrics.Counter
	}
}

func (m *clientMetrics) init() {
	m.set = metrics.NewSet()
	m.sessions_connected_total.event = m.set.NewCounter(`ens_client_sessions_connected_total{type="event"}`)
	m.sessions_connected_total.http = m.set.NewCounter(`ens_client_sessions_connected_total{type="http"}`)
	m.sessions_connected_total.network = m.set.NewCounter(`ens_client_sessions_connected_total{type="network"}`)
	m.session_requests_total.success = m.set.NewCounter(`ens_client_session_requests_total{result="success"}`)
	m.session_requests_total.fail = m.set.NewCounter(`ens_client_session_requests_total{result="fail"}`)
	m.session_notifies_total = m.set.NewCounter(`ens_client_session_notifies_total`)
	m.probe_runs_total.success = m.set.NewCounter(`ens_client_probe_runs_total{result="success"}`)
	m.probe_runs_total.fail = m.set.NewCounter(`ens_client_probe_runs_total{result="fail"}`)
}

func (m *clientMetrics) countRequest(success bool) {
	if m == nil {
		return
	}
	if success {
		m.session_requests_total.success.Inc()
	} else {
		m.session_requests_total.fail.Inc()
	}
}

func (m *clientMetrics) countNotify() {
	if m == nil {
		return
	}
	m.session_notifies_total.Inc()
}

// WritePrometheus writes the client metrics in Prometheus text format.
func (c *Client) WritePrometheus(w io.Writer) {
	c.m().set.WritePrometheus(w)
}
