// Feedgate
// Copyright (C) 2025 Gravitational, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package web

import (
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gravitational/feedgate/lib/defaults"
	"github.com/gravitational/feedgate/lib/journal"
)

// journalCollector exports journal statistics as prometheus metrics.
type journalCollector struct {
	journal *journal.Journal

	uniqueDocIds   *prometheus.Desc
	totalDocIds    *prometheus.Desc
	totalGroups    *prometheus.Desc
	gsaRequests    *prometheus.Desc
	nonGsaRequests *prometheus.Desc
	errorRate      *prometheus.Desc
}

func newJournalCollector(j *journal.Journal) *journalCollector {
	return &journalCollector{
		journal: j,
		uniqueDocIds: prometheus.NewDesc("feedgate_unique_docids_pushed",
			"Distinct document ids pushed since start.", nil, nil),
		totalDocIds: prometheus.NewDesc("feedgate_docids_pushed_total",
			"Document ids pushed since start, duplicates included.", nil, nil),
		totalGroups: prometheus.NewDesc("feedgate_groups_pushed_total",
			"Group definitions pushed since start.", nil, nil),
		gsaRequests: prometheus.NewDesc("feedgate_indexer_requests_total",
			"Content requests made by the indexer.", nil, nil),
		nonGsaRequests: prometheus.NewDesc("feedgate_user_requests_total",
			"Content requests made by everyone but the indexer.", nil, nil),
		errorRate: prometheus.NewDesc("feedgate_retriever_error_rate",
			"Fraction of recent retrievals that failed.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *journalCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.uniqueDocIds
	ch <- c.totalDocIds
	ch <- c.totalGroups
	ch <- c.gsaRequests
	ch <- c.nonGsaRequests
	ch <- c.errorRate
}

// Collect implements prometheus.Collector.
func (c *journalCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.journal.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.uniqueDocIds, prometheus.GaugeValue, float64(snap.UniqueDocIdsPushed))
	ch <- prometheus.MustNewConstMetric(c.totalDocIds, prometheus.CounterValue, float64(snap.TotalDocIdsPushed))
	ch <- prometheus.MustNewConstMetric(c.totalGroups, prometheus.CounterValue, float64(snap.TotalGroupsPushed))
	ch <- prometheus.MustNewConstMetric(c.gsaRequests, prometheus.CounterValue, float64(snap.GsaRequests))
	ch <- prometheus.MustNewConstMetric(c.nonGsaRequests, prometheus.CounterValue, float64(snap.NonGsaRequests))
	ch <- prometheus.MustNewConstMetric(c.errorRate, prometheus.GaugeValue, c.journal.RetrieverErrorRate(0))
}

// dashboardPage is the minimal operator landing page. The real UI is the
// JSON-RPC surface behind /r.
const dashboardPage = `<!DOCTYPE html>
<html>
<head><title>feedgate dashboard</title></head>
<body>
<h1>feedgate</h1>
<p>POST JSON-RPC calls to <code>` + defaults.RPCPath + `</code>
(methods: getLog, getConfig, getStats, getStatuses).</p>
<p>Prometheus metrics are at <code>/metrics</code>.</p>
</body>
</html>
`

// NewDashboardMux assembles the dashboard port's routes: the landing
// page, the RPC surface, and prometheus metrics.
func NewDashboardMux(rpc *RPCHandler) *http.ServeMux {
	registry := prometheus.NewRegistry()
	registry.MustRegister(newJournalCollector(rpc.Journal))
	registry.MustRegister(collectors.NewGoCollector())

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, dashboardPage)
	})
	mux.Handle(defaults.RPCPath, rpc)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return mux
}
